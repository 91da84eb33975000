package chatrelay

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
	"github.com/gosuda/chatrelay/chatrelay/transport"
)

// handshakeIdleTimeout evicts handshakes whose peers have gone quiet, so an
// abandoned transfer does not pin registry entries until restart.
const handshakeIdleTimeout = 60 * time.Second

// serverHandshake is the server's view of one key transfer: a blind relay
// between the custodian (connSender) and the newcomer (connReceiver). The
// server never sees the key material in the clear.
type serverHandshake struct {
	id           string
	connSender   *transport.Conn
	connReceiver *transport.Conn
	initiated    bool
	lastActivity time.Time
}

// HandshakeManager owns the registry of in-flight handshakes and the queue
// of handshakes created but not yet announced to their peers.
type HandshakeManager struct {
	handshakes     map[string]*serverHandshake
	waitingForInit []*serverHandshake
	now            func() time.Time
}

func NewHandshakeManager() *HandshakeManager {
	return &HandshakeManager{
		handshakes: make(map[string]*serverHandshake),
		now:        time.Now,
	}
}

// CreateHandshake registers a key transfer from sender to receiver for the
// given key-id and queues it for initiation. The handshake id appends the
// smallest unused 4-digit tag to the key-id. An in-flight handshake to the
// same receiver for the same key-id is reused instead of duplicated.
func (m *HandshakeManager) CreateHandshake(keyID string, sender, receiver *transport.Conn) *serverHandshake {
	for _, hs := range m.handshakes {
		if hs.connReceiver == receiver && strings.HasPrefix(hs.id, keyID+"+") {
			log.Debug().Str("handshake_id", hs.id).Msg("[Handshake] transfer already in flight, reusing")
			return hs
		}
	}

	var id string
	for tag := 1; ; tag++ {
		id = fmt.Sprintf("%s+%04d", keyID, tag)
		if _, taken := m.handshakes[id]; !taken {
			break
		}
	}

	hs := &serverHandshake{
		id:           id,
		connSender:   sender,
		connReceiver: receiver,
		lastActivity: m.now(),
	}
	m.handshakes[id] = hs
	m.waitingForInit = append(m.waitingForInit, hs)
	log.Debug().Str("handshake_id", id).Msg("[Handshake] created")
	return hs
}

// Process relays one E2E_HANDSHAKE event. The only checks are that the
// handshake exists and that the event came from the connection the current
// direction expects; any mismatch is logged and dropped without teardown.
func (m *HandshakeManager) Process(from *transport.Conn, ev *chatverb.Event) []Action {
	id := ev.GetString("handshake_id")
	hs, ok := m.handshakes[id]
	if !ok {
		log.Warn().Str("handshake_id", id).Msg("[Handshake] event for unknown handshake dropped")
		return nil
	}
	hs.lastActivity = m.now()

	action := ev.GetString("action")
	switch action {
	case chatverb.ActionFinalSend:
		if from != hs.connReceiver {
			log.Warn().Str("handshake_id", id).Msg("[Handshake] FINAL_SEND from wrong connection dropped")
			return nil
		}
		return []Action{SendAction(hs.connSender, ev)}

	case chatverb.ActionFinalRecv:
		if from != hs.connSender {
			log.Warn().Str("handshake_id", id).Msg("[Handshake] FINAL_RECV from wrong connection dropped")
			return nil
		}
		delete(m.handshakes, id)
		log.Debug().Str("handshake_id", id).Msg("[Handshake] complete")
		return []Action{
			SendAction(hs.connReceiver, ev),
			{
				Kind:         ActionHandshakeComplete,
				HandshakeID:  id,
				ConnSender:   hs.connSender,
				ConnReceiver: hs.connReceiver,
			},
		}

	default:
		log.Warn().Str("handshake_id", id).Str("action", action).Msg("[Handshake] unexpected action dropped")
		return nil
	}
}

// CheckForUpdates evicts idle handshakes and announces newly created ones,
// emitting the INIT_SEND/INIT_RECV pair for each. It runs once per pump so
// several check triggers within one pump coalesce.
func (m *HandshakeManager) CheckForUpdates() []Action {
	now := m.now()
	for id, hs := range m.handshakes {
		if now.Sub(hs.lastActivity) > handshakeIdleTimeout {
			log.Warn().Str("handshake_id", id).Msg("[Handshake] idle handshake evicted")
			delete(m.handshakes, id)
		}
	}

	var actions []Action
	for _, hs := range m.waitingForInit {
		if _, alive := m.handshakes[hs.id]; !alive || hs.initiated {
			continue
		}
		hs.initiated = true
		actions = append(actions,
			SendAction(hs.connSender, chatverb.New(chatverb.TagE2EHandshake).
				SetString("handshake_id", hs.id).
				SetString("action", chatverb.ActionInitSend)),
			SendAction(hs.connReceiver, chatverb.New(chatverb.TagE2EHandshake).
				SetString("handshake_id", hs.id).
				SetString("action", chatverb.ActionInitRecv)),
		)
		log.Debug().Str("handshake_id", hs.id).Msg("[Handshake] initiated")
	}
	m.waitingForInit = m.waitingForInit[:0]
	return actions
}

// Count reports how many handshakes are in flight.
func (m *HandshakeManager) Count() int {
	return len(m.handshakes)
}
