package sdk

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/chatrelay/core/cryptoops"
	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
)

// Side says which half of a key transfer this client plays.
type Side int

const (
	// SideSender holds the chat key pair and wraps it for the peer.
	SideSender Side = iota + 1
	// SideReceiver generates an ephemeral pair and receives the chat pair.
	SideReceiver
)

// Handshake steps. A handshake at stepTerminal is finished.
const (
	stepStart        = 0
	stepAwaitRPub    = 1
	stepAwaitPackets = 2
	stepTerminal     = -1
)

// Handshake is the client half of one key transfer.
type Handshake struct {
	ID       string
	Side     Side
	Step     int
	Finished bool

	// Receiver state: the ephemeral pair the chat pair is wrapped to.
	rPub  *rsa.PublicKey
	rPriv *rsa.PrivateKey

	// Sender state: the chat pair being transferred, PEM form.
	sPubPEM  []byte
	sPrivPEM []byte
}

// HandshakeManager runs the client's handshake state machines against the
// local key store. All mutation happens on the pump context.
type HandshakeManager struct {
	keys       *KeyStore
	handshakes map[string]*Handshake
}

func NewHandshakeManager(keys *KeyStore) *HandshakeManager {
	return &HandshakeManager{
		keys:       keys,
		handshakes: make(map[string]*Handshake),
	}
}

// keyIDFromHandshakeID drops the +NNNN tag.
func keyIDFromHandshakeID(handshakeID string) string {
	keyID, _, _ := strings.Cut(handshakeID, "+")
	return keyID
}

// Process advances the state machine for one E2E_HANDSHAKE event. It
// returns events to send back through the relay and whether the key store
// needs flushing. Protocol violations are logged and dropped; the handshake
// stays registered.
func (m *HandshakeManager) Process(ev *chatverb.Event) (sends []*chatverb.Event, saveKeys bool, err error) {
	id := ev.GetString("handshake_id")
	action := ev.GetString("action")

	switch action {
	case chatverb.ActionInitSend:
		return m.handleInitSend(id)
	case chatverb.ActionInitRecv:
		return m.handleInitRecv(id)
	case chatverb.ActionFinalSend:
		return m.handleFinalSend(id, ev.GetEvent("data"))
	case chatverb.ActionFinalRecv:
		return m.handleFinalRecv(id, ev.GetEvent("data"))
	}
	log.Warn().Str("handshake_id", id).Str("action", action).Msg("[Handshake] unknown action dropped")
	return nil, false, nil
}

// handleInitSend starts the sender side: load the chat pair, generating it
// on the spot when the store has none yet.
func (m *HandshakeManager) handleInitSend(id string) ([]*chatverb.Event, bool, error) {
	keyID := keyIDFromHandshakeID(id)
	hs := &Handshake{ID: id, Side: SideSender, Step: stepStart}

	saveKeys := false
	pub, priv, ok := m.keys.Get(keyID)
	if !ok {
		var err error
		pub, priv, err = generatePEMPair()
		if err != nil {
			return nil, false, err
		}
		m.keys.Put(keyID, pub, priv)
		saveKeys = true
		log.Debug().Str("key_id", keyID).Msg("[Handshake] generated missing chat pair")
	}
	hs.sPubPEM = pub
	hs.sPrivPEM = priv
	hs.Step = stepAwaitRPub
	m.handshakes[id] = hs
	log.Debug().Str("handshake_id", id).Msg("[Handshake] sender ready")
	return nil, saveKeys, nil
}

// handleInitRecv starts the receiver side: generate the ephemeral pair and
// offer its public half to the sender.
func (m *HandshakeManager) handleInitRecv(id string) ([]*chatverb.Event, bool, error) {
	pub, priv, err := cryptoops.GenerateKeyPair()
	if err != nil {
		return nil, false, fmt.Errorf("generate ephemeral pair: %w", err)
	}
	pubPEM, err := cryptoops.PublicKeyToPEM(pub)
	if err != nil {
		return nil, false, err
	}

	hs := &Handshake{ID: id, Side: SideReceiver, Step: stepAwaitPackets, rPub: pub, rPriv: priv}
	m.handshakes[id] = hs
	log.Debug().Str("handshake_id", id).Msg("[Handshake] receiver ready")

	return []*chatverb.Event{
		chatverb.New(chatverb.TagE2EHandshake).
			SetString("handshake_id", id).
			SetString("action", chatverb.ActionFinalSend).
			SetEvent("data", chatverb.New("data").SetBytes("r_pub", pubPEM)),
	}, false, nil
}

// handleFinalSend runs on the sender: wrap both PEM halves of the chat pair
// to the receiver's ephemeral public key and send them back.
func (m *HandshakeManager) handleFinalSend(id string, data *chatverb.Event) ([]*chatverb.Event, bool, error) {
	hs, ok := m.handshakes[id]
	if !ok {
		log.Warn().Str("handshake_id", id).Msg("[Handshake] FINAL_SEND for unknown handshake dropped")
		return nil, false, nil
	}
	if hs.Side != SideSender || hs.Step != stepAwaitRPub || data == nil {
		log.Warn().Str("handshake_id", id).Int("step", hs.Step).Msg("[Handshake] FINAL_SEND out of order dropped")
		return nil, false, nil
	}

	rPub, err := cryptoops.PublicKeyFromPEM(data.GetBytes("r_pub"))
	if err != nil {
		log.Warn().Str("handshake_id", id).Err(err).Msg("[Handshake] bad peer key dropped")
		return nil, false, nil
	}

	pubPacket, err := wrapPacket(hs.sPubPEM, rPub)
	if err != nil {
		return nil, false, err
	}
	privPacket, err := wrapPacket(hs.sPrivPEM, rPub)
	if err != nil {
		return nil, false, err
	}

	hs.Step = stepTerminal
	hs.Finished = true
	log.Debug().Str("handshake_id", id).Msg("[Handshake] pair wrapped and sent")

	return []*chatverb.Event{
		chatverb.New(chatverb.TagE2EHandshake).
			SetString("handshake_id", id).
			SetString("action", chatverb.ActionFinalRecv).
			SetEvent("data", chatverb.New("data").
				SetPacket("ebSpu_packet", pubPacket).
				SetPacket("ebSpr_packet", privPacket)),
	}, false, nil
}

// handleFinalRecv runs on the receiver: unwrap both halves with the
// ephemeral private key and install the pair.
func (m *HandshakeManager) handleFinalRecv(id string, data *chatverb.Event) ([]*chatverb.Event, bool, error) {
	hs, ok := m.handshakes[id]
	if !ok {
		log.Warn().Str("handshake_id", id).Msg("[Handshake] FINAL_RECV for unknown handshake dropped")
		return nil, false, nil
	}
	if hs.Side != SideReceiver || hs.Step != stepAwaitPackets || data == nil {
		log.Warn().Str("handshake_id", id).Int("step", hs.Step).Msg("[Handshake] FINAL_RECV out of order dropped")
		return nil, false, nil
	}

	pubPEM, err := unwrapPacket(data.GetPacket("ebSpu_packet"), hs.rPriv)
	if err != nil {
		return nil, false, fmt.Errorf("unwrap public half: %w", err)
	}
	privPEM, err := unwrapPacket(data.GetPacket("ebSpr_packet"), hs.rPriv)
	if err != nil {
		return nil, false, fmt.Errorf("unwrap private half: %w", err)
	}

	// Parse both halves before installing anything.
	if _, err := cryptoops.PublicKeyFromPEM(pubPEM); err != nil {
		return nil, false, fmt.Errorf("parse transferred public key: %w", err)
	}
	if _, err := cryptoops.PrivateKeyFromPEM(privPEM); err != nil {
		return nil, false, fmt.Errorf("parse transferred private key: %w", err)
	}

	m.keys.Put(keyIDFromHandshakeID(id), pubPEM, privPEM)
	hs.Step = stepTerminal
	hs.Finished = true
	log.Debug().Str("handshake_id", id).Msg("[Handshake] pair installed")
	return nil, true, nil
}

func wrapPacket(payload []byte, to *rsa.PublicKey) (*cryptoops.DataPacket, error) {
	packet, err := cryptoops.NewDataPacket(payload)
	if err != nil {
		return nil, err
	}
	if err := packet.Encrypt(to); err != nil {
		return nil, err
	}
	return packet, nil
}

func unwrapPacket(packet *cryptoops.DataPacket, with *rsa.PrivateKey) ([]byte, error) {
	if packet == nil {
		return nil, fmt.Errorf("%w: missing packet", cryptoops.ErrInvalidCiphertext)
	}
	if err := packet.Decrypt(with); err != nil {
		return nil, err
	}
	return packet.Payload, nil
}

// generatePEMPair creates a fresh RSA pair already serialized for storage.
func generatePEMPair() (pubPEM, privPEM []byte, err error) {
	pub, priv, err := cryptoops.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	pubPEM, err = cryptoops.PublicKeyToPEM(pub)
	if err != nil {
		return nil, nil, err
	}
	privPEM, err = cryptoops.PrivateKeyToPEM(priv)
	if err != nil {
		return nil, nil, err
	}
	return pubPEM, privPEM, nil
}
