package chatrelay

import (
	"testing"
	"time"

	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
)

func TestChatUUIDFromHandshakeID(t *testing.T) {
	uuid, ok := ChatUUIDFromHandshakeID("c_abc-123+0001")
	if !ok || uuid != "abc-123" {
		t.Fatalf("got %q, %v", uuid, ok)
	}
	if _, ok := ChatUUIDFromHandshakeID("c_abc-123"); ok {
		t.Fatal("id without a tag accepted")
	}
	if _, ok := ChatUUIDFromHandshakeID("x_abc+0001"); ok {
		t.Fatal("id without the key prefix accepted")
	}
}

func TestCreateHandshakeTagAllocation(t *testing.T) {
	conns := newConnMaker(t)
	m := NewHandshakeManager()
	sender := conns.conn()
	r1, r2 := conns.conn(), conns.conn()

	h1 := m.CreateHandshake("c_X", sender, r1)
	h2 := m.CreateHandshake("c_X", sender, r2)
	if h1.id != "c_X+0001" || h2.id != "c_X+0002" {
		t.Fatalf("ids = %q, %q", h1.id, h2.id)
	}

	// An in-flight transfer to the same receiver is reused, not duplicated.
	if h3 := m.CreateHandshake("c_X", sender, r1); h3 != h1 {
		t.Fatalf("duplicate handshake created: %q", h3.id)
	}
	if m.Count() != 2 {
		t.Fatalf("registry holds %d handshakes, want 2", m.Count())
	}
}

func TestCheckForUpdatesAnnouncesOnce(t *testing.T) {
	conns := newConnMaker(t)
	m := NewHandshakeManager()
	sender, receiver := conns.conn(), conns.conn()
	hs := m.CreateHandshake("c_X", sender, receiver)

	actions := m.CheckForUpdates()
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want INIT_SEND + INIT_RECV", len(actions))
	}
	if actions[0].To != sender || actions[0].Event.GetString("action") != chatverb.ActionInitSend {
		t.Fatalf("first action: to sender INIT_SEND, got %q", actions[0].Event.GetString("action"))
	}
	if actions[1].To != receiver || actions[1].Event.GetString("action") != chatverb.ActionInitRecv {
		t.Fatalf("second action: to receiver INIT_RECV, got %q", actions[1].Event.GetString("action"))
	}
	if actions[0].Event.GetString("handshake_id") != hs.id {
		t.Fatalf("announced wrong id %q", actions[0].Event.GetString("handshake_id"))
	}

	if again := m.CheckForUpdates(); len(again) != 0 {
		t.Fatalf("handshake announced twice: %d actions", len(again))
	}
}

func TestProcessAssertsDirection(t *testing.T) {
	conns := newConnMaker(t)
	m := NewHandshakeManager()
	sender, receiver, stranger := conns.conn(), conns.conn(), conns.conn()
	hs := m.CreateHandshake("c_X", sender, receiver)
	m.CheckForUpdates()

	finalSend := chatverb.New(chatverb.TagE2EHandshake).
		SetString("handshake_id", hs.id).
		SetString("action", chatverb.ActionFinalSend)

	if got := m.Process(stranger, finalSend); got != nil {
		t.Fatal("FINAL_SEND from a stranger relayed")
	}
	if got := m.Process(sender, finalSend); got != nil {
		t.Fatal("FINAL_SEND from the sender relayed")
	}

	relay := m.Process(receiver, finalSend)
	if len(relay) != 1 || relay[0].Kind != ActionSend || relay[0].To != sender {
		t.Fatalf("FINAL_SEND not relayed to sender: %+v", relay)
	}

	finalRecv := chatverb.New(chatverb.TagE2EHandshake).
		SetString("handshake_id", hs.id).
		SetString("action", chatverb.ActionFinalRecv)

	if got := m.Process(receiver, finalRecv); got != nil {
		t.Fatal("FINAL_RECV from the receiver relayed")
	}

	done := m.Process(sender, finalRecv)
	if len(done) != 2 {
		t.Fatalf("completion actions = %+v", done)
	}
	if done[0].Kind != ActionSend || done[0].To != receiver {
		t.Fatal("FINAL_RECV not relayed to receiver")
	}
	if done[1].Kind != ActionHandshakeComplete || done[1].HandshakeID != hs.id {
		t.Fatalf("handshake_complete missing: %+v", done[1])
	}
	if m.Count() != 0 {
		t.Fatal("completed handshake still registered")
	}

	// Re-delivery after completion is an unknown handshake: dropped.
	if got := m.Process(sender, finalRecv); got != nil {
		t.Fatal("event for completed handshake relayed")
	}
}

func TestIdleHandshakeEviction(t *testing.T) {
	conns := newConnMaker(t)
	m := NewHandshakeManager()

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m.CreateHandshake("c_X", conns.conn(), conns.conn())
	m.CheckForUpdates()

	now = now.Add(handshakeIdleTimeout / 2)
	m.CheckForUpdates()
	if m.Count() != 1 {
		t.Fatal("handshake evicted before the idle timeout")
	}

	now = now.Add(handshakeIdleTimeout)
	m.CheckForUpdates()
	if m.Count() != 0 {
		t.Fatal("idle handshake not evicted")
	}
}
