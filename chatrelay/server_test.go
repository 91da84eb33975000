package chatrelay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/require"

	"github.com/gosuda/chatrelay/chatrelay"
	"github.com/gosuda/chatrelay/chatrelay/core/cryptoops"
	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
	"github.com/gosuda/chatrelay/chatrelay/transport"
	"github.com/gosuda/chatrelay/sdk"
)

// The tests drive the relay and real SDK clients over net.Pipe, stepping the
// server loop explicitly so every exchange is deterministic: cause activity,
// step the server, pump the client.

type env struct {
	t   *testing.T
	ctx context.Context
	srv *chatrelay.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	srv, err := chatrelay.NewServer(t.TempDir())
	require.NoError(t, err)
	return &env{t: t, ctx: ctx, srv: srv}
}

// step runs one server loop iteration.
func (e *env) step() {
	e.t.Helper()
	if !e.srv.RunOnce(e.ctx) {
		e.t.Fatal("server loop timed out")
	}
}

type client struct {
	t       *testing.T
	ctx     context.Context
	tc      *transport.Client
	cl      *sdk.Client
	ks      *sdk.KeyStore
	pending []*chatverb.Event
}

func (e *env) connect() *client {
	e.t.Helper()
	fileKey, err := cryptoops.CreateKey([]byte("test-machine"))
	require.NoError(e.t, err)
	ks, err := sdk.OpenKeyStore(filepath.Join(e.t.TempDir(), "keys"), fileKey)
	require.NoError(e.t, err)
	return e.connectWithStore(ks)
}

// connectWithStore attaches a client reusing an existing key store, as a
// reconnecting user would.
func (e *env) connectWithStore(ks *sdk.KeyStore) *client {
	e.t.Helper()
	a, b := net.Pipe()
	e.srv.Transport().HandleConn(a)
	e.step() // consume the connect

	tc := transport.NewClient(b)
	e.t.Cleanup(func() { tc.Close() })
	return &client{t: e.t, ctx: e.ctx, tc: tc, cl: sdk.NewClient(tc, ks), ks: ks}
}

// pumpOne processes exactly the next server event through the SDK client,
// buffering the rest of the batch. One event per call keeps the interleaving
// with server steps deterministic.
func (c *client) pumpOne() {
	c.t.Helper()
	for len(c.pending) == 0 {
		if c.ctx.Err() != nil {
			c.t.Fatal("test timed out waiting for events")
		}
		c.pending, _ = c.tc.Pump(c.ctx)
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	c.cl.ProcessServerEvent(ev)
}

// recv pumps until the next UI-visible event arrives.
func (c *client) recv() *chatverb.Event {
	c.t.Helper()
	for {
		select {
		case ev := <-c.cl.Callbacks():
			return ev
		default:
			c.pumpOne()
		}
	}
}

func (c *client) recvTag(tag string) *chatverb.Event {
	c.t.Helper()
	ev := c.recv()
	if ev.Tag != tag {
		c.t.Fatalf("got %q, want %q", ev.Tag, tag)
	}
	return ev
}

func (c *client) signUp(e *env, username, password string) string {
	c.t.Helper()
	require.NoError(c.t, c.cl.AttemptSignUp(username, password))
	e.step()
	ev := c.recvTag(chatverb.TagSignUpResult)
	if !ev.GetBool("success") {
		c.t.Fatalf("signup for %q rejected", username)
	}
	return ev.GetString("uuid")
}

func TestSignUpThenLogin(t *testing.T) {
	e := newEnv(t)

	a := e.connect()
	uuidA := a.signUp(e, "alice", "pw1")
	if uuidA == "" {
		t.Fatal("signup returned no uuid")
	}

	// Fresh connection, different case, same password.
	b := e.connect()
	require.NoError(t, b.cl.AttemptLogin("ALICE", "pw1"))
	e.step()
	ev := b.recvTag(chatverb.TagLoginResult)
	if !ev.GetBool("success") || ev.GetString("uuid") != uuidA {
		t.Fatalf("login result = %v %q", ev.GetBool("success"), ev.GetString("uuid"))
	}

	// Wrong password fails.
	c := e.connect()
	require.NoError(t, c.cl.AttemptLogin("alice", "nope"))
	e.step()
	if c.recvTag(chatverb.TagLoginResult).GetBool("success") {
		t.Fatal("login with wrong password accepted")
	}
}

// runHandshake drives a pending key transfer between custodian and newcomer
// to completion.
func runHandshake(e *env, custodian, newcomer *client) {
	e.t.Helper()
	custodian.pumpOne() // INIT_SEND
	newcomer.pumpOne()  // INIT_RECV, replies FINAL_SEND
	e.step()            // relay FINAL_SEND
	custodian.pumpOne() // wrap pair, reply FINAL_RECV
	e.step()            // relay FINAL_RECV, record completion
	newcomer.pumpOne()  // install pair
}

func TestCreateChatKeyingAndHandshake(t *testing.T) {
	e := newEnv(t)

	alice := e.connect()
	uuidA := alice.signUp(e, "alice", "pw")
	bob := e.connect()
	uuidB := bob.signUp(e, "bob", "pw")

	require.NoError(t, alice.cl.RequestCreateChat("g", []string{uuidB}))
	e.step()

	// The creator gets the key instruction before the announcement, so the
	// pair exists by the time the key check runs.
	keysEv := alice.recvTag(chatverb.TagCreateNewKeys)
	keyID := keysEv.GetString("encryption_key_id")
	if !alice.ks.Has(keyID) {
		t.Fatal("creator did not generate the chat pair")
	}

	created := alice.recvTag(chatverb.TagNewChatCreated)
	chatUUID := created.GetEvent("chat_data").GetString("uuid")
	if chatrelay.KeyIDForChat(chatUUID) != keyID {
		t.Fatalf("key id %q does not match chat %q", keyID, chatUUID)
	}

	chat := e.srv.Chats().ChatByUUID(chatUUID)
	if chat == nil || !chat.HasE2E(uuidA) || chat.HasE2E(uuidB) {
		t.Fatalf("initial custodians wrong: %+v", chat)
	}

	// Bob sees the new chat, notices the missing key, and asks for a
	// transfer; the relay pairs him with Alice.
	bob.recvTag(chatverb.TagNewChatCreated)
	e.step() // REQUEST_MISSING_KEYS -> handshake created and announced
	runHandshake(e, alice, bob)

	if !bob.ks.Has(keyID) {
		t.Fatal("newcomer did not receive the chat pair")
	}
	if !chat.HasE2E(uuidA) || !chat.HasE2E(uuidB) {
		t.Fatalf("participants_e2e after handshake: %v", chat.ParticipantsE2E)
	}
	if e.srv.Handshakes().Count() != 0 {
		t.Fatal("handshake still registered after completion")
	}

	// Both sides decrypt the same pair: message flow works end to end.
	require.NoError(t, alice.cl.RequestSendMessage(chatUUID, "hello bob"))
	e.step()

	own := alice.recvTag(chatverb.TagRequestSendMessageFilled)
	msg := own.GetEvent("message")
	if !msg.GetBool("is_own") || msg.GetString("content") != "hello bob" {
		t.Fatalf("sender copy = own:%v content:%q", msg.GetBool("is_own"), msg.GetString("content"))
	}

	theirs := bob.recvTag(chatverb.TagRequestSendMessageFilled)
	msg = theirs.GetEvent("message")
	if msg.GetBool("is_own") || msg.GetString("content") != "hello bob" {
		t.Fatalf("recipient copy = own:%v content:%q", msg.GetBool("is_own"), msg.GetString("content"))
	}
	if msg.GetString("sender_name") != "alice" {
		t.Fatalf("sender_name = %q", msg.GetString("sender_name"))
	}

	// The server stored ciphertext, not the text.
	msgs, err := e.srv.Chats().Messages(chatUUID)
	require.NoError(t, err)
	stored := msgs[len(msgs)-1]
	if stored.Packet == nil || bytes.Contains(stored.Packet, []byte("hello bob")) {
		t.Fatal("server stored plaintext")
	}
}

func TestOfflineCustodianDeferral(t *testing.T) {
	e := newEnv(t)

	bob := e.connect()
	uuidB := bob.signUp(e, "bob", "pw")
	bobStore := bob.ks
	bob.tc.Close()
	e.step() // consume the disconnect

	alice := e.connect()
	uuidA := alice.signUp(e, "alice", "pw")
	aliceStore := alice.ks

	require.NoError(t, alice.cl.RequestCreateChat("g", []string{uuidB}))
	e.step()
	alice.recvTag(chatverb.TagCreateNewKeys)
	created := alice.recvTag(chatverb.TagNewChatCreated)
	chatUUID := created.GetEvent("chat_data").GetString("uuid")

	alice.tc.Close()
	e.step()

	// Bob comes back with no custodian online: the chat parks as pending.
	bob = e.connectWithStore(bobStore)
	require.NoError(t, bob.cl.AttemptLogin("bob", "pw"))
	e.step()
	bob.recvTag(chatverb.TagLoginResult)

	require.NoError(t, bob.cl.RequestChatsList())
	e.step()
	bob.recvTag(chatverb.TagRequestChatsListFilled) // fires REQUEST_MISSING_KEYS
	e.step()

	if e.srv.PendingChatCount() != 1 {
		t.Fatalf("pending chats = %d, want 1", e.srv.PendingChatCount())
	}
	if e.srv.Handshakes().Count() != 0 {
		t.Fatal("handshake started without an online custodian")
	}

	// Alice's login re-checks her pending chats and starts the transfer.
	alice = e.connectWithStore(aliceStore)
	require.NoError(t, alice.cl.AttemptLogin("alice", "pw"))
	e.step()
	alice.recvTag(chatverb.TagLoginResult)
	runHandshake(e, alice, bob)

	if !bob.ks.Has(chatrelay.KeyIDForChat(chatUUID)) {
		t.Fatal("newcomer did not receive the pair after deferral")
	}
	chat := e.srv.Chats().ChatByUUID(chatUUID)
	if !chat.HasE2E(uuidA) || !chat.HasE2E(uuidB) {
		t.Fatalf("participants_e2e = %v", chat.ParticipantsE2E)
	}
	if e.srv.PendingChatCount() != 0 {
		t.Fatal("chat still pending after completed transfer")
	}
}

func TestNonMemberEventsDropped(t *testing.T) {
	e := newEnv(t)

	alice := e.connect()
	alice.signUp(e, "alice", "pw")
	require.NoError(t, alice.cl.RequestCreateChat("private", nil))
	e.step()
	alice.recvTag(chatverb.TagCreateNewKeys)
	created := alice.recvTag(chatverb.TagNewChatCreated)
	chatUUID := created.GetEvent("chat_data").GetString("uuid")

	charlie := e.connect()
	charlie.signUp(e, "charlie", "pw")

	// Charlie is not in the chat: the request is dropped with no reply. The
	// next reply he gets is for the follow-up request.
	require.NoError(t, charlie.cl.RequestGetMessages(chatUUID, 0))
	e.step()
	require.NoError(t, charlie.cl.RequestChatsList())
	e.step()
	charlie.recvTag(chatverb.TagRequestChatsListFilled)
}

func TestUnauthenticatedEventsDropped(t *testing.T) {
	e := newEnv(t)

	alice := e.connect()
	alice.signUp(e, "alice", "pw")

	ghost := e.connect()
	require.NoError(t, ghost.cl.RequestChatsList())
	e.step()
	require.NoError(t, ghost.cl.AttemptLogin("alice", "pw"))
	e.step()

	// The chats-list request was dropped; the login reply comes first.
	ghost.recvTag(chatverb.TagLoginResult)
}

// A member sending an absurd page index must get an empty page back, not
// bring the loop down with an overflowed slice bound.
func TestGetMessagesHostilePageIndex(t *testing.T) {
	e := newEnv(t)

	alice := e.connect()
	alice.signUp(e, "alice", "pw")
	require.NoError(t, alice.cl.RequestCreateChat("g", nil))
	e.step()
	alice.recvTag(chatverb.TagCreateNewKeys)
	created := alice.recvTag(chatverb.TagNewChatCreated)
	chatUUID := created.GetEvent("chat_data").GetString("uuid")

	require.NoError(t, alice.cl.RequestGetMessages(chatUUID, 1<<60))
	e.step()
	ev := alice.recvTag(chatverb.TagRequestGetMessagesFilled)
	if got := len(ev.GetList("messages")); got != 0 {
		t.Fatalf("hostile page returned %d messages", got)
	}

	// The loop is still alive and serving.
	require.NoError(t, alice.cl.RequestGetMessages(chatUUID, 0))
	e.step()
	page := alice.recvTag(chatverb.TagRequestGetMessagesFilled)
	if len(page.GetList("messages")) != 1 {
		t.Fatalf("page 0 after hostile request = %d messages", len(page.GetList("messages")))
	}
}

// The status endpoint serves a snapshot published by the loop, so it is safe
// to hit from HTTP goroutines while the loop runs and reflects state as of
// the last iteration.
func TestStatusServesLoopSnapshot(t *testing.T) {
	e := newEnv(t)
	handler := e.srv.Handler()

	status := func() (got struct {
		Users       int `json:"users"`
		Chats       int `json:"chats"`
		Connections int `json:"connections"`
	}) {
		t.Helper()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		return got
	}

	if got := status(); got.Users != 0 || got.Chats != 0 || got.Connections != 0 {
		t.Fatalf("fresh server status = %+v", got)
	}

	// Hammer the endpoint while the loop mutates registries; the race
	// detector flags any read of loop state off the loop goroutine.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
			}
		}
	}()

	alice := e.connect()
	alice.signUp(e, "alice", "pw")
	require.NoError(t, alice.cl.RequestCreateChat("g", nil))
	e.step()
	alice.recvTag(chatverb.TagCreateNewKeys)
	alice.recvTag(chatverb.TagNewChatCreated)

	close(stop)
	wg.Wait()

	if got := status(); got.Users != 1 || got.Chats != 1 || got.Connections != 1 {
		t.Fatalf("status after signup and chat creation = %+v", got)
	}
}

func TestInitialMessagesReturnLastPages(t *testing.T) {
	e := newEnv(t)

	alice := e.connect()
	alice.signUp(e, "alice", "pw")
	require.NoError(t, alice.cl.RequestCreateChat("g", nil))
	e.step()
	alice.recvTag(chatverb.TagCreateNewKeys)
	created := alice.recvTag(chatverb.TagNewChatCreated)
	chatUUID := created.GetEvent("chat_data").GetString("uuid")

	// 1 system message exists; send enough to span five pages.
	const total = 5 * chatrelay.ChatPageSize
	for i := 1; i < total; i++ {
		require.NoError(t, alice.cl.RequestSendMessage(chatUUID, "m"))
		e.step()
		alice.recvTag(chatverb.TagRequestSendMessageFilled)
	}

	require.NoError(t, alice.cl.RequestInitialMessages(chatUUID))
	e.step()
	ev := alice.recvTag(chatverb.TagRequestInitialMessagesFilled)

	lastPage := (total - 1) / chatrelay.ChatPageSize
	if got := ev.GetInt("loaded_to_page"); got != int64(lastPage-2) {
		t.Fatalf("loaded_to_page = %d, want %d", got, lastPage-2)
	}
	if got := len(ev.GetList("messages")); got != 3*chatrelay.ChatPageSize {
		t.Fatalf("initial batch = %d messages, want %d", got, 3*chatrelay.ChatPageSize)
	}

	// Older history pages back explicitly.
	require.NoError(t, alice.cl.RequestGetMessages(chatUUID, 0))
	e.step()
	page := alice.recvTag(chatverb.TagRequestGetMessagesFilled)
	if got := len(page.GetList("messages")); got != chatrelay.ChatPageSize {
		t.Fatalf("page 0 = %d messages", got)
	}
	first := page.GetList("messages")[0].Event
	if !first.GetBool("from_server") || first.GetString("content") != "alice started a new chat" {
		t.Fatalf("system message = %q", first.GetString("content"))
	}
}
