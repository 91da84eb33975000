package chatrelay

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/chatrelay/core/cryptoops"
	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
	"github.com/gosuda/chatrelay/chatrelay/transport"
)

// initialMessagePages is how many trailing pages a client gets on opening a
// chat.
const initialMessagePages = 3

// Server is the relay: one value owning every mutable registry, driven by a
// single pump-and-dispatch loop. Handlers enqueue deferred actions instead
// of calling each other; the queue drains FIFO to fixed point after each
// pump.
type Server struct {
	transport  *transport.Server
	users      *UserManager
	chats      *ChatManager
	handshakes *HandshakeManager

	pendingChats map[string]struct{}
	queue        []Action

	// status is the snapshot the HTTP handler serves. The loop rewrites it
	// each iteration; nothing outside the loop touches the registries.
	statusMu sync.Mutex
	status   statusResponse
}

// NewServer opens the databases under dataDir and assembles the relay.
func NewServer(dataDir string) (*Server, error) {
	udb, err := OpenUserDatabase(filepath.Join(dataDir, "users.json"))
	if err != nil {
		return nil, err
	}
	cdb, err := OpenChatDatabase(dataDir)
	if err != nil {
		return nil, err
	}
	s := &Server{
		transport:    transport.NewServer(),
		users:        NewUserManager(udb),
		chats:        NewChatManager(cdb),
		handshakes:   NewHandshakeManager(),
		pendingChats: make(map[string]struct{}),
	}
	s.publishStatus()
	return s, nil
}

// Transport exposes the event transport for HTTP wiring and tests.
func (s *Server) Transport() *transport.Server {
	return s.transport
}

// Run drives the loop until ctx is done.
func (s *Server) Run(ctx context.Context) {
	log.Info().Msg("[Server] loop running")
	for s.RunOnce(ctx) {
	}
	s.transport.Close()
	log.Info().Msg("[Server] loop stopped")
}

// RunOnce performs one cooperative iteration: pump, register connects,
// dispatch events, drop disconnects, drain the deferred-action queue, then
// announce the handshakes this iteration created. Announcing after the drain
// lets several check triggers within one pump coalesce, and nothing pending
// is left behind when the loop blocks again. It reports whether the loop
// should continue.
func (s *Server) RunOnce(ctx context.Context) bool {
	connected, events, disconnected := s.transport.Pump(ctx)

	for _, conn := range connected {
		s.users.Register(conn)
	}
	for _, in := range events {
		s.dispatch(in.From, in.Event)
	}
	for _, conn := range disconnected {
		s.users.Drop(conn)
	}

	s.drainQueue()
	for {
		actions := s.handshakes.CheckForUpdates()
		if len(actions) == 0 {
			break
		}
		s.enqueue(actions...)
		s.drainQueue()
	}

	s.publishStatus()
	return ctx.Err() == nil
}

// publishStatus refreshes the snapshot served by the status endpoint.
func (s *Server) publishStatus() {
	snap := statusResponse{
		Users:             s.users.AccountCount(),
		Chats:             s.chats.Count(),
		Connections:       s.users.ConnectedCount(),
		PendingHandshakes: s.handshakes.Count(),
		PendingChats:      len(s.pendingChats),
	}
	s.statusMu.Lock()
	s.status = snap
	s.statusMu.Unlock()
}

func (s *Server) enqueue(actions ...Action) {
	s.queue = append(s.queue, actions...)
}

func (s *Server) drainQueue() {
	for len(s.queue) > 0 {
		a := s.queue[0]
		s.queue = s.queue[1:]
		switch a.Kind {
		case ActionSend:
			s.transport.Send(a.To, a.Event)
		case ActionCheckE2E:
			s.checkChatE2E(a.ChatUUID)
		case ActionCheckE2EOnLogin:
			s.checkE2EOnLogin(a.UserUUID)
		case ActionHandshakeComplete:
			s.completeHandshake(a)
		}
	}
}

// dispatch routes one inbound event. Only login, signup, and handshake
// events are accepted from connections that have not logged in; everything
// else from them is silently dropped, as are chat events from non-members.
func (s *Server) dispatch(from *transport.Conn, ev *chatverb.Event) {
	cu := s.users.ByConn(from)
	if cu == nil {
		return
	}

	switch ev.Tag {
	case chatverb.TagAttemptLogin:
		s.handleLogin(cu, ev)
		return
	case chatverb.TagAttemptSignUp:
		s.handleSignUp(cu, ev)
		return
	case chatverb.TagE2EHandshake:
		s.enqueue(s.handshakes.Process(from, ev)...)
		return
	}

	if !cu.LoggedIn {
		log.Debug().Str("tag", ev.Tag).Int64("conn_id", from.ID()).Msg("[Server] event from unauthenticated connection dropped")
		return
	}

	switch ev.Tag {
	case chatverb.TagRequestChatsList:
		s.handleChatsList(cu)
	case chatverb.TagRequestInitialMessages:
		s.withMemberChat(cu, ev, s.handleInitialMessages)
	case chatverb.TagRequestGetMessages:
		s.withMemberChat(cu, ev, s.handleGetMessages)
	case chatverb.TagRequestSendMessage:
		s.withMemberChat(cu, ev, s.handleSendMessage)
	case chatverb.TagRequestMissingKeys:
		s.withMemberChat(cu, ev, s.handleMissingKeys)
	case chatverb.TagRequestSearchForUsers:
		s.handleSearchForUsers(cu, ev)
	case chatverb.TagRequestCreateChat:
		s.handleCreateChat(cu, ev)
	default:
		log.Debug().Str("tag", ev.Tag).Msg("[Server] unknown event tag dropped")
	}
}

// withMemberChat enforces the membership rule shared by the chat-scoped
// handlers. Unknown chats and non-membership are indistinguishable: both
// drop silently.
func (s *Server) withMemberChat(cu *ConnectedUser, ev *chatverb.Event, h func(*ConnectedUser, *ChatRecord, *chatverb.Event)) {
	chatUUID := ev.GetString("chat_uuid")
	chat := s.chats.ChatByUUID(chatUUID)
	if chat == nil || !chat.HasParticipant(cu.UUID) {
		log.Debug().Str("tag", ev.Tag).Str("chat_uuid", chatUUID).Str("user_uuid", cu.UUID).Msg("[Server] non-member chat event dropped")
		return
	}
	h(cu, chat, ev)
}

func (s *Server) handleLogin(cu *ConnectedUser, ev *chatverb.Event) {
	ok, userUUID := s.users.AttemptLogin(cu.Conn, ev.GetString("username"), ev.GetString("password_hash"))
	reply := chatverb.New(chatverb.TagLoginResult).SetBool("success", ok)
	if ok {
		reply.SetString("uuid", userUUID)
	}
	s.enqueue(SendAction(cu.Conn, reply))
	if ok {
		s.enqueue(Action{Kind: ActionCheckE2EOnLogin, UserUUID: userUUID})
	}
}

func (s *Server) handleSignUp(cu *ConnectedUser, ev *chatverb.Event) {
	ok, userUUID := s.users.AttemptSignUp(cu.Conn, ev.GetString("username"), ev.GetString("password_hash"))
	reply := chatverb.New(chatverb.TagSignUpResult).SetBool("success", ok)
	if ok {
		reply.SetString("uuid", userUUID)
	}
	s.enqueue(SendAction(cu.Conn, reply))
	if ok {
		s.enqueue(Action{Kind: ActionCheckE2EOnLogin, UserUUID: userUUID})
	}
}

func (s *Server) handleChatsList(cu *ConnectedUser) {
	chats := s.chats.ChatsByLastMessage(cu.UUID)
	list := make([]chatverb.Value, 0, len(chats))
	for _, chat := range chats {
		list = append(list, chatverb.EventValue(chatverb.New("chat").
			SetString("uuid", chat.UUID).
			SetString("name", chat.Name)))
	}
	s.enqueue(SendAction(cu.Conn, chatverb.New(chatverb.TagRequestChatsListFilled).
		SetList("chats", list)))
}

func (s *Server) handleInitialMessages(cu *ConnectedUser, chat *ChatRecord, _ *chatverb.Event) {
	last, err := s.chats.LastPageIndex(chat.UUID)
	if err != nil {
		log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] loading message log failed")
		return
	}
	from := last - (initialMessagePages - 1)
	if from < 0 {
		from = 0
	}

	var list []chatverb.Value
	for page := from; page <= last; page++ {
		msgs, err := s.chats.MessagesPage(chat.UUID, page)
		if err != nil {
			log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] loading message page failed")
			return
		}
		for _, msg := range msgs {
			list = append(list, chatverb.EventValue(s.messageEvent(chat, msg, cu.UUID)))
		}
	}

	s.enqueue(SendAction(cu.Conn, chatverb.New(chatverb.TagRequestInitialMessagesFilled).
		SetString("chat_uuid", chat.UUID).
		SetInt("loaded_to_page", int64(from)).
		SetList("messages", list)))
}

func (s *Server) handleGetMessages(cu *ConnectedUser, chat *ChatRecord, ev *chatverb.Event) {
	page := int(ev.GetInt("messages_page"))
	msgs, err := s.chats.MessagesPage(chat.UUID, page)
	if err != nil {
		log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] loading message page failed")
		return
	}
	list := make([]chatverb.Value, 0, len(msgs))
	for _, msg := range msgs {
		list = append(list, chatverb.EventValue(s.messageEvent(chat, msg, cu.UUID)))
	}
	s.enqueue(SendAction(cu.Conn, chatverb.New(chatverb.TagRequestGetMessagesFilled).
		SetString("chat_uuid", chat.UUID).
		SetInt("loaded_to_page", int64(page)).
		SetList("messages", list)))
}

func (s *Server) handleSendMessage(cu *ConnectedUser, chat *ChatRecord, ev *chatverb.Event) {
	packet := ev.GetPacket("message_content")
	if packet == nil {
		log.Debug().Str("chat_uuid", chat.UUID).Msg("[Server] send without packet dropped")
		return
	}

	msg := &ChatMessage{Packet: packet.Marshal(), SenderUUID: cu.UUID}
	if err := s.chats.AddChatMessage(chat, msg); err != nil {
		log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] appending message failed")
		return
	}
	if err := s.chats.SaveChatMessages(chat.UUID); err != nil {
		log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] persisting message log failed")
	}
	if err := s.chats.SaveIfModified(); err != nil {
		log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] persisting chat database failed")
	}

	last, err := s.chats.LastPageIndex(chat.UUID)
	if err != nil {
		log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] loading message log failed")
		return
	}

	for _, participant := range chat.Participants {
		for _, conn := range s.users.ConnsByUUID(participant) {
			s.enqueue(SendAction(conn, chatverb.New(chatverb.TagRequestSendMessageFilled).
				SetString("chat_uuid", chat.UUID).
				SetInt("loaded_to_page", int64(last)).
				SetEvent("message", s.messageEvent(chat, msg, participant))))
		}
	}
}

func (s *Server) handleMissingKeys(cu *ConnectedUser, chat *ChatRecord, _ *chatverb.Event) {
	if chat.RemoveE2E(cu.UUID) {
		s.chats.db.MarkModified()
		if err := s.chats.SaveIfModified(); err != nil {
			log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] persisting chat database failed")
		}
	}
	s.enqueue(Action{Kind: ActionCheckE2E, ChatUUID: chat.UUID})
}

func (s *Server) handleSearchForUsers(cu *ConnectedUser, ev *chatverb.Event) {
	results := s.users.SearchUsersByUsername(ev.GetString("query"), int(ev.GetInt("get_max")))
	list := make([]chatverb.Value, 0, len(results))
	for _, username := range results {
		list = append(list, chatverb.StringValue(username))
	}
	s.enqueue(SendAction(cu.Conn, chatverb.New(chatverb.TagRequestSearchForUsersFilled).
		SetList("results", list).
		SetString("result_action", ev.GetString("result_action"))))
}

func (s *Server) handleCreateChat(cu *ConnectedUser, ev *chatverb.Event) {
	var participants []string
	for _, v := range ev.GetList("participants") {
		if v.Kind == chatverb.KindString {
			participants = append(participants, v.Str)
		}
	}

	chat, err := s.chats.CreateChat(ev.GetString("chat_name"), cu.UUID, participants)
	if err != nil {
		log.Error().Err(err).Msg("[Server] creating chat failed")
		return
	}

	// The key instruction goes out before the chat announcement: per-conn
	// ordering then guarantees the creator holds the pair by the time its
	// key check runs, so it never demotes itself from custodian.
	s.enqueue(SendAction(cu.Conn, chatverb.New(chatverb.TagCreateNewKeys).
		SetString("encryption_key_id", KeyIDForChat(chat.UUID))))

	chatData := chatverb.New("chat").
		SetString("uuid", chat.UUID).
		SetString("name", chat.Name)
	for _, participant := range chat.Participants {
		for _, conn := range s.users.ConnsByUUID(participant) {
			s.enqueue(SendAction(conn, chatverb.New(chatverb.TagNewChatCreated).
				SetEvent("chat_data", chatData)))
		}
	}
}

// messageEvent renders one log entry for a given viewer. System messages go
// out as text with creator substitution; user messages carry the stored
// ciphertext envelope untouched.
func (s *Server) messageEvent(chat *ChatRecord, msg *ChatMessage, viewerUUID string) *chatverb.Event {
	ev := chatverb.New("message").
		SetString("sender_uuid", msg.SenderUUID).
		SetInt("timestamp", msg.Timestamp).
		SetBool("is_own", msg.SenderUUID == viewerUUID)

	if msg.SenderUUID == ServerSenderUUID {
		text := msg.Text
		if strings.Contains(text, "%[creator]%") {
			creator := "Deleted User"
			if rec := s.users.UserByUUID(chat.CreatorUUID); rec != nil {
				creator = rec.Username
			}
			text = strings.ReplaceAll(text, "%[creator]%", creator)
		}
		return ev.
			SetString("content", text).
			SetString("sender_name", ServerSenderUUID).
			SetBool("from_server", true)
	}

	senderName := "UNKNOWN"
	if rec := s.users.UserByUUID(msg.SenderUUID); rec != nil {
		senderName = rec.Username
	}
	ev.SetString("sender_name", senderName)

	packet, err := cryptoops.UnmarshalDataPacket(msg.Packet)
	if err != nil {
		log.Error().Err(err).Str("chat_uuid", chat.UUID).Msg("[Server] stored packet is malformed")
		return ev.SetString("content", "???")
	}
	return ev.SetPacket("content", packet)
}

// PendingChatCount reports how many chats await an online custodian.
func (s *Server) PendingChatCount() int {
	return len(s.pendingChats)
}

// Users exposes the user manager for status reporting and tests.
func (s *Server) Users() *UserManager {
	return s.users
}

// Chats exposes the chat manager for status reporting and tests.
func (s *Server) Chats() *ChatManager {
	return s.chats
}

// Handshakes exposes the handshake registry for status reporting and tests.
func (s *Server) Handshakes() *HandshakeManager {
	return s.handshakes
}
