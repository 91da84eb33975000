package chatrelay

import (
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/chatrelay/transport"
)

// The orchestrator decides when a chat needs a key transfer and between
// whom. Beyond the registries it owns pendingChats: chats whose transfer is
// blocked because no custodian is online.

// checkChatE2E runs the key-distribution check for one chat. Participants
// lacking the key get a handshake from the first online custodian; if no
// custodian is online the chat parks in pendingChats until one logs in.
func (s *Server) checkChatE2E(chatUUID string) {
	chat := s.chats.ChatByUUID(chatUUID)
	if chat == nil {
		log.Warn().Str("chat_uuid", chatUUID).Msg("[E2E] check for unknown chat dropped")
		return
	}

	var need []string
	for _, p := range chat.Participants {
		if !chat.HasE2E(p) {
			need = append(need, p)
		}
	}
	if len(need) == 0 {
		delete(s.pendingChats, chat.UUID)
		return
	}

	custodian := s.onlineCustodian(chat)
	if custodian == nil {
		log.Debug().Str("chat_uuid", chat.UUID).Msg("[E2E] no custodian online, chat pending")
		s.pendingChats[chat.UUID] = struct{}{}
		return
	}

	keyID := KeyIDForChat(chat.UUID)
	for _, uuid := range need {
		conns := s.users.ConnsByUUID(uuid)
		if len(conns) == 0 {
			continue
		}
		s.handshakes.CreateHandshake(keyID, custodian, conns[0])
	}
}

// onlineCustodian returns a live connection of some key-holding participant,
// or nil.
func (s *Server) onlineCustodian(chat *ChatRecord) *transport.Conn {
	for _, uuid := range chat.ParticipantsE2E {
		if conns := s.users.ConnsByUUID(uuid); len(conns) > 0 {
			return conns[0]
		}
	}
	return nil
}

// checkE2EOnLogin re-runs the check for every pending chat the user belongs
// to. It fires after each successful login or signup.
func (s *Server) checkE2EOnLogin(userUUID string) {
	for _, chat := range s.chats.ChatsByParticipant(userUUID) {
		if _, pending := s.pendingChats[chat.UUID]; pending {
			s.checkChatE2E(chat.UUID)
		}
	}
}

// completeHandshake records a finished transfer: both endpoint users are now
// custodians. Re-application is harmless.
func (s *Server) completeHandshake(a Action) {
	chatUUID, ok := ChatUUIDFromHandshakeID(a.HandshakeID)
	if !ok {
		log.Warn().Str("handshake_id", a.HandshakeID).Msg("[E2E] malformed handshake id on completion")
		return
	}
	chat := s.chats.ChatByUUID(chatUUID)
	if chat == nil {
		log.Warn().Str("chat_uuid", chatUUID).Msg("[E2E] completion for unknown chat dropped")
		return
	}

	changed := false
	for _, conn := range []*transport.Conn{a.ConnSender, a.ConnReceiver} {
		cu := s.users.ByConn(conn)
		if cu == nil || !cu.LoggedIn {
			continue
		}
		if chat.AddE2E(cu.UUID) {
			changed = true
		}
	}
	if changed {
		s.chats.db.MarkModified()
		if err := s.chats.SaveIfModified(); err != nil {
			log.Error().Err(err).Str("chat_uuid", chatUUID).Msg("[E2E] persisting chat after completion failed")
		}
	}

	if _, pending := s.pendingChats[chat.UUID]; pending && len(chat.ParticipantsE2E) == len(chat.Participants) {
		delete(s.pendingChats, chat.UUID)
	}
	log.Debug().Str("chat_uuid", chatUUID).Str("handshake_id", a.HandshakeID).Msg("[E2E] handshake recorded")
}
