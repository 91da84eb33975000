package chatrelay

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChatManager is the in-memory registry of chats over the persisted chat
// database. Message logs are loaded lazily per chat and kept cached; the
// blob file is rewritten on every append.
type ChatManager struct {
	db       *ChatDatabase
	messages map[string][]*ChatMessage
	now      func() time.Time
}

func NewChatManager(db *ChatDatabase) *ChatManager {
	return &ChatManager{
		db:       db,
		messages: make(map[string][]*ChatMessage),
		now:      time.Now,
	}
}

// ChatByUUID returns the chat with the given uuid, or nil.
func (m *ChatManager) ChatByUUID(id string) *ChatRecord {
	for _, chat := range m.db.All() {
		if chat.UUID == id {
			return chat
		}
	}
	return nil
}

// ChatsByParticipant returns every chat the user belongs to, in database
// order. Callers sort by last_message_ts before emitting to clients.
func (m *ChatManager) ChatsByParticipant(userUUID string) []*ChatRecord {
	var chats []*ChatRecord
	for _, chat := range m.db.All() {
		if chat.HasParticipant(userUUID) {
			chats = append(chats, chat)
		}
	}
	return chats
}

// ChatsByLastMessage returns the user's chats sorted newest-first.
func (m *ChatManager) ChatsByLastMessage(userUUID string) []*ChatRecord {
	chats := m.ChatsByParticipant(userUUID)
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastMessageTS > chats[j].LastMessageTS
	})
	return chats
}

// CreateChat creates and persists a new chat. The creator is the first
// participant and the initial key custodian. A system message announcing
// the chat is appended to the new log.
func (m *ChatManager) CreateChat(name, creatorUUID string, participants []string) (*ChatRecord, error) {
	all := []string{creatorUUID}
	for _, p := range participants {
		if p == creatorUUID {
			continue
		}
		dup := false
		for _, seen := range all {
			if seen == p {
				dup = true
				break
			}
		}
		if !dup {
			all = append(all, p)
		}
	}

	chat := &ChatRecord{
		UUID:            uuid.NewString(),
		CreatorUUID:     creatorUUID,
		Name:            name,
		Participants:    all,
		ParticipantsE2E: []string{creatorUUID},
		LastMessageTS:   m.now().UTC().Unix(),
	}
	m.db.Add(chat)

	if err := m.AddChatMessage(chat, &ChatMessage{
		Text:       "%[creator]% started a new chat",
		SenderUUID: ServerSenderUUID,
	}); err != nil {
		return nil, err
	}
	if err := m.SaveChatMessages(chat.UUID); err != nil {
		return nil, err
	}
	if err := m.db.SaveIfModified(); err != nil {
		return nil, err
	}

	log.Info().Str("chat_uuid", chat.UUID).Str("name", name).Int("participants", len(all)).Msg("[ChatManager] chat created")
	return chat, nil
}

// IsUserInChat reports whether the user belongs to the chat. An unknown chat
// uuid counts as non-membership.
func (m *ChatManager) IsUserInChat(chatUUID, userUUID string) bool {
	chat := m.ChatByUUID(chatUUID)
	return chat != nil && chat.HasParticipant(userUUID)
}

// Messages returns the chat's full log, loading it from disk on first
// access.
func (m *ChatManager) Messages(chatUUID string) ([]*ChatMessage, error) {
	if msgs, ok := m.messages[chatUUID]; ok {
		return msgs, nil
	}
	msgs, err := m.db.LoadMessages(chatUUID)
	if err != nil {
		return nil, err
	}
	m.messages[chatUUID] = msgs
	return msgs, nil
}

// AddChatMessage appends to the chat's in-memory log, stamps the message,
// and bumps last_message_ts (monotonically non-decreasing). The caller
// persists via SaveChatMessages and the database's SaveIfModified.
func (m *ChatManager) AddChatMessage(chat *ChatRecord, msg *ChatMessage) error {
	msgs, err := m.Messages(chat.UUID)
	if err != nil {
		return err
	}

	now := m.now().UTC().Unix()
	if now < chat.LastMessageTS {
		now = chat.LastMessageTS
	}
	msg.Timestamp = now
	chat.LastMessageTS = now

	m.messages[chat.UUID] = append(msgs, msg)
	m.db.MarkModified()
	return nil
}

// SaveChatMessages flushes the chat's message log blob.
func (m *ChatManager) SaveChatMessages(chatUUID string) error {
	msgs, err := m.Messages(chatUUID)
	if err != nil {
		return err
	}
	return m.db.SaveMessages(chatUUID, msgs)
}

// LastPageIndex returns the index of the final message page,
// floor(max(n-1, 0) / pageSize). An empty log still has page 0.
func (m *ChatManager) LastPageIndex(chatUUID string) (int, error) {
	msgs, err := m.Messages(chatUUID)
	if err != nil {
		return 0, err
	}
	n := len(msgs)
	if n == 0 {
		return 0, nil
	}
	return (n - 1) / ChatPageSize, nil
}

// MessagesPage returns one fixed-size page of the chat's log. Out-of-range
// pages, including hostile ones that would overflow the start offset, are
// empty, not errors.
func (m *ChatManager) MessagesPage(chatUUID string, page int) ([]*ChatMessage, error) {
	msgs, err := m.Messages(chatUUID)
	if err != nil {
		return nil, err
	}
	if page < 0 || page > len(msgs)/ChatPageSize {
		return nil, nil
	}
	start := page * ChatPageSize
	if start >= len(msgs) {
		return nil, nil
	}
	end := start + ChatPageSize
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[start:end], nil
}

// SaveIfModified flushes pending chat metadata changes.
func (m *ChatManager) SaveIfModified() error {
	return m.db.SaveIfModified()
}

// Count reports how many chats exist.
func (m *ChatManager) Count() int {
	return len(m.db.All())
}
