// Package chatrelay implements the relay server of an end-to-end encrypted
// group chat. The server owns user accounts, chat membership, and ciphertext
// message logs, and mediates the key-transfer handshakes that give every
// chat participant the chat's RSA key pair. It never holds plaintext of a
// user message or an unwrapped chat key.
package chatrelay

import "strings"

const (
	// NotRegistered is the uuid of a connection that has not logged in yet.
	NotRegistered = "NOT_REGISTERED"

	// ServerSenderUUID marks system messages in a chat log.
	ServerSenderUUID = "server"

	// ChatPageSize is the fixed message pagination unit.
	ChatPageSize = 8

	keyIDPrefix = "c_"
)

// UserRecord is one persisted user account.
type UserRecord struct {
	UUID         string `json:"uuid"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// ChatRecord is one persisted chat. ParticipantsE2E is the subset of
// Participants believed to currently hold the chat's key pair.
type ChatRecord struct {
	UUID            string   `json:"uuid"`
	CreatorUUID     string   `json:"creator_uuid"`
	Name            string   `json:"name"`
	Participants    []string `json:"participants"`
	ParticipantsE2E []string `json:"participants_e2e"`
	LastMessageTS   int64    `json:"last_message_ts"`
}

// HasParticipant reports membership in the chat.
func (c *ChatRecord) HasParticipant(uuid string) bool {
	for _, p := range c.Participants {
		if p == uuid {
			return true
		}
	}
	return false
}

// HasE2E reports whether the user is believed to hold the chat's key pair.
func (c *ChatRecord) HasE2E(uuid string) bool {
	for _, p := range c.ParticipantsE2E {
		if p == uuid {
			return true
		}
	}
	return false
}

// AddE2E appends a uuid to ParticipantsE2E. It is a no-op for uuids already
// present or not in Participants, and reports whether anything changed.
func (c *ChatRecord) AddE2E(uuid string) bool {
	if !c.HasParticipant(uuid) || c.HasE2E(uuid) {
		return false
	}
	c.ParticipantsE2E = append(c.ParticipantsE2E, uuid)
	return true
}

// RemoveE2E removes a uuid from ParticipantsE2E and reports whether it was
// present.
func (c *ChatRecord) RemoveE2E(uuid string) bool {
	for i, p := range c.ParticipantsE2E {
		if p == uuid {
			c.ParticipantsE2E = append(c.ParticipantsE2E[:i], c.ParticipantsE2E[i+1:]...)
			return true
		}
	}
	return false
}

// ChatMessage is one entry of a chat's message log. Exactly one of Text and
// Packet is set: Text for server-originated system messages, Packet for the
// wire form of a user's hybrid-encrypted envelope (stored as received, never
// decrypted).
type ChatMessage struct {
	Text       string `json:"text,omitempty"`
	Packet     []byte `json:"packet,omitempty"`
	SenderUUID string `json:"sender_uuid"`
	Timestamp  int64  `json:"timestamp"`
}

// KeyIDForChat returns the logical key-pair id shared by a chat.
func KeyIDForChat(chatUUID string) string {
	return keyIDPrefix + chatUUID
}

// ChatUUIDFromHandshakeID recovers the chat uuid from a handshake id of the
// form c_<chat_uuid>+<tag>.
func ChatUUIDFromHandshakeID(handshakeID string) (string, bool) {
	keyID, _, ok := strings.Cut(handshakeID, "+")
	if !ok || !strings.HasPrefix(keyID, keyIDPrefix) {
		return "", false
	}
	return strings.TrimPrefix(keyID, keyIDPrefix), true
}
