package chatrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ChatDatabase persists chat metadata as one JSON document and each chat's
// message log as a separate blob file under <dir>/chats/<uuid>.msgs. Message
// log files are opened per operation and never held open.
type ChatDatabase struct {
	dir      string
	path     string
	entries  []*ChatRecord
	modified bool
}

type chatDocument struct {
	Entries []*ChatRecord `json:"entries"`
}

// OpenChatDatabase loads chat metadata from <dir>/chats.json. A missing file
// means an empty database.
func OpenChatDatabase(dir string) (*ChatDatabase, error) {
	db := &ChatDatabase{dir: dir, path: filepath.Join(dir, "chats.json")}

	data, err := os.ReadFile(db.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("path", db.path).Msg("[ChatDB] no database file, starting empty")
		return db, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chat database: %w", err)
	}

	var doc chatDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse chat database: %w", err)
	}
	db.entries = doc.Entries
	log.Info().Int("chats", len(db.entries)).Msg("[ChatDB] loaded")
	return db, nil
}

func (db *ChatDatabase) Save() error {
	data, err := json.MarshalIndent(chatDocument{Entries: db.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chat database: %w", err)
	}
	if err := os.MkdirAll(db.dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	if err := os.WriteFile(db.path, data, 0o644); err != nil {
		return fmt.Errorf("write chat database: %w", err)
	}
	db.modified = false
	return nil
}

func (db *ChatDatabase) SaveIfModified() error {
	if !db.modified {
		return nil
	}
	return db.Save()
}

func (db *ChatDatabase) Add(rec *ChatRecord) {
	db.entries = append(db.entries, rec)
	db.modified = true
}

func (db *ChatDatabase) All() []*ChatRecord {
	return db.entries
}

func (db *ChatDatabase) MarkModified() {
	db.modified = true
}

func (db *ChatDatabase) messagesPath(chatUUID string) string {
	return filepath.Join(db.dir, "chats", chatUUID+".msgs")
}

// LoadMessages reads a chat's message log. A missing file means an empty log.
func (db *ChatDatabase) LoadMessages(chatUUID string) ([]*ChatMessage, error) {
	data, err := os.ReadFile(db.messagesPath(chatUUID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read message log: %w", err)
	}
	var msgs []*ChatMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse message log: %w", err)
	}
	return msgs, nil
}

// SaveMessages rewrites a chat's message log blob.
func (db *ChatDatabase) SaveMessages(chatUUID string, msgs []*ChatMessage) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode message log: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(db.dir, "chats"), 0o755); err != nil {
		return fmt.Errorf("create chats directory: %w", err)
	}
	if err := os.WriteFile(db.messagesPath(chatUUID), data, 0o644); err != nil {
		return fmt.Errorf("write message log: %w", err)
	}
	return nil
}
