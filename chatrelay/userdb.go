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

// UserDatabase is the JSON-persisted set of user accounts. All access runs
// on the server loop; the struct carries no locking of its own.
type UserDatabase struct {
	path     string
	entries  []*UserRecord
	modified bool
}

type userDocument struct {
	Entries []*UserRecord `json:"entries"`
}

// OpenUserDatabase loads the user database from path. A missing file is not
// an error: the database starts empty and the file appears on first save.
func OpenUserDatabase(path string) (*UserDatabase, error) {
	db := &UserDatabase{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("path", path).Msg("[UserDB] no database file, starting empty")
		return db, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user database: %w", err)
	}

	var doc userDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse user database: %w", err)
	}
	db.entries = doc.Entries
	log.Info().Int("users", len(db.entries)).Msg("[UserDB] loaded")
	return db, nil
}

// Save writes the database to disk unconditionally and clears the modified
// flag.
func (db *UserDatabase) Save() error {
	data, err := json.MarshalIndent(userDocument{Entries: db.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user database: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	if err := os.WriteFile(db.path, data, 0o644); err != nil {
		return fmt.Errorf("write user database: %w", err)
	}
	db.modified = false
	return nil
}

// SaveIfModified writes the database only if something changed since the
// last save.
func (db *UserDatabase) SaveIfModified() error {
	if !db.modified {
		return nil
	}
	return db.Save()
}

// Add appends a record and marks the database modified.
func (db *UserDatabase) Add(rec *UserRecord) {
	db.entries = append(db.entries, rec)
	db.modified = true
}

// All returns the backing slice; callers must not mutate records without
// calling MarkModified.
func (db *UserDatabase) All() []*UserRecord {
	return db.entries
}

func (db *UserDatabase) MarkModified() {
	db.modified = true
}
