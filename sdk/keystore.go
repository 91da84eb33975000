package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/chatrelay/core/cryptoops"
)

// KeyRecord is one stored key pair, both halves PEM-serialized.
type KeyRecord struct {
	EncryptionKeyID string `json:"encryption_key_id"`
	Public          []byte `json:"public"`
	Private         []byte `json:"private"`
}

type keyDocument struct {
	Entries []KeyRecord `json:"entries"`
}

// KeyStore holds the client's key pairs, encrypted at rest with a
// machine-derived Fernet key. The file body is the ciphertext wrapped at
// 64-byte lines; the wrapping is cosmetic and stripped on load. The store is
// loaded once and rewritten whole on every save.
type KeyStore struct {
	path    string
	fileKey []byte
	entries []KeyRecord
}

// OpenKeyStore loads the store at path, decrypting with fileKey. A missing
// file is an empty store; the file appears on first save.
func OpenKeyStore(path string, fileKey []byte) (*KeyStore, error) {
	ks := &KeyStore{path: path, fileKey: fileKey}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("path", path).Msg("[KeyStore] no store file, starting empty")
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key store: %w", err)
	}

	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, string(data))

	plain, err := cryptoops.SymmetricDecrypt([]byte(compact), fileKey)
	if err != nil {
		return nil, fmt.Errorf("unlock key store: %w", err)
	}
	var doc keyDocument
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("parse key store: %w", err)
	}
	ks.entries = doc.Entries
	log.Debug().Int("keys", len(ks.entries)).Msg("[KeyStore] loaded")
	return ks, nil
}

// Save encrypts and rewrites the whole store file.
func (ks *KeyStore) Save() error {
	plain, err := json.Marshal(keyDocument{Entries: ks.entries})
	if err != nil {
		return fmt.Errorf("encode key store: %w", err)
	}
	cipher, err := cryptoops.SymmetricEncrypt(plain, ks.fileKey)
	if err != nil {
		return fmt.Errorf("seal key store: %w", err)
	}

	var b strings.Builder
	for i := 0; i < len(cipher); i += 64 {
		end := i + 64
		if end > len(cipher) {
			end = len(cipher)
		}
		b.Write(cipher[i:end])
		b.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(ks.path), 0o700); err != nil {
		return fmt.Errorf("create key store directory: %w", err)
	}
	if err := os.WriteFile(ks.path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write key store: %w", err)
	}
	return nil
}

// Put inserts or replaces the pair for a key id. The caller saves.
func (ks *KeyStore) Put(keyID string, pub, priv []byte) {
	for i := range ks.entries {
		if ks.entries[i].EncryptionKeyID == keyID {
			ks.entries[i].Public = pub
			ks.entries[i].Private = priv
			return
		}
	}
	ks.entries = append(ks.entries, KeyRecord{
		EncryptionKeyID: keyID,
		Public:          pub,
		Private:         priv,
	})
}

// Get returns the PEM pair for a key id.
func (ks *KeyStore) Get(keyID string) (pub, priv []byte, ok bool) {
	for _, e := range ks.entries {
		if e.EncryptionKeyID == keyID {
			return e.Public, e.Private, true
		}
	}
	return nil, nil, false
}

// Has reports whether a pair is stored for the key id.
func (ks *KeyStore) Has(keyID string) bool {
	_, _, ok := ks.Get(keyID)
	return ok
}
