package chatrelay

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/chatrelay/transport"
)

// searchSimilarityCutoff discards search candidates whose normalized
// edit-distance similarity to the query falls below it.
const searchSimilarityCutoff = 0.05

// ConnectedUser ties a live connection to an account. Until login or signup
// succeeds the uuid stays NotRegistered.
type ConnectedUser struct {
	Conn     *transport.Conn
	UUID     string
	Username string
	LoggedIn bool
}

// UserManager is the in-memory registry of connected users over the
// persisted account database. One user may be logged in on several
// connections at once.
type UserManager struct {
	db        *UserDatabase
	connected map[int64]*ConnectedUser
}

func NewUserManager(db *UserDatabase) *UserManager {
	return &UserManager{
		db:        db,
		connected: make(map[int64]*ConnectedUser),
	}
}

// Register creates the ConnectedUser for a fresh connection.
func (m *UserManager) Register(conn *transport.Conn) *ConnectedUser {
	cu := &ConnectedUser{Conn: conn, UUID: NotRegistered}
	m.connected[conn.ID()] = cu
	log.Debug().Int64("conn_id", conn.ID()).Msg("[UserManager] connection registered")
	return cu
}

// Drop forgets the ConnectedUser of a closed connection.
func (m *UserManager) Drop(conn *transport.Conn) {
	if cu, ok := m.connected[conn.ID()]; ok {
		log.Debug().Int64("conn_id", conn.ID()).Str("username", cu.Username).Msg("[UserManager] connection dropped")
		delete(m.connected, conn.ID())
	}
}

// ByConn returns the ConnectedUser for a connection, or nil.
func (m *UserManager) ByConn(conn *transport.Conn) *ConnectedUser {
	return m.connected[conn.ID()]
}

// UserByUUID returns the persisted account with the given uuid, or nil.
func (m *UserManager) UserByUUID(id string) *UserRecord {
	for _, rec := range m.db.All() {
		if rec.UUID == id {
			return rec
		}
	}
	return nil
}

func (m *UserManager) userByUsername(username string) *UserRecord {
	lower := strings.ToLower(username)
	for _, rec := range m.db.All() {
		if strings.ToLower(rec.Username) == lower {
			return rec
		}
	}
	return nil
}

// ConnsByUUID returns every live connection logged in as the given user.
func (m *UserManager) ConnsByUUID(id string) []*transport.Conn {
	var conns []*transport.Conn
	for _, cu := range m.connected {
		if cu.LoggedIn && cu.UUID == id {
			conns = append(conns, cu.Conn)
		}
	}
	return conns
}

// AttemptLogin checks credentials against the account database. Username
// matching is case-insensitive. Success promotes the connection's
// ConnectedUser.
func (m *UserManager) AttemptLogin(conn *transport.Conn, username, passwordHash string) (bool, string) {
	cu := m.connected[conn.ID()]
	if cu == nil {
		return false, ""
	}
	rec := m.userByUsername(username)
	if rec == nil || rec.PasswordHash != passwordHash {
		log.Debug().Str("username", username).Msg("[UserManager] login rejected")
		return false, ""
	}
	cu.UUID = rec.UUID
	cu.Username = rec.Username
	cu.LoggedIn = true
	log.Info().Str("username", rec.Username).Str("user_uuid", rec.UUID).Msg("[UserManager] login")
	return true, rec.UUID
}

// AttemptSignUp creates a new account. It is rejected when the username is
// already taken (case-insensitive) or when the connection is already logged
// in, which only happens with a tampered client. Success logs the new
// account in on this connection. A failed save keeps the in-memory account
// and is retried by the next successful Save.
func (m *UserManager) AttemptSignUp(conn *transport.Conn, username, passwordHash string) (bool, string) {
	cu := m.connected[conn.ID()]
	if cu == nil || cu.LoggedIn {
		log.Warn().Int64("conn_id", conn.ID()).Msg("[UserManager] signup on a logged-in connection rejected")
		return false, ""
	}
	if m.userByUsername(username) != nil {
		log.Debug().Str("username", username).Msg("[UserManager] signup rejected, username taken")
		return false, ""
	}

	rec := &UserRecord{
		UUID:         uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
	}
	m.db.Add(rec)
	if err := m.db.Save(); err != nil {
		log.Error().Err(err).Msg("[UserManager] persisting user database failed")
	}

	cu.UUID = rec.UUID
	cu.Username = rec.Username
	cu.LoggedIn = true
	log.Info().Str("username", username).Str("user_uuid", rec.UUID).Msg("[UserManager] signup")
	return true, rec.UUID
}

// SearchUsersByUsername returns up to max usernames ranked by similarity to
// the query. Similarity is one minus the Levenshtein distance normalized by
// the longer of the two strings; candidates below the cutoff are dropped and
// ties break by ascending username.
func (m *UserManager) SearchUsersByUsername(query string, max int) []string {
	if max <= 0 {
		return nil
	}
	lowerQuery := strings.ToLower(query)

	type scored struct {
		username   string
		similarity float64
	}
	var candidates []scored
	for _, rec := range m.db.All() {
		s := usernameSimilarity(lowerQuery, strings.ToLower(rec.Username))
		if s < searchSimilarityCutoff {
			continue
		}
		candidates = append(candidates, scored{username: rec.Username, similarity: s})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].similarity != candidates[j].similarity {
			return candidates[i].similarity > candidates[j].similarity
		}
		return candidates[i].username < candidates[j].username
	})

	if len(candidates) > max {
		candidates = candidates[:max]
	}
	results := make([]string, len(candidates))
	for i, c := range candidates {
		results[i] = c.username
	}
	return results
}

func usernameSimilarity(a, b string) float64 {
	longer := len([]rune(a))
	if n := len([]rune(b)); n > longer {
		longer = n
	}
	if longer == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longer)
}

// ConnectedCount reports how many connections are currently registered.
func (m *UserManager) ConnectedCount() int {
	return len(m.connected)
}

// AccountCount reports how many accounts exist.
func (m *UserManager) AccountCount() int {
	return len(m.db.All())
}
