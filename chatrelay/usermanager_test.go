package chatrelay

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/crlib/testutils/require"

	"github.com/gosuda/chatrelay/chatrelay/transport"
)

type connMaker struct {
	t  *testing.T
	ts *transport.Server
}

func newConnMaker(t *testing.T) *connMaker {
	t.Helper()
	ts := transport.NewServer()
	t.Cleanup(ts.Close)
	return &connMaker{t: t, ts: ts}
}

func (f *connMaker) conn() *transport.Conn {
	a, b := net.Pipe()
	f.t.Cleanup(func() { b.Close() })
	return f.ts.HandleConn(a)
}

func newTestUserManager(t *testing.T) *UserManager {
	t.Helper()
	db, err := OpenUserDatabase(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	return NewUserManager(db)
}

func TestSignUpThenLoginCaseInsensitive(t *testing.T) {
	conns := newConnMaker(t)
	m := newTestUserManager(t)

	c1 := conns.conn()
	m.Register(c1)
	ok, uuid := m.AttemptSignUp(c1, "alice", "H1")
	if !ok || uuid == "" {
		t.Fatalf("signup failed: ok=%v uuid=%q", ok, uuid)
	}

	c2 := conns.conn()
	m.Register(c2)
	ok, got := m.AttemptLogin(c2, "ALICE", "H1")
	if !ok || got != uuid {
		t.Fatalf("case-insensitive login failed: ok=%v uuid=%q want %q", ok, got, uuid)
	}

	cu := m.ByConn(c2)
	if cu == nil || !cu.LoggedIn || cu.Username != "alice" {
		t.Fatalf("connected user not promoted: %+v", cu)
	}
}

func TestLoginRejectsWrongHash(t *testing.T) {
	conns := newConnMaker(t)
	m := newTestUserManager(t)

	c1 := conns.conn()
	m.Register(c1)
	m.AttemptSignUp(c1, "alice", "H1")

	c2 := conns.conn()
	m.Register(c2)
	if ok, _ := m.AttemptLogin(c2, "alice", "WRONG"); ok {
		t.Fatal("login with wrong hash accepted")
	}
	if ok, _ := m.AttemptLogin(c2, "nobody", "H1"); ok {
		t.Fatal("login for unknown user accepted")
	}
}

func TestSignUpRejectsDuplicateAndLoggedIn(t *testing.T) {
	conns := newConnMaker(t)
	m := newTestUserManager(t)

	c1 := conns.conn()
	m.Register(c1)
	ok, _ := m.AttemptSignUp(c1, "alice", "H1")
	if !ok {
		t.Fatal("first signup failed")
	}

	// Same connection is now logged in: further signups are tampering.
	if ok, _ := m.AttemptSignUp(c1, "eve", "H2"); ok {
		t.Fatal("signup on logged-in connection accepted")
	}

	c2 := conns.conn()
	m.Register(c2)
	if ok, _ := m.AttemptSignUp(c2, "ALICE", "H3"); ok {
		t.Fatal("case-insensitive duplicate username accepted")
	}
}

func TestMultiSessionAndConnsByUUID(t *testing.T) {
	conns := newConnMaker(t)
	m := newTestUserManager(t)

	c1 := conns.conn()
	m.Register(c1)
	_, uuid := m.AttemptSignUp(c1, "alice", "H1")

	c2 := conns.conn()
	m.Register(c2)
	if ok, _ := m.AttemptLogin(c2, "alice", "H1"); !ok {
		t.Fatal("second session login failed")
	}

	if got := len(m.ConnsByUUID(uuid)); got != 2 {
		t.Fatalf("ConnsByUUID = %d conns, want 2", got)
	}

	m.Drop(c1)
	if got := len(m.ConnsByUUID(uuid)); got != 1 {
		t.Fatalf("after drop: %d conns, want 1", got)
	}
}

func TestSearchUsersByUsername(t *testing.T) {
	conns := newConnMaker(t)
	m := newTestUserManager(t)

	for _, name := range []string{"alice", "alicia", "bob", "malice"} {
		c := conns.conn()
		m.Register(c)
		if ok, _ := m.AttemptSignUp(c, name, "H"); !ok {
			t.Fatalf("seeding %q failed", name)
		}
	}

	results := m.SearchUsersByUsername("alice", 10)
	if len(results) == 0 || results[0] != "alice" {
		t.Fatalf("exact match not ranked first: %v", results)
	}

	// Identical similarity ties break by ascending username.
	tied := m.SearchUsersByUsername("xlice", 10)
	for i := 1; i < len(tied); i++ {
		a := usernameSimilarity("xlice", tied[i-1])
		b := usernameSimilarity("xlice", tied[i])
		if a == b && tied[i-1] > tied[i] {
			t.Fatalf("tie not broken by ascending username: %v", tied)
		}
	}

	if got := m.SearchUsersByUsername("alice", 2); len(got) != 2 {
		t.Fatalf("max not honored: %v", got)
	}
	if got := m.SearchUsersByUsername("alice", 0); got != nil {
		t.Fatalf("max 0 should return nothing: %v", got)
	}
}
