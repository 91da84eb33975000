package chatrelay

import (
	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
	"github.com/gosuda/chatrelay/chatrelay/transport"
)

// ActionKind identifies a deferred action produced by an event handler.
// Handlers never call into peer components directly; they enqueue actions
// that the server loop drains in FIFO order after dispatch.
type ActionKind int

const (
	// ActionSend delivers Event to the connection To.
	ActionSend ActionKind = iota + 1
	// ActionCheckE2E runs the key-distribution check for ChatUUID.
	ActionCheckE2E
	// ActionCheckE2EOnLogin re-checks pending chats that UserUUID belongs to.
	ActionCheckE2EOnLogin
	// ActionHandshakeComplete records a finished key transfer between the
	// users behind ConnSender and ConnReceiver.
	ActionHandshakeComplete
)

// Action is one deferred unit of work.
type Action struct {
	Kind ActionKind

	To    *transport.Conn
	Event *chatverb.Event

	UserUUID string
	ChatUUID string

	HandshakeID  string
	ConnSender   *transport.Conn
	ConnReceiver *transport.Conn
}

// SendAction builds an ActionSend.
func SendAction(to *transport.Conn, ev *chatverb.Event) Action {
	return Action{Kind: ActionSend, To: to, Event: ev}
}
