// Package transport carries tagged events between the relay server and its
// clients over a duplex byte stream, usually a websocket. Events are framed
// with a length prefix so a pump always returns whole events, in the order
// each peer sent them.
package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
	"github.com/gosuda/chatrelay/chatrelay/internal/wsstream"
)

// Conn is one connected peer as seen by the server.
type Conn struct {
	id     int64
	stream io.ReadWriteCloser

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *Conn) ID() int64 { return c.id }

func (c *Conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.stream.Close()
	}
}

// InboundEvent is an event together with the connection it arrived on.
type InboundEvent struct {
	From  *Conn
	Event *chatverb.Event
}

// Server accumulates connection and event activity from reader goroutines
// and hands it to the single-threaded main loop via Pump.
type Server struct {
	upgrader websocket.Upgrader

	mu            sync.Mutex
	idCounter     int64
	conns         map[int64]*Conn
	newConns      []*Conn
	events        []InboundEvent
	disconnected  []*Conn
	notify        chan struct{}
}

func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(map[int64]*Conn),
		notify: make(chan struct{}, 1),
	}
}

// ServeWS upgrades an HTTP request to a websocket and registers the
// resulting stream as a client connection.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("[Transport] websocket upgrade failed")
		return
	}
	s.HandleConn(wsstream.New(wsConn))
}

// HandleConn registers a duplex stream as a client connection and starts
// its reader. Tests feed net.Pipe ends through here directly.
func (s *Server) HandleConn(stream io.ReadWriteCloser) *Conn {
	s.mu.Lock()
	s.idCounter++
	conn := &Conn{id: s.idCounter, stream: stream}
	s.conns[conn.id] = conn
	s.newConns = append(s.newConns, conn)
	s.mu.Unlock()
	s.signal()

	go s.readLoop(conn)
	return conn
}

func (s *Server) readLoop(conn *Conn) {
	for {
		ev, err := chatverb.ReadEvent(conn.stream)
		if err != nil {
			s.dropConn(conn)
			return
		}
		s.mu.Lock()
		s.events = append(s.events, InboundEvent{From: conn, Event: ev})
		s.mu.Unlock()
		s.signal()
	}
}

func (s *Server) dropConn(conn *Conn) {
	conn.close()
	s.mu.Lock()
	if _, ok := s.conns[conn.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn.id)
	s.disconnected = append(s.disconnected, conn)
	s.mu.Unlock()
	s.signal()
}

func (s *Server) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Pump blocks until there is activity (or ctx is done) and returns the
// connections opened, events received, and connections lost since the
// previous call. Per-connection event order is preserved.
func (s *Server) Pump(ctx context.Context) (connected []*Conn, events []InboundEvent, disconnected []*Conn) {
	for {
		s.mu.Lock()
		if len(s.newConns) > 0 || len(s.events) > 0 || len(s.disconnected) > 0 {
			connected = s.newConns
			events = s.events
			disconnected = s.disconnected
			s.newConns = nil
			s.events = nil
			s.disconnected = nil
			s.mu.Unlock()
			return connected, events, disconnected
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, nil
		case <-s.notify:
		}
	}
}

// Send delivers an event to a connection. Delivery is best-effort: a write
// failure closes the connection, which surfaces as a disconnect on the next
// pump, and is not reported to the caller.
func (s *Server) Send(conn *Conn, ev *chatverb.Event) {
	if conn == nil || conn.closed.Load() {
		return
	}
	conn.writeMu.Lock()
	err := chatverb.WriteEvent(conn.stream, ev)
	conn.writeMu.Unlock()
	if err != nil {
		log.Debug().Int64("conn_id", conn.id).Err(err).Msg("[Transport] send failed, dropping connection")
		s.dropConn(conn)
	}
}

// CloseConn terminates a connection; it surfaces as a disconnect on the
// next pump.
func (s *Server) CloseConn(conn *Conn) {
	s.dropConn(conn)
}

// Close terminates every connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.dropConn(c)
	}
}
