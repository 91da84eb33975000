package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/gosuda/chatrelay/chatrelay/core/proto/chatverb"
	"github.com/gosuda/chatrelay/chatrelay/internal/wsstream"
)

// Client is the client half of the event transport.
type Client struct {
	stream io.ReadWriteCloser

	writeMu   sync.Mutex
	connected atomic.Bool

	mu     sync.Mutex
	events []*chatverb.Event
	notify chan struct{}
}

// Dial connects to a relay server websocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return NewClient(wsstream.New(wsConn)), nil
}

// NewClient wraps an established duplex stream. Tests feed net.Pipe ends
// through here directly.
func NewClient(stream io.ReadWriteCloser) *Client {
	c := &Client{
		stream: stream,
		notify: make(chan struct{}, 1),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		ev, err := chatverb.ReadEvent(c.stream)
		if err != nil {
			c.connected.Store(false)
			c.signal()
			return
		}
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
		c.signal()
	}
}

func (c *Client) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Pump blocks until events arrive, the connection drops, or ctx is done.
// It returns the events received since the previous call and whether the
// connection is still alive.
func (c *Client) Pump(ctx context.Context) ([]*chatverb.Event, bool) {
	for {
		c.mu.Lock()
		if len(c.events) > 0 {
			events := c.events
			c.events = nil
			c.mu.Unlock()
			return events, c.connected.Load()
		}
		c.mu.Unlock()

		if !c.connected.Load() {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, c.connected.Load()
		case <-c.notify:
		}
	}
}

// Send writes one event to the server.
func (c *Client) Send(ev *chatverb.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return chatverb.WriteEvent(c.stream, ev)
}

// Connected reports whether the transport is still usable.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) Close() error {
	c.connected.Store(false)
	c.signal()
	return c.stream.Close()
}
