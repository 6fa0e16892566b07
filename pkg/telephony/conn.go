package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Link is one call's duplex connection to the telephony provider.
//
// Read is called by a single reader goroutine. Send, Ping and Close may be
// called from any goroutine. Close is idempotent.
type Link interface {
	// Read blocks until the next text frame arrives and returns it unparsed.
	Read(ctx context.Context) ([]byte, error)

	// Send writes one outbound frame.
	Send(ctx context.Context, msg Message) error

	// Ping sends a keep-alive probe and waits for the reply.
	Ping(ctx context.Context) error

	// Close ends the connection with a normal closure. Calling Close again
	// returns nil.
	Close(reason string) error
}

var _ Link = (*Conn)(nil)

// Conn is a [Link] over a coder/websocket connection.
type Conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Accept upgrades an HTTP request to a Media Streams WebSocket.
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("telephony: accept: %w", err)
	}
	// Media frames are small; the default 32 KiB read limit is kept.
	return NewConn(ws), nil
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read implements [Link].
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
		// Media Streams never sends binary frames.
	}
}

// Send implements [Link].
func (c *Conn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write %s: %w", msg.Event, err)
	}
	return nil
}

// Ping implements [Link]. A reader must be active for the pong to be
// observed.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.ws.Ping(ctx); err != nil {
		return fmt.Errorf("telephony: ping: %w", err)
	}
	return nil
}

// Close implements [Link].
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// The peer may already be gone; a failed close handshake is not an error
	// for the caller.
	_ = c.ws.Close(websocket.StatusNormalClosure, reason)
	return nil
}
