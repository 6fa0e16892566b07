// Package mock provides a test double for [telephony.Link].
//
// Tests push raw inbound frames with Push (or close the stream with Hangup)
// and inspect what the relay sent back with Sent.
//
// Example:
//
//	link := mock.NewLink()
//	link.Push(`{"event":"start","start":{"streamSid":"SID1"}}`)
//	go call.Run(ctx)
//	...
//	msgs := link.Sent()
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/telephony"
)

// ErrLinkClosed is returned by Read and Send after Close.
var ErrLinkClosed = errors.New("mock: link closed")

// Link is a mock implementation of telephony.Link.
type Link struct {
	inbound chan []byte
	done    chan struct{}

	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// PingErr, if non-nil, is returned by every Ping call.
	PingErr error

	sent        []telephony.Message
	pingCount   int
	closeCount  int
	closeReason string
	hungUp      bool
	closeOnce   sync.Once
}

var _ telephony.Link = (*Link)(nil)

// NewLink returns a Link with a buffered inbound queue.
func NewLink() *Link {
	return &Link{
		inbound: make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

// Push queues one raw inbound frame for Read.
func (l *Link) Push(frame string) {
	l.inbound <- []byte(frame)
}

// PushMessage marshals msg and queues it for Read.
func (l *Link) PushMessage(msg telephony.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	l.inbound <- data
}

// Hangup ends the inbound stream: once queued frames are consumed, Read
// returns io.EOF, as if the caller's socket closed.
func (l *Link) Hangup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hungUp {
		l.hungUp = true
		close(l.inbound)
	}
}

// Read returns the next pushed frame.
func (l *Link) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-l.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-l.done:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send records msg and returns SendErr.
func (l *Link) Send(_ context.Context, msg telephony.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closeCount > 0 {
		return ErrLinkClosed
	}
	if l.SendErr != nil {
		return l.SendErr
	}
	l.sent = append(l.sent, msg)
	return nil
}

// Ping counts the call and returns PingErr.
func (l *Link) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pingCount++
	return l.PingErr
}

// Close records the call. Only the first call changes state.
func (l *Link) Close(reason string) error {
	l.mu.Lock()
	l.closeCount++
	if l.closeCount == 1 {
		l.closeReason = reason
	}
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// Sent returns a copy of every message passed to Send.
func (l *Link) Sent() []telephony.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]telephony.Message, len(l.sent))
	copy(out, l.sent)
	return out
}

// PingCount returns the number of Ping calls.
func (l *Link) PingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pingCount
}

// CloseCount returns the number of Close calls.
func (l *Link) CloseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCount
}

// CloseReason returns the reason given to the first Close call.
func (l *Link) CloseReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeReason
}

// Done is closed once Close has been called.
func (l *Link) Done() <-chan struct{} { return l.done }
