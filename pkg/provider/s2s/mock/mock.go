// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject backend events and inspect what the relay sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventReady})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// ErrClosed is returned by Session methods after Close.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are returned by successive Connect calls in order. Once
	// exhausted, Connect returns a fresh Session.
	Sessions []*Session

	// ConnectErrs, if set, are returned by successive Connect calls before
	// any session is handed out. A nil entry means success for that call.
	ConnectErrs []error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Connected receives every session handed out, if non-nil. Sends do not
	// block; size the channel for the expected number of dials.
	Connected chan *Session
}

// Connect records the call and returns the next configured result.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.ConnectCalls)
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if n < len(p.ConnectErrs) && p.ConnectErrs[n] != nil {
		return nil, p.ConnectErrs[n]
	}

	var sess *Session
	if len(p.Sessions) > 0 {
		sess = p.Sessions[0]
		p.Sessions = p.Sessions[1:]
	} else {
		sess = NewSession()
	}
	if p.Connected != nil {
		select {
		case p.Connected <- sess:
		default:
		}
	}
	return sess, nil
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	events chan s2s.Event

	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// audio holds a copy of every chunk passed to SendAudio, in order.
	audio [][]byte

	cancelCount int
	closeCount  int
	closed      bool
	dropped     bool
	errVal      error
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 256)}
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// Emit delivers ev to the consumer. It is a no-op once the session has
// ended.
func (s *Session) Emit(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dropped {
		return
	}
	s.events <- ev
}

// Drop simulates the backend connection failing: the events channel is
// closed and Err reports err.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dropped {
		return
	}
	s.dropped = true
	s.errVal = err
	close(s.events)
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return s.SendAudioErr
}

// Events returns the events channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// CancelResponse counts the call.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCount++
	return nil
}

// Err returns the error given to Drop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close counts the call and closes the events channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.dropped {
		close(s.events)
	}
	return nil
}

// SentAudio returns a copy of every chunk passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// CancelCount returns the number of CancelResponse calls.
func (s *Session) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCount
}

// CloseCount returns the number of Close calls.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
