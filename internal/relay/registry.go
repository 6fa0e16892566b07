package relay

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Registry tracks the calls currently served by a [Relay]. Calls are added
// when their socket is accepted and removed after teardown.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]registryEntry
}

type registryEntry struct {
	sess   *Session
	cancel context.CancelCauseFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]registryEntry)}
}

func (r *Registry) add(sess *Session, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[sess.ID()] = registryEntry{sess: sess, cancel: cancel}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
}

// Len returns the number of active calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Get returns a snapshot of the call with the given id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	e, ok := r.calls[id]
	r.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return e.sess.Info(), true
}

// Snapshot returns every active call, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.calls))
	for _, e := range r.calls {
		out = append(out, e.sess.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// CloseAll asks every active call to end with the given cause and returns
// how many were signalled. It does not wait for teardown.
func (r *Registry) CloseAll(cause error) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.calls {
		e.cancel(cause)
	}
	return len(r.calls)
}
