package call

import (
	"context"
	"sync"
)

// Registry tracks live sessions for event routing and graceful shutdown.
// Sessions are looked up by session ID or by the engine's call ID; in-flight
// calls are tracked with a wait group so shutdown can drain them.
type Registry struct {
	mu           sync.Mutex
	byID         map[string]*Session
	byEngineCall map[string]*Session
	tracked      map[string]*trackedCall
	wg           sync.WaitGroup
}

type trackedCall struct {
	sess *Session
	once sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:         make(map[string]*Session),
		byEngineCall: make(map[string]*Session),
		tracked:      make(map[string]*trackedCall),
	}
}

// Add makes a session addressable by its ID.
func (r *Registry) Add(s *Session) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID()] = s
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// BindEngineCall makes the session addressable by the engine's call ID, used
// to route webhook events that only carry the engine identifier.
func (r *Registry) BindEngineCall(sessionID, engineCallID string) {
	if r == nil || engineCallID == "" {
		return
	}
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if ok {
		r.byEngineCall[engineCallID] = s
	}
	r.mu.Unlock()

	// Session lock taken after the registry lock is released; the session's
	// release callback acquires them in the opposite order.
	if ok {
		s.BindEngineCall(engineCallID)
	}
}

// ByEngineCall returns the session bound to an engine call ID.
func (r *Registry) ByEngineCall(engineCallID string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byEngineCall[engineCallID]
	return s, ok
}

// Remove drops a session and its engine call binding.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for callID, bound := range r.byEngineCall {
		if bound == s {
			delete(r.byEngineCall, callID)
		}
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// LiveCount returns the number of calls currently in flight.
func (r *Registry) LiveCount() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Track marks a call as in flight and returns its release function. The
// release is idempotent; it is wired into the session via OnCallDone so every
// path out of the call (ended, error, reset) releases exactly once.
func (r *Registry) Track(s *Session) (release func()) {
	if r == nil || s == nil {
		return func() {}
	}

	entry := &trackedCall{sess: s}

	r.mu.Lock()
	old := r.tracked[s.ID()]
	r.tracked[s.ID()] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.releaseTracked(s.ID(), old)
	}

	return func() { r.releaseTracked(s.ID(), entry) }
}

func (r *Registry) releaseTracked(id string, entry *trackedCall) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		r.mu.Lock()
		if r.tracked[id] == entry {
			delete(r.tracked, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// EndAll requests termination of every in-flight call. Used when draining.
func (r *Registry) EndAll(ctx context.Context) (ended int) {
	if r == nil {
		return 0
	}

	var sessions []*Session
	r.mu.Lock()
	for _, entry := range r.tracked {
		sessions = append(sessions, entry.sess)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.End(ctx); err == nil {
			ended++
		}
	}
	return ended
}

// ForceReleaseAll abandons the remaining in-flight calls. Last resort after
// a drain timeout; the engine-side calls may still be terminating.
func (r *Registry) ForceReleaseAll() (released int) {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	entries := make(map[string]*trackedCall, len(r.tracked))
	for id, entry := range r.tracked {
		entries[id] = entry
	}
	r.mu.Unlock()

	for id, entry := range entries {
		entry.sess.ForceIdle("gateway shutting down")
		r.releaseTracked(id, entry)
		released++
	}
	return released
}

// Wait blocks until every tracked call is released or ctx is done. Returns
// false on timeout.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
