package booking

import (
	"sync"

	"github.com/voicedesk/voicedesk/pkg/core/appointment"
)

// Store holds committed appointment records in memory, keyed by call ID.
// At most one record exists per call; Put is first-writer-wins.
type Store struct {
	mu     sync.RWMutex
	byCall map[string]*appointment.Record
	order  []*appointment.Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byCall: make(map[string]*appointment.Record)}
}

// Get returns the record committed for a call, if any.
func (s *Store) Get(callID string) (*appointment.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byCall[callID]
	return rec, ok
}

// Put commits a record for its call. Returns the stored record: the given one
// when the call had none, or the existing record when one was already
// committed.
func (s *Store) Put(rec *appointment.Record) *appointment.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byCall[rec.CallID]; ok {
		return existing
	}
	s.byCall[rec.CallID] = rec
	s.order = append(s.order, rec)
	return rec
}

// List returns all committed records in commit order.
func (s *Store) List() []*appointment.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*appointment.Record, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of committed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
