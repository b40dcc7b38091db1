package syncstate

import (
	"sync"

	"github.com/rs/zerolog"
)

// Sessions keeps one Aggregator per session owner. Pending writes, the error
// log and lastSync belong to a single owner; connectivity is shared by all.
type Sessions struct {
	logger zerolog.Logger
	opts   []Option

	mu       sync.Mutex
	online   bool
	sessions map[string]*Aggregator
	closed   bool
}

func NewSessions(logger zerolog.Logger, opts ...Option) *Sessions {
	return &Sessions{
		logger:   logger,
		opts:     opts,
		sessions: map[string]*Aggregator{},
	}
}

// For returns the aggregator of ownerID, creating it on first use. After
// Close it returns a detached, closed aggregator.
func (s *Sessions) For(ownerID string) *Aggregator {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.sessions[ownerID]; ok {
		return a
	}
	a := New(s.logger.With().Str("owner", ownerID).Logger(), s.opts...)
	a.state.IsOnline = s.online
	if s.closed {
		a.Close()
		return a
	}
	s.sessions[ownerID] = a
	return a
}

// SetOnline applies a network-status signal to every session.
func (s *Sessions) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	all := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.logger.Info().Bool("online", online).Int("sessions", len(all)).Msg("connectivity changed")
	}
	for _, a := range all {
		a.SetOnline(online)
	}
}

func (s *Sessions) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// ConfirmWrite settles collection/id in every session that is waiting for
// it. A write is echoed by whichever live query covers the document, which
// need not belong to the writer.
func (s *Sessions) ConfirmWrite(collection, id string) {
	s.mu.Lock()
	all := s.snapshotLocked()
	s.mu.Unlock()

	for _, a := range all {
		a.ConfirmWrite(collection, id)
	}
}

// End drops the session of ownerID and stops its timers.
func (s *Sessions) End(ownerID string) {
	s.mu.Lock()
	a, ok := s.sessions[ownerID]
	delete(s.sessions, ownerID)
	s.mu.Unlock()

	if ok {
		a.Close()
	}
}

// Len reports the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every session. It is safe to call more than once.
func (s *Sessions) Close() {
	s.mu.Lock()
	s.closed = true
	all := s.snapshotLocked()
	s.sessions = map[string]*Aggregator{}
	s.mu.Unlock()

	for _, a := range all {
		a.Close()
	}
}

func (s *Sessions) snapshotLocked() []*Aggregator {
	all := make([]*Aggregator, 0, len(s.sessions))
	for _, a := range s.sessions {
		all = append(all, a)
	}
	return all
}
