package view

import (
	"cmp"
	"slices"
	"sync"

	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
)

// Store is a client-side mirror of one colony's requests. Frames may arrive
// out of order relative to resyncs: anything older than the last snapshot
// is dropped, and per-request ticks keep an old delta from overwriting a
// newer one. Job request lists are replaced whole, never patched.
type Store struct {
	mu sync.RWMutex

	colony       token.Token
	snapshotTick uint64
	hasSnapshot  bool
	requests     map[token.Token]*request.Request
	seen         map[token.Token]uint64 // tick of the last write or removal
	jobs         map[token.Token][]token.Token
	jobTicks     map[token.Token]uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		requests: make(map[token.Token]*request.Request),
		seen:     make(map[token.Token]uint64),
		jobs:     make(map[token.Token][]token.Token),
		jobTicks: make(map[token.Token]uint64),
	}
}

// Apply folds one frame into the store and reports whether it changed
// anything. Frames for another colony are ignored once a snapshot fixed
// the colony.
func (s *Store) Apply(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasSnapshot && f.Colony != s.colony {
		return false
	}
	if f.Type != MsgSnapshot && s.hasSnapshot && f.Tick < s.snapshotTick {
		return false
	}

	switch f.Type {
	case MsgSnapshot:
		if s.hasSnapshot && f.Tick < s.snapshotTick {
			return false
		}
		s.colony = f.Colony
		s.snapshotTick = f.Tick
		s.hasSnapshot = true
		s.requests = make(map[token.Token]*request.Request, len(f.Requests))
		s.seen = make(map[token.Token]uint64, len(f.Requests))
		for _, r := range f.Requests {
			s.requests[r.ID] = r.Clone()
			s.seen[r.ID] = f.Tick
		}
		return true

	case MsgDelta:
		changed := false
		for _, r := range f.Requests {
			if last, ok := s.seen[r.ID]; ok && last > f.Tick {
				continue
			}
			s.requests[r.ID] = r.Clone()
			s.seen[r.ID] = f.Tick
			changed = true
		}
		return changed

	case MsgRemove:
		changed := false
		for _, t := range f.Tokens {
			if last, ok := s.seen[t]; ok && last > f.Tick {
				continue
			}
			delete(s.requests, t)
			s.seen[t] = f.Tick
			changed = true
		}
		return changed

	case MsgJobRequests:
		if last, ok := s.jobTicks[f.Job]; ok && last > f.Tick {
			return false
		}
		s.jobs[f.Job] = slices.Clone(f.Tokens)
		s.jobTicks[f.Job] = f.Tick
		return true
	}
	return false
}

// Get returns a copy of one request.
func (s *Store) Get(t token.Token) (*request.Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[t]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Requests returns copies of every request in creation order.
func (s *Store) Requests() []*request.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*request.Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *request.Request) int { return cmp.Compare(a.CreatedSeq, b.CreatedSeq) })
	return out
}

// JobRequests returns the last list received for a job.
func (s *Store) JobRequests(job token.Token) []token.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.jobs[job])
}

// Len returns the number of mirrored requests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// SnapshotTick returns the tick of the snapshot in effect.
func (s *Store) SnapshotTick() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotTick, s.hasSnapshot
}
