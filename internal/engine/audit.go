package engine

import (
	"slices"
	"sync"

	"github.com/talgya/mini-colony/internal/manager"
	"github.com/talgya/mini-colony/internal/request"
)

// Auditors fans one transition out to several auditors.
type Auditors []manager.Auditor

// Record implements manager.Auditor.
func (a Auditors) Record(t request.Transition) {
	for _, x := range a {
		x.Record(t)
	}
}

// maxPending bounds the unpersisted buffer when nothing drains it.
const maxPending = 1 << 16

// TransitionLog keeps the most recent transitions in memory and buffers the
// ones not yet persisted.
type TransitionLog struct {
	mu      sync.Mutex
	recent  []request.Transition
	next    int
	full    bool
	pending []request.Transition
	lost    int
}

// NewTransitionLog keeps the last size transitions.
func NewTransitionLog(size int) *TransitionLog {
	if size <= 0 {
		size = 256
	}
	return &TransitionLog{recent: make([]request.Transition, size)}
}

// Record implements manager.Auditor.
func (l *TransitionLog) Record(t request.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent[l.next] = t
	l.next = (l.next + 1) % len(l.recent)
	if l.next == 0 {
		l.full = true
	}
	if len(l.pending) >= maxPending {
		l.lost += len(l.pending) / 2
		l.pending = slices.Delete(l.pending, 0, len(l.pending)/2)
	}
	l.pending = append(l.pending, t)
}

// Lost returns how many transitions were dropped before being drained.
func (l *TransitionLog) Lost() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Recent returns up to limit transitions, newest first.
func (l *TransitionLog) Recent(limit int) []request.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.recent)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]request.Transition, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, l.recent[(l.next-i+len(l.recent))%len(l.recent)])
	}
	return out
}

// Drain returns and clears the transitions recorded since the last drain.
func (l *TransitionLog) Drain() []request.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}
