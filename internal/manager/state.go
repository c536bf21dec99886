package manager

import (
	"cmp"
	"slices"

	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
)

// Len returns the number of live requests.
func (m *Manager) Len() int { return len(m.requests) }

// Snapshot returns consistent copies of every live request in creation
// order. Take it on the tick goroutine; the copies may then travel.
func (m *Manager) Snapshot() []*request.Request {
	live := m.sortedRequests(nil)
	out := make([]*request.Request, len(live))
	for i, r := range live {
		out[i] = r.Clone()
	}
	return out
}

// RequestsFor returns copies of the live requests of one requester.
func (m *Manager) RequestsFor(requester token.Token) []*request.Request {
	live := m.sortedRequests(func(r *request.Request) bool { return r.RequesterID == requester })
	out := make([]*request.Request, len(live))
	for i, r := range live {
		out[i] = r.Clone()
	}
	return out
}

// Restore replaces the request table with saved records and returns how
// many were dropped. Terminal or duplicate records are dropped, as are
// children whose parent did not survive. Claims held by resolvers that are
// not registered by the next tick are released then.
func (m *Manager) Restore(records []*request.Request) int {
	m.requests = make(map[token.Token]*request.Request, len(records))
	m.stalls = make(map[token.Token]int)
	m.changed = make(map[token.Token]struct{})
	m.removed = nil

	dropped := 0
	var unsequenced []*request.Request
	var maxSeq uint64
	for _, rec := range records {
		switch {
		case rec == nil || rec.Payload == nil || rec.ID.IsZero():
			dropped++
			m.log.Warn("dropping restored request without identity or payload")
			continue
		case !rec.State.Valid() || rec.State.Terminal():
			dropped++
			m.log.Warn("dropping restored terminal request", "token", rec.ID.Short(), "state", rec.State)
			continue
		}
		if _, dup := m.requests[rec.ID]; dup {
			dropped++
			m.totals.Violations++
			m.log.Warn("dropping restored request with duplicate token", "token", rec.ID.Short())
			continue
		}
		r := rec.Clone()
		if r.State == request.InProgress && r.ResolverID == nil {
			r.State = request.Created
		}
		m.requests[r.ID] = r
		if r.CreatedSeq == 0 {
			unsequenced = append(unsequenced, r)
		}
		maxSeq = max(maxSeq, r.CreatedSeq)
	}
	m.seq = maxSeq
	for _, r := range unsequenced {
		m.seq++
		r.CreatedSeq = m.seq
	}

	for changed := true; changed; {
		changed = false
		for id, r := range m.requests {
			if r.Parent == nil {
				continue
			}
			if _, ok := m.requests[*r.Parent]; !ok {
				delete(m.requests, id)
				dropped++
				changed = true
				m.log.Warn("dropping restored child without parent", "token", id.Short(), "parent", r.Parent.Short())
			}
		}
	}
	for id, r := range m.requests {
		r.Children = slices.DeleteFunc(r.Children, func(c token.Token) bool {
			_, ok := m.requests[c]
			return !ok
		})
		m.touch(id)
	}
	return dropped
}

// ChangeSet is what changed since the previous drain.
type ChangeSet struct {
	Updated []*request.Request
	Removed []token.Token
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool { return len(c.Updated) == 0 && len(c.Removed) == 0 }

// Changes drains the tokens touched since the last call.
func (m *Manager) Changes() ChangeSet {
	cs := ChangeSet{Removed: m.removed}
	for t := range m.changed {
		if r, ok := m.requests[t]; ok {
			cs.Updated = append(cs.Updated, r.Clone())
		}
	}
	slices.SortFunc(cs.Updated, func(a, b *request.Request) int { return cmp.Compare(a.CreatedSeq, b.CreatedSeq) })
	m.changed = make(map[token.Token]struct{})
	m.removed = nil
	return cs
}

// Stats is a point-in-time summary of the table.
type Stats struct {
	Live       int    `json:"live"`
	Created    int    `json:"created"`
	Waiting    int    `json:"waiting"` // CREATED, claimed with children
	InProgress int    `json:"in_progress"`
	Stalled    int    `json:"stalled"`
	Resolvers  int    `json:"resolvers"`
	Requesters int    `json:"requesters"`
	Tick       uint64 `json:"tick"`
	Totals     Totals `json:"totals"`
}

// Stats summarises the table.
func (m *Manager) Stats() Stats {
	s := Stats{
		Live:       len(m.requests),
		Resolvers:  len(m.order),
		Requesters: len(m.requesters),
		Tick:       m.tick,
		Totals:     m.totals,
	}
	for _, r := range m.requests {
		switch {
		case r.State == request.InProgress:
			s.InProgress++
		case r.ResolverID != nil:
			s.Waiting++
		default:
			s.Created++
		}
	}
	if every := m.cfg.StalledAfterTicks; every > 0 {
		for _, n := range m.stalls {
			if n >= every {
				s.Stalled++
			}
		}
	}
	return s
}
