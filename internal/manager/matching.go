package manager

import (
	"cmp"
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/observability"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/resolver"
	"github.com/talgya/mini-colony/internal/token"
)

// TickReport summarises one matching pass.
type TickReport struct {
	Tick            uint64 `json:"tick"`
	Considered      int    `json:"considered"`
	Claimed         int    `json:"claimed"`
	Deferred        int    `json:"deferred"`
	ChildrenCreated int    `json:"children_created"`
	Stalled         int    `json:"stalled"`
	Violations      int    `json:"violations"`
	Released        int    `json:"released"`
}

type candidate struct {
	reg  *registration
	dist int
}

// Tick runs one matching pass. Every unassigned CREATED request, in
// creation order, is offered to the resolvers that can resolve it, ranked
// by (priority, distance to the requester, registration order). The first
// one that does not decline wins. Children spawned by a claim join the end
// of the pass and are matched in the same tick.
func (m *Manager) Tick(ctx context.Context, tick uint64) TickReport {
	_, span := observability.StartSpan(ctx, "manager.tick",
		attribute.Int64("tick", int64(tick)),
		attribute.Int("requests", len(m.requests)),
		attribute.Int("resolvers", len(m.order)),
	)
	defer span.End()

	m.tick = tick
	rep := TickReport{Tick: tick}
	m.releaseOrphans(&rep)

	m.queue = m.queue[:0]
	for _, r := range m.sortedRequests(pending) {
		m.queue = append(m.queue, r.ID)
	}
	m.inPass = true
	for i := 0; i < len(m.queue); i++ {
		r, ok := m.requests[m.queue[i]]
		if !ok || !pending(r) {
			continue
		}
		rep.Considered++
		m.match(r, &rep)
	}
	m.inPass = false
	m.queue = m.queue[:0]

	span.SetAttributes(
		attribute.Int("considered", rep.Considered),
		attribute.Int("claimed", rep.Claimed),
		attribute.Int("deferred", rep.Deferred),
		attribute.Int("stalled", rep.Stalled),
		attribute.Int("violations", rep.Violations),
	)
	return rep
}

func pending(r *request.Request) bool {
	return r.State == request.Created && r.ResolverID == nil
}

func (m *Manager) match(r *request.Request, rep *TickReport) {
	for _, c := range m.candidates(r) {
		res := c.reg.res
		out := res.AttemptResolve(m, r.Clone())
		if cur, ok := m.requests[r.ID]; !ok || !pending(cur) {
			// The resolver settled the request through the context.
			return
		}
		switch out.Kind {
		case resolver.OutcomeClaimed:
			m.assign(r, res, request.InProgress, "claimed")
			rep.Claimed++
			return
		case resolver.OutcomeClaimedWithChildren:
			if err := m.validateChildren(r, out.Children, m.liveChildren(r)); err != nil {
				rep.Violations++
				m.totals.Violations++
				m.log.Warn("claim rejected, cancelling request", "token", r.ID.Short(), "resolver", res.ID().Short(), "error", err)
				id := res.ID()
				r.ResolverID = &id
				_ = m.terminate(r, request.Cancelled, err.Error())
				return
			}
			m.assign(r, res, request.Created, "claimed with children")
			for _, p := range out.Children {
				if _, err := m.createChild(r, res, p); err != nil {
					rep.Violations++
					m.log.Warn("child not created", "parent", r.ID.Short(), "error", err)
					continue
				}
				rep.ChildrenCreated++
			}
			rep.Deferred++
			return
		}
	}
	m.stalled(r, rep)
}

func (m *Manager) candidates(r *request.Request) []candidate {
	out := make([]candidate, 0, len(m.order))
	for _, reg := range m.order {
		if !reg.res.CanResolve(r) {
			continue
		}
		out = append(out, candidate{reg: reg, dist: location.Distance(r.RequesterLocation, reg.res.Location())})
	}
	slices.SortFunc(out, func(a, b candidate) int {
		if c := cmp.Compare(a.reg.res.Priority(), b.reg.res.Priority()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		return cmp.Compare(a.reg.order, b.reg.order)
	})
	return out
}

// stalled counts a failed tick and sends the advisory on every multiple of
// StalledAfterTicks. The request itself is untouched.
func (m *Manager) stalled(r *request.Request, rep *TickReport) {
	n := m.stalls[r.ID] + 1
	m.stalls[r.ID] = n
	every := m.cfg.StalledAfterTicks
	if every <= 0 || n%every != 0 {
		return
	}
	rep.Stalled++
	m.totals.Stalls++
	m.log.Warn("request stalled", "token", r.ID.Short(), "payload", r.Payload.Describe(), "ticks", n)
	if req, ok := m.waitingRequester(r); ok {
		req.OnRequestStalled(m, r.Clone(), n)
	}
}

// waitingRequester finds the requester waiting on r. A child's requester is
// the resolver that raised it, so the search walks up to the root.
func (m *Manager) waitingRequester(r *request.Request) (resolver.Requester, bool) {
	for range len(m.requests) {
		if req, ok := m.requesters[r.RequesterID]; ok {
			return req, true
		}
		if r.Parent == nil {
			return nil, false
		}
		parent, ok := m.requests[*r.Parent]
		if !ok {
			return nil, false
		}
		r = parent
	}
	return nil, false
}

// releaseOrphans returns requests held by resolvers that are no longer
// registered (e.g. after a restore) to CREATED.
func (m *Manager) releaseOrphans(rep *TickReport) {
	orphans := m.sortedRequests(func(r *request.Request) bool {
		if r.ResolverID == nil {
			return false
		}
		_, ok := m.resolvers[*r.ResolverID]
		return !ok
	})
	for _, r := range orphans {
		if cur, live := m.requests[r.ID]; !live || cur.ResolverID == nil {
			continue
		}
		if m.release(r, "resolver missing") != nil {
			rep.Released++
		}
	}
}

// StallTicks returns the consecutive failed ticks of a request.
func (m *Manager) StallTicks(t token.Token) int { return m.stalls[t] }
