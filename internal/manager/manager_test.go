package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/resolver"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/world"
)

type childEvent struct {
	parent, child token.Token
	success       bool
}

// stub is a scriptable resolver.
type stub struct {
	resolver.Base
	accept    func(*request.Request) bool
	outcome   func(*request.Request) resolver.Outcome
	attempts  []token.Token
	children  []childEvent
	cancelled []token.Token
}

func newStub(priority int, pos world.HexCoord) *stub {
	return &stub{Base: resolver.NewBase(token.New(), priority, location.Structure{Pos: pos})}
}

func (s *stub) CanResolve(r *request.Request) bool {
	return s.accept == nil || s.accept(r)
}

func (s *stub) AttemptResolve(_ resolver.Context, r *request.Request) resolver.Outcome {
	s.attempts = append(s.attempts, r.ID)
	if s.outcome == nil {
		return resolver.Claimed()
	}
	return s.outcome(r)
}

func (s *stub) OnChildCompleted(_ resolver.Context, parent, child *request.Request, success bool) {
	s.children = append(s.children, childEvent{parent: parent.ID, child: child.ID, success: success})
}

func (s *stub) OnRequestCancelled(_ resolver.Context, r *request.Request) {
	s.cancelled = append(s.cancelled, r.ID)
}

// recorder is a requester that counts its notifications.
type recorder struct {
	id        token.Token
	completed map[token.Token]int
	cancelled map[token.Token]int
	stalls    []int
	stalled   []token.Token
}

func newRecorder() *recorder {
	return &recorder{id: token.New(), completed: map[token.Token]int{}, cancelled: map[token.Token]int{}}
}

func (r *recorder) ID() token.Token { return r.id }

func (r *recorder) OnRequestCompleted(_ resolver.Context, req *request.Request) {
	r.completed[req.ID]++
}

func (r *recorder) OnRequestCancelled(_ resolver.Context, req *request.Request) {
	r.cancelled[req.ID]++
}

func (r *recorder) OnRequestStalled(_ resolver.Context, req *request.Request, ticks int) {
	r.stalls = append(r.stalls, ticks)
	r.stalled = append(r.stalled, req.ID)
}

func (r *recorder) notifications(t token.Token) int { return r.completed[t] + r.cancelled[t] }

type auditLog []request.Transition

func (a *auditLog) Record(t request.Transition) { *a = append(*a, t) }

func (a auditLog) to(t token.Token, s request.State) []request.Transition {
	var out []request.Transition
	for _, tr := range a {
		if tr.Token == t && tr.To == s && tr.Reason != "created" {
			out = append(out, tr)
		}
	}
	return out
}

func newManager(t *testing.T, cfg Config) (*Manager, *recorder, *auditLog) {
	t.Helper()
	audit := &auditLog{}
	m := New(token.New(), cfg, WithAuditor(audit), WithTokenSource(&token.SequenceSource{Prefix: 7}))
	req := newRecorder()
	if err := m.RegisterRequester(req); err != nil {
		t.Fatalf("register requester: %v", err)
	}
	return m, req, audit
}

func mustCreate(t *testing.T, m *Manager, requester token.Token, loc location.Location, p requestable.Requestable) token.Token {
	t.Helper()
	id, err := m.CreateRequest(requester, loc, p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func mustRegister(t *testing.T, m *Manager, res resolver.Resolver) {
	t.Helper()
	if err := m.RegisterResolver(res); err != nil {
		t.Fatalf("register resolver: %v", err)
	}
}

func planks(n int) requestable.Acquisition {
	return requestable.Acquisition{Predicate: requestable.ItemPredicate{Tag: "planks", MaxDamage: -1}, MinCount: n}
}

func item(name string, n int) requestable.Acquisition {
	return requestable.Acquisition{Predicate: requestable.ItemPredicate{Item: name, MaxDamage: -1}, MinCount: n}
}

var origin = location.Structure{Pos: world.HexCoord{}}

func TestScenario_NearestResolverWinsAndRequesterNotifiedOnce(t *testing.T) {
	m, req, audit := newManager(t, DefaultConfig())
	far := newStub(10, world.HexCoord{Q: 2})
	near := newStub(10, world.HexCoord{Q: 1})
	mustRegister(t, m, far)
	mustRegister(t, m, near)

	a := location.Structure{Pos: world.HexCoord{Q: -3}}
	b := location.Structure{Pos: world.HexCoord{Q: 3}}
	id := mustCreate(t, m, req.ID(), origin, requestable.Delivery{
		From: a, To: b, Stack: requestable.ItemStack{Item: "oak_planks", Count: 64},
	})

	m.Tick(context.Background(), 1)
	r, ok := m.GetRequestForToken(id)
	if !ok || r.State != request.InProgress {
		t.Fatalf("request after tick: %+v ok=%v", r, ok)
	}
	if *r.ResolverID != near.ID() {
		t.Fatalf("winner %s want the distance-1 resolver", r.ResolverID.Short())
	}
	if len(far.attempts) != 0 {
		t.Fatalf("far resolver should not be asked once near claims")
	}

	if err := m.UpdateRequestState(id, request.Completed); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if req.completed[id] != 1 || req.notifications(id) != 1 {
		t.Fatalf("notifications: completed=%d total=%d", req.completed[id], req.notifications(id))
	}
	if _, ok := m.GetRequestForToken(id); ok {
		t.Fatalf("completed token still resolves")
	}
	if err := m.UpdateRequestState(id, request.Completed); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("second completion: %v", err)
	}
	if req.notifications(id) != 1 {
		t.Fatalf("second completion produced a notification")
	}
	if len(audit.to(id, request.InProgress)) != 1 || len(audit.to(id, request.Completed)) != 1 {
		t.Fatalf("audit trail %+v", *audit)
	}
}

func TestMatching_TieBrokenByRegistrationOrder(t *testing.T) {
	for round := 0; round < 5; round++ {
		m, req, _ := newManager(t, DefaultConfig())
		first := newStub(5, world.HexCoord{Q: 1})
		second := newStub(5, world.HexCoord{R: 1})
		mustRegister(t, m, first)
		mustRegister(t, m, second)

		id := mustCreate(t, m, req.ID(), origin, planks(1))
		m.Tick(context.Background(), 1)
		r, _ := m.GetRequestForToken(id)
		if r.ResolverID == nil || *r.ResolverID != first.ID() {
			t.Fatalf("round %d: equal priority and distance must go to the first registered", round)
		}
	}
}

func TestMatching_PriorityBeatsDistance(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	nearby := newStub(50, world.HexCoord{Q: 1})
	preferred := newStub(10, world.HexCoord{Q: 6})
	mustRegister(t, m, nearby)
	mustRegister(t, m, preferred)
	id := mustCreate(t, m, req.ID(), origin, planks(1))
	m.Tick(context.Background(), 1)
	r, _ := m.GetRequestForToken(id)
	if *r.ResolverID != preferred.ID() {
		t.Fatalf("lower priority value must win")
	}
}

func TestMatching_DeclineFallsThrough(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	busy := newStub(1, world.HexCoord{})
	busy.outcome = func(*request.Request) resolver.Outcome { return resolver.Declined() }
	idle := newStub(2, world.HexCoord{})
	picky := newStub(0, world.HexCoord{})
	picky.accept = func(*request.Request) bool { return false }
	mustRegister(t, m, picky)
	mustRegister(t, m, busy)
	mustRegister(t, m, idle)

	id := mustCreate(t, m, req.ID(), origin, planks(1))
	m.Tick(context.Background(), 1)
	r, _ := m.GetRequestForToken(id)
	if *r.ResolverID != idle.ID() || len(busy.attempts) != 1 || len(picky.attempts) != 0 {
		t.Fatalf("resolver=%s busy=%d picky=%d", r.ResolverID.Short(), len(busy.attempts), len(picky.attempts))
	}
}

func TestMatching_CreationOrder(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	var order []token.Token
	one := newStub(1, world.HexCoord{})
	claimed := false
	one.outcome = func(r *request.Request) resolver.Outcome {
		order = append(order, r.ID)
		if claimed {
			return resolver.Declined()
		}
		claimed = true
		return resolver.Claimed()
	}
	mustRegister(t, m, one)
	ids := []token.Token{
		mustCreate(t, m, req.ID(), origin, planks(1)),
		mustCreate(t, m, req.ID(), origin, planks(2)),
		mustCreate(t, m, req.ID(), origin, planks(3)),
	}
	m.Tick(context.Background(), 1)
	if len(order) != 3 || order[0] != ids[0] || order[1] != ids[1] || order[2] != ids[2] {
		t.Fatalf("requests not offered in creation order")
	}
	r, _ := m.GetRequestForToken(ids[0])
	if r.State != request.InProgress {
		t.Fatalf("oldest request should have been claimed")
	}
}

func TestTokens_UniqueAcrossTicks(t *testing.T) {
	m := New(token.New(), DefaultConfig())
	req := newRecorder()
	_ = m.RegisterRequester(req)
	seen := map[token.Token]bool{}
	for tick := uint64(1); tick <= 50; tick++ {
		for i := 0; i < 20; i++ {
			id := mustCreate(t, m, req.ID(), origin, planks(i+1))
			if seen[id] {
				t.Fatalf("duplicate token %s at tick %d", id, tick)
			}
			seen[id] = true
		}
		m.Tick(context.Background(), tick)
	}
	if m.Len() != 1000 {
		t.Fatalf("live %d want 1000", m.Len())
	}
}

// stuckSource keeps issuing the same token.
type stuckSource struct{ t token.Token }

func (s stuckSource) Next() token.Token { return s.t }

func TestDuplicateTokenIsRejected(t *testing.T) {
	m := New(token.New(), DefaultConfig(), WithTokenSource(stuckSource{t: token.New()}))
	first := mustCreate(t, m, token.New(), origin, planks(1))
	_, err := m.CreateRequest(token.New(), origin, planks(2))
	var ve *ViolationError
	if !errors.As(err, &ve) || !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected violation, got %v", err)
	}
	if _, ok := m.GetRequestForToken(first); !ok || m.Len() != 1 {
		t.Fatalf("existing request must survive the rejected duplicate")
	}
}

// chain builds: parent claimed by p with three children; child[0] claimed
// by w and the other two left unmatched.
func chain(t *testing.T) (m *Manager, req *recorder, audit *auditLog, p, w *stub, parent token.Token, kids []token.Token) {
	m, req, audit = newManager(t, DefaultConfig())
	p = newStub(1, world.HexCoord{})
	p.accept = func(r *request.Request) bool { return r.Parent == nil }
	p.outcome = func(*request.Request) resolver.Outcome {
		return resolver.ClaimedWithChildren(item("oak_log", 1), item("cobblestone", 2), item("sand", 3))
	}
	w = newStub(1, world.HexCoord{})
	w.accept = func(r *request.Request) bool { return r.Payload.Equal(item("oak_log", 1)) }
	mustRegister(t, m, p)
	mustRegister(t, m, w)

	parent = mustCreate(t, m, req.ID(), origin, requestable.WorkOrder{Kind: requestable.WorkBuild, Structure: token.New()})
	rep := m.Tick(context.Background(), 1)
	if rep.ChildrenCreated != 3 || rep.Deferred != 1 || rep.Claimed != 1 {
		t.Fatalf("tick report %+v", rep)
	}
	pr, _ := m.GetRequestForToken(parent)
	kids = pr.Children
	return
}

func TestChildren_MatchedSameTickAndParentStarts(t *testing.T) {
	m, _, _, p, w, parent, kids := chain(t)
	pr, _ := m.GetRequestForToken(parent)
	if pr.State != request.InProgress || *pr.ResolverID != p.ID() {
		t.Fatalf("parent %s after a child was assigned", pr.State)
	}
	c0, _ := m.GetRequestForToken(kids[0])
	if c0.State != request.InProgress || *c0.ResolverID != w.ID() || *c0.Parent != parent {
		t.Fatalf("first child %+v", c0)
	}
	if c0.RequesterID != p.ID() {
		t.Fatalf("child requester should be the parent's resolver")
	}
	for _, k := range kids[1:] {
		c, _ := m.GetRequestForToken(k)
		if c.State != request.Created || c.Assigned() {
			t.Fatalf("unmatched child %+v", c)
		}
	}
}

func TestDeferredParentWaitsForChildAssignment(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	p := newStub(1, world.HexCoord{})
	p.accept = func(r *request.Request) bool { return r.Parent == nil }
	p.outcome = func(*request.Request) resolver.Outcome {
		return resolver.ClaimedWithChildren(item("glass", 1))
	}
	mustRegister(t, m, p)
	parent := mustCreate(t, m, req.ID(), origin, planks(4))
	m.Tick(context.Background(), 1)
	m.Tick(context.Background(), 2)

	pr, _ := m.GetRequestForToken(parent)
	if pr.State != request.Created || !pr.Assigned() {
		t.Fatalf("parent should wait claimed in CREATED, got %s assigned=%v", pr.State, pr.Assigned())
	}
	if len(p.attempts) != 1 {
		t.Fatalf("claimed parent was offered again: %d attempts", len(p.attempts))
	}
	if err := m.UpdateRequestState(parent, request.Completed); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("completing a waiting parent: %v", err)
	}

	late := newStub(1, world.HexCoord{})
	late.accept = func(r *request.Request) bool { return r.Parent != nil }
	mustRegister(t, m, late)
	m.Tick(context.Background(), 3)
	pr, _ = m.GetRequestForToken(parent)
	if pr.State != request.InProgress {
		t.Fatalf("parent should start once its child is assigned, got %s", pr.State)
	}
}

func TestCascadingCancellation(t *testing.T) {
	m, req, audit, p, _, parent, kids := chain(t)

	if err := m.UpdateRequestState(kids[0], request.Completed); err != nil {
		t.Fatalf("complete child: %v", err)
	}
	if len(p.children) != 1 || !p.children[0].success || p.children[0].child != kids[0] {
		t.Fatalf("parent resolver child events %+v", p.children)
	}
	if err := m.UpdateRequestState(parent, request.Completed); !errors.Is(err, ErrLiveChildren) {
		t.Fatalf("completing with live children: %v", err)
	}

	m.Tick(context.Background(), 2)
	if err := m.CancelRequest(parent); err != nil {
		t.Fatalf("cancel parent: %v", err)
	}
	for _, k := range kids[1:] {
		if _, ok := m.GetRequestForToken(k); ok {
			t.Fatalf("child %s survived parent cancellation", k.Short())
		}
		got := audit.to(k, request.Cancelled)
		if len(got) != 1 || got[0].Tick != 2 {
			t.Fatalf("child %s cancel transitions %+v", k.Short(), got)
		}
	}
	if len(audit.to(kids[0], request.Cancelled)) != 0 || len(audit.to(kids[0], request.Completed)) != 1 {
		t.Fatalf("completed child was touched by the cascade")
	}
	if len(p.children) != 1 {
		t.Fatalf("cascade must not report children back to the cancelled parent: %+v", p.children)
	}
	if len(p.cancelled) != 1 || p.cancelled[0] != parent {
		t.Fatalf("parent resolver cancel callbacks %v", p.cancelled)
	}
	if req.cancelled[parent] != 1 || req.notifications(parent) != 1 {
		t.Fatalf("requester notifications for parent: %d", req.notifications(parent))
	}
	if m.Len() != 0 {
		t.Fatalf("table should be empty, has %d", m.Len())
	}
}

func TestCompletedParentHasOnlyTerminalChildren(t *testing.T) {
	m, req, audit, _, _, parent, kids := chain(t)
	for _, k := range kids[1:] {
		if err := m.CancelRequest(k); err != nil {
			t.Fatalf("cancel child: %v", err)
		}
	}
	if err := m.UpdateRequestState(kids[0], request.Completed); err != nil {
		t.Fatalf("complete child: %v", err)
	}
	if err := m.UpdateRequestState(parent, request.Completed); err != nil {
		t.Fatalf("complete parent: %v", err)
	}
	if req.completed[parent] != 1 {
		t.Fatalf("parent completion not delivered")
	}
	if len(audit.to(parent, request.Completed)) != 1 {
		t.Fatalf("parent completion not audited")
	}
	for _, k := range kids {
		if _, live := m.GetRequestForToken(k); live {
			t.Fatalf("child %s still live after parent completed", k.Short())
		}
		terminal := len(audit.to(k, request.Completed)) + len(audit.to(k, request.Cancelled))
		if terminal != 1 {
			t.Fatalf("child %s has %d terminal transitions", k.Short(), terminal)
		}
	}
}

func TestChildFailureReportedToParentResolver(t *testing.T) {
	m, _, _, p, _, parent, kids := chain(t)
	if err := m.CancelRequest(kids[2]); err != nil {
		t.Fatalf("cancel child: %v", err)
	}
	if len(p.children) != 1 || p.children[0].success || p.children[0].parent != parent {
		t.Fatalf("expected one failed-child event, got %+v", p.children)
	}
	if _, ok := m.GetRequestForToken(parent); !ok {
		t.Fatalf("parent must survive until its resolver decides")
	}
}

func TestCycleIsFatalForThatRequestOnly(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	loop := newStub(1, world.HexCoord{})
	loop.outcome = func(r *request.Request) resolver.Outcome {
		return resolver.ClaimedWithChildren(r.Payload)
	}
	loop.accept = func(r *request.Request) bool { return r.Payload.Equal(planks(8)) }
	ok := newStub(2, world.HexCoord{})
	mustRegister(t, m, loop)
	mustRegister(t, m, ok)

	bad := mustCreate(t, m, req.ID(), origin, planks(8))
	good := mustCreate(t, m, req.ID(), origin, planks(9))
	rep := m.Tick(context.Background(), 1)
	if rep.Violations != 1 {
		t.Fatalf("violations %d want 1", rep.Violations)
	}
	if _, live := m.GetRequestForToken(bad); live || req.cancelled[bad] != 1 {
		t.Fatalf("cyclic request should be cancelled and reported")
	}
	if len(loop.cancelled) != 1 {
		t.Fatalf("claiming resolver should hear about the cancellation")
	}
	g, live := m.GetRequestForToken(good)
	if !live || g.State != request.InProgress {
		t.Fatalf("unrelated request hurt by the violation")
	}
	if m.Len() != 1 {
		t.Fatalf("no child may be created for a rejected claim, table has %d", m.Len())
	}
}

func TestChainDepthLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChainDepth = 2
	m, req, _ := newManager(t, cfg)
	n := 0
	deep := newStub(1, world.HexCoord{})
	deep.outcome = func(*request.Request) resolver.Outcome {
		n++
		return resolver.ClaimedWithChildren(planks(100 + n))
	}
	mustRegister(t, m, deep)
	root := mustCreate(t, m, req.ID(), origin, planks(1))
	rep := m.Tick(context.Background(), 1)
	if rep.Violations != 1 || rep.ChildrenCreated != 2 {
		t.Fatalf("report %+v", rep)
	}
	if _, ok := m.GetRequestForToken(root); !ok {
		t.Fatalf("root should survive; only the request at the limit is cancelled")
	}
}

func TestStallAdvisory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StalledAfterTicks = 3
	m, req, _ := newManager(t, cfg)
	id := mustCreate(t, m, req.ID(), origin, planks(1))
	for tick := uint64(1); tick <= 7; tick++ {
		m.Tick(context.Background(), tick)
	}
	if len(req.stalls) != 2 || req.stalls[0] != 3 || req.stalls[1] != 6 {
		t.Fatalf("stall advisories %v want [3 6]", req.stalls)
	}
	r, ok := m.GetRequestForToken(id)
	if !ok || r.State != request.Created {
		t.Fatalf("stall must not change the request")
	}
	if m.Stats().Stalled != 1 {
		t.Fatalf("stats stalled %d", m.Stats().Stalled)
	}
}

func TestStallAdvisory_StuckChildReachesRootRequester(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StalledAfterTicks = 3
	m, req, _ := newManager(t, cfg)
	crafter := newStub(10, world.HexCoord{})
	crafter.accept = func(r *request.Request) bool { return r.Parent == nil }
	crafter.outcome = func(*request.Request) resolver.Outcome {
		return resolver.ClaimedWithChildren(item("nails", 4))
	}
	mustRegister(t, m, crafter)

	root := mustCreate(t, m, req.ID(), origin, planks(2))
	for tick := uint64(1); tick <= 3; tick++ {
		m.Tick(context.Background(), tick)
	}
	var child token.Token
	for _, r := range m.Snapshot() {
		if r.Parent != nil && *r.Parent == root {
			child = r.ID
		}
	}
	if child.IsZero() {
		t.Fatalf("child not created")
	}
	if len(req.stalled) != 1 || req.stalled[0] != child || req.stalls[0] != 3 {
		t.Fatalf("stalled %v ticks %v want the child at 3", req.stalled, req.stalls)
	}
}

func TestUnregisterResolverReleasesClaims(t *testing.T) {
	m, _, _, p, w, parent, kids := chain(t)
	if err := m.UnregisterResolver(p.ID()); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	pr, ok := m.GetRequestForToken(parent)
	if !ok || pr.State != request.Created || pr.Assigned() || len(pr.Children) != 0 {
		t.Fatalf("parent after unregister %+v", pr)
	}
	for _, k := range kids {
		if _, live := m.GetRequestForToken(k); live {
			t.Fatalf("child %s survived its parent's release", k.Short())
		}
	}
	if len(p.cancelled) != 1 || p.cancelled[0] != parent {
		t.Fatalf("unregistered resolver callbacks %v", p.cancelled)
	}
	if len(w.cancelled) != 1 || w.cancelled[0] != kids[0] {
		t.Fatalf("child resolver should release its claim, got %v", w.cancelled)
	}
	if err := m.UnregisterResolver(p.ID()); !errors.Is(err, ErrUnknownResolver) {
		t.Fatalf("second unregister: %v", err)
	}
}

func TestReassignReturnsRequestToCreated(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	first := newStub(1, world.HexCoord{})
	second := newStub(2, world.HexCoord{})
	mustRegister(t, m, first)
	mustRegister(t, m, second)
	id := mustCreate(t, m, req.ID(), origin, planks(1))
	m.Tick(context.Background(), 1)

	if err := m.Reassign(id); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	r, _ := m.GetRequestForToken(id)
	if r.State != request.Created || r.Assigned() {
		t.Fatalf("after reassign %+v", r)
	}
	if len(first.cancelled) != 1 {
		t.Fatalf("previous resolver not told")
	}
	first.accept = func(*request.Request) bool { return false }
	m.Tick(context.Background(), 2)
	r, _ = m.GetRequestForToken(id)
	if *r.ResolverID != second.ID() {
		t.Fatalf("request should move on to the next resolver")
	}
	if req.notifications(id) != 0 {
		t.Fatalf("reassign is not terminal")
	}
}

func TestUpdateRequestStateRejectsNonTerminal(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	id := mustCreate(t, m, req.ID(), origin, planks(1))
	if err := m.UpdateRequestState(id, request.InProgress); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("got %v", err)
	}
	if err := m.UpdateRequestState(id, request.Completed); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("CREATED → COMPLETED: %v", err)
	}
	if err := m.UpdateRequestState(id, request.Cancelled); err != nil {
		t.Fatalf("CREATED → CANCELLED: %v", err)
	}
	if req.cancelled[id] != 1 {
		t.Fatalf("cancellation not delivered")
	}
}

func TestUnregisterRequesterCancelsItsRequests(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	other := newRecorder()
	_ = m.RegisterRequester(other)
	a := mustCreate(t, m, req.ID(), origin, planks(1))
	b := mustCreate(t, m, other.ID(), origin, planks(2))
	if n := m.UnregisterRequester(req.ID()); n != 1 {
		t.Fatalf("cancelled %d want 1", n)
	}
	if _, ok := m.GetRequestForToken(a); ok {
		t.Fatalf("request of departed requester survived")
	}
	if _, ok := m.GetRequestForToken(b); !ok {
		t.Fatalf("other requester's request was cancelled")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m, _, _, p, w, _, _ := chain(t)
	snap := m.Snapshot()
	codec := request.DefaultCodec()
	var records [][]byte
	for _, r := range snap {
		b, err := codec.Encode(r)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		records = append(records, b)
	}
	decoded, dropped := codec.DecodeAll(records)
	if dropped != 0 {
		t.Fatalf("dropped %d", dropped)
	}

	restored := New(m.Colony(), DefaultConfig())
	if n := restored.Restore(decoded); n != 0 {
		t.Fatalf("restore dropped %d", n)
	}
	again := restored.Snapshot()
	if len(again) != len(snap) {
		t.Fatalf("restored %d of %d", len(again), len(snap))
	}
	for i := range snap {
		if !again[i].Equal(snap[i]) {
			t.Fatalf("record %d differs after restore:\n got %+v\nwant %+v", i, again[i], snap[i])
		}
	}

	// Resolvers come back with the same identities; nothing is released.
	mustRegister(t, restored, p)
	mustRegister(t, restored, w)
	rep := restored.Tick(context.Background(), 2)
	if rep.Released != 0 {
		t.Fatalf("released %d claims of registered resolvers", rep.Released)
	}
	id, err := restored.CreateRequest(token.New(), origin, planks(1))
	if err != nil {
		t.Fatalf("create after restore: %v", err)
	}
	r, _ := restored.GetRequestForToken(id)
	if r.CreatedSeq <= snap[len(snap)-1].CreatedSeq {
		t.Fatalf("sequence not continued after restore")
	}
}

func TestRestoreDropsBadRecordsAndReleasesOrphans(t *testing.T) {
	m := New(token.New(), DefaultConfig())
	gone := token.New()
	root := request.New(token.New(), token.New(), origin, planks(1))
	root.State = request.InProgress
	root.ResolverID = request.Ptr(gone)
	root.CreatedSeq = 1
	dup := root.Clone()
	orphan := request.New(token.New(), gone, origin, planks(2))
	orphan.Parent = request.Ptr(token.New())
	orphan.CreatedSeq = 2
	done := request.New(token.New(), token.New(), origin, planks(3))
	done.State = request.Completed

	if n := m.Restore([]*request.Request{root, dup, orphan, done, nil}); n != 4 {
		t.Fatalf("dropped %d want 4", n)
	}
	rep := m.Tick(context.Background(), 1)
	if rep.Released != 1 {
		t.Fatalf("released %d want 1", rep.Released)
	}
	r, _ := m.GetRequestForToken(root.ID)
	if r.State != request.Created || r.Assigned() {
		t.Fatalf("orphaned claim not released: %+v", r)
	}
}

func TestChangesDrain(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	mustRegister(t, m, newStub(1, world.HexCoord{}))
	a := mustCreate(t, m, req.ID(), origin, planks(1))
	b := mustCreate(t, m, req.ID(), origin, planks(2))
	cs := m.Changes()
	if len(cs.Updated) != 2 || cs.Updated[0].ID != a {
		t.Fatalf("first drain %+v", cs)
	}
	if !m.Changes().Empty() {
		t.Fatalf("drain should reset")
	}
	m.Tick(context.Background(), 1)
	_ = m.CancelRequest(b)
	cs = m.Changes()
	if len(cs.Updated) != 1 || cs.Updated[0].ID != a || len(cs.Removed) != 1 || cs.Removed[0] != b {
		t.Fatalf("second drain %+v", cs)
	}
}

func TestAddChildChecksParent(t *testing.T) {
	m, req, _ := newManager(t, DefaultConfig())
	id := mustCreate(t, m, req.ID(), origin, planks(1))
	if _, err := m.AddChild(id, item("sand", 1)); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("unassigned parent: %v", err)
	}
	mustRegister(t, m, newStub(1, world.HexCoord{}))
	m.Tick(context.Background(), 1)
	child, err := m.AddChild(id, item("sand", 1))
	if err != nil {
		t.Fatalf("add child: %v", err)
	}
	if _, err := m.AddChild(id, planks(1)); !errors.Is(err, ErrInvariant) {
		t.Fatalf("child equal to its parent: %v", err)
	}
	c, _ := m.GetRequestForToken(child)
	if *c.Parent != id {
		t.Fatalf("child parent link %v", c.Parent)
	}
}
