// Package manager owns a colony's request table and resolver table, runs
// the matching pass every tick and drives every request state transition.
//
// A Manager is not safe for concurrent use. It lives on the simulation tick
// goroutine; other goroutines read the clones returned by Snapshot.
package manager

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/resolver"
	"github.com/talgya/mini-colony/internal/token"
)

// Config tunes the matching pass.
type Config struct {
	// StalledAfterTicks is the number of consecutive unmatched ticks after
	// which the requester gets a stall advisory, and again every multiple
	// of it. Zero disables the advisory.
	StalledAfterTicks int `yaml:"stalled_after_ticks"`
	// MaxChildrenPerClaim bounds the live children of one request.
	MaxChildrenPerClaim int `yaml:"max_children_per_claim"`
	// MaxChainDepth bounds parent → child nesting. A root has depth 0.
	MaxChainDepth int `yaml:"max_chain_depth"`
}

// DefaultConfig returns the stock tuning: a stall advisory every sim-hour.
func DefaultConfig() Config {
	return Config{
		StalledAfterTicks:   60,
		MaxChildrenPerClaim: 16,
		MaxChainDepth:       8,
	}
}

// Auditor receives every transition. It is called on the tick goroutine
// and must not call back into the manager.
type Auditor interface {
	Record(t request.Transition)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenSource replaces the random token source.
func WithTokenSource(src token.Source) Option { return func(m *Manager) { m.tokens = src } }

// WithAuditor installs a transition auditor.
func WithAuditor(a Auditor) Option { return func(m *Manager) { m.audit = a } }

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

type registration struct {
	res   resolver.Resolver
	order uint64
}

// Totals are cumulative counters since the manager was created.
type Totals struct {
	Created    uint64 `json:"created"`
	Completed  uint64 `json:"completed"`
	Cancelled  uint64 `json:"cancelled"`
	Violations uint64 `json:"violations"`
	Stalls     uint64 `json:"stalls"`
}

// Manager is the request manager of one colony.
type Manager struct {
	colony token.Token
	cfg    Config
	tokens token.Source
	audit  Auditor
	log    *slog.Logger

	requests   map[token.Token]*request.Request
	resolvers  map[token.Token]*registration
	order      []*registration // registration order
	nextOrder  uint64
	requesters map[token.Token]resolver.Requester

	seq    uint64
	tick   uint64
	stalls map[token.Token]int

	// Work list of the running matching pass; requests created during the
	// pass are appended so they are matched in the same tick.
	queue  []token.Token
	inPass bool

	// Parents whose children are being cancelled on their behalf; those
	// children are not reported back to the parent's resolver.
	silent map[token.Token]struct{}

	changed map[token.Token]struct{}
	removed []token.Token

	totals Totals
}

var _ resolver.Context = (*Manager)(nil)

// New creates the manager of one colony.
func New(colony token.Token, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		colony:     colony,
		cfg:        cfg,
		tokens:     token.RandomSource{},
		log:        slog.Default(),
		requests:   make(map[token.Token]*request.Request),
		resolvers:  make(map[token.Token]*registration),
		requesters: make(map[token.Token]resolver.Requester),
		stalls:     make(map[token.Token]int),
		silent:     make(map[token.Token]struct{}),
		changed:    make(map[token.Token]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Colony returns the colony token.
func (m *Manager) Colony() token.Token { return m.colony }

// Config returns the active tuning.
func (m *Manager) Config() Config { return m.cfg }

// CurrentTick returns the tick of the last matching pass.
func (m *Manager) CurrentTick() uint64 { return m.tick }

// --- requester API ---

// CreateRequest registers a new request in CREATED state and returns its
// token. It is matched on the next pass (or the running one).
func (m *Manager) CreateRequest(requesterID token.Token, loc location.Location, payload requestable.Requestable) (token.Token, error) {
	if payload == nil {
		return token.Zero, ErrNoPayload
	}
	id := m.tokens.Next()
	if _, dup := m.requests[id]; dup || id.IsZero() {
		m.totals.Violations++
		err := &ViolationError{Token: id, Reason: "duplicate token issued"}
		m.log.Warn("request rejected", "requester", requesterID.Short(), "error", err)
		return token.Zero, err
	}
	r := request.New(id, requesterID, loc, payload)
	m.insert(r)
	return id, nil
}

func (m *Manager) insert(r *request.Request) {
	m.seq++
	r.CreatedSeq = m.seq
	r.CreatedTick = m.tick
	r.UpdatedTick = m.tick
	m.requests[r.ID] = r
	m.totals.Created++
	m.touch(r.ID)
	m.record(r, request.Created, request.Created, "created")
	if m.inPass {
		m.queue = append(m.queue, r.ID)
	}
}

// GetRequestForToken returns a copy of a live request. Terminal tokens are
// gone from the table and report false forever after.
func (m *Manager) GetRequestForToken(t token.Token) (*request.Request, bool) {
	r, ok := m.requests[t]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// CancelRequest cancels a live request and, first, all its live
// descendants.
func (m *Manager) CancelRequest(t token.Token) error {
	r, ok := m.requests[t]
	if !ok {
		return fmt.Errorf("cancel %s: %w", t.Short(), ErrUnknownToken)
	}
	return m.terminate(r, request.Cancelled, "cancelled")
}

// UpdateRequestState moves a request to COMPLETED or CANCELLED. Completion
// needs an IN_PROGRESS request with no live children.
func (m *Manager) UpdateRequestState(t token.Token, s request.State) error {
	if !s.Terminal() {
		return fmt.Errorf("update %s to %s: %w", t.Short(), s, ErrNotTerminal)
	}
	r, ok := m.requests[t]
	if !ok {
		return fmt.Errorf("update %s: %w", t.Short(), ErrUnknownToken)
	}
	if s == request.Completed {
		if r.State != request.InProgress {
			return &TransitionError{Token: t, From: r.State, To: s}
		}
		if m.hasLiveChildren(r) {
			return fmt.Errorf("complete %s: %w", t.Short(), ErrLiveChildren)
		}
		return m.terminate(r, s, "completed")
	}
	return m.terminate(r, s, "cancelled")
}

// Reassign takes a request away from its resolver: live children are
// cancelled, the request returns to CREATED and the resolver is told
// through OnRequestCancelled.
func (m *Manager) Reassign(t token.Token) error {
	r, ok := m.requests[t]
	if !ok {
		return fmt.Errorf("reassign %s: %w", t.Short(), ErrUnknownToken)
	}
	if r.ResolverID == nil {
		return fmt.Errorf("reassign %s: %w", t.Short(), ErrNotAssigned)
	}
	var res resolver.Resolver
	if reg, ok := m.resolvers[*r.ResolverID]; ok {
		res = reg.res
	}
	held := m.release(r, "reassigned")
	if res != nil && held != nil {
		res.OnRequestCancelled(m, held)
	}
	return nil
}

// AddChild spawns another child under a claimed parent. The resolver that
// holds the parent becomes the child's requester.
func (m *Manager) AddChild(parent token.Token, payload requestable.Requestable) (token.Token, error) {
	p, ok := m.requests[parent]
	if !ok {
		return token.Zero, fmt.Errorf("add child to %s: %w", parent.Short(), ErrUnknownToken)
	}
	if p.ResolverID == nil || p.State == request.Cancelled {
		return token.Zero, fmt.Errorf("add child to %s: %w", parent.Short(), ErrNotAssigned)
	}
	reg, ok := m.resolvers[*p.ResolverID]
	if !ok {
		return token.Zero, fmt.Errorf("add child to %s: %w", parent.Short(), ErrUnknownResolver)
	}
	if err := m.validateChildren(p, []requestable.Requestable{payload}, m.liveChildren(p)); err != nil {
		return token.Zero, err
	}
	c, err := m.createChild(p, reg.res, payload)
	if err != nil {
		return token.Zero, err
	}
	return c.ID, nil
}

// --- registration API ---

// RegisterResolver adds a resolver. Registration order breaks ties.
func (m *Manager) RegisterResolver(res resolver.Resolver) error {
	if res == nil || res.ID().IsZero() {
		return fmt.Errorf("register resolver: %w: zero id", ErrInvariant)
	}
	if _, dup := m.resolvers[res.ID()]; dup {
		return fmt.Errorf("register resolver %s: %w", res.ID().Short(), ErrDuplicateResolver)
	}
	reg := &registration{res: res, order: m.nextOrder}
	m.nextOrder++
	m.resolvers[res.ID()] = reg
	m.order = append(m.order, reg)
	m.log.Debug("resolver registered", "resolver", res.ID().Short(), "priority", res.Priority())
	return nil
}

// UnregisterResolver removes a resolver. Every request it holds has its
// live children cancelled and goes back to CREATED; the resolver gets
// OnRequestCancelled for each.
func (m *Manager) UnregisterResolver(id token.Token) error {
	reg, ok := m.resolvers[id]
	if !ok {
		return fmt.Errorf("unregister resolver %s: %w", id.Short(), ErrUnknownResolver)
	}
	delete(m.resolvers, id)
	m.order = slices.DeleteFunc(m.order, func(r *registration) bool { return r == reg })

	held := 0
	for _, r := range m.sortedRequests(func(r *request.Request) bool {
		return r.ResolverID != nil && *r.ResolverID == id
	}) {
		if cur, live := m.requests[r.ID]; !live || cur.ResolverID == nil || *cur.ResolverID != id {
			continue
		}
		if snap := m.release(r, "resolver unregistered"); snap != nil {
			reg.res.OnRequestCancelled(m, snap)
			held++
		}
	}
	m.log.Debug("resolver unregistered", "resolver", id.Short(), "released", held)
	return nil
}

// Resolver looks up a registered resolver.
func (m *Manager) Resolver(id token.Token) (resolver.Resolver, bool) {
	reg, ok := m.resolvers[id]
	if !ok {
		return nil, false
	}
	return reg.res, true
}

// ResolverInfo describes one registration.
type ResolverInfo struct {
	ID       token.Token       `json:"id"`
	Priority int               `json:"priority"`
	Location location.Location `json:"-"`
	Order    uint64            `json:"order"`
	Held     int               `json:"held"`
}

// Resolvers lists the registrations in registration order.
func (m *Manager) Resolvers() []ResolverInfo {
	held := make(map[token.Token]int)
	for _, r := range m.requests {
		if r.ResolverID != nil {
			held[*r.ResolverID]++
		}
	}
	out := make([]ResolverInfo, 0, len(m.order))
	for _, reg := range m.order {
		out = append(out, ResolverInfo{
			ID:       reg.res.ID(),
			Priority: reg.res.Priority(),
			Location: reg.res.Location(),
			Order:    reg.order,
			Held:     held[reg.res.ID()],
		})
	}
	return out
}

// RegisterRequester installs the callbacks for a requester id.
func (m *Manager) RegisterRequester(req resolver.Requester) error {
	if _, dup := m.requesters[req.ID()]; dup {
		return fmt.Errorf("register requester %s: %w", req.ID().Short(), ErrDuplicateRequester)
	}
	m.requesters[req.ID()] = req
	return nil
}

// UnregisterRequester cancels the live root requests of a requester that
// is going away, then forgets it. It returns the number cancelled.
func (m *Manager) UnregisterRequester(id token.Token) int {
	n := 0
	for _, r := range m.sortedRequests(func(r *request.Request) bool {
		return r.RequesterID == id && r.Parent == nil
	}) {
		if _, live := m.requests[r.ID]; !live {
			continue
		}
		if err := m.terminate(r, request.Cancelled, "requester gone"); err == nil {
			n++
		}
	}
	delete(m.requesters, id)
	return n
}

// --- state transitions ---

// terminate moves r to a terminal state, removes it from the table and
// delivers its single terminal notification. Cancellation reaches the live
// children first.
func (m *Manager) terminate(r *request.Request, to request.State, reason string) error {
	from := r.State
	if from == request.Cancelled && to == request.Cancelled {
		// Already being cancelled further up the stack.
		return nil
	}
	if !request.CanTransition(from, to) {
		return &TransitionError{Token: r.ID, From: from, To: to}
	}
	if to == request.Cancelled {
		r.State = request.Cancelled
		m.cancelChildren(r, "parent cancelled")
	}
	r.State = to
	r.UpdatedTick = m.tick
	delete(m.requests, r.ID)
	delete(m.stalls, r.ID)
	delete(m.changed, r.ID)
	m.removed = append(m.removed, r.ID)
	if to == request.Completed {
		m.totals.Completed++
	} else {
		m.totals.Cancelled++
	}
	m.record(r, from, to, reason)

	snap := r.Clone()
	if to == request.Cancelled && r.ResolverID != nil {
		if reg, ok := m.resolvers[*r.ResolverID]; ok {
			reg.res.OnRequestCancelled(m, snap)
		}
	}
	m.notify(snap, to)
	return nil
}

// notify delivers the terminal notification: the parent's resolver for a
// child, the requester for a root.
func (m *Manager) notify(r *request.Request, to request.State) {
	if r.Parent != nil {
		parent, ok := m.requests[*r.Parent]
		if !ok || parent.State == request.Cancelled || parent.ResolverID == nil {
			return
		}
		if _, quiet := m.silent[parent.ID]; quiet {
			return
		}
		reg, ok := m.resolvers[*parent.ResolverID]
		if !ok {
			return
		}
		reg.res.OnChildCompleted(m, parent.Clone(), r, to == request.Completed)
		return
	}
	req, ok := m.requesters[r.RequesterID]
	if !ok {
		m.log.Debug("no requester for terminal request", "token", r.ID.Short(), "requester", r.RequesterID.Short())
		return
	}
	if to == request.Completed {
		req.OnRequestCompleted(m, r)
	} else {
		req.OnRequestCancelled(m, r)
	}
}

func (m *Manager) cancelChildren(r *request.Request, reason string) {
	if len(r.Children) == 0 {
		return
	}
	m.silent[r.ID] = struct{}{}
	defer delete(m.silent, r.ID)
	for _, ct := range slices.Clone(r.Children) {
		c, ok := m.requests[ct]
		if !ok {
			continue
		}
		if err := m.terminate(c, request.Cancelled, reason); err != nil {
			m.log.Warn("child cancel failed", "parent", r.ID.Short(), "child", ct.Short(), "error", err)
		}
	}
}

// release drops r's claim: live children are cancelled, the resolver is
// cleared and r is CREATED again. It returns r as its resolver held it, or
// nil if r vanished meanwhile.
func (m *Manager) release(r *request.Request, reason string) *request.Request {
	held := r.Clone()
	m.cancelChildren(r, reason)
	if _, live := m.requests[r.ID]; !live {
		return nil
	}
	from := r.State
	r.State = request.Created
	r.ResolverID = nil
	r.Children = nil
	r.UpdatedTick = m.tick
	delete(m.stalls, r.ID)
	m.touch(r.ID)
	m.record(r, from, request.Created, reason)
	return held
}

// assign gives r to res. to is IN_PROGRESS for a direct claim, CREATED
// for a claim with children (work starts when a child is assigned).
func (m *Manager) assign(r *request.Request, res resolver.Resolver, to request.State, reason string) {
	from := r.State
	id := res.ID()
	r.ResolverID = &id
	r.State = to
	r.UpdatedTick = m.tick
	delete(m.stalls, r.ID)
	m.touch(r.ID)
	m.record(r, from, to, reason)
	if r.Parent != nil {
		m.startParent(*r.Parent)
	}
}

// startParent moves a claimed parent that is still waiting to IN_PROGRESS.
func (m *Manager) startParent(t token.Token) {
	p, ok := m.requests[t]
	if !ok || p.State != request.Created || p.ResolverID == nil {
		return
	}
	p.State = request.InProgress
	p.UpdatedTick = m.tick
	m.touch(p.ID)
	m.record(p, request.Created, request.InProgress, "child assigned")
}

func (m *Manager) createChild(parent *request.Request, res resolver.Resolver, payload requestable.Requestable) (*request.Request, error) {
	id := m.tokens.Next()
	if _, dup := m.requests[id]; dup || id.IsZero() {
		m.totals.Violations++
		return nil, &ViolationError{Token: id, Reason: "duplicate token issued"}
	}
	c := request.New(id, res.ID(), res.Location(), payload)
	c.Parent = request.Ptr(parent.ID)
	parent.Children = append(parent.Children, id)
	m.touch(parent.ID)
	m.insert(c)
	return c, nil
}

// validateChildren checks a batch of child payloads against the cycle,
// depth and fan-out limits before any child is created.
func (m *Manager) validateChildren(parent *request.Request, payloads []requestable.Requestable, live int) error {
	if limit := m.cfg.MaxChildrenPerClaim; limit > 0 && live+len(payloads) > limit {
		return &ViolationError{Token: parent.ID, Reason: fmt.Sprintf("%d children exceed limit %d", live+len(payloads), limit)}
	}
	depth := m.depth(parent)
	if limit := m.cfg.MaxChainDepth; limit > 0 && depth+1 > limit {
		return &ViolationError{Token: parent.ID, Reason: fmt.Sprintf("chain depth %d exceeds limit %d", depth+1, limit)}
	}
	for _, p := range payloads {
		if p == nil {
			return &ViolationError{Token: parent.ID, Reason: "child without payload"}
		}
		if anc := m.ancestorWith(parent, p); anc != nil {
			return &ViolationError{Token: parent.ID, Reason: fmt.Sprintf("child %q re-enters ancestor %s", p.Describe(), anc.ID.Short())}
		}
	}
	return nil
}

// ancestorWith walks from r up to the root and returns the first request
// whose payload equals p.
func (m *Manager) ancestorWith(r *request.Request, p requestable.Requestable) *request.Request {
	for steps := 0; r != nil && steps <= len(m.requests); steps++ {
		if r.Payload != nil && r.Payload.Equal(p) {
			return r
		}
		if r.Parent == nil {
			return nil
		}
		r = m.requests[*r.Parent]
	}
	return nil
}

func (m *Manager) depth(r *request.Request) int {
	d := 0
	for r != nil && r.Parent != nil && d <= len(m.requests) {
		r = m.requests[*r.Parent]
		d++
	}
	return d
}

func (m *Manager) liveChildren(r *request.Request) int {
	n := 0
	for _, c := range r.Children {
		if _, ok := m.requests[c]; ok {
			n++
		}
	}
	return n
}

func (m *Manager) hasLiveChildren(r *request.Request) bool { return m.liveChildren(r) > 0 }

func (m *Manager) touch(t token.Token) { m.changed[t] = struct{}{} }

func (m *Manager) record(r *request.Request, from, to request.State, reason string) {
	m.log.Debug("request transition", "token", r.ID.Short(), "from", from, "to", to, "reason", reason)
	if m.audit == nil {
		return
	}
	tr := request.Transition{
		Tick:   m.tick,
		Token:  r.ID,
		From:   from,
		To:     to,
		Reason: reason,
	}
	if r.Parent != nil {
		tr.Parent = request.Ptr(*r.Parent)
	}
	if r.ResolverID != nil {
		tr.Resolver = request.Ptr(*r.ResolverID)
	}
	m.audit.Record(tr)
}

// sortedRequests returns the live requests matching keep in creation order.
func (m *Manager) sortedRequests(keep func(*request.Request) bool) []*request.Request {
	out := make([]*request.Request, 0)
	for _, r := range m.requests {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *request.Request) int { return cmp.Compare(a.CreatedSeq, b.CreatedSeq) })
	return out
}
