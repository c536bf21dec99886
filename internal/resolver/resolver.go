// Package resolver defines the contracts between the request manager and the
// things that create requests (requesters) or satisfy them (resolvers), plus
// the colony's built-in resolvers.
//
// All callbacks run on the simulation tick goroutine. CanResolve must be a
// pure predicate; AttemptResolve may reserve state but must not block. A
// resolver that has to wait for something returns Declined and is asked
// again next tick, or claims with children.
package resolver

import (
	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
)

// Priorities. Lower is served first.
const (
	DefaultPriority = 100
	PlayerPriority  = 1000
)

// Context is the per-colony handle passed to every callback. It replaces
// any process-wide manager lookup.
type Context interface {
	CurrentTick() uint64
	GetRequestForToken(t token.Token) (*request.Request, bool)
	// UpdateRequestState accepts only COMPLETED and CANCELLED.
	UpdateRequestState(t token.Token, s request.State) error
	CancelRequest(t token.Token) error
	// Reassign gives a claim back: live children are cancelled and the
	// request re-enters CREATED without a resolver.
	Reassign(t token.Token) error
	// AddChild spawns one more child request under a claimed parent.
	AddChild(parent token.Token, payload requestable.Requestable) (token.Token, error)
}

// OutcomeKind is the result of AttemptResolve.
type OutcomeKind uint8

const (
	OutcomeDeclined OutcomeKind = iota
	OutcomeClaimed
	OutcomeClaimedWithChildren
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeClaimed:
		return "claimed"
	case OutcomeClaimedWithChildren:
		return "claimed_with_children"
	default:
		return "declined"
	}
}

// Outcome is what a resolver answers when offered a request.
type Outcome struct {
	Kind     OutcomeKind
	Children []requestable.Requestable
}

// Claimed means the resolver fulfils the request itself.
func Claimed() Outcome { return Outcome{Kind: OutcomeClaimed} }

// Declined passes the request on to the next candidate.
func Declined() Outcome { return Outcome{Kind: OutcomeDeclined} }

// ClaimedWithChildren claims the request and asks for sub-requests, created
// in the given order. With no children it is the same as Claimed.
func ClaimedWithChildren(children ...requestable.Requestable) Outcome {
	if len(children) == 0 {
		return Claimed()
	}
	return Outcome{Kind: OutcomeClaimedWithChildren, Children: children}
}

// Resolver satisfies requests.
type Resolver interface {
	ID() token.Token
	Priority() int
	Location() location.Location
	CanResolve(r *request.Request) bool
	AttemptResolve(ctx Context, r *request.Request) Outcome
	// OnChildCompleted is called once for every child of a request this
	// resolver holds that reaches a terminal state on its own.
	OnChildCompleted(ctx Context, parent, child *request.Request, success bool)
	// OnRequestCancelled is called when a claim held by this resolver is
	// cancelled or taken away.
	OnRequestCancelled(ctx Context, r *request.Request)
}

// Requester receives the terminal notification of its root requests, and
// the stall advisory.
type Requester interface {
	ID() token.Token
	OnRequestCompleted(ctx Context, r *request.Request)
	OnRequestCancelled(ctx Context, r *request.Request)
	OnRequestStalled(ctx Context, r *request.Request, ticks int)
}

// Base carries the static registration data of a resolver. Embed it.
type Base struct {
	id       token.Token
	priority int
	loc      location.Location
}

// NewBase returns a Base. A nil location becomes Nowhere.
func NewBase(id token.Token, priority int, loc location.Location) Base {
	if loc == nil {
		loc = location.Nowhere{}
	}
	return Base{id: id, priority: priority, loc: loc}
}

func (b Base) ID() token.Token             { return b.id }
func (b Base) Priority() int               { return b.priority }
func (b Base) Location() location.Location { return b.loc }
