// Package request holds the request record and its lifecycle states.
// Only the request manager mutates a live Request; everyone else works on
// clones handed out by the manager.
package request

import (
	"fmt"
	"slices"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
)

// State is the lifecycle state of a request.
type State uint8

const (
	Created State = iota
	InProgress
	Completed
	Cancelled
)

var stateNames = [...]string{"CREATED", "IN_PROGRESS", "COMPLETED", "CANCELLED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", s)
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if n == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown request state %q", s)
}

// Valid reports whether s is one of the four defined states.
func (s State) Valid() bool { return int(s) < len(stateNames) }

// Terminal reports whether s is COMPLETED or CANCELLED.
func (s State) Terminal() bool { return s == Completed || s == Cancelled }

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid request state %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether from → to is a legal transition.
//
//	CREATED → IN_PROGRESS → {COMPLETED, CANCELLED}
//	CREATED → CANCELLED
//	IN_PROGRESS → CREATED   (assigned resolver gives the claim back)
func CanTransition(from, to State) bool {
	switch from {
	case Created:
		return to == InProgress || to == Cancelled
	case InProgress:
		return to == Completed || to == Cancelled || to == Created
	}
	return false
}

// Request binds a token, a requester, a payload and a lifecycle state.
type Request struct {
	ID                token.Token
	RequesterID       token.Token
	RequesterLocation location.Location
	Payload           requestable.Requestable
	State             State
	ResolverID        *token.Token
	Children          []token.Token
	Parent            *token.Token

	// CreatedSeq orders requests by creation for deterministic matching.
	CreatedSeq  uint64
	CreatedTick uint64
	UpdatedTick uint64
}

// New returns a CREATED request.
func New(id, requester token.Token, loc location.Location, payload requestable.Requestable) *Request {
	if loc == nil {
		loc = location.Nowhere{}
	}
	return &Request{
		ID:                id,
		RequesterID:       requester,
		RequesterLocation: loc,
		Payload:           payload,
		State:             Created,
	}
}

// Assigned reports whether a resolver currently holds the request.
func (r *Request) Assigned() bool { return r.ResolverID != nil }

// HasChild reports whether t is one of r's children.
func (r *Request) HasChild(t token.Token) bool {
	return slices.Contains(r.Children, t)
}

// IsChild reports whether r was spawned by another request's resolver.
func (r *Request) IsChild() bool { return r.Parent != nil }

// Clone returns a deep copy. Payload and location values are immutable
// and shared.
func (r *Request) Clone() *Request {
	c := *r
	if r.ResolverID != nil {
		id := *r.ResolverID
		c.ResolverID = &id
	}
	if r.Parent != nil {
		p := *r.Parent
		c.Parent = &p
	}
	c.Children = slices.Clone(r.Children)
	return &c
}

// Equal compares two requests field by field (payloads structurally).
func (r *Request) Equal(o *Request) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID &&
		r.RequesterID == o.RequesterID &&
		location.Equal(r.RequesterLocation, o.RequesterLocation) &&
		payloadEqual(r.Payload, o.Payload) &&
		r.State == o.State &&
		tokenPtrEqual(r.ResolverID, o.ResolverID) &&
		slices.Equal(r.Children, o.Children) &&
		tokenPtrEqual(r.Parent, o.Parent) &&
		r.CreatedSeq == o.CreatedSeq &&
		r.CreatedTick == o.CreatedTick &&
		r.UpdatedTick == o.UpdatedTick
}

func (r *Request) String() string {
	desc := "<nil payload>"
	if r.Payload != nil {
		desc = r.Payload.Describe()
	}
	return fmt.Sprintf("request %s [%s] %s", r.ID.Short(), r.State, desc)
}

func payloadEqual(a, b requestable.Requestable) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

func tokenPtrEqual(a, b *token.Token) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Ptr returns a pointer to a copy of t.
func Ptr(t token.Token) *token.Token { return &t }
