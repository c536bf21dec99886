package manager

import (
	"errors"
	"fmt"

	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
)

var (
	ErrUnknownToken       = errors.New("manager: unknown request token")
	ErrNoPayload          = errors.New("manager: request has no payload")
	ErrNotTerminal        = errors.New("manager: only COMPLETED or CANCELLED may be set")
	ErrLiveChildren       = errors.New("manager: request still has live children")
	ErrNotAssigned        = errors.New("manager: request has no resolver")
	ErrIllegalTransition  = errors.New("manager: illegal state transition")
	ErrDuplicateResolver  = errors.New("manager: resolver already registered")
	ErrUnknownResolver    = errors.New("manager: unknown resolver")
	ErrDuplicateRequester = errors.New("manager: requester already registered")
	ErrInvariant          = errors.New("manager: invariant violation")
)

// TransitionError reports a state change the state machine forbids.
type TransitionError struct {
	Token    token.Token
	From, To request.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("manager: request %s cannot go from %s to %s", e.Token.Short(), e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// ViolationError reports a request that broke a table invariant (a cycle,
// a chain that is too deep, a duplicate token). Only that request is hit.
type ViolationError struct {
	Token  token.Token
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("manager: request %s: %s", e.Token.Short(), e.Reason)
}

func (e *ViolationError) Unwrap() error { return ErrInvariant }
