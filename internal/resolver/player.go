package resolver

import (
	"fmt"
	"slices"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
)

// Player is the resolver of last resort: it takes anything nobody else
// could and waits for a human to Fulfil or Refuse it.
type Player struct {
	Base
	Name string

	claimed []token.Token
}

// NewPlayer creates a player resolver at PlayerPriority with no position.
func NewPlayer(id token.Token, name string) *Player {
	return &Player{Base: NewBase(id, PlayerPriority, location.Nowhere{}), Name: name}
}

// CanResolve accepts every request.
func (p *Player) CanResolve(*request.Request) bool { return true }

// AttemptResolve implements Resolver.
func (p *Player) AttemptResolve(_ Context, r *request.Request) Outcome {
	p.claimed = append(p.claimed, r.ID)
	return Claimed()
}

// Adopt takes over a claim restored from a save.
func (p *Player) Adopt(t token.Token) {
	if !slices.Contains(p.claimed, t) {
		p.claimed = append(p.claimed, t)
	}
}

// Claimed returns the tokens waiting on the player, oldest first.
func (p *Player) Claimed() []token.Token { return slices.Clone(p.claimed) }

// Fulfil completes a request the player holds.
func (p *Player) Fulfil(ctx Context, t token.Token) error {
	if !p.release(t) {
		return fmt.Errorf("player %s does not hold %s", p.Name, t.Short())
	}
	return ctx.UpdateRequestState(t, request.Completed)
}

// Refuse cancels a request the player holds.
func (p *Player) Refuse(ctx Context, t token.Token) error {
	if !p.release(t) {
		return fmt.Errorf("player %s does not hold %s", p.Name, t.Short())
	}
	return ctx.UpdateRequestState(t, request.Cancelled)
}

func (p *Player) release(t token.Token) bool {
	i := slices.Index(p.claimed, t)
	if i < 0 {
		return false
	}
	p.claimed = slices.Delete(p.claimed, i, i+1)
	return true
}

// OnChildCompleted implements Resolver. Players never spawn children.
func (p *Player) OnChildCompleted(Context, *request.Request, *request.Request, bool) {}

// OnRequestCancelled forgets the request.
func (p *Player) OnRequestCancelled(_ Context, r *request.Request) { p.release(r.ID) }
