// Package jobs holds the colony's people: citizens who raise requests when
// their needs run low, and the deliverymen who carry items between them.
package jobs

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/resolver"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/world"
)

// Creator is the part of the request manager a citizen talks to.
type Creator interface {
	CreateRequest(requesterID token.Token, loc location.Location, payload requestable.Requestable) (token.Token, error)
}

// Occupation is a citizen's job.
type Occupation uint8

const (
	OccupationFarmer Occupation = iota
	OccupationMiner
	OccupationForester
	OccupationBuilder
	OccupationBaker
	OccupationGuard
)

var occupationNames = [...]string{"farmer", "miner", "forester", "builder", "baker", "guard"}

func (o Occupation) String() string {
	if int(o) < len(occupationNames) {
		return occupationNames[o]
	}
	return fmt.Sprintf("occupation(%d)", o)
}

// ToolClass is the tool the occupation works with, or "" for none.
func (o Occupation) ToolClass() string {
	switch o {
	case OccupationFarmer:
		return "hoe"
	case OccupationMiner:
		return "pickaxe"
	case OccupationForester, OccupationBuilder:
		return "axe"
	default:
		return ""
	}
}

// NeedType enumerates what a citizen can run short of.
type NeedType uint8

const (
	NeedNone NeedType = iota
	NeedFood
	NeedTools
)

func (n NeedType) String() string {
	switch n {
	case NeedFood:
		return "food"
	case NeedTools:
		return "tools"
	default:
		return "none"
	}
}

// urgent is the level below which a need turns into a request.
const urgent = 0.3

// StarveHours is how long a citizen survives with no food at all.
const StarveHours = 48

// recentNotices is how many settled tokens a citizen remembers.
const recentNotices = 64

// Needs tracks how satisfied each need is, from 0.0 (unmet) to 1.0.
type Needs struct {
	Food  float32 `json:"food"`
	Tools float32 `json:"tools"`
}

// Priority returns the most urgent unmet need. Hunger comes first.
func (n *Needs) Priority() NeedType {
	if n.Food < urgent {
		return NeedFood
	}
	if n.Tools < urgent {
		return NeedTools
	}
	return NeedNone
}

// Decay lowers every need by one hour's worth of use.
func (n *Needs) Decay() {
	n.Food = clamp(n.Food - 0.04)
	n.Tools = clamp(n.Tools - 0.01)
}

func clamp(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// FoodRequest is what a hungry citizen asks for.
var FoodRequest = requestable.Acquisition{
	Predicate: requestable.ItemPredicate{Tag: "food", MaxDamage: -1},
	MinCount:  2,
}

// Citizen is a requester living in the colony.
type Citizen struct {
	id         token.Token
	Name       string         `json:"name"`
	Occupation Occupation     `json:"occupation"`
	Position   world.HexCoord `json:"position"`
	Home       world.HexCoord `json:"home"`
	Needs      Needs          `json:"needs"`
	Alive      bool           `json:"alive"`

	outstanding map[token.Token]requestable.Requestable
	recent      []token.Token // ring of settled tokens, newest last
	starving    int

	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
	Stalled    int `json:"stalled"`
	Duplicates int `json:"duplicates"` // notices for tokens not outstanding
}

var _ resolver.Requester = (*Citizen)(nil)

// NewCitizen creates a living citizen at home with full needs.
func NewCitizen(id token.Token, name string, occ Occupation, home world.HexCoord) *Citizen {
	return &Citizen{
		id:          id,
		Name:        name,
		Occupation:  occ,
		Position:    home,
		Home:        home,
		Needs:       Needs{Food: 1, Tools: 1},
		Alive:       true,
		outstanding: make(map[token.Token]requestable.Requestable),
	}
}

// ID implements resolver.Requester.
func (c *Citizen) ID() token.Token { return c.id }

// Location is where the citizen stands. It stops resolving once the
// citizen is dead.
func (c *Citizen) Location() location.Location {
	e := location.Entity{ID: c.id, Pos: c.Position, Known: true}
	if !c.Alive {
		return e.Stale()
	}
	return e
}

// Request raises a request for payload unless an equal one is already
// outstanding.
func (c *Citizen) Request(m Creator, payload requestable.Requestable) (token.Token, error) {
	for t, p := range c.outstanding {
		if p.Equal(payload) {
			return t, nil
		}
	}
	t, err := m.CreateRequest(c.id, c.Location(), payload)
	if err != nil {
		return token.Zero, fmt.Errorf("citizen %s: %w", c.Name, err)
	}
	c.outstanding[t] = payload
	return t, nil
}

// Think turns the most urgent need into a request. It returns false when
// nothing was asked for.
func (c *Citizen) Think(m Creator) bool {
	if !c.Alive {
		return false
	}
	var payload requestable.Requestable
	switch c.Needs.Priority() {
	case NeedFood:
		payload = FoodRequest
	case NeedTools:
		class := c.Occupation.ToolClass()
		if class == "" {
			c.Needs.Tools = 1
			return false
		}
		payload = requestable.Tool{Class: class, MinLevel: 0, MaxLevel: -1}
	default:
		return false
	}
	if c.awaiting(payload) {
		return false
	}
	if _, err := c.Request(m, payload); err != nil {
		slog.Warn("citizen request failed", "citizen", c.Name, "error", err)
		return false
	}
	return true
}

// Adopt tracks a request restored from a save as outstanding.
func (c *Citizen) Adopt(t token.Token, payload requestable.Requestable) {
	c.outstanding[t] = payload
}

func (c *Citizen) awaiting(p requestable.Requestable) bool {
	for _, q := range c.outstanding {
		if q.Equal(p) {
			return true
		}
	}
	return false
}

// Outstanding returns the number of requests still open.
func (c *Citizen) Outstanding() int { return len(c.outstanding) }

// Notifications returns how many terminal notifications arrived for t
// among the recently settled tokens.
func (c *Citizen) Notifications(t token.Token) int {
	n := 0
	for _, r := range c.recent {
		if r == t {
			n++
		}
	}
	return n
}

// OnRequestCompleted restores the need the request was for.
func (c *Citizen) OnRequestCompleted(_ resolver.Context, r *request.Request) {
	c.settle(r)
	c.Completed++
	switch r.Payload.(type) {
	case requestable.Acquisition:
		c.Needs.Food = 1
	case requestable.Tool:
		c.Needs.Tools = 1
	}
	slog.Debug("request completed", "citizen", c.Name, "token", r.ID.Short(), "payload", r.Payload.Describe())
}

// OnRequestCancelled forgets the request; the need will raise a new one.
func (c *Citizen) OnRequestCancelled(_ resolver.Context, r *request.Request) {
	c.settle(r)
	c.Cancelled++
}

// OnRequestStalled implements resolver.Requester.
func (c *Citizen) OnRequestStalled(_ resolver.Context, r *request.Request, ticks int) {
	c.Stalled++
	slog.Info("citizen still waiting", "citizen", c.Name, "payload", r.Payload.Describe(), "ticks", ticks)
}

func (c *Citizen) settle(r *request.Request) {
	if _, ok := c.outstanding[r.ID]; !ok {
		c.Duplicates++
		slog.Warn("notice for request not outstanding", "citizen", c.Name, "token", r.ID.Short())
	}
	delete(c.outstanding, r.ID)
	if len(c.recent) == recentNotices {
		c.recent = slices.Delete(c.recent, 0, 1)
	}
	c.recent = append(c.recent, r.ID)
}

// Starve counts an hour on an empty stomach and reports true on the hour
// the citizen dies of it. Any food resets the count.
func (c *Citizen) Starve() bool {
	if !c.Alive {
		return false
	}
	if c.Needs.Food > 0 {
		c.starving = 0
		return false
	}
	c.starving++
	if c.starving < StarveHours {
		return false
	}
	c.Die()
	return true
}

// Die marks the citizen dead. Open requests stay with the manager until
// the requester is unregistered.
func (c *Citizen) Die() { c.Alive = false }

// State is the part of a citizen that survives a restart.
type State struct {
	Needs     Needs `json:"needs"`
	Alive     bool  `json:"alive"`
	Starving  int   `json:"starving"`
	Completed int   `json:"completed"`
	Cancelled int   `json:"cancelled"`
	Stalled   int   `json:"stalled"`
}

// Save captures the citizen's state.
func (c *Citizen) Save() State {
	return State{
		Needs:     c.Needs,
		Alive:     c.Alive,
		Starving:  c.starving,
		Completed: c.Completed,
		Cancelled: c.Cancelled,
		Stalled:   c.Stalled,
	}
}

// Load applies saved state. Outstanding requests are adopted separately.
func (c *Citizen) Load(s State) {
	c.Needs = s.Needs
	c.Alive = s.Alive
	c.starving = s.Starving
	c.Completed = s.Completed
	c.Cancelled = s.Cancelled
	c.Stalled = s.Stalled
}
