package engine

import (
	"github.com/talgya/mini-colony/internal/manager"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/world"
)

// ResolverView describes one resolver for readers off the tick goroutine.
type ResolverView struct {
	ID       token.Token     `json:"id"`
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Priority int             `json:"priority"`
	Held     int             `json:"held"`
	Position *world.HexCoord `json:"position,omitempty"`
	Queue    []token.Token   `json:"queue,omitempty"`
}

// CitizenView describes one citizen.
type CitizenView struct {
	ID          token.Token    `json:"id"`
	Name        string         `json:"name"`
	Occupation  string         `json:"occupation"`
	Position    world.HexCoord `json:"position"`
	Food        float32        `json:"food"`
	Tools       float32        `json:"tools"`
	Alive       bool           `json:"alive"`
	Outstanding int            `json:"outstanding"`
	Completed   int            `json:"completed"`
	Cancelled   int            `json:"cancelled"`
	Stalled     int            `json:"stalled"`
}

// Published is the read-only copy of colony state handed to the API. It is
// replaced whole after every tick and never mutated in place.
type Published struct {
	Colony     token.Token        `json:"colony"`
	Tick       uint64             `json:"tick"`
	SimTime    string             `json:"sim_time"`
	Requests   []*request.Request `json:"-"`
	Stats      manager.Stats      `json:"stats"`
	Report     manager.TickReport `json:"last_tick"`
	Activity   ColonyStats        `json:"activity"`
	Resolvers  []ResolverView     `json:"resolvers"`
	Citizens   []CitizenView      `json:"citizens"`
	Structures []Structure        `json:"structures"`
}

// Published returns the state as of the last tick.
func (c *Colony) Published() Published {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// publish rebuilds the read-only copy. Request copies are only rebuilt when
// something changed.
func (c *Colony) publish(requestsChanged bool) {
	p := Published{
		Colony:   c.ID,
		Tick:     c.LastTick,
		SimTime:  SimTime(c.LastTick),
		Stats:    c.Manager.Stats(),
		Report:   c.report,
		Activity: c.Stats,
	}
	c.mu.RLock()
	p.Requests = c.published.Requests
	c.mu.RUnlock()
	if requestsChanged || p.Requests == nil {
		p.Requests = c.Manager.Snapshot()
	}

	kinds := make(map[token.Token]string)
	queues := make(map[token.Token][]token.Token)
	for _, w := range c.Warehouses {
		kinds[w.ID()] = "warehouse"
	}
	for _, cr := range c.Crafters {
		kinds[cr.ID()] = "crafter"
	}
	for _, b := range c.Builders {
		kinds[b.ID()] = "builder"
	}
	for _, d := range c.Deliverymen {
		kinds[d.ID()] = "deliveryman"
		queues[d.ID()] = d.TaskQueue()
	}
	kinds[c.Player.ID()] = "player"
	for _, info := range c.Manager.Resolvers() {
		rv := ResolverView{
			ID:       info.ID,
			Name:     c.Name(info.ID),
			Kind:     kinds[info.ID],
			Priority: info.Priority,
			Held:     info.Held,
			Queue:    queues[info.ID],
		}
		if pos, ok := info.Location.Position(); ok {
			rv.Position = &pos
		}
		p.Resolvers = append(p.Resolvers, rv)
	}
	for _, cz := range c.Citizens {
		pos, _ := cz.Location().Position()
		p.Citizens = append(p.Citizens, CitizenView{
			ID:          cz.ID(),
			Name:        cz.Name,
			Occupation:  cz.Occupation.String(),
			Position:    pos,
			Food:        cz.Needs.Food,
			Tools:       cz.Needs.Tools,
			Alive:       cz.Alive,
			Outstanding: cz.Outstanding(),
			Completed:   cz.Completed,
			Cancelled:   cz.Cancelled,
			Stalled:     cz.Stalled,
		})
	}
	for _, s := range c.Structures {
		p.Structures = append(p.Structures, *s)
	}

	c.mu.Lock()
	c.published = p
	c.mu.Unlock()
}
