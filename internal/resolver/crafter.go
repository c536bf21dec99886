package resolver

import (
	"log/slog"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
)

// Recipe turns Inputs into Output.
type Recipe struct {
	Output requestable.ItemStack
	Inputs []requestable.ItemStack
}

// DefaultRecipes is the crafting table of a plain workshop.
var DefaultRecipes = []Recipe{
	{Output: requestable.ItemStack{Item: "oak_planks", Count: 4}, Inputs: []requestable.ItemStack{{Item: "oak_log", Count: 1}}},
	{Output: requestable.ItemStack{Item: "stick", Count: 4}, Inputs: []requestable.ItemStack{{Item: "oak_planks", Count: 2}}},
	{Output: requestable.ItemStack{Item: "stone_axe", Count: 1}, Inputs: []requestable.ItemStack{{Item: "cobblestone", Count: 3}, {Item: "stick", Count: 2}}},
	{Output: requestable.ItemStack{Item: "stone_pickaxe", Count: 1}, Inputs: []requestable.ItemStack{{Item: "cobblestone", Count: 3}, {Item: "stick", Count: 2}}},
	{Output: requestable.ItemStack{Item: "glass", Count: 1}, Inputs: []requestable.ItemStack{{Item: "sand", Count: 1}, {Item: "coal", Count: 1}}},
	{Output: requestable.ItemStack{Item: "bread", Count: 1}, Inputs: []requestable.ItemStack{{Item: "wheat", Count: 3}}},
}

type craftJob struct {
	recipe    Recipe
	batches   int
	remaining int
	retried   int
}

// Crafter claims acquisitions and tool requests it has a recipe for and
// asks for the inputs as child requests. A failed input is requested again
// up to MaxRetries times before the whole request is cancelled.
type Crafter struct {
	Base
	Name       string
	MaxRetries int

	recipes []Recipe
	jobs    map[token.Token]*craftJob
	crafted int
}

// NewCrafter creates a crafter with the given recipes.
func NewCrafter(id token.Token, name string, priority int, loc location.Location, recipes []Recipe) *Crafter {
	return &Crafter{
		Base:       NewBase(id, priority, loc),
		Name:       name,
		MaxRetries: 1,
		recipes:    recipes,
		jobs:       make(map[token.Token]*craftJob),
	}
}

// Crafted returns the number of finished crafts.
func (c *Crafter) Crafted() int { return c.crafted }

// Active returns the number of requests being crafted.
func (c *Crafter) Active() int { return len(c.jobs) }

func (c *Crafter) match(payload requestable.Requestable) (Recipe, int, bool) {
	for _, rec := range c.recipes {
		switch p := payload.(type) {
		case requestable.Acquisition:
			sample := requestable.ItemStack{Item: rec.Output.Item, Count: max(p.MinCount, 1)}
			if p.Accepts(sample) {
				return rec, batchesFor(sample.Count, rec.Output.Count), true
			}
		case requestable.Tool:
			if p.Accepts(rec.Output) {
				return rec, 1, true
			}
		}
	}
	return Recipe{}, 0, false
}

func batchesFor(want, per int) int {
	if per <= 0 {
		return 1
	}
	return (want + per - 1) / per
}

// CanResolve implements Resolver.
func (c *Crafter) CanResolve(r *request.Request) bool {
	_, _, ok := c.match(r.Payload)
	return ok
}

// AttemptResolve claims the request with one acquisition per recipe input.
func (c *Crafter) AttemptResolve(_ Context, r *request.Request) Outcome {
	rec, batches, ok := c.match(r.Payload)
	if !ok {
		return Declined()
	}
	children := make([]requestable.Requestable, 0, len(rec.Inputs))
	for _, in := range rec.Inputs {
		children = append(children, inputRequest(in, batches))
	}
	c.jobs[r.ID] = &craftJob{recipe: rec, batches: batches, remaining: len(children)}
	return ClaimedWithChildren(children...)
}

func inputRequest(in requestable.ItemStack, batches int) requestable.Acquisition {
	return requestable.Acquisition{
		Predicate: requestable.ItemPredicate{Item: in.Item, MaxDamage: -1},
		MinCount:  in.Count * batches,
	}
}

// OnChildCompleted counts inputs in; the last one finishes the craft.
func (c *Crafter) OnChildCompleted(ctx Context, parent, child *request.Request, success bool) {
	job, ok := c.jobs[parent.ID]
	if !ok {
		return
	}
	if !success {
		if job.retried < c.MaxRetries {
			job.retried++
			if _, err := ctx.AddChild(parent.ID, child.Payload); err == nil {
				slog.Debug("crafter retrying input", "crafter", c.Name, "parent", parent.ID.Short(), "input", child.Payload.Describe())
				return
			}
		}
		delete(c.jobs, parent.ID)
		if err := ctx.CancelRequest(parent.ID); err != nil {
			slog.Warn("crafter cancel failed", "crafter", c.Name, "parent", parent.ID.Short(), "error", err)
		}
		return
	}
	job.remaining--
	if job.remaining > 0 {
		return
	}
	delete(c.jobs, parent.ID)
	if err := ctx.UpdateRequestState(parent.ID, request.Completed); err != nil {
		slog.Warn("crafter complete failed", "crafter", c.Name, "parent", parent.ID.Short(), "error", err)
		return
	}
	c.crafted += job.batches
}

// OnRequestCancelled drops the job.
func (c *Crafter) OnRequestCancelled(_ Context, r *request.Request) {
	delete(c.jobs, r.ID)
}
