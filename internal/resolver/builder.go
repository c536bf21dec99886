package resolver

import (
	"log/slog"
	"slices"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
)

// BillOfMaterials returns what a work order consumes.
type BillOfMaterials func(order requestable.WorkOrder) []requestable.ItemStack

// DefaultBill scales a fixed bill with the target level. Repairs cost half.
func DefaultBill(order requestable.WorkOrder) []requestable.ItemStack {
	level := max(order.Level, 1)
	bill := []requestable.ItemStack{
		{Item: "oak_planks", Count: 16 * level},
		{Item: "cobblestone", Count: 8 * level},
	}
	if level >= 2 {
		bill = append(bill, requestable.ItemStack{Item: "glass", Count: 4 * (level - 1)})
	}
	if order.Kind == requestable.WorkRepair {
		for i := range bill {
			bill[i].Count = max(bill[i].Count/2, 1)
		}
	}
	return bill
}

type buildJob struct {
	remaining int
	ready     bool
}

// Builder resolves work orders for the structures it is responsible for.
// Materials are requested as children; once they are all in, the next call
// to Work finishes the order. A material that cannot be delivered hands the
// work order back to the colony.
type Builder struct {
	Base
	Name string

	bill       BillOfMaterials
	structures map[token.Token]bool
	jobs       map[token.Token]*buildJob
	gaveUp     map[token.Token]bool
	finished   int
}

// NewBuilder creates a builder. With no structures it accepts any work order.
func NewBuilder(id token.Token, name string, priority int, loc location.Location, bill BillOfMaterials, structures ...token.Token) *Builder {
	if bill == nil {
		bill = DefaultBill
	}
	b := &Builder{
		Base:       NewBase(id, priority, loc),
		Name:       name,
		bill:       bill,
		structures: make(map[token.Token]bool),
		jobs:       make(map[token.Token]*buildJob),
		gaveUp:     make(map[token.Token]bool),
	}
	for _, s := range structures {
		b.structures[s] = true
	}
	return b
}

// Assign makes the builder responsible for a structure.
func (b *Builder) Assign(structure token.Token) { b.structures[structure] = true }

// Finished returns the number of completed work orders.
func (b *Builder) Finished() int { return b.finished }

// CanResolve implements Resolver.
func (b *Builder) CanResolve(r *request.Request) bool {
	order, ok := r.Payload.(requestable.WorkOrder)
	if !ok || b.gaveUp[r.ID] {
		return false
	}
	return len(b.structures) == 0 || b.structures[order.Structure]
}

// AttemptResolve claims the order with its bill of materials.
func (b *Builder) AttemptResolve(_ Context, r *request.Request) Outcome {
	order, ok := r.Payload.(requestable.WorkOrder)
	if !ok {
		return Declined()
	}
	bill := b.bill(order)
	children := make([]requestable.Requestable, 0, len(bill))
	for _, s := range bill {
		children = append(children, requestable.Acquisition{
			Predicate: requestable.ItemPredicate{Item: s.Item, MaxDamage: -1},
			MinCount:  s.Count,
		})
	}
	b.jobs[r.ID] = &buildJob{remaining: len(children), ready: len(children) == 0}
	return ClaimedWithChildren(children...)
}

// OnChildCompleted tracks materials. A failed material gives the order back.
func (b *Builder) OnChildCompleted(ctx Context, parent, child *request.Request, success bool) {
	job, ok := b.jobs[parent.ID]
	if !ok {
		return
	}
	if !success {
		slog.Info("builder giving up work order", "builder", b.Name, "order", parent.ID.Short(), "material", child.Payload.Describe())
		if err := ctx.Reassign(parent.ID); err != nil {
			slog.Warn("builder reassign failed", "builder", b.Name, "order", parent.ID.Short(), "error", err)
		}
		delete(b.jobs, parent.ID)
		b.gaveUp[parent.ID] = true
		return
	}
	job.remaining--
	if job.remaining <= 0 {
		job.ready = true
	}
}

// Work completes every order whose materials have all arrived and returns
// how many finished. Orders given up earlier are forgotten once they have
// left the request table.
func (b *Builder) Work(ctx Context) int {
	ready := make([]token.Token, 0, len(b.jobs))
	for t, job := range b.jobs {
		if job.ready {
			ready = append(ready, t)
		}
	}
	slices.SortFunc(ready, compareTokens)
	for t := range b.gaveUp {
		if _, live := ctx.GetRequestForToken(t); !live {
			delete(b.gaveUp, t)
		}
	}
	n := 0
	for _, t := range ready {
		delete(b.jobs, t)
		if err := ctx.UpdateRequestState(t, request.Completed); err != nil {
			slog.Warn("builder complete failed", "builder", b.Name, "order", t.Short(), "error", err)
			continue
		}
		b.finished++
		n++
	}
	return n
}

// Pending returns the number of claimed work orders.
func (b *Builder) Pending() int { return len(b.jobs) }

// OnRequestCancelled drops the job.
func (b *Builder) OnRequestCancelled(_ Context, r *request.Request) {
	delete(b.jobs, r.ID)
	delete(b.gaveUp, r.ID)
}

// GaveUp returns the number of orders the builder will not claim again.
func (b *Builder) GaveUp() int { return len(b.gaveUp) }
