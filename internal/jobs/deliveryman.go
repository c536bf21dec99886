package jobs

import (
	"log/slog"
	"slices"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/resolver"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/world"
)

// DefaultCapacity is how many deliveries a deliveryman queues at once.
const DefaultCapacity = 4

// Deliveryman resolves Delivery requests one at a time from an ordered
// task queue. After each finished task the deliveryman walks back to the hut.
type Deliveryman struct {
	resolver.Base
	Name     string
	Capacity int

	hut       world.HexCoord
	pos       world.HexCoord
	queue     []token.Token
	returning bool
	delivered int
	failed    int
}

var _ resolver.Resolver = (*Deliveryman)(nil)

// NewDeliveryman creates a deliveryman working out of hut.
func NewDeliveryman(id token.Token, name string, hut world.HexCoord) *Deliveryman {
	return &Deliveryman{
		Base:     resolver.NewBase(id, resolver.DefaultPriority, location.Structure{Pos: hut}),
		Name:     name,
		Capacity: DefaultCapacity,
		hut:      hut,
		pos:      hut,
	}
}

// Location is where the deliveryman currently is.
func (d *Deliveryman) Location() location.Location {
	return location.Entity{ID: d.ID(), Pos: d.pos, Known: true}
}

// CanResolve accepts deliveries while the queue has room.
func (d *Deliveryman) CanResolve(r *request.Request) bool {
	_, ok := r.Payload.(requestable.Delivery)
	return ok && len(d.queue) < d.Capacity
}

// AttemptResolve queues the delivery.
func (d *Deliveryman) AttemptResolve(_ resolver.Context, r *request.Request) resolver.Outcome {
	if !d.CanResolve(r) {
		return resolver.Declined()
	}
	d.AddRequest(r.ID)
	return resolver.Claimed()
}

// AddRequest appends a task to the queue.
func (d *Deliveryman) AddRequest(t token.Token) {
	if !slices.Contains(d.queue, t) {
		d.queue = append(d.queue, t)
	}
}

// CurrentTask returns the request at the head of the queue. Tasks whose
// request is gone are skipped and dropped.
func (d *Deliveryman) CurrentTask(ctx resolver.Context) (*request.Request, bool) {
	for len(d.queue) > 0 {
		if r, ok := ctx.GetRequestForToken(d.queue[0]); ok {
			return r, true
		}
		d.queue = d.queue[1:]
	}
	return nil, false
}

// FinishRequest ends the current task, completing or cancelling its request,
// and sends the deliveryman back to the hut.
func (d *Deliveryman) FinishRequest(ctx resolver.Context, success bool) error {
	r, ok := d.CurrentTask(ctx)
	if !ok {
		return nil
	}
	d.queue = d.queue[1:]
	d.returning = true
	state := request.Cancelled
	if success {
		state = request.Completed
		d.delivered++
		if del, ok := r.Payload.(requestable.Delivery); ok && del.To != nil {
			if pos, known := del.To.Position(); known {
				d.pos = pos
			}
		}
	} else {
		d.failed++
	}
	return ctx.UpdateRequestState(r.ID, state)
}

// OnTaskDeletion removes a task. Losing the current task sends the
// deliveryman home.
func (d *Deliveryman) OnTaskDeletion(t token.Token) {
	i := slices.Index(d.queue, t)
	if i < 0 {
		return
	}
	if i == 0 {
		d.returning = true
	}
	d.queue = slices.Delete(d.queue, i, i+1)
}

// TaskQueue returns the queued tokens, current task first.
func (d *Deliveryman) TaskQueue() []token.Token { return slices.Clone(d.queue) }

// HasTask reports whether t is queued.
func (d *Deliveryman) HasTask(t token.Token) bool { return slices.Contains(d.queue, t) }

// Returning reports whether the deliveryman is walking back to the hut.
func (d *Deliveryman) Returning() bool { return d.returning }

func (d *Deliveryman) SetReturning(v bool) { d.returning = v }

// Work spends one hour: a returning deliveryman reaches the hut, otherwise
// the current task is delivered.
func (d *Deliveryman) Work(ctx resolver.Context) {
	if d.returning {
		d.returning = false
		d.pos = d.hut
		return
	}
	if _, ok := d.CurrentTask(ctx); !ok {
		return
	}
	if err := d.FinishRequest(ctx, true); err != nil {
		slog.Warn("delivery not finished", "deliveryman", d.Name, "error", err)
	}
}

// Delivered returns the completed and failed delivery counts.
func (d *Deliveryman) Delivered() (done, failed int) { return d.delivered, d.failed }

// OnChildCompleted implements resolver.Resolver. Deliveries have no children.
func (d *Deliveryman) OnChildCompleted(resolver.Context, *request.Request, *request.Request, bool) {}

// OnRequestCancelled drops the task.
func (d *Deliveryman) OnRequestCancelled(_ resolver.Context, r *request.Request) {
	d.OnTaskDeletion(r.ID)
}
