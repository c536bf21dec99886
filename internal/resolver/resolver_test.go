package resolver

import (
	"testing"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/world"
)

// fakeCtx records what resolvers ask of the manager.
type fakeCtx struct {
	states     map[token.Token]request.State
	cancelled  []token.Token
	reassigned []token.Token
	added      []requestable.Requestable
	live       map[token.Token]*request.Request
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{states: map[token.Token]request.State{}, live: map[token.Token]*request.Request{}}
}

func (f *fakeCtx) CurrentTick() uint64 { return 1 }

func (f *fakeCtx) GetRequestForToken(t token.Token) (*request.Request, bool) {
	r, ok := f.live[t]
	return r, ok
}

func (f *fakeCtx) UpdateRequestState(t token.Token, s request.State) error {
	f.states[t] = s
	return nil
}

func (f *fakeCtx) CancelRequest(t token.Token) error {
	f.cancelled = append(f.cancelled, t)
	return nil
}

func (f *fakeCtx) Reassign(t token.Token) error {
	f.reassigned = append(f.reassigned, t)
	return nil
}

func (f *fakeCtx) AddChild(_ token.Token, p requestable.Requestable) (token.Token, error) {
	f.added = append(f.added, p)
	return token.New(), nil
}

func newReq(p requestable.Requestable) *request.Request {
	return request.New(token.New(), token.New(), location.Structure{Pos: world.HexCoord{}}, p)
}

func TestClaimedWithChildren_EmptyIsClaimed(t *testing.T) {
	if got := ClaimedWithChildren(); got.Kind != OutcomeClaimed {
		t.Fatalf("kind %s want claimed", got.Kind)
	}
}

func TestWarehouse_ReserveAndFulfil(t *testing.T) {
	ctx := newFakeCtx()
	w := NewWarehouse(token.New(), "main", DefaultPriority, nil)
	w.Put(requestable.ItemStack{Item: "oak_planks", Count: 10})

	r1 := newReq(requestable.Acquisition{Predicate: requestable.ItemPredicate{Tag: "planks", MaxDamage: -1}, MinCount: 6})
	r2 := newReq(requestable.Acquisition{Predicate: requestable.ItemPredicate{Tag: "planks", MaxDamage: -1}, MinCount: 6})
	if !w.CanResolve(r1) {
		t.Fatalf("expected warehouse to resolve r1")
	}
	if out := w.AttemptResolve(ctx, r1); out.Kind != OutcomeClaimed {
		t.Fatalf("r1 outcome %s", out.Kind)
	}
	if w.Available("oak_planks") != 4 {
		t.Fatalf("available %d want 4", w.Available("oak_planks"))
	}
	if w.CanResolve(r2) {
		t.Fatalf("reserved stock must not be offered twice")
	}

	got, err := w.Fulfil(ctx, r1.ID)
	if err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if got.Count != 6 || w.Stock("oak_planks") != 4 {
		t.Fatalf("handed %v, stock left %d", got, w.Stock("oak_planks"))
	}
	if ctx.states[r1.ID] != request.Completed {
		t.Fatalf("fulfil did not complete the request")
	}
	if _, err := w.Fulfil(ctx, r1.ID); err == nil {
		t.Fatalf("second fulfil should fail")
	}
}

func TestWarehouse_CancelReleasesReservation(t *testing.T) {
	ctx := newFakeCtx()
	w := NewWarehouse(token.New(), "main", DefaultPriority, nil)
	w.Put(requestable.ItemStack{Item: "stone_axe", Count: 1})
	r := newReq(requestable.Tool{Class: "axe", MinLevel: 0, MaxLevel: -1})
	w.AttemptResolve(ctx, r)
	if w.Available("stone_axe") != 0 {
		t.Fatalf("axe not reserved")
	}
	w.OnRequestCancelled(ctx, r)
	if w.Available("stone_axe") != 1 {
		t.Fatalf("axe not released")
	}
}

func TestCrafter_ChildrenRetryThenCancel(t *testing.T) {
	ctx := newFakeCtx()
	c := NewCrafter(token.New(), "smith", DefaultPriority, nil, DefaultRecipes)
	parent := newReq(requestable.Tool{Class: "axe", MinLevel: 1, MaxLevel: 1})
	if !c.CanResolve(parent) {
		t.Fatalf("crafter should know the stone axe")
	}
	out := c.AttemptResolve(ctx, parent)
	if out.Kind != OutcomeClaimedWithChildren || len(out.Children) != 2 {
		t.Fatalf("outcome %s with %d children", out.Kind, len(out.Children))
	}

	failed := newReq(out.Children[0])
	c.OnChildCompleted(ctx, parent, failed, false)
	if len(ctx.added) != 1 || !ctx.added[0].Equal(out.Children[0]) {
		t.Fatalf("expected one retry of the failed input, got %v", ctx.added)
	}
	c.OnChildCompleted(ctx, parent, failed, false)
	if len(ctx.cancelled) != 1 || ctx.cancelled[0] != parent.ID {
		t.Fatalf("expected parent cancelled after retry budget, got %v", ctx.cancelled)
	}
	if c.Active() != 0 {
		t.Fatalf("job should be dropped")
	}
}

func TestCrafter_CompletesWhenInputsArrive(t *testing.T) {
	ctx := newFakeCtx()
	c := NewCrafter(token.New(), "baker", DefaultPriority, nil, DefaultRecipes)
	parent := newReq(requestable.Acquisition{Predicate: requestable.ItemPredicate{Item: "oak_planks", MaxDamage: -1}, MinCount: 9})
	out := c.AttemptResolve(ctx, parent)
	if len(out.Children) != 1 {
		t.Fatalf("children %d want 1", len(out.Children))
	}
	in := out.Children[0].(requestable.Acquisition)
	if in.MinCount != 3 {
		t.Fatalf("9 planks need 3 logs, asked for %d", in.MinCount)
	}
	c.OnChildCompleted(ctx, parent, newReq(in), true)
	if ctx.states[parent.ID] != request.Completed || c.Crafted() != 3 {
		t.Fatalf("state %v crafted %d", ctx.states[parent.ID], c.Crafted())
	}
}

func TestBuilder_MaterialFailureReassigns(t *testing.T) {
	ctx := newFakeCtx()
	hall := token.New()
	b := NewBuilder(token.New(), "bob", DefaultPriority, nil, nil, hall)
	order := newReq(requestable.WorkOrder{Kind: requestable.WorkBuild, Structure: hall, Level: 1})
	if b.CanResolve(newReq(requestable.WorkOrder{Structure: token.New()})) {
		t.Fatalf("builder accepted a structure it is not assigned to")
	}
	out := b.AttemptResolve(ctx, order)
	if out.Kind != OutcomeClaimedWithChildren || len(out.Children) != 2 {
		t.Fatalf("outcome %s with %d children", out.Kind, len(out.Children))
	}
	b.OnChildCompleted(ctx, order, newReq(out.Children[0]), false)
	if len(ctx.reassigned) != 1 || ctx.reassigned[0] != order.ID {
		t.Fatalf("expected reassign, got %v", ctx.reassigned)
	}
	if b.CanResolve(order) {
		t.Fatalf("builder should not reclaim an order it gave up")
	}
}

func TestBuilder_ForgetsGivenUpOrders(t *testing.T) {
	ctx := newFakeCtx()
	b := NewBuilder(token.New(), "bob", DefaultPriority, nil, nil)
	giveUp := func() *request.Request {
		order := newReq(requestable.WorkOrder{Kind: requestable.WorkBuild, Structure: token.New(), Level: 2})
		out := b.AttemptResolve(ctx, order)
		b.OnChildCompleted(ctx, order, newReq(out.Children[0]), false)
		return order
	}

	kept := giveUp()
	ctx.live[kept.ID] = kept
	finished := giveUp()
	if b.GaveUp() != 2 {
		t.Fatalf("gave up %d want 2", b.GaveUp())
	}
	b.Work(ctx)
	if b.GaveUp() != 1 || b.CanResolve(kept) {
		t.Fatalf("gave up %d want 1 (the live order)", b.GaveUp())
	}
	if !b.CanResolve(finished) {
		t.Fatalf("finished order still blocked")
	}

	b.OnRequestCancelled(ctx, kept)
	if b.GaveUp() != 0 {
		t.Fatalf("cancelled order still remembered")
	}
}

func TestBuilder_WorkCompletesReadyOrders(t *testing.T) {
	ctx := newFakeCtx()
	b := NewBuilder(token.New(), "bob", DefaultPriority, nil, func(requestable.WorkOrder) []requestable.ItemStack {
		return []requestable.ItemStack{{Item: "cobblestone", Count: 4}}
	})
	order := newReq(requestable.WorkOrder{Kind: requestable.WorkRepair, Structure: token.New()})
	out := b.AttemptResolve(ctx, order)
	if b.Work(ctx) != 0 {
		t.Fatalf("nothing should finish before materials arrive")
	}
	b.OnChildCompleted(ctx, order, newReq(out.Children[0]), true)
	if b.Work(ctx) != 1 || ctx.states[order.ID] != request.Completed {
		t.Fatalf("order not completed after materials arrived")
	}
}

func TestPlayer_FulfilAndRefuse(t *testing.T) {
	ctx := newFakeCtx()
	p := NewPlayer(token.New(), "steve")
	if p.Priority() != PlayerPriority {
		t.Fatalf("player priority %d", p.Priority())
	}
	a, b := newReq(requestable.Tool{Class: "hoe"}), newReq(requestable.Tool{Class: "axe"})
	p.AttemptResolve(ctx, a)
	p.AttemptResolve(ctx, b)
	if err := p.Fulfil(ctx, a.ID); err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if err := p.Refuse(ctx, b.ID); err != nil {
		t.Fatalf("refuse: %v", err)
	}
	if ctx.states[a.ID] != request.Completed || ctx.states[b.ID] != request.Cancelled {
		t.Fatalf("states %v", ctx.states)
	}
	if err := p.Fulfil(ctx, a.ID); err == nil {
		t.Fatalf("fulfil of a released token should fail")
	}
}
