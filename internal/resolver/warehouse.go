package resolver

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
)

// Warehouse serves acquisitions and tool requests from its stock. A claim
// reserves the stack; Fulfil hands it over and completes the request.
type Warehouse struct {
	Base
	Name string

	stock    map[string]int
	reserved map[token.Token]requestable.ItemStack
}

// NewWarehouse creates an empty warehouse.
func NewWarehouse(id token.Token, name string, priority int, loc location.Location) *Warehouse {
	return &Warehouse{
		Base:     NewBase(id, priority, loc),
		Name:     name,
		stock:    make(map[string]int),
		reserved: make(map[token.Token]requestable.ItemStack),
	}
}

// Put adds items to the stock.
func (w *Warehouse) Put(stack requestable.ItemStack) {
	if stack.IsEmpty() {
		return
	}
	w.stock[stack.Item] += stack.Count
}

// Stock returns the total count of item, reserved or not.
func (w *Warehouse) Stock(item string) int { return w.stock[item] }

// Available returns the unreserved count of item.
func (w *Warehouse) Available(item string) int {
	n := w.stock[item]
	for _, s := range w.reserved {
		if s.Item == item {
			n -= s.Count
		}
	}
	return n
}

// Take removes n unreserved items. It reports false and removes nothing
// when fewer are available.
func (w *Warehouse) Take(item string, n int) bool {
	if n <= 0 || w.Available(item) < n {
		return false
	}
	w.stock[item] -= n
	if w.stock[item] == 0 {
		delete(w.stock, item)
	}
	return true
}

// Items returns the stocked item ids in sorted order.
func (w *Warehouse) Items() []string {
	items := make([]string, 0, len(w.stock))
	for it := range w.stock {
		items = append(items, it)
	}
	slices.Sort(items)
	return items
}

// Contents returns the whole stock as stacks sorted by item.
func (w *Warehouse) Contents() []requestable.ItemStack {
	out := make([]requestable.ItemStack, 0, len(w.stock))
	for _, it := range w.Items() {
		out = append(out, requestable.ItemStack{Item: it, Count: w.stock[it]})
	}
	return out
}

// Replace swaps the stock for stacks. Reservations are kept.
func (w *Warehouse) Replace(stacks []requestable.ItemStack) {
	clear(w.stock)
	for _, st := range stacks {
		w.Put(st)
	}
}

// Reserved returns the tokens holding reservations, sorted.
func (w *Warehouse) Reserved() []token.Token {
	out := make([]token.Token, 0, len(w.reserved))
	for t := range w.reserved {
		out = append(out, t)
	}
	slices.SortFunc(out, compareTokens)
	return out
}

// pick finds a stack in stock that satisfies payload. Items are tried in
// sorted order so the choice is stable.
func (w *Warehouse) pick(payload requestable.Requestable) (requestable.ItemStack, bool) {
	switch p := payload.(type) {
	case requestable.Acquisition:
		for _, item := range w.Items() {
			s := requestable.ItemStack{Item: item, Count: p.MinCount}
			if p.MinCount <= 0 {
				s.Count = 1
			}
			if w.Available(item) >= s.Count && p.Accepts(s) {
				return s, true
			}
		}
	case requestable.Tool:
		for _, item := range w.Items() {
			s := requestable.ItemStack{Item: item, Count: 1}
			if w.Available(item) >= 1 && p.Accepts(s) {
				return s, true
			}
		}
	}
	return requestable.ItemStack{}, false
}

// CanResolve implements Resolver.
func (w *Warehouse) CanResolve(r *request.Request) bool {
	_, ok := w.pick(r.Payload)
	return ok
}

// AttemptResolve implements Resolver.
func (w *Warehouse) AttemptResolve(_ Context, r *request.Request) Outcome {
	s, ok := w.pick(r.Payload)
	if !ok {
		return Declined()
	}
	w.reserved[r.ID] = s
	return Claimed()
}

// Fulfil hands the reserved stack over and completes the request.
func (w *Warehouse) Fulfil(ctx Context, t token.Token) (requestable.ItemStack, error) {
	s, ok := w.reserved[t]
	if !ok {
		return requestable.ItemStack{}, fmt.Errorf("warehouse %s: no reservation for %s", w.Name, t.Short())
	}
	delete(w.reserved, t)
	if !w.Take(s.Item, s.Count) {
		// Stock vanished under the reservation; give the claim back.
		slog.Warn("warehouse reservation lost", "warehouse", w.Name, "token", t.Short(), "item", s.Item)
		return requestable.ItemStack{}, ctx.Reassign(t)
	}
	if err := ctx.UpdateRequestState(t, request.Completed); err != nil {
		w.Put(s)
		return requestable.ItemStack{}, err
	}
	return s, nil
}

// FulfilAll fulfils every reservation and returns how many completed.
func (w *Warehouse) FulfilAll(ctx Context) int {
	n := 0
	for _, t := range w.Reserved() {
		if _, err := w.Fulfil(ctx, t); err != nil {
			slog.Debug("warehouse fulfil failed", "warehouse", w.Name, "token", t.Short(), "error", err)
			continue
		}
		n++
	}
	return n
}

// OnChildCompleted implements Resolver. Warehouses never spawn children.
func (w *Warehouse) OnChildCompleted(Context, *request.Request, *request.Request, bool) {}

// OnRequestCancelled releases the reservation.
func (w *Warehouse) OnRequestCancelled(_ Context, r *request.Request) {
	delete(w.reserved, r.ID)
}

func compareTokens(a, b token.Token) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
