// Package requestable defines the payloads of requests: what is wanted.
// The family is closed at compile time; each variant registers a persisted
// (JSON) and a wire (binary) codec with the family registry.
package requestable

import (
	"fmt"

	"github.com/talgya/mini-colony/internal/factory"
	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/token"
)

// Requestable is the payload of a request. Equal is structural.
type Requestable interface {
	factory.Tagged
	Equal(other Requestable) bool
	Describe() string
}

const (
	TagDelivery    factory.Tag = "delivery"
	TagAcquisition factory.Tag = "acquisition"
	TagWorkOrder   factory.Tag = "work_order"
	TagTool        factory.Tag = "tool"
)

// ItemStack is a quantity of one item.
type ItemStack struct {
	Item   string `json:"item"`
	Count  int    `json:"count"`
	Damage int    `json:"damage,omitempty"`
}

func (s ItemStack) String() string {
	return fmt.Sprintf("%d x %s", s.Count, s.Item)
}

// IsEmpty reports whether the stack holds nothing.
func (s ItemStack) IsEmpty() bool {
	return s.Item == "" || s.Count <= 0
}

// ItemPredicate selects items by id or by tag. An empty Item and Tag
// matches anything; MaxDamage < 0 disables the damage check.
type ItemPredicate struct {
	Item      string `json:"item,omitempty"`
	Tag       string `json:"tag,omitempty"`
	MaxDamage int    `json:"max_damage"`
}

// Matches reports whether stack satisfies the predicate. Tags are resolved
// through the item catalogue.
func (p ItemPredicate) Matches(stack ItemStack) bool {
	if stack.IsEmpty() {
		return false
	}
	if p.Item != "" && p.Item != stack.Item {
		return false
	}
	if p.Tag != "" && !HasTag(stack.Item, p.Tag) {
		return false
	}
	if p.MaxDamage >= 0 && stack.Damage > p.MaxDamage {
		return false
	}
	return true
}

func (p ItemPredicate) String() string {
	switch {
	case p.Item != "":
		return p.Item
	case p.Tag != "":
		return "#" + p.Tag
	default:
		return "*"
	}
}

// Delivery moves a stack between two locations.
type Delivery struct {
	From  location.Location `json:"-"`
	To    location.Location `json:"-"`
	Stack ItemStack         `json:"stack"`
}

func (Delivery) TypeTag() factory.Tag { return TagDelivery }

func (d Delivery) Equal(o Requestable) bool {
	other, ok := o.(Delivery)
	return ok && other.Stack == d.Stack &&
		location.Equal(other.From, d.From) && location.Equal(other.To, d.To)
}

func (d Delivery) Describe() string {
	return fmt.Sprintf("deliver %s", d.Stack)
}

// Acquisition asks for at least MinCount items matching Predicate.
type Acquisition struct {
	Predicate ItemPredicate `json:"predicate"`
	MinCount  int           `json:"min_count"`
}

func (Acquisition) TypeTag() factory.Tag { return TagAcquisition }

func (a Acquisition) Equal(o Requestable) bool {
	other, ok := o.(Acquisition)
	return ok && other == a
}

func (a Acquisition) Describe() string {
	return fmt.Sprintf("acquire %d x %s", a.MinCount, a.Predicate)
}

// Accepts reports whether stack fully satisfies the acquisition.
func (a Acquisition) Accepts(stack ItemStack) bool {
	return a.Predicate.Matches(stack) && stack.Count >= a.MinCount
}

// WorkKind is the kind of a work order.
type WorkKind uint8

const (
	WorkBuild WorkKind = iota
	WorkRepair
)

func (k WorkKind) String() string {
	switch k {
	case WorkBuild:
		return "build"
	case WorkRepair:
		return "repair"
	default:
		return fmt.Sprintf("work(%d)", k)
	}
}

// WorkOrder asks for a structure to be built or repaired.
type WorkOrder struct {
	Kind      WorkKind    `json:"kind"`
	Structure token.Token `json:"structure"`
	Level     int         `json:"level,omitempty"`
}

func (WorkOrder) TypeTag() factory.Tag { return TagWorkOrder }

func (w WorkOrder) Equal(o Requestable) bool {
	other, ok := o.(WorkOrder)
	return ok && other == w
}

func (w WorkOrder) Describe() string {
	return fmt.Sprintf("%s %s (level %d)", w.Kind, w.Structure.Short(), w.Level)
}

// Tool asks for one tool of a class within a level range ("I need an axe").
// MaxLevel < 0 means no upper bound.
type Tool struct {
	Class    string `json:"class"`
	MinLevel int    `json:"min_level"`
	MaxLevel int    `json:"max_level"`
}

func (Tool) TypeTag() factory.Tag { return TagTool }

func (t Tool) Equal(o Requestable) bool {
	other, ok := o.(Tool)
	return ok && other == t
}

func (t Tool) Describe() string {
	return fmt.Sprintf("tool %s level %d..%d", t.Class, t.MinLevel, t.MaxLevel)
}

// AcceptsLevel reports whether a tool of the given level fits.
func (t Tool) AcceptsLevel(level int) bool {
	if level < t.MinLevel {
		return false
	}
	return t.MaxLevel < 0 || level <= t.MaxLevel
}

// Accepts reports whether stack is a fitting tool.
func (t Tool) Accepts(stack ItemStack) bool {
	class, level, ok := ToolInfo(stack.Item)
	return ok && class == t.Class && stack.Count > 0 && t.AcceptsLevel(level)
}
