// Package location describes where a requester or resolver lives, for
// proximity ranking of resolvers.
package location

import (
	"math"

	"github.com/talgya/mini-colony/internal/factory"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/world"
)

// Unreachable is the distance reported when either side has no position.
const Unreachable = math.MaxInt32

// Location is a position abstraction. Position reports false when the
// location can no longer be resolved (an entity that died or left).
type Location interface {
	factory.Tagged
	Position() (world.HexCoord, bool)
	Equal(other Location) bool
}

const (
	TagStructure factory.Tag = "structure"
	TagEntity    factory.Tag = "entity"
	TagNowhere   factory.Tag = "nowhere"
)

// Structure is a fixed building position.
type Structure struct {
	Pos world.HexCoord `json:"pos"`
}

func (Structure) TypeTag() factory.Tag { return TagStructure }

func (s Structure) Position() (world.HexCoord, bool) { return s.Pos, true }

func (s Structure) Equal(o Location) bool {
	other, ok := o.(Structure)
	return ok && other == s
}

// Entity is a moving citizen or player. Pos is the last known position.
type Entity struct {
	ID    token.Token    `json:"id"`
	Pos   world.HexCoord `json:"pos"`
	Known bool           `json:"known"`
}

func (Entity) TypeTag() factory.Tag { return TagEntity }

func (e Entity) Position() (world.HexCoord, bool) { return e.Pos, e.Known }

func (e Entity) Equal(o Location) bool {
	other, ok := o.(Entity)
	return ok && other == e
}

// Stale returns a copy of e that no longer resolves.
func (e Entity) Stale() Entity {
	e.Known = false
	return e
}

// Nowhere never resolves. Players and remote resolvers use it.
type Nowhere struct{}

func (Nowhere) TypeTag() factory.Tag { return TagNowhere }

func (Nowhere) Position() (world.HexCoord, bool) { return world.HexCoord{}, false }

func (Nowhere) Equal(o Location) bool {
	_, ok := o.(Nowhere)
	return ok
}

// Distance returns the hex distance between two locations, or Unreachable.
func Distance(a, b Location) int {
	if a == nil || b == nil {
		return Unreachable
	}
	pa, ok := a.Position()
	if !ok {
		return Unreachable
	}
	pb, ok := b.Position()
	if !ok {
		return Unreachable
	}
	return world.Distance(pa, pb)
}

// Equal compares two possibly nil locations.
func Equal(a, b Location) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

var registry = newRegistry()

// Registry returns the location family registry.
func Registry() *factory.Registry[Location] { return registry }

func newRegistry() *factory.Registry[Location] {
	reg := factory.NewRegistry[Location]("location")
	reg.MustRegister(factory.FuncFactory[Location, Structure]{
		TagValue: TagStructure,
		Encode: func(dst []byte, v Structure) []byte {
			return appendCoord(dst, v.Pos)
		},
		Decode: func(rd *factory.Reader) Structure {
			return Structure{Pos: readCoord(rd)}
		},
	})
	reg.MustRegister(factory.FuncFactory[Location, Entity]{
		TagValue: TagEntity,
		Encode: func(dst []byte, v Entity) []byte {
			dst = factory.AppendToken(dst, v.ID)
			dst = appendCoord(dst, v.Pos)
			return factory.AppendBool(dst, v.Known)
		},
		Decode: func(rd *factory.Reader) Entity {
			return Entity{ID: rd.Token(), Pos: readCoord(rd), Known: rd.Bool()}
		},
	})
	reg.MustRegister(factory.FuncFactory[Location, Nowhere]{
		TagValue: TagNowhere,
		Encode:   func(dst []byte, _ Nowhere) []byte { return dst },
		Decode:   func(*factory.Reader) Nowhere { return Nowhere{} },
	})
	return reg
}

func appendCoord(dst []byte, c world.HexCoord) []byte {
	dst = factory.AppendVarint(dst, int64(c.Q))
	return factory.AppendVarint(dst, int64(c.R))
}

func readCoord(rd *factory.Reader) world.HexCoord {
	return world.HexCoord{Q: rd.Int(), R: rd.Int()}
}
