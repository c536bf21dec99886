package requestable

import (
	"encoding/json"
	"fmt"

	"github.com/talgya/mini-colony/internal/factory"
	"github.com/talgya/mini-colony/internal/location"
)

// deliveryJSON is the persisted form of a Delivery; both locations carry
// their own type tags.
type deliveryJSON struct {
	From  json.RawMessage `json:"from"`
	To    json.RawMessage `json:"to"`
	Stack ItemStack       `json:"stack"`
}

// MarshalJSON writes the locations through the location registry.
func (d Delivery) MarshalJSON() ([]byte, error) {
	from, err := location.Registry().SerializeAny(orNowhere(d.From))
	if err != nil {
		return nil, fmt.Errorf("delivery from: %w", err)
	}
	to, err := location.Registry().SerializeAny(orNowhere(d.To))
	if err != nil {
		return nil, fmt.Errorf("delivery to: %w", err)
	}
	return json.Marshal(deliveryJSON{From: from, To: to, Stack: d.Stack})
}

// UnmarshalJSON reads the locations through the location registry.
func (d *Delivery) UnmarshalJSON(b []byte) error {
	var raw deliveryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	from, err := location.Registry().DeserializeAny(raw.From)
	if err != nil {
		return fmt.Errorf("delivery from: %w", err)
	}
	to, err := location.Registry().DeserializeAny(raw.To)
	if err != nil {
		return fmt.Errorf("delivery to: %w", err)
	}
	*d = Delivery{From: from, To: to, Stack: raw.Stack}
	return nil
}

func orNowhere(l location.Location) location.Location {
	if l == nil {
		return location.Nowhere{}
	}
	return l
}

var registry = newRegistry()

// Registry returns the requestable family registry.
func Registry() *factory.Registry[Requestable] { return registry }

func newRegistry() *factory.Registry[Requestable] {
	reg := factory.NewRegistry[Requestable]("requestable")
	reg.MustRegister(deliveryFactory{})
	reg.MustRegister(factory.FuncFactory[Requestable, Acquisition]{
		TagValue: TagAcquisition,
		Encode: func(dst []byte, v Acquisition) []byte {
			dst = appendPredicate(dst, v.Predicate)
			return factory.AppendVarint(dst, int64(v.MinCount))
		},
		Decode: func(rd *factory.Reader) Acquisition {
			return Acquisition{Predicate: readPredicate(rd), MinCount: rd.Int()}
		},
	})
	reg.MustRegister(factory.FuncFactory[Requestable, WorkOrder]{
		TagValue: TagWorkOrder,
		Encode: func(dst []byte, v WorkOrder) []byte {
			dst = append(dst, byte(v.Kind))
			dst = factory.AppendToken(dst, v.Structure)
			return factory.AppendVarint(dst, int64(v.Level))
		},
		Decode: func(rd *factory.Reader) WorkOrder {
			return WorkOrder{Kind: WorkKind(rd.Byte()), Structure: rd.Token(), Level: rd.Int()}
		},
	})
	reg.MustRegister(factory.FuncFactory[Requestable, Tool]{
		TagValue: TagTool,
		Encode: func(dst []byte, v Tool) []byte {
			dst = factory.AppendString(dst, v.Class)
			dst = factory.AppendVarint(dst, int64(v.MinLevel))
			return factory.AppendVarint(dst, int64(v.MaxLevel))
		},
		Decode: func(rd *factory.Reader) Tool {
			return Tool{Class: rd.Text(), MinLevel: rd.Int(), MaxLevel: rd.Int()}
		},
	})
	return reg
}

// deliveryFactory nests location wire values, so it can not use FuncFactory
// with a fixed-shape decoder.
type deliveryFactory struct{}

func (deliveryFactory) Tag() factory.Tag { return TagDelivery }

func (deliveryFactory) Serialize(v Requestable) (json.RawMessage, error) {
	d, ok := v.(Delivery)
	if !ok {
		return nil, fmt.Errorf("delivery: value of type %T", v)
	}
	return json.Marshal(d)
}

func (deliveryFactory) Deserialize(data json.RawMessage) (Requestable, error) {
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func (deliveryFactory) EncodeWire(v Requestable) ([]byte, error) {
	d, ok := v.(Delivery)
	if !ok {
		return nil, fmt.Errorf("delivery: value of type %T", v)
	}
	dst, err := location.Registry().EncodeWire(nil, orNowhere(d.From))
	if err != nil {
		return nil, err
	}
	dst, err = location.Registry().EncodeWire(dst, orNowhere(d.To))
	if err != nil {
		return nil, err
	}
	return appendStack(dst, d.Stack), nil
}

func (deliveryFactory) DecodeWire(b []byte) (Requestable, error) {
	from, n, err := location.Registry().DecodeWire(b)
	if err != nil {
		return nil, fmt.Errorf("delivery from: %w", err)
	}
	to, m, err := location.Registry().DecodeWire(b[n:])
	if err != nil {
		return nil, fmt.Errorf("delivery to: %w", err)
	}
	rd := factory.NewReader(b[n+m:])
	stack := readStack(rd)
	if err := rd.Err(); err != nil {
		return nil, err
	}
	if rd.Len() != 0 {
		return nil, fmt.Errorf("delivery: %d trailing bytes", rd.Len())
	}
	return Delivery{From: from, To: to, Stack: stack}, nil
}

func appendStack(dst []byte, s ItemStack) []byte {
	dst = factory.AppendString(dst, s.Item)
	dst = factory.AppendVarint(dst, int64(s.Count))
	return factory.AppendVarint(dst, int64(s.Damage))
}

func readStack(rd *factory.Reader) ItemStack {
	return ItemStack{Item: rd.Text(), Count: rd.Int(), Damage: rd.Int()}
}

func appendPredicate(dst []byte, p ItemPredicate) []byte {
	dst = factory.AppendString(dst, p.Item)
	dst = factory.AppendString(dst, p.Tag)
	return factory.AppendVarint(dst, int64(p.MaxDamage))
}

func readPredicate(rd *factory.Reader) ItemPredicate {
	return ItemPredicate{Item: rd.Text(), Tag: rd.Text(), MaxDamage: rd.Int()}
}
