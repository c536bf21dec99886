// Package factory maps stable type tags to codecs so that values whose
// concrete type is unknown to the caller (locations, requestables) can be
// persisted and sent over the wire, and read back by dispatching on the tag.
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Tag identifies a concrete type within one family.
type Tag string

// Tagged is implemented by every value stored through a Registry.
type Tagged interface {
	TypeTag() Tag
}

var (
	ErrUnknownTag   = errors.New("factory: unknown type tag")
	ErrDuplicateTag = errors.New("factory: duplicate type tag")
	ErrDecode       = errors.New("factory: decode error")
)

// UnknownTagError reports a tag with no registered factory. It usually means
// a corrupted save or a version mismatch between peers.
type UnknownTagError struct {
	Family string
	Tag    Tag
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("factory: %s: unknown type tag %q", e.Family, e.Tag)
}

func (e *UnknownTagError) Unwrap() error { return ErrUnknownTag }

// DecodeError reports malformed data for a known tag (or a malformed envelope).
type DecodeError struct {
	Family string
	Tag    Tag
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("factory: %s: %v", e.Family, e.Err)
	}
	return fmt.Sprintf("factory: %s: decode %q: %v", e.Family, e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// Factory serializes one concrete type of family T.
type Factory[T Tagged] interface {
	Tag() Tag
	Serialize(v T) (json.RawMessage, error)
	Deserialize(data json.RawMessage) (T, error)
	EncodeWire(v T) ([]byte, error)
	DecodeWire(b []byte) (T, error)
}

// Registry holds the factories of one family.
type Registry[T Tagged] struct {
	family    string
	factories map[Tag]Factory[T]
}

// NewRegistry creates an empty registry. family names the registry in errors.
func NewRegistry[T Tagged](family string) *Registry[T] {
	return &Registry[T]{
		family:    family,
		factories: make(map[Tag]Factory[T]),
	}
}

// Family returns the registry name.
func (r *Registry[T]) Family() string { return r.family }

// Register adds a factory. Tags are unique within a registry.
func (r *Registry[T]) Register(f Factory[T]) error {
	tag := f.Tag()
	if tag == "" {
		return fmt.Errorf("factory: %s: empty tag", r.family)
	}
	if _, ok := r.factories[tag]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateTag, r.family, tag)
	}
	r.factories[tag] = f
	return nil
}

// MustRegister is Register for package initialisation.
func (r *Registry[T]) MustRegister(f Factory[T]) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for tag.
func (r *Registry[T]) Lookup(tag Tag) (Factory[T], bool) {
	f, ok := r.factories[tag]
	return f, ok
}

// Tags returns the registered tags in sorted order.
func (r *Registry[T]) Tags() []Tag {
	tags := make([]Tag, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

func (r *Registry[T]) factoryFor(tag Tag) (Factory[T], error) {
	f, ok := r.factories[tag]
	if !ok {
		return nil, &UnknownTagError{Family: r.family, Tag: tag}
	}
	return f, nil
}

// envelope is the persisted form: the tag is read before the payload.
type envelope struct {
	Type Tag             `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SerializeAny writes {"type": tag, "data": payload}.
func (r *Registry[T]) SerializeAny(v T) ([]byte, error) {
	f, err := r.factoryFor(v.TypeTag())
	if err != nil {
		return nil, err
	}
	data, err := f.Serialize(v)
	if err != nil {
		return nil, fmt.Errorf("serialize %s/%s: %w", r.family, f.Tag(), err)
	}
	return json.Marshal(envelope{Type: f.Tag(), Data: data})
}

// DeserializeAny reads the tag and dispatches to its factory.
func (r *Registry[T]) DeserializeAny(b []byte) (T, error) {
	var zero T
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return zero, &DecodeError{Family: r.family, Err: err}
	}
	if env.Type == "" {
		return zero, &DecodeError{Family: r.family, Err: errors.New("missing type tag")}
	}
	f, err := r.factoryFor(env.Type)
	if err != nil {
		return zero, err
	}
	v, err := f.Deserialize(env.Data)
	if err != nil {
		return zero, &DecodeError{Family: r.family, Tag: env.Type, Err: err}
	}
	return v, nil
}

// EncodeWire appends [tag][payload] with uvarint length prefixes.
func (r *Registry[T]) EncodeWire(dst []byte, v T) ([]byte, error) {
	f, err := r.factoryFor(v.TypeTag())
	if err != nil {
		return dst, err
	}
	payload, err := f.EncodeWire(v)
	if err != nil {
		return dst, fmt.Errorf("encode %s/%s: %w", r.family, f.Tag(), err)
	}
	dst = AppendString(dst, string(f.Tag()))
	dst = AppendBytes(dst, payload)
	return dst, nil
}

// DecodeWire reads one [tag][payload] value from the front of b and returns
// the number of bytes consumed.
func (r *Registry[T]) DecodeWire(b []byte) (T, int, error) {
	var zero T
	rd := NewReader(b)
	tag := Tag(rd.Text())
	payload := rd.Bytes()
	if err := rd.Err(); err != nil {
		return zero, 0, &DecodeError{Family: r.family, Tag: tag, Err: err}
	}
	f, err := r.factoryFor(tag)
	if err != nil {
		return zero, 0, err
	}
	v, err := f.DecodeWire(payload)
	if err != nil {
		return zero, 0, &DecodeError{Family: r.family, Tag: tag, Err: err}
	}
	return v, rd.Offset(), nil
}

// FuncFactory builds a Factory for the concrete variant V of family T from
// plain functions. Persisted payloads default to encoding/json of V.
type FuncFactory[T Tagged, V Tagged] struct {
	TagValue Tag
	Encode   func(dst []byte, v V) []byte
	Decode   func(rd *Reader) V
}

// Tag implements Factory.
func (f FuncFactory[T, V]) Tag() Tag { return f.TagValue }

func (f FuncFactory[T, V]) cast(v T) (V, error) {
	c, ok := any(v).(V)
	if !ok {
		var zero V
		return zero, fmt.Errorf("factory: %s: value of type %T", f.TagValue, v)
	}
	return c, nil
}

// Serialize implements Factory.
func (f FuncFactory[T, V]) Serialize(v T) (json.RawMessage, error) {
	c, err := f.cast(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Deserialize implements Factory.
func (f FuncFactory[T, V]) Deserialize(data json.RawMessage) (T, error) {
	var zero T
	var c V
	if err := json.Unmarshal(data, &c); err != nil {
		return zero, err
	}
	out, ok := any(c).(T)
	if !ok {
		return zero, fmt.Errorf("factory: %s: %T does not implement the family", f.TagValue, c)
	}
	return out, nil
}

// EncodeWire implements Factory.
func (f FuncFactory[T, V]) EncodeWire(v T) ([]byte, error) {
	c, err := f.cast(v)
	if err != nil {
		return nil, err
	}
	return f.Encode(nil, c), nil
}

// DecodeWire implements Factory.
func (f FuncFactory[T, V]) DecodeWire(b []byte) (T, error) {
	var zero T
	rd := NewReader(b)
	c := f.Decode(rd)
	if err := rd.Err(); err != nil {
		return zero, err
	}
	if rd.Len() != 0 {
		return zero, fmt.Errorf("%d trailing bytes", rd.Len())
	}
	out, ok := any(c).(T)
	if !ok {
		return zero, fmt.Errorf("factory: %s: %T does not implement the family", f.TagValue, c)
	}
	return out, nil
}
