package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/mini-colony/internal/factory"
	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
)

// ErrMalformed is returned for records that decode but break the request
// model (missing token, unknown state, no payload).
var ErrMalformed = errors.New("request: malformed record")

// Codec encodes requests in their persisted (JSON) and wire (binary) forms.
type Codec struct {
	Locations *factory.Registry[location.Location]
	Payloads  *factory.Registry[requestable.Requestable]
}

// DefaultCodec uses the package-level location and requestable registries.
func DefaultCodec() Codec {
	return Codec{Locations: location.Registry(), Payloads: requestable.Registry()}
}

type record struct {
	Token             token.Token     `json:"token"`
	Requester         token.Token     `json:"requester"`
	RequesterLocation json.RawMessage `json:"requester_location"`
	Payload           json.RawMessage `json:"payload"`
	State             State           `json:"state"`
	Resolver          *token.Token    `json:"resolver,omitempty"`
	Children          []token.Token   `json:"children"`
	Parent            *token.Token    `json:"parent,omitempty"`
	Seq               uint64          `json:"seq"`
	CreatedTick       uint64          `json:"created_tick"`
	UpdatedTick       uint64          `json:"updated_tick"`
}

// Encode returns the persisted JSON record of r.
func (c Codec) Encode(r *Request) ([]byte, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("encode %s: %w: no payload", r.ID, ErrMalformed)
	}
	loc := r.RequesterLocation
	if loc == nil {
		loc = location.Nowhere{}
	}
	locBytes, err := c.Locations.SerializeAny(loc)
	if err != nil {
		return nil, fmt.Errorf("encode %s location: %w", r.ID, err)
	}
	payload, err := c.Payloads.SerializeAny(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", r.ID, err)
	}
	children := r.Children
	if children == nil {
		children = []token.Token{}
	}
	return json.Marshal(record{
		Token:             r.ID,
		Requester:         r.RequesterID,
		RequesterLocation: locBytes,
		Payload:           payload,
		State:             r.State,
		Resolver:          r.ResolverID,
		Children:          children,
		Parent:            r.Parent,
		Seq:               r.CreatedSeq,
		CreatedTick:       r.CreatedTick,
		UpdatedTick:       r.UpdatedTick,
	})
}

// Decode reads a persisted JSON record. Unknown payload or location tags
// are errors; no default value is substituted.
func (c Codec) Decode(b []byte) (*Request, error) {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if rec.Token.IsZero() {
		return nil, fmt.Errorf("decode request: %w: missing token", ErrMalformed)
	}
	if len(rec.Payload) == 0 {
		return nil, fmt.Errorf("decode request %s: %w: missing payload", rec.Token, ErrMalformed)
	}
	payload, err := c.Payloads.DeserializeAny(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode request %s payload: %w", rec.Token, err)
	}
	var loc location.Location = location.Nowhere{}
	if len(rec.RequesterLocation) > 0 && string(rec.RequesterLocation) != "null" {
		loc, err = c.Locations.DeserializeAny(rec.RequesterLocation)
		if err != nil {
			return nil, fmt.Errorf("decode request %s location: %w", rec.Token, err)
		}
	}
	return &Request{
		ID:                rec.Token,
		RequesterID:       rec.Requester,
		RequesterLocation: loc,
		Payload:           payload,
		State:             rec.State,
		ResolverID:        rec.Resolver,
		Children:          rec.Children,
		Parent:            rec.Parent,
		CreatedSeq:        rec.Seq,
		CreatedTick:       rec.CreatedTick,
		UpdatedTick:       rec.UpdatedTick,
	}, nil
}

// DecodeAll decodes every record, dropping the ones that fail. Drops are
// logged and counted, never fatal.
func (c Codec) DecodeAll(records [][]byte) ([]*Request, int) {
	out := make([]*Request, 0, len(records))
	dropped := 0
	for i, b := range records {
		r, err := c.Decode(b)
		if err != nil {
			dropped++
			slog.Warn("dropping undecodable request", "index", i, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, dropped
}

const (
	wireHasResolver byte = 1 << iota
	wireHasParent
)

// EncodeWire appends the binary record of r to dst:
//
//	[token][requester][state][flags][resolver?][parent?]
//	[seq][created][updated][children][location][payload]
//
// where location and payload are registry wire values ([tag][bytes]).
func (c Codec) EncodeWire(dst []byte, r *Request) ([]byte, error) {
	if r.Payload == nil {
		return dst, fmt.Errorf("encode %s: %w: no payload", r.ID, ErrMalformed)
	}
	dst = factory.AppendToken(dst, r.ID)
	dst = factory.AppendToken(dst, r.RequesterID)
	dst = append(dst, byte(r.State))
	var flags byte
	if r.ResolverID != nil {
		flags |= wireHasResolver
	}
	if r.Parent != nil {
		flags |= wireHasParent
	}
	dst = append(dst, flags)
	if r.ResolverID != nil {
		dst = factory.AppendToken(dst, *r.ResolverID)
	}
	if r.Parent != nil {
		dst = factory.AppendToken(dst, *r.Parent)
	}
	dst = factory.AppendUvarint(dst, r.CreatedSeq)
	dst = factory.AppendUvarint(dst, r.CreatedTick)
	dst = factory.AppendUvarint(dst, r.UpdatedTick)
	dst = factory.AppendUvarint(dst, uint64(len(r.Children)))
	for _, ch := range r.Children {
		dst = factory.AppendToken(dst, ch)
	}
	loc := r.RequesterLocation
	if loc == nil {
		loc = location.Nowhere{}
	}
	var err error
	if dst, err = c.Locations.EncodeWire(dst, loc); err != nil {
		return dst, fmt.Errorf("encode %s location: %w", r.ID, err)
	}
	if dst, err = c.Payloads.EncodeWire(dst, r.Payload); err != nil {
		return dst, fmt.Errorf("encode %s payload: %w", r.ID, err)
	}
	return dst, nil
}

// maxWireChildren bounds the child count read from untrusted input.
const maxWireChildren = 4096

// DecodeWire reads one binary record from the front of b and returns the
// number of bytes consumed.
func (c Codec) DecodeWire(b []byte) (*Request, int, error) {
	rd := factory.NewReader(b)
	r := &Request{
		ID:          rd.Token(),
		RequesterID: rd.Token(),
	}
	r.State = State(rd.Byte())
	flags := rd.Byte()
	if flags&wireHasResolver != 0 {
		r.ResolverID = Ptr(rd.Token())
	}
	if flags&wireHasParent != 0 {
		r.Parent = Ptr(rd.Token())
	}
	r.CreatedSeq = rd.Uvarint()
	r.CreatedTick = rd.Uvarint()
	r.UpdatedTick = rd.Uvarint()
	n := rd.Uvarint()
	if err := rd.Err(); err != nil {
		return nil, 0, fmt.Errorf("decode request: %w", err)
	}
	if n > maxWireChildren {
		return nil, 0, fmt.Errorf("decode request %s: %w: %d children", r.ID, ErrMalformed, n)
	}
	if n > 0 {
		r.Children = make([]token.Token, 0, n)
		for range n {
			r.Children = append(r.Children, rd.Token())
		}
	}
	if err := rd.Err(); err != nil {
		return nil, 0, fmt.Errorf("decode request %s: %w", r.ID, err)
	}
	if !r.State.Valid() {
		return nil, 0, fmt.Errorf("decode request %s: %w: state %d", r.ID, ErrMalformed, r.State)
	}
	off := rd.Offset()
	loc, n1, err := c.Locations.DecodeWire(b[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("decode request %s location: %w", r.ID, err)
	}
	off += n1
	payload, n2, err := c.Payloads.DecodeWire(b[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("decode request %s payload: %w", r.ID, err)
	}
	off += n2
	r.RequesterLocation = loc
	r.Payload = payload
	return r, off, nil
}
