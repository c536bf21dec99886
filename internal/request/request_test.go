package request

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/talgya/mini-colony/internal/factory"
	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/world"
)

func sampleRequest() *Request {
	r := New(token.New(), token.New(),
		location.Entity{ID: token.New(), Pos: world.HexCoord{Q: 2, R: -1}, Known: true},
		requestable.Acquisition{Predicate: requestable.ItemPredicate{Tag: "log", MaxDamage: -1}, MinCount: 8})
	r.State = InProgress
	r.ResolverID = Ptr(token.New())
	r.Children = []token.Token{token.New(), token.New()}
	r.Parent = Ptr(token.New())
	r.CreatedSeq = 41
	r.CreatedTick = 1200
	r.UpdatedTick = 1203
	return r
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{Created, InProgress},
		{Created, Cancelled},
		{InProgress, Completed},
		{InProgress, Cancelled},
		{InProgress, Created},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]State{
		{Created, Completed},
		{Completed, Created},
		{Completed, Cancelled},
		{Cancelled, InProgress},
		{Cancelled, Created},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []State{Created, InProgress, Completed, Cancelled} {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseState("PAUSED"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestClone_IsDeep(t *testing.T) {
	r := sampleRequest()
	c := r.Clone()
	if !c.Equal(r) {
		t.Fatalf("clone differs from original")
	}
	c.Children[0] = token.New()
	*c.ResolverID = token.New()
	if c.Children[0] == r.Children[0] || *c.ResolverID == *r.ResolverID {
		t.Fatalf("clone shares storage with original")
	}
}

func TestCodec_RoundTripEveryPayload(t *testing.T) {
	codec := DefaultCodec()
	here := location.Structure{Pos: world.HexCoord{Q: 5, R: -2}}
	payloads := []requestable.Requestable{
		requestable.Delivery{From: here, To: location.Nowhere{}, Stack: requestable.ItemStack{Item: "bread", Count: 3}},
		requestable.Acquisition{Predicate: requestable.ItemPredicate{Tag: "log", MaxDamage: -1}, MinCount: 8},
		requestable.WorkOrder{Kind: requestable.WorkRepair, Structure: token.New(), Level: 3},
		requestable.Tool{Class: "axe", MinLevel: 1, MaxLevel: -1},
	}
	for _, p := range payloads {
		for _, n := range []int{0, 1, 3} {
			r := New(token.New(), token.New(), here, p)
			r.CreatedSeq = uint64(10 + n)
			r.CreatedTick = 900
			r.UpdatedTick = 900 + uint64(n)
			for range n {
				r.Children = append(r.Children, token.New())
			}
			if n > 0 {
				r.ResolverID = Ptr(token.New())
			}
			if n == 1 {
				r.Parent = Ptr(token.New())
			}

			b, err := codec.Encode(r)
			if err != nil {
				t.Fatalf("%s/%d: encode: %v", p.TypeTag(), n, err)
			}
			back, err := codec.Decode(b)
			if err != nil {
				t.Fatalf("%s/%d: decode: %v", p.TypeTag(), n, err)
			}
			if !back.Equal(r) {
				t.Fatalf("%s/%d: persisted round trip mismatch:\n got %+v\nwant %+v", p.TypeTag(), n, back, r)
			}

			wire, err := codec.EncodeWire([]byte{0xAB}, r)
			if err != nil {
				t.Fatalf("%s/%d: encode wire: %v", p.TypeTag(), n, err)
			}
			got, used, err := codec.DecodeWire(wire[1:])
			if err != nil {
				t.Fatalf("%s/%d: decode wire: %v", p.TypeTag(), n, err)
			}
			if used != len(wire)-1 || !got.Equal(r) {
				t.Fatalf("%s/%d: wire round trip mismatch (used %d of %d)", p.TypeTag(), n, used, len(wire)-1)
			}
		}
	}
}

func TestCodec_PersistedRecordKeys(t *testing.T) {
	codec := DefaultCodec()
	b, err := codec.Encode(sampleRequest())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("record is not an object: %v", err)
	}
	for _, k := range []string{"token", "requester", "requester_location", "payload", "state", "resolver", "children", "parent"} {
		if _, ok := raw[k]; !ok {
			t.Fatalf("persisted record missing %q: %s", k, b)
		}
	}
	if string(raw["state"]) != `"IN_PROGRESS"` {
		t.Fatalf("state persisted as %s", raw["state"])
	}
}

func TestCodec_RootRequestOmitsOptionalFields(t *testing.T) {
	codec := DefaultCodec()
	r := New(token.New(), token.New(), nil, requestable.Tool{Class: "pickaxe", MaxLevel: -1})
	b, err := codec.Encode(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(b, &raw)
	if _, ok := raw["resolver"]; ok {
		t.Fatalf("unassigned request persisted a resolver: %s", b)
	}
	if _, ok := raw["parent"]; ok {
		t.Fatalf("root request persisted a parent: %s", b)
	}
	back, err := codec.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Assigned() || back.IsChild() {
		t.Fatalf("decoded root request gained links: %+v", back)
	}
	if _, ok := back.RequesterLocation.(location.Nowhere); !ok {
		t.Fatalf("nil location should persist as nowhere, got %T", back.RequesterLocation)
	}
}

func TestCodec_UnknownPayloadTagIsError(t *testing.T) {
	codec := DefaultCodec()
	b, err := codec.Encode(sampleRequest())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(b, &raw)
	raw["payload"] = json.RawMessage(`{"type":"mystery","data":{}}`)
	tampered, _ := json.Marshal(raw)

	_, err = codec.Decode(tampered)
	if !errors.Is(err, factory.ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestCodec_DecodeAllDropsBadRecords(t *testing.T) {
	codec := DefaultCodec()
	good1, _ := codec.Encode(sampleRequest())
	good2, _ := codec.Encode(sampleRequest())
	records := [][]byte{
		good1,
		[]byte(`{"token":{"msb":1,"lsb":2},"payload":{"type":"mystery","data":{}},"state":"CREATED"}`),
		[]byte(`not json`),
		[]byte(`{"token":{"msb":1,"lsb":3},"payload":{"type":"tool","data":{}},"state":"PAUSED"}`),
		good2,
	}
	out, dropped := codec.DecodeAll(records)
	if len(out) != 2 || dropped != 3 {
		t.Fatalf("got %d decoded, %d dropped; want 2, 3", len(out), dropped)
	}
}

func TestCodec_LegacyIdentityUpgraded(t *testing.T) {
	codec := DefaultCodec()
	b := []byte(`{"token":4242,"requester":{"msb":0,"lsb":7},` +
		`"requester_location":{"type":"nowhere","data":{}},` +
		`"payload":{"type":"tool","data":{"class":"axe","min_level":0,"max_level":-1}},` +
		`"state":"CREATED","children":[]}`)
	r, err := codec.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.ID != token.FromLegacyID(4242) {
		t.Fatalf("legacy token not upgraded deterministically: %s", r.ID)
	}
}

func TestCodec_WireTruncatedIsError(t *testing.T) {
	codec := DefaultCodec()
	buf, err := codec.EncodeWire(nil, sampleRequest())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, cut := range []int{0, 10, 33, len(buf) - 1} {
		if _, _, err := codec.DecodeWire(buf[:cut]); err == nil {
			t.Fatalf("truncated at %d: expected error", cut)
		}
	}
}
