package token

import (
	"encoding/json"
	"testing"
)

func TestToken_UUIDRoundTrip(t *testing.T) {
	tok := New()
	if tok.IsZero() {
		t.Fatalf("New returned zero token")
	}
	back, err := Parse(tok.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back != tok {
		t.Fatalf("round trip mismatch: %v != %v", back, tok)
	}
}

func TestToken_BinaryRoundTrip(t *testing.T) {
	tok := Token{Hi: 0xdeadbeef00000001, Lo: 42}
	b := tok.AppendBinary([]byte{0xff})
	if len(b) != 1+Size {
		t.Fatalf("unexpected length %d", len(b))
	}
	got, err := ReadBinary(b[1:])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != tok {
		t.Fatalf("got %v want %v", got, tok)
	}
	if _, err := ReadBinary(b[1:10]); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestToken_JSONTwoWords(t *testing.T) {
	tok := Token{Hi: 1 << 63, Lo: 7}
	b, err := json.Marshal(tok)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Token
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != tok {
		t.Fatalf("got %v want %v", back, tok)
	}
}

func TestToken_LegacyIntegerUpgrade(t *testing.T) {
	var a, b Token
	if err := json.Unmarshal([]byte(`17`), &a); err != nil {
		t.Fatalf("unmarshal legacy: %v", err)
	}
	if err := json.Unmarshal([]byte(` 17 `), &b); err != nil {
		t.Fatalf("unmarshal legacy: %v", err)
	}
	if a != b || a != FromLegacyID(17) {
		t.Fatalf("legacy upgrade not deterministic: %v %v", a, b)
	}
	if FromLegacyID(17) == FromLegacyID(18) {
		t.Fatalf("distinct legacy ids collided")
	}
	if a.UUID().Version() != 5 {
		t.Fatalf("expected version 5 uuid, got %d", a.UUID().Version())
	}
}

func TestToken_UnmarshalRejectsGarbage(t *testing.T) {
	var tok Token
	for _, in := range []string{`true`, `[]`, `"not-a-uuid"`, `1.5`} {
		if err := json.Unmarshal([]byte(in), &tok); err == nil {
			t.Fatalf("expected error for %s", in)
		}
	}
}

func TestSequenceSource_Distinct(t *testing.T) {
	src := &SequenceSource{Prefix: 9}
	seen := make(map[Token]bool)
	for i := 0; i < 1000; i++ {
		tok := src.Next()
		if seen[tok] {
			t.Fatalf("duplicate token %v at %d", tok, i)
		}
		seen[tok] = true
	}
}

func TestSeededSource_Reproducible(t *testing.T) {
	a, b := NewSeededSource(42), NewSeededSource(42)
	for i := 0; i < 10; i++ {
		x, y := a.Next(), b.Next()
		if x != y {
			t.Fatalf("step %d: %s != %s", i, x, y)
		}
		if x.UUID().Version() != 4 {
			t.Fatalf("seeded token is not a version 4 uuid: %s", x)
		}
	}
	if NewSeededSource(1).Next() == NewSeededSource(2).Next() {
		t.Fatalf("different seeds produced the same first token")
	}
}
