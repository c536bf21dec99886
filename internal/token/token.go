// Package token provides the opaque 128-bit identities used for requests,
// requesters, resolvers and colonies.
package token

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Size is the encoded wire size of a token in bytes.
const Size = 16

// ErrShortBuffer is returned when a wire buffer holds fewer than Size bytes.
var ErrShortBuffer = errors.New("token: short buffer")

// legacyNamespace seeds the deterministic upgrade of integer ids written by
// older saves. Changing it would re-key every upgraded save.
var legacyNamespace = uuid.MustParse("5f0c2c53-6b1e-4b8e-9a57-2f0d9e1c7a41")

// Token is an immutable identity made of two 64-bit words.
// The zero value is never issued and means "no token".
type Token struct {
	Hi uint64 // most significant bits
	Lo uint64 // least significant bits
}

// Zero is the unset token.
var Zero Token

// New issues a random (version 4) token.
func New() Token {
	return FromUUID(uuid.New())
}

// FromUUID splits a UUID into its two words.
func FromUUID(u uuid.UUID) Token {
	return Token{
		Hi: binary.BigEndian.Uint64(u[0:8]),
		Lo: binary.BigEndian.Uint64(u[8:16]),
	}
}

// FromLegacyID upgrades an integer identity from an older save format.
// The mapping is deterministic so every reference to the same old id
// resolves to the same token.
func FromLegacyID(id int64) Token {
	return FromUUID(uuid.NewSHA1(legacyNamespace, []byte(strconv.FormatInt(id, 10))))
}

// Parse reads the canonical UUID text form.
func Parse(s string) (Token, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Zero, fmt.Errorf("parse token %q: %w", s, err)
	}
	return FromUUID(u), nil
}

// UUID returns the token as a UUID.
func (t Token) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[0:8], t.Hi)
	binary.BigEndian.PutUint64(u[8:16], t.Lo)
	return u
}

// IsZero reports whether t is the unset token.
func (t Token) IsZero() bool {
	return t == Zero
}

// String returns the canonical UUID text form.
func (t Token) String() string {
	return t.UUID().String()
}

// Short returns the first eight hex digits, for logs.
func (t Token) Short() string {
	return t.String()[:8]
}

// Less orders tokens by value. Only used for stable output ordering.
func (t Token) Less(o Token) bool {
	if t.Hi != o.Hi {
		return t.Hi < o.Hi
	}
	return t.Lo < o.Lo
}

// AppendBinary appends the 16-byte wire form.
func (t Token) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, t.Hi)
	return binary.BigEndian.AppendUint64(b, t.Lo)
}

// ReadBinary decodes a token from the front of b.
func ReadBinary(b []byte) (Token, error) {
	if len(b) < Size {
		return Zero, ErrShortBuffer
	}
	return Token{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// persisted mirrors the Id_MSB / Id_LSB pair of the save format.
type persisted struct {
	MSB int64 `json:"msb"`
	LSB int64 `json:"lsb"`
}

// MarshalJSON writes {"msb": ..., "lsb": ...}.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(persisted{MSB: int64(t.Hi), LSB: int64(t.Lo)})
}

// UnmarshalJSON accepts the two-word object and, for saves written before
// tokens existed, a bare integer id which is upgraded with FromLegacyID.
func (t *Token) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.New("token: empty value")
	}
	switch {
	case b[0] == '{':
		var p persisted
		if err := json.Unmarshal(b, &p); err != nil {
			return fmt.Errorf("token: %w", err)
		}
		*t = Token{Hi: uint64(p.MSB), Lo: uint64(p.LSB)}
		return nil
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		id, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("token: legacy id: %w", err)
		}
		*t = FromLegacyID(id)
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("token: %w", err)
		}
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	return fmt.Errorf("token: unexpected JSON %q", string(b))
}

// Source issues new tokens.
type Source interface {
	Next() Token
}

// RandomSource issues random tokens.
type RandomSource struct{}

// Next implements Source.
func (RandomSource) Next() Token { return New() }

// SequenceSource issues predictable tokens (Hi = prefix, Lo = 1, 2, 3, ...).
// Used by tests and replays.
type SequenceSource struct {
	mu     sync.Mutex
	Prefix uint64
	next   uint64
}

// Next implements Source.
func (s *SequenceSource) Next() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return Token{Hi: s.Prefix, Lo: s.next}
}

// SeededSource issues version-4 tokens from a seeded generator, so a colony
// regenerated from the same seed gets the same identities.
type SeededSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededSource creates a SeededSource.
func NewSeededSource(seed int64) *SeededSource {
	return &SeededSource{rng: rand.New(rand.NewSource(seed))}
}

// Next implements Source.
func (s *SeededSource) Next() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		return New()
	}
	return FromUUID(u)
}
