package factory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/talgya/mini-colony/internal/token"
)

// maxWireLen bounds any single length-prefixed field.
const maxWireLen = 1 << 20

var errTruncated = errors.New("truncated")

// AppendUvarint appends v as an unsigned varint.
func AppendUvarint(b []byte, v uint64) []byte { return binary.AppendUvarint(b, v) }

// AppendVarint appends v as a signed (zig-zag) varint.
func AppendVarint(b []byte, v int64) []byte { return binary.AppendVarint(b, v) }

// AppendString appends a length-prefixed string.
func AppendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// AppendBytes appends a length-prefixed byte slice.
func AppendBytes(b []byte, p []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

// AppendBool appends one byte.
func AppendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// AppendToken appends the 16-byte token form.
func AppendToken(b []byte, t token.Token) []byte { return t.AppendBinary(b) }

// Reader decodes the primitives written by the Append helpers. The first
// error sticks; later reads return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps b.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Err returns the first decode error.
func (r *Reader) Err() error { return r.err }

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

func (r *Reader) fail(what string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s at offset %d: %w", what, r.off, err)
	}
}

// Uvarint reads an unsigned varint.
func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("uvarint", errTruncated)
		return 0
	}
	r.off += n
	return v
}

// Varint reads a signed varint.
func (r *Reader) Varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail("varint", errTruncated)
		return 0
	}
	r.off += n
	return v
}

// Int reads a signed varint as int.
func (r *Reader) Int() int { return int(r.Varint()) }

// Byte reads one byte.
func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	if r.Len() < 1 {
		r.fail("byte", errTruncated)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// Bool reads one byte as a bool.
func (r *Reader) Bool() bool { return r.Byte() != 0 }

// Bytes reads a length-prefixed byte slice. The result aliases the buffer.
func (r *Reader) Bytes() []byte {
	n := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if n > maxWireLen {
		r.fail("bytes", fmt.Errorf("length %d exceeds limit", n))
		return nil
	}
	if uint64(r.Len()) < n {
		r.fail("bytes", errTruncated)
		return nil
	}
	p := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return p
}

// Text reads a length-prefixed string.
func (r *Reader) Text() string { return string(r.Bytes()) }

// Token reads a 16-byte token.
func (r *Reader) Token() token.Token {
	if r.err != nil {
		return token.Zero
	}
	t, err := token.ReadBinary(r.buf[r.off:])
	if err != nil {
		r.fail("token", err)
		return token.Zero
	}
	r.off += token.Size
	return t
}

// Rest returns the unread bytes and marks them consumed.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	p := r.buf[r.off:]
	r.off = len(r.buf)
	return p
}

// Skip advances n bytes.
func (r *Reader) Skip(n int) {
	if r.err != nil {
		return
	}
	if r.Len() < n {
		r.fail("skip", errTruncated)
		return
	}
	r.off += n
}
