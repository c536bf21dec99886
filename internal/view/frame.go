package view

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"

	"github.com/talgya/mini-colony/internal/factory"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
)

// frameVersion is the first byte of every binary frame.
const frameVersion = 1

const flagZstd byte = 1

// DefaultCompressAbove is the body size from which frames are compressed.
const DefaultCompressAbove = 4 << 10

// maxFrameRecords bounds record counts read from untrusted frames.
const maxFrameRecords = 1 << 16

// ErrBadFrame is returned for frames that cannot be decoded at all.
var ErrBadFrame = errors.New("view: bad frame")

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
)

// Codec encodes and decodes binary frames:
//
//	[version][type][flags][colony token][uvarint tick][body]
//
// SNAPSHOT and DELTA bodies are [uvarint n] then n length-prefixed request
// wire records. REMOVE is [uvarint n][tokens]; JOB_REQUESTS is
// [job token][uvarint n][tokens]. A zstd flag means the body is compressed.
type Codec struct {
	Requests      request.Codec
	CompressAbove int
}

// DefaultFrameCodec uses the default request codec.
func DefaultFrameCodec() Codec {
	return Codec{Requests: request.DefaultCodec(), CompressAbove: DefaultCompressAbove}
}

// Encode returns the binary form of f.
func (c Codec) Encode(f Frame) ([]byte, error) {
	var body []byte
	switch f.Type {
	case MsgSnapshot, MsgDelta:
		body = factory.AppendUvarint(body, uint64(len(f.Requests)))
		var rec []byte
		for _, r := range f.Requests {
			var err error
			rec, err = c.Requests.EncodeWire(rec[:0], r)
			if err != nil {
				return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
			}
			body = factory.AppendBytes(body, rec)
		}
	case MsgRemove:
		body = appendTokens(body, f.Tokens)
	case MsgJobRequests:
		body = factory.AppendToken(body, f.Job)
		body = appendTokens(body, f.Tokens)
	default:
		return nil, fmt.Errorf("encode frame: %w: type %s", ErrBadFrame, f.Type)
	}

	var flags byte
	if c.CompressAbove > 0 && len(body) >= c.CompressAbove {
		body = zenc.EncodeAll(body, nil)
		flags |= flagZstd
	}
	out := make([]byte, 0, 3+token.Size+10+len(body))
	out = append(out, frameVersion, byte(f.Type), flags)
	out = factory.AppendToken(out, f.Colony)
	out = factory.AppendUvarint(out, f.Tick)
	return append(out, body...), nil
}

func appendTokens(b []byte, ts []token.Token) []byte {
	b = factory.AppendUvarint(b, uint64(len(ts)))
	for _, t := range ts {
		b = factory.AppendToken(b, t)
	}
	return b
}

// Decode reads one frame. Request records that fail to decode (an unknown
// payload type, say) are skipped and counted in Frame.Skipped; a broken
// header or body framing fails the whole frame.
func (c Codec) Decode(b []byte) (Frame, error) {
	rd := factory.NewReader(b)
	version := rd.Byte()
	f := Frame{Type: MsgType(rd.Byte())}
	flags := rd.Byte()
	f.Colony = rd.Token()
	f.Tick = rd.Uvarint()
	if err := rd.Err(); err != nil {
		return Frame{}, fmt.Errorf("%w: header: %v", ErrBadFrame, err)
	}
	if version != frameVersion {
		return Frame{}, fmt.Errorf("%w: version %d", ErrBadFrame, version)
	}
	body := rd.Rest()
	if flags&flagZstd != 0 {
		var err error
		if body, err = zdec.DecodeAll(body, nil); err != nil {
			return Frame{}, fmt.Errorf("%w: decompress: %v", ErrBadFrame, err)
		}
	}
	rd = factory.NewReader(body)

	switch f.Type {
	case MsgSnapshot, MsgDelta:
		n := rd.Uvarint()
		if n > maxFrameRecords {
			return Frame{}, fmt.Errorf("%w: %d records", ErrBadFrame, n)
		}
		f.Requests = make([]*request.Request, 0, n)
		for range n {
			rec := rd.Bytes()
			if rd.Err() != nil {
				break
			}
			r, _, err := c.Requests.DecodeWire(rec)
			if err != nil {
				f.Skipped++
				slog.Warn("skipping undecodable record", "frame", f.Type, "tick", f.Tick, "error", err)
				continue
			}
			f.Requests = append(f.Requests, r)
		}
	case MsgRemove:
		f.Tokens = readTokens(rd)
	case MsgJobRequests:
		f.Job = rd.Token()
		f.Tokens = readTokens(rd)
	default:
		return Frame{}, fmt.Errorf("%w: type %s", ErrBadFrame, f.Type)
	}
	if err := rd.Err(); err != nil {
		return Frame{}, fmt.Errorf("%w: %s body: %v", ErrBadFrame, f.Type, err)
	}
	return f, nil
}

func readTokens(rd *factory.Reader) []token.Token {
	n := rd.Uvarint()
	if n > maxFrameRecords || uint64(rd.Len()) < n*token.Size {
		rd.Skip(rd.Len() + 1)
		return nil
	}
	out := make([]token.Token, 0, n)
	for range n {
		out = append(out, rd.Token())
	}
	return out
}
