package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// formatV1 is the only value format written today.
const formatV1 byte = 1

// DefaultCompressThreshold is the smallest payload worth compressing.
const DefaultCompressThreshold = 256

// Codec converts records to and from their stored byte form:
//
//	[format][compression][uvarint rawLen if compressed][payload]
//	payload: uvarint fieldCount, then per field sorted by name:
//	         uvarint nameLen, name, kind, value
//
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	compression Compression
	threshold   int
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCompression selects block compression for payloads above the
// threshold.
func WithCompression(c Compression) CodecOption {
	return func(cd *Codec) { cd.compression = c }
}

// WithCompressThreshold sets the minimum payload size that is compressed.
func WithCompressThreshold(n int) CodecOption {
	return func(cd *Codec) { cd.threshold = n }
}

// NewCodec returns a Codec. Without options records are stored
// uncompressed.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{threshold: DefaultCompressThreshold}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Encode validates r against layout and serialises it.
func (c *Codec) Encode(layout Layout, r Record) ([]byte, error) {
	if err := layout.Validate(r); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)

	payload := binary.AppendUvarint(nil, uint64(len(names)))
	for _, name := range names {
		payload = binary.AppendUvarint(payload, uint64(len(name)))
		payload = append(payload, name...)
		payload = appendValue(payload, r[name])
	}

	if c.compression != CompressionNone && len(payload) >= c.threshold {
		packed, err := compress(c.compression, payload)
		if err != nil {
			return nil, err
		}
		if packed != nil {
			out := make([]byte, 0, 2+binary.MaxVarintLen64+len(packed))
			out = append(out, formatV1, byte(c.compression))
			out = binary.AppendUvarint(out, uint64(len(payload)))
			return append(out, packed...), nil
		}
	}

	out := make([]byte, 0, 2+len(payload))
	out = append(out, formatV1, byte(CompressionNone))
	return append(out, payload...), nil
}

func appendValue(dst []byte, v any) []byte {
	switch x := v.(type) {
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(dst, byte(KindBool), b)
	case float64:
		dst = append(dst, byte(KindNumber))
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(x))
	case string:
		dst = append(dst, byte(KindString))
		dst = binary.AppendUvarint(dst, uint64(len(x)))
		return append(dst, x...)
	case []byte:
		dst = append(dst, byte(KindBytes))
		dst = binary.AppendUvarint(dst, uint64(len(x)))
		return append(dst, x...)
	}
	// Validate has already rejected every other type.
	panic(fmt.Sprintf("record: unexpected value type %T", v))
}

// Decode is the exact inverse of Encode. The returned record is owned by
// the caller.
func (c *Codec) Decode(data []byte) (Record, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: short value", ErrCorrupt)
	}
	if data[0] != formatV1 {
		return nil, fmt.Errorf("%w: unknown format %d", ErrCorrupt, data[0])
	}

	comp := Compression(data[1])
	payload := data[2:]
	if comp != CompressionNone {
		size, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad raw length", ErrCorrupt)
		}
		raw, err := decompress(comp, payload[n:], size)
		if err != nil {
			return nil, err
		}
		payload = raw
	}

	r := newReader(payload)
	count := r.uvarint()
	if r.err != nil {
		return nil, r.err
	}
	// Every field takes at least one byte; reject absurd counts early.
	if count > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: field count %d", ErrCorrupt, count)
	}

	out := make(Record, count)
	for i := uint64(0); i < count; i++ {
		name := string(r.bytes(r.uvarint()))
		kind := Kind(r.u8())
		var v any
		switch kind {
		case KindBool:
			v = r.u8() == 1
		case KindNumber:
			v = math.Float64frombits(binary.BigEndian.Uint64(r.fixed(8)))
		case KindString:
			v = string(r.bytes(r.uvarint()))
		case KindBytes:
			b := r.bytes(r.uvarint())
			v = append(make([]byte, 0, len(b)), b...)
		default:
			if r.err == nil {
				r.err = fmt.Errorf("%w: unknown kind %d", ErrCorrupt, kind)
			}
		}
		if r.err != nil {
			return nil, r.err
		}
		out[name] = v
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.buf))
	}
	return out, nil
}

// reader is a sticky-error cursor over a payload.
type reader struct {
	buf []byte
	err error
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: truncated %s", ErrCorrupt, what)
	}
	r.buf = nil
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.fail("varint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) u8() byte {
	b := r.fixed(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) fixed(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if len(r.buf) < n {
		r.fail("field")
		return make([]byte, n)
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) bytes(n uint64) []byte {
	if n > uint64(len(r.buf)) {
		r.fail("bytes")
		return nil
	}
	return r.fixed(int(n))
}
