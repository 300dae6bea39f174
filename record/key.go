package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Key tags. Their numeric order is the cross-kind sort order.
const (
	keyTagBool   byte = 0x01
	keyTagNumber byte = 0x02
	keyTagString byte = 0x03
	keyTagBytes  byte = 0x04
)

// Escaping for variable-length keys: 0x00 is written as 0x00 0xFF and the
// value ends with 0x00 0x01, so an encoded key is never a prefix of a
// different encoded key and byte order equals value order.
const (
	keyEscape     byte = 0x00
	keyEscapedNul byte = 0xFF
	keyTerminator byte = 0x01
)

// EncodeKey returns the order-preserving encoding of a canonical value.
func EncodeKey(v any) ([]byte, error) {
	return AppendKey(nil, v)
}

// AppendKey appends the order-preserving encoding of v to dst.
func AppendKey(dst []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(dst, keyTagBool, b), nil
	case float64:
		if x == 0 {
			x = 0 // fold -0 into +0
		}
		bits := math.Float64bits(x)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		dst = append(dst, keyTagNumber)
		return binary.BigEndian.AppendUint64(dst, bits), nil
	case string:
		return appendEscaped(append(dst, keyTagString), []byte(x)), nil
	case []byte:
		return appendEscaped(append(dst, keyTagBytes), x), nil
	default:
		return nil, &TypeMismatchError{Got: fmt.Sprintf("%T", v)}
	}
}

func appendEscaped(dst, raw []byte) []byte {
	for _, c := range raw {
		if c == keyEscape {
			dst = append(dst, keyEscape, keyEscapedNul)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, keyEscape, keyTerminator)
}

// DecodeKey decodes one key from the front of b and returns the value and
// the number of bytes consumed.
func DecodeKey(b []byte) (any, int, error) {
	if len(b) == 0 {
		return nil, 0, fmt.Errorf("%w: empty key", ErrCorrupt)
	}
	switch b[0] {
	case keyTagBool:
		if len(b) < 2 || b[1] > 1 {
			return nil, 0, fmt.Errorf("%w: bad bool key", ErrCorrupt)
		}
		return b[1] == 1, 2, nil
	case keyTagNumber:
		if len(b) < 9 {
			return nil, 0, fmt.Errorf("%w: short number key", ErrCorrupt)
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), 9, nil
	case keyTagString, keyTagBytes:
		raw, n, err := decodeEscaped(b[1:])
		if err != nil {
			return nil, 0, err
		}
		if b[0] == keyTagString {
			return string(raw), n + 1, nil
		}
		return raw, n + 1, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown key tag 0x%02x", ErrCorrupt, b[0])
	}
}

func decodeEscaped(b []byte) ([]byte, int, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != keyEscape {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case keyTerminator:
			return out, i + 2, nil
		case keyEscapedNul:
			out = append(out, 0x00)
			i++
		default:
			return nil, 0, fmt.Errorf("%w: bad escape 0x%02x", ErrCorrupt, b[i+1])
		}
	}
	return nil, 0, fmt.Errorf("%w: unterminated key", ErrCorrupt)
}
