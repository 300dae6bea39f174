// Package record defines brewkv records and their storage representation.
//
// A [Record] maps field names to values of four kinds: string, number
// (float64), bool and bytes. Records cross the API boundary by copy only:
// [Normalize] copies caller data in, [Clone] copies stored data out.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Sentinel errors for the record package.
var (
	ErrMissingPrimaryKey = errors.New("record: missing primary key")
	ErrTypeMismatch      = errors.New("record: type mismatch")
	ErrCorrupt           = errors.New("record: corrupt encoding")
)

// maxExactInt is the largest integer magnitude a float64 holds exactly.
const maxExactInt = 1 << 53

// Kind identifies the type of a field value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindNumber
	KindString
	KindBytes
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindBool:    "bool",
	KindNumber:  "number",
	KindString:  "string",
	KindBytes:   "bytes",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler so catalogs persist kind
// names rather than numbers.
func (k Kind) MarshalText() ([]byte, error) {
	if k == KindInvalid || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("record: cannot marshal %s", k)
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	kind, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind maps a kind name to its Kind.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if i != int(KindInvalid) && strings.EqualFold(n, name) {
			return Kind(i), nil
		}
	}
	return KindInvalid, fmt.Errorf("record: unknown kind %q", name)
}

// KindOf returns the kind of a canonical value, or KindInvalid.
func KindOf(v any) Kind {
	switch v.(type) {
	case bool:
		return KindBool
	case float64:
		return KindNumber
	case string:
		return KindString
	case []byte:
		return KindBytes
	default:
		return KindInvalid
	}
}

// TypeMismatchError reports a field whose value has the wrong or an
// unsupported type.
type TypeMismatchError struct {
	Field string
	Want  Kind // KindInvalid when any supported kind would do
	Got   string
}

func (e *TypeMismatchError) Error() string {
	if e.Want == KindInvalid {
		return fmt.Sprintf("record: field %q: unsupported value type %s", e.Field, e.Got)
	}
	return fmt.Sprintf("record: field %q: want %s, got %s", e.Field, e.Want, e.Got)
}

// Is makes errors.Is(err, ErrTypeMismatch) match.
func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// Record is a mapping from field name to value.
type Record map[string]any

// Layout describes the shape a table imposes on its records.
type Layout struct {
	// KeyPath names the primary key field.
	KeyPath string
	// Fields optionally declares kinds. The primary key is always declared.
	Fields map[string]Kind
}

// Key returns the primary key value of r.
func (l Layout) Key(r Record) (any, error) {
	v, ok := r[l.KeyPath]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: field %q", ErrMissingPrimaryKey, l.KeyPath)
	}
	return v, nil
}

// Validate checks that r has its primary key and that every declared field
// present in r has the declared kind.
func (l Layout) Validate(r Record) error {
	if _, err := l.Key(r); err != nil {
		return err
	}
	for name, v := range r {
		got := KindOf(v)
		if got == KindInvalid {
			return &TypeMismatchError{Field: name, Got: fmt.Sprintf("%T", v)}
		}
		if want, ok := l.Fields[name]; ok && want != got {
			return &TypeMismatchError{Field: name, Want: want, Got: got.String()}
		}
	}
	return nil
}

// NormalizeValue converts v into its canonical representation. Go integer
// and float32 values become float64; []byte is copied.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool:
		return x, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case []byte:
		return bytes.Clone(x), nil
	case int:
		return exactInt(int64(x))
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return exactInt(x)
	case uint:
		return exactUint(uint64(x))
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return exactUint(x)
	default:
		return nil, &TypeMismatchError{Got: fmt.Sprintf("%T", v)}
	}
}

func exactInt(i int64) (any, error) {
	if i > maxExactInt || i < -maxExactInt {
		return nil, &TypeMismatchError{Want: KindNumber, Got: fmt.Sprintf("integer %d beyond float64 precision", i)}
	}
	return float64(i), nil
}

func exactUint(u uint64) (any, error) {
	if u > maxExactInt {
		return nil, &TypeMismatchError{Want: KindNumber, Got: fmt.Sprintf("integer %d beyond float64 precision", u)}
	}
	return float64(u), nil
}

// Normalize returns a canonical deep copy of r.
func Normalize(r Record) (Record, error) {
	out := make(Record, len(r))
	for name, v := range r {
		nv, err := NormalizeValue(v)
		if err != nil {
			var tm *TypeMismatchError
			if errors.As(err, &tm) {
				tm.Field = name
			}
			return nil, err
		}
		out[name] = nv
	}
	return out, nil
}

// Clone returns a deep copy of a canonical record.
func Clone(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if b, ok := v.([]byte); ok {
			v = bytes.Clone(b)
		}
		out[k] = v
	}
	return out
}

// Equal reports whether two canonical records hold the same fields and
// values.
func Equal(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !ValueEqual(av, bv) {
			return false
		}
	}
	return true
}

// ValueEqual compares two canonical values.
func ValueEqual(a, b any) bool {
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case float64:
		y, ok := b.(float64)
		return ok && (x == y || (math.IsNaN(x) && math.IsNaN(y)))
	default:
		return a == b
	}
}
