// Package codec implements the Record Codec: a deterministic,
// versioned, self-describing binary encoding for EntiDB's dynamic
// record values, built around named, typed fields (Field{Name, Type,
// Value}, Encode/Decode). The sum type covers null, bool, i64, f64,
// string, bytes, list, map, plus five registered semantic types
// (timestamp, duration, URI, big integer, regex).
package codec

import (
	"fmt"
	"math/big"
	"time"

	"github.com/entidb/entidb/entierr"
)

// Kind tags the variant a Value holds. Implementers should not branch
// on Kind directly from outside this package; use the typed accessors
// below instead, which return entierr.ErrInvalidArgument on mismatch
// rather than exposing the variant.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindList
	KindMap
	KindTimestamp
	KindDuration
	KindURI
	KindBigInt
	KindRegex
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindTimestamp:
		return "timestamp"
	case KindDuration:
		return "duration"
	case KindURI:
		return "uri"
	case KindBigInt:
		return "bigint"
	case KindRegex:
		return "regex"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Regex is the registered semantic type for a regex pattern: the
// source pattern plus a flags string, both kept opaque to the codec
// itself. The query package's Regex node takes its pattern as a plain
// string and does not read this type or its flags.
type Regex struct {
	Pattern string
	Flags   string
}

// Value is the closed sum type for a record field. Exactly one of the
// typed fields is meaningful, selected by Kind; constructors below are
// the only supported way to build one.
type Value struct {
	Kind      Kind
	boolVal   bool
	intVal    int64
	floatVal  float64
	strVal    string
	bytesVal  []byte
	listVal   []Value
	mapVal    *Document
	timeVal   time.Time
	durVal    time.Duration
	bigVal    *big.Int
	regexVal  Regex
}

func Null() Value                   { return Value{Kind: KindNull} }
func Bool(b bool) Value             { return Value{Kind: KindBool, boolVal: b} }
func Int64(n int64) Value           { return Value{Kind: KindInt64, intVal: n} }
func Float64(f float64) Value       { return Value{Kind: KindFloat64, floatVal: f} }
func String(s string) Value         { return Value{Kind: KindString, strVal: s} }
func Bytes(b []byte) Value          { return Value{Kind: KindBytes, bytesVal: append([]byte(nil), b...)} }
func List(items []Value) Value      { return Value{Kind: KindList, listVal: items} }
func Map(doc *Document) Value       { return Value{Kind: KindMap, mapVal: doc} }
func Timestamp(t time.Time) Value   { return Value{Kind: KindTimestamp, timeVal: t.UTC()} }
func Duration(d time.Duration) Value { return Value{Kind: KindDuration, durVal: d} }
func URI(u string) Value            { return Value{Kind: KindURI, strVal: u} }
func BigInt(n *big.Int) Value       { return Value{Kind: KindBigInt, bigVal: new(big.Int).Set(n)} }
func RegexPattern(pattern, flags string) Value {
	return Value{Kind: KindRegex, regexVal: Regex{Pattern: pattern, Flags: flags}}
}

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// typed accessors — each returns entierr.ErrInvalidArgument wrapped
// with the expected/actual kind on mismatch instead of panicking.

func mismatch(want Kind, v Value) error {
	return fmt.Errorf("codec: expected %s, got %s: %w", want, v.Kind, entierr.ErrInvalidArgument)
}

func (v Value) Bool() (bool, error) {
	if v.Kind != KindBool {
		return false, mismatch(KindBool, v)
	}
	return v.boolVal, nil
}

func (v Value) Int64() (int64, error) {
	if v.Kind != KindInt64 {
		return 0, mismatch(KindInt64, v)
	}
	return v.intVal, nil
}

func (v Value) Float64() (float64, error) {
	if v.Kind != KindFloat64 {
		return 0, mismatch(KindFloat64, v)
	}
	return v.floatVal, nil
}

func (v Value) String() (string, error) {
	if v.Kind != KindString {
		return "", mismatch(KindString, v)
	}
	return v.strVal, nil
}

func (v Value) Bytes() ([]byte, error) {
	if v.Kind != KindBytes {
		return nil, mismatch(KindBytes, v)
	}
	return v.bytesVal, nil
}

func (v Value) List() ([]Value, error) {
	if v.Kind != KindList {
		return nil, mismatch(KindList, v)
	}
	return v.listVal, nil
}

func (v Value) Map() (*Document, error) {
	if v.Kind != KindMap {
		return nil, mismatch(KindMap, v)
	}
	return v.mapVal, nil
}

func (v Value) Timestamp() (time.Time, error) {
	if v.Kind != KindTimestamp {
		return time.Time{}, mismatch(KindTimestamp, v)
	}
	return v.timeVal, nil
}

func (v Value) Duration() (time.Duration, error) {
	if v.Kind != KindDuration {
		return 0, mismatch(KindDuration, v)
	}
	return v.durVal, nil
}

func (v Value) URI() (string, error) {
	if v.Kind != KindURI {
		return "", mismatch(KindURI, v)
	}
	return v.strVal, nil
}

func (v Value) BigInt() (*big.Int, error) {
	if v.Kind != KindBigInt {
		return nil, mismatch(KindBigInt, v)
	}
	return v.bigVal, nil
}

func (v Value) Regex() (Regex, error) {
	if v.Kind != KindRegex {
		return Regex{}, mismatch(KindRegex, v)
	}
	return v.regexVal, nil
}

// Equal reports deep equality between two values, used by the Equals
// and In query nodes.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.boolVal == b.boolVal
	case KindInt64:
		return a.intVal == b.intVal
	case KindFloat64:
		return a.floatVal == b.floatVal
	case KindString, KindURI:
		return a.strVal == b.strVal
	case KindBytes:
		if len(a.bytesVal) != len(b.bytesVal) {
			return false
		}
		for i := range a.bytesVal {
			if a.bytesVal[i] != b.bytesVal[i] {
				return false
			}
		}
		return true
	case KindList:
		if len(a.listVal) != len(b.listVal) {
			return false
		}
		for i := range a.listVal {
			if !Equal(a.listVal[i], b.listVal[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return documentsEqual(a.mapVal, b.mapVal)
	case KindTimestamp:
		return a.timeVal.Equal(b.timeVal)
	case KindDuration:
		return a.durVal == b.durVal
	case KindBigInt:
		return a.bigVal.Cmp(b.bigVal) == 0
	case KindRegex:
		return a.regexVal == b.regexVal
	default:
		return false
	}
}

func documentsEqual(a, b *Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i].Name != b.Fields[i].Name || !Equal(a.Fields[i].Value, b.Fields[i].Value) {
			return false
		}
	}
	return true
}
