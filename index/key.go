package index

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/entidb/entidb/codec"
)

// ValueToKey canonicalizes a codec.Value into a string whose byte
// ordering matches the natural comparison order of the value: null
// sorts first, then bool (false < true), then numbers by magnitude,
// then strings lexicographically. Negative numbers use an
// offset-binary encoding so byte comparison of the hex-encoded key
// matches numeric order, covering every codec.Value kind rather than
// a narrow fixed set of field types.
func ValueToKey(v codec.Value) string {
	switch v.Kind {
	case codec.KindNull:
		return "0"
	case codec.KindBool:
		b, _ := v.Bool()
		if b {
			return "1:1"
		}
		return "1:0"
	case codec.KindInt64:
		n, _ := v.Int64()
		return "2:" + hex.EncodeToString(int64SortBytes(n))
	case codec.KindFloat64:
		f, _ := v.Float64()
		return "2:" + hex.EncodeToString(float64SortBytes(f))
	case codec.KindTimestamp:
		t, _ := v.Timestamp()
		return "2:" + hex.EncodeToString(int64SortBytes(t.UnixNano()))
	case codec.KindDuration:
		d, _ := v.Duration()
		return "2:" + hex.EncodeToString(int64SortBytes(int64(d)))
	case codec.KindString:
		s, _ := v.String()
		return "3:" + s
	case codec.KindURI:
		s, _ := v.URI()
		return "3:" + s
	default:
		return fmt.Sprintf("9:%s", v.Kind)
	}
}

// int64SortBytes flips the sign bit so the resulting unsigned big-endian
// encoding preserves signed numeric order (the standard offset-binary
// trick): MinInt64 maps to all-zero bytes, MaxInt64 to all-ones.
func int64SortBytes(n int64) []byte {
	u := uint64(n) ^ (1 << 63)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return buf[:]
}

// float64SortBytes maps IEEE-754 bits to an order-preserving unsigned
// encoding: negative numbers flip every bit (reversing their natural
// descending bit-order into ascending), positive numbers flip only the
// sign bit.
func float64SortBytes(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return buf[:]
}
