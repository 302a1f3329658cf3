package codec

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/entidb/entidb/entierr"
)

// Field is one named slot of a Document. Order matters: maps preserve
// insertion order rather than sorting keys, which is why Fields is
// stored as a slice instead of a Go map.
type Field struct {
	Name  string
	Value Value
}

// Document is an ordered record body: the top-level shape stored per
// record, and also the shape of a nested KindMap value.
type Document struct {
	Fields []Field
}

// NewDocument builds an empty document ready for Set calls.
func NewDocument() *Document { return &Document{} }

// Get returns the named field's value and whether it was present.
func (d *Document) Get(name string) (Value, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Set assigns name to v, appending it if new and overwriting in place
// (preserving its original position) if the name already exists.
func (d *Document) Set(name string, v Value) {
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields[i].Value = v
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: v})
}

// Delete removes the named field, if present.
func (d *Document) Delete(name string) {
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields = append(d.Fields[:i], d.Fields[i+1:]...)
			return
		}
	}
}

// GetNested walks a dotted path ("address.city") through nested maps.
func (d *Document) GetNested(path string) (Value, bool) {
	name, rest, hasRest := cutDot(path)
	v, ok := d.Get(name)
	if !ok {
		return Value{}, false
	}
	if !hasRest {
		return v, true
	}
	sub, err := v.Map()
	if err != nil {
		return Value{}, false
	}
	return sub.GetNested(rest)
}

// SetNested walks or creates nested maps along a dotted path and sets
// the leaf value.
func (d *Document) SetNested(path string, v Value) {
	name, rest, hasRest := cutDot(path)
	if !hasRest {
		d.Set(name, v)
		return
	}
	existing, ok := d.Get(name)
	var sub *Document
	if ok {
		var err error
		sub, err = existing.Map()
		if err != nil {
			sub = NewDocument()
		}
	} else {
		sub = NewDocument()
	}
	sub.SetNested(rest, v)
	d.Set(name, Map(sub))
}

func cutDot(path string) (head, rest string, hasRest bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}

// EstimatedSize returns an upper-bound byte estimate of the encoded
// document, computed without encoding. Encode uses it as its output
// buffer's initial capacity; the record store decides inline versus
// overflow storage from the real encoded length, not from this value.
func (d *Document) EstimatedSize() int {
	n := 4 // field count
	for _, f := range d.Fields {
		n += 4 + len(f.Name) // name length prefix + bytes
		n += 1 + estimatedValueSize(f.Value)
	}
	return n
}

func estimatedValueSize(v Value) int {
	switch v.Kind {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt64, KindFloat64, KindDuration:
		return 8
	case KindTimestamp:
		return 8
	case KindString, KindURI:
		return 4 + len(v.strVal)
	case KindBytes:
		return 4 + len(v.bytesVal)
	case KindBigInt:
		return 5 + len(v.bigVal.Bytes())
	case KindRegex:
		return 8 + len(v.regexVal.Pattern) + len(v.regexVal.Flags)
	case KindList:
		n := 4
		for _, e := range v.listVal {
			n += 1 + estimatedValueSize(e)
		}
		return n
	case KindMap:
		if v.mapVal == nil {
			return 4
		}
		return v.mapVal.EstimatedSize()
	default:
		return 0
	}
}

// Encode serializes d into a tagged binary form: a field count, then
// for each field a length-prefixed name and a Kind-tagged value.
func (d *Document) Encode() []byte {
	out := make([]byte, 0, d.EstimatedSize())
	return encodeDocument(out, d)
}

func encodeDocument(out []byte, d *Document) []byte {
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(d.Fields)))
	out = append(out, countBuf[:]...)
	for _, f := range d.Fields {
		out = appendLenPrefixed(out, []byte(f.Name))
		out = encodeValue(out, f.Value)
	}
	return out
}

func appendLenPrefixed(out []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	out = append(out, lenBuf[:]...)
	out = append(out, b...)
	return out
}

func encodeValue(out []byte, v Value) []byte {
	out = append(out, byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.boolVal {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	case KindInt64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.intVal))
		out = append(out, buf[:]...)
	case KindFloat64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], floatBits(v.floatVal))
		out = append(out, buf[:]...)
	case KindString, KindURI:
		out = appendLenPrefixed(out, []byte(v.strVal))
	case KindBytes:
		out = appendLenPrefixed(out, v.bytesVal)
	case KindList:
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(v.listVal)))
		out = append(out, n[:]...)
		for _, e := range v.listVal {
			out = encodeValue(out, e)
		}
	case KindMap:
		out = encodeDocument(out, v.mapVal)
	case KindTimestamp:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.timeVal.UnixMilli()))
		out = append(out, buf[:]...)
	case KindDuration:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.durVal))
		out = append(out, buf[:]...)
	case KindBigInt:
		sign := byte(0)
		if v.bigVal.Sign() < 0 {
			sign = 1
		}
		out = append(out, sign)
		out = appendLenPrefixed(out, v.bigVal.Bytes())
	case KindRegex:
		out = appendLenPrefixed(out, []byte(v.regexVal.Pattern))
		out = appendLenPrefixed(out, []byte(v.regexVal.Flags))
	}
	return out
}

// Decode parses an Encode-produced byte slice back into a Document. An
// unrecognized Kind byte — a tag written by a newer codec version — is
// reported as entierr.ErrDecoding rather than silently dropped or
// misinterpreted.
func Decode(data []byte) (*Document, error) {
	d, rest, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("codec: %d trailing bytes: %w", len(rest), entierr.ErrDecoding)
	}
	return d, nil
}

func decodeDocument(data []byte) (*Document, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("codec: truncated field count: %w", entierr.ErrDecoding)
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	doc := &Document{Fields: make([]Field, 0, count)}
	for i := uint32(0); i < count; i++ {
		name, rest, err := readLenPrefixed(data)
		if err != nil {
			return nil, nil, err
		}
		data = rest
		v, rest2, err := decodeValue(data)
		if err != nil {
			return nil, nil, err
		}
		data = rest2
		doc.Fields = append(doc.Fields, Field{Name: string(name), Value: v})
	}
	return doc, data, nil
}

func readLenPrefixed(data []byte) (value []byte, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("codec: truncated length prefix: %w", entierr.ErrDecoding)
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, fmt.Errorf("codec: truncated payload: %w", entierr.ErrDecoding)
	}
	return data[:n], data[n:], nil
}

func decodeValue(data []byte) (Value, []byte, error) {
	if len(data) < 1 {
		return Value{}, nil, fmt.Errorf("codec: truncated tag: %w", entierr.ErrDecoding)
	}
	kind := Kind(data[0])
	data = data[1:]
	switch kind {
	case KindNull:
		return Null(), data, nil
	case KindBool:
		if len(data) < 1 {
			return Value{}, nil, fmt.Errorf("codec: truncated bool: %w", entierr.ErrDecoding)
		}
		return Bool(data[0] != 0), data[1:], nil
	case KindInt64:
		if len(data) < 8 {
			return Value{}, nil, fmt.Errorf("codec: truncated int64: %w", entierr.ErrDecoding)
		}
		return Int64(int64(binary.LittleEndian.Uint64(data[:8]))), data[8:], nil
	case KindFloat64:
		if len(data) < 8 {
			return Value{}, nil, fmt.Errorf("codec: truncated float64: %w", entierr.ErrDecoding)
		}
		return Float64(bitsToFloat(binary.LittleEndian.Uint64(data[:8]))), data[8:], nil
	case KindString:
		s, rest, err := readLenPrefixed(data)
		if err != nil {
			return Value{}, nil, err
		}
		return String(string(s)), rest, nil
	case KindURI:
		s, rest, err := readLenPrefixed(data)
		if err != nil {
			return Value{}, nil, err
		}
		return URI(string(s)), rest, nil
	case KindBytes:
		b, rest, err := readLenPrefixed(data)
		if err != nil {
			return Value{}, nil, err
		}
		return Bytes(b), rest, nil
	case KindList:
		if len(data) < 4 {
			return Value{}, nil, fmt.Errorf("codec: truncated list count: %w", entierr.ErrDecoding)
		}
		n := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		items := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			v, rest, err := decodeValue(data)
			if err != nil {
				return Value{}, nil, err
			}
			items = append(items, v)
			data = rest
		}
		return List(items), data, nil
	case KindMap:
		sub, rest, err := decodeDocument(data)
		if err != nil {
			return Value{}, nil, err
		}
		return Map(sub), rest, nil
	case KindTimestamp:
		if len(data) < 8 {
			return Value{}, nil, fmt.Errorf("codec: truncated timestamp: %w", entierr.ErrDecoding)
		}
		ms := int64(binary.LittleEndian.Uint64(data[:8]))
		return Timestamp(time.UnixMilli(ms)), data[8:], nil
	case KindDuration:
		if len(data) < 8 {
			return Value{}, nil, fmt.Errorf("codec: truncated duration: %w", entierr.ErrDecoding)
		}
		return Duration(time.Duration(binary.LittleEndian.Uint64(data[:8]))), data[8:], nil
	case KindBigInt:
		if len(data) < 1 {
			return Value{}, nil, fmt.Errorf("codec: truncated bigint sign: %w", entierr.ErrDecoding)
		}
		sign := data[0]
		data = data[1:]
		mag, rest, err := readLenPrefixed(data)
		if err != nil {
			return Value{}, nil, err
		}
		n := new(big.Int).SetBytes(mag)
		if sign == 1 {
			n.Neg(n)
		}
		return BigInt(n), rest, nil
	case KindRegex:
		pattern, rest, err := readLenPrefixed(data)
		if err != nil {
			return Value{}, nil, err
		}
		flags, rest2, err := readLenPrefixed(rest)
		if err != nil {
			return Value{}, nil, err
		}
		return RegexPattern(string(pattern), string(flags)), rest2, nil
	default:
		return Value{}, nil, fmt.Errorf("codec: unknown type tag %d: %w", byte(kind), entierr.ErrDecoding)
	}
}
