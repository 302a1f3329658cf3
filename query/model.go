// Package query implements the Query Model and Planner: a tree of
// comparison/combinator nodes built as plain Go structs (rather than
// parsed from text), a planner that uses an index scan for every leaf
// whose field is indexed and a full collection scan otherwise, and a
// lazy open/next/close executor. Callers build query.Node trees
// directly instead of writing query text. planner.go also holds
// cost-model helpers (shouldUseIndex, estimateDistinctPages) in the
// shape a SQL optimizer uses; Plan does not call them, and its Stats
// argument does not affect the chosen plan.
package query

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/entierr"
)

// Kind identifies a query tree node's operator.
type Kind byte

const (
	KindEquals Kind = iota
	KindNotEquals
	KindGreaterThan
	KindLessThan
	KindBetween
	KindIn
	KindContains
	KindStartsWith
	KindEndsWith
	KindRegex
	KindExists
	KindIsNull
	KindAnd
	KindOr
	KindNot
	KindFullText
)

// Node is a query tree node: a leaf compares one field, an internal
// node (And/Or/Not) combines children.
type Node struct {
	Kind     Kind
	Field    string
	Value    codec.Value
	Low      codec.Value
	High     codec.Value
	IncLow   bool
	IncHigh  bool
	Values   []codec.Value
	Children []*Node
}

func Equals(field string, v codec.Value) *Node     { return &Node{Kind: KindEquals, Field: field, Value: v} }
func NotEquals(field string, v codec.Value) *Node   { return &Node{Kind: KindNotEquals, Field: field, Value: v} }
func GreaterThan(field string, v codec.Value) *Node { return &Node{Kind: KindGreaterThan, Field: field, Value: v} }
func LessThan(field string, v codec.Value) *Node    { return &Node{Kind: KindLessThan, Field: field, Value: v} }

func Between(field string, lo, hi codec.Value, incLo, incHi bool) *Node {
	return &Node{Kind: KindBetween, Field: field, Low: lo, High: hi, IncLow: incLo, IncHigh: incHi}
}

func In(field string, values ...codec.Value) *Node {
	return &Node{Kind: KindIn, Field: field, Values: values}
}

func Contains(field string, v codec.Value) *Node   { return &Node{Kind: KindContains, Field: field, Value: v} }
func StartsWith(field, prefix string) *Node {
	return &Node{Kind: KindStartsWith, Field: field, Value: codec.String(prefix)}
}
func EndsWith(field, suffix string) *Node {
	return &Node{Kind: KindEndsWith, Field: field, Value: codec.String(suffix)}
}
func Regex(field, pattern string) *Node {
	return &Node{Kind: KindRegex, Field: field, Value: codec.String(pattern)}
}
func Exists(field string) *Node { return &Node{Kind: KindExists, Field: field} }
func IsNull(field string) *Node { return &Node{Kind: KindIsNull, Field: field} }
func FullText(field, term string) *Node {
	return &Node{Kind: KindFullText, Field: field, Value: codec.String(term)}
}

func And(children ...*Node) *Node { return &Node{Kind: KindAnd, Children: children} }
func Or(children ...*Node) *Node  { return &Node{Kind: KindOr, Children: children} }
func Not(child *Node) *Node       { return &Node{Kind: KindNot, Children: []*Node{child}} }

// Matches evaluates the node tree against a document directly, used
// for the Filter step applied to candidates an index could not fully
// resolve and for the full-scan fallback.
func (n *Node) Matches(doc *codec.Document) bool {
	switch n.Kind {
	case KindAnd:
		for _, c := range n.Children {
			if !c.Matches(doc) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range n.Children {
			if c.Matches(doc) {
				return true
			}
		}
		return len(n.Children) == 0
	case KindNot:
		return !n.Children[0].Matches(doc)
	case KindExists:
		_, ok := doc.Get(n.Field)
		return ok
	case KindIsNull:
		v, ok := doc.Get(n.Field)
		return !ok || v.Kind == codec.KindNull
	}

	v, ok := doc.Get(n.Field)
	if !ok {
		return false
	}
	switch n.Kind {
	case KindEquals:
		return codec.Equal(v, n.Value)
	case KindNotEquals:
		return !codec.Equal(v, n.Value)
	case KindGreaterThan:
		cmp, err := compare(v, n.Value)
		return err == nil && cmp > 0
	case KindLessThan:
		cmp, err := compare(v, n.Value)
		return err == nil && cmp < 0
	case KindBetween:
		loCmp, errLo := compare(v, n.Low)
		hiCmp, errHi := compare(v, n.High)
		if errLo != nil || errHi != nil {
			return false
		}
		okLo := loCmp > 0 || (n.IncLow && loCmp == 0)
		okHi := hiCmp < 0 || (n.IncHigh && hiCmp == 0)
		return okLo && okHi
	case KindIn:
		for _, want := range n.Values {
			if codec.Equal(v, want) {
				return true
			}
		}
		return false
	case KindContains:
		if v.Kind != codec.KindList {
			return false
		}
		list, _ := v.List()
		for _, item := range list {
			if codec.Equal(item, n.Value) {
				return true
			}
		}
		return false
	case KindStartsWith:
		s, err := v.String()
		want, _ := n.Value.String()
		return err == nil && strings.HasPrefix(s, want)
	case KindEndsWith:
		s, err := v.String()
		want, _ := n.Value.String()
		return err == nil && strings.HasSuffix(s, want)
	case KindRegex:
		s, err := v.String()
		if err != nil {
			return false
		}
		pattern, _ := n.Value.String()
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(s)
	case KindFullText:
		s, err := v.String()
		if err != nil {
			return false
		}
		term, _ := n.Value.String()
		return containsToken(s, term)
	}
	return false
}

// containsToken reports whether term equals one of text's
// whitespace-separated tokens, ignoring case, standing in for ranked
// full-text search.
func containsToken(text, term string) bool {
	term = strings.ToLower(term)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		if tok == term {
			return true
		}
	}
	return false
}

// compare orders two values the same way the ordered index does:
// numbers by magnitude, strings lexicographically, bool false < true,
// null first. Returns entierr.ErrInvalidArgument for incomparable kinds.
func compare(a, b codec.Value) (int, error) {
	ak, bk := canonicalClass(a), canonicalClass(b)
	if ak != bk {
		return 0, fmt.Errorf("query: incomparable values: %w", entierr.ErrInvalidArgument)
	}
	switch ak {
	case 0:
		return 0, nil
	case 1:
		av, _ := a.Bool()
		bv, _ := b.Bool()
		return boolCompare(av, bv), nil
	case 2:
		av, bv := numericOf(a), numericOf(b)
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case 3:
		av, _ := a.String()
		bv, _ := b.String()
		return strings.Compare(av, bv), nil
	}
	return 0, fmt.Errorf("query: incomparable values: %w", entierr.ErrInvalidArgument)
}

func canonicalClass(v codec.Value) int {
	switch v.Kind {
	case codec.KindNull:
		return 0
	case codec.KindBool:
		return 1
	case codec.KindInt64, codec.KindFloat64, codec.KindTimestamp, codec.KindDuration:
		return 2
	case codec.KindString, codec.KindURI:
		return 3
	default:
		return -1
	}
}

func numericOf(v codec.Value) float64 {
	switch v.Kind {
	case codec.KindInt64:
		n, _ := v.Int64()
		return float64(n)
	case codec.KindFloat64:
		f, _ := v.Float64()
		return f
	case codec.KindTimestamp:
		t, _ := v.Timestamp()
		return float64(t.UnixNano())
	case codec.KindDuration:
		d, _ := v.Duration()
		return float64(d)
	}
	return 0
}

func boolCompare(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

// Serialize produces a stable byte encoding used as plan-cache and
// result-cache keys, the same tagged-length-prefixed shape
// codec.Document.Encode uses.
func (n *Node) Serialize() ([]byte, error) {
	var buf []byte
	buf = append(buf, byte(n.Kind))
	buf = appendLenPrefixed(buf, []byte(n.Field))

	valBytes, err := encodeOneValue(n.Value)
	if err != nil {
		return nil, err
	}
	buf = appendLenPrefixed(buf, valBytes)

	loBytes, err := encodeOneValue(n.Low)
	if err != nil {
		return nil, err
	}
	buf = appendLenPrefixed(buf, loBytes)
	hiBytes, err := encodeOneValue(n.High)
	if err != nil {
		return nil, err
	}
	buf = appendLenPrefixed(buf, hiBytes)

	flags := byte(0)
	if n.IncLow {
		flags |= 1
	}
	if n.IncHigh {
		flags |= 2
	}
	buf = append(buf, flags)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(n.Values)))
	buf = append(buf, lenBuf[:]...)
	for _, v := range n.Values {
		vb, err := encodeOneValue(v)
		if err != nil {
			return nil, err
		}
		buf = appendLenPrefixed(buf, vb)
	}

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(n.Children)))
	buf = append(buf, lenBuf[:]...)
	for _, c := range n.Children {
		cb, err := c.Serialize()
		if err != nil {
			return nil, err
		}
		buf = appendLenPrefixed(buf, cb)
	}
	return buf, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func encodeOneValue(v codec.Value) ([]byte, error) {
	doc := codec.NewDocument()
	doc.Set("v", v)
	return doc.Encode(), nil
}

func decodeOneValue(data []byte) (codec.Value, error) {
	doc, err := codec.Decode(data)
	if err != nil {
		return codec.Value{}, err
	}
	v, _ := doc.Get("v")
	return v, nil
}

// Deserialize reconstructs a Node tree from bytes produced by Serialize.
func Deserialize(data []byte) (*Node, error) {
	n, rest, err := deserializeNode(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("query: trailing bytes after node: %w", entierr.ErrDecoding)
	}
	return n, nil
}

func deserializeNode(data []byte) (*Node, []byte, error) {
	if len(data) < 1 {
		return nil, nil, fmt.Errorf("query: truncated node: %w", entierr.ErrDecoding)
	}
	n := &Node{Kind: Kind(data[0])}
	rest := data[1:]

	fieldBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, nil, err
	}
	n.Field = string(fieldBytes)

	for _, dst := range []*codec.Value{&n.Value, &n.Low, &n.High} {
		vb, r, err := readLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		if len(vb) > 0 {
			v, err := decodeOneValue(vb)
			if err != nil {
				return nil, nil, err
			}
			*dst = v
		}
	}

	if len(rest) < 1 {
		return nil, nil, fmt.Errorf("query: truncated node flags: %w", entierr.ErrDecoding)
	}
	flags := rest[0]
	n.IncLow = flags&1 != 0
	n.IncHigh = flags&2 != 0
	rest = rest[1:]

	if len(rest) < 4 {
		return nil, nil, fmt.Errorf("query: truncated node values count: %w", entierr.ErrDecoding)
	}
	numValues := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	for i := uint32(0); i < numValues; i++ {
		vb, r, err := readLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		v, err := decodeOneValue(vb)
		if err != nil {
			return nil, nil, err
		}
		n.Values = append(n.Values, v)
	}

	if len(rest) < 4 {
		return nil, nil, fmt.Errorf("query: truncated node children count: %w", entierr.ErrDecoding)
	}
	numChildren := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	for i := uint32(0); i < numChildren; i++ {
		cb, r, err := readLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		child, err := Deserialize(cb)
		if err != nil {
			return nil, nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, rest, nil
}

func readLenPrefixed(data []byte) (value []byte, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("query: truncated length prefix: %w", entierr.ErrDecoding)
	}
	n := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, fmt.Errorf("query: truncated payload: %w", entierr.ErrDecoding)
	}
	return data[:n], data[n:], nil
}
