package codec

import (
	"math/big"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc := NewDocument()
	doc.Set("name", String("ada"))
	doc.Set("age", Int64(36))
	doc.Set("score", Float64(3.5))
	doc.Set("active", Bool(true))
	doc.Set("nothing", Null())
	doc.Set("blob", Bytes([]byte{1, 2, 3}))
	doc.Set("tags", List([]Value{String("a"), String("b")}))
	doc.Set("created", Timestamp(time.UnixMilli(1700000000000)))
	doc.Set("ttl", Duration(5*time.Second))
	doc.Set("site", URI("https://example.com"))
	doc.Set("big", BigInt(big.NewInt(-123456789)))
	doc.Set("pattern", RegexPattern("^foo.*", "i"))

	nested := NewDocument()
	nested.Set("city", String("paris"))
	doc.Set("address", Map(nested))

	encoded := doc.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	for _, f := range doc.Fields {
		got, ok := decoded.Get(f.Name)
		if !ok {
			t.Fatalf("field %q missing after round trip", f.Name)
		}
		if !Equal(got, f.Value) {
			t.Errorf("field %q: got %+v, want %+v", f.Name, got, f.Value)
		}
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	// A single field whose value tag (0xFF) no registered Kind uses.
	data := []byte{1, 0, 0, 0, 1, 0, 0, 0, 'x', 0xFF}
	if _, err := Decode(data); err == nil {
		t.Fatal("expected decode error for unknown type tag")
	}
}

func TestSetNestedCreatesIntermediateMaps(t *testing.T) {
	doc := NewDocument()
	doc.SetNested("address.city", String("paris"))
	v, ok := doc.GetNested("address.city")
	if !ok {
		t.Fatal("expected nested value to be set")
	}
	s, err := v.String()
	if err != nil || s != "paris" {
		t.Fatalf("got %v, %v", s, err)
	}
}

func TestDeleteField(t *testing.T) {
	doc := NewDocument()
	doc.Set("a", Int64(1))
	doc.Set("b", Int64(2))
	doc.Delete("a")
	if _, ok := doc.Get("a"); ok {
		t.Fatal("field should have been deleted")
	}
	if _, ok := doc.Get("b"); !ok {
		t.Fatal("unrelated field should survive delete")
	}
}

func TestEstimatedSizeNonNegativeAndMonotonic(t *testing.T) {
	doc := NewDocument()
	base := doc.EstimatedSize()
	doc.Set("x", String("hello world"))
	if doc.EstimatedSize() <= base {
		t.Fatalf("expected estimated size to grow after adding a field")
	}
}
