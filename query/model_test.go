package query

import (
	"testing"

	"github.com/entidb/entidb/codec"
)

func sampleDoc() *codec.Document {
	d := codec.NewDocument()
	d.Set("name", codec.String("alice"))
	d.Set("age", codec.Int64(30))
	d.Set("tags", codec.List([]codec.Value{codec.String("admin"), codec.String("staff")}))
	return d
}

func TestNodeMatchesLeafKinds(t *testing.T) {
	doc := sampleDoc()

	cases := []struct {
		name string
		node *Node
		want bool
	}{
		{"equals match", Equals("name", codec.String("alice")), true},
		{"equals mismatch", Equals("name", codec.String("bob")), false},
		{"not equals", NotEquals("name", codec.String("bob")), true},
		{"greater than", GreaterThan("age", codec.Int64(18)), true},
		{"less than false", LessThan("age", codec.Int64(18)), false},
		{"between inclusive", Between("age", codec.Int64(30), codec.Int64(40), true, true), true},
		{"in set", In("name", codec.String("bob"), codec.String("alice")), true},
		{"contains", Contains("tags", codec.String("admin")), true},
		{"contains miss", Contains("tags", codec.String("root")), false},
		{"starts with", StartsWith("name", "al"), true},
		{"ends with", EndsWith("name", "ce"), true},
		{"exists", Exists("age"), true},
		{"exists missing", Exists("missing"), false},
		{"is null missing field", IsNull("missing"), true},
		{"full text", FullText("name", "alice"), true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.node.Matches(doc); got != c.want {
				t.Fatalf("%s: got %v, want %v", c.name, got, c.want)
			}
		})
	}
}

func TestNodeMatchesBooleanCombinators(t *testing.T) {
	doc := sampleDoc()

	and := And(Equals("name", codec.String("alice")), GreaterThan("age", codec.Int64(18)))
	if !and.Matches(doc) {
		t.Fatal("expected AND to match")
	}

	or := Or(Equals("name", codec.String("bob")), GreaterThan("age", codec.Int64(18)))
	if !or.Matches(doc) {
		t.Fatal("expected OR to match")
	}

	not := Not(Equals("name", codec.String("bob")))
	if !not.Matches(doc) {
		t.Fatal("expected NOT to match")
	}
}

func TestNodeSerializeRoundTrip(t *testing.T) {
	original := And(
		Equals("name", codec.String("alice")),
		Between("age", codec.Int64(10), codec.Int64(40), true, false),
		Not(IsNull("tags")),
	)

	data, err := original.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	restored, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	doc := sampleDoc()
	if original.Matches(doc) != restored.Matches(doc) {
		t.Fatal("restored node disagrees with original on Matches")
	}
	if restored.Kind != KindAnd || len(restored.Children) != 3 {
		t.Fatalf("unexpected restored shape: %+v", restored)
	}
}

func TestNodeSerializeRoundTripExistsIsNull(t *testing.T) {
	original := Or(Exists("age"), IsNull("name"))
	data, err := original.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	restored, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	doc := sampleDoc()
	if original.Matches(doc) != restored.Matches(doc) {
		t.Fatal("restored node disagrees with original")
	}
}
