package query

import (
	"testing"

	"github.com/entidb/entidb/codec"
)

func TestPlanCacheGetPutInvalidate(t *testing.T) {
	pc := NewPlanCache()
	node := Equals("name", codec.String("alice"))
	key, err := node.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	if _, ok := pc.Get(key); ok {
		t.Fatal("expected empty cache miss")
	}

	plan := &AccessPlan{Kind: accessFullScan, Filter: node}
	pc.Put(key, plan)

	got, ok := pc.Get(key)
	if !ok || got != plan {
		t.Fatal("expected cached plan to be returned")
	}

	pc.Invalidate()
	if _, ok := pc.Get(key); ok {
		t.Fatal("expected cache to be empty after invalidate")
	}
}

func TestResultCacheGetPutInvalidateAll(t *testing.T) {
	rc := NewResultCache()
	key := []byte("some-query-key")

	rc.Put(key, []uint64{1, 2, 3})
	ids, ok := rc.Get(key)
	if !ok || len(ids) != 3 {
		t.Fatalf("expected cached ids, got %v", ids)
	}

	rc.InvalidateAll()
	if _, ok := rc.Get(key); ok {
		t.Fatal("expected result cache to be empty after InvalidateAll")
	}
}
