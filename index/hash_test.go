package index

import (
	"testing"

	"github.com/entidb/entidb/codec"
)

func strValue(s string) codec.Value { return codec.String(s) }

func TestHashAddLookupRemove(t *testing.T) {
	pager := tempPager(t)
	h, err := NewHash("type", pager)
	if err != nil {
		t.Fatalf("NewHash: %v", err)
	}

	if err := h.Add(strValue("oracle"), 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.Add(strValue("oracle"), 4); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.Add(strValue("mysql"), 2); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ids, err := h.Lookup(strValue("oracle"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}

	if err := h.Remove(strValue("oracle"), 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ids, _ = h.Lookup(strValue("oracle"))
	if len(ids) != 1 || ids[0] != 4 {
		t.Fatalf("expected [4], got %v", ids)
	}
}

func TestHashLookupMissingKey(t *testing.T) {
	pager := tempPager(t)
	h, _ := NewHash("type", pager)
	ids, err := h.Lookup(strValue("nonexistent"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no ids, got %v", ids)
	}
}

func TestHashOverflowsIntoNewBucketPage(t *testing.T) {
	pager := tempPager(t)
	h, _ := NewHash("key", pager)
	for i := 0; i < 2000; i++ {
		if err := h.Add(strValue("shared"), uint64(i)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	ids, err := h.Lookup(strValue("shared"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(ids) != 2000 {
		t.Fatalf("expected 2000 ids, got %d", len(ids))
	}
}
