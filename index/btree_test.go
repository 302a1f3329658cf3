package index

import "testing"

func TestBTreeInsertLookupRemove(t *testing.T) {
	pager := tempPager(t)
	bt, err := NewBTree(pager)
	if err != nil {
		t.Fatalf("NewBTree: %v", err)
	}

	if err := bt.Insert("a", 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := bt.Insert("a", 2); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := bt.Insert("b", 3); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ids, err := bt.Lookup("a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids for a, got %v", ids)
	}

	if err := bt.Remove("a", 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ids, _ = bt.Lookup("a")
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected [2], got %v", ids)
	}
}

func TestBTreeSplitsAcrossManyKeys(t *testing.T) {
	pager := tempPager(t)
	bt, err := NewBTree(pager)
	if err != nil {
		t.Fatalf("NewBTree: %v", err)
	}

	for i := 0; i < 500; i++ {
		key := string(rune('a' + (i % 26)))
		if err := bt.Insert(key, uint64(i)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	entries, err := bt.AllEntries()
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	total := 0
	for _, ids := range entries {
		total += len(ids)
	}
	if total != 500 {
		t.Fatalf("expected 500 entries total, got %d", total)
	}
}

func TestBTreeRangeScanOpenBounds(t *testing.T) {
	pager := tempPager(t)
	bt, _ := NewBTree(pager)
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		if err := bt.Insert(k, 1); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	ids, err := bt.RangeScan("b", "d")
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids in [b,d], got %d", len(ids))
	}
}
