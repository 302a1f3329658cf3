package index

import (
	"testing"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/storage"
)

func tempPager(t *testing.T) *storage.Pager {
	t.Helper()
	p, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestManagerCreateIndexAndMaintain(t *testing.T) {
	pager := tempPager(t)
	mgr := NewManager(pager)

	if err := mgr.CreateIndex("type", KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := mgr.CreateIndex("priority", KindOrdered); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	doc1 := codec.NewDocument()
	doc1.Set("type", codec.String("oracle"))
	doc1.Set("priority", codec.Int64(10))

	doc2 := codec.NewDocument()
	doc2.Set("type", codec.String("oracle"))
	doc2.Set("priority", codec.Int64(30))

	if err := mgr.OnInsert(1, doc1); err != nil {
		t.Fatalf("OnInsert: %v", err)
	}
	if err := mgr.OnInsert(2, doc2); err != nil {
		t.Fatalf("OnInsert: %v", err)
	}

	hashIdx, ok := mgr.Hash("type")
	if !ok {
		t.Fatal("expected hash index on type")
	}
	ids, err := hashIdx.Lookup(codec.String("oracle"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	ordIdx, ok := mgr.Ordered("priority")
	if !ok {
		t.Fatal("expected ordered index on priority")
	}
	rangeIDs, err := ordIdx.RangeScan(codec.Int64(5), codec.Int64(20))
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(rangeIDs) != 1 || rangeIDs[0] != 1 {
		t.Fatalf("expected [1], got %v", rangeIDs)
	}
}

func TestManagerOnUpdateMovesEntry(t *testing.T) {
	pager := tempPager(t)
	mgr := NewManager(pager)
	if err := mgr.CreateIndex("status", KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	oldDoc := codec.NewDocument()
	oldDoc.Set("status", codec.String("open"))
	newDoc := codec.NewDocument()
	newDoc.Set("status", codec.String("closed"))

	if err := mgr.OnInsert(1, oldDoc); err != nil {
		t.Fatalf("OnInsert: %v", err)
	}
	if err := mgr.OnUpdate(1, oldDoc, newDoc); err != nil {
		t.Fatalf("OnUpdate: %v", err)
	}

	idx, _ := mgr.Hash("status")
	openIDs, _ := idx.Lookup(codec.String("open"))
	if len(openIDs) != 0 {
		t.Fatalf("expected no entries for open, got %v", openIDs)
	}
	closedIDs, _ := idx.Lookup(codec.String("closed"))
	if len(closedIDs) != 1 || closedIDs[0] != 1 {
		t.Fatalf("expected [1] for closed, got %v", closedIDs)
	}
}

func TestManagerCreateIndexAlreadyExists(t *testing.T) {
	pager := tempPager(t)
	mgr := NewManager(pager)
	if err := mgr.CreateIndex("type", KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := mgr.CreateIndex("type", KindHash); err == nil {
		t.Fatal("expected error creating duplicate index")
	}
}

func TestManagerDropIndex(t *testing.T) {
	pager := tempPager(t)
	mgr := NewManager(pager)
	if err := mgr.CreateIndex("type", KindOrdered); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := mgr.DropIndex("type"); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	if err := mgr.DropIndex("type"); err == nil {
		t.Fatal("expected error dropping missing index")
	}
}
