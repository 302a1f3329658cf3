package query

import (
	"testing"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/index"
	"github.com/entidb/entidb/storage"
)

func newTestEnv(t *testing.T) (*storage.Pager, *index.Manager, *storage.RecordStore) {
	t.Helper()
	pager, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { pager.Close() })
	mgr := index.NewManager(pager)
	rs, err := storage.OpenRecordStore(pager)
	if err != nil {
		t.Fatalf("OpenRecordStore: %v", err)
	}
	return pager, mgr, rs
}

func TestShouldUseIndexPrefersIndexForSelectiveMatch(t *testing.T) {
	stats := Stats{RowCount: 100000, PageCount: 5000}
	if !shouldUseIndex(10, stats) {
		t.Fatal("expected index preferred for a highly selective match")
	}
}

func TestShouldUseIndexPrefersScanForLargeMatch(t *testing.T) {
	stats := Stats{RowCount: 1000, PageCount: 50}
	if shouldUseIndex(900, stats) {
		t.Fatal("expected full scan preferred when almost everything matches")
	}
}

func TestPlanEqualsUsesHashIndex(t *testing.T) {
	_, mgr, _ := newTestEnv(t)
	if err := mgr.CreateIndex("type", index.KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	node := Equals("type", codec.String("oracle"))
	plan := Plan(node, mgr, Stats{RowCount: 10, PageCount: 2})
	if plan.Kind != accessIndexScan {
		t.Fatalf("expected index scan, got %+v", plan)
	}
}

func TestPlanFallsBackToFullScanWithoutIndex(t *testing.T) {
	_, mgr, _ := newTestEnv(t)
	node := Equals("type", codec.String("oracle"))
	plan := Plan(node, mgr, Stats{RowCount: 10, PageCount: 2})
	if plan.Kind != accessFullScan {
		t.Fatalf("expected full scan, got %+v", plan)
	}
}

func TestPlanAndIntersectsIndexedLeavesKeepsResidual(t *testing.T) {
	_, mgr, _ := newTestEnv(t)
	if err := mgr.CreateIndex("type", index.KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	node := And(
		Equals("type", codec.String("oracle")),
		StartsWith("name", "a"),
	)
	plan := Plan(node, mgr, Stats{RowCount: 10, PageCount: 2})
	if plan.Kind != accessIntersect {
		t.Fatalf("expected intersect, got %+v", plan)
	}
	if len(plan.Children) != 1 {
		t.Fatalf("expected 1 indexed child, got %d", len(plan.Children))
	}
	if plan.Filter == nil {
		t.Fatal("expected residual filter for the unindexed leaf")
	}
}

func TestPlanOrFallsBackWhenOneBranchUnindexed(t *testing.T) {
	_, mgr, _ := newTestEnv(t)
	if err := mgr.CreateIndex("type", index.KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	node := Or(
		Equals("type", codec.String("oracle")),
		StartsWith("name", "a"),
	)
	plan := Plan(node, mgr, Stats{RowCount: 10, PageCount: 2})
	if plan.Kind != accessFullScan {
		t.Fatalf("expected full scan fallback, got %+v", plan)
	}
}
