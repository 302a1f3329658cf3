package query

import (
	"testing"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/index"
	"github.com/entidb/entidb/storage"
)

type envBundle struct {
	pager *storage.Pager
	mgr   *index.Manager
	rs    *storage.RecordStore
}

func insertDoc(t *testing.T, env envBundle, doc *codec.Document) uint64 {
	t.Helper()
	txn, err := env.pager.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	id, err := env.rs.Insert(txn, doc.Encode())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := env.mgr.OnInsert(id, doc); err != nil {
		t.Fatalf("OnInsert: %v", err)
	}
	if err := env.pager.CommitTx(txn); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}
	return id
}

func TestExecutorFullScanWithFilter(t *testing.T) {
	pager, mgr, rs := newTestEnv(t)
	env := envBundle{pager: pager, mgr: mgr, rs: rs}

	for _, name := range []string{"alice", "bob", "carol"} {
		d := codec.NewDocument()
		d.Set("name", codec.String(name))
		insertDoc(t, env, d)
	}

	ex := NewExecutor(mgr, rs)
	plan := Plan(StartsWith("name", "a"), mgr, Stats{RowCount: 3, PageCount: 1})
	if plan.Kind != accessFullScan {
		t.Fatalf("expected full scan, got %+v", plan)
	}

	it, err := ex.Open(plan)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer it.Close()

	var names []string
	for {
		tup, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		v, _ := tup.Doc.Get("name")
		s, _ := v.String()
		names = append(names, s)
	}
	if len(names) != 1 || names[0] != "alice" {
		t.Fatalf("expected [alice], got %v", names)
	}
}

func TestExecutorIndexScan(t *testing.T) {
	pager, mgr, rs := newTestEnv(t)
	if err := mgr.CreateIndex("type", index.KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	env := envBundle{pager: pager, mgr: mgr, rs: rs}

	for i, typ := range []string{"oracle", "mysql", "oracle"} {
		d := codec.NewDocument()
		d.Set("type", codec.String(typ))
		d.Set("n", codec.Int64(int64(i)))
		insertDoc(t, env, d)
	}

	ex := NewExecutor(mgr, rs)
	plan := Plan(Equals("type", codec.String("oracle")), mgr, Stats{RowCount: 3, PageCount: 1})
	if plan.Kind != accessIndexScan {
		t.Fatalf("expected index scan, got %+v", plan)
	}

	it, err := ex.Open(plan)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer it.Close()

	count := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 oracle rows, got %d", count)
	}
}

func TestExecutorIntersect(t *testing.T) {
	pager, mgr, rs := newTestEnv(t)
	if err := mgr.CreateIndex("type", index.KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := mgr.CreateIndex("region", index.KindHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	env := envBundle{pager: pager, mgr: mgr, rs: rs}

	mk := func(typ, region string) *codec.Document {
		d := codec.NewDocument()
		d.Set("type", codec.String(typ))
		d.Set("region", codec.String(region))
		return d
	}
	insertDoc(t, env, mk("oracle", "us"))
	insertDoc(t, env, mk("oracle", "eu"))
	insertDoc(t, env, mk("mysql", "us"))

	ex := NewExecutor(mgr, rs)
	node := And(Equals("type", codec.String("oracle")), Equals("region", codec.String("us")))
	plan := Plan(node, mgr, Stats{RowCount: 3, PageCount: 1})
	if plan.Kind != accessIntersect {
		t.Fatalf("expected intersect, got %+v", plan)
	}

	it, err := ex.Open(plan)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer it.Close()

	count := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected 1 row matching both, got %d", count)
	}
}
