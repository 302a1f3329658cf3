package txn

import (
	"errors"
	"testing"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/collection"
	"github.com/entidb/entidb/entierr"
	"github.com/entidb/entidb/storage"
)

func openTestCollection(t *testing.T) *collection.Collection {
	t.Helper()
	pager, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { pager.Close() })
	c, err := collection.Open(pager)
	if err != nil {
		t.Fatalf("collection.Open: %v", err)
	}
	return c
}

func doc(name string) *codec.Document {
	d := codec.NewDocument()
	d.Set("name", codec.String(name))
	return d
}

func TestTransactionCommitAppliesBufferedOps(t *testing.T) {
	coll := openTestCollection(t)
	mgr := NewManager(coll)

	tx := mgr.Begin(ReadCommitted)
	if err := tx.Insert(doc("a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Insert(doc("b")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if coll.Count() != 2 {
		t.Fatalf("expected 2 records committed, got %d", coll.Count())
	}
}

func TestTransactionRollbackDiscardsBufferedOps(t *testing.T) {
	coll := openTestCollection(t)
	mgr := NewManager(coll)

	tx := mgr.Begin(ReadCommitted)
	if err := tx.Insert(doc("a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if coll.Count() != 0 {
		t.Fatalf("expected 0 records after rollback, got %d", coll.Count())
	}
}

func TestTransactionReadYourOwnWrites(t *testing.T) {
	coll := openTestCollection(t)
	mgr := NewManager(coll)

	tx := mgr.Begin(ReadCommitted)
	if err := tx.Insert(doc("a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// The id is only assigned at commit time; uncommitted reads by id
	// aren't possible before that point in this model, so instead
	// verify a pending update overrides a prior committed read.
	id, err := coll.Insert(doc("seed"))
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if _, _, err := tx.Get(id); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := tx.Update(id, doc("changed"), coll.Version(id)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, ok, err := tx.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get after buffered update: ok=%v err=%v", ok, err)
	}
	name, _ := mustGet(got, "name").String()
	if name != "changed" {
		t.Fatalf("expected to read own pending write, got %s", name)
	}
}

func mustGet(doc *codec.Document, field string) codec.Value {
	v, _ := doc.Get(field)
	return v
}

func TestTransactionSerializableConflictDetection(t *testing.T) {
	coll := openTestCollection(t)
	mgr := NewManager(coll)

	idX, err := coll.Insert(doc("x"))
	if err != nil {
		t.Fatalf("insert x: %v", err)
	}
	if _, err := coll.Insert(doc("y")); err != nil {
		t.Fatalf("insert y: %v", err)
	}

	t1 := mgr.Begin(Serializable)
	if _, _, err := t1.Get(idX); err != nil {
		t.Fatalf("t1.Get: %v", err)
	}

	// T2 updates x and commits, bumping its version.
	if err := coll.Update(idX, doc("x-changed"), coll.Version(idX)); err != nil {
		t.Fatalf("t2 update: %v", err)
	}

	if err := t1.Insert(doc("unrelated")); err != nil {
		t.Fatalf("t1 insert: %v", err)
	}
	err = t1.Commit()
	var conflictErr *entierr.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflictErr.ConflictingIDs) != 1 || conflictErr.ConflictingIDs[0] != idX {
		t.Fatalf("expected conflict on %s, got %v", idX, conflictErr.ConflictingIDs)
	}
}

func TestTransactionUpdateConcurrencyConflictAbortsAndUndoes(t *testing.T) {
	coll := openTestCollection(t)
	mgr := NewManager(coll)

	id, err := coll.Insert(doc("a"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tx := mgr.Begin(ReadCommitted)
	if err := tx.Insert(doc("b")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Stale expected version forces Collection.Update to reject this
	// buffered op during Commit, which must undo the insert above.
	if err := tx.Update(id, doc("a-v2"), 99); err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = tx.Commit()
	if !errors.Is(err, entierr.ErrConcurrencyConflict) {
		t.Fatalf("expected ConcurrencyConflict, got %v", err)
	}
	if coll.Count() != 1 {
		t.Fatalf("expected insert to be undone, count=%d", coll.Count())
	}
}
