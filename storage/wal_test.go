package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := OpenWAL(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWALLogAndCommit(t *testing.T) {
	w := openTestWAL(t)

	before := make([]byte, PageSize)
	after := make([]byte, PageSize)
	after[0] = 0xAB

	if _, err := w.LogBegin(1); err != nil {
		t.Fatalf("LogBegin: %v", err)
	}
	if _, err := w.LogPageWrite(1, 5, before, after); err != nil {
		t.Fatalf("LogPageWrite: %v", err)
	}
	if err := w.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	writes := w.CommittedPageWrites()
	if len(writes) != 1 || writes[0].PageID != 5 {
		t.Fatalf("unexpected committed writes: %+v", writes)
	}
	if w.HasUncommittedWrites() {
		t.Fatal("expected no uncommitted writes after commit")
	}
}

func TestWALUncommittedTxnIsolatedForUndo(t *testing.T) {
	w := openTestWAL(t)

	before := make([]byte, PageSize)
	after := make([]byte, PageSize)
	after[0] = 1

	w.LogBegin(1)
	w.LogPageWrite(1, 2, before, after)
	// no commit/abort: transaction 1 is left in-flight

	if !w.HasUncommittedWrites() {
		t.Fatal("expected uncommitted writes to be detected")
	}
	pending := w.UncommittedTxnWrites()
	if len(pending[1]) != 1 {
		t.Fatalf("expected one pending write for txn 1, got %d", len(pending[1]))
	}
	if len(w.CommittedPageWrites()) != 0 {
		t.Fatal("in-flight writes must not appear as committed")
	}
}

func TestWALTruncateClearsRecords(t *testing.T) {
	w := openTestWAL(t)
	w.LogBegin(1)
	w.Commit(1)
	if w.RecordCount() == 0 {
		t.Fatal("expected records before truncate")
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if w.RecordCount() != 0 {
		t.Fatal("expected records to be cleared after truncate")
	}
}

func TestWALSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	before := make([]byte, PageSize)
	after := make([]byte, PageSize)
	w.LogBegin(9)
	w.LogPageWrite(9, 3, before, after)
	w.Commit(9)
	w.Close()

	reopened, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("reopen OpenWAL: %v", err)
	}
	defer reopened.Close()
	writes := reopened.CommittedPageWrites()
	if len(writes) != 1 || writes[0].PageID != 3 {
		t.Fatalf("unexpected writes after reopen: %+v", writes)
	}

	if _, statErr := os.Stat(path + ".wal"); statErr != nil {
		t.Fatalf("expected wal file on disk: %v", statErr)
	}
}
