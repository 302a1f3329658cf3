package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/entidb/entidb/entierr"
)

func withTxn(t *testing.T, p *Pager, fn func(txn uint64) error) {
	t.Helper()
	txn, err := p.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := fn(txn); err != nil {
		p.RollbackTx(txn)
		t.Fatalf("txn body: %v", err)
	}
	if err := p.CommitTx(txn); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}
}

func TestRecordStoreInsertGetDelete(t *testing.T) {
	p, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	rs, err := OpenRecordStore(p)
	if err != nil {
		t.Fatalf("OpenRecordStore: %v", err)
	}

	var id uint64
	withTxn(t, p, func(txn uint64) error {
		var err error
		id, err = rs.Insert(txn, []byte("hello world"))
		return err
	})

	got, err := rs.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q", got)
	}
	if !rs.Exists(id) {
		t.Fatal("expected record to exist")
	}

	withTxn(t, p, func(txn uint64) error { return rs.Delete(txn, id) })

	if rs.Exists(id) {
		t.Fatal("expected record to be gone")
	}
	if _, err := rs.Get(id); !errors.Is(err, entierr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordStoreUpdateSameSize(t *testing.T) {
	p, _ := OpenMemory()
	rs, _ := OpenRecordStore(p)

	var id uint64
	withTxn(t, p, func(txn uint64) error {
		var err error
		id, err = rs.Insert(txn, []byte("AAAA"))
		return err
	})
	withTxn(t, p, func(txn uint64) error { return rs.Update(txn, id, []byte("BBBB")) })

	got, err := rs.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "BBBB" {
		t.Fatalf("got %q", got)
	}
}

func TestRecordStoreUpdateGrowsAndRelocates(t *testing.T) {
	p, _ := OpenMemory()
	rs, _ := OpenRecordStore(p)

	var id uint64
	withTxn(t, p, func(txn uint64) error {
		var err error
		id, err = rs.Insert(txn, []byte("short"))
		return err
	})

	big := bytes.Repeat([]byte("x"), 500)
	withTxn(t, p, func(txn uint64) error { return rs.Update(txn, id, big) })

	got, err := rs.Get(id)
	if err != nil {
		t.Fatalf("Get after relocate: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("relocated body mismatch, got len %d", len(got))
	}
}

func TestRecordStoreOverflowRecord(t *testing.T) {
	p, _ := OpenMemory()
	rs, _ := OpenRecordStore(p)

	big := bytes.Repeat([]byte("z"), PageSize*3)
	var id uint64
	withTxn(t, p, func(txn uint64) error {
		var err error
		id, err = rs.Insert(txn, big)
		return err
	})

	got, err := rs.Get(id)
	if err != nil {
		t.Fatalf("Get overflow record: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatal("overflow record mismatch")
	}
}

func TestRecordStoreDirectoryRebuildsOnReopen(t *testing.T) {
	p, _ := OpenMemory()
	rs, _ := OpenRecordStore(p)

	var id uint64
	withTxn(t, p, func(txn uint64) error {
		var err error
		id, err = rs.Insert(txn, []byte("persisted"))
		return err
	})

	rs2, err := OpenRecordStore(p)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := rs2.Get(id)
	if err != nil {
		t.Fatalf("Get after rebuild: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("got %q", got)
	}
}
