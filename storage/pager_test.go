package storage

import "testing"

func TestPagerAllocateAndReadWrite(t *testing.T) {
	p, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer p.Close()

	txn, err := p.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	pid, err := p.AllocatePage(txn)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	page := NewPage(PageTypeRecord, pid)
	page.AppendRecord(1, []byte("hello"))
	if err := p.WritePage(txn, pid, page.Data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := p.CommitTx(txn); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	data, err := p.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	p.UnpinPage(pid)
	got := Page{Data: data}
	slots := got.ReadRecords()
	if len(slots) != 1 || string(slots[0].Data) != "hello" {
		t.Fatalf("unexpected slots: %+v", slots)
	}
}

func TestPagerRollbackDiscardsWrites(t *testing.T) {
	p, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer p.Close()

	txn, _ := p.BeginTx()
	pid, _ := p.AllocatePage(txn)
	page := NewPage(PageTypeRecord, pid)
	page.AppendRecord(1, []byte("ephemeral"))
	if err := p.WritePage(txn, pid, page.Data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := p.RollbackTx(txn); err != nil {
		t.Fatalf("RollbackTx: %v", err)
	}

	data, err := p.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	p.UnpinPage(pid)
	got := Page{Data: data}
	if got.NumRecords() != 0 {
		t.Fatalf("expected rolled-back page to be empty, got %d records", got.NumRecords())
	}
}

func TestPagerIndexRootRoundTrip(t *testing.T) {
	p, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer p.Close()

	p.SetIndexRoot("email", 7)
	if got := p.IndexRoot("email"); got != 7 {
		t.Fatalf("IndexRoot: got %d, want 7", got)
	}
	p.DropIndexRoot("email")
	if got := p.IndexRoot("email"); got != 0 {
		t.Fatalf("IndexRoot after drop: got %d, want 0", got)
	}
}
