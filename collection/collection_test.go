package collection

import (
	"errors"
	"testing"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/entierr"
	"github.com/entidb/entidb/index"
	"github.com/entidb/entidb/query"
	"github.com/entidb/entidb/storage"
)

func openTestCollection(t *testing.T) *Collection {
	t.Helper()
	pager, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { pager.Close() })
	c, err := Open(pager)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func widget(name string, price int64) *codec.Document {
	d := codec.NewDocument()
	d.Set("name", codec.String(name))
	d.Set("price", codec.Int64(price))
	return d
}

func TestCollectionInsertGetDelete(t *testing.T) {
	c := openTestCollection(t)

	id, err := c.Insert(widget("Widget", 30))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	doc, ok, err := c.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get: doc=%v ok=%v err=%v", doc, ok, err)
	}
	name, _ := mustGet(doc, "name").String()
	if name != "Widget" {
		t.Fatalf("expected Widget, got %s", name)
	}

	deleted, err := c.Delete(id)
	if err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	_, ok, err = c.Get(id)
	if err != nil || ok {
		t.Fatalf("expected record gone after delete, ok=%v err=%v", ok, err)
	}
}

func mustGet(doc *codec.Document, field string) codec.Value {
	v, _ := doc.Get(field)
	return v
}

func TestCollectionUpdateOptimisticConcurrency(t *testing.T) {
	c := openTestCollection(t)
	id, err := c.Insert(widget("Widget", 30))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := c.Update(id, widget("Widget", 40), 1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v := c.Version(id); v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}

	err = c.Update(id, widget("Widget", 50), 1)
	if !errors.Is(err, entierr.ErrConcurrencyConflict) {
		t.Fatalf("expected ConcurrencyConflict, got %v", err)
	}

	doc, _, _ := c.Get(id)
	price, _ := mustGet(doc, "price").Int64()
	if price != 40 {
		t.Fatalf("expected price unchanged at 40 after rejected update, got %d", price)
	}
}

func TestCollectionFindWithIndex(t *testing.T) {
	c := openTestCollection(t)
	if err := c.CreateIndex("price", index.KindOrdered); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	for i := int64(0); i < 20; i++ {
		if _, err := c.Insert(widget("item", i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	node := query.Between("price", codec.Int64(5), codec.Int64(10), true, true)
	plan := c.Explain(node)
	if plan == nil {
		t.Fatal("expected a plan")
	}

	results, err := c.Find(node)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("expected 6 results in [5,10], got %d", len(results))
	}
}

func TestCollectionCountWhereAndExistsWhere(t *testing.T) {
	c := openTestCollection(t)
	for i := int64(0); i < 5; i++ {
		if _, err := c.Insert(widget("item", i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	n, err := c.CountWhere(query.GreaterThan("price", codec.Int64(2)))
	if err != nil {
		t.Fatalf("CountWhere: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 matches, got %d", n)
	}

	ok, err := c.ExistsWhere(query.Equals("name", codec.String("item")))
	if err != nil {
		t.Fatalf("ExistsWhere: %v", err)
	}
	if !ok {
		t.Fatal("expected a match")
	}
}

func TestCollectionDisposeRejectsFurtherOps(t *testing.T) {
	c := openTestCollection(t)
	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := c.Insert(widget("Widget", 1)); !errors.Is(err, entierr.ErrDisposed) {
		t.Fatalf("expected Disposed, got %v", err)
	}
}
