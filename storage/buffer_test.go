package storage

import (
	"errors"
	"testing"
)

var errFlushBoom = errors.New("flush boom")

func fillWith(b byte) func() ([PageSize]byte, error) {
	return func() ([PageSize]byte, error) {
		var data [PageSize]byte
		data[0] = b
		return data, nil
	}
}

func TestBufferManagerPinPreventsEviction(t *testing.T) {
	bm := NewBufferManager(1)

	data, err := bm.Pin(1, fillWith(1))
	if err != nil {
		t.Fatalf("Pin(1): %v", err)
	}
	if data[0] != 1 {
		t.Fatalf("unexpected data: %v", data[0])
	}

	// Page 1 is still pinned; a second distinct page cannot evict it.
	if _, err := bm.Pin(2, fillWith(2)); err == nil {
		t.Fatal("expected BufferExhausted when the only frame is pinned")
	}

	bm.Unpin(1, false, nil, 0)
	if _, err := bm.Pin(2, fillWith(2)); err != nil {
		t.Fatalf("expected eviction to succeed once page 1 is unpinned: %v", err)
	}
}

func TestBufferManagerDirtyTracking(t *testing.T) {
	bm := NewBufferManager(4)
	bm.Pin(1, fillWith(1))
	if len(bm.DirtyPages()) != 0 {
		t.Fatal("freshly pinned page should not be dirty")
	}
	var data [PageSize]byte
	data[0] = 9
	bm.Unpin(1, true, &data, 7)
	dirty := bm.DirtyPages()
	if len(dirty) != 1 || dirty[0] != 1 {
		t.Fatalf("expected page 1 dirty, got %v", dirty)
	}
	bm.ClearDirty(1)
	if len(bm.DirtyPages()) != 0 {
		t.Fatal("expected no dirty pages after ClearDirty")
	}
}

func TestBufferManagerInvalidate(t *testing.T) {
	bm := NewBufferManager(4)
	bm.Pin(1, fillWith(1))
	bm.Unpin(1, false, nil, 0)
	bm.Invalidate(1)
	if _, ok := bm.Lookup(1); ok {
		t.Fatal("expected page to be gone after Invalidate")
	}
}

func TestBufferManagerEvictFlushesDirtyFrame(t *testing.T) {
	bm := NewBufferManager(1)
	var flushed []uint32
	bm.SetFlush(func(pageID uint32, data [PageSize]byte, lsn uint64) error {
		flushed = append(flushed, pageID)
		return nil
	})

	bm.Pin(1, fillWith(1))
	var data [PageSize]byte
	data[0] = 9
	bm.Unpin(1, true, &data, 42)

	if _, err := bm.Pin(2, fillWith(2)); err != nil {
		t.Fatalf("expected page 1 to be evicted and flushed: %v", err)
	}
	if len(flushed) != 1 || flushed[0] != 1 {
		t.Fatalf("expected dirty page 1 to be flushed on eviction, got %v", flushed)
	}
}

func TestBufferManagerEvictPropagatesFlushError(t *testing.T) {
	bm := NewBufferManager(1)
	bm.SetFlush(func(pageID uint32, data [PageSize]byte, lsn uint64) error {
		return errFlushBoom
	})

	bm.Pin(1, fillWith(1))
	var data [PageSize]byte
	bm.Unpin(1, true, &data, 1)

	if _, err := bm.Pin(2, fillWith(2)); err == nil {
		t.Fatal("expected flush error to surface from Pin")
	}
}
