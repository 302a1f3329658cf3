package storage

import (
	"fmt"
	"sync"

	"github.com/entidb/entidb/entierr"
)

// DefaultBufferFrames is the default frame pool size.
const DefaultBufferFrames = 1024

// frame is one buffer pool slot: a doubly-linked-list node carrying
// pin bookkeeping on top of the usual LRU fields, since pinned frames
// must never be evicted while a caller holds them.
type frame struct {
	pageID uint32
	data   [PageSize]byte
	dirty  bool
	lsn    uint64
	pins   int
	prev   *frame
	next   *frame
}

// flushFunc durably persists an evicted dirty frame; it must guarantee
// the WAL is flushed through lsn before the page bytes reach the data
// file (the WAL-before-data rule).
type flushFunc func(pageID uint32, data [PageSize]byte, lsn uint64) error

// BufferManager is the pinned-page cache sitting between the Pager and
// raw page I/O. Eviction only considers unpinned frames, and callers
// must explicitly Unpin what they Pin.
type BufferManager struct {
	mu       sync.Mutex
	capacity int
	frames   map[uint32]*frame
	head     *frame // MRU
	tail     *frame // LRU
	hits     uint64
	misses   uint64
	flush    flushFunc
}

// SetFlush installs the callback evictLocked calls on a dirty frame
// before dropping it. Must not be called concurrently with Pin/Unpin.
func (b *BufferManager) SetFlush(fn flushFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flush = fn
}

// NewBufferManager builds a pool with the given frame capacity (0 uses
// DefaultBufferFrames).
func NewBufferManager(capacity int) *BufferManager {
	if capacity <= 0 {
		capacity = DefaultBufferFrames
	}
	return &BufferManager{
		capacity: capacity,
		frames:   make(map[uint32]*frame, capacity),
	}
}

// Lookup returns a cached page's data without pinning it, for callers
// that only want to check cache residency.
func (b *BufferManager) Lookup(pageID uint32) ([PageSize]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.frames[pageID]
	if !ok {
		b.misses++
		return [PageSize]byte{}, false
	}
	b.hits++
	return f.data, true
}

// Pin loads pageID into the pool if absent (via fill when provided) and
// increments its pin count, preventing eviction until a matching Unpin.
// Returns entierr.ErrBufferExhausted if the pool is full and every
// frame is pinned.
func (b *BufferManager) Pin(pageID uint32, fill func() ([PageSize]byte, error)) ([PageSize]byte, error) {
	b.mu.Lock()
	if f, ok := b.frames[pageID]; ok {
		f.pins++
		b.moveToFront(f)
		b.hits++
		data := f.data
		b.mu.Unlock()
		return data, nil
	}
	b.misses++
	b.mu.Unlock()

	var data [PageSize]byte
	var err error
	if fill != nil {
		data, err = fill()
		if err != nil {
			return [PageSize]byte{}, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.frames[pageID]; ok {
		f.pins++
		b.moveToFront(f)
		return f.data, nil
	}
	if len(b.frames) >= b.capacity {
		evicted, err := b.evictLocked()
		if err != nil {
			return [PageSize]byte{}, err
		}
		if !evicted {
			return [PageSize]byte{}, fmt.Errorf("buffer: pool full, no unpinned frame: %w", entierr.ErrBufferExhausted)
		}
	}
	f := &frame{pageID: pageID, data: data, pins: 1}
	b.frames[pageID] = f
	b.pushFront(f)
	return f.data, nil
}

// Unpin decrements a page's pin count and marks it dirty if the caller
// modified it, recording the LSN of the write that produced data so a
// later eviction can flush the WAL through it first. A frame with zero
// pins becomes eligible for eviction.
func (b *BufferManager) Unpin(pageID uint32, dirty bool, data *[PageSize]byte, lsn uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.frames[pageID]
	if !ok {
		return
	}
	if data != nil {
		f.data = *data
	}
	if dirty {
		f.dirty = true
		f.lsn = lsn
	}
	if f.pins > 0 {
		f.pins--
	}
}

// Invalidate drops a page from the pool regardless of pin state — used
// after a transaction rollback restores a before-image so stale cached
// data cannot resurface.
func (b *BufferManager) Invalidate(pageID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.frames[pageID]
	if !ok {
		return
	}
	b.removeNode(f)
	delete(b.frames, pageID)
}

// Clear empties the pool. Callers must ensure nothing is pinned first.
func (b *BufferManager) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = make(map[uint32]*frame, b.capacity)
	b.head = nil
	b.tail = nil
}

// DirtyPages returns the page ids currently marked dirty, for the
// buffer manager's half of the flush_through contract.
func (b *BufferManager) DirtyPages() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []uint32
	for id, f := range b.frames {
		if f.dirty {
			out = append(out, id)
		}
	}
	return out
}

// ClearDirty marks a page clean after its bytes have been durably
// flushed to the data file.
func (b *BufferManager) ClearDirty(pageID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.frames[pageID]; ok {
		f.dirty = false
	}
}

// Stats reports cache hit/miss counters and occupancy.
func (b *BufferManager) Stats() (hits, misses uint64, size, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits, b.misses, len(b.frames), b.capacity
}

func (b *BufferManager) HitRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := b.hits + b.misses
	if total == 0 {
		return 0
	}
	return float64(b.hits) / float64(total)
}

func (b *BufferManager) pushFront(f *frame) {
	f.prev = nil
	f.next = b.head
	if b.head != nil {
		b.head.prev = f
	}
	b.head = f
	if b.tail == nil {
		b.tail = f
	}
}

func (b *BufferManager) removeNode(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		b.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		b.tail = f.prev
	}
	f.prev = nil
	f.next = nil
}

func (b *BufferManager) moveToFront(f *frame) {
	if f == b.head {
		return
	}
	b.removeNode(f)
	b.pushFront(f)
}

// evictLocked walks from the LRU end looking for the first unpinned
// frame to evict, flushing it first if dirty. Returns false if every
// frame is pinned.
func (b *BufferManager) evictLocked() (bool, error) {
	for f := b.tail; f != nil; f = f.prev {
		if f.pins != 0 {
			continue
		}
		if f.dirty && b.flush != nil {
			if err := b.flush(f.pageID, f.data, f.lsn); err != nil {
				return false, fmt.Errorf("buffer: flush page %d on evict: %w", f.pageID, err)
			}
			f.dirty = false
		}
		b.removeNode(f)
		delete(b.frames, f.pageID)
		return true, nil
	}
	return false, nil
}
