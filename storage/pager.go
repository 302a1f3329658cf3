// Package storage implements EntiDB's paged storage core: the pager,
// buffer manager (buffer.go), write-ahead log (wal.go), and raw page
// layout (page.go). It addresses a single collection's worth of pages
// per file — the multi-collection façade and any query-language layer
// built on top are out of scope for this module.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/snappy"

	"github.com/entidb/entidb/contracts"
	"github.com/entidb/entidb/entierr"
)

// headerMagic identifies an EntiDB data file.
var headerMagic = [4]byte{'E', 'N', 'T', 'I'}

const headerFormatVersion = 1

// Header is the fixed page-0 layout: magic, format version, schema
// version, free-list head, and a small table of named index roots
// (index field name -> root page id) for the single collection this
// file holds.
type Header struct {
	SchemaVersion uint32
	FreeListHead  uint32
	DataFirstPage uint32
	NextRecordID  uint64
	IndexRoots    map[string]uint32
}

func newHeader() *Header {
	return &Header{SchemaVersion: 1, IndexRoots: map[string]uint32{}}
}

// Pager owns the data file, the WAL, the buffer pool, and optional page
// encryption. It is the only component that performs raw file I/O;
// everything else in this module addresses pages through it.
type Pager struct {
	mu         sync.RWMutex
	file       StorageFile
	wal        *WAL
	buffer     *BufferManager
	encryptor  contracts.Encryptor
	logger     contracts.Logger
	totalPages uint32
	header     *Header
	readOnly   bool

	nextTxnID uint64
	txnUndo   map[uint64]map[uint32][PageSize]byte // txnID -> pageID -> before-image
	txnDirty  map[uint64]map[uint32]bool           // pages a txn has written

	flushedMu    sync.Mutex
	flushedEarly map[uint32]bool // pages the buffer pool flushed under eviction pressure, ahead of their txn's commit

	lock *fileLock
}

// Option configures Open.
type Option func(*Pager)

// WithBufferFrames overrides the buffer pool's frame count.
func WithBufferFrames(n int) Option {
	return func(p *Pager) { p.buffer = NewBufferManager(n) }
}

// WithEncryptor installs a page-level encryptor (package encryption's
// AEAD, or contracts.NopEncryptor when disabled, which is the default).
func WithEncryptor(enc contracts.Encryptor) Option {
	return func(p *Pager) { p.encryptor = enc }
}

// WithLogger installs a structured logger; defaults to contracts.NopLogger.
func WithLogger(l contracts.Logger) Option {
	return func(p *Pager) { p.logger = l }
}

// Open opens or creates the data file at path, replaying its WAL to
// reach a consistent state before returning.
func Open(path string, opts ...Option) (*Pager, error) {
	file, lock, err := openOSFile(path, false)
	if err != nil {
		return nil, err
	}
	wal, err := OpenWAL(path)
	if err != nil {
		file.Close()
		lock.unlock()
		return nil, err
	}
	return open(file, wal, false, lock, opts...)
}

// OpenReadOnly opens a data file without attaching a WAL writer path;
// mutating calls return entierr.ErrReadOnly.
func OpenReadOnly(path string, opts ...Option) (*Pager, error) {
	file, lock, err := openOSFile(path, true)
	if err != nil {
		return nil, err
	}
	return open(file, nil, true, lock, opts...)
}

// OpenMemory builds a Pager over an in-memory file, for tests.
func OpenMemory(opts ...Option) (*Pager, error) {
	return open(NewMemFile(), nil, false, nil, opts...)
}

func open(file StorageFile, wal *WAL, readOnly bool, lock *fileLock, opts ...Option) (*Pager, error) {
	p := &Pager{
		lock:         lock,
		file:         file,
		wal:          wal,
		buffer:       NewBufferManager(DefaultBufferFrames),
		encryptor:    contracts.NopEncryptor{},
		logger:       contracts.NopLogger{},
		readOnly:     readOnly,
		nextTxnID:    1,
		txnUndo:      map[uint64]map[uint32][PageSize]byte{},
		txnDirty:     map[uint64]map[uint32]bool{},
		flushedEarly: map[uint32]bool{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.buffer.SetFlush(p.flushEvictedPage)

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("pager: stat: %w", err)
	}
	if info.Size() == 0 {
		p.header = newHeader()
		p.totalPages = 1
		if err := p.flushHeader(); err != nil {
			return nil, err
		}
	} else {
		p.totalPages = uint32(info.Size() / PageSize)
		if err := p.loadHeader(); err != nil {
			return nil, err
		}
		if wal != nil {
			if err := p.recoverFromWAL(); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Close flushes the header and closes the underlying file and WAL.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readOnly {
		if err := p.flushHeaderLocked(); err != nil {
			return err
		}
	}
	if p.wal != nil {
		if err := p.wal.Close(); err != nil {
			return err
		}
	}
	if err := p.file.Close(); err != nil {
		return err
	}
	if p.lock != nil {
		return p.lock.unlock()
	}
	return nil
}

// ReadPage returns the decrypted, checksum-verified bytes of pageID,
// pinning it in the buffer pool. Callers must call UnpinPage when done.
func (p *Pager) ReadPage(pageID uint32) ([PageSize]byte, error) {
	return p.buffer.Pin(pageID, func() ([PageSize]byte, error) {
		return p.readPageFromFile(pageID)
	})
}

// UnpinPage releases a page pinned by ReadPage/WritePage without
// marking it dirty.
func (p *Pager) UnpinPage(pageID uint32) {
	p.buffer.Unpin(pageID, false, nil, 0)
}

func (p *Pager) readPageFromFile(pageID uint32) ([PageSize]byte, error) {
	var raw [PageSize]byte
	if _, err := p.file.ReadAt(raw[:], int64(pageID)*PageSize); err != nil && !errors.Is(err, io.EOF) {
		return raw, fmt.Errorf("pager: read page %d: %w", pageID, entierr.ErrIO)
	}
	out := raw
	if p.encryptor.IsEnabled() {
		plain, err := p.encryptor.Decrypt(raw[:], pageAAD(pageID))
		if err != nil {
			return raw, fmt.Errorf("pager: decrypt page %d: %w", pageID, entierr.ErrCorruptPage)
		}
		out = [PageSize]byte{}
		copy(out[:], plain)
	}
	// A page that has never been written (e.g. a freshly grown file
	// region ahead of its first WritePage) reads back as all zeros and
	// has no meaningful checksum yet.
	if out != ([PageSize]byte{}) {
		pg := &Page{Data: out}
		if !pg.VerifyChecksum() {
			return out, fmt.Errorf("pager: checksum mismatch on page %d: %w", pageID, entierr.ErrChecksumMismatch)
		}
	}
	return out, nil
}

func pageAAD(pageID uint32) []byte {
	aad := make([]byte, 4)
	binary.LittleEndian.PutUint32(aad, pageID)
	return aad
}

// WritePage stages a page write inside transaction txnID: the
// before-image is captured once per (txn, page) for rollback, the WAL
// record is appended (and must reach stable storage before the data
// file write per the WAL-before-data rule), and the buffer pool's copy
// is updated and marked dirty. The data file is written at CommitTx; a
// dirty page the buffer pool evicts before then is written early (WAL
// first), and RollbackTx restores such a page from its before-image.
func (p *Pager) WritePage(txnID uint64, pageID uint32, data [PageSize]byte) error {
	if p.readOnly {
		return entierr.ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	undo, ok := p.txnUndo[txnID]
	if !ok {
		return fmt.Errorf("pager: unknown transaction %d", txnID)
	}
	if _, captured := undo[pageID]; !captured {
		before, err := p.readPageFromFile(pageID)
		if err != nil {
			return err
		}
		undo[pageID] = before
	}
	p.txnDirty[txnID][pageID] = true

	var lsn uint64
	if p.wal != nil {
		before := undo[pageID]
		l, err := p.wal.LogPageWrite(txnID, pageID, before[:], data[:])
		if err != nil {
			return fmt.Errorf("pager: wal log: %w", err)
		}
		lsn = l
	}
	pg := &Page{Data: data}
	pg.SetPageLSN(lsn)
	data = pg.Data

	if _, err := p.buffer.Pin(pageID, func() ([PageSize]byte, error) { return data, nil }); err != nil {
		return err
	}
	p.buffer.Unpin(pageID, true, &data, lsn)
	return nil
}

// AllocatePage grows the file by one page (or reuses the free-list
// head) and returns its id. The page is left untyped; the caller writes
// its content via WritePage.
func (p *Pager) AllocatePage(txnID uint64) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.header.FreeListHead != 0 {
		id := p.header.FreeListHead
		page, err := p.readPageFromFile(id)
		if err != nil {
			return 0, err
		}
		next := binary.LittleEndian.Uint32(page[9:13])
		p.header.FreeListHead = next
		return id, nil
	}
	id := p.totalPages
	p.totalPages++
	return id, nil
}

// FreePage links pageID onto the free list, to be reused by a later
// AllocatePage.
func (p *Pager) FreePage(txnID uint64, pageID uint32) error {
	free := NewPage(PageTypeFree, pageID)
	p.mu.Lock()
	free.SetNextPageID(p.header.FreeListHead)
	p.mu.Unlock()
	if err := p.WritePage(txnID, pageID, free.Data); err != nil {
		return err
	}
	p.mu.Lock()
	p.header.FreeListHead = pageID
	p.mu.Unlock()
	return nil
}

// BeginTx starts a transaction, logging a WALBegin record so recovery
// can distinguish an in-flight transaction from one never started.
func (p *Pager) BeginTx() (uint64, error) {
	p.mu.Lock()
	txnID := p.nextTxnID
	p.nextTxnID++
	p.txnUndo[txnID] = map[uint32][PageSize]byte{}
	p.txnDirty[txnID] = map[uint32]bool{}
	p.mu.Unlock()

	if p.wal != nil {
		if _, err := p.wal.LogBegin(txnID); err != nil {
			return 0, err
		}
	}
	return txnID, nil
}

// CommitTx writes the commit marker (durable once this returns), then
// applies every staged page write to the data file.
func (p *Pager) CommitTx(txnID uint64) error {
	if p.wal != nil {
		if err := p.wal.Commit(txnID); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	dirty := p.txnDirty[txnID]
	for pageID := range dirty {
		data, ok := p.buffer.Lookup(pageID)
		if !ok {
			p.flushedMu.Lock()
			flushed := p.flushedEarly[pageID]
			delete(p.flushedEarly, pageID)
			p.flushedMu.Unlock()
			if !flushed {
				return fmt.Errorf("pager: dirty page %d missing from buffer at commit and was never flushed: %w", pageID, entierr.ErrIO)
			}
			continue
		}
		if err := p.writePageToFileLocked(pageID, data); err != nil {
			return err
		}
		p.buffer.ClearDirty(pageID)
		p.flushedMu.Lock()
		delete(p.flushedEarly, pageID)
		p.flushedMu.Unlock()
	}
	delete(p.txnUndo, txnID)
	delete(p.txnDirty, txnID)
	return p.flushHeaderLocked()
}

// RollbackTx discards a transaction's staged writes by dropping every
// touched page from the buffer pool. A page the pool already flushed to
// the data file under eviction pressure gets its before-image written
// back, so the file keeps none of the transaction's writes.
func (p *Pager) RollbackTx(txnID uint64) error {
	if p.wal != nil {
		if err := p.wal.Abort(txnID); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for pageID, before := range p.txnUndo[txnID] {
		p.buffer.Invalidate(pageID)
		p.flushedMu.Lock()
		flushed := p.flushedEarly[pageID]
		delete(p.flushedEarly, pageID)
		p.flushedMu.Unlock()
		if flushed {
			if err := p.writePageToFileLocked(pageID, before); err != nil {
				return err
			}
		}
	}
	delete(p.txnUndo, txnID)
	delete(p.txnDirty, txnID)
	return nil
}

// flushEvictedPage is the buffer pool's flush callback for a dirty
// frame being evicted ahead of its transaction's commit. It must not
// take p.mu: Pin/Unpin may already be invoked while p.mu is held by
// WritePage, and this runs from inside the buffer pool's own lock.
// WAL-before-data is preserved by forcing the WAL durable through the
// page's LSN before the data file write.
func (p *Pager) flushEvictedPage(pageID uint32, data [PageSize]byte, lsn uint64) error {
	if p.wal != nil {
		if err := p.wal.FlushThrough(lsn); err != nil {
			return fmt.Errorf("pager: wal flush-through before evict: %w", err)
		}
	}
	if err := p.writePageToFileLocked(pageID, data); err != nil {
		return err
	}
	p.flushedMu.Lock()
	p.flushedEarly[pageID] = true
	p.flushedMu.Unlock()
	return nil
}

func (p *Pager) writePageToFileLocked(pageID uint32, data [PageSize]byte) error {
	pg := &Page{Data: data}
	pg.WriteChecksum()
	data = pg.Data

	out := data[:]
	if p.encryptor.IsEnabled() {
		sealed, err := p.encryptor.Encrypt(data[:], pageAAD(pageID))
		if err != nil {
			return fmt.Errorf("pager: encrypt page %d: %w", pageID, err)
		}
		out = sealed
	}
	if _, err := p.file.WriteAt(out, int64(pageID)*PageSize); err != nil {
		return fmt.Errorf("pager: write page %d: %w", pageID, entierr.ErrIO)
	}
	return nil
}

// DataFirstPage returns the head page id of the record chain, or 0 if
// the record store has not allocated its first page yet.
func (p *Pager) DataFirstPage() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.DataFirstPage
}

// SetDataFirstPage persists the record chain's head page id.
func (p *Pager) SetDataFirstPage(pageID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.DataFirstPage = pageID
}

// NextRecordID returns the next unassigned record id counter value.
func (p *Pager) NextRecordID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.NextRecordID
}

// SetNextRecordID persists the record id counter.
func (p *Pager) SetNextRecordID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.NextRecordID = id
}

// IndexRoot returns the root page id registered for a named index, or
// 0 if none exists yet.
func (p *Pager) IndexRoot(name string) uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.IndexRoots[name]
}

// SetIndexRoot persists an index's root page id in the header, applied
// at the next CommitTx/Checkpoint.
func (p *Pager) SetIndexRoot(name string, pageID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.IndexRoots[name] = pageID
}

// DropIndexRoot removes a named index's root registration.
func (p *Pager) DropIndexRoot(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.header.IndexRoots, name)
}

// CacheStats exposes the buffer pool's hit/miss counters.
func (p *Pager) CacheStats() (hits, misses uint64, size, capacity int) {
	return p.buffer.Stats()
}

func (p *Pager) CacheHitRate() float64 { return p.buffer.HitRate() }

// TotalPages reports the current file size in pages.
func (p *Pager) TotalPages() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalPages
}

// Checkpoint flushes the header, fsyncs the data file, and truncates
// the WAL once every committed write is known to be on disk.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	if err := p.flushHeaderLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.file.Sync(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("pager: fsync: %w", entierr.ErrIO)
	}
	p.mu.Unlock()

	if p.wal == nil {
		return nil
	}
	return p.wal.Truncate()
}

// recoverFromWAL replays the log to reach a consistent state: redo
// every committed page write in LSN order, then undo every page write
// belonging to a transaction that began but never committed. This
// collapses the usual analysis/redo/undo three passes into two, since
// the WAL already separates committed from in-flight writes during its
// own load.
func (p *Pager) recoverFromWAL() error {
	for _, rec := range p.wal.CommittedPageWrites() {
		_, after := rec.BeforeAfter()
		var data [PageSize]byte
		copy(data[:], after)
		if err := p.writePageToFileLocked(rec.PageID, data); err != nil {
			return fmt.Errorf("pager: redo page %d: %w", rec.PageID, entierr.ErrRecoveryFailed)
		}
		if rec.PageID+1 > p.totalPages {
			p.totalPages = rec.PageID + 1
		}
	}
	for _, writes := range p.wal.UncommittedTxnWrites() {
		for i := len(writes) - 1; i >= 0; i-- {
			before, _ := writes[i].BeforeAfter()
			var data [PageSize]byte
			copy(data[:], before)
			if err := p.writePageToFileLocked(writes[i].PageID, data); err != nil {
				return fmt.Errorf("pager: undo page %d: %w", writes[i].PageID, entierr.ErrRecoveryFailed)
			}
		}
	}
	if err := p.loadHeader(); err != nil {
		return err
	}
	return p.file.Sync()
}

// --- header (de)serialization ---
//
// Page 0 layout: magic(4) | version(4) | schemaVersion(4) |
// freeListHead(4) | dataFirstPage(4) | nextRecordID(8) |
// indexRootCount(4) | [nameLen(2) name rootPID(4)]...

func (p *Pager) flushHeader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushHeaderLocked()
}

func (p *Pager) flushHeaderLocked() error {
	var page [PageSize]byte
	copy(page[0:4], headerMagic[:])
	binary.LittleEndian.PutUint32(page[4:8], headerFormatVersion)
	binary.LittleEndian.PutUint32(page[8:12], p.header.SchemaVersion)
	binary.LittleEndian.PutUint32(page[12:16], p.header.FreeListHead)
	binary.LittleEndian.PutUint32(page[16:20], p.header.DataFirstPage)
	binary.LittleEndian.PutUint64(page[20:28], p.header.NextRecordID)

	off := 28
	binary.LittleEndian.PutUint32(page[off:], uint32(len(p.header.IndexRoots)))
	off += 4
	for name, pid := range p.header.IndexRoots {
		if off+2+len(name)+4 > PageSize {
			return fmt.Errorf("pager: header overflow: %w", entierr.ErrCorruptHeader)
		}
		binary.LittleEndian.PutUint16(page[off:], uint16(len(name)))
		off += 2
		copy(page[off:], name)
		off += len(name)
		binary.LittleEndian.PutUint32(page[off:], pid)
		off += 4
	}
	if _, err := p.file.WriteAt(page[:], 0); err != nil {
		return fmt.Errorf("pager: write header: %w", entierr.ErrIO)
	}
	return nil
}

func (p *Pager) loadHeader() error {
	var page [PageSize]byte
	if _, err := p.file.ReadAt(page[:], 0); err != nil {
		return fmt.Errorf("pager: read header: %w", entierr.ErrIO)
	}
	if page[0] != headerMagic[0] || page[1] != headerMagic[1] || page[2] != headerMagic[2] || page[3] != headerMagic[3] {
		return fmt.Errorf("pager: bad magic: %w", entierr.ErrCorruptHeader)
	}
	h := newHeader()
	h.SchemaVersion = binary.LittleEndian.Uint32(page[8:12])
	h.FreeListHead = binary.LittleEndian.Uint32(page[12:16])
	h.DataFirstPage = binary.LittleEndian.Uint32(page[16:20])
	h.NextRecordID = binary.LittleEndian.Uint64(page[20:28])

	off := 28
	count := binary.LittleEndian.Uint32(page[off:])
	off += 4
	for i := uint32(0); i < count; i++ {
		nameLen := binary.LittleEndian.Uint16(page[off:])
		off += 2
		name := string(page[off : off+int(nameLen)])
		off += int(nameLen)
		pid := binary.LittleEndian.Uint32(page[off:])
		off += 4
		h.IndexRoots[name] = pid
	}
	p.header = h
	return nil
}

// compressRecord/decompressRecord wire optional snappy compression for
// inline record bodies.

func compressRecord(data []byte) []byte {
	return snappy.Encode(nil, data)
}

// compressIfSmaller snappy-compresses data and returns the compressed
// form with SlotFlagCompressed only when doing so actually shrinks it;
// otherwise it returns data unchanged with SlotFlagActive.
func (p *Pager) compressIfSmaller(data []byte) ([]byte, byte) {
	compressed := compressRecord(data)
	if len(compressed) < len(data) {
		return compressed, SlotFlagCompressed
	}
	return data, SlotFlagActive
}

func decompressRecord(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("pager: snappy decode: %w", entierr.ErrDecoding)
	}
	return out, nil
}
