package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// WALRecordType identifies the kind of operation logged. A transaction
// brackets its page writes between Begin and Commit/Abort. The
// checkpoint kinds are defined but never written: Pager.Checkpoint
// truncates the log instead, and recovery does not look for them.
type WALRecordType byte

const (
	WALBegin           WALRecordType = 1
	WALPageWrite       WALRecordType = 2
	WALIndexUpdate     WALRecordType = 3
	WALCommit          WALRecordType = 4
	WALAbort           WALRecordType = 5
	WALCheckpointBegin WALRecordType = 6
	WALCheckpointEnd   WALRecordType = 7
)

// walFileHeader: [0-3] magic "ENWL" [4-7] version [8-15] reserved.
const walHeaderSize = 16

var walMagic = [4]byte{'E', 'N', 'W', 'L'}

// crc32cTable is the Castagnoli table (CRC-32C), chosen over plain
// IEEE CRC32 for its better error-detection properties on the short,
// structured records a WAL writes.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// WALRecord is one Write-Ahead Log entry.
//
// On-disk shape:
//
//	[LSN:uint64][TxnID:uint64][Type:byte][PageID:uint32][DataLen:uint32][Data:bytes][CRC32C:uint32]
//
// For WALBegin/WALCommit/WALAbort/WALCheckpointBegin/WALCheckpointEnd,
// DataLen is 0. WALPageWrite's Data is the before-image (for undo)
// followed by the after-image, each PageSize bytes, so a single record
// carries everything the redo and undo passes of recovery need.
const walRecordHeaderSize = 8 + 8 + 1 + 4 + 4
const walRecordCRCSize = 4

type WALRecord struct {
	LSN    uint64
	TxnID  uint64
	Type   WALRecordType
	PageID uint32
	Data   []byte
}

// BeforeAfter splits a WALPageWrite record's Data into its before- and
// after-images.
func (r *WALRecord) BeforeAfter() (before, after []byte) {
	if len(r.Data) != 2*PageSize {
		return nil, r.Data
	}
	return r.Data[:PageSize], r.Data[PageSize:]
}

// WAL manages the write-ahead log.
type WAL struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	nextLSN   uint64
	records   []WALRecord
	commitLSN uint64
}

// OpenWAL opens or creates the WAL file next to the database file
// (dbPath + ".wal").
func OpenWAL(dbPath string) (*WAL, error) {
	walPath := dbPath + ".wal"
	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: cannot open file: %w", err)
	}

	w := &WAL{
		file:    file,
		path:    walPath,
		nextLSN: 1,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := w.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if err := w.loadRecords(); err != nil {
			file.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// LogBegin marks the start of a transaction, letting recovery's
// analysis pass tell an in-flight transaction from one never started.
func (w *WAL) LogBegin(txnID uint64) (uint64, error) {
	return w.append(WALRecord{Type: WALBegin, TxnID: txnID})
}

// LogPageWrite records a page mutation carrying both the before-image
// (for undo on abort/crash) and the after-image (for redo). The
// WAL-before-data rule requires this call to return before the
// corresponding page write reaches the data file.
func (w *WAL) LogPageWrite(txnID uint64, pageID uint32, before, after []byte) (uint64, error) {
	data := make([]byte, 2*PageSize)
	copy(data[:PageSize], before)
	copy(data[PageSize:], after)
	return w.append(WALRecord{Type: WALPageWrite, TxnID: txnID, PageID: pageID, Data: data})
}

// LogIndexUpdate records an index root-page mutation alongside its
// owning transaction, the same way a data-page write is logged.
func (w *WAL) LogIndexUpdate(txnID uint64, pageID uint32, before, after []byte) (uint64, error) {
	data := make([]byte, 2*PageSize)
	copy(data[:PageSize], before)
	copy(data[PageSize:], after)
	return w.append(WALRecord{Type: WALIndexUpdate, TxnID: txnID, PageID: pageID, Data: data})
}

// Commit writes a commit marker and fsyncs. After this call returns,
// every operation the transaction logged is durable.
func (w *WAL) Commit(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++
	rec := WALRecord{LSN: lsn, TxnID: txnID, Type: WALCommit}
	if err := w.appendLocked(&rec); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync commit: %w", err)
	}
	w.commitLSN = lsn
	w.records = append(w.records, rec)
	return nil
}

// Abort writes an abort marker for a rolled-back transaction.
func (w *WAL) Abort(txnID uint64) error {
	_, err := w.append(WALRecord{Type: WALAbort, TxnID: txnID})
	return err
}

// Sync forces an fsync without writing a marker.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// FlushThrough blocks until every record up to and including lsn is
// durable on disk — the WAL half of a flush-through contract whose
// other half is the buffer manager flushing the corresponding dirty
// pages before they're evicted.
func (w *WAL) FlushThrough(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn > w.commitLSN && lsn > w.nextLSN {
		return nil
	}
	return w.file.Sync()
}

func (w *WAL) append(rec WALRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn := w.nextLSN
	w.nextLSN++
	rec.LSN = lsn
	if err := w.appendLocked(&rec); err != nil {
		return 0, err
	}
	w.records = append(w.records, rec)
	return lsn, nil
}

// CommittedPageWrites returns WALPageWrite/WALIndexUpdate records whose
// enclosing transaction reached WALCommit, in chronological order. Used
// by the redo pass of recovery.
func (w *WAL) CommittedPageWrites() []WALRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	committedTxns := map[uint64]bool{}
	for _, r := range w.records {
		if r.Type == WALCommit {
			committedTxns[r.TxnID] = true
		}
	}
	var out []WALRecord
	for _, r := range w.records {
		if (r.Type == WALPageWrite || r.Type == WALIndexUpdate) && committedTxns[r.TxnID] {
			out = append(out, r)
		}
	}
	return out
}

// UncommittedTxnWrites returns, per transaction id, the page writes of
// transactions that began but never reached Commit or Abort — the undo
// pass's input during recovery.
func (w *WAL) UncommittedTxnWrites() map[uint64][]WALRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	began := map[uint64]bool{}
	finished := map[uint64]bool{}
	writes := map[uint64][]WALRecord{}
	for _, r := range w.records {
		switch r.Type {
		case WALBegin:
			began[r.TxnID] = true
		case WALCommit, WALAbort:
			finished[r.TxnID] = true
		case WALPageWrite, WALIndexUpdate:
			writes[r.TxnID] = append(writes[r.TxnID], r)
		}
	}
	out := map[uint64][]WALRecord{}
	for txn := range began {
		if !finished[txn] {
			out[txn] = writes[txn]
		}
	}
	return out
}

// HasUncommittedWrites reports whether any transaction began but never
// committed or aborted.
func (w *WAL) HasUncommittedWrites() bool {
	return len(w.UncommittedTxnWrites()) > 0
}

// Truncate clears the WAL after a successful checkpoint, leaving only
// the header.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(walHeaderSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync after truncate: %w", err)
	}

	w.records = nil
	w.commitLSN = 0
	return nil
}

func (w *WAL) RecordCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func (w *WAL) writeHeader() error {
	var hdr [walHeaderSize]byte
	copy(hdr[0:4], walMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], 1)
	_, err := w.file.WriteAt(hdr[:], 0)
	return err
}

func (w *WAL) readHeader() error {
	var hdr [walHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if hdr[0] != walMagic[0] || hdr[1] != walMagic[1] || hdr[2] != walMagic[2] || hdr[3] != walMagic[3] {
		return fmt.Errorf("wal: invalid magic number")
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != 1 {
		return fmt.Errorf("wal: unsupported version %d", version)
	}
	return nil
}

func (w *WAL) appendLocked(rec *WALRecord) error {
	dataLen := len(rec.Data)
	totalSize := walRecordHeaderSize + dataLen + walRecordCRCSize
	buf := make([]byte, totalSize)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], rec.LSN)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], rec.TxnID)
	off += 8
	buf[off] = byte(rec.Type)
	off++
	binary.LittleEndian.PutUint32(buf[off:], rec.PageID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(dataLen))
	off += 4

	if dataLen > 0 {
		copy(buf[off:], rec.Data)
		off += dataLen
	}

	crc := crc32.Checksum(buf[:off], crc32cTable)
	binary.LittleEndian.PutUint32(buf[off:], crc)

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek end: %w", err)
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	return nil
}

func (w *WAL) loadRecords() error {
	w.records = nil

	offset := int64(walHeaderSize)
	hdrBuf := make([]byte, walRecordHeaderSize)

	for {
		n, err := w.file.ReadAt(hdrBuf, offset)
		if err == io.EOF || n < walRecordHeaderSize {
			break
		}
		if err != nil {
			return fmt.Errorf("wal: read record header at offset %d: %w", offset, err)
		}

		lsn := binary.LittleEndian.Uint64(hdrBuf[0:8])
		txnID := binary.LittleEndian.Uint64(hdrBuf[8:16])
		rtype := WALRecordType(hdrBuf[16])
		pageID := binary.LittleEndian.Uint32(hdrBuf[17:21])
		dataLen := binary.LittleEndian.Uint32(hdrBuf[21:25])

		remaining := int(dataLen) + walRecordCRCSize
		dataBuf := make([]byte, remaining)
		n, err = w.file.ReadAt(dataBuf, offset+int64(walRecordHeaderSize))
		if err == io.EOF || n < remaining {
			break // partial record from a crash mid-write — recovery stops here
		}
		if err != nil {
			return fmt.Errorf("wal: read record data at offset %d: %w", offset, err)
		}

		crcOffset := int(dataLen)
		storedCRC := binary.LittleEndian.Uint32(dataBuf[crcOffset:])

		fullBuf := make([]byte, walRecordHeaderSize+int(dataLen))
		copy(fullBuf, hdrBuf)
		copy(fullBuf[walRecordHeaderSize:], dataBuf[:dataLen])
		computedCRC := crc32.Checksum(fullBuf, crc32cTable)

		if storedCRC != computedCRC {
			break
		}

		var data []byte
		if dataLen > 0 {
			data = make([]byte, dataLen)
			copy(data, dataBuf[:dataLen])
		}

		rec := WALRecord{LSN: lsn, TxnID: txnID, Type: rtype, PageID: pageID, Data: data}
		w.records = append(w.records, rec)

		if lsn >= w.nextLSN {
			w.nextLSN = lsn + 1
		}
		if rtype == WALCommit && lsn > w.commitLSN {
			w.commitLSN = lsn
		}

		offset += int64(walRecordHeaderSize) + int64(remaining)
	}

	return nil
}
