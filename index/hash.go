package index

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/storage"
)

// hashBucketCount is the fixed bucket table size, chosen for O(1)
// amortized equality lookup without needing a resize protocol — see
// DESIGN.md.
const hashBucketCount = 256

// bucketTableOff is where the root page's bucket-head table starts,
// right after the common page header.
const bucketTableOff = storage.PageHeaderSize

// Hash is an equality-only index over a field, backed by an FNV-64a
// bucket table. Bucket pages chain the same way B-Tree leaves do
// (entry: [keylen:2][key][recordID:8], NextPageID links overflow
// pages), reusing that page-chaining idiom without the sorted-order
// logic B-Tree leaves also carry.
type Hash struct {
	Field      string
	RootPageID uint32
	pager      *storage.Pager
}

// NewHash allocates a root page holding an empty bucket-head table.
func NewHash(field string, pager *storage.Pager) (*Hash, error) {
	txn, err := pager.BeginTx()
	if err != nil {
		return nil, err
	}
	rootID, err := pager.AllocatePage(txn)
	if err != nil {
		pager.RollbackTx(txn)
		return nil, err
	}
	var root storage.Page
	if err := pager.WritePage(txn, rootID, root.Data); err != nil {
		pager.RollbackTx(txn)
		return nil, err
	}
	if err := pager.CommitTx(txn); err != nil {
		return nil, err
	}
	return &Hash{Field: field, RootPageID: rootID, pager: pager}, nil
}

// OpenHash reattaches a hash index at its persisted root page.
func OpenHash(field string, pager *storage.Pager, rootPageID uint32) *Hash {
	return &Hash{Field: field, RootPageID: rootPageID, pager: pager}
}

func bucketIndex(key string) uint32 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return uint32(h.Sum64() % hashBucketCount)
}

func (h *Hash) readPage(pageID uint32) ([storage.PageSize]byte, error) {
	data, err := h.pager.ReadPage(pageID)
	if err != nil {
		var zero [storage.PageSize]byte
		return zero, err
	}
	h.pager.UnpinPage(pageID)
	return data, nil
}

func (h *Hash) bucketHead(bucket uint32) (uint32, error) {
	root, err := h.readPage(h.RootPageID)
	if err != nil {
		return 0, err
	}
	off := bucketTableOff + int(bucket)*4
	return binary.LittleEndian.Uint32(root[off:]), nil
}

func (h *Hash) setBucketHead(txn uint64, bucket uint32, pageID uint32) error {
	root, err := h.readPage(h.RootPageID)
	if err != nil {
		return err
	}
	off := bucketTableOff + int(bucket)*4
	binary.LittleEndian.PutUint32(root[off:], pageID)
	return h.pager.WritePage(txn, h.RootPageID, root)
}

// Add registers recordID under v's canonical key.
func (h *Hash) Add(v codec.Value, recordID uint64) error {
	key := ValueToKey(v)
	bucket := bucketIndex(key)

	txn, err := h.pager.BeginTx()
	if err != nil {
		return err
	}
	head, err := h.bucketHead(bucket)
	if err != nil {
		h.pager.RollbackTx(txn)
		return err
	}

	if head != 0 {
		data, err := h.readPage(head)
		if err != nil {
			h.pager.RollbackTx(txn)
			return err
		}
		page := storage.Page{Data: data}
		entries := readHashEntries(&page)
		entries = append(entries, btreeEntry{Key: key, RecordID: recordID})
		if hashEntriesSize(entries) <= maxLeafPayload {
			writeHashEntries(&page, entries, readHashNext(&page))
			if err := h.pager.WritePage(txn, head, page.Data); err != nil {
				h.pager.RollbackTx(txn)
				return err
			}
			return h.pager.CommitTx(txn)
		}
		// bucket page full: prepend a fresh overflow page
	}

	newPageID, err := h.pager.AllocatePage(txn)
	if err != nil {
		h.pager.RollbackTx(txn)
		return err
	}
	var page storage.Page
	writeHashEntries(&page, []btreeEntry{{Key: key, RecordID: recordID}}, head)
	if err := h.pager.WritePage(txn, newPageID, page.Data); err != nil {
		h.pager.RollbackTx(txn)
		return err
	}
	if err := h.setBucketHead(txn, bucket, newPageID); err != nil {
		h.pager.RollbackTx(txn)
		return err
	}
	return h.pager.CommitTx(txn)
}

// Remove deletes a (value, recordID) pair, if present.
func (h *Hash) Remove(v codec.Value, recordID uint64) error {
	key := ValueToKey(v)
	bucket := bucketIndex(key)

	head, err := h.bucketHead(bucket)
	if err != nil || head == 0 {
		return err
	}

	pageID := head
	for pageID != 0 {
		data, err := h.readPage(pageID)
		if err != nil {
			return err
		}
		page := storage.Page{Data: data}
		entries := readHashEntries(&page)
		for i, e := range entries {
			if e.Key == key && e.RecordID == recordID {
				entries = append(entries[:i], entries[i+1:]...)
				writeHashEntries(&page, entries, readHashNext(&page))
				txn, err := h.pager.BeginTx()
				if err != nil {
					return err
				}
				if err := h.pager.WritePage(txn, pageID, page.Data); err != nil {
					h.pager.RollbackTx(txn)
					return err
				}
				return h.pager.CommitTx(txn)
			}
		}
		pageID = readHashNext(&page)
	}
	return nil
}

// Lookup returns every record id registered under v's canonical key.
func (h *Hash) Lookup(v codec.Value) ([]uint64, error) {
	key := ValueToKey(v)
	bucket := bucketIndex(key)

	head, err := h.bucketHead(bucket)
	if err != nil || head == 0 {
		return nil, err
	}

	var result []uint64
	pageID := head
	for pageID != 0 {
		data, err := h.readPage(pageID)
		if err != nil {
			return nil, err
		}
		page := storage.Page{Data: data}
		for _, e := range readHashEntries(&page) {
			if e.Key == key {
				result = append(result, e.RecordID)
			}
		}
		pageID = readHashNext(&page)
	}
	return result, nil
}

// hash bucket pages reuse the leaf page layout (node type byte ignored,
// next-page chain at the same offset) so readLeafEntries/writeLeafNode
// can be shared verbatim.

func readHashEntries(page *storage.Page) []btreeEntry { return readLeafEntries(page) }
func readHashNext(page *storage.Page) uint32           { return readLeafNext(page) }
func writeHashEntries(page *storage.Page, entries []btreeEntry, next uint32) {
	writeLeafNode(page, entries, next)
}
func hashEntriesSize(entries []btreeEntry) int { return leafEntriesSize(entries) }
