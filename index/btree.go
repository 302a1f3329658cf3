// Package index — on-disk B+Tree backing the Ordered index. Each node
// occupies one page; leaves are chained for range scans. Nodes are
// read and written through the Pager's explicit-transaction
// WritePage/AllocatePage calls, and keys are the canonical strings
// ValueToKey produces rather than raw field values.
package index

import (
	"encoding/binary"
	"sort"

	"github.com/entidb/entidb/storage"
)

const (
	btreeNodeTypeOff = storage.PageHeaderSize // byte 32: 0=internal, 1=leaf
	btreeNumKeysOff  = btreeNodeTypeOff + 1   // bytes 33-34: uint16
	btreeNextLeafOff = btreeNumKeysOff + 2    // bytes 35-38: uint32 (leaf only)
	leafDataOff      = btreeNextLeafOff + 4
	internalDataOff  = btreeNumKeysOff + 2

	nodeTypeInternal = byte(0)
	nodeTypeLeaf      = byte(1)

	maxLeafPayload     = storage.PageSize - leafDataOff
	maxInternalPayload = storage.PageSize - internalDataOff
)

type btreeEntry struct {
	Key      string
	RecordID uint64
}

type internalNode struct {
	keys     []string
	children []uint32 // len == len(keys) + 1
}

// BTree is a B+Tree backed by Pager pages.
type BTree struct {
	RootPageID uint32
	pager      *storage.Pager
}

// NewBTree creates an empty B-Tree (a single empty leaf root), under
// its own internal transaction since index creation is not itself part
// of a record mutation.
func NewBTree(pager *storage.Pager) (*BTree, error) {
	txn, err := pager.BeginTx()
	if err != nil {
		return nil, err
	}
	pageID, err := pager.AllocatePage(txn)
	if err != nil {
		pager.RollbackTx(txn)
		return nil, err
	}
	var page storage.Page
	page.Data[btreeNodeTypeOff] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(page.Data[btreeNumKeysOff:], 0)
	binary.LittleEndian.PutUint32(page.Data[btreeNextLeafOff:], 0)
	if err := pager.WritePage(txn, pageID, page.Data); err != nil {
		pager.RollbackTx(txn)
		return nil, err
	}
	if err := pager.CommitTx(txn); err != nil {
		return nil, err
	}
	return &BTree{RootPageID: pageID, pager: pager}, nil
}

// OpenBTree reattaches a B-Tree at its persisted root page.
func OpenBTree(pager *storage.Pager, rootPageID uint32) *BTree {
	return &BTree{RootPageID: rootPageID, pager: pager}
}

func (bt *BTree) readPage(pageID uint32) (*storage.Page, error) {
	data, err := bt.pager.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	bt.pager.UnpinPage(pageID)
	return &storage.Page{Data: data}, nil
}

func readLeafEntries(page *storage.Page) []btreeEntry {
	num := binary.LittleEndian.Uint16(page.Data[btreeNumKeysOff:])
	off := uint16(leafDataOff)
	entries := make([]btreeEntry, 0, num)
	for i := 0; i < int(num); i++ {
		if int(off)+2 > storage.PageSize {
			break
		}
		kl := binary.LittleEndian.Uint16(page.Data[off:])
		off += 2
		if int(off)+int(kl)+8 > storage.PageSize {
			break
		}
		key := string(page.Data[off : off+kl])
		off += kl
		rid := binary.LittleEndian.Uint64(page.Data[off:])
		off += 8
		entries = append(entries, btreeEntry{Key: key, RecordID: rid})
	}
	return entries
}

func readLeafNext(page *storage.Page) uint32 {
	return binary.LittleEndian.Uint32(page.Data[btreeNextLeafOff:])
}

func writeLeafNode(page *storage.Page, entries []btreeEntry, nextLeaf uint32) {
	page.Data[btreeNodeTypeOff] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(page.Data[btreeNumKeysOff:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(page.Data[btreeNextLeafOff:], nextLeaf)
	off := uint16(leafDataOff)
	for _, e := range entries {
		kb := []byte(e.Key)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(kb)))
		off += 2
		copy(page.Data[off:], kb)
		off += uint16(len(kb))
		binary.LittleEndian.PutUint64(page.Data[off:], e.RecordID)
		off += 8
	}
}

func readInternalNode(page *storage.Page) internalNode {
	numKeys := binary.LittleEndian.Uint16(page.Data[btreeNumKeysOff:])
	off := uint16(internalDataOff)
	node := internalNode{
		keys:     make([]string, 0, numKeys),
		children: make([]uint32, 0, numKeys+1),
	}
	child0 := binary.LittleEndian.Uint32(page.Data[off:])
	off += 4
	node.children = append(node.children, child0)
	for i := 0; i < int(numKeys); i++ {
		kl := binary.LittleEndian.Uint16(page.Data[off:])
		off += 2
		key := string(page.Data[off : off+kl])
		off += kl
		child := binary.LittleEndian.Uint32(page.Data[off:])
		off += 4
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
	}
	return node
}

func writeInternalNode(page *storage.Page, node internalNode) {
	page.Data[btreeNodeTypeOff] = nodeTypeInternal
	binary.LittleEndian.PutUint16(page.Data[btreeNumKeysOff:], uint16(len(node.keys)))
	off := uint16(internalDataOff)
	binary.LittleEndian.PutUint32(page.Data[off:], node.children[0])
	off += 4
	for i, key := range node.keys {
		kb := []byte(key)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(kb)))
		off += 2
		copy(page.Data[off:], kb)
		off += uint16(len(kb))
		binary.LittleEndian.PutUint32(page.Data[off:], node.children[i+1])
		off += 4
	}
}

func leafEntriesSize(entries []btreeEntry) int {
	s := 0
	for _, e := range entries {
		s += 2 + len(e.Key) + 8
	}
	return s
}

func internalNodeSize(node internalNode) int {
	s := 4
	for _, k := range node.keys {
		s += 2 + len(k) + 4
	}
	return s
}

func (bt *BTree) findLeaf(key string) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.readPage(pageID)
		if err != nil {
			return nil, err
		}
		if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
			return page, nil
		}
		node := readInternalNode(page)
		// Descend left of a separator equal to key: a leaf split can
		// leave entries equal to the separator at the end of the left
		// leaf, and callers walk the leaf chain rightward from here.
		childIdx := sort.Search(len(node.keys), func(i int) bool {
			return node.keys[i] >= key
		})
		pageID = node.children[childIdx]
	}
}

func (bt *BTree) findLeftmostLeaf() (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.readPage(pageID)
		if err != nil {
			return nil, err
		}
		if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
			return page, nil
		}
		node := readInternalNode(page)
		pageID = node.children[0]
	}
}

// Lookup returns every record id stored under key.
func (bt *BTree) Lookup(key string) ([]uint64, error) {
	page, err := bt.findLeaf(key)
	if err != nil {
		return nil, err
	}
	var result []uint64
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if e.Key == key {
				result = append(result, e.RecordID)
			} else if e.Key > key {
				return result, nil
			}
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.readPage(next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RangeScan returns record ids whose key falls in [minKey, maxKey]
// (empty bound means unbounded on that side).
func (bt *BTree) RangeScan(minKey, maxKey string) ([]uint64, error) {
	var page *storage.Page
	var err error
	if minKey != "" {
		page, err = bt.findLeaf(minKey)
	} else {
		page, err = bt.findLeftmostLeaf()
	}
	if err != nil {
		return nil, err
	}
	var result []uint64
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if minKey != "" && e.Key < minKey {
				continue
			}
			if maxKey != "" && e.Key > maxKey {
				return result, nil
			}
			result = append(result, e.RecordID)
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.readPage(next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

type splitResult struct {
	key       string
	newPageID uint32
}

// Insert adds (key, recordID) to the tree under its own internal
// transaction. collection.Collection calls it after the owning record
// mutation's transaction has committed, so the record write and the
// index write are two separate Pager transactions, not one atomic unit.
func (bt *BTree) Insert(key string, recordID uint64) error {
	txn, err := bt.pager.BeginTx()
	if err != nil {
		return err
	}
	split, err := bt.insertRecursive(txn, bt.RootPageID, key, recordID)
	if err != nil {
		bt.pager.RollbackTx(txn)
		return err
	}
	if split != nil {
		newRootID, err := bt.pager.AllocatePage(txn)
		if err != nil {
			bt.pager.RollbackTx(txn)
			return err
		}
		var newRoot storage.Page
		writeInternalNode(&newRoot, internalNode{
			keys:     []string{split.key},
			children: []uint32{bt.RootPageID, split.newPageID},
		})
		if err := bt.pager.WritePage(txn, newRootID, newRoot.Data); err != nil {
			bt.pager.RollbackTx(txn)
			return err
		}
		bt.RootPageID = newRootID
	}
	return bt.pager.CommitTx(txn)
}

func (bt *BTree) insertRecursive(txn uint64, pageID uint32, key string, recordID uint64) (*splitResult, error) {
	page, err := bt.readPage(pageID)
	if err != nil {
		return nil, err
	}
	if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
		return bt.insertIntoLeaf(txn, pageID, page, key, recordID)
	}
	node := readInternalNode(page)
	childIdx := sort.Search(len(node.keys), func(i int) bool {
		return node.keys[i] > key
	})
	childSplit, err := bt.insertRecursive(txn, node.children[childIdx], key, recordID)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(txn, pageID, page, node, childIdx, childSplit)
}

func (bt *BTree) insertIntoLeaf(txn uint64, pageID uint32, page *storage.Page, key string, recordID uint64) (*splitResult, error) {
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)

	entry := btreeEntry{Key: key, RecordID: recordID}
	pos := sort.Search(len(entries), func(i int) bool {
		if entries[i].Key == key {
			return entries[i].RecordID >= recordID
		}
		return entries[i].Key >= key
	})

	entries = append(entries, btreeEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry

	if leafEntriesSize(entries) <= maxLeafPayload {
		writeLeafNode(page, entries, nextLeaf)
		return nil, bt.pager.WritePage(txn, pageID, page.Data)
	}

	mid := len(entries) / 2
	leftEntries := make([]btreeEntry, mid)
	copy(leftEntries, entries[:mid])
	rightEntries := make([]btreeEntry, len(entries)-mid)
	copy(rightEntries, entries[mid:])

	newPageID, err := bt.pager.AllocatePage(txn)
	if err != nil {
		return nil, err
	}
	var newPage storage.Page
	writeLeafNode(&newPage, rightEntries, nextLeaf)
	if err := bt.pager.WritePage(txn, newPageID, newPage.Data); err != nil {
		return nil, err
	}

	writeLeafNode(page, leftEntries, newPageID)
	if err := bt.pager.WritePage(txn, pageID, page.Data); err != nil {
		return nil, err
	}

	return &splitResult{key: rightEntries[0].Key, newPageID: newPageID}, nil
}

func (bt *BTree) insertIntoInternal(txn uint64, pageID uint32, page *storage.Page, node internalNode, childIdx int, split *splitResult) (*splitResult, error) {
	node.keys = append(node.keys, "")
	copy(node.keys[childIdx+1:], node.keys[childIdx:])
	node.keys[childIdx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[childIdx+2:], node.children[childIdx+1:])
	node.children[childIdx+1] = split.newPageID

	if internalNodeSize(node) <= maxInternalPayload {
		writeInternalNode(page, node)
		return nil, bt.pager.WritePage(txn, pageID, page.Data)
	}

	mid := len(node.keys) / 2
	pushUpKey := node.keys[mid]

	leftNode := internalNode{
		keys:     make([]string, mid),
		children: make([]uint32, mid+1),
	}
	copy(leftNode.keys, node.keys[:mid])
	copy(leftNode.children, node.children[:mid+1])

	rightNode := internalNode{
		keys:     make([]string, len(node.keys)-mid-1),
		children: make([]uint32, len(node.children)-mid-1),
	}
	copy(rightNode.keys, node.keys[mid+1:])
	copy(rightNode.children, node.children[mid+1:])

	newPageID, err := bt.pager.AllocatePage(txn)
	if err != nil {
		return nil, err
	}
	var newPage storage.Page
	writeInternalNode(&newPage, rightNode)
	if err := bt.pager.WritePage(txn, newPageID, newPage.Data); err != nil {
		return nil, err
	}

	writeInternalNode(page, leftNode)
	if err := bt.pager.WritePage(txn, pageID, page.Data); err != nil {
		return nil, err
	}

	return &splitResult{key: pushUpKey, newPageID: newPageID}, nil
}

// Remove deletes the (key, recordID) pair from its leaf. No
// rebalancing: a leaf emptied here stays in the tree.
func (bt *BTree) Remove(key string, recordID uint64) error {
	page, err := bt.findLeaf(key)
	if err != nil {
		return err
	}
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)
	for i, e := range entries {
		if e.Key == key && e.RecordID == recordID {
			entries = append(entries[:i], entries[i+1:]...)
			writeLeafNode(page, entries, nextLeaf)
			txn, err := bt.pager.BeginTx()
			if err != nil {
				return err
			}
			// the leaf's page id is unknown here since findLeaf only
			// returns the page contents; recompute it via a fresh
			// findLeaf-by-id walk is unnecessary — callers only ever
			// remove keys they previously inserted, so re-deriving the
			// page id through findLeaf(key) again is safe and cheap.
			leafPageID, lookupErr := bt.leafPageIDFor(key)
			if lookupErr != nil {
				bt.pager.RollbackTx(txn)
				return lookupErr
			}
			if err := bt.pager.WritePage(txn, leafPageID, page.Data); err != nil {
				bt.pager.RollbackTx(txn)
				return err
			}
			return bt.pager.CommitTx(txn)
		}
	}
	return nil
}

func (bt *BTree) leafPageIDFor(key string) (uint32, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.readPage(pageID)
		if err != nil {
			return 0, err
		}
		if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
			return pageID, nil
		}
		node := readInternalNode(page)
		childIdx := sort.Search(len(node.keys), func(i int) bool {
			return node.keys[i] >= key
		})
		pageID = node.children[childIdx]
	}
}

// AllEntries walks every leaf and returns key -> record ids.
func (bt *BTree) AllEntries() (map[string][]uint64, error) {
	page, err := bt.findLeftmostLeaf()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]uint64)
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			result[e.Key] = append(result[e.Key], e.RecordID)
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.readPage(next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
