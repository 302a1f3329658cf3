package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/entidb/entidb/entierr"
)

// maxInlineRecordSize is the largest record body storable directly in
// a record page slot; anything bigger spills into overflow pages.
const maxInlineRecordSize = PageSize - PageHeaderSize - RecordSlotHeaderSize

// MaxEntitySize bounds a record's encoded body, checked on the
// codec-encoded bytes before compression or encryption so the limit
// is independent of how well a given body happens to compress.
const MaxEntitySize = 16 * 1024 * 1024

// Location pins a record to a physical (page, slot offset).
type Location struct {
	PageID uint32
	Offset uint16
}

// RecordStore is the Paged Record Store: records for the single
// collection this module owns are appended into a chain of pages
// linked by NextPageID, with oversized bodies split into overflow
// pages the same way Pager's internal allocation does. Point get/
// update/delete run in O(1) against an in-memory id -> Location
// directory instead of walking the page chain; that directory is
// rebuilt with a single scan at Open.
type RecordStore struct {
	mu         sync.RWMutex
	pager      *Pager
	dir        map[uint64]Location
	freeSpace  *FreeSpaceBitmap
	tailPageID uint32 // last page in the record chain, kept so new pages can be linked without a chain walk
}

// OpenRecordStore attaches a record store to pager, allocating the
// chain's first page if this is a brand-new database and otherwise
// rebuilding the id directory by scanning every page in the chain.
func OpenRecordStore(pager *Pager) (*RecordStore, error) {
	rs := &RecordStore{pager: pager, dir: make(map[uint64]Location), freeSpace: NewFreeSpaceBitmap()}

	if pager.DataFirstPage() == 0 {
		txn, err := pager.BeginTx()
		if err != nil {
			return nil, err
		}
		first, err := pager.AllocatePage(txn)
		if err != nil {
			pager.RollbackTx(txn)
			return nil, err
		}
		page := NewPage(PageTypeRecord, first)
		if err := pager.WritePage(txn, first, page.Data); err != nil {
			pager.RollbackTx(txn)
			return nil, err
		}
		if err := pager.CommitTx(txn); err != nil {
			return nil, err
		}
		pager.SetDataFirstPage(first)
		rs.freeSpace.Track(first, page.FreeSpace())
		rs.tailPageID = first
		return rs, nil
	}

	if err := rs.rebuildDirectory(); err != nil {
		return nil, err
	}
	return rs, nil
}

// rebuildDirectory walks the record chain once, keeping the one live
// (non-deleted, non-forwarded) slot each id has. Update re-inserts a
// relocated record first-fit, which can be a page earlier in the chain
// than its old slot, so deleted and forwarded slots are skipped rather
// than allowed to override a live slot seen before them; no forwarding
// marker needs to be followed.
func (rs *RecordStore) rebuildDirectory() error {
	pageID := rs.pager.DataFirstPage()
	for pageID != 0 {
		data, err := rs.pager.ReadPage(pageID)
		if err != nil {
			return err
		}
		page := &Page{Data: data}
		for _, slot := range page.ReadRecords() {
			if slot.Deleted || slot.Forwarded {
				continue
			}
			rs.dir[slot.RecordID] = Location{PageID: pageID, Offset: slot.Offset}
		}
		rs.freeSpace.Track(pageID, page.FreeSpace())
		rs.tailPageID = pageID
		next := page.NextPageID()
		rs.pager.UnpinPage(pageID)
		pageID = next
	}
	return nil
}

// Insert assigns a fresh record id and appends data to the chain,
// returning the new id.
func (rs *RecordStore) Insert(txn uint64, data []byte) (uint64, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	id := rs.pager.NextRecordID()
	if id == 0 {
		id = 1
	}
	if err := rs.insertWithID(txn, id, data); err != nil {
		return 0, err
	}
	rs.pager.SetNextRecordID(id + 1)
	return id, nil
}

// insertWithID appends data under an explicit record id, used both by
// Insert (fresh ids) and Update (reinserting a relocated record under
// its existing id).
func (rs *RecordStore) insertWithID(txn uint64, id uint64, data []byte) error {
	if len(data) > MaxEntitySize {
		return fmt.Errorf("storage: record of %d bytes exceeds MaxEntitySize: %w", len(data), entierr.ErrInvalidArgument)
	}
	storeData, flag := rs.pager.compressIfSmaller(data)

	if len(storeData) > maxInlineRecordSize {
		return rs.insertOverflow(txn, id, data)
	}

	needed := RecordSlotHeaderSize + len(storeData)
	for {
		pageID, ok := rs.freeSpace.FirstFit(needed)
		if !ok {
			break
		}
		pageData, err := rs.pager.ReadPage(pageID)
		if err != nil {
			return err
		}
		page := &Page{Data: pageData}
		if page.AppendRecordWithFlag(id, storeData, flag) {
			loc := Location{PageID: pageID, Offset: findSlotOffset(page, id)}
			rs.freeSpace.Update(pageID, page.FreeSpace())
			rs.pager.UnpinPage(pageID)
			if err := rs.pager.WritePage(txn, pageID, page.Data); err != nil {
				return err
			}
			rs.dir[id] = loc
			return nil
		}
		// The bitmap's coarse category overestimated this page's room;
		// mark it exhausted and try the next candidate.
		rs.freeSpace.Update(pageID, 0)
		rs.pager.UnpinPage(pageID)
	}

	newID, err := rs.pager.AllocatePage(txn)
	if err != nil {
		return err
	}
	newPage := NewPage(PageTypeRecord, newID)
	if !newPage.AppendRecordWithFlag(id, storeData, flag) {
		return fmt.Errorf("storage: record too large for a single page")
	}
	if err := rs.pager.WritePage(txn, newID, newPage.Data); err != nil {
		return err
	}
	if err := rs.linkTail(txn, newID); err != nil {
		return err
	}
	rs.freeSpace.Track(newID, newPage.FreeSpace())
	rs.dir[id] = Location{PageID: newID, Offset: findSlotOffset(newPage, id)}
	return nil
}

// linkTail appends newID onto the record chain's current tail and
// advances the tracked tail to it.
func (rs *RecordStore) linkTail(txn uint64, newID uint32) error {
	if err := rs.linkLastPage(txn, rs.tailPageID, newID); err != nil {
		return err
	}
	rs.tailPageID = newID
	return nil
}

func (rs *RecordStore) linkLastPage(txn uint64, lastPageID, newID uint32) error {
	lastData, err := rs.pager.ReadPage(lastPageID)
	if err != nil {
		return err
	}
	last := &Page{Data: lastData}
	last.SetNextPageID(newID)
	rs.pager.UnpinPage(lastPageID)
	return rs.pager.WritePage(txn, lastPageID, last.Data)
}

func findSlotOffset(page *Page, recordID uint64) uint16 {
	for _, slot := range page.ReadRecords() {
		if slot.RecordID == recordID && !slot.Deleted {
			return slot.Offset
		}
	}
	return 0
}

// insertOverflow stores data across chained overflow pages and leaves
// an overflow-pointer slot in the record chain.
func (rs *RecordStore) insertOverflow(txn uint64, id uint64, data []byte) error {
	var firstOverflow uint32
	var prevID uint32
	offset := 0
	for offset < len(data) {
		ovID, err := rs.pager.AllocatePage(txn)
		if err != nil {
			return err
		}
		if firstOverflow == 0 {
			firstOverflow = ovID
		}
		if prevID != 0 {
			if err := rs.linkLastPage(txn, prevID, ovID); err != nil {
				return err
			}
		}
		end := offset + OverflowDataCapacity
		if end > len(data) {
			end = len(data)
		}
		ov := NewPage(PageTypeOverflow, ovID)
		ov.WriteOverflowData(data[offset:end])
		if err := rs.pager.WritePage(txn, ovID, ov.Data); err != nil {
			return err
		}
		offset = end
		prevID = ovID
	}

	for {
		pageID, ok := rs.freeSpace.FirstFit(OverflowSlotSize)
		if !ok {
			break
		}
		pageData, err := rs.pager.ReadPage(pageID)
		if err != nil {
			return err
		}
		page := &Page{Data: pageData}
		if page.AppendOverflowPointer(id, uint32(len(data)), firstOverflow) {
			loc := Location{PageID: pageID, Offset: findSlotOffset(page, id)}
			rs.freeSpace.Update(pageID, page.FreeSpace())
			rs.pager.UnpinPage(pageID)
			if err := rs.pager.WritePage(txn, pageID, page.Data); err != nil {
				return err
			}
			rs.dir[id] = loc
			return nil
		}
		rs.freeSpace.Update(pageID, 0)
		rs.pager.UnpinPage(pageID)
	}

	newID, err := rs.pager.AllocatePage(txn)
	if err != nil {
		return err
	}
	newPage := NewPage(PageTypeRecord, newID)
	if !newPage.AppendOverflowPointer(id, uint32(len(data)), firstOverflow) {
		return fmt.Errorf("storage: cannot write overflow pointer")
	}
	if err := rs.pager.WritePage(txn, newID, newPage.Data); err != nil {
		return err
	}
	if err := rs.linkTail(txn, newID); err != nil {
		return err
	}
	rs.freeSpace.Track(newID, newPage.FreeSpace())
	rs.dir[id] = Location{PageID: newID, Offset: findSlotOffset(newPage, id)}
	return nil
}

// Get returns a record's raw body, or entierr.ErrNotFound.
func (rs *RecordStore) Get(recordID uint64) ([]byte, error) {
	rs.mu.RLock()
	loc, ok := rs.dir[recordID]
	rs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: record %d: %w", recordID, entierr.ErrNotFound)
	}
	return rs.readAt(loc, recordID)
}

func (rs *RecordStore) readAt(loc Location, recordID uint64) ([]byte, error) {
	pageData, err := rs.pager.ReadPage(loc.PageID)
	if err != nil {
		return nil, err
	}
	page := &Page{Data: pageData}
	defer rs.pager.UnpinPage(loc.PageID)

	for _, slot := range page.ReadRecords() {
		if slot.Offset != loc.Offset {
			continue
		}
		switch {
		case slot.Forwarded:
			target, err := rs.resolveForward(slot.ForwardTarget(), recordID)
			if err != nil {
				return nil, err
			}
			return rs.readAt(target, recordID)
		case slot.Overflow:
			totalLen, firstPage := slot.OverflowInfo()
			return rs.readOverflow(totalLen, firstPage)
		case slot.Compressed:
			return decompressRecord(slot.Data)
		default:
			return slot.Data, nil
		}
	}
	return nil, fmt.Errorf("storage: record %d: %w", recordID, entierr.ErrNotFound)
}

// resolveForward scans pageID for the slot belonging to recordID,
// chasing further forwarding markers up to a small hop limit.
func (rs *RecordStore) resolveForward(pageID uint32, recordID uint64) (Location, error) {
	for hops := 0; hops < 8; hops++ {
		pageData, err := rs.pager.ReadPage(pageID)
		if err != nil {
			return Location{}, err
		}
		page := &Page{Data: pageData}
		rs.pager.UnpinPage(pageID)
		for _, slot := range page.ReadRecords() {
			if slot.RecordID != recordID || slot.Deleted {
				continue
			}
			if slot.Forwarded {
				pageID = slot.ForwardTarget()
				break
			}
			return Location{PageID: pageID, Offset: slot.Offset}, nil
		}
	}
	return Location{}, fmt.Errorf("storage: record %d: forwarding chain too long: %w", recordID, entierr.ErrCorruptPage)
}

func (rs *RecordStore) readOverflow(totalLen uint32, firstPageID uint32) ([]byte, error) {
	result := make([]byte, 0, totalLen)
	remaining := int(totalLen)
	pageID := firstPageID
	for pageID != 0 && remaining > 0 {
		pageData, err := rs.pager.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		page := &Page{Data: pageData}
		chunk := remaining
		if chunk > OverflowDataCapacity {
			chunk = OverflowDataCapacity
		}
		result = append(result, page.ReadOverflowData(chunk)...)
		remaining -= chunk
		next := page.NextPageID()
		rs.pager.UnpinPage(pageID)
		pageID = next
	}
	return result, nil
}

// Exists reports whether recordID is currently live.
func (rs *RecordStore) Exists(recordID uint64) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.dir[recordID]
	return ok
}

// Count returns the number of live records.
func (rs *RecordStore) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.dir)
}

// Update replaces recordID's body. When the new encoded size matches
// the old slot exactly the write lands in place; otherwise the new body
// goes on the first page with room (or a new page linked at the chain's
// tail) and the old slot becomes a forwarding marker, or is marked
// deleted when it is too small to hold one.
func (rs *RecordStore) Update(txn uint64, recordID uint64, newData []byte) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	loc, ok := rs.dir[recordID]
	if !ok {
		return fmt.Errorf("storage: record %d: %w", recordID, entierr.ErrNotFound)
	}
	if len(newData) > MaxEntitySize {
		return fmt.Errorf("storage: record of %d bytes exceeds MaxEntitySize: %w", len(newData), entierr.ErrInvalidArgument)
	}

	storeData, flag := rs.pager.compressIfSmaller(newData)
	if len(storeData) <= maxInlineRecordSize {
		pageData, err := rs.pager.ReadPage(loc.PageID)
		if err != nil {
			return err
		}
		page := &Page{Data: pageData}
		oldFlag := page.SlotFlags(loc.Offset)
		if oldFlag == flag && page.UpdateRecordInPlace(loc.Offset, storeData) {
			rs.pager.UnpinPage(loc.PageID)
			return rs.pager.WritePage(txn, loc.PageID, page.Data)
		}
		rs.pager.UnpinPage(loc.PageID)
	}

	if err := rs.freeOldLocation(txn, loc); err != nil {
		return err
	}
	if err := rs.insertWithID(txn, recordID, newData); err != nil {
		return err
	}
	newLoc := rs.dir[recordID]
	return rs.leaveForward(txn, loc, newLoc.PageID)
}

func (rs *RecordStore) leaveForward(txn uint64, oldLoc Location, newPageID uint32) error {
	pageData, err := rs.pager.ReadPage(oldLoc.PageID)
	if err != nil {
		return err
	}
	page := &Page{Data: pageData}
	if page.ConvertToForward(oldLoc.Offset, newPageID) {
		rs.pager.UnpinPage(oldLoc.PageID)
		return rs.pager.WritePage(txn, oldLoc.PageID, page.Data)
	}
	// slot too small to carry a forward marker: mark-deleted is still
	// correct, readers resolve the new location via the directory.
	page.MarkDeleted(oldLoc.Offset)
	rs.pager.UnpinPage(oldLoc.PageID)
	return rs.pager.WritePage(txn, oldLoc.PageID, page.Data)
}

// freeOldLocation frees any overflow chain belonging to the slot being
// relocated; the slot itself gets converted to a forward marker (or
// deleted) by the caller.
func (rs *RecordStore) freeOldLocation(txn uint64, loc Location) error {
	pageData, err := rs.pager.ReadPage(loc.PageID)
	if err != nil {
		return err
	}
	page := &Page{Data: pageData}
	defer rs.pager.UnpinPage(loc.PageID)
	for _, slot := range page.ReadRecords() {
		if slot.Offset == loc.Offset && slot.Overflow {
			_, firstPage := slot.OverflowInfo()
			return rs.freeOverflowChain(txn, firstPage)
		}
	}
	return nil
}

func (rs *RecordStore) freeOverflowChain(txn uint64, firstPageID uint32) error {
	pageID := firstPageID
	for pageID != 0 {
		pageData, err := rs.pager.ReadPage(pageID)
		if err != nil {
			return err
		}
		page := &Page{Data: pageData}
		next := page.NextPageID()
		rs.pager.UnpinPage(pageID)
		if err := rs.pager.FreePage(txn, pageID); err != nil {
			return err
		}
		pageID = next
	}
	return nil
}

// Delete removes a record, freeing any overflow chain it owns.
func (rs *RecordStore) Delete(txn uint64, recordID uint64) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	loc, ok := rs.dir[recordID]
	if !ok {
		return fmt.Errorf("storage: record %d: %w", recordID, entierr.ErrNotFound)
	}
	if err := rs.freeOldLocation(txn, loc); err != nil {
		return err
	}
	pageData, err := rs.pager.ReadPage(loc.PageID)
	if err != nil {
		return err
	}
	page := &Page{Data: pageData}
	page.MarkDeleted(loc.Offset)
	rs.pager.UnpinPage(loc.PageID)
	if err := rs.pager.WritePage(txn, loc.PageID, page.Data); err != nil {
		return err
	}
	delete(rs.dir, recordID)
	return nil
}

// Stream yields every live record id and body, in no defined order (the
// order of the id directory map), for full scans the query executor
// falls back to when no index serves a predicate.
func (rs *RecordStore) Stream(yield func(id uint64, body []byte) (cont bool, err error)) error {
	rs.mu.RLock()
	ids := make([]uint64, 0, len(rs.dir))
	for id := range rs.dir {
		ids = append(ids, id)
	}
	rs.mu.RUnlock()

	for _, id := range ids {
		body, err := rs.Get(id)
		if err != nil {
			if errors.Is(err, entierr.ErrNotFound) {
				continue
			}
			return err
		}
		cont, err := yield(id, body)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}
