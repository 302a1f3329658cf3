package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// PageSize is the fixed page size in bytes.
const PageSize = 4096

// PageType identifies the role a page plays: header, record, overflow,
// one of two index page kinds, or free.
type PageType byte

const (
	PageTypeHeader       PageType = 1
	PageTypeRecord       PageType = 2
	PageTypeIndexInternal PageType = 3
	PageTypeFree         PageType = 4
	PageTypeOverflow     PageType = 5
	PageTypeIndexLeaf    PageType = 6
)

// PageHeaderSize is the fixed-layout page header common to every page:
//
//	[0]     PageType
//	[1-4]   PageID (uint32)
//	[5-6]   NumRecords (uint16)    — record pages
//	[7-8]   FreeSpaceOffset (uint16)
//	[9-12]  NextPageID (uint32)    — chaining (0 = none)
//	[13-20] PageLSN (uint64)       — LSN of the write that last touched this page
//	[21-24] Checksum (uint32)      — CRC-32C over the page with this field zeroed
//	[25-31] reserved
const PageHeaderSize = 32

const (
	pageLSNOff   = 13
	checksumOff  = 21
)

// Page is a single raw fixed-size page.
type Page struct {
	Data [PageSize]byte
}

// NewPage builds an empty page of the given type and id.
func NewPage(ptype PageType, pageID uint32) *Page {
	p := &Page{}
	p.Data[0] = byte(ptype)
	binary.LittleEndian.PutUint32(p.Data[1:5], pageID)
	binary.LittleEndian.PutUint16(p.Data[7:9], PageHeaderSize)
	return p
}

func (p *Page) Type() PageType { return PageType(p.Data[0]) }

func (p *Page) PageID() uint32 { return binary.LittleEndian.Uint32(p.Data[1:5]) }

func (p *Page) NumRecords() uint16 { return binary.LittleEndian.Uint16(p.Data[5:7]) }

func (p *Page) SetNumRecords(n uint16) { binary.LittleEndian.PutUint16(p.Data[5:7], n) }

func (p *Page) FreeSpaceOffset() uint16 { return binary.LittleEndian.Uint16(p.Data[7:9]) }

func (p *Page) SetFreeSpaceOffset(off uint16) { binary.LittleEndian.PutUint16(p.Data[7:9], off) }

func (p *Page) NextPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[9:13]) }

func (p *Page) SetNextPageID(id uint32) { binary.LittleEndian.PutUint32(p.Data[9:13], id) }

// PageLSN returns the log sequence number of the write that last
// produced this page's content.
func (p *Page) PageLSN() uint64 { return binary.LittleEndian.Uint64(p.Data[pageLSNOff:]) }

// SetPageLSN stamps the page with the LSN of the write that produced it.
func (p *Page) SetPageLSN(lsn uint64) { binary.LittleEndian.PutUint64(p.Data[pageLSNOff:], lsn) }

// Checksum returns the page's stored CRC-32C.
func (p *Page) Checksum() uint32 { return binary.LittleEndian.Uint32(p.Data[checksumOff:]) }

func (p *Page) setChecksum(c uint32) { binary.LittleEndian.PutUint32(p.Data[checksumOff:], c) }

// computeChecksum returns the CRC-32C of the page with the checksum
// field itself zeroed, so the stored value never depends on its own
// bytes.
func (p *Page) computeChecksum() uint32 {
	scratch := p.Data
	binary.LittleEndian.PutUint32(scratch[checksumOff:], 0)
	return crc32.Checksum(scratch[:], crc32cTable)
}

// WriteChecksum stamps the page's checksum field from its current
// contents. Callers stamp right before handing the page to the file.
func (p *Page) WriteChecksum() { p.setChecksum(p.computeChecksum()) }

// VerifyChecksum reports whether the page's stored checksum matches its
// contents. Callers verify right after reading the page from file.
func (p *Page) VerifyChecksum() bool { return p.Checksum() == p.computeChecksum() }

// FreeSpace returns the bytes left before the page is full.
func (p *Page) FreeSpace() int { return PageSize - int(p.FreeSpaceOffset()) }

// Slot flags. SlotFlagForwarded marks a relocation left behind when a
// record outgrows its original slot and is rewritten elsewhere, so
// readers following a stale (page,slot) address can chase the
// forwarding pointer instead of reading garbage.
const (
	SlotFlagActive       byte = 0x00
	SlotFlagDeleted      byte = 0x01
	SlotFlagOverflow     byte = 0x02
	SlotFlagDelOver      byte = 0x03
	SlotFlagCompressed   byte = 0x04
	SlotFlagCompOverflow byte = 0x06
	SlotFlagForwarded    byte = 0x07
)

// OverflowSlotSize is the size of an overflow-pointer slot in a record
// page: [record_id:8][data_len=8:2][flags:1][total_len:4][overflow_page:4].
const OverflowSlotSize = 8 + 2 + 1 + 4 + 4

// OverflowDataCapacity is the usable payload per overflow page.
const OverflowDataCapacity = PageSize - PageHeaderSize

// RecordSlotHeaderSize is [record_id:uint64][data_len:uint16][flags:byte].
const RecordSlotHeaderSize = 8 + 2 + 1

// ForwardSlotSize is a forwarding slot: [record_id:8][data_len=4:2][flags:1][new_page:4].
const ForwardSlotSize = 8 + 2 + 1 + 4

func (p *Page) AppendRecord(recordID uint64, data []byte) bool {
	return p.AppendRecordWithFlag(recordID, data, SlotFlagActive)
}

// AppendRecordWithFlag appends a record with an explicit flag (e.g.
// SlotFlagCompressed). Returns false if the page has no room.
func (p *Page) AppendRecordWithFlag(recordID uint64, data []byte, flag byte) bool {
	needed := RecordSlotHeaderSize + len(data)
	if p.FreeSpace() < needed {
		return false
	}
	off := p.FreeSpaceOffset()
	binary.LittleEndian.PutUint64(p.Data[off:], recordID)
	binary.LittleEndian.PutUint16(p.Data[off+8:], uint16(len(data)))
	p.Data[off+10] = flag
	copy(p.Data[off+11:], data)

	p.SetFreeSpaceOffset(off + uint16(needed))
	p.SetNumRecords(p.NumRecords() + 1)
	return true
}

// AppendOverflowPointer appends an overflow-pointer slot carrying the
// full record length and the first overflow page id.
func (p *Page) AppendOverflowPointer(recordID uint64, totalLen uint32, firstOverflowPage uint32) bool {
	if p.FreeSpace() < OverflowSlotSize {
		return false
	}
	off := p.FreeSpaceOffset()
	binary.LittleEndian.PutUint64(p.Data[off:], recordID)
	binary.LittleEndian.PutUint16(p.Data[off+8:], 8)
	p.Data[off+10] = SlotFlagOverflow
	binary.LittleEndian.PutUint32(p.Data[off+11:], totalLen)
	binary.LittleEndian.PutUint32(p.Data[off+15:], firstOverflowPage)

	p.SetFreeSpaceOffset(off + OverflowSlotSize)
	p.SetNumRecords(p.NumRecords() + 1)
	return true
}

// AppendForwardPointer appends a forwarding slot pointing a relocated
// record's old (page,slot) address at its new page.
func (p *Page) AppendForwardPointer(recordID uint64, newPageID uint32) bool {
	if p.FreeSpace() < ForwardSlotSize {
		return false
	}
	off := p.FreeSpaceOffset()
	binary.LittleEndian.PutUint64(p.Data[off:], recordID)
	binary.LittleEndian.PutUint16(p.Data[off+8:], 4)
	p.Data[off+10] = SlotFlagForwarded
	binary.LittleEndian.PutUint32(p.Data[off+11:], newPageID)

	p.SetFreeSpaceOffset(off + ForwardSlotSize)
	p.SetNumRecords(p.NumRecords() + 1)
	return true
}

func (p *Page) WriteOverflowData(data []byte) {
	copy(p.Data[PageHeaderSize:], data)
}

func (p *Page) ReadOverflowData(length int) []byte {
	if length > OverflowDataCapacity {
		length = OverflowDataCapacity
	}
	out := make([]byte, length)
	copy(out, p.Data[PageHeaderSize:])
	return out
}

// RecordSlot is a record read back from a page.
type RecordSlot struct {
	RecordID   uint64
	Data       []byte
	Deleted    bool
	Overflow   bool
	Compressed bool
	Forwarded  bool
	Offset     uint16
}

// OverflowInfo extracts totalLen and the first overflow page id from an
// overflow slot's Data.
func (s *RecordSlot) OverflowInfo() (totalLen uint32, firstPage uint32) {
	if len(s.Data) < 8 {
		return 0, 0
	}
	totalLen = binary.LittleEndian.Uint32(s.Data[0:4])
	firstPage = binary.LittleEndian.Uint32(s.Data[4:8])
	return
}

// ForwardTarget extracts the new page id from a forwarding slot's Data.
func (s *RecordSlot) ForwardTarget() uint32 {
	if len(s.Data) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(s.Data[0:4])
}

// ReadRecords reads every slot in the page, including deleted and
// forwarding ones, so callers can reconstruct free space and chase
// relocations.
func (p *Page) ReadRecords() []RecordSlot {
	slots := make([]RecordSlot, 0, p.NumRecords())
	off := uint16(PageHeaderSize)
	end := p.FreeSpaceOffset()

	for off < end {
		if off+RecordSlotHeaderSize > end {
			break
		}
		rid := binary.LittleEndian.Uint64(p.Data[off:])
		dlen := binary.LittleEndian.Uint16(p.Data[off+8:])
		flags := p.Data[off+10]

		dataStart := off + RecordSlotHeaderSize
		if int(dataStart)+int(dlen) > PageSize {
			break
		}
		dataCopy := make([]byte, dlen)
		copy(dataCopy, p.Data[dataStart:dataStart+dlen])

		slots = append(slots, RecordSlot{
			RecordID:   rid,
			Data:       dataCopy,
			Deleted:    flags == SlotFlagDeleted || flags == SlotFlagDelOver,
			Overflow:   flags == SlotFlagOverflow || flags == SlotFlagCompOverflow,
			Compressed: flags == SlotFlagCompressed || flags == SlotFlagCompOverflow,
			Forwarded:  flags == SlotFlagForwarded,
			Offset:     off,
		})
		off = dataStart + dlen
	}
	return slots
}

// MarkDeleted marks the slot at the given offset deleted, preserving
// the overflow flag so overflow pages can still be freed.
func (p *Page) MarkDeleted(slotOffset uint16) {
	flag := p.Data[slotOffset+10]
	if flag == SlotFlagOverflow || flag == SlotFlagCompOverflow {
		p.Data[slotOffset+10] = SlotFlagDelOver
	} else {
		p.Data[slotOffset+10] = SlotFlagDeleted
	}
}

func (p *Page) SlotFlags(slotOffset uint16) byte {
	return p.Data[slotOffset+10]
}

// UpdateRecordInPlace overwrites a slot's data if the new size matches
// the old one exactly; otherwise the caller must relocate the record
// and leave a forwarding pointer.
func (p *Page) UpdateRecordInPlace(slotOffset uint16, newData []byte) bool {
	oldLen := binary.LittleEndian.Uint16(p.Data[slotOffset+8:])
	if uint16(len(newData)) != oldLen {
		return false
	}
	copy(p.Data[slotOffset+RecordSlotHeaderSize:], newData)
	return true
}

// ConvertToForward rewrites an existing slot in place as a forwarding
// marker, without touching its stored data length — subsequent slots'
// offsets are computed by walking each slot's own length field, so
// shrinking a slot's payload in place would corrupt everything after
// it. The slot's allocated space must hold at least 4 bytes; callers
// fall back to mark-deleted-and-reinsert when it does not.
func (p *Page) ConvertToForward(slotOffset uint16, newPageID uint32) bool {
	oldLen := binary.LittleEndian.Uint16(p.Data[slotOffset+8:])
	if oldLen < 4 {
		return false
	}
	p.Data[slotOffset+10] = SlotFlagForwarded
	binary.LittleEndian.PutUint32(p.Data[slotOffset+RecordSlotHeaderSize:], newPageID)
	return true
}
