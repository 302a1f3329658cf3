// Package index implements EntiDB's two index kinds: the Ordered
// index below, a persistent B+Tree, and the Hash index in hash.go.
// Manager tracks every index registered on the collection this
// storage core owns, keyed per-field, since a single Pager addresses
// exactly one collection.
package index

import (
	"fmt"
	"sync"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/entierr"
	"github.com/entidb/entidb/storage"
)

// Kind distinguishes the two index implementations.
type Kind byte

const (
	KindOrdered Kind = iota
	KindHash
)

// Ordered is an index over a field backed by a B+Tree, supporting
// O(log n) point lookup and O(log n + k) range scans.
type Ordered struct {
	Field string
	btree *BTree
	mu    sync.RWMutex
}

// NewOrdered creates an empty ordered index with a fresh B-Tree.
func NewOrdered(field string, pager *storage.Pager) (*Ordered, error) {
	bt, err := NewBTree(pager)
	if err != nil {
		return nil, err
	}
	return &Ordered{Field: field, btree: bt}, nil
}

// OpenOrdered reopens an ordered index from its persisted root page.
func OpenOrdered(field string, pager *storage.Pager, rootPageID uint32) *Ordered {
	return &Ordered{Field: field, btree: OpenBTree(pager, rootPageID)}
}

func (idx *Ordered) RootPageID() uint32 { return idx.btree.RootPageID }

func (idx *Ordered) Add(v codec.Value, recordID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.btree.Insert(ValueToKey(v), recordID)
}

func (idx *Ordered) Remove(v codec.Value, recordID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.btree.Remove(ValueToKey(v), recordID)
}

func (idx *Ordered) Lookup(v codec.Value) ([]uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.Lookup(ValueToKey(v))
}

// RangeScan returns record ids whose indexed value's canonical key
// falls in [min, max].
func (idx *Ordered) RangeScan(min, max codec.Value) ([]uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.RangeScan(ValueToKey(min), ValueToKey(max))
}

// RangeScanOpen is RangeScan with either bound left unconstrained:
// hasMin/hasMax false means that side is open, matching BTree's own
// convention of an empty key string meaning unbounded. ValueToKey
// never produces "" for a real value (even null maps to "0"), so an
// open bound can't be expressed by passing a zero codec.Value through
// the closed RangeScan above.
func (idx *Ordered) RangeScanOpen(min, max codec.Value, hasMin, hasMax bool) ([]uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	minKey, maxKey := "", ""
	if hasMin {
		minKey = ValueToKey(min)
	}
	if hasMax {
		maxKey = ValueToKey(max)
	}
	return idx.btree.RangeScan(minKey, maxKey)
}

// AllEntries returns every canonical-key -> record-ids mapping, for
// debugging, tests, and full index iteration.
func (idx *Ordered) AllEntries() map[string][]uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entries, _ := idx.btree.AllEntries()
	if entries == nil {
		return make(map[string][]uint64)
	}
	return entries
}

// Manager owns every index registered on the collection, dispatching
// on_insert/on_update/on_delete maintenance calls and persisting each
// index's root page id through the Pager header.
type Manager struct {
	mu      sync.RWMutex
	ordered map[string]*Ordered
	hash    map[string]*Hash
	pager   *storage.Pager
}

func NewManager(pager *storage.Pager) *Manager {
	return &Manager{
		ordered: make(map[string]*Ordered),
		hash:    make(map[string]*Hash),
		pager:   pager,
	}
}

// CreateIndex registers a new index on field, persisting its root page
// id in the header. Returns entierr.ErrIndexAlreadyExists if one is
// already registered for that field.
func (m *Manager) CreateIndex(field string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ordered[field]; exists {
		return fmt.Errorf("index: %s: %w", field, entierr.ErrIndexAlreadyExists)
	}
	if _, exists := m.hash[field]; exists {
		return fmt.Errorf("index: %s: %w", field, entierr.ErrIndexAlreadyExists)
	}

	switch kind {
	case KindOrdered:
		idx, err := NewOrdered(field, m.pager)
		if err != nil {
			return err
		}
		m.ordered[field] = idx
		m.pager.SetIndexRoot(ordKeyName(field), idx.RootPageID())
	case KindHash:
		idx, err := NewHash(field, m.pager)
		if err != nil {
			return err
		}
		m.hash[field] = idx
		m.pager.SetIndexRoot(hashKeyName(field), idx.RootPageID())
	default:
		return fmt.Errorf("index: unsupported kind %d: %w", kind, entierr.ErrUnsupportedIndexType)
	}
	return nil
}

// OpenIndex reattaches an index already persisted in the header, for
// startup.
func (m *Manager) OpenIndex(field string, kind Kind, rootPageID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case KindOrdered:
		m.ordered[field] = OpenOrdered(field, m.pager, rootPageID)
	case KindHash:
		m.hash[field] = OpenHash(field, m.pager, rootPageID)
	}
}

// DropIndex removes an index's in-memory and persisted registration.
func (m *Manager) DropIndex(field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, hasOrd := m.ordered[field]
	_, hasHash := m.hash[field]
	if !hasOrd && !hasHash {
		return fmt.Errorf("index: %s: %w", field, entierr.ErrIndexNotFound)
	}
	delete(m.ordered, field)
	delete(m.hash, field)
	m.pager.DropIndexRoot(ordKeyName(field))
	m.pager.DropIndexRoot(hashKeyName(field))
	return nil
}

// Ordered returns the ordered index on field, if any.
func (m *Manager) Ordered(field string) (*Ordered, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.ordered[field]
	return idx, ok
}

// Hash returns the hash index on field, if any.
func (m *Manager) Hash(field string) (*Hash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.hash[field]
	return idx, ok
}

// IndexedFields lists every field with at least one index, for the
// query planner's candidate-index search.
func (m *Manager) IndexedFields() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for f := range m.ordered {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for f := range m.hash {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// OnInsert maintains every registered index after a record is inserted.
func (m *Manager) OnInsert(recordID uint64, doc *codec.Document) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for field, idx := range m.ordered {
		if v, ok := doc.Get(field); ok {
			if err := idx.Add(v, recordID); err != nil {
				return err
			}
			// A root split moves the B+Tree root; keep the header current.
			m.pager.SetIndexRoot(ordKeyName(field), idx.RootPageID())
		}
	}
	for field, idx := range m.hash {
		if v, ok := doc.Get(field); ok {
			if err := idx.Add(v, recordID); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnDelete maintains every registered index after a record is deleted.
func (m *Manager) OnDelete(recordID uint64, doc *codec.Document) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for field, idx := range m.ordered {
		if v, ok := doc.Get(field); ok {
			if err := idx.Remove(v, recordID); err != nil {
				return err
			}
		}
	}
	for field, idx := range m.hash {
		if v, ok := doc.Get(field); ok {
			if err := idx.Remove(v, recordID); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnUpdate maintains every registered index across a record replacement.
func (m *Manager) OnUpdate(recordID uint64, oldDoc, newDoc *codec.Document) error {
	if err := m.OnDelete(recordID, oldDoc); err != nil {
		return err
	}
	return m.OnInsert(recordID, newDoc)
}

func ordKeyName(field string) string  { return "ord:" + field }
func hashKeyName(field string) string { return "hash:" + field }
