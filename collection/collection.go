// Package collection implements the typed Collection façade: the
// single public surface EntiDB callers use, wiring together the Paged
// Record Store, the Index Manager, the per-record lock manager, and
// the query planner/executor. Record-level locking follows
// concurrency/lock.go's idiom, and per-record optimistic-concurrency
// versions are tracked in an in-memory map keyed off the same pattern
// storage/pager.go uses for its page allocation counter.
package collection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/concurrency"
	"github.com/entidb/entidb/contracts"
	"github.com/entidb/entidb/entierr"
	"github.com/entidb/entidb/index"
	"github.com/entidb/entidb/query"
	"github.com/entidb/entidb/recordid"
	"github.com/entidb/entidb/storage"
)

// idField is the reserved document field carrying a record's public
// string id, maintained by Collection alongside the internal uint64
// physical id the storage/index layers operate on.
const idField = "_id"

// Option configures a Collection at Open time.
type Option func(*Collection)

// WithIDGenerator overrides the default recordid.Generator.
func WithIDGenerator(g contracts.IDGenerator) Option {
	return func(c *Collection) { c.ids = g }
}

// Collection is the typed façade over one collection's storage,
// indexes, and query engine.
type Collection struct {
	pager *storage.Pager
	rs    *storage.RecordStore
	mgr   *index.Manager
	locks *concurrency.LockManager
	ids   contracts.IDGenerator

	mu       sync.Mutex // guards idMap/versions bookkeeping maps
	idMap    map[string]uint64
	versions map[string]uint64

	resultCache *query.ResultCache
	planCache   *query.PlanCache

	disposed bool
}

// Open attaches a Collection façade to an already-open pager,
// rebuilding the public-id directory and version counters by streaming
// every record once.
func Open(pager *storage.Pager, opts ...Option) (*Collection, error) {
	rs, err := storage.OpenRecordStore(pager)
	if err != nil {
		return nil, err
	}
	mgr := index.NewManager(pager)

	c := &Collection{
		pager:       pager,
		rs:          rs,
		mgr:         mgr,
		locks:       concurrency.NewLockManager(concurrency.LockPolicyWait),
		ids:         recordid.New(),
		idMap:       make(map[string]uint64),
		versions:    make(map[string]uint64),
		resultCache: query.NewResultCache(),
		planCache:   query.NewPlanCache(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.rebuildIDMap(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection) rebuildIDMap() error {
	return c.rs.Stream(func(physID uint64, body []byte) (bool, error) {
		doc, err := codec.Decode(body)
		if err != nil {
			return false, err
		}
		v, ok := doc.Get(idField)
		if !ok {
			return true, nil
		}
		s, err := v.String()
		if err != nil {
			return true, nil
		}
		c.idMap[s] = physID
		c.versions[s] = 1
		return true, nil
	})
}

func (c *Collection) checkOpen() error {
	if c.disposed {
		return entierr.ErrDisposed
	}
	return nil
}

// Insert stores entity, assigning it a fresh id if entity has none
// under idField, and returns the public id under which it was stored.
func (c *Collection) Insert(entity *codec.Document) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}

	publicID, ok := entity.Get(idField)
	var id string
	if ok {
		s, err := publicID.String()
		if err != nil {
			return "", fmt.Errorf("collection: %s must be a string: %w", idField, entierr.ErrInvalidArgument)
		}
		id = s
	} else {
		id = c.ids.NewID()
		entity.Set(idField, codec.String(id))
	}

	release, err := c.locks.AcquireRecords([]string{id})
	if err != nil {
		return "", err
	}
	defer release()

	c.mu.Lock()
	_, exists := c.idMap[id]
	c.mu.Unlock()
	if exists {
		return "", fmt.Errorf("collection: record %s: %w", id, entierr.ErrAlreadyExists)
	}

	txn, err := c.pager.BeginTx()
	if err != nil {
		return "", err
	}
	physID, err := c.rs.Insert(txn, entity.Encode())
	if err != nil {
		c.pager.RollbackTx(txn)
		return "", err
	}
	if err := c.pager.CommitTx(txn); err != nil {
		return "", err
	}

	if err := c.mgr.OnInsert(physID, entity); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.idMap[id] = physID
	c.versions[id] = 1
	c.mu.Unlock()

	c.resultCache.InvalidateAll()
	return id, nil
}

// InsertMany inserts every entity, returning the assigned ids in order.
// The first failure stops the batch; earlier successful inserts are
// not rolled back — each insert is its own atomic operation, and the
// batch as a whole makes no atomicity guarantee.
func (c *Collection) InsertMany(entities []*codec.Document) ([]string, error) {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		id, err := c.Insert(e)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get fetches the entity stored under id, or (nil, false) if absent.
func (c *Collection) Get(id string) (*codec.Document, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	physID, ok := c.idMap[id]
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	body, err := c.rs.Get(physID)
	if err != nil {
		if errors.Is(err, entierr.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	doc, err := codec.Decode(body)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Version returns the current version counter for id, or 0 if id is
// absent.
func (c *Collection) Version(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[id]
}

// Update replaces the entity stored under id with newEntity, failing
// with ConcurrencyConflict (and no side effect) if expectedVersion
// does not match the record's current version.
func (c *Collection) Update(id string, newEntity *codec.Document, expectedVersion uint64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	release, err := c.locks.AcquireRecords([]string{id})
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	physID, ok := c.idMap[id]
	current := c.versions[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("collection: record %s: %w", id, entierr.ErrNotFound)
	}
	if current != expectedVersion {
		return fmt.Errorf("collection: record %s at version %d, expected %d: %w", id, current, expectedVersion, entierr.ErrConcurrencyConflict)
	}

	oldBody, err := c.rs.Get(physID)
	if err != nil {
		return err
	}
	oldDoc, err := codec.Decode(oldBody)
	if err != nil {
		return err
	}

	newEntity.Set(idField, codec.String(id))

	txn, err := c.pager.BeginTx()
	if err != nil {
		return err
	}
	if err := c.rs.Update(txn, physID, newEntity.Encode()); err != nil {
		c.pager.RollbackTx(txn)
		return err
	}
	if err := c.pager.CommitTx(txn); err != nil {
		return err
	}

	if err := c.mgr.OnUpdate(physID, oldDoc, newEntity); err != nil {
		return err
	}

	c.mu.Lock()
	c.versions[id] = current + 1
	c.mu.Unlock()

	c.resultCache.InvalidateAll()
	return nil
}

// Delete removes the record stored under id, returning whether it was
// present.
func (c *Collection) Delete(id string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	release, err := c.locks.AcquireRecords([]string{id})
	if err != nil {
		return false, err
	}
	defer release()

	c.mu.Lock()
	physID, ok := c.idMap[id]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}

	body, err := c.rs.Get(physID)
	if err != nil {
		return false, err
	}
	doc, err := codec.Decode(body)
	if err != nil {
		return false, err
	}

	txn, err := c.pager.BeginTx()
	if err != nil {
		return false, err
	}
	if err := c.rs.Delete(txn, physID); err != nil {
		c.pager.RollbackTx(txn)
		return false, err
	}
	if err := c.pager.CommitTx(txn); err != nil {
		return false, err
	}

	if err := c.mgr.OnDelete(physID, doc); err != nil {
		return false, err
	}

	c.mu.Lock()
	delete(c.idMap, id)
	delete(c.versions, id)
	c.mu.Unlock()

	c.resultCache.InvalidateAll()
	return true, nil
}

// Count returns the total number of records in the collection.
func (c *Collection) Count() int {
	return c.rs.Count()
}

// stats reports the cardinality snapshot the planner's cost model
// needs, derived from the record store and pager rather than a
// maintained ANALYZE pass.
func (c *Collection) stats() query.Stats {
	rows := int64(c.rs.Count())
	pages := int64(c.pager.TotalPages())
	if pages == 0 {
		pages = 1
	}
	return query.Stats{RowCount: rows, PageCount: pages}
}

// Find runs node against the collection, returning every matching
// entity. Results are computed lazily through the executor's iterator
// pipeline; this method drains it for callers that want the full set
// at once — FindIter is the streaming variant.
func (c *Collection) Find(node *query.Node) ([]*codec.Document, error) {
	it, err := c.FindIter(node)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*codec.Document
	for {
		tup, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, tup.Doc)
	}
	return out, nil
}

// FindIter plans and opens node as a lazy open/next/close iterator.
func (c *Collection) FindIter(node *query.Node) (query.Iterator, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	plan := c.planFor(node)
	ex := query.NewExecutor(c.mgr, c.rs)
	return ex.Open(plan)
}

func (c *Collection) planFor(node *query.Node) *query.AccessPlan {
	key, err := node.Serialize()
	if err == nil {
		if cached, ok := c.planCache.Get(key); ok {
			return cached
		}
	}
	plan := query.Plan(node, c.mgr, c.stats())
	if err == nil {
		c.planCache.Put(key, plan)
	}
	return plan
}

// FindOne returns the first entity matching node, or (nil, false) if
// none match.
func (c *Collection) FindOne(node *query.Node) (*codec.Document, bool, error) {
	it, err := c.FindIter(node)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()
	tup, ok, err := it.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	return tup.Doc, true, nil
}

// CountWhere counts entities matching node without materializing them.
func (c *Collection) CountWhere(node *query.Node) (int, error) {
	it, err := c.FindIter(node)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

// ExistsWhere reports whether any entity matches node.
func (c *Collection) ExistsWhere(node *query.Node) (bool, error) {
	it, err := c.FindIter(node)
	if err != nil {
		return false, err
	}
	defer it.Close()
	_, ok, err := it.Next()
	return ok, err
}

// CreateIndex declares a new index on field, rebuilding it from every
// existing record by streaming the record store — schema operations
// hold the coarse collection lock.
func (c *Collection) CreateIndex(field string, kind index.Kind) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.locks.CollectionMu.Lock()
	defer c.locks.CollectionMu.Unlock()

	if err := c.mgr.CreateIndex(field, kind); err != nil {
		return err
	}
	err := c.rs.Stream(func(physID uint64, body []byte) (bool, error) {
		doc, err := codec.Decode(body)
		if err != nil {
			return false, err
		}
		return true, c.mgr.OnInsert(physID, doc)
	})
	if err != nil {
		return err
	}
	c.planCache.Invalidate()
	c.resultCache.InvalidateAll()
	return nil
}

// DropIndex removes the index on field.
func (c *Collection) DropIndex(field string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.locks.CollectionMu.Lock()
	defer c.locks.CollectionMu.Unlock()

	if err := c.mgr.DropIndex(field); err != nil {
		return err
	}
	c.planCache.Invalidate()
	c.resultCache.InvalidateAll()
	return nil
}

// Explain returns the access plan node would run under, without
// executing it.
func (c *Collection) Explain(node *query.Node) *query.AccessPlan {
	return c.planFor(node)
}

// Flush checkpoints the pager: it writes the header, fsyncs the data
// file (which already holds every committed page) and truncates the
// WAL. Dirty pages of a transaction still in progress are not written.
func (c *Collection) Flush() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.pager.Checkpoint()
}

// Dispose marks the collection disposed while holding the schema lock;
// afterwards every method that checks for disposal returns Disposed
// (Count, Version and Explain do not check). It does not close the
// underlying pager — callers that opened it are responsible for that.
func (c *Collection) Dispose() error {
	c.locks.CollectionMu.Lock()
	defer c.locks.CollectionMu.Unlock()
	c.disposed = true
	return nil
}
