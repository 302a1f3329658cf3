// Package txn implements the Transaction Manager: four isolation
// levels over an optimistic snapshot-and-validation model, layered on
// top of collection.Collection (whose Insert/Update/Delete already
// give each individual operation WAL-backed atomicity). It mirrors
// storage.Pager's BeginTx/CommitTx/RollbackTx snapshot-and-undo design
// at the record level instead of the page level: a read-set of (id,
// version) pairs stands in for Pager's txnUndo/txnDirty maps, since
// this layer operates above Collection's already-atomic per-record
// operations rather than raw pages.
package txn

import (
	"fmt"
	"sync"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/collection"
	"github.com/entidb/entidb/entierr"
)

// Isolation is one of the four supported isolation levels.
type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted              // default
	RepeatableRead
	Serializable
)

// Status is a transaction's position in its lifecycle.
type Status int

const (
	StatusActive Status = iota
	StatusCommitting
	StatusCommitted
	StatusRolledBack
)

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

// pendingOp is one buffered mutation: nothing is applied to the
// collection until Commit runs the queue.
type pendingOp struct {
	kind            opKind
	id              string // set for update/delete; filled in for insert after apply
	entity          *codec.Document
	expectedVersion uint64
}

// Transaction buffers a sequence of operations against one Collection,
// applying them only at Commit, with read snapshots for
// repeatable_read/serializable and a read set validated for
// serializable.
type Transaction struct {
	mu        sync.Mutex
	coll      *collection.Collection
	isolation Isolation
	status    Status

	// readSet records each id's version as of its first observation,
	// as (id, observed_version) pairs — populated for serializable only.
	readSet map[string]uint64
	// readSnapshot holds repeatable_read's cached body for each id so
	// a second read within the same transaction sees the same value
	// even if another transaction commits a change in between.
	readSnapshot map[string]*codec.Document

	pending []pendingOp
}

// Manager begins transactions against a single Collection.
type Manager struct {
	coll *collection.Collection
}

func NewManager(coll *collection.Collection) *Manager {
	return &Manager{coll: coll}
}

// Begin starts a new transaction at the given isolation level. Its
// start point is simply the moment pending/readSet bookkeeping
// begins, since visibility for read_uncommitted/read_committed is
// always "latest committed" rather than a point-in-time page
// snapshot.
func (m *Manager) Begin(isolation Isolation) *Transaction {
	return &Transaction{
		coll:         m.coll,
		isolation:    isolation,
		status:       StatusActive,
		readSet:      make(map[string]uint64),
		readSnapshot: make(map[string]*codec.Document),
	}
}

func (t *Transaction) requireActive() error {
	if t.status != StatusActive {
		return fmt.Errorf("txn: not active: %w", entierr.ErrInvalidArgument)
	}
	return nil
}

// Get reads id's current entity, honoring the transaction's isolation
// level: read_uncommitted/read_committed always see the latest
// committed value; repeatable_read and serializable pin the value (and,
// for serializable, the version) as of the first read.
func (t *Transaction) Get(id string) (*codec.Document, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return nil, false, err
	}

	if pending := t.pendingEntity(id); pending != nil {
		if pending.kind == opDelete {
			return nil, false, nil
		}
		return pending.entity, true, nil
	}

	if t.isolation == RepeatableRead || t.isolation == Serializable {
		if doc, ok := t.readSnapshot[id]; ok {
			return doc, true, nil
		}
	}

	doc, ok, err := t.coll.Get(id)
	if err != nil || !ok {
		return nil, ok, err
	}

	if t.isolation == RepeatableRead || t.isolation == Serializable {
		t.readSnapshot[id] = doc
	}
	if t.isolation == Serializable {
		t.readSet[id] = t.coll.Version(id)
	}
	return doc, true, nil
}

// pendingEntity returns the last buffered operation touching id, if
// any, so reads observe the transaction's own uncommitted writes.
func (t *Transaction) pendingEntity(id string) *pendingOp {
	for i := len(t.pending) - 1; i >= 0; i-- {
		if t.pending[i].id == id {
			return &t.pending[i]
		}
	}
	return nil
}

// Insert buffers an insert; the id is assigned at Commit time unless
// entity already carries one, matching Collection.Insert's behavior.
func (t *Transaction) Insert(entity *codec.Document) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.pending = append(t.pending, pendingOp{kind: opInsert, entity: entity})
	return nil
}

// Update buffers a version-checked update of id.
func (t *Transaction) Update(id string, entity *codec.Document, expectedVersion uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.pending = append(t.pending, pendingOp{kind: opUpdate, id: id, entity: entity, expectedVersion: expectedVersion})
	return nil
}

// Delete buffers a delete of id.
func (t *Transaction) Delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.pending = append(t.pending, pendingOp{kind: opDelete, id: id})
	return nil
}

// appliedOp records what Commit actually did to a record, so a
// mid-commit failure can undo it in reverse.
type appliedOp struct {
	kind   opKind
	id     string
	before *codec.Document // nil for insert
}

// Commit validates the read set (serializable only), then applies
// every buffered operation against the collection. A failure partway
// through undoes everything applied so far, in reverse order, before
// returning the error. Undo is expressed as compensating Collection
// calls rather than a WAL before-image replay, since each individual
// Collection operation is already WAL-atomic on its own.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.status = StatusCommitting

	if t.isolation == Serializable {
		var conflicts []string
		for id, observed := range t.readSet {
			if t.coll.Version(id) != observed {
				conflicts = append(conflicts, id)
			}
		}
		if len(conflicts) > 0 {
			t.status = StatusActive
			return &entierr.ConflictError{ConflictingIDs: conflicts}
		}
	}

	var applied []appliedOp
	for _, op := range t.pending {
		switch op.kind {
		case opInsert:
			id, err := t.coll.Insert(op.entity)
			if err != nil {
				t.undo(applied)
				t.status = StatusRolledBack
				return err
			}
			applied = append(applied, appliedOp{kind: opInsert, id: id})
		case opUpdate:
			before, _, err := t.coll.Get(op.id)
			if err != nil {
				t.undo(applied)
				t.status = StatusRolledBack
				return err
			}
			if err := t.coll.Update(op.id, op.entity, op.expectedVersion); err != nil {
				t.undo(applied)
				t.status = StatusRolledBack
				return err
			}
			applied = append(applied, appliedOp{kind: opUpdate, id: op.id, before: before})
		case opDelete:
			before, ok, err := t.coll.Get(op.id)
			if err != nil {
				t.undo(applied)
				t.status = StatusRolledBack
				return err
			}
			if !ok {
				continue
			}
			if _, err := t.coll.Delete(op.id); err != nil {
				t.undo(applied)
				t.status = StatusRolledBack
				return err
			}
			applied = append(applied, appliedOp{kind: opDelete, id: op.id, before: before})
		}
	}

	t.status = StatusCommitted
	return nil
}

// undo reverses applied operations in reverse order: an insert is
// undone by deleting the new record, an update by writing the prior
// body back, a delete by reinserting the prior body under its
// original id.
func (t *Transaction) undo(applied []appliedOp) {
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		switch op.kind {
		case opInsert:
			t.coll.Delete(op.id)
		case opUpdate:
			v := t.coll.Version(op.id)
			t.coll.Update(op.id, op.before, v)
		case opDelete:
			t.coll.Insert(op.before)
		}
	}
}

// Rollback discards every buffered operation. Valid any time before
// Commit returns; a transaction already committed cannot be rolled
// back.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusCommitted {
		return fmt.Errorf("txn: already committed: %w", entierr.ErrInvalidArgument)
	}
	t.pending = nil
	t.status = StatusRolledBack
	return nil
}

// State reports the transaction's current lifecycle position.
func (t *Transaction) State() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
