package query

import (
	"errors"
	"sort"

	"github.com/entidb/entidb/codec"
	"github.com/entidb/entidb/entierr"
	"github.com/entidb/entidb/index"
	"github.com/entidb/entidb/storage"
)

// Tuple is one matched row, returned to callers as an id/document pair
// so collection.Collection can re-attach version/public-id metadata
// without the query package knowing about either.
type Tuple struct {
	ID  uint64
	Doc *codec.Document
}

// Iterator is the lazy open/next/close pipeline: a plan is never
// materialized into a full slice up front, it is driven one tuple at a
// time through a cursor-style Next call rather than returning a slice.
type Iterator interface {
	Next() (Tuple, bool, error)
	Close() error
}

// Executor runs an AccessPlan against a collection's index manager and
// record store, decoding bodies with codec.Decode.
type Executor struct {
	mgr *index.Manager
	rs  *storage.RecordStore
}

func NewExecutor(mgr *index.Manager, rs *storage.RecordStore) *Executor {
	return &Executor{mgr: mgr, rs: rs}
}

// Open starts evaluating plan, returning a lazily-driven Iterator.
func (ex *Executor) Open(plan *AccessPlan) (Iterator, error) {
	switch plan.Kind {
	case accessIndexScan:
		ids, err := ex.resolveIndexScan(plan)
		if err != nil {
			return nil, err
		}
		return &idListIterator{ex: ex, ids: ids, filter: plan.Filter}, nil
	case accessIntersect:
		ids, err := ex.resolveIntersect(plan)
		if err != nil {
			return nil, err
		}
		return &idListIterator{ex: ex, ids: ids, filter: plan.Filter}, nil
	case accessUnion:
		ids, err := ex.resolveUnion(plan)
		if err != nil {
			return nil, err
		}
		// Range branches are scanned inclusively; re-check the OR of the
		// branch predicates so strict bounds are trimmed.
		branches := make([]*Node, 0, len(plan.Children))
		for _, c := range plan.Children {
			branches = append(branches, c.IndexOp)
		}
		return &idListIterator{ex: ex, ids: ids, filter: Or(branches...)}, nil
	case accessFullScan:
		return ex.openFullScan(plan.Filter)
	default:
		return nil, entierr.ErrInvalidArgument
	}
}

func (ex *Executor) resolveIndexScan(plan *AccessPlan) ([]uint64, error) {
	node := plan.IndexOp
	switch node.Kind {
	case KindEquals:
		if h, ok := ex.mgr.Hash(plan.Field); ok {
			return h.Lookup(node.Value)
		}
		if o, ok := ex.mgr.Ordered(plan.Field); ok {
			return o.Lookup(node.Value)
		}
	case KindGreaterThan:
		if o, ok := ex.mgr.Ordered(plan.Field); ok {
			return o.RangeScanOpen(node.Value, codec.Value{}, true, false)
		}
	case KindLessThan:
		if o, ok := ex.mgr.Ordered(plan.Field); ok {
			return o.RangeScanOpen(codec.Value{}, node.Value, false, true)
		}
	case KindBetween:
		if o, ok := ex.mgr.Ordered(plan.Field); ok {
			return o.RangeScanOpen(node.Low, node.High, true, true)
		}
	case KindIn:
		if o, ok := ex.mgr.Ordered(plan.Field); ok {
			return unionIDs(func() ([][]uint64, error) {
				var all [][]uint64
				for _, v := range node.Values {
					ids, err := o.Lookup(v)
					if err != nil {
						return nil, err
					}
					all = append(all, ids)
				}
				return all, nil
			})
		}
		if h, ok := ex.mgr.Hash(plan.Field); ok {
			return unionIDs(func() ([][]uint64, error) {
				var all [][]uint64
				for _, v := range node.Values {
					ids, err := h.Lookup(v)
					if err != nil {
						return nil, err
					}
					all = append(all, ids)
				}
				return all, nil
			})
		}
	}
	return nil, entierr.ErrInvalidArgument
}

func (ex *Executor) resolveIntersect(plan *AccessPlan) ([]uint64, error) {
	var sets [][]uint64
	for _, child := range plan.Children {
		ids, err := ex.resolveIndexScan(child)
		if err != nil {
			return nil, err
		}
		sets = append(sets, ids)
	}
	return intersectIDs(sets), nil
}

func (ex *Executor) resolveUnion(plan *AccessPlan) ([]uint64, error) {
	var sets [][]uint64
	for _, child := range plan.Children {
		ids, err := ex.resolveIndexScan(child)
		if err != nil {
			return nil, err
		}
		sets = append(sets, ids)
	}
	return dedupeIDs(sets), nil
}

// openFullScan streams every record in the store, applying filter (if
// non-nil) to each decoded document before it is yielded.
func (ex *Executor) openFullScan(filter *Node) (Iterator, error) {
	it := &scanIterator{filter: filter, pending: make(chan Tuple, 64), errc: make(chan error, 1)}
	go func() {
		defer close(it.pending)
		err := ex.rs.Stream(func(id uint64, body []byte) (bool, error) {
			doc, decErr := codec.Decode(body)
			if decErr != nil {
				return false, decErr
			}
			if filter == nil || filter.Matches(doc) {
				it.pending <- Tuple{ID: id, Doc: doc}
			}
			return true, nil
		})
		if err != nil {
			it.errc <- err
		}
	}()
	return it, nil
}

type scanIterator struct {
	filter  *Node
	pending chan Tuple
	errc    chan error
	done    bool
}

func (it *scanIterator) Next() (Tuple, bool, error) {
	if it.done {
		return Tuple{}, false, nil
	}
	t, ok := <-it.pending
	if !ok {
		it.done = true
		select {
		case err := <-it.errc:
			return Tuple{}, false, err
		default:
			return Tuple{}, false, nil
		}
	}
	return t, true, nil
}

func (it *scanIterator) Close() error {
	it.done = true
	return nil
}

// idListIterator walks a pre-resolved id set (from an index scan,
// intersection, or union), fetching and decoding bodies on demand and
// applying a residual filter where one was left over by the planner.
type idListIterator struct {
	ex     *Executor
	ids    []uint64
	pos    int
	filter *Node
}

func (it *idListIterator) Next() (Tuple, bool, error) {
	for it.pos < len(it.ids) {
		id := it.ids[it.pos]
		it.pos++
		body, err := it.ex.rs.Get(id)
		if err != nil {
			if errors.Is(err, entierr.ErrNotFound) {
				continue
			}
			return Tuple{}, false, err
		}
		doc, err := codec.Decode(body)
		if err != nil {
			return Tuple{}, false, err
		}
		if it.filter != nil && !it.filter.Matches(doc) {
			continue
		}
		return Tuple{ID: id, Doc: doc}, true, nil
	}
	return Tuple{}, false, nil
}

func (it *idListIterator) Close() error { return nil }

func intersectIDs(sets [][]uint64) []uint64 {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[uint64]int)
	for _, set := range sets {
		seen := make(map[uint64]bool)
		for _, id := range set {
			if !seen[id] {
				counts[id]++
				seen[id] = true
			}
		}
	}
	var out []uint64
	for id, c := range counts {
		if c == len(sets) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupeIDs(sets [][]uint64) []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, set := range sets {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unionIDs(collect func() ([][]uint64, error)) ([]uint64, error) {
	sets, err := collect()
	if err != nil {
		return nil, err
	}
	return dedupeIDs(sets), nil
}
