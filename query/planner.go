package query

import (
	"math"

	"github.com/entidb/entidb/index"
)

// Cost model constants: a random index-probe page read costs several
// times a sequential page read, CPU-per-row is cheap relative to
// either, and a full scan is preferred once an index would touch a
// large fraction of the table.
const (
	costSeqPage           = 1.0
	costRandPage          = 4.0
	costCPUPerRow         = 0.01
	selectivityThreshold  = 0.30
)

// Stats is the minimal per-collection cardinality info the planner
// needs: row/page counts for the cost model.
type Stats struct {
	RowCount  int64
	PageCount int64
}

// estimateDistinctPages estimates how many distinct pages N random
// probes touch out of P total, via the standard birthday-problem
// approximation.
func estimateDistinctPages(nRows, totalPages int64) int64 {
	if totalPages <= 0 {
		return 0
	}
	if nRows >= totalPages {
		return totalPages
	}
	p := float64(totalPages)
	n := float64(nRows)
	distinct := p * (1.0 - math.Pow(1.0-1.0/p, n))
	d := int64(distinct)
	if d < 1 {
		d = 1
	}
	return d
}

// shouldUseIndex decides whether probing an index beats a full scan
// for matchCount candidate rows out of a collection with the given
// stats.
func shouldUseIndex(matchCount int64, stats Stats) bool {
	if stats.RowCount == 0 || stats.PageCount == 0 {
		return true
	}
	if stats.PageCount <= 2 {
		return true
	}
	if matchCount > 0 && float64(matchCount)/float64(stats.RowCount) <= selectivityThreshold {
		return true
	}
	fullScanCost := float64(stats.PageCount)*costSeqPage + float64(stats.RowCount)*costCPUPerRow
	distinctPages := estimateDistinctPages(matchCount, stats.PageCount)
	indexCost := float64(distinctPages)*costRandPage + float64(matchCount)*costCPUPerRow
	return indexCost < fullScanCost
}

// accessKind names the access path an AccessPlan resolves to.
type accessKind int

const (
	accessFullScan accessKind = iota
	accessIndexScan
	accessUnion
	accessIntersect
)

// AccessPlan is the planner's output for Explain and for the executor
// to walk: either a full scan (with a residual filter applied to every
// tuple), an index scan over one field, or a boolean combination of
// sub-plans.
type AccessPlan struct {
	Kind     accessKind
	Field    string
	IndexOp  *Node // the leaf node driving an index scan (Equals/Between/...)
	Filter   *Node // residual predicate applied after the access path
	Children []*AccessPlan
	Describe string
}

// Plan builds an AccessPlan for node against the indexes mgr tracks.
// Equality leaves on an indexed field try the hash index first (O(1),
// preferred over the ordered index for pure equality), falling back to
// the ordered index's point lookup; range leaves only ever match the
// ordered index.
func Plan(node *Node, mgr *index.Manager, stats Stats) *AccessPlan {
	switch node.Kind {
	case KindAnd:
		return planAnd(node, mgr, stats)
	case KindOr:
		return planOr(node, mgr, stats)
	case KindNot:
		return &AccessPlan{Kind: accessFullScan, Filter: node, Describe: "full scan (not)"}
	default:
		return planLeaf(node, mgr, stats)
	}
}

func planLeaf(node *Node, mgr *index.Manager, stats Stats) *AccessPlan {
	field := node.Field
	switch node.Kind {
	case KindEquals:
		if _, ok := mgr.Hash(field); ok {
			return &AccessPlan{Kind: accessIndexScan, Field: field, IndexOp: node, Describe: "hash index scan on " + field}
		}
		if _, ok := mgr.Ordered(field); ok {
			return &AccessPlan{Kind: accessIndexScan, Field: field, IndexOp: node, Describe: "ordered index point scan on " + field}
		}
	case KindGreaterThan, KindLessThan, KindBetween:
		// The B+Tree range scan is always inclusive on both ends, so a
		// strict bound (GreaterThan/LessThan) or an exclusive Between
		// edge needs Node.Matches re-applied to trim the boundary.
		if _, ok := mgr.Ordered(field); ok {
			return &AccessPlan{Kind: accessIndexScan, Field: field, IndexOp: node, Filter: node, Describe: "ordered index range scan on " + field}
		}
	case KindIn:
		if _, ok := mgr.Ordered(field); ok {
			return &AccessPlan{Kind: accessIndexScan, Field: field, IndexOp: node, Describe: "ordered index range scan on " + field}
		}
	}
	return &AccessPlan{Kind: accessFullScan, Filter: node, Describe: "full scan (no index on " + field + ")"}
}

func planAnd(node *Node, mgr *index.Manager, stats Stats) *AccessPlan {
	var indexed []*AccessPlan
	var residual []*Node
	for _, c := range node.Children {
		p := Plan(c, mgr, stats)
		if p.Kind == accessIndexScan {
			indexed = append(indexed, p)
			if p.Filter != nil {
				// The index scan is a superset (inclusive range bounds);
				// keep the exact predicate as a residual check too.
				residual = append(residual, p.Filter)
			}
		} else {
			residual = append(residual, c)
		}
	}
	if len(indexed) == 0 {
		return &AccessPlan{Kind: accessFullScan, Filter: node, Describe: "full scan (and, no indexed leaf)"}
	}
	out := &AccessPlan{Kind: accessIntersect, Children: indexed, Describe: "intersect"}
	if len(residual) > 0 {
		out.Filter = And(residual...)
	}
	return out
}

func planOr(node *Node, mgr *index.Manager, stats Stats) *AccessPlan {
	var children []*AccessPlan
	for _, c := range node.Children {
		p := Plan(c, mgr, stats)
		if p.Kind != accessIndexScan {
			// One unindexed OR branch forces a full scan: the branch
			// could match anything, so no index union can be complete.
			return &AccessPlan{Kind: accessFullScan, Filter: node, Describe: "full scan (or, unindexed branch)"}
		}
		children = append(children, p)
	}
	return &AccessPlan{Kind: accessUnion, Children: children, Describe: "union"}
}
