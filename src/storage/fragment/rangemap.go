package fragment

import (
	"github.com/google/btree"

	"github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

const defaultBTreeDegree = 32

// pageRange maps count consecutive logical pages onto consecutive physical
// pages.
type pageRange struct {
	logical common.LogicalPageID
	real    common.RealPageID
	count   uint32
}

var _ btree.Item = &pageRange{}

func (r *pageRange) Less(other btree.Item) bool {
	return r.logical < other.(*pageRange).logical
}

func (r *pageRange) contains(l common.LogicalPageID) bool {
	return l >= r.logical && uint32(l-r.logical) < r.count
}

// rangeMap is the fragment's logical->physical page table.
type rangeMap struct {
	tree *btree.BTree
}

func newRangeMap() *rangeMap {
	return &rangeMap{tree: btree.New(defaultBTreeDegree)}
}

func (m *rangeMap) floor(l common.LogicalPageID) *pageRange {
	var res *pageRange
	m.tree.DescendLessOrEqual(&pageRange{logical: l}, func(i btree.Item) bool {
		res = i.(*pageRange)
		return false
	})
	return res
}

// add maps logical page l to real page r, extending the preceding range
// when both sides are contiguous.
func (m *rangeMap) add(l common.LogicalPageID, r common.RealPageID) {
	if prev := m.floor(l); prev != nil {
		assert.Assert(!prev.contains(l), "logical page %d mapped twice", l)
		if uint32(l-prev.logical) == prev.count && uint32(r-prev.real) == prev.count {
			prev.count++
			return
		}
	}
	m.tree.ReplaceOrInsert(&pageRange{logical: l, real: r, count: 1})
}

func (m *rangeMap) lookup(l common.LogicalPageID) (common.RealPageID, bool) {
	r := m.floor(l)
	if r == nil || !r.contains(l) {
		return common.NilRealPage, false
	}
	return r.real + common.RealPageID(l-r.logical), true
}

func (m *rangeMap) ascend(fn func(l common.LogicalPageID, r common.RealPageID) bool) {
	m.tree.Ascend(func(i btree.Item) bool {
		rng := i.(*pageRange)
		for k := range rng.count {
			if !fn(rng.logical+common.LogicalPageID(k), rng.real+common.RealPageID(k)) {
				return false
			}
		}
		return true
	})
}

func (m *rangeMap) numRanges() int {
	return m.tree.Len()
}
