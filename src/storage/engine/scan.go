package engine

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/operation"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

// Scan visits the committed image of every row of the fragment. Rows only
// pending transactions have inserted are skipped.
func (e *Engine) Scan(key common.FragmentKey, fn func(addr common.RowAddr, row tuple.Row) bool) error {
	fs, err := e.fragment(key)
	if err != nil {
		return err
	}

	var scanErr error
	fs.OccupiedRows(func(addr common.RowAddr, slot []uint32) bool {
		chain, err := e.ops.Chain(tuple.OpRef(slot))
		if err != nil {
			scanErr = err
			return false
		}
		src, err := operation.ResolveCommitted(chain)
		if errors.Is(err, common.ErrTupleDeleted) {
			return true
		}
		if err != nil {
			scanErr = err
			return false
		}

		img := slot
		if a, ok := src.Get(); ok {
			if img, err = fs.Slot(a); err != nil {
				scanErr = err
				return false
			}
		}
		return fn(addr, fs.Layout.ReadRow(e.codec, img))
	})
	return scanErr
}

// Snapshot collects Scan into a map.
func (e *Engine) Snapshot(key common.FragmentKey) (map[common.RowAddr]tuple.Row, error) {
	res := make(map[common.RowAddr]tuple.Row)
	err := e.Scan(key, func(addr common.RowAddr, row tuple.Row) bool {
		res[addr] = row
		return true
	})
	return res, err
}
