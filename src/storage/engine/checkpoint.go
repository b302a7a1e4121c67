package engine

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/operation"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

// BeginCheckpoint opens the fuzzy window of fragment key and logs an abort
// marker for every row the fragment has in flight, so that a restore never
// sees uncommitted state. It returns the number of pages to write.
func (e *Engine) BeginCheckpoint(
	key common.FragmentKey,
	sink common.UndoSink,
	version uint32,
) (common.LogicalPageID, error) {
	fs, err := e.fragment(key)
	if err != nil {
		return 0, err
	}
	if fs.CheckpointActive() {
		return 0, common.Inconsistent("engine.BeginCheckpoint", "%v already in a checkpoint", key)
	}

	pages := fs.BeginCheckpoint(sink, version)
	g, _ := sink.(undoGate)
	fs.gate = g

	var linked, heads []*operation.Operation
	e.ops.Live(func(op *operation.Operation) bool {
		if op.Frag != key || !op.IsLinked() {
			return true
		}
		linked = append(linked, op)
		if newer := op.Newer(); newer.IsNone() {
			heads = append(heads, op)
		}
		return true
	})
	if err := e.holdInFlight(fs, linked, len(heads)); err != nil {
		fs.EndCheckpoint()
		fs.gate = nil
		return 0, err
	}

	markers := 0
	for _, op := range heads {
		logged, err := e.inFlightMarker(fs, op)
		if err != nil {
			e.unholdAll(fs, linked)
			fs.EndCheckpoint()
			fs.gate = nil
			return 0, err
		}
		if logged {
			markers++
		}
	}

	e.log.Infow(
		"checkpoint started",
		"fragment", key.String(),
		"version", version,
		"pages", pages,
		"in_flight", len(heads),
		"markers", markers,
	)
	return pages, nil
}

// holdInFlight keeps log pages for every operation the checkpoint finds
// linked, then checks that one marker per row fits as well.
func (e *Engine) holdInFlight(fs *fragState, linked []*operation.Operation, rows int) error {
	if fs.gate == nil {
		return nil
	}
	for _, op := range linked {
		if err := fs.gate.Hold(op.ID, holdPages(fs.Layout, op.HasCopy())); err != nil {
			e.unholdAll(fs, linked)
			return err
		}
	}
	if rows == 0 {
		return nil
	}
	markers := make([]int, rows)
	for i := range markers {
		markers[i] = int(fs.Layout.TupheadSize)
	}
	if err := fs.gate.Admit(markers...); err != nil {
		e.unholdAll(fs, linked)
		return err
	}
	return nil
}

func (e *Engine) unholdAll(fs *fragState, ops []*operation.Operation) {
	if fs.gate == nil {
		return
	}
	for _, op := range ops {
		fs.gate.Unhold(op.ID)
	}
}

// inFlightMarker logs the image the row must have on restore if the
// transaction owning it never commits.
func (e *Engine) inFlightMarker(fs *fragState, head *operation.Operation) (bool, error) {
	rc, err := e.row(fs.Key, head.Row)
	if err != nil {
		return false, err
	}

	src, err := operation.ResolveCommitted(rc.chain)
	switch {
	case tuple.IsDeleted(rc.slot) || errors.Is(err, common.ErrTupleDeleted):
		return true, fs.LogImage(common.UndoInsertAbort, rc.addr, []uint32{0})
	case err != nil:
		return false, err
	}

	addr, ok := src.Get()
	if !ok {
		return false, nil
	}
	cp, err := fs.Slot(addr)
	if err != nil {
		return false, err
	}
	img := tuple.Image(cp)
	img[tuple.WordHeader] = tuple.FlagOccupied
	return true, fs.LogImage(common.UndoUpdateAbort, rc.addr, img)
}

// EndCheckpoint closes the window of fragment key. Mutations stop being
// logged from here on.
func (e *Engine) EndCheckpoint(key common.FragmentKey) error {
	fs, err := e.fragment(key)
	if err != nil {
		return err
	}
	fs.EndCheckpoint()
	fs.gate = nil
	return nil
}

// PageWritten tells the fragment that page l is in the data file.
func (e *Engine) PageWritten(key common.FragmentKey, l common.LogicalPageID) error {
	fs, err := e.fragment(key)
	if err != nil {
		return err
	}
	if !fs.CheckpointActive() {
		return common.Inconsistent("engine.PageWritten", "%v has no active checkpoint", key)
	}
	fs.PageWritten(l)
	return nil
}
