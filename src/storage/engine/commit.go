package engine

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/operation"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

// classify compares the oldest and the newest live operation.
func classify(live []*operation.Operation) Effect {
	tail, head := live[len(live)-1], live[0]
	switch {
	case tail.Type == operation.TypeInsert && head.Type == operation.TypeDelete:
		return EffectNone
	case tail.Type == operation.TypeInsert:
		return EffectInsert
	case head.Type == operation.TypeDelete:
		return EffectDelete
	default:
		return EffectUpdate
	}
}

func (e *Engine) changedAttrs(layout *tuple.Layout, live []*operation.Operation) *roaring.Bitmap {
	res := roaring.New()
	for _, op := range live {
		switch {
		case op.Type == operation.TypeUpdate && op.ChangeMask != nil:
			res.Or(op.ChangeMask)
		case op.Type == operation.TypeInsert:
			//nolint:gosec
			res.AddRange(0, uint64(len(layout.Attrs)))
		}
	}
	return res
}

// Commit finalizes an operation. The first commit on a row resolves the
// whole chain; the remaining operations of the chain are then only
// released. Every failure here is structural.
func (e *Engine) Commit(id common.OperationID, gci common.GCI) error {
	op, err := e.ops.Get(id)
	if err != nil {
		return err
	}

	switch op.State {
	case operation.StateBlocked, operation.StateToBeCommitted:
		e.release(op)
		return nil
	case operation.StateAlreadyAborted:
		return e.dropAborted(op)
	}
	if op.Type == operation.TypeRead {
		e.release(op)
		return nil
	}

	rc, err := e.row(op.Frag, op.Row)
	if err != nil {
		return err
	}
	if err := e.resolveCommit(rc, op, gci); err != nil {
		return common.InconsistentCause("engine.Commit", err, "%v", op)
	}
	e.release(op)
	metrics.OperationEvents.WithLabelValues("commit").Inc()
	return nil
}

func (e *Engine) resolveCommit(rc *rowCtx, op *operation.Operation, gci common.GCI) error {
	layout := rc.fs.Layout
	live := operation.Live(rc.chain)
	if len(live) == 0 || !op.IsLinked() {
		return common.Inconsistent("engine.resolveCommit", "%v is not in a live chain", op)
	}

	effect := classify(live)
	ev := CommitEvent{
		Frag:   rc.fs.Key,
		Row:    rc.addr,
		Txn:    op.Txn,
		GCI:    gci,
		Effect: effect,
	}
	if effect == EffectUpdate || effect == EffectDelete {
		src, err := operation.ResolveCommitted(live)
		if err != nil {
			return err
		}
		before := rc.slot
		if addr, ok := src.Get(); ok {
			if before, err = rc.fs.Slot(addr); err != nil {
				return err
			}
		}
		ev.Before = layout.ReadRow(e.codec, before)
	}
	ev.ChangedAttrs = e.changedAttrs(layout, live)

	for _, o := range rc.chain {
		if err := e.freeCopy(rc.fs, o); err != nil {
			return err
		}
	}

	switch effect {
	case EffectNone, EffectDelete:
		if err := rc.fs.LogWords(common.UndoUpdate, rc.addr, tuple.WordHeader, 1); err != nil {
			return err
		}
		tuple.SetDeleted(rc.slot, true)
	case EffectInsert, EffectUpdate:
		if layout.GCIOffset != 0 {
			if err := rc.fs.LogWords(common.UndoCommitCounter, rc.addr, layout.GCIOffset, 1); err != nil {
				return err
			}
			layout.SetCommitCounter(rc.slot, gci)
		}
		if layout.ChecksumOffset != 0 {
			if err := rc.fs.LogWords(common.UndoUpdate, rc.addr, layout.ChecksumOffset, 1); err != nil {
				return err
			}
			layout.StampChecksum(rc.slot)
		}
		ev.After = layout.ReadRow(e.codec, rc.slot)
	}

	for _, o := range rc.chain {
		e.ops.Detach(o)
		if o.State != operation.StateAlreadyAborted {
			o.State = operation.StateToBeCommitted
		}
		if rc.fs.gate != nil {
			rc.fs.gate.Unhold(o.ID)
		}
	}
	rc.setHead(operation.NoHead())

	if effect != EffectNone {
		e.notifier.OnCommit(ev)
	}
	return nil
}
