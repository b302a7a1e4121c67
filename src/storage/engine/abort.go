package engine

import (
	"slices"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/operation"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

// Abort rolls the row back to the state before the operation. Newer
// operations of the chain lose their effect as well and are marked
// already-aborted; aborting them later only releases them.
func (e *Engine) Abort(id common.OperationID) error {
	op, err := e.ops.Get(id)
	if err != nil {
		return err
	}

	switch op.State {
	case operation.StateBlocked:
		e.release(op)
		return nil
	case operation.StateToBeCommitted:
		return common.Inconsistent("engine.Abort", "%v is already committed", op)
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
	if err := e.rollback(rc, op); err != nil {
		return common.InconsistentCause("engine.Abort", err, "%v", op)
	}
	e.release(op)
	metrics.OperationEvents.WithLabelValues("abort").Inc()
	return nil
}

func (e *Engine) rollback(rc *rowCtx, op *operation.Operation) error {
	idx := slices.Index(rc.chain, op)
	if idx < 0 {
		return common.Inconsistent("engine.rollback", "%v not in chain of %v", op, rc.addr)
	}

	// A delete issued in the same savepoint as the insert before it takes
	// that insert down too.
	target, targetIdx := op, idx
	if op.Type == operation.TypeDelete && idx+1 < len(rc.chain) {
		older := rc.chain[idx+1]
		if older.Type == operation.TypeInsert &&
			older.Savepoint == op.Savepoint &&
			older.State != operation.StateAlreadyAborted {
			target, targetIdx = older, idx+1
		}
	}

	// The pre-target image is the before-image of the oldest writer from
	// target upwards; without one the slot already holds it.
	freshInsert := target.Type == operation.TypeInsert && !target.HasCopy()
	restore := optional.None[common.RowAddr]()
	for i := targetIdx; i >= 0 && !freshInsert; i-- {
		if rc.chain[i].HasCopy() {
			restore = rc.chain[i].Copy
			break
		}
	}

	if from, ok := restore.Get(); ok || freshInsert {
		if err := rc.fs.LogSlot(common.UndoUpdate, rc.addr); err != nil {
			return err
		}
		if ok {
			img, err := rc.fs.Slot(from)
			if err != nil {
				return err
			}
			tuple.CopyImage(rc.slot, img)
		}
		if freshInsert {
			tuple.SetDeleted(rc.slot, true)
		}
	}

	for _, o := range rc.chain[:targetIdx+1] {
		if err := e.freeCopy(rc.fs, o); err != nil {
			return err
		}
		if o != op {
			o.State = operation.StateAlreadyAborted
			// only an abort of the row's own slot is left for o
			if rc.fs.gate != nil {
				rc.fs.gate.Shrink(o.ID, rowPages(rc.fs.Layout))
			}
		}
	}

	head, err := e.ops.Unlink(rc.head(), op)
	if err != nil {
		return err
	}
	rc.setHead(head)
	return e.releaseIfGone(rc)
}

// dropAborted releases an operation whose effect is already undone.
func (e *Engine) dropAborted(op *operation.Operation) error {
	if !op.IsLinked() {
		e.release(op)
		return nil
	}

	rc, err := e.row(op.Frag, op.Row)
	if err != nil {
		return err
	}
	if err := e.freeCopy(rc.fs, op); err != nil {
		return common.InconsistentCause("engine.dropAborted", err, "%v", op)
	}
	head, err := e.ops.Unlink(rc.head(), op)
	if err != nil {
		return err
	}
	rc.setHead(head)
	err = e.releaseIfGone(rc)
	e.release(op)
	return err
}

// releaseIfGone frees the slot of an aborted fresh insert once nothing
// references it any more.
func (e *Engine) releaseIfGone(rc *rowCtx) error {
	if head := rc.head(); head.IsSome() || !tuple.IsDeleted(rc.slot) {
		return nil
	}
	return rc.fs.FreeSlot(rc.addr)
}
