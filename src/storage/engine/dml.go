package engine

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/operation"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

// Request addresses one row on behalf of one transaction.
type Request struct {
	Op        common.OperationID
	Frag      common.FragmentKey
	Txn       common.TxnID
	Savepoint common.SavepointID
	Row       common.RowAddr
	// Hint is the page a fresh insert should land on if it has room.
	Hint optional.Optional[common.LogicalPageID]
}

type ReadMode uint8

const (
	// ReadLatest sees the transaction's own newest state.
	ReadLatest ReadMode = iota
	// ReadSavepoint sees the row as of Request.Savepoint.
	ReadSavepoint
	// ReadCommitted ignores the pending chain.
	ReadCommitted
)

func (e *Engine) AllocateOperation() (common.OperationID, error) {
	op, err := e.ops.Allocate()
	if err != nil {
		return common.NilOperation, err
	}
	return op.ID, nil
}

func (e *Engine) blocked(req Request) (*operation.Operation, error) {
	op, err := e.ops.Get(req.Op)
	if err != nil {
		return nil, err
	}
	if op.State != operation.StateBlocked {
		return nil, common.Inconsistent("engine.blocked", "%v reused", op)
	}
	op.Frag = req.Frag
	op.Txn = req.Txn
	op.Savepoint = req.Savepoint
	op.Row = req.Row
	return op, nil
}

func (e *Engine) checkWrite(rc *rowCtx, req Request, t operation.Type) error {
	if len(rc.chain) == 0 {
		if tuple.IsDeleted(rc.slot) {
			return errors.Wrapf(common.ErrTupleDeleted, "%v %v", req.Frag, req.Row)
		}
		if t == operation.TypeInsert {
			return common.Inconsistent("engine.checkWrite", "insert over live row %v %v", req.Frag, req.Row)
		}
		return nil
	}
	if head := rc.chain[0]; head.Txn != req.Txn {
		return common.Inconsistent("engine.checkWrite", "txn %d writes row held by %v", req.Txn, head)
	}
	return operation.CheckWrite(rc.chain[0], t)
}

func (e *Engine) verify(rc *rowCtx, slot []uint32) error {
	if err := rc.fs.Layout.VerifyChecksum(slot); err != nil {
		return errors.Wrapf(err, "%v %v", rc.fs.Key, rc.addr)
	}
	return nil
}

// makeCopy saves the row's current words as the before-image of op.
func (e *Engine) makeCopy(rc *rowCtx, op *operation.Operation) error {
	addr, slot, err := rc.fs.AllocCopySlot()
	if err != nil {
		return err
	}
	tuple.InitCopy(slot, op.ID)
	tuple.CopyImage(slot, rc.slot)
	op.Copy = optional.Some(addr)
	metrics.SlotEvents.WithLabelValues("before_image").Inc()
	return nil
}

// admitCopying admits a writer that saves a before-image of the row and
// then logs the row itself.
func (e *Engine) admitCopying(rc *rowCtx, op *operation.Operation) error {
	t := int(rc.fs.Layout.TupheadSize)
	return e.admit(rc.fs, op, true, common.PageHeaderSize, t, t)
}

// dropCopy is the unwind of makeCopy for a mutation that failed midway.
func (e *Engine) dropCopy(rc *rowCtx, op *operation.Operation, cause error) error {
	if err := e.freeCopy(rc.fs, op); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Engine) freeCopy(fs *fragState, op *operation.Operation) error {
	addr, ok := op.Copy.Get()
	if !ok {
		return nil
	}
	op.Copy = optional.None[common.RowAddr]()
	return fs.FreeSlot(addr)
}

func (e *Engine) link(rc *rowCtx, op *operation.Operation) error {
	head, err := e.ops.Link(rc.head(), op)
	if err != nil {
		return err
	}
	rc.setHead(head)
	op.State = operation.StateNoOtherOp
	metrics.OperationEvents.WithLabelValues(op.Type.String()).Inc()
	return nil
}

// Insert places a new row into a free slot of the fragment.
func (e *Engine) Insert(req Request, row tuple.Row) (common.RowAddr, error) {
	op, err := e.blocked(req)
	if err != nil {
		return common.RowAddr{}, err
	}
	fs, err := e.fragment(req.Frag)
	if err != nil {
		return common.RowAddr{}, err
	}
	if err := fs.Layout.ValidateRow(row); err != nil {
		return common.RowAddr{}, err
	}
	t := int(fs.Layout.TupheadSize)
	if err := e.admit(fs, op, false, common.PageHeaderSize, t); err != nil {
		return common.RowAddr{}, err
	}

	addr, slot, err := fs.AllocSlot(req.Hint)
	if err != nil {
		return common.RowAddr{}, err
	}
	if err := fs.Layout.WriteRow(e.codec, slot, row); err != nil {
		return common.RowAddr{}, errors.Join(err, fs.FreeSlot(addr))
	}
	op.Row = addr
	op.Type = operation.TypeInsert
	op.Version = tuple.NextVersion(tuple.Version(slot))
	tuple.SetVersion(slot, op.Version)
	fs.Layout.StampChecksum(slot)

	rc := &rowCtx{fs: fs, addr: addr, slot: slot}
	if err := e.link(rc, op); err != nil {
		return common.RowAddr{}, err
	}
	return addr, nil
}

// Reinsert brings back a row the same transaction deleted.
func (e *Engine) Reinsert(req Request, row tuple.Row) error {
	op, err := e.blocked(req)
	if err != nil {
		return err
	}
	rc, err := e.row(req.Frag, req.Row)
	if err != nil {
		return err
	}
	if err := e.checkWrite(rc, req, operation.TypeInsert); err != nil {
		return err
	}
	if err := rc.fs.Layout.ValidateRow(row); err != nil {
		return err
	}
	if err := e.admitCopying(rc, op); err != nil {
		return err
	}

	op.Type = operation.TypeInsert
	if err := e.makeCopy(rc, op); err != nil {
		return err
	}
	if err := rc.fs.LogSlot(common.UndoUpdate, rc.addr); err != nil {
		return e.dropCopy(rc, op, err)
	}
	if err := rc.fs.Layout.WriteRow(e.codec, rc.slot, row); err != nil {
		copySlot, _ := rc.fs.Slot(op.Copy.Unwrap())
		tuple.CopyImage(rc.slot, copySlot)
		return e.dropCopy(rc, op, err)
	}
	op.Version = tuple.NextVersion(rc.version())
	tuple.SetVersion(rc.slot, op.Version)
	rc.fs.Layout.StampChecksum(rc.slot)
	return e.link(rc, op)
}

func (e *Engine) Update(req Request, updates []tuple.AttrUpdate) error {
	op, err := e.blocked(req)
	if err != nil {
		return err
	}
	rc, err := e.row(req.Frag, req.Row)
	if err != nil {
		return err
	}
	if err := e.checkWrite(rc, req, operation.TypeUpdate); err != nil {
		return err
	}
	if err := rc.fs.Layout.ValidateUpdate(updates); err != nil {
		return err
	}
	if err := e.verify(rc, rc.slot); err != nil {
		return err
	}
	if err := e.admitCopying(rc, op); err != nil {
		return err
	}

	op.Type = operation.TypeUpdate
	if err := e.makeCopy(rc, op); err != nil {
		return err
	}
	if err := rc.fs.LogSlot(common.UndoUpdate, rc.addr); err != nil {
		return e.dropCopy(rc, op, err)
	}
	mask, err := rc.fs.Layout.ApplyUpdate(e.codec, rc.slot, updates)
	if err != nil {
		copySlot, _ := rc.fs.Slot(op.Copy.Unwrap())
		tuple.CopyImage(rc.slot, copySlot)
		return e.dropCopy(rc, op, err)
	}
	op.ChangeMask = mask
	op.Version = tuple.NextVersion(rc.version())
	tuple.SetVersion(rc.slot, op.Version)
	rc.fs.Layout.StampChecksum(rc.slot)
	return e.link(rc, op)
}

// Delete only marks the row in the chain. The slot keeps its payload until
// commit and is freed by Deallocate.
func (e *Engine) Delete(req Request) error {
	op, err := e.blocked(req)
	if err != nil {
		return err
	}
	rc, err := e.row(req.Frag, req.Row)
	if err != nil {
		return err
	}
	if err := e.checkWrite(rc, req, operation.TypeDelete); err != nil {
		return err
	}
	if err := e.verify(rc, rc.slot); err != nil {
		return err
	}
	if err := e.admit(rc.fs, op, false); err != nil {
		return err
	}

	op.Type = operation.TypeDelete
	op.Version = rc.version()
	return e.link(rc, op)
}

// Read resolves which image of the row the request may see and decodes it.
// Read operations never join the chain; commit or abort just releases them.
func (e *Engine) Read(req Request, mode ReadMode) (tuple.Row, error) {
	op, err := e.blocked(req)
	if err != nil {
		return nil, err
	}
	op.Type = operation.TypeRead
	op.State = operation.StateNoOtherOp

	rc, err := e.row(req.Frag, req.Row)
	if err != nil {
		return nil, err
	}

	var src operation.Source
	switch mode {
	case ReadLatest:
		src, err = operation.ResolveLatest(rc.chain)
	case ReadSavepoint:
		src, err = operation.ResolveSavepoint(rc.chain, req.Savepoint)
	case ReadCommitted:
		src, err = operation.ResolveCommitted(rc.chain)
	default:
		return nil, common.Inconsistent("engine.Read", "unknown read mode %d", mode)
	}
	if err != nil {
		return nil, err
	}

	slot := rc.slot
	if addr, ok := src.Get(); ok {
		if slot, err = rc.fs.Slot(addr); err != nil {
			return nil, err
		}
	} else if tuple.IsDeleted(rc.slot) {
		return nil, errors.Wrapf(common.ErrTupleDeleted, "%v %v", req.Frag, req.Row)
	}

	if err := e.verify(rc, slot); err != nil {
		return nil, err
	}
	metrics.OperationEvents.WithLabelValues("read").Inc()
	return rc.fs.Layout.ReadRow(e.codec, slot), nil
}

// Deallocate frees the slot of a row whose delete has committed.
func (e *Engine) Deallocate(key common.FragmentKey, addr common.RowAddr) error {
	rc, err := e.row(key, addr)
	if err != nil {
		return err
	}
	if len(rc.chain) > 0 || !tuple.IsDeleted(rc.slot) {
		return common.Inconsistent("engine.Deallocate", "%v %v is not a committed delete", key, addr)
	}
	if rc.fs.gate != nil {
		if err := rc.fs.gate.Admit(common.PageHeaderSize, int(rc.fs.Layout.TupheadSize)); err != nil {
			return err
		}
	}
	return rc.fs.FreeSlot(addr)
}
