package workload

import (
	"encoding/binary"
	"maps"
	"slices"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/engine"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

var (
	ErrUnknownTxn   = errors.New("unknown transaction")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNoSuchKey    = errors.New("no such key")
	ErrRowLocked    = errors.New("row locked by another transaction")
	// ErrTxnFailed is returned by a commit of a transaction one of whose
	// writes failed. The transaction is rolled back instead.
	ErrTxnFailed = errors.New("transaction had a failed write")
)

type rowState struct {
	addr    common.RowAddr
	present bool
	row     tuple.Row
}

type txnState struct {
	id   common.TxnID
	ops  []common.OperationID
	rows map[uint32]*rowState
	// doomed is set once a write failed after the engine saw it.
	doomed bool
}

// Driver plays transactions against one fragment the way a transaction
// coordinator would: row locks first, one operation record per request,
// commit or abort of every operation at transaction end. It keeps a model
// of the committed state and checks reads against it.
type Driver struct {
	eng   *engine.Engine
	frag  common.FragmentKey
	model *Model
	locks *RowLocks
	txns  map[common.TxnID]*txnState
	gci   common.GCI

	// reclaim holds committed deletes whose slot could not be freed yet.
	reclaim []common.RowAddr

	log common.Logger
}

func NewDriver(eng *engine.Engine, frag common.FragmentKey, log common.Logger) *Driver {
	return &Driver{
		eng:   eng,
		frag:  frag,
		model: NewModel(),
		locks: NewRowLocks(),
		txns:  make(map[common.TxnID]*txnState),
		log:   log,
	}
}

func (d *Driver) Model() *Model {
	return d.model
}

// Load fills the model from the committed rows already in the fragment,
// as after a restore.
func (d *Driver) Load() error {
	return d.eng.Scan(d.frag, func(addr common.RowAddr, row tuple.Row) bool {
		key := binary.BigEndian.Uint32(row[attrKey].Data)
		d.model.put(key, Entry{Addr: addr, Row: row})
		return true
	})
}

// Open is the number of transactions begun and not yet ended.
func (d *Driver) Open() int {
	return len(d.txns)
}

// Apply runs one operation. A failed operation is reported in the result;
// the error is set only when the engine broke an invariant or disagreed
// with the model, after which the driver must not be used.
func (d *Driver) Apply(op Operation) (OpResult, error) {
	res := OpResult{Op: op}

	var err error
	switch op.Type {
	case OpBegin:
		err = d.begin(op)
	case OpInsert:
		err = d.insert(op)
	case OpUpdate:
		err = d.update(op)
	case OpDelete:
		err = d.delete(op)
	case OpRead:
		err = d.read(op)
	case OpCommit:
		err = d.commit(op)
	case OpAbort:
		err = d.abort(op)
	default:
		err = errors.Errorf("unknown op type %v", op.Type)
	}

	if err == nil {
		res.Success = true
		return res, nil
	}
	res.ErrText = err.Error()
	if !common.IsRecoverable(err) || errors.Is(err, ErrDiverged) {
		return res, err
	}
	return res, nil
}

func (d *Driver) txn(id common.TxnID) (*txnState, error) {
	t, ok := d.txns[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTxn, "txn %d", id)
	}
	return t, nil
}

// active is txn for row operations, which a doomed transaction no longer
// issues.
func (d *Driver) active(id common.TxnID) (*txnState, error) {
	t, err := d.txn(id)
	if err != nil {
		return nil, err
	}
	if t.doomed {
		return nil, errors.Wrapf(ErrTxnFailed, "txn %d", id)
	}
	return t, nil
}

func (d *Driver) request(t *txnState, op Operation, addr common.RowAddr) (engine.Request, error) {
	id, err := d.eng.AllocateOperation()
	if err != nil {
		t.doomed = true
		return engine.Request{}, err
	}
	return engine.Request{
		Op:        id,
		Frag:      d.frag,
		Txn:       t.id,
		Savepoint: op.Savepoint,
		Row:       addr,
	}, nil
}

// fail releases the operation record of a rejected request and dooms the
// transaction.
func (d *Driver) fail(t *txnState, id common.OperationID, cause error) error {
	t.doomed = true
	return errors.Join(cause, d.eng.Abort(id))
}

func (d *Driver) begin(op Operation) error {
	if _, ok := d.txns[op.TxnID]; ok {
		return common.Inconsistent("workload.begin", "txn %d begun twice", op.TxnID)
	}
	d.txns[op.TxnID] = &txnState{
		id:   op.TxnID,
		rows: make(map[uint32]*rowState),
	}
	return nil
}

// writable locks key for t and returns its current state as t sees it.
func (d *Driver) writable(t *txnState, key uint32) (*rowState, error) {
	if rs, ok := t.rows[key]; ok {
		if !rs.present {
			return nil, errors.Wrapf(ErrNoSuchKey, "key %d deleted by txn %d", key, t.id)
		}
		return rs, nil
	}

	e, ok := d.model.Get(key)
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchKey, "key %d", key)
	}
	if !d.locks.Acquire(key, t.id) {
		owner, _ := d.locks.Owner(key)
		return nil, errors.Wrapf(ErrRowLocked, "key %d held by txn %d", key, owner)
	}
	rs := &rowState{addr: e.Addr, present: true, row: e.Row}
	t.rows[key] = rs
	return rs, nil
}

func (d *Driver) insert(op Operation) error {
	t, err := d.active(op.TxnID)
	if err != nil {
		return err
	}
	row := Row(op.Key, op.Value, op.Note, op.NoteNull)

	if rs, ok := t.rows[op.Key]; ok && !rs.present {
		req, err := d.request(t, op, rs.addr)
		if err != nil {
			return err
		}
		if err := d.eng.Reinsert(req, row); err != nil {
			return d.fail(t, req.Op, err)
		}
		rs.present, rs.row = true, row
		t.ops = append(t.ops, req.Op)
		return nil
	}

	if _, ok := t.rows[op.Key]; ok || d.model.Has(op.Key) {
		return errors.Wrapf(ErrDuplicateKey, "key %d", op.Key)
	}
	if !d.locks.Acquire(op.Key, t.id) {
		owner, _ := d.locks.Owner(op.Key)
		return errors.Wrapf(ErrRowLocked, "key %d held by txn %d", op.Key, owner)
	}

	req, err := d.request(t, op, common.RowAddr{})
	if err != nil {
		return err
	}
	addr, err := d.eng.Insert(req, row)
	if err != nil {
		return d.fail(t, req.Op, err)
	}
	t.rows[op.Key] = &rowState{addr: addr, present: true, row: row}
	t.ops = append(t.ops, req.Op)
	return nil
}

func (d *Driver) update(op Operation) error {
	t, err := d.active(op.TxnID)
	if err != nil {
		return err
	}
	rs, err := d.writable(t, op.Key)
	if err != nil {
		return err
	}

	req, err := d.request(t, op, rs.addr)
	if err != nil {
		return err
	}
	row := Row(op.Key, op.Value, op.Note, op.NoteNull)
	updates := []tuple.AttrUpdate{
		{Attr: attrValue, Value: row[attrValue]},
		{Attr: attrNote, Value: row[attrNote]},
	}
	if err := d.eng.Update(req, updates); err != nil {
		return d.fail(t, req.Op, err)
	}
	rs.row = row
	t.ops = append(t.ops, req.Op)
	return nil
}

func (d *Driver) delete(op Operation) error {
	t, err := d.active(op.TxnID)
	if err != nil {
		return err
	}
	rs, err := d.writable(t, op.Key)
	if err != nil {
		return err
	}

	req, err := d.request(t, op, rs.addr)
	if err != nil {
		return err
	}
	if err := d.eng.Delete(req); err != nil {
		return d.fail(t, req.Op, err)
	}
	rs.present = false
	t.ops = append(t.ops, req.Op)
	return nil
}

// read checks what the engine returns against the model. A transaction
// sees its own writes; every other row is read committed.
func (d *Driver) read(op Operation) error {
	t, err := d.active(op.TxnID)
	if err != nil {
		return err
	}

	var (
		want    tuple.Row
		addr    common.RowAddr
		present bool
		mode    engine.ReadMode
	)
	if rs, ok := t.rows[op.Key]; ok {
		want, addr, present, mode = rs.row, rs.addr, rs.present, engine.ReadLatest
	} else if e, ok := d.model.Get(op.Key); ok {
		want, addr, present, mode = e.Row, e.Addr, true, engine.ReadCommitted
	} else {
		return errors.Wrapf(ErrNoSuchKey, "key %d", op.Key)
	}

	id, err := d.eng.AllocateOperation()
	if err != nil {
		return err
	}
	req := engine.Request{Op: id, Frag: d.frag, Txn: t.id, Savepoint: op.Savepoint, Row: addr}
	got, err := d.eng.Read(req, mode)
	if relErr := d.eng.Commit(id, d.gci); relErr != nil {
		return relErr
	}

	switch {
	case errors.Is(err, common.ErrTupleDeleted):
		if present {
			return errors.Wrapf(ErrDiverged, "txn %d misses key %d at %v", t.id, op.Key, addr)
		}
		return nil
	case err != nil:
		return err
	case !present:
		return errors.Wrapf(ErrDiverged, "txn %d reads deleted key %d at %v", t.id, op.Key, addr)
	case !rowsEqual(want, got):
		return errors.Wrapf(ErrDiverged, "txn %d key %d at %v", t.id, op.Key, addr)
	}
	return nil
}

func (d *Driver) commit(op Operation) error {
	t, err := d.txn(op.TxnID)
	if err != nil {
		return err
	}
	if t.doomed {
		return errors.Join(ErrTxnFailed, d.rollback(t))
	}
	delete(d.txns, t.id)
	defer d.locks.UnlockAll(t.id)

	d.gci++
	for _, id := range t.ops {
		if err := d.eng.Commit(id, d.gci); err != nil {
			return err
		}
	}
	if err := d.retryReclaim(); err != nil {
		return err
	}

	for _, key := range slices.Sorted(maps.Keys(t.rows)) {
		rs := t.rows[key]
		if rs.present {
			d.model.put(key, Entry{Addr: rs.addr, Row: rs.row})
			continue
		}
		d.model.remove(key)
		if err := d.eng.Deallocate(d.frag, rs.addr); err != nil {
			if !common.IsRecoverable(err) {
				return err
			}
			d.reclaim = append(d.reclaim, rs.addr)
		}
	}
	return nil
}

func (d *Driver) retryReclaim() error {
	pending := d.reclaim
	d.reclaim = nil
	for _, addr := range pending {
		if err := d.eng.Deallocate(d.frag, addr); err != nil {
			if !common.IsRecoverable(err) {
				return err
			}
			d.reclaim = append(d.reclaim, addr)
		}
	}
	return nil
}

func (d *Driver) abort(op Operation) error {
	t, err := d.txn(op.TxnID)
	if err != nil {
		return err
	}
	return d.rollback(t)
}

// rollback aborts the operations of t newest first.
func (d *Driver) rollback(t *txnState) error {
	delete(d.txns, t.id)
	defer d.locks.UnlockAll(t.id)

	for _, id := range slices.Backward(t.ops) {
		if err := d.eng.Abort(id); err != nil {
			return err
		}
	}
	return nil
}

// AbortAll rolls back every open transaction.
func (d *Driver) AbortAll() error {
	for _, id := range slices.Sorted(maps.Keys(d.txns)) {
		if err := d.rollback(d.txns[id]); err != nil {
			return err
		}
	}
	return nil
}

// Verify compares the committed image of the fragment with the model.
func (d *Driver) Verify() error {
	got, err := d.eng.Snapshot(d.frag)
	if err != nil {
		return err
	}
	return CompareSnapshots(d.model.Snapshot(), got)
}
