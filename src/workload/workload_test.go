package workload

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/engine"
)

var items = common.FragmentKey{Table: 3, Frag: 0}

func newEngine(t *testing.T, maxOps int) *engine.Engine {
	cfg := engine.DefaultConfig()
	cfg.PoolPages = 64
	cfg.MaxOperations = maxOps

	e := engine.New(cfg, nil, nil, common.NopLogger())
	_, err := e.CreateTable(Descriptor(items.Table))
	require.NoError(t, err)
	require.NoError(t, e.CreateFragment(items, 1))
	return e
}

func apply(t *testing.T, d *Driver, op Operation) OpResult {
	res, err := d.Apply(op)
	require.NoError(t, err, "%v", op)
	return res
}

func TestRowLocks(t *testing.T) {
	l := NewRowLocks()

	require.True(t, l.Acquire(1, 10))
	require.True(t, l.Acquire(1, 10))
	require.True(t, l.Acquire(2, 10))
	require.False(t, l.Acquire(1, 11))

	owner, ok := l.Owner(1)
	require.True(t, ok)
	assert.Equal(t, common.TxnID(10), owner)

	l.UnlockAll(10)
	assert.Zero(t, l.Len())
	assert.True(t, l.Acquire(1, 11))
}

func TestOpsGenerator_Deterministic(t *testing.T) {
	collect := func() []Operation {
		var ops []Operation
		for op := range NewOpsGenerator(rand.New(rand.NewSource(42)), 50, 4).Gen() {
			ops = append(ops, op)
		}
		return ops
	}

	first := collect()
	require.Equal(t, first, collect())

	open := map[common.TxnID]bool{}
	ended := 0
	for _, op := range first {
		switch op.Type {
		case OpBegin:
			require.False(t, open[op.TxnID])
			open[op.TxnID] = true
			require.LessOrEqual(t, len(open), 4)
		case OpCommit, OpAbort:
			require.True(t, open[op.TxnID])
			delete(open, op.TxnID)
			ended++
		default:
			require.True(t, open[op.TxnID], "%v outside its transaction", op)
		}
	}
	assert.Empty(t, open)
	assert.Equal(t, 50, ended)
}

func TestDriver_OwnWritesAndLocks(t *testing.T) {
	e := newEngine(t, 64)
	d := NewDriver(e, items, common.NopLogger())

	steps := []Operation{
		{Type: OpBegin, TxnID: 1},
		{Type: OpInsert, TxnID: 1, Savepoint: 1, Key: 7, Value: 100, Note: "first"},
		{Type: OpRead, TxnID: 1, Savepoint: 1, Key: 7},
		{Type: OpUpdate, TxnID: 1, Savepoint: 2, Key: 7, Value: 200, NoteNull: true},
		{Type: OpRead, TxnID: 1, Savepoint: 2, Key: 7},
		{Type: OpDelete, TxnID: 1, Savepoint: 3, Key: 7},
		{Type: OpRead, TxnID: 1, Savepoint: 3, Key: 7},
		{Type: OpInsert, TxnID: 1, Savepoint: 4, Key: 7, Value: 300, Note: "again"},
		{Type: OpCommit, TxnID: 1},
	}
	for _, op := range steps {
		res := apply(t, d, op)
		require.True(t, res.Success, "%v: %s", op, res.ErrText)
	}

	got, ok := d.Model().Get(7)
	require.True(t, ok)
	assert.Equal(t, Row(7, 300, "again", false), got.Row)
	require.NoError(t, d.Verify())

	apply(t, d, Operation{Type: OpBegin, TxnID: 2})
	apply(t, d, Operation{Type: OpBegin, TxnID: 3})
	res := apply(t, d, Operation{Type: OpUpdate, TxnID: 2, Savepoint: 1, Key: 7, Value: 1})
	require.True(t, res.Success, res.ErrText)

	res = apply(t, d, Operation{Type: OpUpdate, TxnID: 3, Savepoint: 1, Key: 7, Value: 2})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrText, ErrRowLocked.Error())

	// the other transaction still reads the committed row
	res = apply(t, d, Operation{Type: OpRead, TxnID: 3, Savepoint: 1, Key: 7})
	assert.True(t, res.Success, res.ErrText)

	res = apply(t, d, Operation{Type: OpInsert, TxnID: 3, Savepoint: 1, Key: 7})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrText, ErrDuplicateKey.Error())

	apply(t, d, Operation{Type: OpAbort, TxnID: 2})
	apply(t, d, Operation{Type: OpCommit, TxnID: 3})
	assert.Zero(t, d.Open())
	assert.Zero(t, e.OperationsInUse())

	got, ok = d.Model().Get(7)
	require.True(t, ok)
	assert.Equal(t, Row(7, 300, "again", false), got.Row)
	require.NoError(t, d.Verify())
}

func TestDriver_FailedWriteDoomsTransaction(t *testing.T) {
	e := newEngine(t, 2)
	d := NewDriver(e, items, common.NopLogger())

	apply(t, d, Operation{Type: OpBegin, TxnID: 1})
	for key := uint32(1); key <= 2; key++ {
		res := apply(t, d, Operation{Type: OpInsert, TxnID: 1, Savepoint: 1, Key: key})
		require.True(t, res.Success, res.ErrText)
	}

	res := apply(t, d, Operation{Type: OpInsert, TxnID: 1, Savepoint: 1, Key: 3})
	require.False(t, res.Success)
	assert.Contains(t, res.ErrText, common.ErrNoFreeOperation.Error())

	res = apply(t, d, Operation{Type: OpRead, TxnID: 1, Savepoint: 1, Key: 1})
	require.False(t, res.Success)

	res = apply(t, d, Operation{Type: OpCommit, TxnID: 1})
	require.False(t, res.Success)
	assert.Contains(t, res.ErrText, ErrTxnFailed.Error())

	assert.Zero(t, d.Open())
	assert.Zero(t, d.Model().Len())
	assert.Zero(t, e.OperationsInUse())
	require.NoError(t, d.Verify())

	f, err := e.Fragment(items)
	require.NoError(t, err)
	assert.Zero(t, f.Rows())
}

func TestDriver_RandomWorkload(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed=%d", seed)
	r := rand.New(rand.NewSource(seed))

	e := newEngine(t, 512)
	d := NewDriver(e, items, common.NopLogger())

	const txnCount = 400

	i := 0
	failed := 0
	for op := range NewOpsGenerator(r, txnCount, 8).Gen() {
		res, err := d.Apply(op)
		require.NoError(t, err, "seed=%d step=%d %v", seed, i, op)
		if !res.Success {
			failed++
		}

		if i%25 == 0 {
			require.NoError(t, d.Verify(), "seed=%d step=%d", seed, i)
		}
		i++
	}

	require.Zero(t, d.Open())
	require.NoError(t, d.Verify())
	assert.Zero(t, e.OperationsInUse())
	assert.NotZero(t, d.Model().Len())

	t.Logf("workload ok: seed=%d, ops=%d, failed=%d, rows=%d", seed, i, failed, d.Model().Len())
}
