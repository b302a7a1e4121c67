package checkpoint

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/utils"
	"github.com/Blackdeer1524/TupleStore/src/recovery"
	"github.com/Blackdeer1524/TupleStore/src/storage/engine"
	"github.com/Blackdeer1524/TupleStore/src/storage/systemcatalog"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

const basePath = "/data"

var orders = common.FragmentKey{Table: 2, Frag: 1}

func ordersDescriptor(checksum bool) tuple.Descriptor {
	return tuple.Descriptor{
		Table: orders.Table,
		Attributes: []tuple.Attribute{
			{Name: "id", SizeWords: 1, PrimaryKey: true},
			{Name: "body", SizeWords: 100},
		},
		Checksum:      checksum,
		CommitCounter: true,
	}
}

type fixture struct {
	t       *testing.T
	fs      afero.Fs
	catalog *systemcatalog.Catalog
	budget  *recovery.Budget
	eng     *engine.Engine
	mgr     *Manager
	rng     *rand.Rand

	nextID  uint32
	nextTxn common.TxnID
	live    []common.RowAddr
}

func newEngine(t *testing.T, desc tuple.Descriptor) *engine.Engine {
	cfg := engine.DefaultConfig()
	cfg.PoolPages = 128
	cfg.MaxOperations = 256
	eng := engine.New(cfg, nil, nil, common.NopLogger())
	_, err := eng.CreateTable(desc)
	require.NoError(t, err)
	return eng
}

func newFixture(t *testing.T, cfg Config) *fixture {
	fs := afero.NewMemMapFs()
	require.NoError(t, systemcatalog.InitSystemCatalog(basePath, fs))
	cat, err := systemcatalog.New(basePath, fs)
	require.NoError(t, err)

	desc := ordersDescriptor(true)
	eng := newEngine(t, desc)
	require.NoError(t, eng.CreateFragment(orders, 2))
	require.NoError(t, cat.AddTable(systemcatalog.TableMetaFromDescriptor(desc)))
	require.NoError(t, cat.AddFragment(orders))
	require.NoError(t, cat.CommitChanges())

	budget := recovery.NewBudget(256, 16, common.NopLogger())
	return &fixture{
		t:       t,
		fs:      fs,
		catalog: cat,
		budget:  budget,
		eng:     eng,
		mgr:     NewManager(fs, cfg, eng, cat, budget, common.NopLogger()),
		rng:     rand.New(rand.NewSource(7)),
		nextTxn: 1,
	}
}

func body(rng *rand.Rand) []byte {
	b := make([]byte, 400)
	_, _ = rng.Read(b)
	return b
}

func (f *fixture) req(txn common.TxnID, row common.RowAddr) engine.Request {
	op, err := f.eng.AllocateOperation()
	require.NoError(f.t, err)
	return engine.Request{Op: op, Frag: orders, Txn: txn, Savepoint: 1, Row: row}
}

func (f *fixture) txn() common.TxnID {
	f.nextTxn++
	return f.nextTxn
}

func (f *fixture) insert(txn common.TxnID) (common.RowAddr, common.OperationID) {
	f.nextID++
	r := f.req(txn, common.RowAddr{})
	addr, err := f.eng.Insert(r, tuple.Row{tuple.Bytes(utils.WordsToBytes([]uint32{f.nextID})), tuple.Bytes(body(f.rng))})
	require.NoError(f.t, err)
	return addr, r.Op
}

func (f *fixture) update(txn common.TxnID, addr common.RowAddr) common.OperationID {
	r := f.req(txn, addr)
	require.NoError(f.t, f.eng.Update(r, []tuple.AttrUpdate{{Attr: 1, Value: tuple.Bytes(body(f.rng))}}))
	return r.Op
}

func (f *fixture) delete(txn common.TxnID, addr common.RowAddr) common.OperationID {
	r := f.req(txn, addr)
	require.NoError(f.t, f.eng.Delete(r))
	return r.Op
}

func (f *fixture) commit(ops ...common.OperationID) {
	for _, op := range ops {
		require.NoError(f.t, f.eng.Commit(op, common.GCI(f.nextTxn)))
	}
}

func (f *fixture) populate(n int) {
	for range n {
		addr, op := f.insert(f.txn())
		f.commit(op)
		f.live = append(f.live, addr)
	}
}

// mutate runs one committed or aborted transaction on a random row.
func (f *fixture) mutate() {
	txn := f.txn()
	pick := f.rng.Intn(len(f.live))
	addr := f.live[pick]

	switch f.rng.Intn(5) {
	case 0:
		a, op := f.insert(txn)
		f.commit(op)
		f.live = append(f.live, a)
	case 1:
		op := f.delete(txn, addr)
		f.commit(op)
		require.NoError(f.t, f.eng.Deallocate(orders, addr))
		f.live = append(f.live[:pick], f.live[pick+1:]...)
	case 2:
		op := f.update(txn, addr)
		require.NoError(f.t, f.eng.Abort(op))
	default:
		u1 := f.update(txn, addr)
		u2 := f.update(txn, addr)
		f.commit(u1, u2)
	}
}

func TestCheckpointRestoresStartImage(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "raw", true: "snappy"}[compress], func(t *testing.T) {
			f := newFixture(t, Config{PagesPerStep: 1, Compress: compress})
			f.populate(400)

			// a transaction in flight across the checkpoint start; its rows
			// leave the mutation pool until it commits
			open := f.txn()
			picked := make(map[int]bool)
			var held []common.RowAddr
			for _, i := range utils.GenerateUniqueInts(15, 0, len(f.live)-1, f.rng) {
				picked[i] = true
				held = append(held, f.live[i])
			}
			var rest []common.RowAddr
			for i, addr := range f.live {
				if !picked[i] {
					rest = append(rest, addr)
				}
			}
			f.live = rest
			var pending []common.OperationID
			for _, addr := range held[:10] {
				pending = append(pending, f.update(open, addr))
			}
			for _, addr := range held[10:] {
				pending = append(pending, f.delete(open, addr))
			}
			var fresh []common.RowAddr
			for range 5 {
				a, op := f.insert(open)
				fresh = append(fresh, a)
				pending = append(pending, op)
			}
			finish := func() {
				f.commit(pending...)
				for _, addr := range held[10:] {
					require.NoError(t, f.eng.Deallocate(orders, addr))
				}
				f.live = append(f.live, held[:10]...)
				f.live = append(f.live, fresh...)
			}

			snap, err := f.eng.Snapshot(orders)
			require.NoError(t, err)
			require.Len(t, snap, 400)

			c, err := f.mgr.Prepare(orders)
			require.NoError(t, err)
			require.NoError(t, f.mgr.Start(c))
			assert.Equal(t, PhaseRunning, c.Phase())

			steps := 0
			for {
				done, err := f.mgr.Step(c)
				require.NoError(t, err)
				if done {
					break
				}
				steps++
				for range 20 {
					f.mutate()
				}
				if steps == 2 {
					finish()
				}
			}
			require.Greater(t, steps, 2)

			meta, err := f.mgr.End(c)
			require.NoError(t, err)
			assert.Equal(t, PhaseCompleted, c.Phase())
			assert.NotEqual(t, common.NilRecordID, meta.LastRecord)

			restored := newEngine(t, ordersDescriptor(true))
			err = Restore(context.Background(), f.fs, basePath, restored, f.catalog.Checkpoints(), 2, common.NopLogger())
			require.NoError(t, err)

			got, err := restored.Snapshot(orders)
			require.NoError(t, err)
			assert.Equal(t, snap, got)

			// the restored fragment takes new work
			rf, err := restored.Fragment(orders)
			require.NoError(t, err)
			assert.Equal(t, len(snap), rf.Rows())
			op, err := restored.AllocateOperation()
			require.NoError(t, err)
			_, err = restored.Insert(
				engine.Request{Op: op, Frag: orders, Txn: 1, Savepoint: 1},
				tuple.Row{tuple.Bytes([]byte{1}), tuple.Bytes([]byte{2})},
			)
			require.NoError(t, err)
			require.NoError(t, restored.Commit(op, 1))
		})
	}
}

func TestRestoreRejectsChangedTable(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.populate(20)

	_, err := f.mgr.Run(context.Background(), orders, nil)
	require.NoError(t, err)

	restored := newEngine(t, ordersDescriptor(false))
	err = Restore(context.Background(), f.fs, basePath, restored, f.catalog.Checkpoints(), 1, common.NopLogger())
	assert.ErrorIs(t, err, common.ErrInconsistent)
	assert.Empty(t, restored.Fragments())
}

func TestNewerCheckpointRetiresOlder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.populate(50)

	first, err := f.mgr.Run(context.Background(), orders, func() error {
		f.mutate()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.Version)
	assert.Equal(t, 256-first.UndoPages, f.budget.Free())

	second, err := f.mgr.Run(context.Background(), orders, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second.Version)
	assert.Equal(t, 256-second.UndoPages, f.budget.Free())

	ok, err := afero.Exists(f.fs, filepath.Join(basePath, first.DataFile))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.catalog.GetCheckpoint(orders)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestAbandonedCheckpointLeavesNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.populate(10)

	c, err := f.mgr.Prepare(orders)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(c))

	_, err = f.mgr.End(c)
	assert.ErrorIs(t, err, common.ErrInconsistent)

	require.NoError(t, f.mgr.Abandon(c))
	assert.Equal(t, PhaseAbandoned, c.Phase())
	assert.Equal(t, 256, f.budget.Free())

	ok, err := afero.DirExists(f.fs, filepath.Join(basePath, orders.String(), c.RunID.String()))
	require.NoError(t, err)
	assert.False(t, ok)

	fr, err := f.eng.Fragment(orders)
	require.NoError(t, err)
	assert.False(t, fr.CheckpointActive())
	assert.Empty(t, f.catalog.Checkpoints())
}

func TestStartWithoutRoomForRowsInFlightAbandons(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.populate(10)
	open := f.txn()
	upd := f.update(open, f.live[0])

	c, err := f.mgr.Prepare(orders)
	require.NoError(t, err)

	other, err := recovery.Create(f.fs, "/scratch/undo.log", f.budget, common.NopLogger())
	require.NoError(t, err)
	for {
		_, err := other.AppendUndo(common.UndoEntry{Kind: common.UndoUpdate, Frag: orders, Words: make([]uint32, 8000)})
		if err != nil {
			require.ErrorIs(t, err, common.ErrUndoLogFull)
			break
		}
	}

	err = f.mgr.Start(c)
	require.ErrorIs(t, err, common.ErrUndoLogFull)
	assert.True(t, common.IsRecoverable(err))
	assert.Equal(t, PhaseAbandoned, c.Phase())
	assert.Zero(t, f.budget.Held())

	ok, err := afero.DirExists(f.fs, filepath.Join(basePath, orders.String(), c.RunID.String()))
	require.NoError(t, err)
	assert.False(t, ok)
	fr, err := f.eng.Fragment(orders)
	require.NoError(t, err)
	assert.False(t, fr.CheckpointActive())

	require.NoError(t, other.Discard())
	assert.Equal(t, 256, f.budget.Free())

	f.commit(upd)
	_, err = f.mgr.Run(context.Background(), orders, nil)
	require.NoError(t, err)
}

func TestDataFileDetectsDamage(t *testing.T) {
	f := newFixture(t, Config{PagesPerStep: 8, Compress: false})
	f.populate(20)

	meta, err := f.mgr.Run(context.Background(), orders, nil)
	require.NoError(t, err)

	path := filepath.Join(basePath, meta.DataFile)
	data, err := afero.ReadFile(f.fs, path)
	require.NoError(t, err)
	data[200] ^= 0xff
	require.NoError(t, afero.WriteFile(f.fs, path, data, 0o600))

	_, err = load(f.fs, basePath, meta)
	assert.ErrorIs(t, err, ErrBadDataFile)

	require.NoError(t, afero.WriteFile(f.fs, path, data[:len(data)-30], 0o600))
	_, err = load(f.fs, basePath, meta)
	assert.ErrorIs(t, err, ErrBadDataFile)
}
