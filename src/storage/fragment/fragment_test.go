package fragment

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
	"github.com/Blackdeer1524/TupleStore/src/storage/page"
	"github.com/Blackdeer1524/TupleStore/src/storage/pagepool"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

var testKey = common.FragmentKey{Table: 3, Frag: 1}

func newLayout(t *testing.T, words uint16) *tuple.Layout {
	l, err := tuple.NewLayout(tuple.Descriptor{
		Table: testKey.Table,
		Attributes: []tuple.Attribute{
			{Name: "k", SizeWords: words, PrimaryKey: true},
		},
	})
	require.NoError(t, err)
	return l
}

func newTestFragment(t *testing.T, poolPages int, tupleWords uint16) (*Fragment, *pagepool.Pool) {
	pool := pagepool.New(poolPages, common.NopLogger())
	f := New(testKey, newLayout(t, tupleWords), pool, DefaultConfig(), common.NopLogger())
	return f, pool
}

func snapshot(f *Fragment) map[common.RowAddr]uint32 {
	res := map[common.RowAddr]uint32{}
	f.OccupiedRows(func(addr common.RowAddr, slot []uint32) bool {
		res[addr] = slot[2]
		return true
	})
	return res
}

func TestRangeMapMergesContiguousPages(t *testing.T) {
	m := newRangeMap()
	m.add(0, 10)
	m.add(1, 11)
	m.add(2, 12)
	m.add(3, 40)
	m.add(4, 41)

	assert.Equal(t, 2, m.numRanges())

	r, ok := m.lookup(2)
	require.True(t, ok)
	assert.Equal(t, common.RealPageID(12), r)

	r, ok = m.lookup(4)
	require.True(t, ok)
	assert.Equal(t, common.RealPageID(41), r)

	_, ok = m.lookup(5)
	assert.False(t, ok)

	var visited []common.LogicalPageID
	m.ascend(func(l common.LogicalPageID, _ common.RealPageID) bool {
		visited = append(visited, l)
		return true
	})
	assert.Equal(t, []common.LogicalPageID{0, 1, 2, 3, 4}, visited)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	f, pool := newTestFragment(t, 16, 100)
	rng := rand.New(rand.NewSource(42))

	live := map[common.RowAddr]bool{}
	// every slot of a tuple page is either live or on the page's free list
	balanced := func() {
		perPage := map[common.LogicalPageID]int{}
		for addr := range live {
			perPage[addr.Page]++
		}
		for l := common.LogicalPageID(0); l < f.NumPages(); l++ {
			pg, ok := f.Page(l)
			if !ok || !pg.State().IsTuple() {
				continue
			}
			free := 0
			for _, off := range pg.SlotOffsets() {
				if pg.IsSlotFree(off) {
					free++
				}
			}
			assert.Equal(t, pg.FreeCount(), free, "page %d", l)
			assert.Equal(t, pg.SlotCount(), perPage[l]+pg.FreeCount(), "page %d", l)
		}
	}

	for i := 0; i < 2000; i++ {
		if i%250 == 0 {
			balanced()
		}
		if len(live) > 0 && rng.Intn(3) == 0 {
			for addr := range live {
				require.NoError(t, f.FreeSlot(addr))
				delete(live, addr)
				break
			}
			continue
		}

		addr, slot, err := f.AllocSlot(optional.None[common.LogicalPageID]())
		require.NoError(t, err)
		require.False(t, live[addr], "slot %v handed out twice", addr)
		assert.Len(t, slot, int(f.Layout.TupheadSize))
		live[addr] = true
	}

	balanced()
	assert.Equal(t, len(live), f.Rows())
	for addr := range live {
		require.NoError(t, f.FreeSlot(addr))
		delete(live, addr)
	}
	assert.Equal(t, 0, f.Rows())
	balanced()

	f.Drop()
	assert.Equal(t, pool.Capacity(), pool.FreeCount())
}

func TestAllocHonoursHint(t *testing.T) {
	f, _ := newTestFragment(t, 8, 4000)

	first, _, err := f.AllocSlot(optional.None[common.LogicalPageID]())
	require.NoError(t, err)
	second, _, err := f.AllocSlot(optional.None[common.LogicalPageID]())
	require.NoError(t, err)
	third, _, err := f.AllocSlot(optional.None[common.LogicalPageID]())
	require.NoError(t, err)

	assert.Equal(t, first.Page, second.Page)
	assert.NotEqual(t, first.Page, third.Page)

	require.NoError(t, f.FreeSlot(first))
	again, _, err := f.AllocSlot(optional.Some(first.Page))
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestPoolExhaustion(t *testing.T) {
	f, _ := newTestFragment(t, 1, 4000)

	_, _, err := f.AllocSlot(optional.None[common.LogicalPageID]())
	require.NoError(t, err)
	_, _, err = f.AllocSlot(optional.None[common.LogicalPageID]())
	require.NoError(t, err)

	_, _, err = f.AllocSlot(optional.None[common.LogicalPageID]())
	require.ErrorIs(t, err, common.ErrNoFreePage)
	assert.True(t, common.IsRecoverable(err))
}

func TestCopyPagesAreBounded(t *testing.T) {
	pool := pagepool.New(16, common.NopLogger())
	f := New(testKey, newLayout(t, 4000), pool, Config{PagesPerChunk: 2, MaxCopyPages: 1}, common.NopLogger())

	a, slot, err := f.AllocCopySlot()
	require.NoError(t, err)
	tuple.InitCopy(slot, 7)
	b, _, err := f.AllocCopySlot()
	require.NoError(t, err)
	assert.Equal(t, a.Page, b.Page)

	_, _, err = f.AllocCopySlot()
	require.ErrorIs(t, err, common.ErrNoFreeCopyPage)

	require.NoError(t, f.FreeSlot(a))
	require.NoError(t, f.FreeSlot(b))
	assert.Equal(t, 0, f.CopyPages())

	_, _, err = f.AllocCopySlot()
	require.NoError(t, err)
}

func TestUndoOnlyInsideWindow(t *testing.T) {
	f, _ := newTestFragment(t, 16, 4000)

	var addrs []common.RowAddr
	for range 4 {
		addr, _, err := f.AllocSlot(optional.None[common.LogicalPageID]())
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	sink := &common.RecordingUndo{}
	n := f.BeginCheckpoint(sink, 1)
	assert.Equal(t, f.NumPages(), n)

	assert.True(t, f.UndoRequired(addrs[0].Page))
	f.PageWritten(0)
	assert.False(t, f.UndoRequired(0))
	assert.False(t, f.UndoRequired(n))

	require.NoError(t, f.FreeSlot(addrs[2]))
	require.NoError(t, f.FreeSlot(addrs[3]))

	headers := 0
	for _, e := range sink.Entries {
		if e.Kind == common.UndoPageHeader {
			headers++
			assert.Equal(t, addrs[2].Page, e.Page)
		}
	}
	assert.Equal(t, 1, headers)

	f.EndCheckpoint()
	assert.False(t, f.UndoRequired(addrs[2].Page))
}

// Replaying the UNDO log backwards over the fuzzy page images has to give
// back exactly the rows that existed when the checkpoint started.
func TestRestoreReachesCheckpointStart(t *testing.T) {
	f, _ := newTestFragment(t, 32, 4000)

	var addrs []common.RowAddr
	for i := range 4 {
		addr, slot, err := f.AllocSlot(optional.None[common.LogicalPageID]())
		require.NoError(t, err)
		slot[2] = uint32(100 + i)
		addrs = append(addrs, addr)
	}
	want := snapshot(f)

	sink := &common.RecordingUndo{}
	n := f.BeginCheckpoint(sink, 1)
	images := map[common.LogicalPageID][]uint32{}

	img, ok := f.PageImage(0)
	require.True(t, ok)
	images[0] = img
	f.PageWritten(0)

	var onPageOne []common.RowAddr
	for _, a := range addrs {
		if a.Page == 1 {
			onPageOne = append(onPageOne, a)
		}
	}
	require.Len(t, onPageOne, 2)

	require.NoError(t, f.FreeSlot(onPageOne[0]))
	addr, slot, err := f.AllocSlot(optional.None[common.LogicalPageID]())
	require.NoError(t, err)
	slot[2] = 999
	assert.Equal(t, onPageOne[0], addr)

	require.NoError(t, f.LogSlot(common.UndoUpdate, onPageOne[1]))
	live, err := f.Slot(onPageOne[1])
	require.NoError(t, err)
	live[2] = 555

	for range 2 {
		_, slot, err := f.AllocSlot(optional.None[common.LogicalPageID]())
		require.NoError(t, err)
		slot[2] = 777
	}

	for l := common.LogicalPageID(1); l < n; l++ {
		img, ok := f.PageImage(l)
		require.True(t, ok)
		images[l] = img
		f.PageWritten(l)
	}
	f.EndCheckpoint()

	pool := pagepool.New(32, common.NopLogger())
	restored := New(testKey, f.Layout, pool, DefaultConfig(), common.NopLogger())
	for l := range n {
		require.NoError(t, restored.InstallPage(l, images[l]))
	}
	for i := len(sink.Entries) - 1; i >= 0; i-- {
		require.NoError(t, restored.ApplyUndo(sink.Entries[i]))
	}
	require.NoError(t, restored.Rebuild())

	assert.Equal(t, want, snapshot(restored))

	pg, ok := restored.Page(2)
	require.True(t, ok)
	assert.Equal(t, page.StateEmpty, pg.State())

	_, _, err = restored.AllocSlot(optional.None[common.LogicalPageID]())
	require.NoError(t, err)
}

func TestInstallRejectsForeignPage(t *testing.T) {
	f, _ := newTestFragment(t, 4, 100)
	_, _, err := f.AllocSlot(optional.None[common.LogicalPageID]())
	require.NoError(t, err)
	img, ok := f.PageImage(0)
	require.True(t, ok)

	pool := pagepool.New(4, common.NopLogger())
	other := New(common.FragmentKey{Table: 9}, f.Layout, pool, DefaultConfig(), common.NopLogger())
	err = other.InstallPage(0, img)
	require.ErrorIs(t, err, common.ErrInconsistent)
	assert.Equal(t, 4, pool.FreeCount())
}
