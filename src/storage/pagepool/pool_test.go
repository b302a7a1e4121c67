package pagepool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/page"
)

func TestAllocUntilExhausted(t *testing.T) {
	pool := New(3, common.NopLogger())

	ids, err := pool.AllocChunk(2)
	require.NoError(t, err)
	assert.Equal(t, []common.RealPageID{0, 1}, ids)

	ids, err = pool.AllocChunk(4)
	require.NoError(t, err)
	assert.Equal(t, []common.RealPageID{2}, ids)

	_, err = pool.Alloc()
	require.ErrorIs(t, err, common.ErrNoFreePage)
	assert.Equal(t, 0, pool.FreeCount())
}

func TestFreeResetsPage(t *testing.T) {
	pool := New(1, common.NopLogger())

	id, err := pool.Alloc()
	require.NoError(t, err)

	pg := pool.Get(id)
	pg.Assign(common.FragmentKey{Table: 1}, 0)
	pg.FormatSlots(4, page.StateTupleFree)

	pool.Free(id)
	assert.Equal(t, page.StateFreeInPool, pg.State())
	assert.Equal(t, 1, pool.FreeCount())

	assert.Panics(t, func() { pool.Free(id) })
}

func TestGetUnknownPagePanics(t *testing.T) {
	pool := New(2, common.NopLogger())
	assert.Panics(t, func() { pool.Get(5) })
	assert.Panics(t, func() { pool.Get(1) })
}
