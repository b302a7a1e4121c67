package recovery

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

const logPath = "/data/ckpt/undo.log"

var frag = common.FragmentKey{Table: 4, Frag: 2}

func entry(i int, size int) common.UndoEntry {
	words := make([]uint32, size)
	for j := range words {
		words[j] = uint32(i*1000 + j)
	}
	return common.UndoEntry{
		Kind: common.UndoUpdate,
		Frag: frag,
		//nolint:gosec
		Page:   common.LogicalPageID(i % 7),
		Offset: 32,
		Words:  words,
	}
}

func TestStreamBackwardOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	budget := NewBudget(16, 2, common.NopLogger())
	s, err := Create(fs, logPath, budget, common.NopLogger())
	require.NoError(t, err)

	const n = 100
	ids := make([]common.RecordID, 0, n)
	for i := range n {
		id, err := s.AppendUndo(entry(i, 500))
		require.NoError(t, err)
		require.NotEqual(t, common.NilRecordID, id)
		ids = append(ids, id)
	}
	assert.Greater(t, s.Pages(), 1)
	assert.Equal(t, 16-s.Pages(), budget.Free())
	require.NoError(t, s.Close())

	r, err := Open(fs, logPath)
	require.NoError(t, err)
	defer r.Close()

	last, err := r.LastRecord()
	require.NoError(t, err)
	assert.Equal(t, s.Last(), last)

	i := n - 1
	err = r.Backward(last, func(rec UndoRecord) (bool, error) {
		assert.Equal(t, ids[i], rec.ID)
		assert.Equal(t, entry(i, 500).Words, rec.Words)
		assert.Equal(t, frag, rec.Frag)
		i--
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, -1, i)
}

func TestBudgetExhaustion(t *testing.T) {
	fs := afero.NewMemMapFs()
	budget := NewBudget(2, 1, common.NopLogger())
	s, err := Create(fs, logPath, budget, common.NopLogger())
	require.NoError(t, err)

	require.NoError(t, s.Admit(8000))
	_, err = s.AppendUndo(entry(0, 8000))
	require.NoError(t, err)
	assert.True(t, budget.Backpressure())
	require.NoError(t, s.Admit(8000))
	require.ErrorIs(t, s.Admit(8000, 8000), common.ErrUndoLogFull)

	_, err = s.AppendUndo(entry(1, 8000))
	require.NoError(t, err)
	_, err = s.AppendUndo(entry(2, 8000))
	require.ErrorIs(t, err, common.ErrUndoLogFull)
	assert.True(t, common.IsRecoverable(err))

	require.NoError(t, s.Discard())
	assert.Equal(t, 2, budget.Free())
	assert.False(t, budget.Backpressure())
}

func TestHeldPagesStayWithTheirStream(t *testing.T) {
	fs := afero.NewMemMapFs()
	budget := NewBudget(4, 0, common.NopLogger())
	owner, err := Create(fs, "/undo/owner", budget, common.NopLogger())
	require.NoError(t, err)
	other, err := Create(fs, "/undo/other", budget, common.NopLogger())
	require.NoError(t, err)

	require.NoError(t, owner.Hold(1, 2))
	require.ErrorIs(t, owner.Hold(2, 2, 8000), common.ErrUndoLogFull)
	assert.Equal(t, 2, budget.Held())
	require.ErrorIs(t, other.Admit(8000, 8000, 8000), common.ErrUndoLogFull)

	for i := range 2 {
		_, err = other.AppendUndo(entry(i, 8000))
		require.NoError(t, err)
	}
	_, err = other.AppendUndo(entry(2, 8000))
	require.ErrorIs(t, err, common.ErrUndoLogFull)

	// the owner writes into its own held pages
	for i := range 2 {
		_, err = owner.AppendUndo(entry(i, 8000))
		require.NoError(t, err)
	}
	assert.Zero(t, budget.Free())

	owner.Shrink(1, 5)
	assert.Equal(t, 2, owner.Held())
	owner.Shrink(1, 1)
	assert.Equal(t, 1, budget.Held())

	require.NoError(t, owner.Discard())
	require.NoError(t, other.Discard())
	assert.Equal(t, 4, budget.Free())
	assert.Zero(t, budget.Held())
}

func TestPagesForBoundsARunOfRecords(t *testing.T) {
	assert.Zero(t, PagesFor())
	assert.Equal(t, 1, PagesFor(8000))
	assert.Equal(t, 2, PagesFor(8000, 8000))
	assert.Equal(t, 1, PagesFor(102, common.PageHeaderSize, 102))

	run := []int{102, common.PageHeaderSize, 102, 500, 7000, 102}
	for _, pre := range []int{0, 100, 4000, 8100, 8182} {
		s, err := Create(afero.NewMemMapFs(), logPath, NewBudget(16, 0, common.NopLogger()), common.NopLogger())
		require.NoError(t, err)
		if pre > 0 {
			_, err = s.AppendUndo(entry(0, pre))
			require.NoError(t, err)
		}

		before := s.Pages()
		for i, n := range run {
			_, err = s.AppendUndo(entry(i+1, n))
			require.NoError(t, err)
		}
		assert.LessOrEqual(t, s.Pages()-before, PagesFor(run...), "after %d words", pre)
	}
}

func TestOversizedRecordIsInconsistent(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Create(fs, logPath, NewBudget(4, 0, common.NopLogger()), common.NopLogger())
	require.NoError(t, err)

	_, err = s.AppendUndo(entry(0, common.PageWords))
	require.ErrorIs(t, err, common.ErrInconsistent)
}

func TestDamagedPageIsSkippedForLastRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Create(fs, logPath, NewBudget(8, 0, common.NopLogger()), common.NopLogger())
	require.NoError(t, err)

	lastOnPage := map[uint32]common.RecordID{}
	for i := range 40 {
		id, err := s.AppendUndo(entry(i, 500))
		require.NoError(t, err)
		lastOnPage[id.LogPage()] = id
	}
	require.NoError(t, s.Close())
	require.Equal(t, 3, s.Pages())

	f, err := fs.OpenFile(logPath, os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0xff}, 2*common.PageBytes+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := Open(fs, logPath)
	require.NoError(t, err)
	defer r.Close()

	last, err := r.LastRecord()
	require.NoError(t, err)
	assert.Equal(t, lastOnPage[1], last)

	_, err = r.Record(s.Last())
	require.ErrorIs(t, err, ErrBadLogPage)
}

func TestRecordWordsRoundTrip(t *testing.T) {
	rec := UndoRecord{Prev: common.NewRecordID(3, 17), UndoEntry: entry(5, 12)}
	rec.Kind = common.UndoPageHeader

	words, err := rec.MarshalWords()
	require.NoError(t, err)
	assert.Len(t, words, rec.Len())

	var got UndoRecord
	require.NoError(t, got.UnmarshalWords(append(words, 0, 0, 0)))
	assert.Equal(t, rec.UndoEntry, got.UndoEntry)
	assert.Equal(t, rec.Prev, got.Prev)

	words[0] = uint32(common.UndoUnknown)<<16 | uint32(len(words))
	require.ErrorIs(t, got.UnmarshalWords(words), common.ErrInconsistent)
}

func TestDump(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Create(fs, logPath, NewBudget(4, 0, common.NopLogger()), common.NopLogger())
	require.NoError(t, err)
	for i := range 3 {
		_, err := s.AppendUndo(entry(i, 4))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	r, err := Open(fs, logPath)
	require.NoError(t, err)
	defer r.Close()

	var out bytes.Buffer
	n, err := Dump(&out, r, s.Last(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Contains(t, out.String(), "update")
}

func TestPageCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newPageCache(2)
	p0, p1, p2 := newLogPage(0), newLogPage(1), newLogPage(2)

	c.put(0, p0)
	c.put(1, p1)
	got, ok := c.get(0)
	require.True(t, ok)
	assert.Same(t, p0, got)

	// 1 is now the oldest
	c.put(2, p2)
	assert.Equal(t, 2, c.len())
	_, ok = c.get(1)
	assert.False(t, ok)

	got, ok = c.get(2)
	require.True(t, ok)
	assert.Same(t, p2, got)
	_, ok = c.get(0)
	assert.True(t, ok)
}
