package tuple

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
)

func accountsLayout(t *testing.T) *Layout {
	l, err := NewLayout(Descriptor{
		Table: 3,
		Attributes: []Attribute{
			{Name: "id", SizeWords: 2, PrimaryKey: true},
			{Name: "name", SizeWords: 4, Nullable: true},
			{Name: "balance", SizeWords: 2},
			{Name: "note", SizeWords: 1, Nullable: true},
		},
		Checksum:      true,
		CommitCounter: true,
	})
	require.NoError(t, err)
	return l
}

func TestLayoutOffsets(t *testing.T) {
	l := accountsLayout(t)

	assert.Equal(t, uint16(2), l.ChecksumOffset)
	assert.Equal(t, uint16(3), l.NullOffset)
	assert.Equal(t, uint16(1), l.NullWords)
	assert.Equal(t, uint16(4), l.GCIOffset)
	assert.Equal(t, uint16(5), l.Attrs[0].WordOffset)
	assert.Equal(t, uint16(7), l.Attrs[1].WordOffset)
	assert.Equal(t, 0, l.Attrs[1].NullBit)
	assert.Equal(t, -1, l.Attrs[2].NullBit)
	assert.Equal(t, 1, l.Attrs[3].NullBit)
	assert.Equal(t, uint16(14), l.TupheadSize)
}

func TestLayoutRejectsBadDescriptors(t *testing.T) {
	_, err := NewLayout(Descriptor{})
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = NewLayout(Descriptor{Attributes: []Attribute{{Name: "k", SizeWords: 1, PrimaryKey: true, Nullable: true}}})
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = NewLayout(Descriptor{Attributes: []Attribute{{Name: "huge", SizeWords: common.PageWords}}})
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestWriteAndReadRow(t *testing.T) {
	l := accountsLayout(t)
	slot := make([]uint32, l.TupheadSize)

	row := Row{Bytes([]byte("k1")), Null(), Bytes([]byte{0, 0, 0, 42}), Bytes([]byte("x"))}
	require.NoError(t, l.WriteRow(WordCodec{}, slot, row))
	l.StampChecksum(slot)

	got := l.ReadRow(WordCodec{}, slot)
	assert.True(t, got[1].Null)
	assert.Equal(t, []byte{'k', '1', 0, 0, 0, 0, 0, 0}, got[0].Data)
	assert.Equal(t, []byte{0, 0, 0, 42, 0, 0, 0, 0}, got[2].Data)
	require.NoError(t, l.VerifyChecksum(slot))
}

func TestWriteRowValidatesBeforeWriting(t *testing.T) {
	l := accountsLayout(t)
	slot := make([]uint32, l.TupheadSize)

	row := Row{Bytes([]byte("k1")), Null(), Null(), Null()}
	err := l.WriteRow(WordCodec{}, slot, row)
	require.ErrorIs(t, err, common.ErrNullNotAllowed)
	assert.Equal(t, make([]uint32, l.TupheadSize), slot)
}

func TestChecksumDetectsSingleWordCorruption(t *testing.T) {
	l := accountsLayout(t)
	slot := make([]uint32, l.TupheadSize)
	require.NoError(t, l.WriteRow(WordCodec{}, slot, Row{
		Bytes([]byte("key")), Bytes([]byte("name")), Bytes([]byte("1")), Null(),
	}))
	SetVersion(slot, 9)
	l.StampChecksum(slot)

	for i := WordVersion; i < len(slot); i++ {
		if i == int(l.ChecksumOffset) {
			continue
		}
		corrupted := Image(slot)
		corrupted[i] ^= 0x100
		require.ErrorIs(t, l.VerifyChecksum(corrupted), common.ErrTupleCorrupted, "word %d", i)
	}
}

func TestValidateUpdate(t *testing.T) {
	l := accountsLayout(t)

	err := l.ValidateUpdate([]AttrUpdate{{Attr: 0, Value: Bytes([]byte("new"))}})
	require.ErrorIs(t, err, common.ErrPrimaryKeyUpdate)

	err = l.ValidateUpdate([]AttrUpdate{{Attr: 2, Value: Null()}})
	require.ErrorIs(t, err, common.ErrNullNotAllowed)

	err = l.ValidateUpdate([]AttrUpdate{{Attr: 3, Value: Bytes([]byte("toolong"))}})
	require.ErrorIs(t, err, ErrValueTooLong)

	require.NoError(t, l.ValidateUpdate([]AttrUpdate{{Attr: 1, Value: Null()}}))
}

func TestApplyUpdateChangeMask(t *testing.T) {
	l := accountsLayout(t)
	slot := make([]uint32, l.TupheadSize)

	changed, err := l.ApplyUpdate(WordCodec{}, slot, []AttrUpdate{
		{Attr: 1, Value: Bytes([]byte("a"))},
		{Attr: 3, Value: Null()},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, changed.ToArray())
	assert.True(t, l.IsNull(slot, l.Attrs[3]))
	assert.False(t, l.IsNull(slot, l.Attrs[1]))
}

func TestHeaderWord(t *testing.T) {
	slot := make([]uint32, 4)
	slot[WordHeader] = FlagOccupied

	ref := OpRef(slot)
	assert.True(t, ref.IsNone())

	SetOpRef(slot, optional.Some(common.OperationID(0)))
	ref = OpRef(slot)
	assert.Equal(t, common.OperationID(0), ref.Unwrap())
	assert.NotZero(t, slot[WordHeader]&FlagOccupied)

	SetDeleted(slot, true)
	assert.True(t, IsDeleted(slot))
	SetOpRef(slot, optional.None[common.OperationID]())
	assert.True(t, IsDeleted(slot))
	ref = OpRef(slot)
	assert.True(t, ref.IsNone())

	InitCopy(slot, 77)
	assert.True(t, IsCopy(slot))
	ref = OpRef(slot)
	assert.Equal(t, common.OperationID(77), ref.Unwrap())

	assert.Equal(t, uint16(0), NextVersion(1<<15-1))
}

func TestDescriptorSnapshot(t *testing.T) {
	l := accountsLayout(t)
	words := l.DescriptorWords()
	assert.Len(t, words, l.DescriptorWordCount())
	assert.True(t, l.MatchesDescriptor(words))

	words[1]++
	assert.False(t, l.MatchesDescriptor(words))
}
