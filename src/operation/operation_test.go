package operation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
)

var row = common.RowAddr{Page: 2, Offset: 64}

func push(
	t *testing.T,
	a *Arena,
	head Head,
	typ Type,
	sp common.SavepointID,
	copyAt uint16,
) (Head, *Operation) {
	op, err := a.Allocate()
	require.NoError(t, err)
	op.Type = typ
	op.Savepoint = sp
	op.Row = row
	op.State = StateNoOtherOp
	if copyAt != 0 {
		op.Copy = optional.Some(common.RowAddr{Page: 9, Offset: copyAt})
	}
	head, err = a.Link(head, op)
	require.NoError(t, err)
	return head, op
}

func ids(chain []*Operation) []common.OperationID {
	res := make([]common.OperationID, 0, len(chain))
	for _, op := range chain {
		res = append(res, op.ID)
	}
	return res
}

func TestArenaExhaustion(t *testing.T) {
	a := NewArena(2)

	first, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, common.OperationID(0), first.ID)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.ErrorIs(t, err, common.ErrNoFreeOperation)
	assert.Equal(t, 2, a.InUse())

	a.Release(first)
	again, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, StateBlocked, again.State)

	_, err = a.Get(common.OperationID(7))
	require.ErrorIs(t, err, common.ErrInconsistent)
}

func TestLinkOrdersNewestFirst(t *testing.T) {
	a := NewArena(8)
	head := NoHead()
	head, i := push(t, a, head, TypeInsert, 1, 0)
	head, u := push(t, a, head, TypeUpdate, 2, 32)
	head, d := push(t, a, head, TypeDelete, 3, 0)

	chain, err := a.Chain(head)
	require.NoError(t, err)
	assert.Equal(t, []common.OperationID{d.ID, u.ID, i.ID}, ids(chain))
	newer := d.Newer()
	assert.True(t, newer.IsNone())

	head, err = a.Unlink(head, u)
	require.NoError(t, err)
	chain, err = a.Chain(head)
	require.NoError(t, err)
	assert.Equal(t, []common.OperationID{d.ID, i.ID}, ids(chain))

	head, err = a.Unlink(head, d)
	require.NoError(t, err)
	head, err = a.Unlink(head, i)
	require.NoError(t, err)
	assert.True(t, head.IsNone())

	_, err = a.Unlink(head, i)
	require.ErrorIs(t, err, common.ErrInconsistent)
}

func TestChainDetectsCycle(t *testing.T) {
	a := NewArena(4)
	head := NoHead()
	head, first := push(t, a, head, TypeInsert, 1, 0)
	head, second := push(t, a, head, TypeUpdate, 1, 32)

	first.older = optional.Some(second.ID)
	second.newer = optional.Some(first.ID)

	_, err := a.Chain(head)
	require.ErrorIs(t, err, common.ErrInconsistent)
}

func TestLinkRejectsForeignRow(t *testing.T) {
	a := NewArena(4)
	head, _ := push(t, a, NoHead(), TypeInsert, 1, 0)

	op, err := a.Allocate()
	require.NoError(t, err)
	op.Row = common.RowAddr{Page: 5, Offset: 32}
	_, err = a.Link(head, op)
	require.ErrorIs(t, err, common.ErrInconsistent)
}

func TestCheckWrite(t *testing.T) {
	tests := []struct {
		name  string
		head  Operation
		typ   Type
		isErr error
	}{
		{"update after update", Operation{Type: TypeUpdate, State: StateNoOtherOp}, TypeUpdate, nil},
		{"insert after delete", Operation{Type: TypeDelete, State: StateNoOtherOp}, TypeInsert, nil},
		{"update after delete", Operation{Type: TypeDelete, State: StateNoOtherOp}, TypeUpdate, common.ErrTupleDeleted},
		{"delete after delete", Operation{Type: TypeDelete, State: StateNoOtherOp}, TypeDelete, common.ErrTupleDeleted},
		{"anything after abort", Operation{Type: TypeUpdate, State: StateAlreadyAborted}, TypeUpdate, common.ErrMustBeAborted},
		{"insert over live row", Operation{Type: TypeInsert, State: StateNoOtherOp}, TypeInsert, common.ErrInconsistent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckWrite(&tt.head, tt.typ)
			if tt.isErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.isErr)
		})
	}
}

func TestVisibilityInsertUpdateUpdate(t *testing.T) {
	a := NewArena(8)
	head := NoHead()
	head, _ = push(t, a, head, TypeInsert, 1, 0)
	head, u1 := push(t, a, head, TypeUpdate, 2, 32)
	head, u2 := push(t, a, head, TypeUpdate, 3, 64)

	chain, err := a.Chain(head)
	require.NoError(t, err)

	_, err = ResolveCommitted(chain)
	require.ErrorIs(t, err, common.ErrTupleDeleted)

	src, err := ResolveSavepoint(chain, 2)
	require.NoError(t, err)
	assert.Equal(t, u1.Copy, src)

	src, err = ResolveSavepoint(chain, 3)
	require.NoError(t, err)
	assert.Equal(t, u2.Copy, src)

	src, err = ResolveSavepoint(chain, 4)
	require.NoError(t, err)
	assert.True(t, src.IsNone())

	_, err = ResolveSavepoint(chain, 1)
	require.ErrorIs(t, err, common.ErrTupleDeleted)

	src, err = ResolveLatest(chain)
	require.NoError(t, err)
	assert.True(t, src.IsNone())
}

func TestVisibilityAroundDelete(t *testing.T) {
	a := NewArena(8)
	head := NoHead()
	head, u := push(t, a, head, TypeUpdate, 1, 32)
	head, _ = push(t, a, head, TypeDelete, 2, 0)

	chain, err := a.Chain(head)
	require.NoError(t, err)

	src, err := ResolveCommitted(chain)
	require.NoError(t, err)
	assert.Equal(t, u.Copy, src)

	_, err = ResolveSavepoint(chain, 3)
	require.ErrorIs(t, err, common.ErrTupleDeleted)

	src, err = ResolveSavepoint(chain, 2)
	require.NoError(t, err)
	assert.True(t, src.IsNone())

	_, err = ResolveLatest(chain)
	require.ErrorIs(t, err, common.ErrTupleDeleted)

	head, ins := push(t, a, head, TypeInsert, 3, 96)
	chain, err = a.Chain(head)
	require.NoError(t, err)

	src, err = ResolveSavepoint(chain, 2)
	require.NoError(t, err)
	assert.Equal(t, ins.Copy, src)
}

func TestVisibilitySoleDelete(t *testing.T) {
	a := NewArena(4)
	head, _ := push(t, a, NoHead(), TypeDelete, 1, 0)
	chain, err := a.Chain(head)
	require.NoError(t, err)

	src, err := ResolveSavepoint(chain, 5)
	require.NoError(t, err)
	assert.True(t, src.IsNone())

	src, err = ResolveCommitted(chain)
	require.NoError(t, err)
	assert.True(t, src.IsNone())
}

func TestOldestDeleteReadsThroughReinsert(t *testing.T) {
	a := NewArena(4)
	head, _ := push(t, a, NoHead(), TypeDelete, 1, 0)
	head, ins := push(t, a, head, TypeInsert, 3, 64)
	chain, err := a.Chain(head)
	require.NoError(t, err)

	src, err := ResolveSavepoint(chain, 2)
	require.NoError(t, err)
	assert.Equal(t, ins.Copy, src)

	src, err = ResolveSavepoint(chain, 4)
	require.NoError(t, err)
	assert.True(t, src.IsNone())
}

func TestCommittedIgnoresAbortedTail(t *testing.T) {
	a := NewArena(4)
	head, _ := push(t, a, NoHead(), TypeInsert, 2, 32)
	chain, err := a.Chain(head)
	require.NoError(t, err)
	chain[0].State = StateAlreadyAborted
	chain[0].Copy = optional.None[common.RowAddr]()

	src, err := ResolveCommitted(chain)
	require.NoError(t, err)
	assert.True(t, src.IsNone())
}
