package operation

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
)

type Type uint8

const (
	TypeRead Type = iota + 1
	TypeInsert
	TypeUpdate
	TypeDelete
)

func (t Type) String() string {
	switch t {
	case TypeRead:
		return "read"
	case TypeInsert:
		return "insert"
	case TypeUpdate:
		return "update"
	case TypeDelete:
		return "delete"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

type State uint8

const (
	// StateBlocked is the state of an operation between allocation and the
	// moment its mutation is fully applied.
	StateBlocked State = iota + 1
	StateNoOtherOp
	StateToBeCommitted
	StateAlreadyAborted
)

func (s State) String() string {
	switch s {
	case StateBlocked:
		return "blocked"
	case StateNoOtherOp:
		return "no-other-op"
	case StateToBeCommitted:
		return "to-be-committed"
	case StateAlreadyAborted:
		return "already-aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Operation is one pending mutation or read of a row.
type Operation struct {
	ID        common.OperationID
	Frag      common.FragmentKey
	Txn       common.TxnID
	Savepoint common.SavepointID
	Type      Type
	State     State

	// Row is the original slot; Copy is the before-image this operation
	// produced, if any.
	Row     common.RowAddr
	Copy    optional.Optional[common.RowAddr]
	Version uint16

	// ChangeMask holds the attributes an update wrote.
	ChangeMask *roaring.Bitmap

	// newer is prevActiveOp, older is nextActiveOp. The head has no newer
	// operation.
	newer optional.Optional[common.OperationID]
	older optional.Optional[common.OperationID]
	inUse bool
	link  bool
}

func (op *Operation) HasCopy() bool {
	return op.Copy.IsSome()
}

// IsLinked reports whether the operation still sits in a row's chain.
func (op *Operation) IsLinked() bool {
	return op.link
}

func (op *Operation) Newer() optional.Optional[common.OperationID] {
	return op.newer
}

func (op *Operation) Older() optional.Optional[common.OperationID] {
	return op.older
}

func (op *Operation) String() string {
	return fmt.Sprintf(
		"op %d (%v %v, txn %d, sp %d, row %v)",
		op.ID, op.Type, op.State, op.Txn, op.Savepoint, op.Row,
	)
}

func (op *Operation) reset(id common.OperationID) {
	*op = Operation{
		ID:    id,
		State: StateBlocked,
		newer: optional.None[common.OperationID](),
		older: optional.None[common.OperationID](),
		Copy:  optional.None[common.RowAddr](),
		inUse: true,
	}
}
