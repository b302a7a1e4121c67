package workload

import (
	"fmt"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

type OpType int

const (
	OpBegin OpType = iota
	OpInsert
	OpUpdate
	OpDelete
	OpRead
	OpCommit
	OpAbort
)

func (t OpType) String() string {
	switch t {
	case OpBegin:
		return "begin"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	case OpCommit:
		return "commit"
	case OpAbort:
		return "abort"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

// Operation is one step of one transaction. Key is the user key of the
// row; Value and Note are only meaningful for writes.
type Operation struct {
	Type      OpType
	TxnID     common.TxnID
	Savepoint common.SavepointID
	Key       uint32
	Value     uint64
	// Note is written as null when NoteNull is set.
	Note     string
	NoteNull bool
}

func (op Operation) String() string {
	switch op.Type {
	case OpBegin, OpCommit, OpAbort:
		return fmt.Sprintf("%v(txn=%d)", op.Type, op.TxnID)
	case OpInsert, OpUpdate:
		return fmt.Sprintf(
			"%v(txn=%d, sp=%d, key=%d, value=%d)",
			op.Type, op.TxnID, op.Savepoint, op.Key, op.Value,
		)
	default:
		return fmt.Sprintf("%v(txn=%d, sp=%d, key=%d)", op.Type, op.TxnID, op.Savepoint, op.Key)
	}
}

type OpResult struct {
	Op      Operation
	Success bool
	ErrText string
}
