package operation

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
)

// Source names the slot a reader should see: a copy slot, or the
// original row when empty.
type Source = optional.Optional[common.RowAddr]

func original() Source {
	return optional.None[common.RowAddr]()
}

// CheckWrite decides whether a new operation of type t may join a chain
// whose newest operation is head.
func CheckWrite(head *Operation, t Type) error {
	if head.State == StateAlreadyAborted {
		return errors.Wrapf(common.ErrMustBeAborted, "%v", head)
	}
	if head.Type == TypeDelete && t != TypeInsert {
		return errors.Wrapf(common.ErrTupleDeleted, "%v", head)
	}
	if head.Type != TypeDelete && t == TypeInsert {
		return common.Inconsistent("operation.CheckWrite", "insert over live row owned by %v", head)
	}
	return nil
}

// nearestCopy scans chain[from] towards the head and returns the first copy
// it finds.
func nearestCopy(chain []*Operation, from int) Source {
	for i := from; i >= 0; i-- {
		if chain[i].HasCopy() {
			return chain[i].Copy
		}
	}
	return original()
}

// Live drops operations whose effect an abort has already reverted.
func Live(chain []*Operation) []*Operation {
	res := make([]*Operation, 0, len(chain))
	for _, op := range chain {
		if op.State != StateAlreadyAborted {
			res = append(res, op)
		}
	}
	return res
}

// ResolveCommitted returns the slot holding the row as it was before the
// transaction touched it. chain is newest first.
func ResolveCommitted(chain []*Operation) (Source, error) {
	live := Live(chain)
	if len(live) == 0 {
		return original(), nil
	}
	tail := live[len(live)-1]
	if tail.Type == TypeInsert && !tail.HasCopy() {
		return original(), errors.Wrapf(common.ErrTupleDeleted, "row inserted by %v", tail)
	}
	return nearestCopy(live, len(live)-1), nil
}

// ResolveSavepoint returns the slot holding the row as the transaction saw
// it when savepoint sp was taken: the state left by the newest operation
// issued before sp.
func ResolveSavepoint(chain []*Operation, sp common.SavepointID) (Source, error) {
	for i, op := range chain {
		if op.Savepoint >= sp || op.State == StateAlreadyAborted {
			continue
		}

		if op.Type == TypeDelete {
			// Only the oldest delete reads through to the pre-transaction
			// row, which a later reinsert may have saved to its copy.
			if i == len(chain)-1 {
				return nearestCopy(chain, i-1), nil
			}
			return original(), errors.Wrapf(common.ErrTupleDeleted, "deleted by %v", op)
		}
		// The before-image of the next newer writer is the state op left.
		return nearestCopy(chain, i-1), nil
	}
	return ResolveCommitted(chain)
}

// ResolveLatest returns what the owning transaction sees now.
func ResolveLatest(chain []*Operation) (Source, error) {
	if len(chain) == 0 {
		return original(), nil
	}
	head := chain[0]
	if head.State == StateAlreadyAborted {
		return original(), errors.Wrapf(common.ErrMustBeAborted, "%v", head)
	}
	if head.Type == TypeDelete {
		return original(), errors.Wrapf(common.ErrTupleDeleted, "deleted by %v", head)
	}
	return original(), nil
}
