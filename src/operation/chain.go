package operation

import (
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
)

// Head is the chain anchor kept in a row's header word: either the newest
// operation or nothing.
type Head = optional.Optional[common.OperationID]

func NoHead() Head {
	return optional.None[common.OperationID]()
}

// Link makes op the newest operation of the chain and returns the new head.
func (a *Arena) Link(head Head, op *Operation) (Head, error) {
	if op.link {
		return head, common.Inconsistent("operation.Link", "%v is already linked", op)
	}

	if id, ok := head.Get(); ok {
		cur, err := a.Get(id)
		if err != nil {
			return head, err
		}
		if cur.newer.IsSome() {
			return head, common.Inconsistent("operation.Link", "chain head %v has a newer operation", cur)
		}
		if cur.Row != op.Row || cur.Frag != op.Frag {
			return head, common.Inconsistent("operation.Link", "%v joins chain of another row %v", op, cur)
		}
		cur.newer = optional.Some(op.ID)
	}

	op.older = head
	op.newer = NoHead()
	op.link = true
	return optional.Some(op.ID), nil
}

// Unlink removes op from anywhere in the chain and returns the new head.
func (a *Arena) Unlink(head Head, op *Operation) (Head, error) {
	if !op.link {
		return head, common.Inconsistent("operation.Unlink", "%v is not linked", op)
	}

	if id, ok := op.newer.Get(); ok {
		newer, err := a.Get(id)
		if err != nil {
			return head, err
		}
		if older, _ := newer.older.Get(); newer.older.IsNone() || older != op.ID {
			return head, common.Inconsistent("operation.Unlink", "%v does not point back to %v", newer, op)
		}
		newer.older = op.older
	} else {
		if cur, ok := head.Get(); !ok || cur != op.ID {
			return head, common.Inconsistent("operation.Unlink", "%v has no newer operation but is not the head", op)
		}
		head = op.older
	}

	if id, ok := op.older.Get(); ok {
		older, err := a.Get(id)
		if err != nil {
			return head, err
		}
		older.newer = op.newer
	}

	op.newer = NoHead()
	op.older = NoHead()
	op.link = false
	return head, nil
}

// Detach drops op from its chain without fixing up neighbours. It is only
// valid when the whole chain is being dissolved.
func (a *Arena) Detach(op *Operation) {
	op.newer = NoHead()
	op.older = NoHead()
	op.link = false
}

// Chain lists the operations from newest to oldest. A loop or a broken
// back link is a structural failure.
func (a *Arena) Chain(head Head) ([]*Operation, error) {
	var (
		res  []*Operation
		prev optional.Optional[common.OperationID]
	)
	cur := head
	for {
		id, ok := cur.Get()
		if !ok {
			return res, nil
		}
		if len(res) >= len(a.ops) {
			return nil, common.Inconsistent("operation.Chain", "cycle through operation %d", id)
		}

		op, err := a.Get(id)
		if err != nil {
			return nil, err
		}
		if !op.link {
			return nil, common.Inconsistent("operation.Chain", "%v reached but not linked", op)
		}
		if op.newer != prev {
			return nil, common.Inconsistent("operation.Chain", "%v has a broken newer link", op)
		}
		if len(res) > 0 && (op.Row != res[0].Row || op.Frag != res[0].Frag) {
			return nil, common.Inconsistent("operation.Chain", "%v mixed into chain of %v", op, res[0])
		}

		res = append(res, op)
		prev = cur
		cur = op.older
	}
}
