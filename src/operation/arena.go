package operation

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// Arena is the fixed pool of operation records. Ids are stable indexes
// into it, which is what the tuple header stores.
type Arena struct {
	ops  []Operation
	free []common.OperationID
}

func NewArena(capacity int) *Arena {
	assert.Assert(capacity > 0, "operation arena must not be empty")

	free := make([]common.OperationID, capacity)
	for i := range capacity {
		// lowest ids first
		free[i] = common.OperationID(capacity - 1 - i)
	}
	return &Arena{
		ops:  make([]Operation, capacity),
		free: free,
	}
}

func (a *Arena) Capacity() int {
	return len(a.ops)
}

func (a *Arena) InUse() int {
	return len(a.ops) - len(a.free)
}

func (a *Arena) Allocate() (*Operation, error) {
	if len(a.free) == 0 {
		metrics.OperationEvents.WithLabelValues("exhausted").Inc()
		return nil, errors.Wrapf(common.ErrNoFreeOperation, "%d records in use", len(a.ops))
	}
	id := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	op := &a.ops[id]
	op.reset(id)
	metrics.OperationEvents.WithLabelValues("alloc").Inc()
	return op, nil
}

// Release returns a record to the pool. It must be out of every chain.
func (a *Arena) Release(op *Operation) {
	assert.Assert(op.inUse, "operation %d released twice", op.ID)
	assert.Assert(!op.link, "operation %d released while linked", op.ID)
	op.inUse = false
	a.free = append(a.free, op.ID)
	metrics.OperationEvents.WithLabelValues("release").Inc()
}

// Get resolves an id handed out by Allocate.
func (a *Arena) Get(id common.OperationID) (*Operation, error) {
	if int(id) >= len(a.ops) || !a.ops[id].inUse {
		return nil, common.Inconsistent("operation.Get", "operation %d is not allocated", id)
	}
	return &a.ops[id], nil
}

// Live visits every allocated record.
func (a *Arena) Live(fn func(op *Operation) bool) {
	for i := range a.ops {
		if !a.ops[i].inUse {
			continue
		}
		if !fn(&a.ops[i]) {
			return
		}
	}
}
