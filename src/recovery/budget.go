package recovery

import (
	"sync"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// Budget is the process-wide count of UNDO log pages that may still be
// written. Every stream draws from the same budget.
type Budget struct {
	mu sync.Mutex

	total    int
	free     int
	lowWater int
	// held pages are kept back for operations that must still be able to
	// commit or abort. Only the stream holding them may write into them.
	held int
	// below is set once free drops to lowWater and cleared when pages are
	// given back above it.
	below bool

	log common.Logger
}

func NewBudget(total, lowWater int, log common.Logger) *Budget {
	assert.Assert(total > 0, "undo budget must be positive")
	assert.Assert(lowWater >= 0 && lowWater <= total, "low water %d outside [0, %d]", lowWater, total)

	metrics.UndoFreePages.Set(float64(total))
	return &Budget{
		total:    total,
		free:     total,
		lowWater: lowWater,
		log:      log,
	}
}

func (b *Budget) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free
}

func (b *Budget) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held
}

// Backpressure reports whether writers should slow down.
func (b *Budget) Backpressure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.below
}

// Take consumes one page. own is what the caller itself holds; pages held
// by others are out of reach.
func (b *Budget) Take(own int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.free-(b.held-own) <= 0 {
		return errors.Wrapf(common.ErrUndoLogFull, "%d of %d pages free, %d held", b.free, b.total, b.held)
	}
	b.free--
	metrics.UndoFreePages.Set(float64(b.free))

	if b.free <= b.lowWater && !b.below {
		b.below = true
		metrics.UndoBackpressure.Inc()
		b.log.Warnw("undo budget below low water", "free", b.free, "low_water", b.lowWater)
	}
	return nil
}

// Reserve fails when fewer than n pages remain outside the held ones.
func (b *Budget) Reserve(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.free-b.held < n {
		return errors.Wrapf(common.ErrUndoLogFull, "%d pages free, %d held, %d needed", b.free, b.held, n)
	}
	return nil
}

// Hold changes the held pages by delta. A growing hold, or one that comes
// with need pages of immediate writes, fails unless both fit outside the
// pages already held.
func (b *Budget) Hold(delta, need int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if (delta > 0 || need > 0) && b.free-b.held-delta < need {
		return errors.Wrapf(
			common.ErrUndoLogFull,
			"%d pages free, %d held, %d more to hold and %d needed",
			b.free, b.held, delta, need,
		)
	}
	b.held += delta
	assert.Assert(b.held >= 0, "negative undo hold %d", b.held)
	return nil
}

// Unhold gives back n held pages.
func (b *Budget) Unhold(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.held -= n
	assert.Assert(b.held >= 0, "negative undo hold %d", b.held)
}

// Give returns pages of a discarded log.
func (b *Budget) Give(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.free += n
	assert.Assert(b.free <= b.total, "undo budget overflow: %d > %d", b.free, b.total)
	metrics.UndoFreePages.Set(float64(b.free))

	if b.below && b.free > b.lowWater {
		b.below = false
		b.log.Infow("undo budget recovered", "free", b.free)
	}
}
