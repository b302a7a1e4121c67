package pagepool

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/page"
)

// Pool is the common pool every fragment draws its pages from. Physical
// pages are materialized lazily on first use and recycled afterwards.
type Pool struct {
	pages      []*page.Page
	emptyPages []common.RealPageID

	log common.Logger
}

func New(capacity int, log common.Logger) *Pool {
	assert.Assert(capacity > 0, "pool size must be greater than zero")

	emptyPages := make([]common.RealPageID, capacity)
	for i := range capacity {
		emptyPages[i] = common.RealPageID(i)
	}

	return &Pool{
		pages:      make([]*page.Page, capacity),
		emptyPages: emptyPages,
		log:        log,
	}
}

func (p *Pool) Capacity() int {
	return len(p.pages)
}

func (p *Pool) FreeCount() int {
	return len(p.emptyPages)
}

// Alloc takes one page out of the pool. The page comes back in state
// free-in-pool; the caller assigns it to a fragment.
func (p *Pool) Alloc() (common.RealPageID, error) {
	if len(p.emptyPages) == 0 {
		metrics.PagePoolEvents.WithLabelValues("exhausted").Inc()
		return common.NilRealPage, errors.Wrap(common.ErrNoFreePage, "common pool")
	}

	id := p.emptyPages[0]
	p.emptyPages = p.emptyPages[1:]
	if p.pages[id] == nil {
		p.pages[id] = page.New()
	}
	metrics.PagePoolEvents.WithLabelValues("alloc").Inc()
	return id, nil
}

// AllocChunk takes up to want pages. It fails only when not even one page is
// available.
func (p *Pool) AllocChunk(want int) ([]common.RealPageID, error) {
	assert.Assert(want > 0, "chunk of %d pages", want)

	res := make([]common.RealPageID, 0, want)
	for range want {
		id, err := p.Alloc()
		if err != nil {
			if len(res) > 0 {
				break
			}
			return nil, err
		}
		res = append(res, id)
	}
	return res, nil
}

func (p *Pool) Free(id common.RealPageID) {
	pg := p.Get(id)
	assert.Assert(pg.State() != page.StateFreeInPool, "page %d returned to pool twice", id)

	pg.Reset()
	p.emptyPages = append(p.emptyPages, id)
	metrics.PagePoolEvents.WithLabelValues("free").Inc()
}

func (p *Pool) Get(id common.RealPageID) *page.Page {
	assert.InBounds(int(id), len(p.pages), "real page id")
	pg := p.pages[id]
	assert.Assert(pg != nil, "page %d was never allocated", id)
	return pg
}
