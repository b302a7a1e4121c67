package fragment

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
	"github.com/Blackdeer1524/TupleStore/src/storage/page"
	"github.com/Blackdeer1524/TupleStore/src/storage/pagepool"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

type Config struct {
	// PagesPerChunk is how many pages a fragment takes from the common pool
	// whenever its empty-page reserve runs dry.
	PagesPerChunk int
	// MaxCopyPages bounds the before-image pool of one fragment.
	MaxCopyPages int
}

func DefaultConfig() Config {
	return Config{
		PagesPerChunk: 4,
		MaxCopyPages:  8,
	}
}

// pageList is a doubly linked list threaded through page header links.
type pageList struct {
	head  common.RealPageID
	count int
}

func newPageList() pageList {
	return pageList{head: common.NilRealPage}
}

// checkpointWindow is the still-fuzzy page range of an active checkpoint:
// [minNotWritten, maxWritten) have not been written to the data file yet.
type checkpointWindow struct {
	version       uint32
	sink          common.UndoSink
	minNotWritten common.LogicalPageID
	maxWritten    common.LogicalPageID

	// A page header needs only its first before-image per checkpoint.
	headerLogged *roaring.Bitmap
}

type Fragment struct {
	Key    common.FragmentKey
	Layout *tuple.Layout

	pool   *pagepool.Pool
	ranges *rangeMap
	cfg    Config

	noOfPages common.LogicalPageID
	reserve   []common.LogicalPageID

	freeTuplePages pageList
	fullTuplePages pageList
	freeCopyPages  pageList
	fullCopyPages  pageList
	copyPages      int

	checkpoint *checkpointWindow

	log common.Logger
}

func New(
	key common.FragmentKey,
	layout *tuple.Layout,
	pool *pagepool.Pool,
	cfg Config,
	log common.Logger,
) *Fragment {
	assert.Assert(cfg.PagesPerChunk > 0, "fragment needs a positive chunk size")
	return &Fragment{
		Key:            key,
		Layout:         layout,
		pool:           pool,
		ranges:         newRangeMap(),
		cfg:            cfg,
		freeTuplePages: newPageList(),
		fullTuplePages: newPageList(),
		freeCopyPages:  newPageList(),
		fullCopyPages:  newPageList(),
		log:            log,
	}
}

func (f *Fragment) NumPages() common.LogicalPageID {
	return f.noOfPages
}

func (f *Fragment) CopyPages() int {
	return f.copyPages
}

func (f *Fragment) RealPage(l common.LogicalPageID) (common.RealPageID, bool) {
	return f.ranges.lookup(l)
}

func (f *Fragment) Page(l common.LogicalPageID) (*page.Page, bool) {
	r, ok := f.ranges.lookup(l)
	if !ok {
		return nil, false
	}
	return f.pool.Get(r), true
}

// Slot returns a writable view of an occupied slot.
func (f *Fragment) Slot(addr common.RowAddr) ([]uint32, error) {
	pg, ok := f.Page(addr.Page)
	if !ok {
		return nil, common.Inconsistent("fragment.Slot", "%v: no logical page %d", f.Key, addr.Page)
	}
	if !pg.IsSlotOffset(addr.Offset) || pg.IsSlotFree(addr.Offset) {
		return nil, common.Inconsistent("fragment.Slot", "%v: %v is not an occupied slot", f.Key, addr)
	}
	return pg.Slot(addr.Offset), nil
}

// Location resolves a row address to its physical slot.
func (f *Fragment) Location(addr common.RowAddr) (common.SlotLocation, bool) {
	r, ok := f.ranges.lookup(addr.Page)
	return common.SlotLocation{Page: r, Offset: addr.Offset}, ok
}

// grantPages moves a chunk of pages from the common pool into the reserve.
func (f *Fragment) grantPages() error {
	ids, err := f.pool.AllocChunk(f.cfg.PagesPerChunk)
	if err != nil {
		return err
	}

	for _, id := range ids {
		l := f.noOfPages
		f.noOfPages++
		f.ranges.add(l, id)
		f.pool.Get(id).Assign(f.Key, l)
		f.reserve = append(f.reserve, l)
	}
	f.log.Debugw(
		"pages granted",
		"fragment", f.Key.String(),
		"count", len(ids),
		"pages", f.noOfPages,
	)
	return nil
}

func (f *Fragment) takeEmptyPage() (common.LogicalPageID, *page.Page, error) {
	if len(f.reserve) == 0 {
		if err := f.grantPages(); err != nil {
			return common.NilLogicalPage, nil, err
		}
	}
	l := f.reserve[0]
	f.reserve = f.reserve[1:]
	pg, ok := f.Page(l)
	assert.Assert(ok, "reserved page %d is unmapped", l)
	assert.Assert(pg.State() == page.StateEmpty, "reserved page %d is %v", l, pg.State())
	return l, pg, nil
}

func (f *Fragment) listFor(st page.State) *pageList {
	switch st {
	case page.StateTupleFree:
		return &f.freeTuplePages
	case page.StateTupleFull:
		return &f.fullTuplePages
	case page.StateCopyFree:
		return &f.freeCopyPages
	case page.StateCopyFull:
		return &f.fullCopyPages
	}
	assert.Assert(false, "no page list for state %v", st)
	return nil
}

func (f *Fragment) realToPage(id common.RealPageID) optional.Optional[*page.Page] {
	if id == common.NilRealPage {
		return optional.None[*page.Page]()
	}
	return optional.Some(f.pool.Get(id))
}

func (f *Fragment) pushPage(list *pageList, id common.RealPageID) error {
	pg := f.pool.Get(id)
	if err := f.logHeader(pg); err != nil {
		return err
	}
	old := f.realToPage(list.head)
	if oldPage, ok := old.Get(); ok {
		if err := f.logHeader(oldPage); err != nil {
			return err
		}
		oldPage.SetPrev(id)
	}
	pg.SetNext(list.head)
	pg.SetPrev(common.NilRealPage)
	list.head = id
	list.count++
	return nil
}

func (f *Fragment) removePage(list *pageList, id common.RealPageID) error {
	pg := f.pool.Get(id)
	if err := f.logHeader(pg); err != nil {
		return err
	}

	next, prev := pg.Next(), pg.Prev()
	if prevPage, ok := f.realToPage(prev).Get(); ok {
		if prevPage.Next() != id {
			return common.Inconsistent("fragment.removePage", "%v: broken link %d -> %d", f.Key, prev, id)
		}
		if err := f.logHeader(prevPage); err != nil {
			return err
		}
		prevPage.SetNext(next)
	} else {
		if list.head != id {
			return common.Inconsistent("fragment.removePage", "%v: page %d is not the list head", f.Key, id)
		}
		list.head = next
	}
	if nextPage, ok := f.realToPage(next).Get(); ok {
		if nextPage.Prev() != id {
			return common.Inconsistent("fragment.removePage", "%v: broken link %d <- %d", f.Key, id, next)
		}
		if err := f.logHeader(nextPage); err != nil {
			return err
		}
		nextPage.SetPrev(prev)
	}

	pg.SetNext(common.NilRealPage)
	pg.SetPrev(common.NilRealPage)
	list.count--
	if list.count < 0 {
		return common.Inconsistent("fragment.removePage", "%v: negative list length", f.Key)
	}
	return nil
}

// movePage transfers a page between lists and records the state change in
// its header.
func (f *Fragment) movePage(id common.RealPageID, to page.State) error {
	pg := f.pool.Get(id)
	if err := f.removePage(f.listFor(pg.State()), id); err != nil {
		return err
	}
	pg.SetState(to)
	return f.pushPage(f.listFor(to), id)
}

// Drop returns every page to the common pool.
func (f *Fragment) Drop() {
	f.ranges.ascend(func(_ common.LogicalPageID, r common.RealPageID) bool {
		f.pool.Free(r)
		return true
	})
	f.log.Infow("fragment dropped", "fragment", f.Key.String(), "pages", f.noOfPages)

	f.ranges = newRangeMap()
	f.noOfPages = 0
	f.reserve = nil
	f.freeTuplePages = newPageList()
	f.fullTuplePages = newPageList()
	f.freeCopyPages = newPageList()
	f.fullCopyPages = newPageList()
	f.copyPages = 0
	f.checkpoint = nil
}

// OccupiedRows visits every live row (not a copy, not deleted) in logical
// page order.
func (f *Fragment) OccupiedRows(fn func(addr common.RowAddr, slot []uint32) bool) {
	f.ranges.ascend(func(l common.LogicalPageID, r common.RealPageID) bool {
		pg := f.pool.Get(r)
		if !pg.State().IsTuple() {
			return true
		}
		for _, off := range pg.SlotOffsets() {
			if pg.IsSlotFree(off) {
				continue
			}
			slot := pg.Slot(off)
			if tuple.IsDeleted(slot) {
				continue
			}
			if !fn(common.RowAddr{Page: l, Offset: off}, slot) {
				return false
			}
		}
		return true
	})
}

// Preallocate grows the empty-page reserve to at least n pages.
func (f *Fragment) Preallocate(n int) error {
	for len(f.reserve) < n {
		if err := f.grantPages(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fragment) Reserve() int {
	return len(f.reserve)
}
