package fragment

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
	"github.com/Blackdeer1524/TupleStore/src/storage/page"
)

// AllocSlot hands out a tuple slot. The hint page is tried first; it is
// the page the coordinator expects the row on.
func (f *Fragment) AllocSlot(
	hint optional.Optional[common.LogicalPageID],
) (common.RowAddr, []uint32, error) {
	if l, ok := hint.Get(); ok {
		if r, mapped := f.ranges.lookup(l); mapped {
			if f.pool.Get(r).State() == page.StateTupleFree {
				return f.allocOn(r, "tuple")
			}
		}
	}

	r, err := f.pageWithSpace(&f.freeTuplePages, page.StateTupleFree)
	if err != nil {
		return common.RowAddr{}, nil, err
	}
	return f.allocOn(r, "tuple")
}

// AllocCopySlot hands out a before-image slot.
func (f *Fragment) AllocCopySlot() (common.RowAddr, []uint32, error) {
	if f.freeCopyPages.head == common.NilRealPage && f.copyPages >= f.cfg.MaxCopyPages {
		metrics.SlotEvents.WithLabelValues("copy_exhausted").Inc()
		return common.RowAddr{}, nil, errors.Wrapf(
			common.ErrNoFreeCopyPage,
			"%v holds %d copy pages",
			f.Key,
			f.copyPages,
		)
	}

	r, err := f.pageWithSpace(&f.freeCopyPages, page.StateCopyFree)
	if err != nil {
		return common.RowAddr{}, nil, err
	}
	return f.allocOn(r, "copy")
}

func (f *Fragment) pageWithSpace(list *pageList, st page.State) (common.RealPageID, error) {
	if list.head != common.NilRealPage {
		return list.head, nil
	}

	l, pg, err := f.takeEmptyPage()
	if err != nil {
		return common.NilRealPage, err
	}
	r, _ := f.ranges.lookup(l)

	if err := f.logHeader(pg); err != nil {
		f.reserve = append([]common.LogicalPageID{l}, f.reserve...)
		return common.NilRealPage, err
	}
	pg.FormatSlots(f.Layout.TupheadSize, st)
	if st.IsCopy() {
		f.copyPages++
	}
	if err := f.pushPage(list, r); err != nil {
		return common.NilRealPage, err
	}
	return r, nil
}

func (f *Fragment) allocOn(r common.RealPageID, kind string) (common.RowAddr, []uint32, error) {
	pg := f.pool.Get(r)
	head := pg.FreeHead()
	off, ok := head.Get()
	if !ok {
		return common.RowAddr{}, nil, common.Inconsistent(
			"fragment.allocOn", "%v: page %d is listed with space but full", f.Key, pg.LogicalID(),
		)
	}

	addr := common.RowAddr{Page: pg.LogicalID(), Offset: off}
	if err := f.logHeader(pg); err != nil {
		return common.RowAddr{}, nil, err
	}
	if err := f.LogSlot(common.UndoUpdate, addr); err != nil {
		return common.RowAddr{}, nil, err
	}

	if _, err := pg.AllocSlot(); err != nil {
		return common.RowAddr{}, nil, err
	}
	if pg.FreeCount() == 0 {
		if err := f.movePage(r, pg.State().Full()); err != nil {
			return common.RowAddr{}, nil, err
		}
	}

	metrics.SlotEvents.WithLabelValues(kind + "_alloc").Inc()
	return addr, pg.Slot(off), nil
}

// FreeSlot returns a tuple or copy slot to its page. A copy page that
// becomes empty goes back to the reserve.
func (f *Fragment) FreeSlot(addr common.RowAddr) error {
	r, ok := f.ranges.lookup(addr.Page)
	if !ok {
		return common.Inconsistent("fragment.FreeSlot", "%v: no logical page %d", f.Key, addr.Page)
	}
	pg := f.pool.Get(r)
	st := pg.State()
	if !st.IsTuple() && !st.IsCopy() {
		return common.Inconsistent("fragment.FreeSlot", "%v: page %d is %v", f.Key, addr.Page, st)
	}
	if !pg.IsSlotOffset(addr.Offset) || pg.IsSlotFree(addr.Offset) {
		return common.Inconsistent("fragment.FreeSlot", "%v: %v is not an occupied slot", f.Key, addr)
	}

	if err := f.logHeader(pg); err != nil {
		return err
	}
	if err := f.LogSlot(common.UndoDelete, addr); err != nil {
		return err
	}
	if err := pg.FreeSlot(addr.Offset); err != nil {
		return err
	}

	if st.IsCopy() {
		metrics.SlotEvents.WithLabelValues("copy_free").Inc()
	} else {
		metrics.SlotEvents.WithLabelValues("tuple_free").Inc()
	}

	if st == page.StateTupleFull || st == page.StateCopyFull {
		if err := f.movePage(r, st.WithSpace()); err != nil {
			return err
		}
	}
	if st.IsCopy() && pg.FreeCount() == pg.SlotCount() {
		return f.releaseCopyPage(r)
	}
	return nil
}

func (f *Fragment) releaseCopyPage(r common.RealPageID) error {
	pg := f.pool.Get(r)
	if err := f.removePage(f.listFor(pg.State()), r); err != nil {
		return err
	}
	pg.SetState(page.StateEmpty)
	f.copyPages--
	f.reserve = append(f.reserve, pg.LogicalID())
	return nil
}
