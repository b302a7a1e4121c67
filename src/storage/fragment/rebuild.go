package fragment

import (
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
	"github.com/Blackdeer1524/TupleStore/src/storage/page"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

// InstallPage places a page image read from a data file under logical id
// l. Pages must be installed before Rebuild.
func (f *Fragment) InstallPage(l common.LogicalPageID, image []uint32) error {
	if _, ok := f.ranges.lookup(l); ok {
		return common.Inconsistent("fragment.InstallPage", "%v: page %d installed twice", f.Key, l)
	}
	r, err := f.pool.Alloc()
	if err != nil {
		return err
	}

	pg := f.pool.Get(r)
	pg.SetData(image)
	if pg.LogicalID() != l || pg.Owner() != f.Key {
		f.pool.Free(r)
		return common.Inconsistent(
			"fragment.InstallPage",
			"%v: image of page %d claims %v page %d",
			f.Key, l, pg.Owner(), pg.LogicalID(),
		)
	}
	f.ranges.add(l, r)
	if l >= f.noOfPages {
		f.noOfPages = l + 1
	}
	return nil
}

// ApplyUndo writes a before-image back. A restored header in state empty
// also wipes the page body, which is how freshly formatted pages return to
// their pre-checkpoint form.
func (f *Fragment) ApplyUndo(e common.UndoEntry) error {
	pg, ok := f.Page(e.Page)
	if !ok {
		// Pages past the data file did not exist at checkpoint start.
		return common.Inconsistent("fragment.ApplyUndo", "%v: no logical page %d", f.Key, e.Page)
	}
	if int(e.Offset)+len(e.Words) > common.PageWords {
		return common.Inconsistent(
			"fragment.ApplyUndo",
			"%v: %v record overruns page %d at %d+%d",
			f.Key, e.Kind, e.Page, e.Offset, len(e.Words),
		)
	}

	switch e.Kind {
	case common.UndoPageHeader:
		if e.Offset != 0 || len(e.Words) != common.PageHeaderSize {
			return common.Inconsistent("fragment.ApplyUndo", "%v: malformed page header record", f.Key)
		}
		copy(pg.Words(0, common.PageHeaderSize), e.Words)
		if pg.State() == page.StateEmpty {
			clear(pg.Words(common.PageHeaderSize, common.PageWords-common.PageHeaderSize))
		}
	case common.UndoDelete,
		common.UndoUpdate,
		common.UndoCommitCounter,
		common.UndoInsertAbort,
		common.UndoUpdateAbort:
		copy(pg.Words(e.Offset, len(e.Words)), e.Words)
	default:
		return common.Inconsistent("fragment.ApplyUndo", "%v: cannot apply %v record", f.Key, e.Kind)
	}
	return nil
}

// Rebuild derives the in-memory fragment state from installed pages. Copy
// pages, deleted rows and operation references do not survive a restart.
func (f *Fragment) Rebuild() error {
	f.reserve = nil
	f.freeTuplePages = newPageList()
	f.fullTuplePages = newPageList()
	f.freeCopyPages = newPageList()
	f.fullCopyPages = newPageList()
	f.copyPages = 0

	var (
		rows int
		err  error
	)
	for l := range f.noOfPages {
		r, ok := f.ranges.lookup(l)
		if !ok {
			return common.Inconsistent("fragment.Rebuild", "%v: logical page %d missing", f.Key, l)
		}
		pg := f.pool.Get(r)
		pg.SetNext(common.NilRealPage)
		pg.SetPrev(common.NilRealPage)

		switch st := pg.State(); {
		case st == page.StateEmpty:
			f.reserve = append(f.reserve, l)
		case st.IsCopy():
			pg.SetState(page.StateEmpty)
			f.reserve = append(f.reserve, l)
		case st.IsTuple():
			if pg.TupleSize() != f.Layout.TupheadSize {
				return common.Inconsistent(
					"fragment.Rebuild",
					"%v: page %d has tuple size %d, want %d",
					f.Key, l, pg.TupleSize(), f.Layout.TupheadSize,
				)
			}
			pg.Rethread(func(_ uint16, slot []uint32) bool {
				if tuple.IsCopy(slot) || tuple.IsDeleted(slot) {
					return false
				}
				tuple.SetOpRef(slot, optional.None[common.OperationID]())
				rows++
				return true
			})
			err = f.pushPage(f.listFor(pg.State()), r)
		default:
			return common.Inconsistent("fragment.Rebuild", "%v: page %d is %v", f.Key, l, st)
		}
		if err != nil {
			return err
		}
	}

	f.log.Infow(
		"fragment rebuilt",
		"fragment", f.Key.String(),
		"pages", f.noOfPages,
		"rows", rows,
		"reserve", len(f.reserve),
	)
	return nil
}

func (f *Fragment) Rows() int {
	n := 0
	f.OccupiedRows(func(common.RowAddr, []uint32) bool {
		n++
		return true
	})
	return n
}
