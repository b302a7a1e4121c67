package fragment

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/page"
)

// BeginCheckpoint opens the fuzzy window over every page the fragment owns
// right now. It returns the number of pages the data file will hold.
func (f *Fragment) BeginCheckpoint(sink common.UndoSink, version uint32) common.LogicalPageID {
	assert.Assert(f.checkpoint == nil, "%v: checkpoint already active", f.Key)
	f.checkpoint = &checkpointWindow{
		version:       version,
		sink:          sink,
		minNotWritten: 0,
		maxWritten:    f.noOfPages,
		headerLogged:  roaring.New(),
	}
	f.log.Debugw(
		"checkpoint window opened",
		"fragment", f.Key.String(),
		"version", version,
		"pages", f.noOfPages,
	)
	return f.noOfPages
}

// PageWritten moves the window past page l once its image is in the data
// file.
func (f *Fragment) PageWritten(l common.LogicalPageID) {
	w := f.checkpoint
	assert.Assert(w != nil, "%v: no active checkpoint", f.Key)
	assert.Assert(l == w.minNotWritten, "%v: page %d written out of order, expected %d", f.Key, l, w.minNotWritten)
	w.minNotWritten = l + 1
}

func (f *Fragment) EndCheckpoint() {
	if f.checkpoint == nil {
		return
	}
	f.log.Debugw(
		"checkpoint window closed",
		"fragment", f.Key.String(),
		"version", f.checkpoint.version,
		"headers", f.checkpoint.headerLogged.GetCardinality(),
	)
	f.checkpoint = nil
}

func (f *Fragment) CheckpointActive() bool {
	return f.checkpoint != nil
}

// UndoRequired reports whether a change to page l must be logged first.
func (f *Fragment) UndoRequired(l common.LogicalPageID) bool {
	w := f.checkpoint
	return w != nil && l >= w.minNotWritten && l < w.maxWritten
}

func (f *Fragment) append(kind common.UndoKind, l common.LogicalPageID, off uint16, words []uint32) error {
	_, err := f.checkpoint.sink.AppendUndo(common.UndoEntry{
		Kind:   kind,
		Frag:   f.Key,
		Page:   l,
		Offset: off,
		Words:  words,
	})
	return err
}

func (f *Fragment) logHeader(pg *page.Page) error {
	l := pg.LogicalID()
	if !f.UndoRequired(l) || f.checkpoint.headerLogged.Contains(uint32(l)) {
		return nil
	}
	if err := f.append(common.UndoPageHeader, l, 0, pg.Header()); err != nil {
		return err
	}
	f.checkpoint.headerLogged.Add(uint32(l))
	return nil
}

// LogSlot records the whole slot at addr.
func (f *Fragment) LogSlot(kind common.UndoKind, addr common.RowAddr) error {
	if !f.UndoRequired(addr.Page) {
		return nil
	}
	pg, ok := f.Page(addr.Page)
	if !ok {
		return common.Inconsistent("fragment.LogSlot", "%v: no logical page %d", f.Key, addr.Page)
	}
	return f.LogWords(kind, addr, 0, int(pg.TupleSize()))
}

// LogWords records n words of the slot at addr starting at word off.
func (f *Fragment) LogWords(kind common.UndoKind, addr common.RowAddr, off uint16, n int) error {
	if !f.UndoRequired(addr.Page) {
		return nil
	}
	pg, ok := f.Page(addr.Page)
	if !ok {
		return common.Inconsistent("fragment.LogWords", "%v: no logical page %d", f.Key, addr.Page)
	}
	words := make([]uint32, n)
	copy(words, pg.Words(addr.Offset+off, n))
	return f.append(kind, addr.Page, addr.Offset+off, words)
}

// LogImage records an explicit image to be written back at addr on
// restore. It is how abort markers of in-flight operations are logged.
func (f *Fragment) LogImage(kind common.UndoKind, addr common.RowAddr, image []uint32) error {
	if !f.UndoRequired(addr.Page) {
		return nil
	}
	words := make([]uint32, len(image))
	copy(words, image)
	return f.append(kind, addr.Page, addr.Offset, words)
}

// PageImage copies page l for the data file.
func (f *Fragment) PageImage(l common.LogicalPageID) ([]uint32, bool) {
	pg, ok := f.Page(l)
	if !ok {
		return nil, false
	}
	img := make([]uint32, common.PageWords)
	copy(img, pg.Data())
	return img, true
}
