package page

import (
	"fmt"

	assert "github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// Header layout. Words past hdrOwnerFrag up to PageHeaderSize are reserved
// and kept zero.
const (
	hdrState = iota
	hdrNext
	hdrPrev
	hdrLogicalID
	hdrFreeCursor
	hdrFreeCount
	hdrTupleSize
	hdrOwnerTable
	hdrOwnerFrag
)

type State uint32

// Zero is deliberately not a state: a zeroed header is a corrupted header.
const (
	StateFreeInPool State = iota + 1
	StateEmpty
	StateTupleFree
	StateTupleFull
	StateCopyFree
	StateCopyFull
)

func (s State) String() string {
	switch s {
	case StateFreeInPool:
		return "free-in-pool"
	case StateEmpty:
		return "empty"
	case StateTupleFree:
		return "tuple-free"
	case StateTupleFull:
		return "tuple-full"
	case StateCopyFree:
		return "copy-free"
	case StateCopyFull:
		return "copy-full"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

func (s State) IsCopy() bool {
	return s == StateCopyFree || s == StateCopyFull
}

func (s State) IsTuple() bool {
	return s == StateTupleFree || s == StateTupleFull
}

// Full is the state a page moves to once its free list runs dry.
func (s State) Full() State {
	switch s {
	case StateTupleFree, StateTupleFull:
		return StateTupleFull
	case StateCopyFree, StateCopyFull:
		return StateCopyFull
	}
	assert.Assert(false, "page state %v has no full variant", s)
	panic("unreachable")
}

// WithSpace is the state a full page moves back to after a free.
func (s State) WithSpace() State {
	switch s {
	case StateTupleFree, StateTupleFull:
		return StateTupleFree
	case StateCopyFree, StateCopyFull:
		return StateCopyFree
	}
	assert.Assert(false, "page state %v has no free variant", s)
	panic("unreachable")
}

type Page struct {
	words [common.PageWords]uint32
}

func New() *Page {
	p := &Page{}
	p.Reset()
	return p
}

// Reset wipes the page and marks it as belonging to the common pool.
func (p *Page) Reset() {
	clear(p.words[:])
	p.words[hdrState] = uint32(StateFreeInPool)
	p.words[hdrNext] = uint32(common.NilRealPage)
	p.words[hdrPrev] = uint32(common.NilRealPage)
	p.words[hdrLogicalID] = uint32(common.NilLogicalPage)
}

func (p *Page) Word(i uint16) uint32 {
	assert.InBounds(int(i), common.PageWords, "page word")
	return p.words[i]
}

func (p *Page) SetWord(i uint16, v uint32) {
	assert.InBounds(int(i), common.PageWords, "page word")
	p.words[i] = v
}

// Words returns a view of n words starting at off. Writes through the view
// modify the page.
func (p *Page) Words(off uint16, n int) []uint32 {
	assert.Assert(
		int(off)+n <= common.PageWords,
		"word range [%d, %d) exceeds page",
		off,
		int(off)+n,
	)
	return p.words[int(off) : int(off)+n]
}

func (p *Page) State() State {
	return State(p.words[hdrState])
}

func (p *Page) SetState(s State) {
	p.words[hdrState] = uint32(s)
}

func (p *Page) Next() common.RealPageID {
	return common.RealPageID(p.words[hdrNext])
}

func (p *Page) SetNext(id common.RealPageID) {
	p.words[hdrNext] = uint32(id)
}

func (p *Page) Prev() common.RealPageID {
	return common.RealPageID(p.words[hdrPrev])
}

func (p *Page) SetPrev(id common.RealPageID) {
	p.words[hdrPrev] = uint32(id)
}

func (p *Page) LogicalID() common.LogicalPageID {
	return common.LogicalPageID(p.words[hdrLogicalID])
}

func (p *Page) Owner() common.FragmentKey {
	return common.FragmentKey{
		Table: common.TableID(p.words[hdrOwnerTable]),
		Frag:  common.FragID(p.words[hdrOwnerFrag]),
	}
}

// Assign hands an empty page to a fragment under the given logical id.
func (p *Page) Assign(owner common.FragmentKey, logical common.LogicalPageID) {
	p.words[hdrState] = uint32(StateEmpty)
	p.words[hdrLogicalID] = uint32(logical)
	p.words[hdrOwnerTable] = uint32(owner.Table)
	p.words[hdrOwnerFrag] = uint32(owner.Frag)
}

// Header returns a copy of the header words, the unit of page-header UNDO.
func (p *Page) Header() []uint32 {
	h := make([]uint32, common.PageHeaderSize)
	copy(h, p.words[:common.PageHeaderSize])
	return h
}

func (p *Page) Data() []uint32 {
	return p.words[:]
}

func (p *Page) SetData(words []uint32) {
	assert.Assert(len(words) == common.PageWords, "page image has %d words", len(words))
	copy(p.words[:], words)
}
