package page

import (
	assert "github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
)

// SlotOccupied is set in word 0 of every slot that is not on the page free
// list. A free slot keeps [size<<16 | nextOffset] there instead, and sizes
// never reach bit 31.
const SlotOccupied uint32 = 1 << 31

const (
	freeSizeShift        = 16
	freeNextMask  uint32 = 1<<freeSizeShift - 1
	// Offset 0 is inside the header and never names a slot.
	endOfFreeList uint16 = 0
	maxSlotSize   uint16 = 1<<15 - 1
)

func SlotsPerPage(size uint16) int {
	if size == 0 {
		return 0
	}
	return (common.PageWords - common.PageHeaderSize) / int(size)
}

func (p *Page) TupleSize() uint16 {
	return uint16(p.words[hdrTupleSize])
}

func (p *Page) FreeCount() int {
	return int(p.words[hdrFreeCount])
}

func (p *Page) SlotCount() int {
	return SlotsPerPage(p.TupleSize())
}

func (p *Page) FreeHead() optional.Optional[uint16] {
	return optional.FromSentinel(uint16(p.words[hdrFreeCursor]>>16), endOfFreeList)
}

// SlotAreaEnd is the first word offset past the last slot.
func (p *Page) SlotAreaEnd() uint16 {
	return uint16(p.words[hdrFreeCursor])
}

func (p *Page) setFreeCursor(head uint16) {
	p.words[hdrFreeCursor] = uint32(head)<<16 | uint32(p.SlotAreaEnd())
}

// FormatSlots converts an empty page into a tuple or copy page by threading
// every slot of the given size into the in-page free list.
func (p *Page) FormatSlots(size uint16, st State) {
	assert.Assert(st == StateTupleFree || st == StateCopyFree, "cannot format page as %v", st)
	assert.Assert(size > 0 && size <= maxSlotSize, "invalid slot size %d", size)
	n := SlotsPerPage(size)
	assert.Assert(n > 0, "slot size %d does not fit a page", size)

	first := uint16(common.PageHeaderSize)
	end := first + uint16(n)*size
	for off := first; off < end; off += size {
		next := off + size
		if next >= end {
			next = endOfFreeList
		}
		clear(p.words[off : off+size])
		p.words[off] = uint32(size)<<freeSizeShift | uint32(next)
	}

	p.words[hdrTupleSize] = uint32(size)
	p.words[hdrFreeCount] = uint32(n)
	p.words[hdrFreeCursor] = uint32(first)<<16 | uint32(end)
	p.words[hdrState] = uint32(st)
}

func (p *Page) IsSlotOffset(off uint16) bool {
	size := p.TupleSize()
	if size == 0 || off < common.PageHeaderSize || off >= p.SlotAreaEnd() {
		return false
	}
	return (off-common.PageHeaderSize)%size == 0
}

func (p *Page) IsSlotFree(off uint16) bool {
	return p.words[off]&SlotOccupied == 0
}

// Slot returns a writable view of the slot at off.
func (p *Page) Slot(off uint16) []uint32 {
	assert.Assert(p.IsSlotOffset(off), "offset %d is not a slot of page %d", off, p.LogicalID())
	return p.words[off : off+p.TupleSize()]
}

func (p *Page) SlotOffsets() []uint16 {
	size := p.TupleSize()
	end := p.SlotAreaEnd()
	res := make([]uint16, 0, p.SlotCount())
	for off := uint16(common.PageHeaderSize); off < end; off += size {
		res = append(res, off)
	}
	return res
}

// AllocSlot pops the free list head. The popped slot is zeroed except for
// the occupied bit. None means the page is full.
func (p *Page) AllocSlot() (optional.Optional[uint16], error) {
	head := p.FreeHead()
	if head.IsNone() {
		if p.FreeCount() != 0 {
			return head, common.Inconsistent(
				"page.AllocSlot",
				"page %d has empty free list but count %d",
				p.LogicalID(), p.FreeCount(),
			)
		}
		return head, nil
	}

	off := head.Unwrap()
	if !p.IsSlotOffset(off) {
		return optional.None[uint16](), common.Inconsistent(
			"page.AllocSlot", "free list head %d is not a slot", off,
		)
	}

	w := p.words[off]
	if w&SlotOccupied != 0 || uint16(w>>freeSizeShift) != p.TupleSize() {
		return optional.None[uint16](), common.Inconsistent(
			"page.AllocSlot", "slot %d on free list has word %#x", off, w,
		)
	}

	next := uint16(w & freeNextMask)
	if next != endOfFreeList && !p.IsSlotOffset(next) {
		return optional.None[uint16](), common.Inconsistent(
			"page.AllocSlot", "slot %d links to non-slot %d", off, next,
		)
	}

	count := p.FreeCount() - 1
	if (count == 0) != (next == endOfFreeList) {
		return optional.None[uint16](), common.Inconsistent(
			"page.AllocSlot", "free count %d disagrees with next %d", count, next,
		)
	}

	p.setFreeCursor(next)
	p.words[hdrFreeCount] = uint32(count)

	slot := p.words[off : off+p.TupleSize()]
	clear(slot)
	slot[0] = SlotOccupied

	return head, nil
}

// FreeSlot pushes an occupied slot back onto the free list.
func (p *Page) FreeSlot(off uint16) error {
	if !p.IsSlotOffset(off) {
		return common.Inconsistent("page.FreeSlot", "offset %d is not a slot", off)
	}
	if p.IsSlotFree(off) {
		return common.Inconsistent("page.FreeSlot", "slot %d freed twice", off)
	}
	if p.FreeCount() >= p.SlotCount() {
		return common.Inconsistent(
			"page.FreeSlot", "page %d free count overflows", p.LogicalID(),
		)
	}

	head := p.FreeHead().OrElse(endOfFreeList)
	p.words[off] = uint32(p.TupleSize())<<freeSizeShift | uint32(head)
	p.setFreeCursor(off)
	p.words[hdrFreeCount]++
	return nil
}

// Rethread rebuilds the free list from slot occupancy. keep decides, for
// every occupied slot, whether it stays occupied.
func (p *Page) Rethread(keep func(off uint16, slot []uint32) bool) {
	size := p.TupleSize()
	var head, tail uint16
	count := 0
	for _, off := range p.SlotOffsets() {
		slot := p.words[off : off+size]
		if slot[0]&SlotOccupied != 0 && keep(off, slot) {
			continue
		}

		clear(slot)
		slot[0] = uint32(size) << freeSizeShift
		if tail == endOfFreeList {
			head = off
		} else {
			p.words[tail] |= uint32(off)
		}
		tail = off
		count++
	}

	p.setFreeCursor(head)
	p.words[hdrFreeCount] = uint32(count)
	st := p.State()
	if count == 0 {
		p.SetState(st.Full())
	} else {
		p.SetState(st.WithSpace())
	}
}
