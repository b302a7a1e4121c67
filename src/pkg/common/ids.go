package common

import (
	"fmt"
	"math"
)

type (
	TableID       uint32
	FragID        uint32
	TxnID         uint64
	SavepointID   uint32
	OperationID   uint32
	LogicalPageID uint32
	RealPageID    uint32
	// GCI is the global commit counter stamped into tuples of tables that
	// track it.
	GCI uint32
)

const (
	NilRealPage    RealPageID    = math.MaxUint32
	NilLogicalPage LogicalPageID = math.MaxUint32
	NilOperation   OperationID   = math.MaxUint32
)

// Page geometry shared by data pages and UNDO log pages.
const (
	PageWordsShift = 13
	PageWords      = 1 << PageWordsShift
	PageBytes      = PageWords * 4
	PageHeaderSize = 32
	wordOffsetMask = PageWords - 1
)

type FragmentKey struct {
	Table TableID
	Frag  FragID
}

func (k FragmentKey) String() string {
	return fmt.Sprintf("T%dF%d", k.Table, k.Frag)
}

// RowAddr is the fragment-relative address of a tuple slot. It is what the
// coordinator keeps in its index entries.
type RowAddr struct {
	Page   LogicalPageID
	Offset uint16
}

func (a RowAddr) Pack() uint32 {
	return uint32(a.Page)<<PageWordsShift | uint32(a.Offset)
}

func UnpackRowAddr(v uint32) RowAddr {
	return RowAddr{
		Page:   LogicalPageID(v >> PageWordsShift),
		Offset: uint16(v & wordOffsetMask),
	}
}

func (a RowAddr) String() string {
	return fmt.Sprintf("%d@%d", a.Page, a.Offset)
}

// SlotLocation names a slot by its physical page.
type SlotLocation struct {
	Page   RealPageID
	Offset uint16
}

// RecordID addresses an UNDO record inside its log file. Zero terminates the
// backward chain; log page headers guarantee no record starts at word 0.
type RecordID uint32

const NilRecordID RecordID = 0

func NewRecordID(logPage uint32, wordOffset uint16) RecordID {
	return RecordID(logPage<<PageWordsShift | uint32(wordOffset))
}

func (r RecordID) LogPage() uint32 {
	return uint32(r) >> PageWordsShift
}

func (r RecordID) WordOffset() uint16 {
	return uint16(uint32(r) & wordOffsetMask)
}

func (r RecordID) String() string {
	return fmt.Sprintf("%d@%d", r.LogPage(), r.WordOffset())
}
