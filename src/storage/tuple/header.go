package tuple

import (
	"github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/optional"
	"github.com/Blackdeer1524/TupleStore/src/storage/page"
)

// Word 0 of an occupied slot.
const (
	FlagOccupied = page.SlotOccupied
	FlagCopy     = uint32(1) << 30
	FlagDeleted  = uint32(1) << 29

	// Low bits carry OperationID+1 so that zero means "no chain".
	opRefMask   = uint32(1)<<24 - 1
	versionMask = uint16(1)<<15 - 1
)

const MaxOperations = int(opRefMask) - 1

func IsCopy(slot []uint32) bool {
	return slot[WordHeader]&FlagCopy != 0
}

func IsDeleted(slot []uint32) bool {
	return slot[WordHeader]&FlagDeleted != 0
}

func SetDeleted(slot []uint32, deleted bool) {
	if deleted {
		slot[WordHeader] |= FlagDeleted
	} else {
		slot[WordHeader] &^= FlagDeleted
	}
}

// OpRef reads the chain head of an original slot or the owning operation
// of a copy slot.
func OpRef(slot []uint32) optional.Optional[common.OperationID] {
	ref := slot[WordHeader] & opRefMask
	if ref == 0 {
		return optional.None[common.OperationID]()
	}
	return optional.Some(common.OperationID(ref - 1))
}

func SetOpRef(slot []uint32, op optional.Optional[common.OperationID]) {
	slot[WordHeader] &^= opRefMask
	if id, ok := op.Get(); ok {
		assert.Assert(uint32(id) < opRefMask-1, "operation id %d does not fit a slot header", id)
		slot[WordHeader] |= uint32(id) + 1
	}
}

// InitCopy stamps a freshly allocated slot as the before-image owned by op.
func InitCopy(slot []uint32, owner common.OperationID) {
	slot[WordHeader] = FlagOccupied | FlagCopy
	SetOpRef(slot, optional.Some(owner))
}

func Version(slot []uint32) uint16 {
	return uint16(slot[WordVersion]) & versionMask
}

func SetVersion(slot []uint32, v uint16) {
	slot[WordVersion] = uint32(v & versionMask)
}

func NextVersion(v uint16) uint16 {
	return (v + 1) & versionMask
}

// CopyImage copies everything but the header word.
func CopyImage(dst, src []uint32) {
	assert.Assert(len(dst) == len(src), "slot sizes differ: %d != %d", len(dst), len(src))
	copy(dst[WordVersion:], src[WordVersion:])
}

// Checksum XORs every word from the version onwards except the checksum
// word itself.
func (l *Layout) Checksum(slot []uint32) uint32 {
	var sum uint32
	for i := WordVersion; i < len(slot); i++ {
		if l.ChecksumOffset != 0 && i == int(l.ChecksumOffset) {
			continue
		}
		sum ^= slot[i]
	}
	return sum
}

func (l *Layout) StampChecksum(slot []uint32) {
	if l.ChecksumOffset == 0 {
		return
	}
	slot[l.ChecksumOffset] = l.Checksum(slot)
}

func (l *Layout) VerifyChecksum(slot []uint32) error {
	if l.ChecksumOffset == 0 {
		return nil
	}
	if slot[l.ChecksumOffset] != l.Checksum(slot) {
		return common.ErrTupleCorrupted
	}
	return nil
}

func (l *Layout) IsNull(slot []uint32, a AttrLayout) bool {
	if !a.Nullable() {
		return false
	}
	w := slot[l.NullOffset+uint16(a.NullBit/32)]
	return w&(1<<(a.NullBit%32)) != 0
}

func (l *Layout) SetNull(slot []uint32, a AttrLayout, null bool) {
	assert.Assert(a.Nullable() || !null, "attribute %d is not nullable", a.Index)
	if !a.Nullable() {
		return
	}
	idx := l.NullOffset + uint16(a.NullBit/32)
	if null {
		slot[idx] |= 1 << (a.NullBit % 32)
	} else {
		slot[idx] &^= 1 << (a.NullBit % 32)
	}
}

func (l *Layout) CommitCounter(slot []uint32) optional.Optional[common.GCI] {
	if l.GCIOffset == 0 {
		return optional.None[common.GCI]()
	}
	return optional.Some(common.GCI(slot[l.GCIOffset]))
}

func (l *Layout) SetCommitCounter(slot []uint32, gci common.GCI) {
	if l.GCIOffset == 0 {
		return
	}
	slot[l.GCIOffset] = uint32(gci)
}
