package recovery

import (
	"fmt"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// Record header words. Every record starts with
// [kind<<16 | length, prevRecordId, tableId, fragId] followed by the target
// of the before-image.
const (
	recKindLen = iota
	recPrev
	recTable
	recFrag
	recPage
	recOffsetCount
	recordHeaderWords
)

// UndoRecord is one before-image of a run of page words together with its
// place in the backward chain.
type UndoRecord struct {
	ID   common.RecordID
	Prev common.RecordID
	common.UndoEntry
}

func (r *UndoRecord) Len() int {
	return recordHeaderWords + len(r.Words)
}

func (r *UndoRecord) String() string {
	return fmt.Sprintf(
		"%v %v prev=%v %v page=%d off=%d words=%d",
		r.ID, r.Kind, r.Prev, r.Frag, r.Page, r.Offset, len(r.Words),
	)
}

// MarshalWords encodes the record into log page words.
func (r *UndoRecord) MarshalWords() ([]uint32, error) {
	n := r.Len()
	if n > maxRecordWords {
		return nil, common.Inconsistent(
			"recovery.MarshalWords",
			"%v record of %d words exceeds a log page",
			r.Kind, n,
		)
	}

	words := make([]uint32, n)
	//nolint:gosec
	words[recKindLen] = uint32(r.Kind)<<16 | uint32(n)
	words[recPrev] = uint32(r.Prev)
	words[recTable] = uint32(r.Frag.Table)
	words[recFrag] = uint32(r.Frag.Frag)
	words[recPage] = uint32(r.Page)
	//nolint:gosec
	words[recOffsetCount] = uint32(r.Offset)<<16 | uint32(len(r.Words))
	copy(words[recordHeaderWords:], r.Words)
	return words, nil
}

// UnmarshalWords decodes the record starting at words[0]. words may extend
// past the record.
func (r *UndoRecord) UnmarshalWords(words []uint32) error {
	if len(words) < recordHeaderWords {
		return common.Inconsistent("recovery.UnmarshalWords", "truncated record header")
	}

	n := int(words[recKindLen] & 0xFFFF)
	kind := common.UndoKind(words[recKindLen] >> 16)
	if kind < common.UndoDelete || kind >= common.UndoUnknown {
		return common.Inconsistent("recovery.UnmarshalWords", "unknown record kind %d", kind)
	}
	count := int(words[recOffsetCount] & 0xFFFF)
	if n != recordHeaderWords+count || n > len(words) {
		return common.Inconsistent(
			"recovery.UnmarshalWords",
			"record length %d disagrees with %d payload words",
			n, count,
		)
	}

	r.Kind = kind
	r.Prev = common.RecordID(words[recPrev])
	r.Frag = common.FragmentKey{
		Table: common.TableID(words[recTable]),
		Frag:  common.FragID(words[recFrag]),
	}
	r.Page = common.LogicalPageID(words[recPage])
	r.Offset = uint16(words[recOffsetCount] >> 16)
	r.Words = make([]uint32, count)
	copy(r.Words, words[recordHeaderWords:n])
	return nil
}
