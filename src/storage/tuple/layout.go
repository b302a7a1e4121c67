package tuple

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

type Attribute struct {
	Name       string
	SizeWords  uint16
	Nullable   bool
	PrimaryKey bool
}

type Descriptor struct {
	Table         common.TableID
	Attributes    []Attribute
	Checksum      bool
	CommitCounter bool
}

type AttrLayout struct {
	Index      int
	WordOffset uint16
	SizeWords  uint16
	// NullBit is the bit position in the null vector, -1 for not-null
	// attributes.
	NullBit    int
	PrimaryKey bool
}

func (a AttrLayout) Nullable() bool {
	return a.NullBit >= 0
}

// Layout is the fixed shape of every tuple of a table. It is computed once
// when the table is defined.
type Layout struct {
	Desc  Descriptor
	Attrs []AttrLayout

	// Offsets of optional words; zero means absent since word 0 is always
	// the header word.
	ChecksumOffset uint16
	NullOffset     uint16
	NullWords      uint16
	GCIOffset      uint16

	TupheadSize uint16
}

const (
	WordHeader  = 0
	WordVersion = 1
)

var ErrInvalidDescriptor = errors.New("invalid table descriptor")

func NewLayout(desc Descriptor) (*Layout, error) {
	if len(desc.Attributes) == 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "no attributes")
	}

	l := &Layout{Desc: desc}
	off := uint16(WordVersion + 1)
	if desc.Checksum {
		l.ChecksumOffset = off
		off++
	}

	nullable := 0
	for _, a := range desc.Attributes {
		if a.Nullable {
			if a.PrimaryKey {
				return nil, errors.Wrapf(
					ErrInvalidDescriptor,
					"primary key attribute %q is nullable",
					a.Name,
				)
			}
			nullable++
		}
	}
	if nullable > 0 {
		l.NullOffset = off
		//nolint:gosec
		l.NullWords = uint16((nullable + 31) / 32)
		off += l.NullWords
	}

	if desc.CommitCounter {
		l.GCIOffset = off
		off++
	}

	nullBit := 0
	total := int(off)
	for i, a := range desc.Attributes {
		if a.SizeWords == 0 {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "attribute %q has no size", a.Name)
		}
		al := AttrLayout{
			Index:      i,
			WordOffset: uint16(total),
			SizeWords:  a.SizeWords,
			NullBit:    -1,
			PrimaryKey: a.PrimaryKey,
		}
		if a.Nullable {
			al.NullBit = nullBit
			nullBit++
		}
		l.Attrs = append(l.Attrs, al)
		total += int(a.SizeWords)
	}

	if total > common.PageWords-common.PageHeaderSize {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "tuple of %d words does not fit a page", total)
	}
	//nolint:gosec
	l.TupheadSize = uint16(total)

	return l, nil
}

// DescriptorWords is the persisted snapshot of the layout, written as the
// table-descriptor UNDO record and checked again at restore.
func (l *Layout) DescriptorWords() []uint32 {
	var flags uint32
	if l.Desc.Checksum {
		flags |= 1
	}
	if l.Desc.CommitCounter {
		flags |= 2
	}

	words := []uint32{
		uint32(l.Desc.Table),
		uint32(l.TupheadSize),
		uint32(len(l.Attrs)),
		flags,
	}
	for _, a := range l.Attrs {
		w := uint32(a.SizeWords)
		if a.Nullable() {
			w |= 1 << 16
		}
		if a.PrimaryKey {
			w |= 1 << 17
		}
		words = append(words, w)
	}
	return words
}

// DescriptorWordCount is what the table consumes from the descriptor budget.
func (l *Layout) DescriptorWordCount() int {
	return 4 + len(l.Attrs)
}

func (l *Layout) MatchesDescriptor(words []uint32) bool {
	own := l.DescriptorWords()
	if len(own) != len(words) {
		return false
	}
	for i := range own {
		if own[i] != words[i] {
			return false
		}
	}
	return true
}
