package tuple

import (
	"encoding/binary"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

var ErrValueTooLong = errors.New("value does not fit attribute")

// Codec owns type-specific encoding of attribute values. The store only
// hands it slot views and attribute descriptors.
type Codec interface {
	ReadField(slot []uint32, attr AttrLayout) []byte
	WriteField(slot []uint32, attr AttrLayout, value []byte) error
}

// WordCodec packs raw bytes big-endian into the attribute words, zero padded.
type WordCodec struct{}

var _ Codec = WordCodec{}

func (WordCodec) ReadField(slot []uint32, attr AttrLayout) []byte {
	words := slot[attr.WordOffset : attr.WordOffset+attr.SizeWords]
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(b[4*i:], w)
	}
	return b
}

func (WordCodec) WriteField(slot []uint32, attr AttrLayout, value []byte) error {
	if len(value) > 4*int(attr.SizeWords) {
		return errors.Wrapf(ErrValueTooLong, "attribute %d: %d bytes", attr.Index, len(value))
	}
	var buf [4]byte
	words := slot[attr.WordOffset : attr.WordOffset+attr.SizeWords]
	for i := range words {
		clear(buf[:])
		if 4*i < len(value) {
			copy(buf[:], value[4*i:])
		}
		words[i] = binary.BigEndian.Uint32(buf[:])
	}
	return nil
}

type Value struct {
	Null bool
	Data []byte
}

func Null() Value {
	return Value{Null: true}
}

func Bytes(b []byte) Value {
	return Value{Data: b}
}

type Row []Value

type AttrUpdate struct {
	Attr  int
	Value Value
}

func (l *Layout) validate(a AttrLayout, v Value) error {
	if v.Null && !a.Nullable() {
		return errors.Wrapf(common.ErrNullNotAllowed, "attribute %q", l.Desc.Attributes[a.Index].Name)
	}
	if len(v.Data) > 4*int(a.SizeWords) {
		return errors.Wrapf(ErrValueTooLong, "attribute %q: %d bytes", l.Desc.Attributes[a.Index].Name, len(v.Data))
	}
	return nil
}

func (l *Layout) write(codec Codec, slot []uint32, a AttrLayout, v Value) error {
	if v.Null {
		l.SetNull(slot, a, true)
		clear(slot[a.WordOffset : a.WordOffset+a.SizeWords])
		return nil
	}
	l.SetNull(slot, a, false)
	return codec.WriteField(slot, a, v.Data)
}

func (l *Layout) ValidateRow(row Row) error {
	if len(row) != len(l.Attrs) {
		return errors.Wrapf(ErrInvalidDescriptor, "row has %d values, table %d attributes", len(row), len(l.Attrs))
	}
	for i, a := range l.Attrs {
		if err := l.validate(a, row[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteRow writes a full row. Nothing is written unless every value is valid.
func (l *Layout) WriteRow(codec Codec, slot []uint32, row Row) error {
	if err := l.ValidateRow(row); err != nil {
		return err
	}
	for i, a := range l.Attrs {
		if err := l.write(codec, slot, a, row[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUpdate checks an update without touching any slot.
func (l *Layout) ValidateUpdate(updates []AttrUpdate) error {
	for _, u := range updates {
		if u.Attr < 0 || u.Attr >= len(l.Attrs) {
			return errors.Wrapf(ErrInvalidDescriptor, "no attribute %d", u.Attr)
		}
		a := l.Attrs[u.Attr]
		if a.PrimaryKey {
			return errors.Wrapf(common.ErrPrimaryKeyUpdate, "attribute %q", l.Desc.Attributes[a.Index].Name)
		}
		if err := l.validate(a, u.Value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyUpdate writes validated updates and returns the changed attribute set.
func (l *Layout) ApplyUpdate(codec Codec, slot []uint32, updates []AttrUpdate) (*roaring.Bitmap, error) {
	changed := roaring.New()
	for _, u := range updates {
		if err := l.write(codec, slot, l.Attrs[u.Attr], u.Value); err != nil {
			return nil, err
		}
		//nolint:gosec
		changed.Add(uint32(u.Attr))
	}
	return changed, nil
}

func (l *Layout) ReadRow(codec Codec, slot []uint32) Row {
	row := make(Row, len(l.Attrs))
	for i, a := range l.Attrs {
		if l.IsNull(slot, a) {
			row[i] = Null()
			continue
		}
		row[i] = Bytes(codec.ReadField(slot, a))
	}
	return row
}

// Image returns a detached copy of a slot's words.
func Image(slot []uint32) []uint32 {
	img := make([]uint32, len(slot))
	copy(img, slot)
	return img
}
