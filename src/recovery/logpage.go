package recovery

import (
	"bytes"
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// Log page header. Records start right after it, so no record id ever has
// word offset zero.
const (
	lpMagic = iota
	lpNumber
	lpLastRecord
	lpChecksum
	logPageHeaderWords
)

const (
	logPageMagic   uint32 = 0x554e444f // "UNDO"
	maxRecordWords        = common.PageWords - logPageHeaderWords
)

var ErrBadLogPage = errors.New("undo log page is damaged")

type logPage struct {
	words [common.PageWords]uint32
	used  int
}

func newLogPage(number uint32) *logPage {
	p := &logPage{used: logPageHeaderWords}
	p.words[lpMagic] = logPageMagic
	p.words[lpNumber] = number
	return p
}

func (p *logPage) number() uint32 {
	return p.words[lpNumber]
}

func (p *logPage) lastRecord() common.RecordID {
	return common.RecordID(p.words[lpLastRecord])
}

func (p *logPage) free() int {
	return common.PageWords - p.used
}

func (p *logPage) isEmpty() bool {
	return p.used == logPageHeaderWords
}

// append places words at the write cursor and returns their record id.
func (p *logPage) append(words []uint32) common.RecordID {
	//nolint:gosec
	id := common.NewRecordID(p.number(), uint16(p.used))
	copy(p.words[p.used:], words)
	p.used += len(words)
	p.words[lpLastRecord] = uint32(id)
	return id
}

func (p *logPage) checksum() uint32 {
	saved := p.words[lpChecksum]
	p.words[lpChecksum] = 0
	defer func() { p.words[lpChecksum] = saved }()

	buf := make([]byte, common.PageBytes)
	for i, w := range p.words {
		binary.BigEndian.PutUint32(buf[4*i:], w)
	}
	return xxhash.Checksum32(buf)
}

func (p *logPage) MarshalBinary() ([]byte, error) {
	p.words[lpChecksum] = p.checksum()

	buf := new(bytes.Buffer)
	buf.Grow(common.PageBytes)
	if err := binary.Write(buf, binary.BigEndian, p.words[:]); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *logPage) UnmarshalBinary(data []byte) error {
	if len(data) != common.PageBytes {
		return errors.Wrapf(ErrBadLogPage, "page of %d bytes", len(data))
	}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, p.words[:]); err != nil {
		return err
	}
	if p.words[lpMagic] != logPageMagic {
		return errors.Wrapf(ErrBadLogPage, "magic %#x", p.words[lpMagic])
	}
	if p.words[lpChecksum] != p.checksum() {
		return errors.Wrapf(ErrBadLogPage, "checksum mismatch on page %d", p.number())
	}
	p.used = common.PageWords
	return nil
}

// record decodes the record at word offset off.
func (p *logPage) record(off uint16) (UndoRecord, error) {
	var r UndoRecord
	if int(off) < logPageHeaderWords || int(off) >= common.PageWords {
		return r, common.Inconsistent("recovery.record", "offset %d outside log page", off)
	}
	if err := r.UnmarshalWords(p.words[off:]); err != nil {
		return r, err
	}
	r.ID = common.NewRecordID(p.number(), off)
	return r, nil
}
