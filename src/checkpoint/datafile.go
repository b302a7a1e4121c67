package checkpoint

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/OneOfOne/xxhash"
	"github.com/go-faster/errors"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/utils"
)

const (
	dataMagic  = uint32(0x54555043) // "TUPC"
	dataFormat = uint32(1)

	flagSnappy = uint32(1)

	footerFrame = uint32(common.NilLogicalPage)
	footerBytes = 12
)

var ErrBadDataFile = errors.New("malformed checkpoint data file")

type fileHeader struct {
	Magic   uint32
	Format  uint32
	RunID   [16]byte
	Table   uint32
	Frag    uint32
	Version uint32
	Pages   uint32
	Flags   uint32
}

// frameHeader precedes every page image. Sum covers the uncompressed bytes.
type frameHeader struct {
	Logical uint32
	Length  uint32
	Sum     uint64
}

// Footer is written once every page is in the file. Its absence marks an
// unfinished checkpoint.
type Footer struct {
	Pages      uint32
	LastRecord common.RecordID
	UndoPages  uint32
}

type DataHeader struct {
	RunID    uuid.UUID
	Frag     common.FragmentKey
	Version  uint32
	Pages    common.LogicalPageID
	Compress bool
}

// dataWriter streams page images of one fragment in logical order.
type dataWriter struct {
	file afero.File
	w    *bufio.Writer
	hdr  DataHeader
	next common.LogicalPageID
}

func createDataFile(fs afero.Fs, path string, hdr DataHeader) (*dataWriter, error) {
	file, err := fs.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open data file")
	}

	fh := fileHeader{
		Magic:   dataMagic,
		Format:  dataFormat,
		RunID:   hdr.RunID,
		Table:   uint32(hdr.Frag.Table),
		Frag:    uint32(hdr.Frag.Frag),
		Version: hdr.Version,
		Pages:   uint32(hdr.Pages),
	}
	if hdr.Compress {
		fh.Flags |= flagSnappy
	}

	w := bufio.NewWriterSize(file, 4*common.PageBytes)
	if err := binary.Write(w, binary.BigEndian, &fh); err != nil {
		return nil, errors.Join(errors.Wrap(err, "write data header"), file.Close())
	}
	return &dataWriter{file: file, w: w, hdr: hdr}, nil
}

func (d *dataWriter) writeFrame(logical uint32, raw []byte) error {
	payload := raw
	if d.hdr.Compress && logical != footerFrame {
		payload = snappy.Encode(nil, raw)
	}
	fr := frameHeader{
		Logical: logical,
		//nolint:gosec
		Length: uint32(len(payload)),
		Sum:    xxhash.Checksum64(raw),
	}
	if err := binary.Write(d.w, binary.BigEndian, &fr); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := d.w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (d *dataWriter) WritePage(l common.LogicalPageID, image []uint32) error {
	if l != d.next {
		return common.Inconsistent("checkpoint.WritePage", "page %d written, expected %d", l, d.next)
	}
	if err := d.writeFrame(uint32(l), utils.WordsToBytes(image)); err != nil {
		return errors.Wrapf(err, "page %d", l)
	}
	d.next++
	return nil
}

// Finish writes the footer, forces the file to stable storage and closes
// it.
func (d *dataWriter) Finish(f Footer) error {
	raw := make([]byte, footerBytes)
	binary.BigEndian.PutUint32(raw[0:], f.Pages)
	binary.BigEndian.PutUint32(raw[4:], uint32(f.LastRecord))
	binary.BigEndian.PutUint32(raw[8:], f.UndoPages)

	err := d.writeFrame(footerFrame, raw)
	if err == nil {
		err = d.w.Flush()
	}
	if err == nil {
		err = d.file.Sync()
	}
	return errors.Join(err, d.file.Close())
}

func (d *dataWriter) Abandon() error {
	return d.file.Close()
}

// DataFile is an opened checkpoint data file.
type DataFile struct {
	Header DataHeader

	file afero.File
	r    *bufio.Reader
}

func OpenDataFile(fs afero.Fs, path string) (*DataFile, error) {
	file, err := fs.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "open data file")
	}

	r := bufio.NewReaderSize(file, 4*common.PageBytes)
	var fh fileHeader
	if err := binary.Read(r, binary.BigEndian, &fh); err != nil {
		return nil, errors.Join(errors.Wrap(ErrBadDataFile, err.Error()), file.Close())
	}
	if fh.Magic != dataMagic || fh.Format != dataFormat {
		return nil, errors.Join(
			errors.Wrapf(ErrBadDataFile, "magic %#x format %d", fh.Magic, fh.Format),
			file.Close(),
		)
	}

	return &DataFile{
		Header: DataHeader{
			RunID:    fh.RunID,
			Frag:     common.FragmentKey{Table: common.TableID(fh.Table), Frag: common.FragID(fh.Frag)},
			Version:  fh.Version,
			Pages:    common.LogicalPageID(fh.Pages),
			Compress: fh.Flags&flagSnappy != 0,
		},
		file: file,
		r:    r,
	}, nil
}

func (d *DataFile) Close() error {
	return d.file.Close()
}

// Pages hands every page image to fn in file order and returns the footer.
func (d *DataFile) Pages(fn func(l common.LogicalPageID, image []uint32) error) (Footer, error) {
	next := common.LogicalPageID(0)
	for {
		var fr frameHeader
		if err := binary.Read(d.r, binary.BigEndian, &fr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Footer{}, errors.Wrapf(ErrBadDataFile, "no footer after %d pages", next)
			}
			return Footer{}, errors.Wrap(err, "read frame header")
		}
		if fr.Length > 2*common.PageBytes {
			return Footer{}, errors.Wrapf(ErrBadDataFile, "frame of %d bytes", fr.Length)
		}

		payload := make([]byte, fr.Length)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Footer{}, errors.Wrapf(ErrBadDataFile, "frame %d: %v", fr.Logical, err)
		}

		raw := payload
		if d.Header.Compress && fr.Logical != footerFrame {
			var err error
			if raw, err = snappy.Decode(nil, payload); err != nil {
				return Footer{}, errors.Wrapf(ErrBadDataFile, "frame %d: %v", fr.Logical, err)
			}
		}
		if xxhash.Checksum64(raw) != fr.Sum {
			return Footer{}, errors.Wrapf(ErrBadDataFile, "frame %d checksum mismatch", fr.Logical)
		}

		if fr.Logical == footerFrame {
			if len(raw) != footerBytes {
				return Footer{}, errors.Wrapf(ErrBadDataFile, "footer of %d bytes", len(raw))
			}
			f := Footer{
				Pages:      binary.BigEndian.Uint32(raw[0:]),
				LastRecord: common.RecordID(binary.BigEndian.Uint32(raw[4:])),
				UndoPages:  binary.BigEndian.Uint32(raw[8:]),
			}
			if common.LogicalPageID(f.Pages) != next || next != d.Header.Pages {
				return Footer{}, errors.Wrapf(
					ErrBadDataFile,
					"footer claims %d pages, header %d, read %d",
					f.Pages, d.Header.Pages, next,
				)
			}
			return f, nil
		}

		if common.LogicalPageID(fr.Logical) != next || len(raw) != common.PageBytes {
			return Footer{}, errors.Wrapf(
				ErrBadDataFile,
				"frame for page %d of %d bytes, expected page %d",
				fr.Logical, len(raw), next,
			)
		}
		if err := fn(next, utils.BytesToWords(raw)); err != nil {
			return Footer{}, err
		}
		next++
	}
}
