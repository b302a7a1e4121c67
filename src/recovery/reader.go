package recovery

import (
	"io"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// Reader gives random access to the records of an UNDO log file.
type Reader struct {
	file  afero.File
	size  int64
	pages *pageCache
}

func Open(fs afero.Fs, path string) (*Reader, error) {
	file, err := fs.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "open undo log")
	}
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Join(errors.Wrap(err, "stat undo log"), file.Close())
	}

	return &Reader{
		file:  file,
		size:  info.Size(),
		pages: newPageCache(readerCachePages),
	}, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// NumPages counts the pages present in the file.
func (r *Reader) NumPages() uint32 {
	//nolint:gosec
	return uint32(r.size / common.PageBytes)
}

func (r *Reader) page(n uint32) (*logPage, error) {
	if p, ok := r.pages.get(n); ok {
		return p, nil
	}
	if n >= r.NumPages() {
		return nil, errors.Wrapf(ErrBadLogPage, "page %d past end of log", n)
	}

	data := make([]byte, common.PageBytes)
	if _, err := r.file.ReadAt(data, int64(n)*common.PageBytes); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "read undo page %d", n)
	}
	p := &logPage{}
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if p.number() != n {
		return nil, errors.Wrapf(ErrBadLogPage, "page %d claims number %d", n, p.number())
	}
	r.pages.put(n, p)
	return p, nil
}

func (r *Reader) Record(id common.RecordID) (UndoRecord, error) {
	p, err := r.page(id.LogPage())
	if err != nil {
		return UndoRecord{}, err
	}
	return p.record(id.WordOffset())
}

// LastRecord finds the newest record of the newest intact page. It is the
// fallback entry point when no data file footer names one.
func (r *Reader) LastRecord() (common.RecordID, error) {
	for n := r.NumPages(); n > 0; n-- {
		p, err := r.page(n - 1)
		if errors.Is(err, ErrBadLogPage) {
			continue
		}
		if err != nil {
			return common.NilRecordID, err
		}
		return p.lastRecord(), nil
	}
	return common.NilRecordID, nil
}

// Backward visits records from id towards the start of the log, stopping
// at prevRecordId zero or when fn returns false.
func (r *Reader) Backward(id common.RecordID, fn func(rec UndoRecord) (bool, error)) error {
	seen := 0
	maxRecords := int(r.NumPages()) * (maxRecordWords / recordHeaderWords)
	for id != common.NilRecordID {
		rec, err := r.Record(id)
		if err != nil {
			return errors.Wrapf(err, "record %v", id)
		}
		if rec.Prev >= id {
			return common.Inconsistent("recovery.Backward", "record %v points forward to %v", id, rec.Prev)
		}
		seen++
		if seen > maxRecords {
			return common.Inconsistent("recovery.Backward", "chain longer than the log")
		}

		more, err := fn(rec)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		id = rec.Prev
	}
	return nil
}
