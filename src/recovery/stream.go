package recovery

import (
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// Stream is an append-only UNDO log file. Records are chained backwards
// through prevRecordId; the newest id is the entry point for replay.
type Stream struct {
	fs     afero.Fs
	path   string
	file   afero.File
	budget *Budget

	cur     *logPage
	pages   int
	last    common.RecordID
	records int

	// holds are the budget pages kept for each operation still to resolve.
	holds map[common.OperationID]int
	held  int

	log common.Logger
}

var _ common.UndoSink = &Stream{}

func Create(fs afero.Fs, path string, budget *Budget, log common.Logger) (*Stream, error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}

	file, err := fs.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open undo log")
	}

	return &Stream{
		fs:     fs,
		path:   path,
		file:   file,
		budget: budget,
		holds:  make(map[common.OperationID]int),
		log:    log,
	}, nil
}

func (s *Stream) Path() string {
	return s.path
}

// Last is the newest record id, NilRecordID for an empty log.
func (s *Stream) Last() common.RecordID {
	return s.last
}

func (s *Stream) Pages() int {
	return s.pages
}

func (s *Stream) Records() int {
	return s.records
}

// PagesFor bounds the log pages one uninterrupted run of records with the
// given payload sizes can open, wherever the current page ends. Every page
// the run leaves behind holds more than maxRecordWords minus its largest
// record.
func PagesFor(payloads ...int) int {
	words, largest := 0, 0
	for _, p := range payloads {
		n := recordHeaderWords + p
		words += n
		largest = max(largest, n)
	}
	if words == 0 {
		return 0
	}
	fill := max(maxRecordWords-largest+1, 1)
	return min(len(payloads), 1+words/fill)
}

// Admit refuses a write whose records the page budget cannot absorb.
func (s *Stream) Admit(payloads ...int) error {
	return s.budget.Reserve(PagesFor(payloads...))
}

// Hold keeps pages for op until Unhold, replacing what op held before, and
// makes sure the records of payloads fit besides.
func (s *Stream) Hold(op common.OperationID, pages int, payloads ...int) error {
	old := s.holds[op]
	if err := s.budget.Hold(pages-old, PagesFor(payloads...)); err != nil {
		return err
	}
	s.setHold(op, pages)
	return nil
}

// Shrink lowers what op holds. It never grows a hold.
func (s *Stream) Shrink(op common.OperationID, pages int) {
	old, ok := s.holds[op]
	if !ok || pages >= old {
		return
	}
	s.budget.Unhold(old - pages)
	s.setHold(op, pages)
}

func (s *Stream) Unhold(op common.OperationID) {
	s.Shrink(op, 0)
}

func (s *Stream) Held() int {
	return s.held
}

func (s *Stream) setHold(op common.OperationID, pages int) {
	s.held += pages - s.holds[op]
	if pages == 0 {
		delete(s.holds, op)
		return
	}
	s.holds[op] = pages
}

func (s *Stream) releaseHolds() {
	s.budget.Unhold(s.held)
	s.held = 0
	clear(s.holds)
}

func (s *Stream) Backpressure() bool {
	return s.budget.Backpressure()
}

func (s *Stream) AppendUndo(e common.UndoEntry) (common.RecordID, error) {
	r := UndoRecord{Prev: s.last, UndoEntry: e}
	words, err := r.MarshalWords()
	if err != nil {
		return common.NilRecordID, err
	}

	if s.cur == nil || s.cur.free() < len(words) {
		if err := s.nextPage(); err != nil {
			return common.NilRecordID, err
		}
	}

	s.last = s.cur.append(words)
	s.records++
	metrics.UndoRecords.WithLabelValues(e.Kind.String()).Inc()
	return s.last, nil
}

func (s *Stream) nextPage() error {
	if err := s.budget.Take(s.held); err != nil {
		return err
	}

	if s.cur != nil {
		if err := s.writePage(s.cur); err != nil {
			s.budget.Give(1)
			return err
		}
		metrics.UndoPagesFlushed.Inc()
		s.log.Debugw("undo page flushed", "path", s.path, "page", s.cur.number())
	}

	//nolint:gosec
	s.cur = newLogPage(uint32(s.pages))
	s.pages++
	return nil
}

func (s *Stream) writePage(p *logPage) error {
	data, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.file.WriteAt(data, int64(p.number())*common.PageBytes)
	if err != nil {
		return errors.Wrapf(err, "write undo page %d", p.number())
	}
	return nil
}

// Sync forces the current page and everything before it to stable storage.
// The current page stays open for further records.
func (s *Stream) Sync() error {
	if s.cur != nil && !s.cur.isEmpty() {
		if err := s.writePage(s.cur); err != nil {
			return err
		}
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "sync undo log")
	}
	return nil
}

func (s *Stream) Close() error {
	s.releaseHolds()
	if s.file == nil {
		return nil
	}
	err := s.Sync()
	err = errors.Join(err, s.file.Close())
	s.file = nil
	return err
}

// Discard returns the pages of an obsolete log to the budget and removes
// the file.
func (s *Stream) Discard() error {
	s.releaseHolds()
	s.budget.Give(s.pages)
	s.pages = 0

	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	return errors.Join(err, s.fs.Remove(s.path))
}
