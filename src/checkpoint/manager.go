package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/recovery"
	"github.com/Blackdeer1524/TupleStore/src/storage/engine"
	"github.com/Blackdeer1524/TupleStore/src/storage/systemcatalog"
)

const (
	dataFileName = "data.ckpt"
	undoFileName = "undo.log"
)

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePrepared
	PhaseRunning
	PhaseCompleted
	PhaseAbandoned
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePrepared:
		return "prepared"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

type Config struct {
	PagesPerStep int
	Compress     bool
}

func DefaultConfig() Config {
	return Config{
		PagesPerStep: 4,
		Compress:     true,
	}
}

// Context is one checkpoint of one fragment.
type Context struct {
	Key     common.FragmentKey
	RunID   uuid.UUID
	Version uint32

	phase  Phase
	dir    string
	stream *recovery.Stream
	data   *dataWriter
	next   common.LogicalPageID
	pages  common.LogicalPageID
}

func (c *Context) Phase() Phase {
	return c.phase
}

// Stream is the UNDO sink of the checkpoint. Writers consult its
// backpressure flag.
func (c *Context) Stream() *recovery.Stream {
	return c.stream
}

// Progress reports pages written and pages to write.
func (c *Context) Progress() (common.LogicalPageID, common.LogicalPageID) {
	return c.next, c.pages
}

// Manager runs fragment checkpoints. Like the engine it is driven from a
// single dispatch loop and is not safe for concurrent use.
type Manager struct {
	fs      afero.Fs
	cfg     Config
	eng     *engine.Engine
	catalog *systemcatalog.Catalog
	budget  *recovery.Budget

	active map[common.FragmentKey]*Context
	// held is the UNDO page count of the newest completed run per
	// fragment, given back when a newer run supersedes it.
	held map[common.FragmentKey]int

	log common.Logger
}

func NewManager(
	fs afero.Fs,
	cfg Config,
	eng *engine.Engine,
	catalog *systemcatalog.Catalog,
	budget *recovery.Budget,
	log common.Logger,
) *Manager {
	return &Manager{
		fs:      fs,
		cfg:     cfg,
		eng:     eng,
		catalog: catalog,
		budget:  budget,
		active:  make(map[common.FragmentKey]*Context),
		held:    make(map[common.FragmentKey]int),
		log:     log,
	}
}

func (m *Manager) runDir(key common.FragmentKey, id uuid.UUID) string {
	return filepath.Join(key.String(), id.String())
}

func (m *Manager) abs(rel string) string {
	return filepath.Join(m.catalog.GetBasePath(), rel)
}

// Prepare opens the UNDO stream of a new checkpoint and snapshots the
// table descriptor into it as the oldest record.
func (m *Manager) Prepare(key common.FragmentKey) (*Context, error) {
	if _, ok := m.active[key]; ok {
		return nil, common.Inconsistent("checkpoint.Prepare", "%v already has a checkpoint", key)
	}
	layout, ok := m.eng.Layout(key.Table)
	if !ok {
		return nil, common.Inconsistent("checkpoint.Prepare", "no table %d", key.Table)
	}

	c := &Context{
		Key:     key,
		RunID:   uuid.New(),
		Version: m.catalog.NextCheckpointVersion(),
	}
	c.dir = m.runDir(key, c.RunID)

	stream, err := recovery.Create(m.fs, m.abs(filepath.Join(c.dir, undoFileName)), m.budget, m.log)
	if err != nil {
		return nil, err
	}
	c.stream = stream

	_, err = stream.AppendUndo(common.UndoEntry{
		Kind:  common.UndoTableDescriptor,
		Frag:  key,
		Page:  common.NilLogicalPage,
		Words: layout.DescriptorWords(),
	})
	if err != nil {
		return nil, errors.Join(err, m.discard(c))
	}

	c.phase = PhasePrepared
	m.active[key] = c
	m.log.Infow(
		"checkpoint prepared",
		"fragment", key.String(),
		"run", c.RunID.String(),
		"version", c.Version,
	)
	return c, nil
}

// Start opens the fuzzy window. From here on mutations of unwritten pages
// are logged to the context's stream.
func (m *Manager) Start(c *Context) error {
	if c.phase != PhasePrepared {
		return common.Inconsistent("checkpoint.Start", "%v is %v", c.Key, c.phase)
	}

	pages, err := m.eng.BeginCheckpoint(c.Key, c.stream, c.Version)
	if err != nil {
		return errors.Join(err, m.Abandon(c))
	}
	c.pages = pages
	c.phase = PhaseRunning

	c.data, err = createDataFile(m.fs, m.abs(filepath.Join(c.dir, dataFileName)), DataHeader{
		RunID:    c.RunID,
		Frag:     c.Key,
		Version:  c.Version,
		Pages:    pages,
		Compress: m.cfg.Compress,
	})
	if err != nil {
		return errors.Join(err, m.Abandon(c))
	}
	return nil
}

// Step writes up to PagesPerStep pages and reports whether every page is
// in the data file.
func (m *Manager) Step(c *Context) (bool, error) {
	if c.phase != PhaseRunning {
		return false, common.Inconsistent("checkpoint.Step", "%v is %v", c.Key, c.phase)
	}
	f, err := m.eng.Fragment(c.Key)
	if err != nil {
		return false, err
	}

	for n := 0; n < m.cfg.PagesPerStep && c.next < c.pages; n++ {
		img, ok := f.PageImage(c.next)
		if !ok {
			return false, common.Inconsistent("checkpoint.Step", "%v lost page %d", c.Key, c.next)
		}
		if err := c.data.WritePage(c.next, img); err != nil {
			return false, err
		}
		if err := m.eng.PageWritten(c.Key, c.next); err != nil {
			return false, err
		}
		metrics.CheckpointPages.WithLabelValues("written").Inc()
		c.next++
	}
	return m.Complete(c), nil
}

// Complete reports whether the write cursor reached the window end.
func (m *Manager) Complete(c *Context) bool {
	return c.phase == PhaseRunning && c.next >= c.pages
}

// End closes the window, forces the UNDO log and the data file out and
// records the checkpoint in the catalog. The run it supersedes is removed.
// Failures past the window close are structural.
func (m *Manager) End(c *Context) (systemcatalog.CheckpointMeta, error) {
	if !m.Complete(c) {
		return systemcatalog.CheckpointMeta{}, common.Inconsistent(
			"checkpoint.End", "%v is %v at page %d of %d", c.Key, c.phase, c.next, c.pages,
		)
	}
	if err := m.eng.EndCheckpoint(c.Key); err != nil {
		return systemcatalog.CheckpointMeta{}, err
	}

	if err := c.stream.Close(); err != nil {
		return systemcatalog.CheckpointMeta{}, common.InconsistentCause("checkpoint.End", err, "%v", c.Key)
	}
	footer := Footer{
		Pages:      uint32(c.pages),
		LastRecord: c.stream.Last(),
		//nolint:gosec
		UndoPages: uint32(c.stream.Pages()),
	}
	if err := c.data.Finish(footer); err != nil {
		return systemcatalog.CheckpointMeta{}, common.InconsistentCause("checkpoint.End", err, "%v", c.Key)
	}

	meta := systemcatalog.CheckpointMeta{
		Table:      c.Key.Table,
		Frag:       c.Key.Frag,
		RunID:      c.RunID.String(),
		Version:    c.Version,
		DataFile:   filepath.Join(c.dir, dataFileName),
		UndoFile:   filepath.Join(c.dir, undoFileName),
		Pages:      uint32(c.pages),
		UndoPages:  c.stream.Pages(),
		LastRecord: c.stream.Last(),
		Compressed: m.cfg.Compress,
	}
	prev, had, err := m.catalog.PutCheckpoint(meta)
	if err == nil {
		err = m.catalog.CommitChanges()
	}
	if err != nil {
		return systemcatalog.CheckpointMeta{}, err
	}

	if had {
		m.retire(prev)
	}
	m.held[c.Key] = c.stream.Pages()
	c.phase = PhaseCompleted
	delete(m.active, c.Key)

	m.log.Infow(
		"checkpoint completed",
		"fragment", c.Key.String(),
		"run", meta.RunID,
		"version", meta.Version,
		"pages", meta.Pages,
		"undo_pages", meta.UndoPages,
		"undo_records", c.stream.Records(),
	)
	return meta, nil
}

// retire removes a superseded run. Its UNDO pages go back to the budget
// only if this process wrote them.
func (m *Manager) retire(prev systemcatalog.CheckpointMeta) {
	key := prev.Key()
	if n, ok := m.held[key]; ok {
		m.budget.Give(n)
		delete(m.held, key)
	}
	dir := m.abs(filepath.Dir(prev.DataFile))
	if err := m.fs.RemoveAll(dir); err != nil {
		m.log.Warnw("failed to remove superseded checkpoint", "dir", dir, "error", err)
	}
}

// Abandon drops an unfinished checkpoint and its files.
func (m *Manager) Abandon(c *Context) error {
	if c.phase == PhaseCompleted || c.phase == PhaseAbandoned {
		return nil
	}
	var err error
	if c.phase == PhaseRunning {
		err = m.eng.EndCheckpoint(c.Key)
	}
	if c.data != nil {
		err = errors.Join(err, c.data.Abandon())
	}
	err = errors.Join(err, m.discard(c))
	c.phase = PhaseAbandoned
	delete(m.active, c.Key)

	m.log.Warnw("checkpoint abandoned", "fragment", c.Key.String(), "run", c.RunID.String())
	return err
}

func (m *Manager) discard(c *Context) error {
	err := c.stream.Discard()
	return errors.Join(err, m.fs.RemoveAll(m.abs(c.dir)))
}

// Run checkpoints one fragment to completion, calling between after every
// step so the caller can interleave its own work.
func (m *Manager) Run(ctx context.Context, key common.FragmentKey, between func() error) (systemcatalog.CheckpointMeta, error) {
	c, err := m.Prepare(key)
	if err != nil {
		return systemcatalog.CheckpointMeta{}, err
	}
	if err := m.Start(c); err != nil {
		return systemcatalog.CheckpointMeta{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return systemcatalog.CheckpointMeta{}, errors.Join(err, m.Abandon(c))
		}
		done, err := m.Step(c)
		if err != nil {
			return systemcatalog.CheckpointMeta{}, errors.Join(err, m.Abandon(c))
		}
		if done {
			break
		}
		if between != nil {
			if err := between(); err != nil {
				return systemcatalog.CheckpointMeta{}, errors.Join(err, m.Abandon(c))
			}
		}
	}
	return m.End(c)
}
