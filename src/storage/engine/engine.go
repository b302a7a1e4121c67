package engine

import (
	"github.com/Blackdeer1524/TupleStore/src/operation"
	"github.com/Blackdeer1524/TupleStore/src/recovery"
	"github.com/Blackdeer1524/TupleStore/src/pkg/assert"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/fragment"
	"github.com/Blackdeer1524/TupleStore/src/storage/pagepool"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

type Config struct {
	PoolPages     int
	MaxOperations int
	// DescriptorWords bounds the words all table descriptors may occupy.
	DescriptorWords int
	Fragment        fragment.Config
}

func DefaultConfig() Config {
	return Config{
		PoolPages:       1024,
		MaxOperations:   4096,
		DescriptorWords: 4096,
		Fragment:        fragment.DefaultConfig(),
	}
}

// undoGate is implemented by UNDO sinks that can turn mutations away
// before they start. A linked operation holds enough log pages to commit
// or abort however full the log gets in the meantime. Payloads are the
// word counts of the records a call is about to write.
type undoGate interface {
	Admit(payloads ...int) error
	Hold(op common.OperationID, pages int, payloads ...int) error
	Shrink(op common.OperationID, pages int)
	Unhold(op common.OperationID)
}

type table struct {
	layout *tuple.Layout
	frags  map[common.FragID]struct{}
}

type fragState struct {
	*fragment.Fragment
	gate undoGate
}

// Engine is the tuple storage manager driven by the transaction
// coordinator. It is not safe for concurrent use: the caller serializes
// every request.
type Engine struct {
	cfg      Config
	pool     *pagepool.Pool
	ops      *operation.Arena
	codec    tuple.Codec
	notifier Notifier

	tables          map[common.TableID]*table
	frags           map[common.FragmentKey]*fragState
	descriptorWords int

	log common.Logger
}

func New(cfg Config, codec tuple.Codec, notifier Notifier, log common.Logger) *Engine {
	if codec == nil {
		codec = tuple.WordCodec{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		cfg:      cfg,
		pool:     pagepool.New(cfg.PoolPages, log),
		ops:      operation.NewArena(cfg.MaxOperations),
		codec:    codec,
		notifier: notifier,
		tables:   make(map[common.TableID]*table),
		frags:    make(map[common.FragmentKey]*fragState),
		log:      log,
	}
}

func (e *Engine) Pool() *pagepool.Pool {
	return e.pool
}

func (e *Engine) Codec() tuple.Codec {
	return e.codec
}

// OperationsInUse counts allocated operation records.
func (e *Engine) OperationsInUse() int {
	return e.ops.InUse()
}

func (e *Engine) fragment(key common.FragmentKey) (*fragState, error) {
	fs, ok := e.frags[key]
	if !ok {
		return nil, common.Inconsistent("engine.fragment", "no fragment %v", key)
	}
	return fs, nil
}

// rowPages covers what resolving a chain writes for the row itself: its
// rollback image, then the page header and slot of a slot freed on abort.
func rowPages(l *tuple.Layout) int {
	t := int(l.TupheadSize)
	return recovery.PagesFor(t, common.PageHeaderSize, t)
}

// copyPages covers freeing one copy slot.
func copyPages(l *tuple.Layout) int {
	return recovery.PagesFor(common.PageHeaderSize, int(l.TupheadSize))
}

func holdPages(l *tuple.Layout, withCopy bool) int {
	if withCopy {
		return rowPages(l) + copyPages(l)
	}
	return rowPages(l)
}

// admit lets op in only if the log can take what it writes now and keep
// what resolving it will write later.
func (e *Engine) admit(fs *fragState, op *operation.Operation, withCopy bool, payloads ...int) error {
	if fs.gate == nil {
		return nil
	}
	return fs.gate.Hold(op.ID, holdPages(fs.Layout, withCopy), payloads...)
}

// release hands op back to the arena together with the log pages held
// for it.
func (e *Engine) release(op *operation.Operation) {
	if fs, ok := e.frags[op.Frag]; ok && fs.gate != nil {
		fs.gate.Unhold(op.ID)
	}
	e.ops.Release(op)
}

// rowCtx is an original slot together with its pending operations.
type rowCtx struct {
	fs    *fragState
	addr  common.RowAddr
	slot  []uint32
	chain []*operation.Operation
}

func (e *Engine) row(key common.FragmentKey, addr common.RowAddr) (*rowCtx, error) {
	fs, err := e.fragment(key)
	if err != nil {
		return nil, err
	}
	slot, err := fs.Slot(addr)
	if err != nil {
		return nil, err
	}
	if tuple.IsCopy(slot) {
		return nil, common.Inconsistent("engine.row", "%v %v is a copy slot", key, addr)
	}
	chain, err := e.ops.Chain(tuple.OpRef(slot))
	if err != nil {
		return nil, err
	}
	return &rowCtx{fs: fs, addr: addr, slot: slot, chain: chain}, nil
}

func (rc *rowCtx) head() operation.Head {
	return tuple.OpRef(rc.slot)
}

func (rc *rowCtx) setHead(h operation.Head) {
	tuple.SetOpRef(rc.slot, h)
}

// version is what the next writer bumps.
func (rc *rowCtx) version() uint16 {
	if len(rc.chain) > 0 {
		return rc.chain[0].Version
	}
	return tuple.Version(rc.slot)
}

// MustNotBeInconsistent stops the process on structural failures and hands
// every other error back.
func MustNotBeInconsistent(log common.Logger, err error) error {
	if common.IsRecoverable(err) {
		return err
	}
	log.Errorw("structural invariant violated, stopping", "error", err)
	_ = log.Sync()
	assert.NoError(err)
	return err
}
