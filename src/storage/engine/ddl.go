package engine

import (
	"cmp"
	"slices"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/TupleStore/src/operation"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/fragment"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

var ErrTableExists = errors.New("table already exists")

// CreateTable computes the tuple layout and charges its descriptor words.
func (e *Engine) CreateTable(desc tuple.Descriptor) (*tuple.Layout, error) {
	if _, ok := e.tables[desc.Table]; ok {
		return nil, errors.Wrapf(ErrTableExists, "table %d", desc.Table)
	}
	layout, err := tuple.NewLayout(desc)
	if err != nil {
		return nil, err
	}

	words := layout.DescriptorWordCount()
	if e.descriptorWords+words > e.cfg.DescriptorWords {
		return nil, errors.Wrapf(
			common.ErrNoFreeDescriptor,
			"table %d needs %d words, %d of %d used",
			desc.Table, words, e.descriptorWords, e.cfg.DescriptorWords,
		)
	}
	e.descriptorWords += words
	e.tables[desc.Table] = &table{
		layout: layout,
		frags:  make(map[common.FragID]struct{}),
	}

	e.log.Infow(
		"table created",
		"table", desc.Table,
		"tuphead_size", layout.TupheadSize,
		"descriptor_words", words,
	)
	return layout, nil
}

// DropTable drops every fragment of the table and returns its descriptor
// words.
func (e *Engine) DropTable(id common.TableID) error {
	t, ok := e.tables[id]
	if !ok {
		return common.Inconsistent("engine.DropTable", "no table %d", id)
	}
	for frag := range t.frags {
		if err := e.DropFragment(common.FragmentKey{Table: id, Frag: frag}); err != nil {
			return err
		}
	}

	e.descriptorWords -= t.layout.DescriptorWordCount()
	delete(e.tables, id)
	e.log.Infow("table dropped", "table", id)
	return nil
}

func (e *Engine) Layout(id common.TableID) (*tuple.Layout, bool) {
	t, ok := e.tables[id]
	if !ok {
		return nil, false
	}
	return t.layout, true
}

func (e *Engine) Tables() []common.TableID {
	res := make([]common.TableID, 0, len(e.tables))
	for id := range e.tables {
		res = append(res, id)
	}
	slices.Sort(res)
	return res
}

// NewFragment builds a fragment over the engine's page pool without
// attaching it. Restore fills it before AttachFragment.
func (e *Engine) NewFragment(key common.FragmentKey) (*fragment.Fragment, error) {
	t, ok := e.tables[key.Table]
	if !ok {
		return nil, common.Inconsistent("engine.NewFragment", "no table %d", key.Table)
	}
	return fragment.New(key, t.layout, e.pool, e.cfg.Fragment, e.log), nil
}

func (e *Engine) AttachFragment(f *fragment.Fragment) error {
	t, ok := e.tables[f.Key.Table]
	if !ok {
		return common.Inconsistent("engine.AttachFragment", "no table %d", f.Key.Table)
	}
	if _, ok := e.frags[f.Key]; ok {
		return common.Inconsistent("engine.AttachFragment", "fragment %v exists", f.Key)
	}
	t.frags[f.Key.Frag] = struct{}{}
	e.frags[f.Key] = &fragState{Fragment: f}
	return nil
}

// CreateFragment sets up an empty fragment with preallocated pages in its
// reserve.
func (e *Engine) CreateFragment(key common.FragmentKey, prealloc int) error {
	f, err := e.NewFragment(key)
	if err != nil {
		return err
	}
	if _, ok := e.frags[key]; ok {
		return common.Inconsistent("engine.CreateFragment", "fragment %v exists", key)
	}
	if err := f.Preallocate(prealloc); err != nil {
		f.Drop()
		return err
	}
	if err := e.AttachFragment(f); err != nil {
		return err
	}
	e.log.Infow("fragment created", "fragment", key.String(), "pages", f.NumPages())
	return nil
}

// DropFragment releases every page of the fragment. Pending operations
// make that a protocol violation.
func (e *Engine) DropFragment(key common.FragmentKey) error {
	fs, err := e.fragment(key)
	if err != nil {
		return err
	}
	pending := 0
	e.ops.Live(func(op *operation.Operation) bool {
		if op.Frag == key {
			pending++
		}
		return true
	})
	if pending > 0 {
		return common.Inconsistent("engine.DropFragment", "%v has %d pending operations", key, pending)
	}
	if fs.CheckpointActive() {
		return common.Inconsistent("engine.DropFragment", "%v is being checkpointed", key)
	}

	fs.Drop()
	delete(e.frags, key)
	delete(e.tables[key.Table].frags, key.Frag)
	return nil
}

func (e *Engine) Fragment(key common.FragmentKey) (*fragment.Fragment, error) {
	fs, err := e.fragment(key)
	if err != nil {
		return nil, err
	}
	return fs.Fragment, nil
}

func (e *Engine) Fragments() []common.FragmentKey {
	res := make([]common.FragmentKey, 0, len(e.frags))
	for key := range e.frags {
		res = append(res, key)
	}
	slices.SortFunc(res, func(a, b common.FragmentKey) int {
		if c := cmp.Compare(a.Table, b.Table); c != 0 {
			return c
		}
		return cmp.Compare(a.Frag, b.Frag)
	})
	return res
}
