package app

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/cfg"
	"github.com/Blackdeer1524/TupleStore/src/checkpoint"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/recovery"
	"github.com/Blackdeer1524/TupleStore/src/storage/engine"
	"github.com/Blackdeer1524/TupleStore/src/storage/systemcatalog"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

// preallocPages is the reserve a fresh fragment starts with.
const preallocPages = 2

// Node is one storage process: the engine, the catalog describing what it
// holds on disk and the checkpoint machinery between them.
type Node struct {
	Cfg         cfg.Config
	FS          afero.Fs
	Catalog     *systemcatalog.Catalog
	Engine      *engine.Engine
	Budget      *recovery.Budget
	Checkpoints *checkpoint.Manager

	log common.Logger
}

// OpenNode opens or initializes the catalog under the data directory and
// defines every table it lists. Fragments come back with Restore.
func OpenNode(c cfg.Config, fs afero.Fs, log common.Logger) (*Node, error) {
	if err := systemcatalog.InitSystemCatalog(c.DataDir, fs); err != nil {
		return nil, errors.Wrap(err, "init catalog")
	}
	catalog, err := systemcatalog.New(c.DataDir, fs)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog")
	}

	eng := engine.New(c.Engine(), nil, nil, log)
	for _, t := range catalog.Tables() {
		if _, err := eng.CreateTable(t.Descriptor()); err != nil {
			return nil, errors.Wrapf(err, "define table %d", t.ID)
		}
	}

	budget := recovery.NewBudget(c.UndoPageBudget, c.UndoLowWater, log)
	return &Node{
		Cfg:         c,
		FS:          fs,
		Catalog:     catalog,
		Engine:      eng,
		Budget:      budget,
		Checkpoints: checkpoint.NewManager(fs, c.Checkpoint(), eng, catalog, budget, log),
		log:         log,
	}, nil
}

// Restore brings back every checkpointed fragment and creates empty ones
// for fragments the catalog knows but never checkpointed.
func (n *Node) Restore(ctx context.Context) error {
	metas := n.Catalog.Checkpoints()
	err := checkpoint.Restore(ctx, n.FS, n.Catalog.GetBasePath(), n.Engine, metas, n.Cfg.RestoreWorkers, n.log)
	if err != nil {
		return err
	}

	restored := n.Engine.Fragments()
	for _, t := range n.Catalog.Tables() {
		for _, frag := range t.Fragments {
			key := common.FragmentKey{Table: t.ID, Frag: frag}
			if slices.Contains(restored, key) {
				continue
			}
			if err := n.Engine.CreateFragment(key, preallocPages); err != nil {
				return errors.Wrapf(err, "create %v", key)
			}
		}
	}

	n.log.Infow("node restored", "checkpoints", len(metas), "fragments", len(n.Engine.Fragments()))
	return nil
}

// EnsureFragment defines the table and the fragment in both the engine and
// the catalog unless they already exist. An existing table must have the
// same definition.
func (n *Node) EnsureFragment(desc tuple.Descriptor, key common.FragmentKey) error {
	if desc.Table != key.Table {
		return errors.Errorf("descriptor of table %d for fragment %v", desc.Table, key)
	}

	want, err := tuple.NewLayout(desc)
	if err != nil {
		return err
	}
	if layout, ok := n.Engine.Layout(key.Table); ok {
		if !layout.MatchesDescriptor(want.DescriptorWords()) {
			return errors.Errorf("table %d exists with another definition", key.Table)
		}
	} else {
		if _, err := n.Engine.CreateTable(desc); err != nil {
			return err
		}
		if err := n.Catalog.AddTable(systemcatalog.TableMetaFromDescriptor(desc)); err != nil {
			return err
		}
	}

	if slices.Contains(n.Engine.Fragments(), key) {
		return n.Catalog.CommitChanges()
	}
	if err := n.Engine.CreateFragment(key, preallocPages); err != nil {
		return err
	}
	if err := n.Catalog.AddFragment(key); err != nil {
		return err
	}
	return n.Catalog.CommitChanges()
}
