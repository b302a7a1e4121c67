package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/cfg"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/recovery"
)

// nodeEntrypoint is the Init/Close half every command shares.
type nodeEntrypoint struct {
	ConfigPath string
	// FS defaults to the OS filesystem.
	FS  afero.Fs
	Out io.Writer

	cfg  cfg.Config
	log  common.Logger
	node *Node
}

func (e *nodeEntrypoint) Init(_ context.Context) error {
	config, err := cfg.LoadConfig(e.ConfigPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	e.cfg = config
	e.log = newLogger(config.Environment)

	if e.FS == nil {
		e.FS = afero.NewOsFs()
	}
	node, err := OpenNode(config, e.FS, e.log)
	if err != nil {
		return err
	}
	e.node = node
	return nil
}

func (e *nodeEntrypoint) Close() error {
	return closeLogger(e.log, nil)
}

// RunEntrypoint restores the node and plays a workload against it.
type RunEntrypoint struct {
	nodeEntrypoint
	Workload WorkloadOptions
}

func NewRunEntrypoint(configPath string, out io.Writer, opts WorkloadOptions) *RunEntrypoint {
	return &RunEntrypoint{
		nodeEntrypoint: nodeEntrypoint{ConfigPath: configPath, Out: out},
		Workload:       opts,
	}
}

func (e *RunEntrypoint) Run(ctx context.Context) error {
	if err := e.node.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore")
	}
	report, err := e.node.RunWorkload(ctx, e.Workload)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(
		e.Out,
		"operations=%d failed=%d checkpoints=%d verified=%d rows=%d\n",
		report.Operations, report.Failed, report.Checkpoints, report.Verified, report.Rows,
	)
	return err
}

// RestoreEntrypoint restores every checkpointed fragment and lists what it
// brought back.
type RestoreEntrypoint struct {
	nodeEntrypoint
}

func NewRestoreEntrypoint(configPath string, out io.Writer) *RestoreEntrypoint {
	return &RestoreEntrypoint{
		nodeEntrypoint: nodeEntrypoint{ConfigPath: configPath, Out: out},
	}
}

func (e *RestoreEntrypoint) Run(ctx context.Context) error {
	if err := e.node.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore")
	}

	versions := make(map[common.FragmentKey]uint32)
	for _, m := range e.node.Catalog.Checkpoints() {
		versions[m.Key()] = m.Version
	}

	tw := tabwriter.NewWriter(e.Out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FRAGMENT\tCHECKPOINT\tPAGES\tROWS")
	for _, key := range e.node.Engine.Fragments() {
		f, err := e.node.Engine.Fragment(key)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(tw, "%v\t%d\t%d\t%d\n", key, versions[key], f.NumPages(), f.Rows())
	}
	return tw.Flush()
}

// UndoDumpEntrypoint prints the UNDO log of a fragment's newest checkpoint,
// newest record first.
type UndoDumpEntrypoint struct {
	nodeEntrypoint
	Frag common.FragmentKey
}

func NewUndoDumpEntrypoint(configPath string, out io.Writer, frag common.FragmentKey) *UndoDumpEntrypoint {
	return &UndoDumpEntrypoint{
		nodeEntrypoint: nodeEntrypoint{ConfigPath: configPath, Out: out},
		Frag:           frag,
	}
}

func (e *UndoDumpEntrypoint) Run(_ context.Context) error {
	meta, err := e.node.Catalog.GetCheckpoint(e.Frag)
	if err != nil {
		return err
	}

	r, err := recovery.Open(e.FS, filepath.Join(e.node.Catalog.GetBasePath(), meta.UndoFile))
	if err != nil {
		return err
	}
	defer r.Close()

	n, err := recovery.Dump(e.Out, r, meta.LastRecord, func(rec recovery.UndoRecord) bool {
		return rec.Frag == e.Frag
	})
	if err != nil {
		return err
	}
	e.log.Infow("undo log dumped", "fragment", e.Frag.String(), "version", meta.Version, "records", n)
	return nil
}
