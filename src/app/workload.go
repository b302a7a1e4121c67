package app

import (
	"context"
	"math/rand"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/checkpoint"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/engine"
	"github.com/Blackdeer1524/TupleStore/src/storage/systemcatalog"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
	"github.com/Blackdeer1524/TupleStore/src/workload"
)

type WorkloadOptions struct {
	Frag    common.FragmentKey
	Seed    int64
	Txns    int
	MaxOpen int
	// StepEvery is the number of operations between two checkpoint steps.
	StepEvery int
	// Verify restores every completed checkpoint into a scratch engine and
	// compares it with the committed image taken when it started.
	Verify bool
}

type WorkloadReport struct {
	Operations  int
	Failed      int
	Checkpoints int
	Verified    int
	Rows        int
}

// workloadRun interleaves the driver with checkpoint steps the way the
// storage process's dispatch loop would.
type workloadRun struct {
	n      *Node
	opts   WorkloadOptions
	driver *workload.Driver
	report WorkloadReport

	cp *checkpoint.Context
	// reference is the committed image of the fragment when cp started.
	reference map[common.RowAddr]tuple.Row
}

// RunWorkload plays a seeded workload against one fragment while
// checkpointing it continuously. The node must be restored.
func (n *Node) RunWorkload(ctx context.Context, opts WorkloadOptions) (WorkloadReport, error) {
	if opts.StepEvery <= 0 {
		return WorkloadReport{}, errors.Errorf("step interval must be positive, got %d", opts.StepEvery)
	}
	if err := n.EnsureFragment(workload.Descriptor(opts.Frag.Table), opts.Frag); err != nil {
		return WorkloadReport{}, errors.Wrap(err, "workload fragment")
	}

	w := &workloadRun{
		n:      n,
		opts:   opts,
		driver: workload.NewDriver(n.Engine, opts.Frag, n.log),
	}
	if err := w.driver.Load(); err != nil {
		return WorkloadReport{}, errors.Wrap(err, "load committed rows")
	}

	gen := workload.NewOpsGenerator(rand.New(rand.NewSource(opts.Seed)), opts.Txns, opts.MaxOpen)
	gen.Seed(w.driver.Model().Keys())

	n.log.Infow(
		"workload started",
		"fragment", opts.Frag.String(),
		"seed", opts.Seed,
		"txns", opts.Txns,
		"rows", w.driver.Model().Len(),
	)

	err := w.loop(ctx, gen.Gen())
	if err != nil {
		err = errors.Join(err, w.abandon())
		return w.report, err
	}

	if err := w.finish(ctx); err != nil {
		return w.report, errors.Join(err, w.abandon())
	}
	w.report.Rows = w.driver.Model().Len()

	n.log.Infow(
		"workload finished",
		"operations", w.report.Operations,
		"failed", w.report.Failed,
		"checkpoints", w.report.Checkpoints,
		"verified", w.report.Verified,
		"rows", w.report.Rows,
	)
	return w.report, nil
}

func (w *workloadRun) loop(ctx context.Context, ops <-chan workload.Operation) error {
	for op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := w.driver.Apply(op)
		if err != nil {
			return errors.Wrapf(engine.MustNotBeInconsistent(w.n.log, err), "apply %v", op)
		}
		w.report.Operations++
		if !res.Success {
			w.report.Failed++
			w.n.log.Debugw("operation failed", "op", op.String(), "error", res.ErrText)
		}

		steps := 0
		if w.report.Operations%w.opts.StepEvery == 0 {
			steps = 1
		}
		// a draining undo budget means the checkpoint must catch up
		if w.cp != nil && w.cp.Stream().Backpressure() {
			steps++
		}
		for range steps {
			if err := w.step(); err != nil {
				return err
			}
		}
	}
	return nil
}

// step starts a checkpoint when none runs, otherwise advances the running
// one and completes it at its last page.
func (w *workloadRun) step() error {
	mgr := w.n.Checkpoints
	if w.cp == nil {
		return w.start()
	}

	done, err := mgr.Step(w.cp)
	if err != nil || !done {
		return err
	}
	return w.end()
}

func (w *workloadRun) start() error {
	mgr := w.n.Checkpoints
	c, err := mgr.Prepare(w.opts.Frag)
	if err != nil {
		return err
	}
	if w.opts.Verify {
		if w.reference, err = w.n.Engine.Snapshot(w.opts.Frag); err != nil {
			return errors.Join(err, mgr.Abandon(c))
		}
	}
	if err := mgr.Start(c); err != nil {
		return err
	}
	w.cp = c
	return nil
}

func (w *workloadRun) end() error {
	meta, err := w.n.Checkpoints.End(w.cp)
	if err != nil {
		return err
	}
	w.cp = nil
	w.report.Checkpoints++

	if !w.opts.Verify {
		return nil
	}
	if err := w.verify(meta); err != nil {
		return errors.Wrapf(err, "checkpoint version %d", meta.Version)
	}
	w.report.Verified++
	return nil
}

// verify restores meta into a scratch engine sharing nothing with the live
// one and compares the result with the reference image.
func (w *workloadRun) verify(meta systemcatalog.CheckpointMeta) error {
	ec := w.n.Cfg.Engine()
	scratch := engine.New(ec, nil, nil, w.n.log)
	layout, ok := w.n.Engine.Layout(meta.Table)
	if !ok {
		return common.Inconsistent("app.verify", "no table %d", meta.Table)
	}
	if _, err := scratch.CreateTable(layout.Desc); err != nil {
		return err
	}

	fs := afero.NewReadOnlyFs(w.n.FS)
	err := checkpoint.Restore(
		context.Background(),
		fs,
		w.n.Catalog.GetBasePath(),
		scratch,
		[]systemcatalog.CheckpointMeta{meta},
		1,
		w.n.log,
	)
	if err != nil {
		return err
	}

	got, err := scratch.Snapshot(meta.Key())
	if err != nil {
		return err
	}
	return workload.CompareSnapshots(w.reference, got)
}

// finish ends the open transactions, completes a running checkpoint and
// takes one more so the data directory holds the final committed state.
func (w *workloadRun) finish(ctx context.Context) error {
	if err := w.driver.AbortAll(); err != nil {
		return err
	}
	for w.cp != nil {
		if err := w.step(); err != nil {
			return err
		}
	}
	if err := w.start(); err != nil {
		return err
	}
	for w.cp != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.step(); err != nil {
			return err
		}
	}
	return w.driver.Verify()
}

func (w *workloadRun) abandon() error {
	if w.cp == nil {
		return nil
	}
	err := w.n.Checkpoints.Abandon(w.cp)
	w.cp = nil
	return err
}
