package checkpoint

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"github.com/panjf2000/ants"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/metrics"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/recovery"
	"github.com/Blackdeer1524/TupleStore/src/storage/engine"
	"github.com/Blackdeer1524/TupleStore/src/storage/systemcatalog"
)

type loadedPage struct {
	l     common.LogicalPageID
	image []uint32
}

// loaded is everything read from the files of one fragment checkpoint,
// UNDO entries in replay order.
type loaded struct {
	meta       systemcatalog.CheckpointMeta
	pages      []loadedPage
	undo       []common.UndoEntry
	descriptor []uint32
}

// load reads and verifies the files of one checkpoint. It touches no
// engine state, so loads of different fragments run in parallel.
func load(fs afero.Fs, basePath string, meta systemcatalog.CheckpointMeta) (*loaded, error) {
	res := &loaded{meta: meta}

	df, err := OpenDataFile(fs, filepath.Join(basePath, meta.DataFile))
	if err != nil {
		return nil, err
	}
	defer df.Close()

	if df.Header.Frag != meta.Key() || df.Header.Version != meta.Version {
		return nil, errors.Wrapf(
			ErrBadDataFile,
			"file holds %v version %d, catalog expects %v version %d",
			df.Header.Frag, df.Header.Version, meta.Key(), meta.Version,
		)
	}

	footer, err := df.Pages(func(l common.LogicalPageID, image []uint32) error {
		res.pages = append(res.pages, loadedPage{l: l, image: image})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if footer.LastRecord != meta.LastRecord {
		return nil, errors.Wrapf(
			ErrBadDataFile,
			"footer names record %v, catalog %v",
			footer.LastRecord, meta.LastRecord,
		)
	}

	r, err := recovery.Open(fs, filepath.Join(basePath, meta.UndoFile))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	key := meta.Key()
	err = r.Backward(footer.LastRecord, func(rec recovery.UndoRecord) (bool, error) {
		if rec.Frag != key {
			return true, nil
		}
		if rec.Kind == common.UndoTableDescriptor {
			res.descriptor = rec.Words
			return true, nil
		}
		res.undo = append(res.undo, rec.UndoEntry)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if res.descriptor == nil {
		return nil, common.Inconsistent("checkpoint.load", "%v: undo log has no table descriptor", key)
	}
	return res, nil
}

// install builds the fragment from a loaded checkpoint and attaches it.
func install(eng *engine.Engine, ld *loaded) error {
	key := ld.meta.Key()
	layout, ok := eng.Layout(key.Table)
	if !ok {
		return common.Inconsistent("checkpoint.install", "no table %d", key.Table)
	}
	if !layout.MatchesDescriptor(ld.descriptor) {
		return common.Inconsistent("checkpoint.install", "%v: table definition changed since checkpoint", key)
	}

	f, err := eng.NewFragment(key)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		f.Drop()
		return err
	}

	for _, p := range ld.pages {
		if err := f.InstallPage(p.l, p.image); err != nil {
			return fail(err)
		}
		metrics.CheckpointPages.WithLabelValues("restored").Inc()
	}
	for _, e := range ld.undo {
		if err := f.ApplyUndo(e); err != nil {
			return fail(err)
		}
	}
	if err := f.Rebuild(); err != nil {
		return fail(err)
	}
	if err := eng.AttachFragment(f); err != nil {
		return fail(err)
	}
	return nil
}

// Restore brings back every fragment named by metas into eng, whose tables
// must already be defined. Files are read by up to workers goroutines;
// the engine itself is only touched under a lock.
func Restore(
	ctx context.Context,
	fs afero.Fs,
	basePath string,
	eng *engine.Engine,
	metas []systemcatalog.CheckpointMeta,
	workers int,
	log common.Logger,
) error {
	if len(metas) == 0 {
		return nil
	}
	pool, err := ants.NewPool(max(workers, 1))
	if err != nil {
		return errors.Wrap(err, "restore pool")
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, meta := range metas {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}

			ld, err := load(fs, basePath, meta)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				err = install(eng, ld)
			}
			if err != nil {
				errs = errors.Join(errs, errors.Wrapf(err, "restore %v", meta.Key()))
				return
			}
			log.Infow(
				"fragment restored",
				"fragment", meta.Key().String(),
				"version", meta.Version,
				"pages", len(ld.pages),
				"undo_records", len(ld.undo),
			)
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			errs = errors.Join(errs, errors.Wrap(submitErr, "submit restore"))
			mu.Unlock()
		}
	}
	wg.Wait()

	if errs != nil {
		return errs
	}
	return ctx.Err()
}
