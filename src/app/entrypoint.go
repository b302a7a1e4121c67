package app

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"
)

type Entrypoint interface {
	io.Closer
	Init(ctx context.Context) error
	Run(ctx context.Context) error
}

// Run drives e until it finishes or the process is signalled. Close always
// runs after Run has returned: the storage engine must not be touched from
// two goroutines.
func Run(ctx context.Context, e Entrypoint) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := e.Init(ctx); err != nil {
		return errors.Wrap(err, "entrypoint init error")
	}

	eg, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	eg.Go(func() error {
		defer close(done)
		return e.Run(ctx)
	})

	// graceful shutdown
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			fmt.Printf("gracefully shutting down app...\n")
		case <-done:
		}
		<-done

		return e.Close()
	})

	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "app was shut down")
	}

	return nil
}
