package app

import (
	"fmt"
	"syscall"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/TupleStore/src/cfg"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/pkg/utils"
)

func newLogger(env cfg.Environment) common.Logger {
	if env == cfg.EnvDev {
		return utils.Must(zap.NewDevelopment()).Sugar()
	}
	return utils.Must(zap.NewProduction()).Sugar()
}

// closeLogger flushes log and joins a flush failure into err.
func closeLogger(log common.Logger, err error) error {
	if log == nil {
		return err
	}
	if err != nil {
		log.Errorw("entrypoint failed", "error", err)
	}

	logErr := log.Sync()
	// stderr on a terminal refuses fsync
	if errors.Is(logErr, syscall.EINVAL) || errors.Is(logErr, syscall.ENOTTY) {
		logErr = nil
	}
	if logErr != nil && err != nil {
		err = fmt.Errorf("%w, %w", err, logErr)
	} else if logErr != nil {
		err = logErr
	}
	return err
}
