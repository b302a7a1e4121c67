package app

import (
	"context"

	"github.com/Blackdeer1524/TupleStore/src/cli"
)

var rootCmd = cli.Init("tupstore")

func MustExecute(ctx context.Context) {
	initRun()
	initRestore()
	initUndo()
	rootCmd.MustExecute(ctx)
}
