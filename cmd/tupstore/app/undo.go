package app

import (
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/TupleStore/src/app"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

func initUndo() {
	undo := &cobra.Command{
		Use:   "undo",
		Short: "Inspects checkpoint UNDO logs",
	}

	var table, frag uint32
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Prints the UNDO log of a fragment's newest checkpoint, newest record first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := common.FragmentKey{Table: common.TableID(table), Frag: common.FragID(frag)}
			e := app.NewUndoDumpEntrypoint(rootCmd.Options.ConfigPath, cmd.OutOrStdout(), key)
			return app.Run(cmd.Context(), e)
		},
	}
	dump.Flags().Uint32Var(&table, "table", 1, "Table id")
	dump.Flags().Uint32Var(&frag, "frag", 0, "Fragment id")

	undo.AddCommand(dump)
	rootCmd.AddCommand(undo)
}
