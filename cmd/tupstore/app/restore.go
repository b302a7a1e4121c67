package app

import (
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/TupleStore/src/app"
)

func initRestore() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "restore",
		Short: "Restores every checkpointed fragment and lists them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := app.NewRestoreEntrypoint(rootCmd.Options.ConfigPath, cmd.OutOrStdout())
			return app.Run(cmd.Context(), e)
		},
	})
}
