package app

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/TupleStore/src/app"
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

func initRun() {
	var (
		opts  app.WorkloadOptions
		table uint32
		frag  uint32
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Restores the data directory and plays a seeded workload while checkpointing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Frag = common.FragmentKey{Table: common.TableID(table), Frag: common.FragID(frag)}
			if !cmd.Flags().Changed("seed") {
				opts.Seed = time.Now().UnixNano()
			}
			e := app.NewRunEntrypoint(rootCmd.Options.ConfigPath, cmd.OutOrStdout(), opts)
			return app.Run(cmd.Context(), e)
		},
	}

	cmd.Flags().Uint32Var(&table, "table", 1, "Table id of the workload table")
	cmd.Flags().Uint32Var(&frag, "frag", 0, "Fragment id within the table")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Workload seed, random when unset")
	cmd.Flags().IntVar(&opts.Txns, "txns", 1000, "Number of transactions to run")
	cmd.Flags().IntVar(&opts.MaxOpen, "max-open", 8, "Transactions in flight at once")
	cmd.Flags().IntVar(&opts.StepEvery, "step-every", 10, "Operations between checkpoint steps")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "Restore every checkpoint into a scratch engine and compare")

	rootCmd.AddCommand(cmd)
}
