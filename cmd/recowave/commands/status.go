package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var showResults bool

	cmd := &cobra.Command{
		Use:     "status EXECUTION_ID PLAN_ID",
		Short:   "Show execution status",
		Example: `  recowave status 7d9e2c1a plan-payments --results`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			exec, err := a.orch.Status(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(exec)
			}
			printExecution(exec)
			if showResults {
				for _, result := range exec.WaveResults {
					fmt.Printf("  Result wave %d (%s): %s launched=%d failed=%d\n",
						result.WaveNumber, result.WaveName, result.Status,
						result.LaunchedServers, result.FailedServers)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showResults, "results", false, "include per-wave result records")

	return cmd
}
