package commands

import (
	"github.com/spf13/cobra"
)

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume EXECUTION_ID PLAN_ID",
		Short: "Resume a paused execution",
		Long: `Resume an execution paused before a wave. The pause marker is cleared
and the wave it pointed at is started.`,
		Example: `  recowave resume 7d9e2c1a plan-payments`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			exec, err := a.orch.Resume(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(exec)
			}
			printExecution(exec)
			return nil
		},
	}

	return cmd
}
