package commands

import (
	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel EXECUTION_ID PLAN_ID",
		Short: "Cancel a running execution",
		Long: `Flag an execution for cancellation. The next poll observes the flag,
cancels the remaining waves and finalizes the execution. Instances
already launched by completed waves are left running.`,
		Example: `  recowave cancel 7d9e2c1a plan-payments`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			exec, err := a.orch.Cancel(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			_ = a.publisher.PublishExecutionCancelled(exec.ID)

			if jsonOutput {
				return printJSON(exec)
			}
			printExecution(exec)
			return nil
		},
	}

	return cmd
}
