package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/recowave/recowave/pkg/orchestrator"
)

func newPollCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "poll EXECUTION_ID PLAN_ID",
		Short: "Poll an execution once",
		Long: `Run one poll cycle for an execution: read the current wave's job from
the control plane, update the execution state and start the next wave,
pause, or finalize as appropriate. Designed to be driven by an external
scheduler.`,
		Example: `  # Poll with the default 60s interval accounting
  recowave poll 7d9e2c1a plan-payments

  # Poll with a custom interval
  recowave poll 7d9e2c1a plan-payments --interval 30s`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			exec, err := a.orch.Poll(ctx, args[0], args[1], orchestrator.PollOptions{Interval: interval})
			if err != nil {
				return err
			}
			publishTerminal(a, exec)

			if jsonOutput {
				return printJSON(exec)
			}
			printExecution(exec)
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "wait time charged against the wave budget (default 60s)")

	return cmd
}

// publishTerminal emits a lifecycle event when an execution just reached a
// terminal status.
func publishTerminal(a *app, exec *orchestrator.Execution) {
	if exec == nil || !exec.Status.IsTerminal() {
		return
	}
	switch exec.Status {
	case orchestrator.ExecutionStatusFailed:
		code := ""
		msg := ""
		for i := range exec.Waves {
			if exec.Waves[i].ErrorCode != "" {
				code = exec.Waves[i].ErrorCode
				msg = exec.Waves[i].Error
				break
			}
		}
		_ = a.publisher.PublishExecutionFailed(exec.ID, code, msg)
	case orchestrator.ExecutionStatusCancelled:
		_ = a.publisher.PublishExecutionCancelled(exec.ID)
	default:
		_ = a.publisher.PublishExecutionCompleted(exec.ID, string(exec.Status), exec.Duration)
	}
}
