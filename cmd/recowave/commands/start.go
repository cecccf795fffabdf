package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recowave/recowave/pkg/orchestrator"
)

func newStartCommand() *cobra.Command {
	var (
		planSources []string
		policyPaths []string
		accountID   string
		roleName    string
		externalID  string
		skipPolicy  bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a recovery plan execution",
		Long: `Parse a recovery plan, run admission policies and conflict checks, and
start its first wave. The execution id is printed on success; use
"recowave poll" to drive it forward.`,
		Example: `  # Start a drill
  recowave start --plan plans/payments.cue

  # Start into another account
  recowave start --plan plans/payments.cue --account-id 111122223333 --role-name recovery`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			plan, parsed, err := loadPlan(ctx, planSources)
			if err != nil {
				return err
			}
			if plan == nil {
				for _, e := range parsed.Errors {
					printValidationError(e)
				}
				return fmt.Errorf("plan is invalid: %d error(s)", len(parsed.Errors))
			}

			if !skipPolicy {
				result, err := evaluatePolicies(ctx, a, plan, policyPaths, accountID)
				if err != nil {
					return err
				}
				for _, violation := range result.Violations {
					printViolation(violation)
				}
				if !result.Allowed {
					return fmt.Errorf("plan blocked by %d policy violation(s)", len(result.Violations))
				}
			}

			var account *orchestrator.AccountContext
			if accountID != "" {
				account = &orchestrator.AccountContext{
					AccountID:  accountID,
					RoleName:   roleName,
					ExternalID: externalID,
				}
			}

			exec, conflicts, err := a.orch.Begin(ctx, plan, account)
			if len(conflicts) > 0 {
				for _, conflict := range conflicts {
					printConflict(conflict)
					_ = a.publisher.PublishConflictDetected(plan.ID, string(conflict.Kind), conflict.Message)
				}
				return fmt.Errorf("plan not admitted: %d conflict(s)", len(conflicts))
			}
			if exec != nil {
				_ = a.publisher.PublishExecutionStarted(exec.ID, exec.PlanID, string(exec.Type))
			}
			if err != nil {
				if exec != nil {
					fmt.Printf("Execution %s created but first wave failed to start\n", exec.ID)
					printExecution(exec)
				}
				return err
			}

			if jsonOutput {
				return printJSON(exec)
			}
			printExecution(exec)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&planSources, "plan", "p", nil, "plan CUE file or directory (repeatable)")
	cmd.Flags().StringSliceVar(&policyPaths, "policies", nil, "additional policy files or directories")
	cmd.Flags().StringVar(&accountID, "account-id", "", "target account id")
	cmd.Flags().StringVar(&roleName, "role-name", "", "role to assume in the target account")
	cmd.Flags().StringVar(&externalID, "external-id", "", "external id for role assumption")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "skip admission policy evaluation")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func printConflict(c orchestrator.Conflict) {
	fmt.Printf("  conflict [%s] wave %d", c.Kind, c.WaveNumber)
	if c.ServerID != "" {
		fmt.Printf(" server=%s", c.ServerID)
	}
	if c.ExecutionID != "" {
		fmt.Printf(" held-by=%s", c.ExecutionID)
	}
	if c.JobID != "" {
		fmt.Printf(" job=%s", c.JobID)
	}
	fmt.Printf(": %s\n", c.Message)
}
