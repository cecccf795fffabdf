package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recowave/recowave/pkg/orchestrator"
	"github.com/recowave/recowave/pkg/plans"
	"github.com/recowave/recowave/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		planSources []string
		policyPaths []string
		accountID   string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a recovery plan",
		Long: `Parse a CUE recovery plan, run structural validation and evaluate the
admission policies against it without creating an execution.`,
		Example: `  # Validate a plan file
  recowave validate --plan plans/payments.cue

  # Validate with layered sources and custom policies
  recowave validate --plan plans/base.cue --plan plans/prod.cue --policies policies/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			plan, parsed, err := loadPlan(cmd.Context(), planSources)
			if err != nil {
				return err
			}
			if plan == nil {
				for _, e := range parsed.Errors {
					printValidationError(e)
				}
				return fmt.Errorf("plan is invalid: %d error(s)", len(parsed.Errors))
			}

			result, err := evaluatePolicies(cmd.Context(), a, plan, policyPaths, accountID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}

			fmt.Printf("Plan %s: %d wave(s), type %s\n", plan.ID, len(plan.Waves), plan.Type)
			for _, warning := range result.Warnings {
				fmt.Printf("  warning: %s\n", warning)
			}
			for _, violation := range result.Violations {
				printViolation(violation)
			}
			if !result.Allowed {
				return fmt.Errorf("plan blocked by %d policy violation(s)", len(result.Violations))
			}
			fmt.Printf("Plan allowed (%d policies evaluated)\n", len(result.EvaluatedPolicies))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&planSources, "plan", "p", nil, "plan CUE file or directory (repeatable)")
	cmd.Flags().StringSliceVar(&policyPaths, "policies", nil, "additional policy files or directories")
	cmd.Flags().StringVar(&accountID, "account-id", "", "account id for policy evaluation context")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

// loadPlan parses plan sources. A nil plan with a non-nil parsed result
// means the document had validation errors.
func loadPlan(ctx context.Context, sources []string) (*orchestrator.RecoveryPlan, *plans.ParsedPlan, error) {
	parser := plans.NewParser()
	parsed, err := parser.Parse(ctx, sources)
	if err != nil {
		return nil, nil, err
	}
	if !parsed.Valid() {
		return nil, parsed, nil
	}
	return parsed.Plan, parsed, nil
}

// evaluatePolicies runs builtin plus optional file policies over a plan.
func evaluatePolicies(ctx context.Context, a *app, plan *orchestrator.RecoveryPlan, policyPaths []string, accountID string) (*policy.Result, error) {
	opts := []policy.Option{policy.WithGroupReader(a.store)}
	if accountID != "" {
		opts = append(opts, policy.WithEvalContext(policy.EvalContext{AccountID: accountID}))
	}
	engine, err := policy.NewEngine(a.logger.Zerolog(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(policyPaths) > 0 {
		if err := engine.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	result, err := engine.EvaluatePlan(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	for _, violation := range result.Violations {
		_ = a.publisher.PublishPolicyViolation(plan.ID, violation.Policy, violation.Message)
	}
	return result, nil
}

func printValidationError(e plans.ValidationError) {
	switch {
	case e.File != "" && e.Line > 0:
		fmt.Printf("  %s:%d:%d: %s\n", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		fmt.Printf("  %s: %s\n", e.Path, e.Message)
	default:
		fmt.Printf("  %s\n", e.Message)
	}
}

func printViolation(v policy.Violation) {
	scope := ""
	if v.WaveNumber != nil {
		scope = fmt.Sprintf(" (wave %d", *v.WaveNumber)
		if v.GroupID != "" {
			scope += ", group " + v.GroupID
		}
		scope += ")"
	} else if v.GroupID != "" {
		scope = fmt.Sprintf(" (group %s)", v.GroupID)
	}
	fmt.Printf("  %s [%s]%s: %s\n", v.Policy, v.Severity, scope, v.Message)
}
