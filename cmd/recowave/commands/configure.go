package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/recowave/recowave/pkg/orchestrator"
	"github.com/recowave/recowave/pkg/plans"
	"github.com/recowave/recowave/pkg/telemetry"
)

func newConfigureCommand() *cobra.Command {
	var (
		groupID    string
		scriptPath string
		budget     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Apply launch configurations for a protection group",
		Long: `Resolve a protection group's members, apply each server's launch
configuration to the control plane and persist the per-server outcome.
Configurations come from the group record, or from a Starlark script
evaluated against each server's metadata.`,
		Example: `  # Apply the group's stored configurations
  recowave configure --group pg-payments

  # Derive configurations from a script
  recowave configure --group pg-payments --script configs/payments.star`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			group, err := a.store.GetProtectionGroup(ctx, groupID)
			if err != nil {
				return err
			}
			account := groupAccount(group)

			members, configs, err := desiredConfigs(ctx, a, group, scriptPath, account)
			if err != nil {
				return err
			}

			result, err := a.configs.ApplyConfigs(ctx, orchestrator.ApplyInput{
				GroupID:       group.GroupID,
				Region:        group.Region,
				ServerIDs:     members,
				LaunchConfigs: configs,
				Budget:        budget,
				Account:       account,
			})
			if err != nil {
				return err
			}

			prev, _ := a.configs.GetStatus(ctx, group.GroupID)
			status := result.ToStatus(prev, "recowave-cli", time.Now())
			if err := a.configs.PersistStatus(ctx, group.GroupID, status); err != nil {
				return err
			}

			_ = a.publisher.Publish(telemetry.Event{
				Type:    "config.applied",
				Source:  "cli",
				GroupID: group.GroupID,
				Message: fmt.Sprintf("Applied launch configs for group %s: %s", group.GroupID, result.Status),
				Level:   telemetry.EventLevelInfo,
				Data: map[string]interface{}{
					"applied": result.AppliedServers,
					"failed":  result.FailedServers,
					"pending": result.PendingServers,
				},
			})

			if jsonOutput {
				return printJSON(status)
			}
			fmt.Printf("Group %s: %s (applied=%d failed=%d pending=%d)\n",
				group.GroupID, result.Status,
				result.AppliedServers, result.FailedServers, result.PendingServers)
			for _, msg := range result.Errors {
				fmt.Printf("  error: %s\n", msg)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&groupID, "group", "g", "", "protection group id")
	cmd.Flags().StringVar(&scriptPath, "script", "", "Starlark config script path")
	cmd.Flags().DurationVar(&budget, "budget", 0, "time budget for the whole apply")
	_ = cmd.MarkFlagRequired("group")

	return cmd
}

// groupAccount derives the account context a group is managed under.
func groupAccount(group *orchestrator.ProtectionGroup) *orchestrator.AccountContext {
	if group.AccountID == "" {
		return nil
	}
	return &orchestrator.AccountContext{
		AccountID: group.AccountID,
		RoleName:  group.RoleName,
	}
}

// desiredConfigs resolves a group's members and their desired launch
// configurations. With a script, configurations are derived per server from
// its metadata; otherwise the group's stored configurations are used.
func desiredConfigs(ctx context.Context, a *app, group *orchestrator.ProtectionGroup, scriptPath string, account *orchestrator.AccountContext) ([]string, map[string]map[string]any, error) {
	members, err := a.admission.ResolveMembership(ctx, group, account)
	if err != nil {
		return nil, nil, err
	}

	if scriptPath == "" {
		configs := make(map[string]map[string]any, len(members))
		for _, id := range members {
			if cfg, ok := group.LaunchConfigs[id]; ok {
				configs[id] = cfg
			}
		}
		return members, configs, nil
	}

	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config script: %w", err)
	}

	client, err := a.provider.ClientFor(ctx, account, group.Region)
	if err != nil {
		return nil, nil, err
	}
	servers, err := client.DescribeSourceServers(ctx, group.Region)
	if err != nil {
		return nil, nil, err
	}
	memberSet := make(map[string]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}
	scoped := make([]orchestrator.SourceServer, 0, len(members))
	for _, server := range servers {
		if memberSet[server.SourceServerID] {
			scoped = append(scoped, server)
		}
	}

	evaluator := plans.NewScriptEvaluator(0)
	configs, err := evaluator.BuildLaunchConfigs(ctx, string(script), scoped)
	if err != nil {
		return nil, nil, err
	}
	return members, configs, nil
}
