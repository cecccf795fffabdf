package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newDriftCommand() *cobra.Command {
	var (
		groupID    string
		scriptPath string
		reportFile string
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect launch-config drift for a protection group",
		Long: `Compare a protection group's currently-desired launch configurations
against the hashes recorded when they were last applied. Servers whose
configuration changed, or that were never applied, are reported as
drifted and should be reconfigured before the next execution.`,
		Example: `  # Check drift against the group's stored configurations
  recowave drift --group pg-payments

  # Check drift against script-derived configurations
  recowave drift --group pg-payments --script configs/payments.star

  # Write a drift report
  recowave drift --group pg-payments --report drift.json`,
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

			_, configs, err := desiredConfigs(ctx, a, group, scriptPath, account)
			if err != nil {
				return err
			}

			report, err := a.configs.DetectDrift(ctx, group.GroupID, configs)
			if err != nil {
				return err
			}
			if report.HasDrift {
				_ = a.publisher.PublishDriftDetected(group.GroupID, len(report.DriftedServers))
			}

			if reportFile != "" {
				raw, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(reportFile, raw, 0o644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
			}

			if jsonOutput {
				return printJSON(report)
			}
			if !report.HasDrift {
				fmt.Printf("Group %s: no drift (%d server(s) checked)\n", group.GroupID, len(configs))
				return nil
			}
			fmt.Printf("Group %s: %d server(s) drifted\n", group.GroupID, len(report.DriftedServers))
			for _, serverID := range report.DriftedServers {
				detail := report.Details[serverID]
				fmt.Printf("  %s: %s\n", serverID, detail.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&groupID, "group", "g", "", "protection group id")
	cmd.Flags().StringVar(&scriptPath, "script", "", "Starlark config script path")
	cmd.Flags().StringVar(&reportFile, "report", "", "drift report output file")
	_ = cmd.MarkFlagRequired("group")

	return cmd
}
