package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recowave/recowave/pkg/orchestrator"
)

func newGroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage protection groups",
		Long: `Register and inspect protection groups. A group selects its member
servers either by an explicit id list or by tag matching, and carries
the launch configurations applied before its waves start.`,
	}

	cmd.AddCommand(newGroupPutCommand())
	cmd.AddCommand(newGroupGetCommand())
	cmd.AddCommand(newGroupListCommand())

	return cmd
}

func newGroupPutCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a protection group",
		Example: `  recowave group put --file groups/payments.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read group file: %w", err)
			}
			var group orchestrator.ProtectionGroup
			if err := json.Unmarshal(raw, &group); err != nil {
				return fmt.Errorf("failed to parse group file: %w", err)
			}
			if group.GroupID == "" {
				return fmt.Errorf("group file must set group_id")
			}
			if group.Region == "" {
				return fmt.Errorf("group file must set region")
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.store.PutProtectionGroup(ctx, &group); err != nil {
				return err
			}
			fmt.Printf("Group %s stored (%s)\n", group.GroupID, group.Region)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "group definition JSON file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newGroupGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get GROUP_ID",
		Short:   "Show a protection group",
		Example: `  recowave group get pg-payments --json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			group, err := a.store.GetProtectionGroup(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(group)
			}
			printGroup(group)
			return nil
		},
	}

	return cmd
}

func newGroupListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List protection groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			groups, err := a.store.ListProtectionGroups(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(groups)
			}
			for i := range groups {
				printGroup(&groups[i])
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum groups to list")

	return cmd
}

func printGroup(group *orchestrator.ProtectionGroup) {
	fmt.Printf("Group %s (%s) region=%s", group.GroupID, group.Name, group.Region)
	if len(group.ServerIDs) > 0 {
		fmt.Printf(" servers=%d", len(group.ServerIDs))
	}
	if len(group.Tags) > 0 {
		fmt.Printf(" tags=%d", len(group.Tags))
	}
	if group.LaunchConfigStatus != nil {
		fmt.Printf(" config=%s", group.LaunchConfigStatus.Status)
	}
	fmt.Println()
}
