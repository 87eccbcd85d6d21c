package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rakeback-engine/internal/monitoring"
)

var completenessCmd = &cobra.Command{
	Use:   "completeness",
	Short: "Inspect data completeness and open issues",
}

// -- completeness show --

var completenessShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show completeness metrics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "completeness")
		if err != nil {
			return err
		}
		defer env.Close()

		start, _ := cmd.Flags().GetInt64("start")
		end, _ := cmd.Flags().GetInt64("end")
		validator, _ := cmd.Flags().GetString("validator")
		report, err := env.Monitor.Completeness(ctx, monitoring.Scope{StartBlock: start, EndBlock: end, Validator: validator})
		if err != nil {
			return eris.Wrap(err, "completeness show")
		}
		formatReport(cmd.OutOrStdout(), report)
		return nil
	},
}

// -- completeness refresh --

var completenessRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-derive issues, opening new ones and resolving fixed ones",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "completeness")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Monitor.Refresh(ctx)
		if err != nil {
			return eris.Wrap(err, "completeness refresh")
		}
		formatRefresh(cmd.OutOrStdout(), res)
		return nil
	},
}

// -- completeness issues --

var completenessIssuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List issues",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "completeness")
		if err != nil {
			return err
		}
		defer env.Close()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		issues, err := env.Monitor.Issues(ctx, all, limit)
		if err != nil {
			return eris.Wrap(err, "completeness issues")
		}
		formatIssues(cmd.OutOrStdout(), issues)
		return nil
	},
}

func init() {
	completenessShowCmd.Flags().Int64("start", 0, "first block of the scope")
	completenessShowCmd.Flags().Int64("end", 0, "last block of the scope")
	completenessShowCmd.Flags().String("validator", "", "only this validator hotkey")

	completenessIssuesCmd.Flags().Bool("all", false, "include resolved issues")
	completenessIssuesCmd.Flags().Int("limit", 100, "max number of issues to display")

	completenessCmd.AddCommand(completenessShowCmd)
	completenessCmd.AddCommand(completenessRefreshCmd)
	completenessCmd.AddCommand(completenessIssuesCmd)
	rootCmd.AddCommand(completenessCmd)
}
