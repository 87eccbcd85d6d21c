package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var partnersCmd = &cobra.Command{
	Use:   "partners",
	Short: "Manage rakeback partners and their rules",
}

// -- partners list --

var partnersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List partners",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "partners")
		if err != nil {
			return err
		}
		defer env.Close()

		partners, err := env.Rules.ListPartners(ctx)
		if err != nil {
			return eris.Wrap(err, "partners list")
		}
		if len(partners) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No partners found.")
			return nil
		}
		formatPartners(cmd.OutOrStdout(), partners)
		return nil
	},
}

// -- partners show --

var partnersShowCmd = &cobra.Command{
	Use:   "show <partner-id>",
	Short: "Show a partner with its rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "partners")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Rules.GetPartner(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "partners show")
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

// -- partners import --

var partnersImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create partners from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "partners")
		if err != nil {
			return err
		}
		defer env.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "partners import: open file")
		}
		defer f.Close() //nolint:errcheck

		historical, _ := cmd.Flags().GetBool("historical")
		actor, _ := cmd.Flags().GetString("actor")
		res, err := env.Rules.ImportPartners(ctx, f, actor, historical)
		if err != nil {
			return eris.Wrap(err, "partners import")
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created: %d\n", len(res.Created))
		fmt.Fprintf(out, "Skipped: %d\n", len(res.Skipped))
		return nil
	},
}

// -- partners log --

var partnersLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the rule change log, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "partners")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := env.Rules.ListChangeLog(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "partners log")
		}
		formatChangeLog(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	partnersImportCmd.Flags().Bool("historical", false, "accept effective blocks below the chain head (bootstrap only)")
	partnersImportCmd.Flags().String("actor", "cli", "actor recorded in the change log")
	partnersLogCmd.Flags().Int("limit", 50, "max number of entries to display")

	partnersCmd.AddCommand(partnersListCmd)
	partnersCmd.AddCommand(partnersShowCmd)
	partnersCmd.AddCommand(partnersImportCmd)
	partnersCmd.AddCommand(partnersLogCmd)
	rootCmd.AddCommand(partnersCmd)
}
