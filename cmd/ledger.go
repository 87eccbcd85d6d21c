package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rakeback-engine/internal/ledger"
	"github.com/sells-group/rakeback-engine/internal/model"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Aggregate, settle and export the rakeback ledger",
}

// periodFlag resolves --period, defaulting to the month before now.
func periodFlag(cmd *cobra.Command, now time.Time) (ledger.Period, error) {
	raw, _ := cmd.Flags().GetString("period")
	if raw == "" {
		return ledger.MonthOf(now).Previous(), nil
	}
	return ledger.ParsePeriod(raw)
}

// -- ledger aggregate --

var ledgerAggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate a month for one partner or all of them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := periodFlag(cmd, env.Clock.Now())
		if err != nil {
			return err
		}
		partnerID, _ := cmd.Flags().GetString("partner")
		if partnerID != "" {
			entry, err := env.Ledger.Aggregate(ctx, partnerID, p)
			if err != nil {
				return eris.Wrap(err, "ledger aggregate")
			}
			formatLedgerEntries(cmd.OutOrStdout(), []model.RakebackLedgerEntry{*entry})
			return nil
		}

		outcomes, err := env.Ledger.AggregateAll(ctx, p)
		if err != nil {
			return eris.Wrap(err, "ledger aggregate")
		}
		formatOutcomes(cmd.OutOrStdout(), outcomes)
		return nil
	},
}

// -- ledger list --

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		partnerID, _ := cmd.Flags().GetString("partner")
		status, _ := cmd.Flags().GetString("status")
		f := model.LedgerFilter{PartnerID: partnerID, Status: model.LedgerStatus(status)}
		if raw, _ := cmd.Flags().GetString("period"); raw != "" {
			p, err := ledger.ParsePeriod(raw)
			if err != nil {
				return err
			}
			f.From, f.To = p.Start, p.End
		}

		entries, err := env.Ledger.Entries(ctx, f)
		if err != nil {
			return eris.Wrap(err, "ledger list")
		}
		formatLedgerEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

// -- ledger pay / dispute / reopen --

var ledgerPayCmd = &cobra.Command{
	Use:   "pay <entry-id> <payment-reference>",
	Short: "Mark a pending entry paid",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		entry, err := env.Ledger.Pay(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "ledger pay")
		}
		formatLedgerEntries(cmd.OutOrStdout(), []model.RakebackLedgerEntry{*entry})
		return nil
	},
}

var ledgerDisputeCmd = &cobra.Command{
	Use:   "dispute <entry-id> <reason>",
	Short: "Dispute a pending entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		entry, err := env.Ledger.Dispute(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "ledger dispute")
		}
		formatLedgerEntries(cmd.OutOrStdout(), []model.RakebackLedgerEntry{*entry})
		return nil
	},
}

var ledgerReopenCmd = &cobra.Command{
	Use:   "reopen <entry-id>",
	Short: "Return a disputed entry to pending and re-aggregate it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		entry, err := env.Ledger.Reopen(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ledger reopen")
		}
		formatLedgerEntries(cmd.OutOrStdout(), []model.RakebackLedgerEntry{*entry})
		return nil
	},
}

// -- ledger export --

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger entries as csv, json or xlsx",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ledger")
		if err != nil {
			return err
		}
		defer env.Close()

		partnerID, _ := cmd.Flags().GetString("partner")
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		req := ledger.ExportRequest{PartnerID: partnerID, Format: format}
		if raw, _ := cmd.Flags().GetString("period"); raw != "" {
			p, err := ledger.ParsePeriod(raw)
			if err != nil {
				return err
			}
			req.From, req.To = p.Start, p.End
		}

		w := cmd.OutOrStdout()
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return eris.Wrap(err, "ledger export: create output")
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := env.Ledger.Export(ctx, w, req); err != nil {
			return eris.Wrap(err, "ledger export")
		}
		return nil
	},
}

func init() {
	ledgerAggregateCmd.Flags().String("period", "", "month to aggregate as YYYY-MM (default previous month)")
	ledgerAggregateCmd.Flags().String("partner", "", "only this partner (default all)")

	ledgerListCmd.Flags().String("partner", "", "filter by partner id")
	ledgerListCmd.Flags().String("status", "", "filter by payment status (PENDING, PAID, DISPUTED)")
	ledgerListCmd.Flags().String("period", "", "filter by month as YYYY-MM")

	ledgerExportCmd.Flags().String("partner", "", "filter by partner id")
	ledgerExportCmd.Flags().String("period", "", "filter by month as YYYY-MM")
	ledgerExportCmd.Flags().String("format", ledger.FormatCSV, "output format (csv, json, xlsx)")
	ledgerExportCmd.Flags().String("out", "", "write to this file instead of stdout")

	ledgerCmd.AddCommand(ledgerAggregateCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerPayCmd)
	ledgerCmd.AddCommand(ledgerDisputeCmd)
	ledgerCmd.AddCommand(ledgerReopenCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
	rootCmd.AddCommand(ledgerCmd)
}
