package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rakeback-engine/internal/attribution"
	"github.com/sells-group/rakeback-engine/internal/conversion"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest block attributions and conversion events",
}

// -- ingest attributions --

var ingestAttributionsCmd = &cobra.Command{
	Use:   "attributions",
	Short: "Attribute a validator's yield for a block range",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		validator, _ := cmd.Flags().GetString("validator")
		start, _ := cmd.Flags().GetInt64("start")
		end, _ := cmd.Flags().GetInt64("end")
		force, _ := cmd.Flags().GetBool("force")

		res, err := env.Attribution.Ingest(ctx, attribution.Request{
			Validator:  validator,
			StartBlock: start,
			EndBlock:   end,
			Force:      force,
		})
		if err != nil {
			return eris.Wrap(err, "ingest attributions")
		}
		formatIngestResult(cmd.OutOrStdout(), res)
		return nil
	},
}

// -- ingest retry --

var ingestRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Replay failed blocks whose retry is due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		res, err := env.Attribution.RetryFailed(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "retry failed blocks")
		}
		formatIngestResult(cmd.OutOrStdout(), res)
		return nil
	},
}

// -- ingest conversions --

var ingestConversionsCmd = &cobra.Command{
	Use:   "conversions",
	Short: "Discover and allocate conversion events for a block range",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		validator, _ := cmd.Flags().GetString("validator")
		start, _ := cmd.Flags().GetInt64("start")
		end, _ := cmd.Flags().GetInt64("end")

		res, err := env.Conversion.Ingest(ctx, conversion.IngestRequest{
			StartBlock: start,
			EndBlock:   end,
			Validator:  validator,
		})
		if err != nil {
			return eris.Wrap(err, "ingest conversions")
		}
		formatConversionResult(cmd.OutOrStdout(), res)
		return nil
	},
}

// -- ingest allocate --

var ingestAllocateCmd = &cobra.Command{
	Use:   "allocate <event-id>",
	Short: "Allocate one pending conversion event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		ev, err := env.Conversion.Allocate(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "allocate conversion")
		}
		return printJSON(cmd.OutOrStdout(), ev)
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestAttributionsCmd, ingestConversionsCmd} {
		c.Flags().Int64("start", 0, "first block of the range (inclusive)")
		c.Flags().Int64("end", 0, "last block of the range (inclusive)")
		_ = c.MarkFlagRequired("start")
		_ = c.MarkFlagRequired("end")
	}
	ingestAttributionsCmd.Flags().String("validator", "", "validator hotkey")
	_ = ingestAttributionsCmd.MarkFlagRequired("validator")
	ingestAttributionsCmd.Flags().Bool("force", false, "re-ingest blocks that already have attributions")
	ingestConversionsCmd.Flags().String("validator", "", "only this validator hotkey (default all)")

	ingestRetryCmd.Flags().Int("limit", 100, "max number of due blocks to replay")

	ingestCmd.AddCommand(ingestAttributionsCmd)
	ingestCmd.AddCommand(ingestConversionsCmd)
	ingestCmd.AddCommand(ingestAllocateCmd)
	ingestCmd.AddCommand(ingestRetryCmd)
	rootCmd.AddCommand(ingestCmd)
}
