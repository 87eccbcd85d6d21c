package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/sells-group/rakeback-engine/internal/ledger"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatIngestResult(out io.Writer, res *model.IngestResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Blocks processed:\t%d\n", res.BlocksProcessed)
	_, _ = fmt.Fprintf(w, "Blocks created:\t%d\n", res.BlocksCreated)
	_, _ = fmt.Fprintf(w, "Blocks skipped:\t%d\n", res.BlocksSkipped)
	_, _ = fmt.Fprintf(w, "Attributions created:\t%d\n", res.AttributionsCreated)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", len(res.Errors))
	if res.Cancelled {
		_, _ = fmt.Fprintln(w, "Cancelled:\tyes")
	}
	for _, e := range res.Errors {
		_, _ = fmt.Fprintf(w, "  block %d\t%s\t%s\n", e.BlockNumber, e.Kind, e.Error)
	}
	_ = w.Flush()
}

func formatConversionResult(out io.Writer, res *model.ConversionIngestResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Events discovered:\t%d\n", res.EventsDiscovered)
	_, _ = fmt.Fprintf(w, "Events created:\t%d\n", res.EventsCreated)
	_, _ = fmt.Fprintf(w, "Events skipped:\t%d\n", res.EventsSkipped)
	_, _ = fmt.Fprintf(w, "Events allocated:\t%d\n", res.EventsAllocated)
	_, _ = fmt.Fprintf(w, "Allocations created:\t%d\n", res.AllocationsCreated)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", len(res.Errors))
	for _, e := range res.Errors {
		subject := e.EventID
		if subject == "" {
			subject = e.ValidatorHotkey
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\n", subject, e.Error)
	}
	_ = w.Flush()
}

// formatLedgerEntries writes a tabular list of ledger entries to out.
func formatLedgerEntries(out io.Writer, entries []model.RakebackLedgerEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPARTNER\tPERIOD\tTYPE\tTAO_ATTRIBUTED\tTAO_OWED\tLINES\tSTATUS")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t----\t--------------\t--------\t-----\t------")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(e.ID),
			e.PartnerID,
			ledger.MonthOf(e.PeriodStart),
			e.Kind,
			e.GrossSettlement.String(),
			e.AmountOwed.String(),
			e.LineCount,
			e.Status,
		)
	}
	_ = w.Flush()
}

func formatOutcomes(out io.Writer, outcomes []ledger.Outcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARTNER\tENTRY\tTAO_OWED\tSTATUS\tERROR")
	for _, o := range outcomes {
		if o.Entry == nil {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t%s\n", o.PartnerID, o.Error)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
			o.PartnerID, truncateID(o.Entry.ID), o.Entry.AmountOwed.String(), o.Entry.Status)
	}
	_ = w.Flush()
}

func formatPartners(out io.Writer, partners []model.Partner) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tRATE\tPRIORITY\tSTATUS\tVERSION\tRULES")
	for _, p := range partners {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%d\n",
			p.ID, p.Name, p.Kind, p.RakebackRate.String(), p.Priority, p.Status, p.Version, len(p.Rules))
	}
	_ = w.Flush()
}

func formatChangeLog(out io.Writer, entries []model.RuleChangeLogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tACTOR\tACTION\tPARTNER\tEFFECTIVE_BLOCK")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			e.CreatedAt.Format("2006-01-02 15:04"), e.Actor, e.Action, e.PartnerID, e.EffectiveBlock)
	}
	_ = w.Flush()
}

func formatRatio(r monitoring.Ratio) string {
	return fmt.Sprintf("%.2f%% (%d/%d)", r.Percent, r.Complete, r.Total)
}

func formatReport(out io.Writer, r *monitoring.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Block coverage:\t%s\n", formatRatio(r.BlockCoverage))
	_, _ = fmt.Fprintf(w, "Yield data:\t%s\n", formatRatio(r.YieldData))
	_, _ = fmt.Fprintf(w, "Conversion allocation:\t%s\n", formatRatio(r.ConversionAllocation))
	_, _ = fmt.Fprintf(w, "Ledger entries paid:\t%s\n", formatRatio(r.LedgerEntries))

	sev := make([]string, 0, len(r.OpenIssues))
	for k := range r.OpenIssues {
		sev = append(sev, k)
	}
	sort.Strings(sev)
	for _, k := range sev {
		_, _ = fmt.Fprintf(w, "Open %s issues:\t%d\n", k, r.OpenIssues[k])
	}

	if len(r.Validators) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "VALIDATOR\tFIRST\tLAST\tEXPECTED\tCOMPLETE\tPARTIAL\tMISSING")
		for _, v := range r.Validators {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
				v.Validator, v.FirstBlock, v.LastBlock, v.ExpectedBlocks, v.CompleteBlocks, v.PartialBlocks, v.MissingBlocks)
		}
	}
	_ = w.Flush()
}

func formatRefresh(out io.Writer, res *monitoring.RefreshResult) {
	_, _ = fmt.Fprintf(out, "Opened: %d\nResolved: %d\nOpen: %d\n", len(res.Opened), len(res.Resolved), res.Open)
}

func formatIssues(out io.Writer, issues []model.Issue) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "OPENED\tSEVERITY\tCATEGORY\tSUBJECT\tRESOLVED")
	for _, is := range issues {
		resolved := ""
		if is.ResolvedAt != nil {
			resolved = is.ResolvedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			is.OpenedAt.Format("2006-01-02 15:04"), is.Severity, is.Category, is.Subject, resolved)
	}
	_ = w.Flush()
}
