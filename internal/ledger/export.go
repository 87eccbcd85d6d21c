package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/rakeback-engine/internal/model"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

// ContentType returns the MIME type of an export format.
func ContentType(format string) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// ExportRequest selects entries whose period starts in [From, To).
type ExportRequest struct {
	PartnerID string
	From      time.Time
	To        time.Time
	Format    string
}

var exportHeader = []string{
	"entry_id", "partner_id", "partner_name", "period_start", "period_end", "entry_type",
	"tao_attributed", "tao_owed", "line_count", "payment_status", "payment_tx_hash", "paid_at",
}

// Export writes the selected ledger entries to w.
func (a *Aggregator) Export(ctx context.Context, w io.Writer, req ExportRequest) error {
	switch req.Format {
	case FormatCSV, FormatJSON, FormatXLSX:
	default:
		return model.Invalid("format", "must be one of csv, json, xlsx")
	}
	if !req.From.IsZero() && !req.To.IsZero() && !req.From.Before(req.To) {
		return model.Invalid("to", "must be after from")
	}

	entries, err := a.Entries(ctx, model.LedgerFilter{PartnerID: req.PartnerID, From: req.From, To: req.To})
	if err != nil {
		return err
	}

	switch req.Format {
	case FormatJSON:
		if entries == nil {
			entries = []model.RakebackLedgerEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(entries), "ledger: encode json export")
	case FormatXLSX:
		return writeXLSX(w, entries)
	}
	return writeCSV(w, entries)
}

// Entries lists ledger entries with partner names filled in.
func (a *Aggregator) Entries(ctx context.Context, f model.LedgerFilter) ([]model.RakebackLedgerEntry, error) {
	entries, err := a.st.ListLedgerEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	partners, err := a.st.ListPartners(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(partners))
	for _, p := range partners {
		names[p.ID] = p.Name
	}
	for i := range entries {
		entries[i].PartnerName = names[entries[i].PartnerID]
	}
	return entries, nil
}

func exportRow(e model.RakebackLedgerEntry) []string {
	paidAt := ""
	if e.PaidAt != nil {
		paidAt = e.PaidAt.Format(time.RFC3339)
	}
	return []string{
		e.ID, e.PartnerID, e.PartnerName,
		e.PeriodStart.Format(time.RFC3339), e.PeriodEnd.Format(time.RFC3339),
		string(e.Kind), e.GrossSettlement.String(), e.AmountOwed.String(),
		strconv.Itoa(e.LineCount), string(e.Status), e.PaymentReference, paidAt,
	}
}

func writeCSV(w io.Writer, entries []model.RakebackLedgerEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return eris.Wrap(err, "ledger: write csv header")
	}
	for _, e := range entries {
		if err := cw.Write(exportRow(e)); err != nil {
			return eris.Wrap(err, "ledger: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "ledger: flush csv")
}

func writeXLSX(w io.Writer, entries []model.RakebackLedgerEntry) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Rakeback")
	if err != nil {
		return eris.Wrap(err, "ledger: add xlsx sheet")
	}
	addRow := func(values []string) {
		row := sheet.AddRow()
		for _, v := range values {
			row.AddCell().SetString(v)
		}
	}
	addRow(exportHeader)
	for _, e := range entries {
		addRow(exportRow(e))
	}
	return eris.Wrap(f.Write(w), "ledger: write xlsx")
}
