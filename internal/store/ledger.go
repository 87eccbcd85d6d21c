package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rakeback-engine/internal/model"
)

const ledgerCols = `id, partner_id, period_start, period_end, kind, gross_settlement, amount_owed, line_count,
	status, payment_reference, dispute_reason, paid_at, created_at, updated_at`

var ledgerLineColumns = []string{
	"entry_id", "allocation_id", "attribution_id", "block_number", "delegator_address", "rule_id",
	"settlement_amount", "rakeback_rate", "amount_owed",
}

func (e *engine) PeriodEntries(ctx context.Context, partnerID string, periodStart time.Time) ([]model.RakebackLedgerEntry, error) {
	return e.queryLedger(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE partner_id = $1 AND period_start = $2 ORDER BY created_at, id`,
		partnerID, periodStart)
}

func (e *engine) LedgerLines(ctx context.Context, entryIDs ...string) ([]model.LedgerLine, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		args[i] = id
	}
	rows, err := e.db.query(ctx,
		`SELECT `+strings.Join(ledgerLineColumns, ", ")+` FROM ledger_lines
		 WHERE entry_id IN (`+placeholders(1, len(args))+`) ORDER BY block_number, allocation_id`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list ledger lines")
	}
	defer rows.Close()

	var out []model.LedgerLine
	for rows.Next() {
		var l model.LedgerLine
		if err := rows.Scan(&l.EntryID, &l.AllocationID, &l.AttributionID, &l.BlockNumber, &l.DelegatorAddress,
			&l.RuleID, &l.SettlementAmount, &l.RakebackRate, &l.AmountOwed); err != nil {
			return nil, eris.Wrap(err, "store: scan ledger line")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate ledger lines")
}

// SaveLedgerEntry inserts e, or replaces the totals and lines of an existing
// entry as long as it is still PENDING.
func (e *engine) SaveLedgerEntry(ctx context.Context, entry model.RakebackLedgerEntry, lines []model.LedgerLine) error {
	return e.db.inTx(ctx, func(c conn) error {
		var status string
		err := c.queryRow(ctx, `SELECT status FROM ledger_entries WHERE id = $1`, entry.ID).Scan(&status)
		switch {
		case err == errNoRows:
			if _, err := c.exec(ctx,
				`INSERT INTO ledger_entries (`+ledgerCols+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				entry.ID, entry.PartnerID, entry.PeriodStart, entry.PeriodEnd, string(entry.Kind), entry.GrossSettlement,
				entry.AmountOwed, entry.LineCount, string(entry.Status), entry.PaymentReference, entry.DisputeReason,
				entry.PaidAt, entry.CreatedAt, entry.UpdatedAt,
			); err != nil {
				return eris.Wrapf(err, "store: insert ledger entry %s", entry.ID)
			}
		case err != nil:
			return eris.Wrapf(err, "store: read ledger entry %s", entry.ID)
		case model.LedgerStatus(status) != model.LedgerPending:
			return ErrConflict
		default:
			n, err := c.exec(ctx,
				`UPDATE ledger_entries SET gross_settlement = $1, amount_owed = $2, line_count = $3, updated_at = $4
				 WHERE id = $5 AND status = $6`,
				entry.GrossSettlement, entry.AmountOwed, entry.LineCount, entry.UpdatedAt, entry.ID,
				string(model.LedgerPending),
			)
			if err != nil {
				return eris.Wrapf(err, "store: update ledger entry %s", entry.ID)
			}
			if n != 1 {
				return ErrConflict
			}
			if _, err := c.exec(ctx, `DELETE FROM ledger_lines WHERE entry_id = $1`, entry.ID); err != nil {
				return eris.Wrapf(err, "store: clear ledger lines %s", entry.ID)
			}
		}

		rows := make([][]any, 0, len(lines))
		for _, l := range lines {
			rows = append(rows, []any{entry.ID, l.AllocationID, l.AttributionID, l.BlockNumber, l.DelegatorAddress,
				l.RuleID, l.SettlementAmount, l.RakebackRate, l.AmountOwed})
		}
		return c.bulkInsert(ctx, "ledger_lines", ledgerLineColumns, rows)
	})
}

func (e *engine) GetLedgerEntry(ctx context.Context, id string) (*model.RakebackLedgerEntry, error) {
	entries, err := e.queryLedger(ctx, `SELECT `+ledgerCols+` FROM ledger_entries WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, model.NotFound("ledger entry", id)
	}
	entry := entries[0]
	if entry.Lines, err = e.LedgerLines(ctx, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (e *engine) ListLedgerEntries(ctx context.Context, f model.LedgerFilter) ([]model.RakebackLedgerEntry, error) {
	w := &where{}
	if f.PartnerID != "" {
		w.add("partner_id = ?", f.PartnerID)
	}
	if !f.From.IsZero() {
		w.add("period_start >= ?", f.From)
	}
	if !f.To.IsZero() {
		w.add("period_start < ?", f.To)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	return e.queryLedger(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries`+w.sql()+` ORDER BY period_start DESC, partner_id, created_at, id`,
		w.args...)
}

// UpdateLedgerStatus moves an entry from one status to another. The write is
// guarded by from, so concurrent transitions cannot both succeed. Only the
// column that belongs to the target status is written: ref for PAID, reason
// for DISPUTED.
func (e *engine) UpdateLedgerStatus(ctx context.Context, id string, from, to model.LedgerStatus, ref, reason string, at time.Time) error {
	set := `status = $1, updated_at = $2`
	args := []any{string(to), at}
	switch to {
	case model.LedgerPaid:
		set += `, payment_reference = $3, paid_at = $4`
		args = append(args, ref, at)
	case model.LedgerDisputed:
		set += `, dispute_reason = $3`
		args = append(args, reason)
	}
	args = append(args, id, string(from))
	n, err := e.db.exec(ctx,
		`UPDATE ledger_entries SET `+set+` WHERE id = `+placeholders(len(args)-1, 1)+` AND status = `+placeholders(len(args), 1),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "store: update ledger status %s", id)
	}
	if n == 1 {
		return nil
	}
	if _, err := e.GetLedgerEntry(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (e *engine) queryLedger(ctx context.Context, q string, args ...any) ([]model.RakebackLedgerEntry, error) {
	rows, err := e.db.query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: query ledger entries")
	}
	defer rows.Close()

	var out []model.RakebackLedgerEntry
	for rows.Next() {
		var l model.RakebackLedgerEntry
		if err := rows.Scan(&l.ID, &l.PartnerID, &l.PeriodStart, &l.PeriodEnd, &l.Kind, &l.GrossSettlement,
			&l.AmountOwed, &l.LineCount, &l.Status, &l.PaymentReference, &l.DisputeReason, &l.PaidAt,
			&l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan ledger entry")
		}
		l.PeriodStart = l.PeriodStart.UTC()
		l.PeriodEnd = l.PeriodEnd.UTC()
		l.CreatedAt = l.CreatedAt.UTC()
		l.UpdatedAt = l.UpdatedAt.UTC()
		if l.PaidAt != nil {
			t := l.PaidAt.UTC()
			l.PaidAt = &t
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate ledger entries")
}
