package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rakeback-engine/internal/model"
)

const conversionCols = `id, external_id, validator_hotkey, block_number, yield_amount, settlement_amount,
	implied_rate, market_price, block_time, allocation_status, allocated_at, created_at`

var allocationColumns = []string{
	"id", "conversion_event_id", "attribution_id", "settlement_amount", "yield_consumed", "method", "created_at",
}

// qualify prefixes every column in a comma separated list with alias.
func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// InsertConversion records e unless its external id is already known. It
// reports whether a row was created.
func (e *engine) InsertConversion(ctx context.Context, ev model.ConversionEvent) (bool, error) {
	n, err := e.db.exec(ctx,
		`INSERT INTO conversion_events (`+conversionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (external_id) DO NOTHING`,
		ev.ID, ev.ExternalID, ev.ValidatorHotkey, ev.BlockNumber, ev.YieldAmount, ev.SettlementAmount,
		ev.ImpliedRate, ev.MarketPrice, ev.BlockTime, string(ev.AllocationStatus), ev.AllocatedAt, ev.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: insert conversion %s", ev.ExternalID)
	}
	return n == 1, nil
}

func (e *engine) GetConversion(ctx context.Context, id string) (*model.ConversionEvent, error) {
	ev, err := scanConversion(e.db.queryRow(ctx,
		`SELECT `+conversionCols+` FROM conversion_events WHERE id = $1`, id))
	if err == errNoRows {
		return nil, model.NotFound("conversion", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get conversion %s", id)
	}

	rows, err := e.db.query(ctx,
		`SELECT `+strings.Join(allocationColumns, ", ")+` FROM allocations
		 WHERE conversion_event_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, eris.Wrap(err, "store: list allocations")
	}
	defer rows.Close()

	ev.Allocations = []model.Allocation{}
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		ev.Allocations = append(ev.Allocations, a)
	}
	return &ev, eris.Wrap(rows.Err(), "store: iterate allocations")
}

func conversionWhere(f ConversionFilter) *where {
	w := &where{}
	if f.Validator != "" {
		w.add("validator_hotkey = ?", f.Validator)
	}
	if f.StartBlock != nil {
		w.add("block_number >= ?", *f.StartBlock)
	}
	if f.EndBlock != nil {
		w.add("block_number <= ?", *f.EndBlock)
	}
	if f.Status != "" {
		w.add("allocation_status = ?", string(f.Status))
	}
	return w
}

func (e *engine) ListConversions(ctx context.Context, f ConversionFilter) ([]model.ConversionEvent, error) {
	w := conversionWhere(f)
	q := `SELECT ` + conversionCols + ` FROM conversion_events` + w.sql() +
		` ORDER BY block_number, id LIMIT ` + w.next(limitOr(f.Limit, 500, 10000))
	if f.Offset > 0 {
		q += ` OFFSET ` + w.next(f.Offset)
	}
	rows, err := e.db.query(ctx, q, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list conversions")
	}
	defer rows.Close()

	var out []model.ConversionEvent
	for rows.Next() {
		ev, err := scanConversion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan conversion")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate conversions")
}

// ConversionLister lists one page of conversion events.
type ConversionLister interface {
	ListConversions(ctx context.Context, f ConversionFilter) ([]model.ConversionEvent, error)
}

const conversionPage = 10000

// AllConversions pages through every event matching f. f.Limit and f.Offset
// are ignored.
func AllConversions(ctx context.Context, l ConversionLister, f ConversionFilter) ([]model.ConversionEvent, error) {
	return listAllConversions(ctx, l, f, conversionPage)
}

func listAllConversions(ctx context.Context, l ConversionLister, f ConversionFilter, page int) ([]model.ConversionEvent, error) {
	var out []model.ConversionEvent
	f.Limit, f.Offset = page, 0
	for {
		events, err := l.ListConversions(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		if len(events) < page {
			return out, nil
		}
		f.Offset += page
	}
}

func (e *engine) CountConversions(ctx context.Context, f ConversionFilter) (ConversionCounts, error) {
	w := conversionWhere(f)
	rows, err := e.db.query(ctx,
		`SELECT allocation_status, COUNT(*) FROM conversion_events`+w.sql()+` GROUP BY allocation_status`,
		w.args...)
	if err != nil {
		return ConversionCounts{}, eris.Wrap(err, "store: count conversions")
	}
	defer rows.Close()

	var counts ConversionCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, eris.Wrap(err, "store: scan conversion count")
		}
		counts.Total += n
		switch model.AllocationStatus(status) {
		case model.AllocationAllocated:
			counts.Allocated += n
		case model.AllocationUnallocated:
			counts.Unallocated += n
		}
	}
	return counts, eris.Wrap(rows.Err(), "store: iterate conversion counts")
}

// AllocationTargets returns the validator's current attributions at or below
// maxBlock that still have unallocated yield, oldest first.
func (e *engine) AllocationTargets(ctx context.Context, validator string, maxBlock int64) ([]model.BlockAttribution, error) {
	return queryAttributions(ctx, e.db,
		`SELECT `+attributionCols+` FROM block_attributions
		 WHERE validator_hotkey = $1 AND block_number <= $2 AND superseded = false AND fully_allocated = false
		 ORDER BY block_number, id`,
		validator, maxBlock,
	)
}

// SaveAllocation stamps a pending event, appends its allocations and moves
// the attribution counters in one transaction. Every attribution update is
// guarded by the yield_allocated value it was computed from.
func (e *engine) SaveAllocation(ctx context.Context, eventID string, status model.AllocationStatus, allocs []model.Allocation, updates []model.AttributionAllocation, at time.Time) error {
	return e.db.inTx(ctx, func(c conn) error {
		n, err := c.exec(ctx,
			`UPDATE conversion_events SET allocation_status = $1, allocated_at = $2
			 WHERE id = $3 AND allocation_status = $4`,
			string(status), at, eventID, string(model.AllocationPending),
		)
		if err != nil {
			return eris.Wrapf(err, "store: stamp conversion %s", eventID)
		}
		if n != 1 {
			return ErrConflict
		}

		rows := make([][]any, 0, len(allocs))
		for _, a := range allocs {
			rows = append(rows, []any{a.ID, a.ConversionEventID, a.AttributionID, a.SettlementAmount,
				a.YieldConsumed, a.Method, a.CreatedAt})
		}
		if err := c.bulkInsert(ctx, "allocations", allocationColumns, rows); err != nil {
			return err
		}

		for _, u := range updates {
			n, err := c.exec(ctx,
				`UPDATE block_attributions SET yield_allocated = $1, settlement_allocated = $2, fully_allocated = $3
				 WHERE id = $4 AND yield_allocated = $5 AND superseded = false`,
				u.YieldAllocated, u.SettlementAllocated, u.FullyAllocated, u.AttributionID, u.PrevYieldAllocated,
			)
			if err != nil {
				return eris.Wrapf(err, "store: update attribution %s", u.AttributionID)
			}
			if n != 1 {
				return ErrConflict
			}
		}
		return nil
	})
}

// AllocationsForPeriod joins every allocation with its attribution where the
// attribution's block time falls in [from, to).
func (e *engine) AllocationsForPeriod(ctx context.Context, from, to time.Time) ([]model.AllocationDetail, error) {
	rows, err := e.db.query(ctx,
		`SELECT `+qualify(strings.Join(allocationColumns, ", "), "a")+`, `+qualify(attributionCols, "b")+`
		 FROM allocations a JOIN block_attributions b ON b.id = a.attribution_id
		 WHERE b.block_time >= $1 AND b.block_time < $2
		 ORDER BY b.block_number, a.id`,
		from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: allocations for period")
	}
	defer rows.Close()

	var out []model.AllocationDetail
	for rows.Next() {
		var d model.AllocationDetail
		al := &d.Allocation
		attr, err := scanAttribution(rows, &al.ID, &al.ConversionEventID, &al.AttributionID,
			&al.SettlementAmount, &al.YieldConsumed, &al.Method, &al.CreatedAt)
		if err != nil {
			return nil, err
		}
		al.CreatedAt = al.CreatedAt.UTC()
		d.Attribution = attr
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate period allocations")
}

func scanConversion(s scanner) (model.ConversionEvent, error) {
	var ev model.ConversionEvent
	err := s.Scan(&ev.ID, &ev.ExternalID, &ev.ValidatorHotkey, &ev.BlockNumber, &ev.YieldAmount,
		&ev.SettlementAmount, &ev.ImpliedRate, &ev.MarketPrice, &ev.BlockTime, &ev.AllocationStatus,
		&ev.AllocatedAt, &ev.CreatedAt)
	if err != nil {
		return ev, err
	}
	ev.BlockTime = ev.BlockTime.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	if ev.AllocatedAt != nil {
		t := ev.AllocatedAt.UTC()
		ev.AllocatedAt = &t
	}
	return ev, nil
}

func scanAllocation(s scanner) (model.Allocation, error) {
	var a model.Allocation
	if err := s.Scan(&a.ID, &a.ConversionEventID, &a.AttributionID, &a.SettlementAmount, &a.YieldConsumed,
		&a.Method, &a.CreatedAt); err != nil {
		return a, eris.Wrap(err, "store: scan allocation")
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}
