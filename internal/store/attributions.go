package store

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rakeback-engine/internal/model"
)

const ingestionCols = `id, validator_hotkey, block_number, block_yield, total_stake, expected_delegators,
	retrieved_delegators, completeness_flag, consistency_note, attribution_count, block_time, superseded, created_at`

var attributionColumns = []string{
	"id", "ingestion_id", "block_number", "validator_hotkey", "delegator_address", "subnet_id",
	"delegation_kind", "memo", "extrinsic_kind", "stake", "stake_proportion", "attributed_yield",
	"completeness_flag", "settlement_allocated", "yield_allocated", "fully_allocated", "block_time",
	"superseded", "created_at",
}

const attributionCols = `id, ingestion_id, block_number, validator_hotkey, delegator_address, subnet_id,
	delegation_kind, memo, extrinsic_kind, stake, stake_proportion, attributed_yield, completeness_flag,
	settlement_allocated, yield_allocated, fully_allocated, block_time, superseded, created_at`

func (e *engine) IngestedBlocks(ctx context.Context, validator string, start, end int64) (map[int64]bool, error) {
	rows, err := e.db.query(ctx,
		`SELECT block_number FROM block_ingestions
		 WHERE validator_hotkey = $1 AND block_number >= $2 AND block_number <= $3 AND superseded = false`,
		validator, start, end,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: ingested blocks")
	}
	defer rows.Close()

	done := make(map[int64]bool)
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrap(err, "store: scan ingested block")
		}
		done[n] = true
	}
	return done, eris.Wrap(rows.Err(), "store: iterate ingested blocks")
}

// SaveBlock writes a block's ingestion record and attributions atomically.
// With force, the current records are superseded first unless any of their
// attributions has been allocated.
func (e *engine) SaveBlock(ctx context.Context, ing model.BlockIngestion, attrs []model.BlockAttribution, force bool) error {
	return e.db.inTx(ctx, func(c conn) error {
		if force {
			var allocated int
			err := c.queryRow(ctx,
				`SELECT COUNT(*) FROM allocations a JOIN block_attributions b ON b.id = a.attribution_id
				 WHERE b.validator_hotkey = $1 AND b.block_number = $2 AND b.superseded = false`,
				ing.ValidatorHotkey, ing.BlockNumber,
			).Scan(&allocated)
			if err != nil {
				return eris.Wrap(err, "store: count block allocations")
			}
			if allocated > 0 {
				return ErrBlockAllocated
			}
			if _, err := c.exec(ctx,
				`UPDATE block_attributions SET superseded = true
				 WHERE validator_hotkey = $1 AND block_number = $2 AND superseded = false`,
				ing.ValidatorHotkey, ing.BlockNumber,
			); err != nil {
				return eris.Wrap(err, "store: supersede attributions")
			}
			if _, err := c.exec(ctx,
				`UPDATE block_ingestions SET superseded = true
				 WHERE validator_hotkey = $1 AND block_number = $2 AND superseded = false`,
				ing.ValidatorHotkey, ing.BlockNumber,
			); err != nil {
				return eris.Wrap(err, "store: supersede ingestion")
			}
		}

		_, err := c.exec(ctx,
			`INSERT INTO block_ingestions (`+ingestionCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			ing.ID, ing.ValidatorHotkey, ing.BlockNumber, ing.BlockYield, ing.TotalStake, ing.ExpectedDelegators,
			ing.RetrievedDelegators, string(ing.CompletenessFlag), ing.ConsistencyNote, ing.AttributionCount,
			ing.BlockTime, false, ing.CreatedAt,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return eris.Wrapf(err, "store: insert ingestion %s/%d", ing.ValidatorHotkey, ing.BlockNumber)
		}

		rows := make([][]any, 0, len(attrs))
		for _, a := range attrs {
			rows = append(rows, []any{
				a.ID, ing.ID, a.BlockNumber, a.ValidatorHotkey, a.DelegatorAddress, a.SubnetID,
				string(a.DelegationKind), a.Memo, a.ExtrinsicKind, a.Stake, a.StakeProportion, a.AttributedYield,
				string(a.CompletenessFlag), a.SettlementAllocated, a.YieldAllocated, a.FullyAllocated,
				a.BlockTime, false, a.CreatedAt,
			})
		}
		return c.bulkInsert(ctx, "block_attributions", attributionColumns, rows)
	})
}

func (e *engine) ListAttributions(ctx context.Context, f AttributionFilter) ([]model.BlockAttribution, error) {
	w := &where{}
	w.add("superseded = ?", false)
	if f.Validator != "" {
		w.add("validator_hotkey = ?", f.Validator)
	}
	if f.StartBlock != nil {
		w.add("block_number >= ?", *f.StartBlock)
	}
	if f.EndBlock != nil {
		w.add("block_number <= ?", *f.EndBlock)
	}
	if f.SubnetID != nil {
		w.add("subnet_id = ?", *f.SubnetID)
	}
	q := `SELECT ` + attributionCols + ` FROM block_attributions` + w.sql() +
		` ORDER BY block_number, validator_hotkey, delegator_address, id LIMIT ` + w.next(limitOr(f.Limit, 1000, 10000))
	if f.Offset > 0 {
		q += ` OFFSET ` + w.next(f.Offset)
	}
	return queryAttributions(ctx, e.db, q, w.args...)
}

func (e *engine) BlockAttributions(ctx context.Context, block int64, validator string) ([]model.BlockIngestion, []model.BlockAttribution, error) {
	ings, err := e.ListIngestions(ctx, IngestionFilter{Validator: validator, StartBlock: &block, EndBlock: &block})
	if err != nil {
		return nil, nil, err
	}
	if len(ings) == 0 {
		return nil, nil, model.NotFound("block", strconv.FormatInt(block, 10))
	}
	attrs, err := e.ListAttributions(ctx, AttributionFilter{Validator: validator, StartBlock: &block, EndBlock: &block, Limit: 10000})
	if err != nil {
		return nil, nil, err
	}
	return ings, attrs, nil
}

func (e *engine) ListIngestions(ctx context.Context, f IngestionFilter) ([]model.BlockIngestion, error) {
	w := &where{}
	w.add("superseded = ?", false)
	if f.Validator != "" {
		w.add("validator_hotkey = ?", f.Validator)
	}
	if f.StartBlock != nil {
		w.add("block_number >= ?", *f.StartBlock)
	}
	if f.EndBlock != nil {
		w.add("block_number <= ?", *f.EndBlock)
	}
	if f.Flag != "" {
		w.add("completeness_flag = ?", string(f.Flag))
	}
	rows, err := e.db.query(ctx,
		`SELECT `+ingestionCols+` FROM block_ingestions`+w.sql()+` ORDER BY validator_hotkey, block_number`,
		w.args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: list ingestions")
	}
	defer rows.Close()

	var out []model.BlockIngestion
	for rows.Next() {
		var ing model.BlockIngestion
		if err := rows.Scan(&ing.ID, &ing.ValidatorHotkey, &ing.BlockNumber, &ing.BlockYield, &ing.TotalStake,
			&ing.ExpectedDelegators, &ing.RetrievedDelegators, &ing.CompletenessFlag, &ing.ConsistencyNote,
			&ing.AttributionCount, &ing.BlockTime, &ing.Superseded, &ing.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan ingestion")
		}
		ing.BlockTime = ing.BlockTime.UTC()
		ing.CreatedAt = ing.CreatedAt.UTC()
		out = append(out, ing)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate ingestions")
}

func queryAttributions(ctx context.Context, c conn, q string, args ...any) ([]model.BlockAttribution, error) {
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: query attributions")
	}
	defer rows.Close()

	var out []model.BlockAttribution
	for rows.Next() {
		a, err := scanAttribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate attributions")
}

func scanAttribution(s scanner, extra ...any) (model.BlockAttribution, error) {
	var a model.BlockAttribution
	dest := []any{&a.ID, &a.IngestionID, &a.BlockNumber, &a.ValidatorHotkey, &a.DelegatorAddress, &a.SubnetID,
		&a.DelegationKind, &a.Memo, &a.ExtrinsicKind, &a.Stake, &a.StakeProportion, &a.AttributedYield,
		&a.CompletenessFlag, &a.SettlementAllocated, &a.YieldAllocated, &a.FullyAllocated, &a.BlockTime,
		&a.Superseded, &a.CreatedAt}
	if err := s.Scan(append(extra, dest...)...); err != nil {
		return a, eris.Wrap(err, "store: scan attribution")
	}
	a.BlockTime = a.BlockTime.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}
