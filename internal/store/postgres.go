package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rakeback-engine/internal/db"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	*engine
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres connects to connString and verifies the connection.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		engine:  newEngine(&pgBackend{pgConn: pgConn{q: pool, c: pool}, pool: pool}),
		pool:    pool,
		closeFn: closeFn,
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS partner_versions (
	partner_id           TEXT NOT NULL,
	version              INTEGER NOT NULL,
	name                 TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	rakeback_rate        NUMERIC(38,18) NOT NULL,
	priority             INTEGER NOT NULL,
	status               TEXT NOT NULL,
	effective_from_block BIGINT NOT NULL,
	created_by           TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partner_id, version)
);

CREATE TABLE IF NOT EXISTS eligibility_rules (
	id                 TEXT PRIMARY KEY,
	partner_id         TEXT NOT NULL,
	rule_type          TEXT NOT NULL,
	config             JSONB NOT NULL,
	applies_from_block BIGINT NOT NULL,
	created_by         TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_partner ON eligibility_rules(partner_id);

CREATE TABLE IF NOT EXISTS rule_change_log (
	id              TEXT PRIMARY KEY,
	actor           TEXT NOT NULL,
	action          TEXT NOT NULL,
	partner_id      TEXT NOT NULL,
	rule_id         TEXT,
	before_state    TEXT,
	after_state     TEXT NOT NULL,
	effective_block BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rule_change_log_created ON rule_change_log(created_at DESC);

CREATE TABLE IF NOT EXISTS block_ingestions (
	id                   TEXT PRIMARY KEY,
	validator_hotkey     TEXT NOT NULL,
	block_number         BIGINT NOT NULL,
	block_yield          NUMERIC(38,18),
	total_stake          NUMERIC(38,18) NOT NULL,
	expected_delegators  INTEGER NOT NULL,
	retrieved_delegators INTEGER NOT NULL,
	completeness_flag    TEXT NOT NULL,
	consistency_note     TEXT NOT NULL DEFAULT '',
	attribution_count    INTEGER NOT NULL,
	block_time           TIMESTAMPTZ NOT NULL,
	superseded           BOOLEAN NOT NULL DEFAULT false,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_block_ingestions_current
	ON block_ingestions(validator_hotkey, block_number) WHERE superseded = false;

CREATE TABLE IF NOT EXISTS block_attributions (
	id                   TEXT PRIMARY KEY,
	ingestion_id         TEXT NOT NULL REFERENCES block_ingestions(id),
	block_number         BIGINT NOT NULL,
	validator_hotkey     TEXT NOT NULL,
	delegator_address    TEXT NOT NULL,
	subnet_id            INTEGER,
	delegation_kind      TEXT NOT NULL,
	memo                 TEXT NOT NULL DEFAULT '',
	extrinsic_kind       TEXT NOT NULL DEFAULT '',
	stake                NUMERIC(38,18) NOT NULL,
	stake_proportion     NUMERIC(38,18) NOT NULL,
	attributed_yield     NUMERIC(38,18) NOT NULL,
	completeness_flag    TEXT NOT NULL,
	settlement_allocated NUMERIC(38,18) NOT NULL DEFAULT 0,
	yield_allocated      NUMERIC(38,18) NOT NULL DEFAULT 0,
	fully_allocated      BOOLEAN NOT NULL DEFAULT false,
	block_time           TIMESTAMPTZ NOT NULL,
	superseded           BOOLEAN NOT NULL DEFAULT false,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attributions_block ON block_attributions(validator_hotkey, block_number);
CREATE INDEX IF NOT EXISTS idx_attributions_open
	ON block_attributions(validator_hotkey, block_number) WHERE superseded = false AND fully_allocated = false;
CREATE INDEX IF NOT EXISTS idx_attributions_time ON block_attributions(block_time);

CREATE TABLE IF NOT EXISTS conversion_events (
	id                TEXT PRIMARY KEY,
	external_id       TEXT NOT NULL UNIQUE,
	validator_hotkey  TEXT NOT NULL,
	block_number      BIGINT NOT NULL,
	yield_amount      NUMERIC(38,18) NOT NULL,
	settlement_amount NUMERIC(38,18) NOT NULL,
	implied_rate      NUMERIC(38,18) NOT NULL,
	market_price      NUMERIC(38,18),
	block_time        TIMESTAMPTZ NOT NULL,
	allocation_status TEXT NOT NULL,
	allocated_at      TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversions_validator ON conversion_events(validator_hotkey, block_number);

CREATE TABLE IF NOT EXISTS allocations (
	id                  TEXT PRIMARY KEY,
	conversion_event_id TEXT NOT NULL REFERENCES conversion_events(id),
	attribution_id      TEXT NOT NULL REFERENCES block_attributions(id),
	settlement_amount   NUMERIC(38,18) NOT NULL,
	yield_consumed      NUMERIC(38,18) NOT NULL,
	method              TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	UNIQUE (conversion_event_id, attribution_id)
);
CREATE INDEX IF NOT EXISTS idx_allocations_attribution ON allocations(attribution_id);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                TEXT PRIMARY KEY,
	partner_id        TEXT NOT NULL,
	period_start      TIMESTAMPTZ NOT NULL,
	period_end        TIMESTAMPTZ NOT NULL,
	kind              TEXT NOT NULL,
	gross_settlement  NUMERIC(38,18) NOT NULL,
	amount_owed       NUMERIC(38,18) NOT NULL,
	line_count        INTEGER NOT NULL,
	status            TEXT NOT NULL,
	payment_reference TEXT NOT NULL DEFAULT '',
	dispute_reason    TEXT NOT NULL DEFAULT '',
	paid_at           TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_partner_period ON ledger_entries(partner_id, period_start);

CREATE TABLE IF NOT EXISTS ledger_lines (
	entry_id          TEXT NOT NULL REFERENCES ledger_entries(id),
	allocation_id     TEXT NOT NULL,
	attribution_id    TEXT NOT NULL,
	block_number      BIGINT NOT NULL,
	delegator_address TEXT NOT NULL,
	rule_id           TEXT NOT NULL,
	settlement_amount NUMERIC(38,18) NOT NULL,
	rakeback_rate     NUMERIC(38,18) NOT NULL,
	amount_owed       NUMERIC(38,18) NOT NULL,
	PRIMARY KEY (entry_id, allocation_id)
);

CREATE TABLE IF NOT EXISTS issues (
	id          TEXT PRIMARY KEY,
	issue_key   TEXT NOT NULL,
	category    TEXT NOT NULL,
	severity    TEXT NOT NULL,
	subject     TEXT NOT NULL,
	message     TEXT NOT NULL,
	opened_at   TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_issues_open ON issues(issue_key) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS activity_log (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at DESC);

CREATE TABLE IF NOT EXISTS job_locks (
	lock_key   TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS block_retry_queue (
	id               TEXT PRIMARY KEY,
	validator_hotkey TEXT NOT NULL,
	block_number     BIGINT NOT NULL,
	error            TEXT NOT NULL,
	error_type       TEXT NOT NULL,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL,
	next_retry_at    TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	last_failed_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (validator_hotkey, block_number)
);
CREATE INDEX IF NOT EXISTS idx_retry_next ON block_retry_queue(next_retry_at);
`

// Pool exposes the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgConn runs shared queries on a pool or a transaction.
type pgConn struct {
	q db.Querier
	c db.Copier
}

func (p pgConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := p.q.Exec(ctx, q, pgArgs(args)...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p pgConn) query(ctx context.Context, q string, args ...any) (rowsIter, error) {
	rows, err := p.q.Query(ctx, q, pgArgs(args)...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (p pgConn) queryRow(ctx context.Context, q string, args ...any) scanner {
	return pgRow{p.q.QueryRow(ctx, q, pgArgs(args)...)}
}

func (p pgConn) bulkInsert(ctx context.Context, table string, cols []string, rows [][]any) error {
	converted := make([][]any, len(rows))
	for i, r := range rows {
		converted[i] = pgArgs(r)
	}
	_, err := db.CopyFrom(ctx, p.c, table, cols, converted)
	return err
}

type pgRow struct{ row pgx.Row }

func (r pgRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoRows
	}
	return err
}

type pgBackend struct {
	pgConn
	pool db.Pool
}

func (b *pgBackend) inTx(ctx context.Context, fn func(c conn) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(pgConn{q: tx, c: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

// pgArgs converts decimal amounts to pgtype.Numeric so they encode in the
// binary protocol, COPY included.
func pgArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case decimal.Decimal:
			out[i] = numeric(v)
		case decimal.NullDecimal:
			if v.Valid {
				out[i] = numeric(v.Decimal)
			} else {
				out[i] = pgtype.Numeric{}
			}
		default:
			out[i] = a
		}
	}
	return out
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
