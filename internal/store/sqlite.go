package store

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. Amounts are kept as
// canonical decimal TEXT.
type SQLiteStore struct {
	*engine
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers; SQLite allows one at a time.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{engine: newEngine(&sqliteBackend{sqliteConn{db}, db}), db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS partner_versions (
	partner_id           TEXT NOT NULL,
	version              INTEGER NOT NULL,
	name                 TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	rakeback_rate        TEXT NOT NULL,
	priority             INTEGER NOT NULL,
	status               TEXT NOT NULL,
	effective_from_block INTEGER NOT NULL,
	created_by           TEXT NOT NULL,
	created_at           DATETIME NOT NULL,
	PRIMARY KEY (partner_id, version)
);

CREATE TABLE IF NOT EXISTS eligibility_rules (
	id                 TEXT PRIMARY KEY,
	partner_id         TEXT NOT NULL,
	rule_type          TEXT NOT NULL,
	config             TEXT NOT NULL,
	applies_from_block INTEGER NOT NULL,
	created_by         TEXT NOT NULL,
	created_at         DATETIME NOT NULL
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
	effective_block INTEGER NOT NULL,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS block_ingestions (
	id                   TEXT PRIMARY KEY,
	validator_hotkey     TEXT NOT NULL,
	block_number         INTEGER NOT NULL,
	block_yield          TEXT,
	total_stake          TEXT NOT NULL,
	expected_delegators  INTEGER NOT NULL,
	retrieved_delegators INTEGER NOT NULL,
	completeness_flag    TEXT NOT NULL,
	consistency_note     TEXT NOT NULL DEFAULT '',
	attribution_count    INTEGER NOT NULL,
	block_time           DATETIME NOT NULL,
	superseded           BOOLEAN NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_block_ingestions_current
	ON block_ingestions(validator_hotkey, block_number) WHERE superseded = 0;

CREATE TABLE IF NOT EXISTS block_attributions (
	id                   TEXT PRIMARY KEY,
	ingestion_id         TEXT NOT NULL REFERENCES block_ingestions(id),
	block_number         INTEGER NOT NULL,
	validator_hotkey     TEXT NOT NULL,
	delegator_address    TEXT NOT NULL,
	subnet_id            INTEGER,
	delegation_kind      TEXT NOT NULL,
	memo                 TEXT NOT NULL DEFAULT '',
	extrinsic_kind       TEXT NOT NULL DEFAULT '',
	stake                TEXT NOT NULL,
	stake_proportion     TEXT NOT NULL,
	attributed_yield     TEXT NOT NULL,
	completeness_flag    TEXT NOT NULL,
	settlement_allocated TEXT NOT NULL DEFAULT '0',
	yield_allocated      TEXT NOT NULL DEFAULT '0',
	fully_allocated      BOOLEAN NOT NULL DEFAULT 0,
	block_time           DATETIME NOT NULL,
	superseded           BOOLEAN NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attributions_block ON block_attributions(validator_hotkey, block_number);
CREATE INDEX IF NOT EXISTS idx_attributions_time ON block_attributions(block_time);

CREATE TABLE IF NOT EXISTS conversion_events (
	id                TEXT PRIMARY KEY,
	external_id       TEXT NOT NULL UNIQUE,
	validator_hotkey  TEXT NOT NULL,
	block_number      INTEGER NOT NULL,
	yield_amount      TEXT NOT NULL,
	settlement_amount TEXT NOT NULL,
	implied_rate      TEXT NOT NULL,
	market_price      TEXT,
	block_time        DATETIME NOT NULL,
	allocation_status TEXT NOT NULL,
	allocated_at      DATETIME,
	created_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversions_validator ON conversion_events(validator_hotkey, block_number);

CREATE TABLE IF NOT EXISTS allocations (
	id                  TEXT PRIMARY KEY,
	conversion_event_id TEXT NOT NULL REFERENCES conversion_events(id),
	attribution_id      TEXT NOT NULL REFERENCES block_attributions(id),
	settlement_amount   TEXT NOT NULL,
	yield_consumed      TEXT NOT NULL,
	method              TEXT NOT NULL,
	created_at          DATETIME NOT NULL,
	UNIQUE (conversion_event_id, attribution_id)
);
CREATE INDEX IF NOT EXISTS idx_allocations_attribution ON allocations(attribution_id);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                TEXT PRIMARY KEY,
	partner_id        TEXT NOT NULL,
	period_start      DATETIME NOT NULL,
	period_end        DATETIME NOT NULL,
	kind              TEXT NOT NULL,
	gross_settlement  TEXT NOT NULL,
	amount_owed       TEXT NOT NULL,
	line_count        INTEGER NOT NULL,
	status            TEXT NOT NULL,
	payment_reference TEXT NOT NULL DEFAULT '',
	dispute_reason    TEXT NOT NULL DEFAULT '',
	paid_at           DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_partner_period ON ledger_entries(partner_id, period_start);

CREATE TABLE IF NOT EXISTS ledger_lines (
	entry_id          TEXT NOT NULL REFERENCES ledger_entries(id),
	allocation_id     TEXT NOT NULL,
	attribution_id    TEXT NOT NULL,
	block_number      INTEGER NOT NULL,
	delegator_address TEXT NOT NULL,
	rule_id           TEXT NOT NULL,
	settlement_amount TEXT NOT NULL,
	rakeback_rate     TEXT NOT NULL,
	amount_owed       TEXT NOT NULL,
	PRIMARY KEY (entry_id, allocation_id)
);

CREATE TABLE IF NOT EXISTS issues (
	id          TEXT PRIMARY KEY,
	issue_key   TEXT NOT NULL,
	category    TEXT NOT NULL,
	severity    TEXT NOT NULL,
	subject     TEXT NOT NULL,
	message     TEXT NOT NULL,
	opened_at   DATETIME NOT NULL,
	resolved_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_issues_open ON issues(issue_key) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS activity_log (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_locks (
	lock_key   TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS block_retry_queue (
	id               TEXT PRIMARY KEY,
	validator_hotkey TEXT NOT NULL,
	block_number     INTEGER NOT NULL,
	error            TEXT NOT NULL,
	error_type       TEXT NOT NULL,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL,
	next_retry_at    DATETIME NOT NULL,
	created_at       DATETIME NOT NULL,
	last_failed_at   DATETIME NOT NULL,
	UNIQUE (validator_hotkey, block_number)
);
CREATE INDEX IF NOT EXISTS idx_retry_next ON block_retry_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteTimeLayout is fixed width so stored times compare correctly as text.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000-07:00"

var numberedParam = regexp.MustCompile(`\$(\d+)`)

// rebind turns $N placeholders into SQLite's ?N form.
func rebind(q string) string {
	return numberedParam.ReplaceAllString(q, "?$1")
}

func sqliteArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case time.Time:
			out[i] = v.UTC().Format(sqliteTimeLayout)
		case *time.Time:
			if v == nil {
				out[i] = nil
			} else {
				out[i] = v.UTC().Format(sqliteTimeLayout)
			}
		default:
			out[i] = a
		}
	}
	return out
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteConn struct {
	x sqlExecer
}

func (c sqliteConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := c.x.ExecContext(ctx, rebind(q), sqliteArgs(args)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqliteConn) query(ctx context.Context, q string, args ...any) (rowsIter, error) {
	rows, err := c.x.QueryContext(ctx, rebind(q), sqliteArgs(args)...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (c sqliteConn) queryRow(ctx context.Context, q string, args ...any) scanner {
	return sqlRow{c.x.QueryRowContext(ctx, rebind(q), sqliteArgs(args)...)}
}

// bulkInsert writes rows in multi-row INSERT batches under SQLite's variable
// limit.
func (c sqliteConn) bulkInsert(ctx context.Context, table string, cols []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	perBatch := 900 / len(cols)
	if perBatch < 1 {
		perBatch = 1
	}
	head := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES "
	for start := 0; start < len(rows); start += perBatch {
		end := min(start+perBatch, len(rows))
		var b strings.Builder
		b.WriteString(head)
		var args []any
		for i, r := range rows[start:end] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(" + placeholders(len(args)+1, len(r)) + ")")
			args = append(args, r...)
		}
		if _, err := c.exec(ctx, b.String(), args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert into %s", table)
		}
	}
	return nil
}

type sqlRows struct{ rows *sql.Rows }

func (r sqlRows) Next() bool             { return r.rows.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r sqlRows) Err() error             { return r.rows.Err() }
func (r sqlRows) Close()                 { r.rows.Close() } //nolint:errcheck

type sqlRow struct{ row *sql.Row }

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if err == sql.ErrNoRows {
		return errNoRows
	}
	return err
}

type sqliteBackend struct {
	sqliteConn
	db *sql.DB
}

func (b *sqliteBackend) inTx(ctx context.Context, fn func(c conn) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqliteConn{tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}
