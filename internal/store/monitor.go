package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rakeback-engine/internal/model"
)

const issueCols = `id, issue_key, category, severity, subject, message, opened_at, resolved_at`

const retryCols = `id, validator_hotkey, block_number, error, error_type, retry_count, max_retries,
	next_retry_at, created_at, last_failed_at`

func (e *engine) OpenIssues(ctx context.Context) ([]model.Issue, error) {
	return e.queryIssues(ctx,
		`SELECT `+issueCols+` FROM issues WHERE resolved_at IS NULL ORDER BY opened_at, id`)
}

func (e *engine) ListIssues(ctx context.Context, includeResolved bool, limit int) ([]model.Issue, error) {
	q := `SELECT ` + issueCols + ` FROM issues`
	if !includeResolved {
		q += ` WHERE resolved_at IS NULL`
	}
	return e.queryIssues(ctx, q+` ORDER BY opened_at DESC, id LIMIT $1`, limitOr(limit, 200, 5000))
}

// OpenIssue records a new open issue. A second open issue with the same key
// is a conflict.
func (e *engine) OpenIssue(ctx context.Context, is model.Issue) error {
	_, err := e.db.exec(ctx,
		`INSERT INTO issues (`+issueCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		is.ID, is.Key, is.Category, string(is.Severity), is.Subject, is.Message, is.OpenedAt, is.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return eris.Wrapf(err, "store: open issue %s", is.Key)
}

func (e *engine) ResolveIssue(ctx context.Context, id string, at time.Time) error {
	n, err := e.db.exec(ctx, `UPDATE issues SET resolved_at = $1 WHERE id = $2 AND resolved_at IS NULL`, at, id)
	if err != nil {
		return eris.Wrapf(err, "store: resolve issue %s", id)
	}
	if n == 0 {
		return model.NotFound("open issue", id)
	}
	return nil
}

func (e *engine) queryIssues(ctx context.Context, q string, args ...any) ([]model.Issue, error) {
	rows, err := e.db.query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: query issues")
	}
	defer rows.Close()

	var out []model.Issue
	for rows.Next() {
		var is model.Issue
		if err := rows.Scan(&is.ID, &is.Key, &is.Category, &is.Severity, &is.Subject, &is.Message,
			&is.OpenedAt, &is.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan issue")
		}
		is.OpenedAt = is.OpenedAt.UTC()
		if is.ResolvedAt != nil {
			t := is.ResolvedAt.UTC()
			is.ResolvedAt = &t
		}
		out = append(out, is)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate issues")
}

func (e *engine) AppendActivity(ctx context.Context, a model.ActivityEntry) error {
	_, err := e.db.exec(ctx,
		`INSERT INTO activity_log (id, kind, message, details, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Kind, a.Message, a.Details, a.CreatedAt,
	)
	return eris.Wrap(err, "store: append activity")
}

func (e *engine) ListActivity(ctx context.Context, limit int) ([]model.ActivityEntry, error) {
	rows, err := e.db.query(ctx,
		`SELECT id, kind, message, details, created_at FROM activity_log ORDER BY created_at DESC, id DESC LIMIT $1`,
		limitOr(limit, 100, 5000))
	if err != nil {
		return nil, eris.Wrap(err, "store: list activity")
	}
	defer rows.Close()

	var out []model.ActivityEntry
	for rows.Next() {
		var a model.ActivityEntry
		if err := rows.Scan(&a.ID, &a.Kind, &a.Message, &a.Details, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan activity")
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate activity")
}

// EnqueueRetry adds a failed block to the retry queue. A block already queued
// keeps its retry count and takes the new error.
func (e *engine) EnqueueRetry(ctx context.Context, r model.RetryEntry) error {
	_, err := e.db.exec(ctx,
		`INSERT INTO block_retry_queue (`+retryCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (validator_hotkey, block_number) DO UPDATE
		 SET error = excluded.error, error_type = excluded.error_type, last_failed_at = excluded.last_failed_at`,
		r.ID, r.ValidatorHotkey, r.BlockNumber, r.Error, r.ErrorType, r.RetryCount, r.MaxRetries,
		r.NextRetryAt, r.CreatedAt, r.LastFailedAt,
	)
	return eris.Wrap(err, "store: enqueue retry")
}

// DueRetries returns entries whose next retry time has passed and that still
// have retries left.
func (e *engine) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error) {
	return e.queryRetries(ctx,
		`SELECT `+retryCols+` FROM block_retry_queue
		 WHERE next_retry_at <= $1 AND retry_count < max_retries
		 ORDER BY next_retry_at, block_number LIMIT $2`,
		now, limitOr(limit, 100, 1000))
}

func (e *engine) ListRetries(ctx context.Context) ([]model.RetryEntry, error) {
	return e.queryRetries(ctx,
		`SELECT `+retryCols+` FROM block_retry_queue ORDER BY validator_hotkey, block_number`)
}

func (e *engine) UpdateRetry(ctx context.Context, r model.RetryEntry) error {
	_, err := e.db.exec(ctx,
		`UPDATE block_retry_queue SET error = $1, error_type = $2, retry_count = $3, next_retry_at = $4, last_failed_at = $5
		 WHERE id = $6`,
		r.Error, r.ErrorType, r.RetryCount, r.NextRetryAt, r.LastFailedAt, r.ID,
	)
	return eris.Wrapf(err, "store: update retry %s", r.ID)
}

func (e *engine) RemoveRetry(ctx context.Context, validator string, block int64) error {
	_, err := e.db.exec(ctx,
		`DELETE FROM block_retry_queue WHERE validator_hotkey = $1 AND block_number = $2`, validator, block)
	return eris.Wrap(err, "store: remove retry")
}

func (e *engine) queryRetries(ctx context.Context, q string, args ...any) ([]model.RetryEntry, error) {
	rows, err := e.db.query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: query retries")
	}
	defer rows.Close()

	var out []model.RetryEntry
	for rows.Next() {
		var r model.RetryEntry
		if err := rows.Scan(&r.ID, &r.ValidatorHotkey, &r.BlockNumber, &r.Error, &r.ErrorType, &r.RetryCount,
			&r.MaxRetries, &r.NextRetryAt, &r.CreatedAt, &r.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan retry")
		}
		r.NextRetryAt = r.NextRetryAt.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		r.LastFailedAt = r.LastFailedAt.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate retries")
}
