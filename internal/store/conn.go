package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// errNoRows is what both backends' single-row scans return when nothing
// matched.
var errNoRows = errors.New("store: no rows")

type scanner interface {
	Scan(dest ...any) error
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn is the statement surface a backend exposes to the shared queries.
// Queries are written with $N placeholders.
type conn interface {
	exec(ctx context.Context, q string, args ...any) (int64, error)
	query(ctx context.Context, q string, args ...any) (rowsIter, error)
	queryRow(ctx context.Context, q string, args ...any) scanner
	bulkInsert(ctx context.Context, table string, cols []string, rows [][]any) error
}

// backend is a conn that can also open transactions.
type backend interface {
	conn
	inTx(ctx context.Context, fn func(c conn) error) error
}

// engine implements every Store method on top of a backend. PostgresStore and
// SQLiteStore embed it.
type engine struct {
	db  backend
	now func() time.Time
}

func newEngine(b backend) *engine {
	return &engine{db: b, now: func() time.Time { return time.Now().UTC() }}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders renders "$from, $from+1, ..." for n values.
func placeholders(from, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(from + i))
	}
	return b.String()
}

// where accumulates AND-ed conditions and their positional args.
type where struct {
	conds []string
	args  []any
}

// add appends a condition whose single placeholder is written as ?.
func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(w.args)), 1))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// next returns the next free placeholder and records arg.
func (w *where) next(arg any) string {
	w.args = append(w.args, arg)
	return "$" + strconv.Itoa(len(w.args))
}

func limitOr(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
