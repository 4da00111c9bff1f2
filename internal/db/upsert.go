package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// UniqueViolation is the SQLSTATE for unique_violation.
const UniqueViolation = "23505"

// InsertConfig defines the parameters for a single-row idempotent insert.
type InsertConfig struct {
	Table        string   // target table (e.g., "mining.candidate_documents")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = DO NOTHING
}

// InsertIgnore inserts one row with INSERT ... ON CONFLICT (keys). With no
// UpdateCols a conflicting row is left untouched. It reports whether a new
// row was created. A unique violation on a constraint other than the
// conflict target is also reported as "already exists".
func InsertIgnore(ctx context.Context, pool Pool, cfg InsertConfig, row []any) (bool, error) {
	if len(cfg.Columns) == 0 {
		return false, eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return false, eris.New("db: insert: no conflict keys specified")
	}
	if len(row) != len(cfg.Columns) {
		return false, eris.Errorf("db: insert: %d values for %d columns", len(row), len(cfg.Columns))
	}

	sql := BuildInsertSQL(cfg)

	if len(cfg.UpdateCols) == 0 {
		tag, err := pool.Exec(ctx, sql, row...)
		if err != nil {
			if IsUniqueViolation(err) {
				return false, nil
			}
			return false, eris.Wrapf(err, "db: insert into %s", cfg.Table)
		}
		return tag.RowsAffected() == 1, nil
	}

	var inserted bool
	if err := pool.QueryRow(ctx, sql, row...).Scan(&inserted); err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, eris.Wrapf(err, "db: upsert into %s", cfg.Table)
	}
	return inserted, nil
}

// BuildInsertSQL renders the statement InsertIgnore executes.
func BuildInsertSQL(cfg InsertConfig) string {
	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)
	if len(cfg.UpdateCols) == 0 {
		return sql + " DO NOTHING"
	}

	setClauses := make([]string, len(cfg.UpdateCols))
	for i, col := range cfg.UpdateCols {
		id := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", id, id)
	}
	// xmax is 0 only for freshly inserted tuples.
	return sql + " DO UPDATE SET " + strings.Join(setClauses, ", ") + " RETURNING (xmax = 0)"
}

// IsUniqueViolation reports whether err is a Postgres unique_violation or an
// SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == UniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// sanitizeTable handles schema-qualified table names like "mining.crawl_runs".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
