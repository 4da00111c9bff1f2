package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mining-intel/internal/db"
	"github.com/sells-group/mining-intel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS candidate_documents (
	id               TEXT PRIMARY KEY,
	accession_number TEXT NOT NULL,
	cik              TEXT NOT NULL,
	company_name     TEXT NOT NULL DEFAULT '',
	form_type        TEXT NOT NULL DEFAULT '',
	filing_date      TEXT NOT NULL,
	document_url     TEXT NOT NULL,
	exhibit_label    TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	processed        INTEGER NOT NULL DEFAULT 0,
	discovered_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (accession_number, document_url)
);

CREATE TABLE IF NOT EXISTS document_metrics (
	document_id  TEXT NOT NULL REFERENCES candidate_documents(id),
	field        TEXT NOT NULL,
	value        REAL,
	unit         TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL DEFAULT 0,
	found        INTEGER NOT NULL DEFAULT 0,
	strategy     TEXT NOT NULL DEFAULT '',
	evidence     TEXT NOT NULL DEFAULT '',
	extracted_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (document_id, field)
);

CREATE TABLE IF NOT EXISTS crawl_runs (
	id            TEXT PRIMARY KEY,
	job           TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	request       TEXT NOT NULL DEFAULT '{}',
	date_from     TEXT,
	date_to       TEXT,
	checked       INTEGER NOT NULL DEFAULT 0,
	found         INTEGER NOT NULL DEFAULT 0,
	imported      INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at    DATETIME,
	completed_at  DATETIME,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_filing_date ON candidate_documents(filing_date);
CREATE INDEX IF NOT EXISTS idx_documents_processed ON candidate_documents(processed);
CREATE INDEX IF NOT EXISTS idx_crawl_runs_status ON crawl_runs(status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_crawl_runs_one_running ON crawl_runs(job) WHERE status = 'running';
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Documents ---

func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc *model.CandidateDocument) (bool, error) {
	if err := validateDocument(doc); err != nil {
		return false, err
	}
	candidate := *doc
	prepareDocument(&candidate, uuid.New().String(), time.Now().UTC())

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO candidate_documents
			(id, accession_number, cik, company_name, form_type, filing_date, document_url, exhibit_label, description, processed, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (accession_number, document_url) DO NOTHING`,
		candidate.ID, candidate.AccessionNumber, candidate.CIK, candidate.CompanyName, candidate.FormType,
		candidate.FilingDate.Format(model.DateLayout), candidate.DocumentURL, candidate.ExhibitLabel,
		candidate.Description, candidate.Processed, candidate.DiscoveredAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, eris.Wrapf(err, "sqlite: upsert document %s", doc.DocumentURL)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}
	*doc = candidate
	return true, nil
}

func (s *SQLiteStore) LatestFilingDate(ctx context.Context) (*time.Time, error) {
	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(filing_date) FROM candidate_documents`).Scan(&latest); err != nil {
		return nil, eris.Wrap(err, "sqlite: latest filing date")
	}
	if !latest.Valid || latest.String == "" {
		return nil, nil
	}
	d, err := model.ParseDate(latest.String)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse latest filing date")
	}
	return &d, nil
}

func sqliteDocumentWhere(filter DocumentFilter) (string, []any) {
	clauses := []string{"1 = 1"}
	var args []any
	if filter.Processed != nil {
		clauses = append(clauses, "processed = ?")
		args = append(args, *filter.Processed)
	}
	if filter.Label != "" {
		clauses = append(clauses, "exhibit_label = ?")
		args = append(args, filter.Label)
	}
	if filter.CIK != "" {
		clauses = append(clauses, "cik = ?")
		args = append(args, model.NormalizeCIK(filter.CIK))
	}
	return strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) CountDocuments(ctx context.Context, filter DocumentFilter) (int64, error) {
	where, args := sqliteDocumentWhere(filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidate_documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count documents")
	}
	return n, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.CandidateDocument, error) {
	where, args := sqliteDocumentWhere(filter)
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, accession_number, cik, company_name, form_type, filing_date, document_url, exhibit_label, description, processed, discovered_at
		FROM candidate_documents WHERE `+where+`
		ORDER BY filing_date DESC, accession_number, document_url
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close() //nolint:errcheck

	var docs []model.CandidateDocument
	for rows.Next() {
		var d model.CandidateDocument
		var filed string
		if err := rows.Scan(&d.ID, &d.AccessionNumber, &d.CIK, &d.CompanyName, &d.FormType, &filed,
			&d.DocumentURL, &d.ExhibitLabel, &d.Description, &d.Processed, &d.DiscoveredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		if d.FilingDate, err = model.ParseDate(filed); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse filing date")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidate_documents SET processed = 1 WHERE id = ?`, documentID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark processed %s", documentID)
	}
	return checkRowsAffected(res, "document", documentID)
}

func (s *SQLiteStore) SaveMetrics(ctx context.Context, results []model.MetricResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range results {
		var value sql.NullFloat64
		if r.Value != nil {
			value = sql.NullFloat64{Float64: *r.Value, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_metrics (document_id, field, value, unit, confidence, found, strategy, evidence, extracted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (document_id, field) DO UPDATE SET
				value = excluded.value, unit = excluded.unit, confidence = excluded.confidence,
				found = excluded.found, strategy = excluded.strategy, evidence = excluded.evidence,
				extracted_at = excluded.extracted_at`,
			r.DocumentID, r.Field, value, r.Unit, r.Confidence, r.Found, r.Strategy, r.Evidence, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save metric %s/%s", r.DocumentID, r.Field)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit metrics")
}

func (s *SQLiteStore) ListMetrics(ctx context.Context, documentID string) ([]model.MetricResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, field, value, unit, confidence, found, strategy, evidence
		FROM document_metrics WHERE document_id = ? ORDER BY field`, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list metrics")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MetricResult
	for rows.Next() {
		var r model.MetricResult
		var value sql.NullFloat64
		if err := rows.Scan(&r.DocumentID, &r.Field, &value, &r.Unit, &r.Confidence, &r.Found, &r.Strategy, &r.Evidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metric")
		}
		if value.Valid {
			v := value.Float64
			r.Value = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list metrics iterate")
	}
	if len(out) > 0 {
		return out, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM candidate_documents WHERE id = ?)`, documentID).Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "sqlite: check document")
	}
	if !exists {
		return nil, eris.Wrapf(ErrNotFound, "document not found: %s", documentID)
	}
	return out, nil
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, job string, req model.CrawlRequest) (*model.CrawlRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal request")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO crawl_runs (id, job, status, request, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, job, string(model.RunStatusPending), string(reqJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.CrawlRun{
		ID:        id,
		Job:       job,
		Status:    model.RunStatusPending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) ClaimRun(ctx context.Context, runID string, window model.DateRange) (*model.CrawlRun, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_runs SET status = ?, started_at = ?, date_from = ?, date_to = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(model.RunStatusRunning), now,
		window.From.Format(model.DateLayout), window.To.Format(model.DateLayout), now,
		runID, string(model.RunStatusPending),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, eris.Wrapf(ErrRunInProgress, "sqlite: claim run %s", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: claim run %s", runID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		run, err := s.GetRun(ctx, runID)
		return nil, transitionError(run, err, model.RunStatusRunning)
	}
	return s.GetRun(ctx, runID)
}

func (s *SQLiteStore) NextPendingRun(ctx context.Context, job string) (*model.CrawlRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM crawl_runs WHERE job = ? AND status = ? ORDER BY created_at, id LIMIT 1`,
		job, string(model.RunStatusPending),
	)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: next pending run")
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, c model.RunCounters) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_runs SET
			checked = MAX(checked, ?), found = MAX(found, ?), imported = MAX(imported, ?), failed = MAX(failed, ?),
			updated_at = ?
		WHERE id = ? AND status = ?`,
		c.Checked, c.Found, c.Imported, c.Failed, time.Now().UTC(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run progress %s", runID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		run, err := s.GetRun(ctx, runID)
		return transitionError(run, err, model.RunStatusRunning)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, c model.RunCounters, errMsg string) error {
	if err := finishable(status); err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_runs SET status = ?,
			checked = MAX(checked, ?), found = MAX(found, ?), imported = MAX(imported, ?), failed = MAX(failed, ?),
			error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), c.Checked, c.Found, c.Imported, c.Failed, errMsg, now, now,
		runID, string(model.RunStatusPending), string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		run, err := s.GetRun(ctx, runID)
		return transitionError(run, err, status)
	}
	return nil
}

func (s *SQLiteStore) CancelPending(ctx context.Context, runID, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_runs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(model.RunStatusCancelled), reason, now, now, runID, string(model.RunStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cancel run %s", runID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		run, err := s.GetRun(ctx, runID)
		return transitionError(run, err, model.RunStatusCancelled)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.CrawlRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM crawl_runs WHERE id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.CrawlRun, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM crawl_runs WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Job != "" {
		query += ` AND job = ?`
		args = append(args, filter.Job)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.CrawlRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RequeueInterrupted(ctx context.Context, job string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_runs SET status = ?, started_at = NULL,
			checked = 0, found = 0, imported = 0, failed = 0, updated_at = ?
		WHERE job = ? AND status = ?`,
		string(model.RunStatusPending), time.Now().UTC(), job, string(model.RunStatusRunning),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue interrupted runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

const sqliteRunColumns = `id, job, status, request, date_from, date_to, checked, found, imported, failed,
	error_message, created_at, started_at, completed_at, updated_at`

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.CrawlRun, error) {
	var (
		r                 model.CrawlRun
		status, reqJSON   string
		from, to          sql.NullString
		started, finished sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Job, &status, &reqJSON, &from, &to,
		&r.Counters.Checked, &r.Counters.Found, &r.Counters.Imported, &r.Counters.Failed,
		&r.ErrorMessage, &r.CreatedAt, &started, &finished, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if reqJSON != "" {
		if err := json.Unmarshal([]byte(reqJSON), &r.Request); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal request")
		}
	}
	r.DateFrom = parseNullDate(from)
	r.DateTo = parseNullDate(to)
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func parseNullDate(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := model.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &d
}
