package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mining-intel/internal/db"
	"github.com/sells-group/mining-intel/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var documentInsert = db.InsertConfig{
	Table: "mining.candidate_documents",
	Columns: []string{
		"id", "accession_number", "cik", "company_name", "form_type", "filing_date",
		"document_url", "exhibit_label", "description", "processed", "discovered_at",
	},
	ConflictKeys: []string{"accession_number", "document_url"},
}

// NewPostgres creates a PostgresStore with a connection pool.
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Documents ---

func (s *PostgresStore) UpsertDocument(ctx context.Context, doc *model.CandidateDocument) (bool, error) {
	if err := validateDocument(doc); err != nil {
		return false, err
	}
	candidate := *doc
	prepareDocument(&candidate, uuid.New().String(), time.Now().UTC())

	inserted, err := db.InsertIgnore(ctx, s.pool, documentInsert, []any{
		candidate.ID, candidate.AccessionNumber, candidate.CIK, candidate.CompanyName, candidate.FormType,
		candidate.FilingDate, candidate.DocumentURL, candidate.ExhibitLabel, candidate.Description,
		candidate.Processed, candidate.DiscoveredAt,
	})
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert document %s", doc.DocumentURL)
	}
	if inserted {
		*doc = candidate
	}
	return inserted, nil
}

func (s *PostgresStore) LatestFilingDate(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(filing_date) FROM mining.candidate_documents`).Scan(&latest); err != nil {
		return nil, eris.Wrap(err, "postgres: latest filing date")
	}
	if latest == nil {
		return nil, nil
	}
	d := model.Day(*latest)
	return &d, nil
}

func postgresDocumentWhere(filter DocumentFilter) (string, []any) {
	where := "WHERE 1 = 1"
	var args []any
	if filter.Processed != nil {
		args = append(args, *filter.Processed)
		where += fmt.Sprintf(" AND processed = $%d", len(args))
	}
	if filter.Label != "" {
		args = append(args, filter.Label)
		where += fmt.Sprintf(" AND exhibit_label = $%d", len(args))
	}
	if filter.CIK != "" {
		args = append(args, model.NormalizeCIK(filter.CIK))
		where += fmt.Sprintf(" AND cik = $%d", len(args))
	}
	return where, args
}

func (s *PostgresStore) CountDocuments(ctx context.Context, filter DocumentFilter) (int64, error) {
	where, args := postgresDocumentWhere(filter)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mining.candidate_documents `+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count documents")
	}
	return n, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.CandidateDocument, error) {
	where, args := postgresDocumentWhere(filter)
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	query := fmt.Sprintf(`SELECT id, accession_number, cik, company_name, form_type, filing_date, document_url,
		exhibit_label, description, processed, discovered_at
		FROM mining.candidate_documents %s
		ORDER BY filing_date DESC, accession_number, document_url
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.CandidateDocument
	for rows.Next() {
		var d model.CandidateDocument
		if err := rows.Scan(&d.ID, &d.AccessionNumber, &d.CIK, &d.CompanyName, &d.FormType, &d.FilingDate,
			&d.DocumentURL, &d.ExhibitLabel, &d.Description, &d.Processed, &d.DiscoveredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, documentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mining.candidate_documents SET processed = true WHERE id = $1`, documentID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark processed %s", documentID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "document not found: %s", documentID)
	}
	return nil
}

func (s *PostgresStore) SaveMetrics(ctx context.Context, results []model.MetricResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range results {
		if _, err := tx.Exec(ctx,
			`INSERT INTO mining.document_metrics (document_id, field, value, unit, confidence, found, strategy, evidence, extracted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (document_id, field) DO UPDATE SET
				value = EXCLUDED.value, unit = EXCLUDED.unit, confidence = EXCLUDED.confidence,
				found = EXCLUDED.found, strategy = EXCLUDED.strategy, evidence = EXCLUDED.evidence,
				extracted_at = EXCLUDED.extracted_at`,
			r.DocumentID, r.Field, r.Value, r.Unit, r.Confidence, r.Found, r.Strategy, r.Evidence,
		); err != nil {
			return eris.Wrapf(err, "postgres: save metric %s/%s", r.DocumentID, r.Field)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit metrics")
}

func (s *PostgresStore) ListMetrics(ctx context.Context, documentID string) ([]model.MetricResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, field, value, unit, confidence, found, strategy, evidence
		FROM mining.document_metrics WHERE document_id = $1 ORDER BY field`, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list metrics")
	}
	defer rows.Close()

	var out []model.MetricResult
	for rows.Next() {
		var r model.MetricResult
		if err := rows.Scan(&r.DocumentID, &r.Field, &r.Value, &r.Unit, &r.Confidence, &r.Found, &r.Strategy, &r.Evidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metric")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list metrics iterate")
	}
	if len(out) > 0 {
		return out, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM mining.candidate_documents WHERE id = $1)`, documentID).Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "postgres: check document")
	}
	if !exists {
		return nil, eris.Wrapf(ErrNotFound, "document not found: %s", documentID)
	}
	return out, nil
}

// --- Runs ---

const postgresRunColumns = `id, job, status, request, date_from, date_to, checked, found, imported, failed,
	error_message, created_at, started_at, completed_at, updated_at`

func (s *PostgresStore) CreateRun(ctx context.Context, job string, req model.CrawlRequest) (*model.CrawlRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal request")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO mining.crawl_runs (id, job, status, request, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, job, string(model.RunStatusPending), reqJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) ClaimRun(ctx context.Context, runID string, window model.DateRange) (*model.CrawlRun, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE mining.crawl_runs SET status = $1, started_at = now(), date_from = $2, date_to = $3, updated_at = now()
		WHERE id = $4 AND status = $5
		RETURNING `+postgresRunColumns,
		string(model.RunStatusRunning), window.From, window.To, runID, string(model.RunStatusPending),
	)
	run, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetRun(ctx, runID)
		return nil, transitionError(current, getErr, model.RunStatusRunning)
	}
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, eris.Wrapf(ErrRunInProgress, "postgres: claim run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: claim run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) NextPendingRun(ctx context.Context, job string) (*model.CrawlRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresRunColumns+` FROM mining.crawl_runs
		WHERE job = $1 AND status = $2 ORDER BY created_at, id LIMIT 1`,
		job, string(model.RunStatusPending),
	)
	run, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: next pending run")
	}
	return run, nil
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID string, c model.RunCounters) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mining.crawl_runs SET
			checked = GREATEST(checked, $1), found = GREATEST(found, $2),
			imported = GREATEST(imported, $3), failed = GREATEST(failed, $4),
			updated_at = now()
		WHERE id = $5 AND status = $6`,
		c.Checked, c.Found, c.Imported, c.Failed, runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run progress %s", runID)
	}
	if tag.RowsAffected() == 0 {
		run, err := s.GetRun(ctx, runID)
		return transitionError(run, err, model.RunStatusRunning)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, c model.RunCounters, errMsg string) error {
	if err := finishable(status); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE mining.crawl_runs SET status = $1,
			checked = GREATEST(checked, $2), found = GREATEST(found, $3),
			imported = GREATEST(imported, $4), failed = GREATEST(failed, $5),
			error_message = $6, completed_at = now(), updated_at = now()
		WHERE id = $7 AND status IN ($8, $9)`,
		string(status), c.Checked, c.Found, c.Imported, c.Failed, errMsg,
		runID, string(model.RunStatusPending), string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		run, err := s.GetRun(ctx, runID)
		return transitionError(run, err, status)
	}
	return nil
}

func (s *PostgresStore) CancelPending(ctx context.Context, runID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mining.crawl_runs SET status = $1, error_message = $2, completed_at = now(), updated_at = now()
		WHERE id = $3 AND status = $4`,
		string(model.RunStatusCancelled), reason, runID, string(model.RunStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: cancel run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		run, err := s.GetRun(ctx, runID)
		return transitionError(run, err, model.RunStatusCancelled)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.CrawlRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresRunColumns+` FROM mining.crawl_runs WHERE id = $1`, runID)
	run, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.CrawlRun, error) {
	query := `SELECT ` + postgresRunColumns + ` FROM mining.crawl_runs WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Job != "" {
		args = append(args, filter.Job)
		query += fmt.Sprintf(" AND job = $%d", len(args))
	}
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.CrawlRun
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) RequeueInterrupted(ctx context.Context, job string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mining.crawl_runs SET status = $1, started_at = NULL,
			checked = 0, found = 0, imported = 0, failed = 0, updated_at = now()
		WHERE job = $2 AND status = $3`,
		string(model.RunStatusPending), job, string(model.RunStatusRunning),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue interrupted runs")
	}
	return int(tag.RowsAffected()), nil
}

func scanPostgresRun(row scannable) (*model.CrawlRun, error) {
	var (
		r       model.CrawlRun
		status  string
		reqJSON []byte
	)
	if err := row.Scan(&r.ID, &r.Job, &status, &reqJSON, &r.DateFrom, &r.DateTo,
		&r.Counters.Checked, &r.Counters.Found, &r.Counters.Imported, &r.Counters.Failed,
		&r.ErrorMessage, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if len(reqJSON) > 0 {
		if err := json.Unmarshal(reqJSON, &r.Request); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal request")
		}
	}
	return &r, nil
}
