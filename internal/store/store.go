package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mining-intel/internal/model"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrNotFound          = eris.New("store: not found")
	ErrRunInProgress     = eris.New("store: another run is already running for this job")
	ErrInvalidTransition = eris.New("store: invalid run status transition")
)

// DocumentFilter specifies criteria for listing and counting documents.
type DocumentFilter struct {
	Processed *bool  `json:"processed,omitempty"`
	Label     string `json:"label,omitempty"`
	CIK       string `json:"cik,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Job    string          `json:"job,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for discovered documents and
// crawl runs.
type Store interface {
	// Documents
	UpsertDocument(ctx context.Context, doc *model.CandidateDocument) (bool, error)
	LatestFilingDate(ctx context.Context) (*time.Time, error)
	CountDocuments(ctx context.Context, filter DocumentFilter) (int64, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.CandidateDocument, error)
	MarkProcessed(ctx context.Context, documentID string) error
	SaveMetrics(ctx context.Context, results []model.MetricResult) error
	ListMetrics(ctx context.Context, documentID string) ([]model.MetricResult, error)

	// Runs
	CreateRun(ctx context.Context, job string, req model.CrawlRequest) (*model.CrawlRun, error)
	ClaimRun(ctx context.Context, runID string, window model.DateRange) (*model.CrawlRun, error)
	NextPendingRun(ctx context.Context, job string) (*model.CrawlRun, error)
	UpdateRunProgress(ctx context.Context, runID string, counters model.RunCounters) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, counters model.RunCounters, errMsg string) error
	// CancelPending cancels a run that has not been claimed yet. A claimed
	// or finished run is left alone and ErrInvalidTransition is returned.
	CancelPending(ctx context.Context, runID, reason string) error
	GetRun(ctx context.Context, runID string) (*model.CrawlRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.CrawlRun, error)
	// RequeueInterrupted puts runs left running by a dead process back to
	// pending. Their window is kept and their counters reset.
	RequeueInterrupted(ctx context.Context, job string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// prepareDocument fills the fields the store owns before an insert.
func prepareDocument(doc *model.CandidateDocument, id string, now time.Time) {
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.DiscoveredAt.IsZero() {
		doc.DiscoveredAt = now
	}
	doc.CIK = model.NormalizeCIK(doc.CIK)
	doc.FilingDate = model.Day(doc.FilingDate)
}

func validateDocument(doc *model.CandidateDocument) error {
	switch {
	case doc.AccessionNumber == "":
		return eris.New("store: document requires accession_number")
	case doc.DocumentURL == "":
		return eris.New("store: document requires document_url")
	case doc.FilingDate.IsZero():
		return eris.New("store: document requires filing_date")
	}
	return nil
}

func finishable(status model.RunStatus) error {
	if !status.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "store: %s is not a terminal status", status)
	}
	return nil
}

// transitionError explains why a conditional run update matched no row.
func transitionError(run *model.CrawlRun, err error, target model.RunStatus) error {
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "store: run %s is %s, cannot move to %s", run.ID, run.Status, target)
}
