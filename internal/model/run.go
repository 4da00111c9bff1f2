package model

import "time"

// DefaultJob names the technical-report crawl. Only one run per job may be
// running at a time.
const DefaultJob = "edgar-technical-reports"

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// RunCounters are the per-run progress counters. They only grow during a run.
type RunCounters struct {
	Checked  int64 `json:"checked"`
	Found    int64 `json:"found"`
	Imported int64 `json:"imported"`
	Failed   int64 `json:"failed"`
}

// CrawlRequest describes what a run should crawl. A nil DateFrom with
// Refresh set means "since the latest stored filing".
type CrawlRequest struct {
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Refresh  bool       `json:"refresh,omitempty"`
	CIKs     []string   `json:"ciks,omitempty"`
}

// CrawlRun is one execution of the crawler.
type CrawlRun struct {
	ID           string       `json:"id"`
	Job          string       `json:"job"`
	Status       RunStatus    `json:"status"`
	Request      CrawlRequest `json:"request"`
	DateFrom     *time.Time   `json:"date_from,omitempty"`
	DateTo       *time.Time   `json:"date_to,omitempty"`
	Counters     RunCounters  `json:"counters"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Duration returns how long the run took, or has been running so far.
func (r CrawlRun) Duration(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := now
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}
