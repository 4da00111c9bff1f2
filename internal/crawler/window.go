package crawler

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mining-intel/internal/model"
)

// DefaultLookback is the window crawled when nothing narrower is known.
const DefaultLookback = 365 * 24 * time.Hour

// LatestFinder reports the most recent stored filing date.
type LatestFinder interface {
	LatestFilingDate(ctx context.Context) (*time.Time, error)
}

// ResolveWindow turns a request into the concrete [from, to) window.
//
// An explicit DateFrom is used as given. Otherwise a refresh starts the day
// after the latest stored filing, and an empty store (or a non-refresh
// request) falls back to lookback. The window ends at the start of today
// unless DateTo is set, so a partially published day is picked up by the
// next refresh.
func ResolveWindow(ctx context.Context, latest LatestFinder, req model.CrawlRequest, now time.Time, lookback time.Duration) (model.DateRange, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	to := model.Day(now)
	if req.DateTo != nil {
		to = model.Day(*req.DateTo)
	}

	var from time.Time
	switch {
	case req.DateFrom != nil:
		from = model.Day(*req.DateFrom)
		if to.Before(from) {
			return model.DateRange{}, eris.Errorf("crawler: date_to %s is before date_from %s",
				to.Format(model.DateLayout), from.Format(model.DateLayout))
		}
	case req.Refresh:
		last, err := latest.LatestFilingDate(ctx)
		if err != nil {
			return model.DateRange{}, eris.Wrap(err, "crawler: resolve refresh window")
		}
		if last != nil {
			from = model.Day(*last).AddDate(0, 0, 1)
		} else {
			from = to.Add(-lookback)
		}
	default:
		from = to.Add(-lookback)
	}

	if from.After(to) {
		from = to
	}
	return model.NewDateRange(from, to), nil
}
