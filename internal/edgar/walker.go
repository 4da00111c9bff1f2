package edgar

import (
	"context"
	"iter"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/model"
)

// DefaultFormTypes are the filing types that carry technical report
// exhibits: annual, quarterly and current reports, their foreign-issuer
// equivalents and registration statements.
var DefaultFormTypes = []string{
	"10-K", "10-K/A",
	"10-Q", "10-Q/A",
	"8-K", "8-K/A",
	"20-F", "20-F/A",
	"40-F", "40-F/A",
	"6-K",
	"S-1", "S-1/A",
	"F-1",
}

// DefaultDiscoveryQuery finds filers with S-K 1300 technical report summaries.
const DefaultDiscoveryQuery = `"technical report summary"`

// maxSearchPages bounds discovery paging. EFTS stops serving past 10,000 hits.
const maxSearchPages = 100

// Pair is one filing together with the company that filed it.
type Pair struct {
	Company model.Company
	Filing  model.Filing
}

// WalkerOptions configures a Walker.
type WalkerOptions struct {
	FormTypes      []string
	DiscoveryQuery string
}

// Walker iterates company filing histories filtered by form type and date.
type Walker struct {
	client *Client
	forms  map[string]bool
	formsL []string
	query  string
}

// NewWalker creates a Walker. Empty options use the defaults.
func NewWalker(client *Client, opts WalkerOptions) *Walker {
	forms := opts.FormTypes
	if len(forms) == 0 {
		forms = DefaultFormTypes
	}
	w := &Walker{
		client: client,
		forms:  make(map[string]bool, len(forms)),
		query:  opts.DiscoveryQuery,
	}
	if w.query == "" {
		w.query = DefaultDiscoveryQuery
	}
	for _, f := range forms {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f == "" || w.forms[f] {
			continue
		}
		w.forms[f] = true
		w.formsL = append(w.formsL, f)
	}
	return w
}

// Client returns the underlying EDGAR client.
func (w *Walker) Client() *Client { return w.client }

// Allowed reports whether a form type is in the allow-list.
func (w *Walker) Allowed(form string) bool {
	return w.forms[strings.ToUpper(strings.TrimSpace(form))]
}

// Company fetches one company's filing history and returns the filings that
// pass the form allow-list and fall in window, in upstream order.
func (w *Walker) Company(ctx context.Context, cik string, window model.DateRange) (model.Company, iter.Seq[model.Filing], error) {
	company, filings, err := w.client.Submissions(ctx, cik, window)
	if err != nil {
		return model.Company{}, nil, err
	}

	seq := func(yield func(model.Filing) bool) {
		for _, f := range filings {
			if !w.Allowed(f.FormType) || !window.Contains(f.FilingDate) {
				continue
			}
			if !yield(f) {
				return
			}
		}
	}
	return company, seq, nil
}

// Walk lazily yields (company, filing) pairs for every cik. A company that
// cannot be fetched yields a single error and the walk moves on.
func (w *Walker) Walk(ctx context.Context, ciks []string, window model.DateRange) iter.Seq2[Pair, error] {
	return func(yield func(Pair, error) bool) {
		for _, cik := range ciks {
			if ctx.Err() != nil {
				return
			}
			company, filings, err := w.Company(ctx, cik, window)
			if err != nil {
				if !yield(Pair{Company: model.Company{CIK: model.NormalizeCIK(cik)}}, err) {
					return
				}
				continue
			}
			for f := range filings {
				if !yield(Pair{Company: company, Filing: f}, nil) {
					return
				}
			}
		}
	}
}

// Discover returns the distinct CIKs whose filings in window match the
// discovery query, in first-seen order.
func (w *Walker) Discover(ctx context.Context, window model.DateRange) ([]string, error) {
	log := zap.L().With(zap.String("component", "edgar.discover"))

	seen := make(map[string]bool)
	var ciks []string
	offset := 0
	for range maxSearchPages {
		page, err := w.client.Search(ctx, w.query, w.formsL, window, offset)
		if err != nil {
			if len(ciks) > 0 && ctx.Err() == nil {
				log.Warn("discovery stopped early", zap.Int("ciks", len(ciks)), zap.Error(err))
				return ciks, nil
			}
			return nil, eris.Wrap(err, "edgar: discover")
		}
		for _, hit := range page.Hits {
			for _, cik := range hit.CIKs {
				if !seen[cik] {
					seen[cik] = true
					ciks = append(ciks, cik)
				}
			}
		}
		offset += len(page.Hits)
		if len(page.Hits) == 0 || offset >= page.Total {
			break
		}
	}

	log.Info("discovered companies", zap.Int("ciks", len(ciks)), zap.String("window", window.String()))
	return ciks, nil
}
