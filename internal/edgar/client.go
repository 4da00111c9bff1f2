// Package edgar reads company filing histories, filing manifests and full-text
// search results from SEC EDGAR.
package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/fetcher"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/resilience"
)

// Default upstream endpoints.
const (
	DefaultDataBaseURL     = "https://data.sec.gov"
	DefaultArchivesBaseURL = "https://www.sec.gov/Archives/edgar/data"
	DefaultSearchURL       = "https://efts.sec.gov/LATEST/search-index"
)

// Config holds the upstream base URLs. Zero fields use the defaults.
type Config struct {
	DataBaseURL     string
	ArchivesBaseURL string
	SearchURL       string
}

// Client talks to EDGAR through a rate-limited fetcher.
type Client struct {
	f   fetcher.Fetcher
	cfg Config
}

// NewClient creates a Client.
func NewClient(f fetcher.Fetcher, cfg Config) *Client {
	if cfg.DataBaseURL == "" {
		cfg.DataBaseURL = DefaultDataBaseURL
	}
	if cfg.ArchivesBaseURL == "" {
		cfg.ArchivesBaseURL = DefaultArchivesBaseURL
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	cfg.DataBaseURL = strings.TrimRight(cfg.DataBaseURL, "/")
	cfg.ArchivesBaseURL = strings.TrimRight(cfg.ArchivesBaseURL, "/")
	return &Client{f: f, cfg: cfg}
}

// submissionsJSON is data.sec.gov/submissions/CIK##########.json.
type submissionsJSON struct {
	CIK            json.Number `json:"cik"`
	Name           string      `json:"name"`
	SIC            string      `json:"sic"`
	SICDescription string      `json:"sicDescription"`
	Tickers        []string    `json:"tickers"`
	Filings        struct {
		Recent filingColumns `json:"recent"`
		Files  []filingsFile `json:"files"`
	} `json:"filings"`
}

// filingColumns holds parallel arrays, one entry per filing. Supplemental
// pages carry the same shape at the top level.
type filingColumns struct {
	AccessionNumber []string `json:"accessionNumber"`
	FilingDate      []string `json:"filingDate"`
	ReportDate      []string `json:"reportDate"`
	Form            []string `json:"form"`
	PrimaryDoc      []string `json:"primaryDocument"`
	PrimaryDocDesc  []string `json:"primaryDocDescription"`
	Items           []string `json:"items"`
}

type filingsFile struct {
	Name        string `json:"name"`
	FilingCount int    `json:"filingCount"`
	FilingFrom  string `json:"filingFrom"`
	FilingTo    string `json:"filingTo"`
}

// SubmissionsURL returns the filing-history URL for cik.
func (c *Client) SubmissionsURL(cik string) string {
	return fmt.Sprintf("%s/submissions/CIK%s.json", c.cfg.DataBaseURL, model.PadCIK(cik))
}

// FilingBaseURL returns the archive directory of one filing.
func (c *Client) FilingBaseURL(cik string, f model.Filing) string {
	return fmt.Sprintf("%s/%s/%s", c.cfg.ArchivesBaseURL, model.NormalizeCIK(cik), f.AccessionNoDashes())
}

// DocumentURL returns the archive URL of one file inside a filing.
func (c *Client) DocumentURL(cik string, f model.Filing, name string) string {
	return c.FilingBaseURL(cik, f) + "/" + url.PathEscape(name)
}

// Submissions fetches the filing history for cik. Supplemental history pages
// are fetched only when they overlap window; a zero window skips them.
func (c *Client) Submissions(ctx context.Context, cik string, window model.DateRange) (model.Company, []model.Filing, error) {
	if model.NormalizeCIK(cik) == "" {
		return model.Company{}, nil, eris.Errorf("edgar: invalid cik %q", cik)
	}

	sub, err := fetcher.GetJSON[submissionsJSON](ctx, c.f, c.SubmissionsURL(cik))
	if err != nil {
		return model.Company{}, nil, eris.Wrapf(err, "edgar: submissions %s", cik)
	}

	company := model.Company{
		CIK:            model.NormalizeCIK(sub.CIK.String()),
		Name:           strings.TrimSpace(sub.Name),
		Tickers:        sub.Tickers,
		SIC:            sub.SIC,
		SICDescription: sub.SICDescription,
	}
	if company.CIK == "" {
		company.CIK = model.NormalizeCIK(cik)
	}

	filings := sub.Filings.Recent.filings()

	if window.From.IsZero() || window.To.IsZero() {
		return company, filings, nil
	}
	for _, file := range sub.Filings.Files {
		if !pageOverlaps(file, window) {
			continue
		}
		pageURL := fmt.Sprintf("%s/submissions/%s", c.cfg.DataBaseURL, file.Name)
		page, err := fetcher.GetJSON[filingColumns](ctx, c.f, pageURL)
		if err != nil {
			if resilience.IsRateLimited(err) || ctx.Err() != nil {
				return company, nil, eris.Wrapf(err, "edgar: submissions page %s", file.Name)
			}
			zap.L().Warn("edgar: skipping supplemental submissions page",
				zap.String("cik", company.CIK),
				zap.String("page", file.Name),
				zap.Error(err),
			)
			continue
		}
		filings = append(filings, page.filings()...)
	}
	return company, filings, nil
}

// pageOverlaps reports whether a supplemental page may hold filings in window.
// Pages with unparseable bounds are fetched.
func pageOverlaps(file filingsFile, window model.DateRange) bool {
	from, errFrom := model.ParseDate(file.FilingFrom)
	to, errTo := model.ParseDate(file.FilingTo)
	if errFrom != nil || errTo != nil {
		return true
	}
	return window.Overlaps(from, to)
}

// filings converts the columnar arrays into Filing rows. Arrays of unequal
// length are read safely; rows without an accession number or a parseable
// filing date are dropped.
func (cols filingColumns) filings() []model.Filing {
	out := make([]model.Filing, 0, len(cols.AccessionNumber))
	for i, acc := range cols.AccessionNumber {
		acc = strings.TrimSpace(acc)
		if acc == "" {
			continue
		}
		filed, err := model.ParseDate(safeIndex(cols.FilingDate, i))
		if err != nil {
			zap.L().Debug("edgar: dropping filing with bad date",
				zap.String("accession", acc),
				zap.String("filing_date", safeIndex(cols.FilingDate, i)),
			)
			continue
		}
		f := model.Filing{
			AccessionNumber:       acc,
			FormType:              strings.TrimSpace(safeIndex(cols.Form, i)),
			FilingDate:            filed,
			PrimaryDocument:       safeIndex(cols.PrimaryDoc, i),
			PrimaryDocDescription: safeIndex(cols.PrimaryDocDesc, i),
			Items:                 safeIndex(cols.Items, i),
		}
		if rd, err := model.ParseDate(safeIndex(cols.ReportDate, i)); err == nil {
			f.ReportDate = &rd
		}
		out = append(out, f)
	}
	return out
}

// safeIndex returns the string at index i, or "" if out of bounds.
func safeIndex(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}

// eftsTotal is the hit count object in EFTS responses.
type eftsTotal struct {
	Value    int    `json:"value"`
	Relation string `json:"relation"`
}

type eftsResponse struct {
	Hits struct {
		Total eftsTotal `json:"total"`
		Hits  []struct {
			ID     string `json:"_id"`
			Source struct {
				CIKs         []string `json:"ciks"`
				EntityCIK    string   `json:"entity_cik"`
				DisplayNames []string `json:"display_names"`
				FormType     string   `json:"form"`
				RootForm     string   `json:"root_form"`
				FileDate     string   `json:"file_date"`
				Accession    string   `json:"adsh"`
				AccessionNo  string   `json:"accession_no"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchHit is one full-text search match.
type SearchHit struct {
	CIKs            []string
	CompanyName     string
	FormType        string
	AccessionNumber string
	FileName        string
	FilingDate      time.Time
}

// SearchPage is one page of full-text search results.
type SearchPage struct {
	Total int
	Hits  []SearchHit
}

// SearchPageSize is the page size requested from EFTS.
const SearchPageSize = 100

// Search runs one page of an EDGAR full-text search.
func (c *Client) Search(ctx context.Context, query string, forms []string, window model.DateRange, offset int) (*SearchPage, error) {
	q := url.Values{}
	q.Set("q", query)
	if !window.From.IsZero() && !window.To.IsZero() {
		q.Set("dateRange", "custom")
		q.Set("startdt", window.From.Format(model.DateLayout))
		// EFTS end dates are inclusive.
		q.Set("enddt", window.To.AddDate(0, 0, -1).Format(model.DateLayout))
	}
	if len(forms) > 0 {
		q.Set("forms", strings.Join(forms, ","))
	}
	q.Set("from", fmt.Sprint(offset))
	q.Set("size", fmt.Sprint(SearchPageSize))

	resp, err := fetcher.GetJSON[eftsResponse](ctx, c.f, c.cfg.SearchURL+"?"+q.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "edgar: full-text search")
	}

	page := &SearchPage{Total: resp.Hits.Total.Value}
	for _, h := range resp.Hits.Hits {
		src := h.Source
		hit := SearchHit{
			FormType:        src.FormType,
			AccessionNumber: firstNonEmpty(src.Accession, src.AccessionNo),
		}
		if acc, file, ok := strings.Cut(h.ID, ":"); ok {
			hit.FileName = file
			if hit.AccessionNumber == "" {
				hit.AccessionNumber = acc
			}
		}
		ciks := src.CIKs
		if len(ciks) == 0 && src.EntityCIK != "" {
			ciks = []string{src.EntityCIK}
		}
		for _, raw := range ciks {
			if n := model.NormalizeCIK(raw); n != "" {
				hit.CIKs = append(hit.CIKs, n)
			}
		}
		if len(src.DisplayNames) > 0 {
			hit.CompanyName = src.DisplayNames[0]
		}
		if d, err := model.ParseDate(src.FileDate); err == nil {
			hit.FilingDate = d
		}
		page.Hits = append(page.Hits, hit)
	}
	return page, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
