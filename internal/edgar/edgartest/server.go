// Package edgartest runs an in-memory EDGAR for tests.
package edgartest

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// File is one document inside a fake filing.
type File struct {
	Name        string
	Description string
	Type        string
	Size        int64
}

// Filing is one fake submission.
type Filing struct {
	Accession  string
	Form       string
	Date       string
	PrimaryDoc string
	Files      []File

	// NoIndexPage serves 404 for the -index.htm page.
	NoIndexPage bool
	// NoManifest serves 404 for both the index page and index.json.
	NoManifest bool
}

// Company is one fake filer.
type Company struct {
	CIK     string
	Name    string
	Filings []Filing

	// Status, when non-zero, is returned for the submissions document.
	Status int
}

// SearchHit is one fake full-text search result.
type SearchHit struct {
	CIK       string
	Name      string
	Accession string
	Form      string
	Date      string
}

// Server is a fake EDGAR serving submissions, filing indexes, archive files
// and full-text search.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	companies map[string]*Company
	hits      []SearchHit
	requests  map[string]int
}

// New starts a Server. Call Close when done.
func New() *Server {
	s := &Server{
		companies: make(map[string]*Company),
		requests:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// AddCompany registers a company.
func (s *Server) AddCompany(c Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := c
	s.companies[trimCIK(c.CIK)] = &cc
}

// AddSearchHits registers full-text search results.
func (s *Server) AddSearchHits(hits ...SearchHit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = append(s.hits, hits...)
}

// Requests returns how many requests hit path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// DataBaseURL is the stand-in for https://data.sec.gov.
func (s *Server) DataBaseURL() string { return s.URL }

// ArchivesBaseURL is the stand-in for https://www.sec.gov/Archives/edgar/data.
func (s *Server) ArchivesBaseURL() string { return s.URL + "/Archives/edgar/data" }

// SearchURL is the stand-in for the EFTS search endpoint.
func (s *Server) SearchURL() string { return s.URL + "/LATEST/search-index" }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	s.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/submissions/"):
		s.serveSubmissions(w, r)
	case strings.HasPrefix(r.URL.Path, "/Archives/edgar/data/"):
		s.serveArchive(w, r)
	case r.URL.Path == "/LATEST/search-index":
		s.serveSearch(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveSubmissions(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/submissions/")
	cik := trimCIK(strings.TrimSuffix(strings.TrimPrefix(name, "CIK"), ".json"))

	s.mu.Lock()
	c, ok := s.companies[cik]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if c.Status != 0 {
		w.WriteHeader(c.Status)
		return
	}

	recent := map[string][]string{
		"accessionNumber":       {},
		"filingDate":            {},
		"reportDate":            {},
		"form":                  {},
		"primaryDocument":       {},
		"primaryDocDescription": {},
	}
	for _, f := range c.Filings {
		recent["accessionNumber"] = append(recent["accessionNumber"], f.Accession)
		recent["filingDate"] = append(recent["filingDate"], f.Date)
		recent["reportDate"] = append(recent["reportDate"], "")
		recent["form"] = append(recent["form"], f.Form)
		recent["primaryDocument"] = append(recent["primaryDocument"], f.PrimaryDoc)
		recent["primaryDocDescription"] = append(recent["primaryDocDescription"], f.Form)
	}
	writeJSON(w, map[string]any{
		"cik":     cik,
		"name":    c.Name,
		"tickers": []string{},
		"filings": map[string]any{"recent": recent, "files": []any{}},
	})
}

func (s *Server) serveArchive(w http.ResponseWriter, r *http.Request) {
	// /Archives/edgar/data/{cik}/{acc}/{file}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/Archives/edgar/data/"), "/")
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	cik, accPath, file := trimCIK(parts[0]), parts[1], parts[2]

	s.mu.Lock()
	c, ok := s.companies[cik]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	var filing *Filing
	for i := range c.Filings {
		if strings.ReplaceAll(c.Filings[i].Accession, "-", "") == accPath {
			filing = &c.Filings[i]
		}
	}
	if filing == nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case file == filing.Accession+"-index.htm":
		if filing.NoIndexPage || filing.NoManifest {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(indexPage(cik, accPath, *filing)))
	case file == "index.json":
		if filing.NoManifest {
			http.NotFound(w, r)
			return
		}
		items := make([]map[string]string, 0, len(filing.Files))
		for _, f := range filing.Files {
			items = append(items, map[string]string{
				"name": f.Name, "type": "text.gif", "size": strconv.FormatInt(f.Size, 10),
			})
		}
		writeJSON(w, map[string]any{"directory": map[string]any{"item": items}})
	default:
		for _, f := range filing.Files {
			if f.Name == file {
				w.Header().Set("Content-Type", "text/html")
				if r.Method != http.MethodHead {
					_, _ = fmt.Fprintf(w, "<html><body><p>%s</p></body></html>", html.EscapeString(f.Description))
				}
				return
			}
		}
		http.NotFound(w, r)
	}
}

func indexPage(cik, accPath string, f Filing) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="formDiv"><table class="tableFile" summary="Document Format Files">`)
	b.WriteString(`<tr><th scope="col">Seq</th><th scope="col">Description</th><th scope="col">Document</th><th scope="col">Type</th><th scope="col">Size</th></tr>`)
	for i, file := range f.Files {
		fmt.Fprintf(&b,
			`<tr><td scope="row">%d</td><td scope="row">%s</td><td scope="row"><a href="/Archives/edgar/data/%s/%s/%s">%s</a></td><td scope="row">%s</td><td scope="row">%d</td></tr>`,
			i+1, html.EscapeString(file.Description), cik, accPath, file.Name, file.Name, html.EscapeString(file.Type), file.Size)
	}
	b.WriteString(`</table></div></body></html>`)
	return b.String()
}

func (s *Server) serveSearch(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.Atoi(r.URL.Query().Get("from"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 {
		size = 100
	}

	s.mu.Lock()
	all := append([]SearchHit(nil), s.hits...)
	s.mu.Unlock()

	end := min(from+size, len(all))
	hits := []map[string]any{}
	if from < len(all) {
		for _, h := range all[from:end] {
			hits = append(hits, map[string]any{
				"_id": h.Accession + ":ex96-1.htm",
				"_source": map[string]any{
					"ciks":          []string{fmt.Sprintf("%010s", trimCIK(h.CIK))},
					"display_names": []string{h.Name},
					"form":          h.Form,
					"file_date":     h.Date,
					"adsh":          h.Accession,
				},
			})
		}
	}
	writeJSON(w, map[string]any{
		"hits": map[string]any{
			"total": map[string]any{"value": len(all), "relation": "eq"},
			"hits":  hits,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func trimCIK(s string) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
