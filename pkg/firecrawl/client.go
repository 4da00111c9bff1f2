// Package firecrawl converts exhibit URLs, PDFs included, to markdown through
// the Firecrawl scrape endpoint.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mining-intel/internal/resilience"
)

// DefaultBaseURL is the Firecrawl v1 API root.
const DefaultBaseURL = "https://api.firecrawl.dev/v1"

// Server-side scrape budget. Large technical-report PDFs need most of it.
const scrapeTimeout = 90 * time.Second

// Scraper renders one URL as markdown.
type Scraper interface {
	Markdown(ctx context.Context, url string) (*Page, error)
}

// Page is a scraped document.
type Page struct {
	URL        string
	Title      string
	Markdown   string
	StatusCode int
}

// StatusError is a non-2xx answer from Firecrawl itself.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("firecrawl: HTTP %d: %s", e.Code, e.Body)
}

// Client calls the Firecrawl API.
type Client struct {
	key     string
	baseURL string
	http    *http.Client
	retry   resilience.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root. Empty is ignored.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry replaces the retry policy for 5xx and 429 answers.
func WithRetry(p resilience.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a Client for key.
func NewClient(key string, opts ...Option) *Client {
	c := &Client{
		key:     key,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: scrapeTimeout + 30*time.Second},
		retry:   resilience.Policy{Attempts: 2, BaseDelay: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.OnRetry = resilience.LogRetry("firecrawl", "scrape")
	return c
}

type scrapeBody struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
	Timeout         int64    `json:"timeout"`
}

type scrapeReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string `json:"markdown"`
		Metadata struct {
			Title      string `json:"title"`
			SourceURL  string `json:"sourceURL"`
			StatusCode int    `json:"statusCode"`
		} `json:"metadata"`
	} `json:"data"`
}

// Markdown scrapes url and returns its markdown rendering.
func (c *Client) Markdown(ctx context.Context, url string) (*Page, error) {
	body, err := json.Marshal(scrapeBody{
		URL:             url,
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
		Timeout:         scrapeTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: encode request")
	}

	reply, err := resilience.Call(ctx, c.retry, func(ctx context.Context) (*scrapeReply, error) {
		return c.scrape(ctx, body)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "firecrawl: scrape %s", url)
	}
	if !reply.Success {
		return nil, eris.Errorf("firecrawl: scrape %s unsuccessful: %s", url, reply.Error)
	}

	page := &Page{
		URL:        reply.Data.Metadata.SourceURL,
		Title:      reply.Data.Metadata.Title,
		Markdown:   reply.Data.Markdown,
		StatusCode: reply.Data.Metadata.StatusCode,
	}
	if page.URL == "" {
		page.URL = url
	}
	return page, nil
}

func (c *Client) scrape(ctx context.Context, body []byte) (*scrapeReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(err, resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, resilience.NewTransientError(&StatusError{Code: resp.StatusCode, Body: string(raw)}, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var reply scrapeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, eris.Wrap(err, "firecrawl: decode response")
	}
	return &reply, nil
}
