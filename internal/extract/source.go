package extract

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/mining-intel/internal/fetcher"
	"github.com/sells-group/mining-intel/pkg/firecrawl"
)

// TextSource turns a document URL into plain text.
type TextSource interface {
	Name() string
	Supports(url string) bool
	Text(ctx context.Context, url string) (string, error)
}

// DefaultMaxHTMLBytes bounds how much of an HTML exhibit is read.
const DefaultMaxHTMLBytes = 8 << 20

// HTMLSource downloads HTML and text exhibits through the rate-limited EDGAR
// fetcher and strips them to text.
type HTMLSource struct {
	fetcher  fetcher.Fetcher
	maxBytes int64
}

// NewHTMLSource creates an HTMLSource.
func NewHTMLSource(f fetcher.Fetcher) *HTMLSource {
	return &HTMLSource{fetcher: f, maxBytes: DefaultMaxHTMLBytes}
}

func (s *HTMLSource) Name() string { return "edgar_html" }

// Supports reports whether url names an HTML or text file.
func (s *HTMLSource) Supports(url string) bool {
	switch strings.ToLower(path.Ext(url)) {
	case ".htm", ".html", ".txt":
		return true
	}
	return false
}

func (s *HTMLSource) Text(ctx context.Context, url string) (string, error) {
	body, err := s.fetcher.Download(ctx, url)
	if err != nil {
		return "", eris.Wrapf(err, "extract: download %s", url)
	}
	defer body.Close() //nolint:errcheck

	text, err := HTMLText(io.LimitReader(body, s.maxBytes))
	if err != nil {
		return "", eris.Wrapf(err, "extract: parse %s", url)
	}
	if strings.TrimSpace(text) == "" {
		return "", eris.Errorf("extract: %s has no text", url)
	}
	return text, nil
}

// HTMLText reduces an HTML document to text. Block elements end a line and
// table cells are separated by spaces, so a table row stays on one line.
func HTMLText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}
	doc.Find("script, style, head, noscript").Remove()
	doc.Find("td, th").AppendHtml(" ")
	doc.Find("br, p, div, tr, li, h1, h2, h3, h4, h5, h6, table").AppendHtml("\n")

	raw := norm.NFKC.String(doc.Text())
	lines := strings.Split(raw, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}

// FirecrawlSource scrapes documents to markdown through Firecrawl. It handles
// PDFs and anything the HTML source could not read.
type FirecrawlSource struct {
	client firecrawl.Scraper
}

// NewFirecrawlSource creates a FirecrawlSource.
func NewFirecrawlSource(c firecrawl.Scraper) *FirecrawlSource {
	return &FirecrawlSource{client: c}
}

func (s *FirecrawlSource) Name() string           { return "firecrawl" }
func (s *FirecrawlSource) Supports(_ string) bool { return true }

func (s *FirecrawlSource) Text(ctx context.Context, url string) (string, error) {
	page, err := s.client.Markdown(ctx, url)
	if err != nil {
		return "", eris.Wrap(err, "extract: firecrawl")
	}
	if strings.TrimSpace(page.Markdown) == "" {
		return "", eris.Errorf("extract: firecrawl returned no text for %s", url)
	}
	return norm.NFKC.String(page.Markdown), nil
}

// SourceChain tries sources in order and returns the first text.
type SourceChain struct {
	sources []TextSource
}

// NewSourceChain creates a SourceChain. Nil sources are skipped.
func NewSourceChain(sources ...TextSource) *SourceChain {
	c := &SourceChain{}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

func (c *SourceChain) Name() string { return "chain" }

func (c *SourceChain) Supports(url string) bool {
	for _, s := range c.sources {
		if s.Supports(url) {
			return true
		}
	}
	return false
}

func (c *SourceChain) Text(ctx context.Context, url string) (string, error) {
	var lastErr error
	for _, s := range c.sources {
		if !s.Supports(url) {
			continue
		}
		text, err := s.Text(ctx, url)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		zap.L().Debug("extract: source failed, trying next",
			zap.String("source", s.Name()),
			zap.String("url", url),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr != nil {
		return "", eris.Wrap(lastErr, "extract: all sources failed")
	}
	return "", eris.Errorf("extract: no source supports %s", url)
}
