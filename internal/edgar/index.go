package edgar

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/fetcher"
	"github.com/sells-group/mining-intel/internal/model"
)

// ErrNoManifest is returned when neither the filing index page nor the
// directory listing exists.
var ErrNoManifest = eris.New("edgar: no manifest for filing")

// IndexPageURL returns the "-index.htm" page of a filing.
func (c *Client) IndexPageURL(cik string, f model.Filing) string {
	return c.FilingBaseURL(cik, f) + "/" + f.AccessionNumber + "-index.htm"
}

// Index returns the files of one filing. It reads the filing index page and
// falls back to the JSON directory listing when the page is missing or empty.
func (c *Client) Index(ctx context.Context, cik string, f model.Filing) ([]model.FilingDocument, error) {
	docs, err := c.indexPage(ctx, cik, f)
	switch {
	case err == nil && len(docs) > 0:
		return docs, nil
	case err != nil && !errors.Is(err, fetcher.ErrNotFound):
		return nil, err
	}

	docs, err = c.directoryListing(ctx, cik, f)
	if err != nil {
		if errors.Is(err, fetcher.ErrNotFound) {
			return nil, eris.Wrapf(ErrNoManifest, "edgar: %s", f.AccessionNumber)
		}
		return nil, err
	}
	if len(docs) == 0 {
		return nil, eris.Wrapf(ErrNoManifest, "edgar: %s", f.AccessionNumber)
	}
	return docs, nil
}

func (c *Client) indexPage(ctx context.Context, cik string, f model.Filing) ([]model.FilingDocument, error) {
	body, err := c.f.Download(ctx, c.IndexPageURL(cik, f))
	if err != nil {
		return nil, eris.Wrapf(err, "edgar: index page %s", f.AccessionNumber)
	}
	defer body.Close() //nolint:errcheck

	docs, err := c.parseIndexPage(body, cik, f)
	if err != nil {
		zap.L().Debug("edgar: unparseable index page",
			zap.String("accession", f.AccessionNumber),
			zap.Error(err),
		)
		return nil, nil
	}
	return docs, nil
}

// parseIndexPage reads the "Document Format Files" and "Data Files" tables.
func (c *Client) parseIndexPage(r io.Reader, cik string, f model.Filing) ([]model.FilingDocument, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, eris.Wrap(err, "edgar: parse index html")
	}

	var docs []model.FilingDocument
	doc.Find("table.tableFile tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 3 {
			return
		}
		cell := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }

		name := strings.TrimSpace(cells.Eq(2).Find("a").First().Text())
		if name == "" {
			fields := strings.Fields(cell(2))
			if len(fields) == 0 {
				return
			}
			name = fields[0]
		}
		d := model.FilingDocument{
			Sequence:    cell(0),
			Description: cell(1),
			Name:        name,
			URL:         c.DocumentURL(cik, f, name),
		}
		if cells.Length() > 3 {
			d.Type = cell(3)
		}
		if cells.Length() > 4 {
			d.Size = parseSize(cell(4))
		}
		docs = append(docs, d)
	})
	return docs, nil
}

type directoryJSON struct {
	Directory struct {
		Item []struct {
			Name string `json:"name"`
			Type string `json:"type"`
			Size string `json:"size"`
		} `json:"item"`
	} `json:"directory"`
}

func (c *Client) directoryListing(ctx context.Context, cik string, f model.Filing) ([]model.FilingDocument, error) {
	listing, err := fetcher.GetJSON[directoryJSON](ctx, c.f, c.FilingBaseURL(cik, f)+"/index.json")
	if err != nil {
		return nil, eris.Wrapf(err, "edgar: directory listing %s", f.AccessionNumber)
	}

	var docs []model.FilingDocument
	for _, item := range listing.Directory.Item {
		name := strings.TrimSpace(item.Name)
		if name == "" || item.Type == "folder.gif" {
			continue
		}
		docs = append(docs, model.FilingDocument{
			Name: name,
			Size: parseSize(item.Size),
			URL:  c.DocumentURL(cik, f, name),
		})
	}
	return docs, nil
}

func parseSize(s string) int64 {
	s = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
