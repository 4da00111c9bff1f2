package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for reading upstream EDGAR resources.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// Exists reports whether the URL resolves, using a HEAD request.
	Exists(ctx context.Context, url string) (bool, error)
}
