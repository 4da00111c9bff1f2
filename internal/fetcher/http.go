package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mining-intel/internal/ratelimit"
	"github.com/sells-group/mining-intel/internal/resilience"
)

const maxBackoff = 30 * time.Second

// ErrNotFound is returned (wrapped) when the upstream answers 404.
var ErrNotFound = eris.New("fetcher: not found")

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	Limiter     *ratelimit.Limiter

	// OnResponse observes every upstream answer. status is 0 for transport
	// errors. Optional.
	OnResponse func(host string, status int)
}

// HTTPFetcher implements Fetcher using net/http. Every request passes the
// shared Limiter and carries the configured User-Agent.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *ratelimit.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mining-intel/1.0"
	}
	lim := opts.Limiter
	if lim == nil {
		lim = ratelimit.New(ratelimit.Config{})
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:    opts,
		limiter: lim,
	}
}

// Limiter returns the limiter gating this fetcher.
func (f *HTTPFetcher) Limiter() *ratelimit.Limiter { return f.limiter }

func (f *HTTPFetcher) observe(req *http.Request, status int) {
	if f.opts.OnResponse != nil {
		f.opts.OnResponse(req.URL.Host, status)
	}
}

// doWithRetry sends req until it gets a final answer. Transport errors and
// 5xx responses back off exponentially. 429 and 503 trip the shared limiter
// and retry without extra backoff since Acquire already waits out the cooldown.
func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := resilience.Call(ctx, resilience.Policy{
		Attempts:  f.opts.MaxRetries,
		BaseDelay: f.opts.BaseBackoff,
		MaxDelay:  maxBackoff,
		Jitter:    0.5,
		Retryable: resilience.IsTransient,
		Immediate: resilience.IsRateLimited,
		OnRetry:   resilience.LogRetry(req.URL.Host, req.Method),
	}, func(ctx context.Context) (*http.Response, error) {
		return f.attempt(ctx, req)
	})
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "fetcher: request cancelled")
	}

	var rl *resilience.RateLimitedError
	if errors.As(err, &rl) {
		return nil, resilience.NewRateLimitedError(
			eris.Wrapf(ratelimit.ErrRateLimited, "fetcher: %s", req.URL.String()),
			rl.StatusCode, 0)
	}
	if errors.Is(err, errLimiterWait) {
		return nil, err
	}
	return nil, eris.Wrap(err, "fetcher: all retries exhausted")
}

var errLimiterWait = eris.New("fetcher: rate limiter wait")

// attempt makes one rate-limited request and classifies the outcome.
func (f *HTTPFetcher) attempt(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, eris.Wrapf(errLimiterWait, "%v", err)
	}

	resp, err := f.client.Do(req.Clone(ctx))
	if err != nil {
		f.observe(req, 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewTransientError(err, 0)
	}
	f.observe(req, resp.StatusCode)

	// sec.gov answers abusive clients with 429 or 503. Everybody waits.
	if resilience.IsRateLimitStatus(resp.StatusCode) {
		_ = resp.Body.Close()
		f.limiter.Trip(http.StatusText(resp.StatusCode))
		return nil, resilience.NewRateLimitedError(
			eris.Errorf("http %d from %s", resp.StatusCode, req.URL.String()),
			resp.StatusCode, 0)
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) || resp.StatusCode >= 500 {
		_ = resp.Body.Close()
		return nil, resilience.NewTransientError(
			eris.Errorf("http %d from %s", resp.StatusCode, req.URL.String()),
			resp.StatusCode)
	}

	return resp, nil
}

func (f *HTTPFetcher) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	return req, nil
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := f.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, eris.Wrapf(ErrNotFound, "download %s", rawURL)
	default:
		_ = resp.Body.Close()
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
}

// Exists performs a HEAD request. 404 and 403 report false without error.
func (f *HTTPFetcher) Exists(ctx context.Context, rawURL string) (bool, error) {
	req, err := f.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return false, err
	}

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, eris.Errorf("fetcher: unexpected status %d from HEAD %s", resp.StatusCode, rawURL)
	}
}
