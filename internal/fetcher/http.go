package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/docflow/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// HostLimits caps requests per second to specific document hosts.
	HostLimits map[string]rate.Limit
}

// HTTPFetcher downloads documents over http and https. It does not retry;
// failures are classified so the worker pool can decide.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	limiters  map[string]*rate.Limiter
}

// NewHTTPFetcher creates an HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "docflow/1.0"
	}
	limiters := make(map[string]*rate.Limiter, len(opts.HostLimits))
	for host, r := range opts.HostLimits {
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		limiters[host] = rate.NewLimiter(r, burst)
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		userAgent: opts.UserAgent,
		limiters:  limiters,
	}
}

// Fetch implements Fetcher. The caller must close the returned body.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "fetcher: create request"), "invalid uri")
	}
	req.Header.Set("User-Agent", f.userAgent)

	if lim := f.limiterFor(req.URL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", rawURL)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		err := eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(err, "document unavailable")
	}

	return resp.Body, nil
}

func (f *HTTPFetcher) limiterFor(u *url.URL) *rate.Limiter {
	return f.limiters[u.Host]
}
