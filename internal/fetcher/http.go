package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout bounds each attempt, including reading the body.
	Timeout    time.Duration
	MaxRetries int
	// RateLimiters override the per-host defaults, keyed by host.
	RateLimiters map[string]*rate.Limiter
	// Retry overrides backoff timing; MaxAttempts comes from MaxRetries.
	Retry *resilience.RetryConfig
}

// AdaptiveLimiter wraps a rate.Limiter that halves on 429 and recovers by 20%
// per success, between initial/4 and 2x initial.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at initialRate.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.setRate(min(a.Limit()*1.2, a.initialRate*2))
}

// OnRateLimit halves the rate, down to initial/4.
func (a *AdaptiveLimiter) OnRateLimit() {
	r := max(a.Limit()*0.5, a.initialRate/4)
	a.setRate(r)
	zap.L().Warn("fetcher: reducing rate after 429", zap.Float64("new_rate", float64(r)))
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

func (a *AdaptiveLimiter) setRate(r rate.Limit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = r
	a.limiter.SetLimit(r)
}

// HTTPFetcher implements Fetcher using net/http.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	retry    resilience.RetryConfig
	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// DefaultRateLimits returns requests-per-second limits for the known upstreams.
func DefaultRateLimits() map[string]rate.Limit {
	return map[string]rate.Limit{
		"hts.usitc.gov":          2,
		"www.federalregister.gov": 5,
	}
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tariff-cli/1.0"
	}

	retry := resilience.DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	retry.MaxAttempts = opts.MaxRetries

	limiters := make(map[string]*AdaptiveLimiter)
	for host, r := range DefaultRateLimits() {
		limiters[host] = NewAdaptiveLimiter(r, 1)
	}
	for host, lim := range opts.RateLimiters {
		a := NewAdaptiveLimiter(lim.Limit(), lim.Burst())
		limiters[host] = a
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		retry:    retry,
		limiters: limiters,
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *AdaptiveLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(20, 20)
		f.limiters[host] = lim
	}
	return lim
}

// get performs one rate-limited GET and returns a 200 response. Transport
// failures and non-2xx statuses come back tagged for resilience.Classify.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string, accept string) (*http.Response, error) {
	lim := f.limiterFor(rawURL)
	if err := lim.Wait(ctx); err != nil {
		return nil, resilience.Transport(eris.Wrap(err, "fetcher: rate limiter wait"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.Transport(eris.Wrapf(err, "fetcher: GET %s", rawURL))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, resilience.Upstream(resp.StatusCode,
			eris.Errorf("fetcher: unexpected status %d from %s: %s", resp.StatusCode, rawURL, snippet))
	}
	lim.OnSuccess()
	return resp, nil
}

func (f *HTTPFetcher) getWithRetry(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	cfg := f.retry
	cfg.OnRetry = resilience.RetryLogger(hostOf(rawURL), "GET")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		return f.get(ctx, rawURL, accept)
	})
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.getWithRetry(ctx, rawURL, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetJSON fetches the URL and decodes the JSON body into out. A body that is
// not valid JSON is a PARSE_FAILURE.
func (f *HTTPFetcher) GetJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := f.getWithRetry(ctx, rawURL, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Parse(eris.Wrapf(err, "fetcher: decode json from %s", rawURL))
	}
	return nil
}

// DownloadToFile fetches the URL and writes it to the given path.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, resilience.Transport(eris.Wrap(err, "fetcher: write file"))
	}
	return n, nil
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	return rawURL
}
