// Package fetch performs rate-limited HTTP GETs with bounded exponential
// backoff against the market-data upstreams.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"pairscope/internal/clock"
	"pairscope/internal/logger"
	"pairscope/internal/metrics"
)

const (
	// DefaultTimeout bounds every single request.
	DefaultTimeout     = 15 * time.Second
	defaultBackoffBase = 500 * time.Millisecond
	defaultUserAgent   = "pairscope-collector/1.0"
	maxBodyBytes       = 8 << 20
)

// Limiter admits one request per Acquire.
type Limiter interface {
	Acquire(ctx context.Context) error
	Name() string
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// RateLimited reports whether the upstream asked us to slow down.
func (e *StatusError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// FetchError is returned once the attempt budget is exhausted, or
// immediately on a rate-limit response when the call asked for that.
// It unwraps to the last cause.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries a 429 response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.RateLimited()
}

// Fetcher issues GET requests with retry.
type Fetcher struct {
	httpClient  *http.Client
	logger      *slog.Logger
	clock       clock.Clock
	prom        *metrics.Metrics
	backoffBase time.Duration
	userAgent   string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// New creates a Fetcher with a 15s per-request timeout.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		logger:      slog.Default(),
		clock:       clock.New(),
		backoffBase: defaultBackoffBase,
		userAgent:   defaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithHTTPClient sets a custom HTTP client. Its timeout is forced to
// DefaultTimeout when unset.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) {
		if hc.Timeout == 0 {
			hc.Timeout = DefaultTimeout
		}
		f.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock sets the clock used for backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(f *Fetcher) { f.clock = c }
}

// WithBackoff sets the backoff base; attempt n waits base*2^n.
func WithBackoff(base time.Duration) Option {
	return func(f *Fetcher) { f.backoffBase = base }
}

// WithMetrics records attempts and failures per endpoint class.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.prom = m }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// CallOption adjusts a single FetchWithRetry call.
type CallOption func(*callOptions)

type callOptions struct {
	stopOnRateLimit bool
}

// StopOnRateLimit makes a 429 end the call at once instead of being
// retried, so the caller can apply its own cooldown.
func StopOnRateLimit() CallOption {
	return func(o *callOptions) { o.stopOnRateLimit = true }
}

// FetchWithRetry GETs url, taking one limiter permit per attempt. Any
// non-2xx status, 429 included, or transport error counts as a failed
// attempt and is retried with backoff.
func (f *Fetcher) FetchWithRetry(ctx context.Context, url string, lim Limiter, maxAttempts int, opts ...CallOption) ([]byte, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	class := "default"
	if lim != nil {
		class = lim.Name()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Acquire(ctx); err != nil {
				return nil, &FetchError{URL: url, Attempts: attempt, Err: err}
			}
		}

		start := f.clock.Now()
		body, err := f.get(ctx, url)
		f.observe(ctx, class, url, attempt+1, start, err)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if co.stopOnRateLimit && IsRateLimited(err) {
			return nil, &FetchError{URL: url, Attempts: attempt + 1, Err: err}
		}
		if ctx.Err() != nil {
			return nil, &FetchError{URL: url, Attempts: attempt + 1, Err: ctx.Err()}
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := f.backoffBase << attempt
		if err := clock.Sleep(ctx, f.clock, wait); err != nil {
			return nil, &FetchError{URL: url, Attempts: attempt + 1, Err: err}
		}
	}

	return nil, &FetchError{URL: url, Attempts: maxAttempts, Err: lastErr}
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

func (f *Fetcher) observe(ctx context.Context, class, url string, attempt int, start time.Time, err error) {
	elapsed := f.clock.Now().Sub(start)
	if f.prom != nil {
		f.prom.FetchAttempts.WithLabelValues(class).Inc()
		f.prom.FetchDuration.WithLabelValues(class).Observe(elapsed.Seconds())
		if err != nil {
			f.prom.FetchFailures.WithLabelValues(class).Inc()
		}
	}

	attrs := append([]any{
		slog.String("class", class),
		slog.String("url", url),
		slog.Int("attempt", attempt),
		slog.Duration("elapsed", elapsed),
	}, logger.CycleAttrs(ctx)...)
	if err != nil {
		f.logger.Warn("fetch attempt failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	f.logger.Debug("fetch attempt ok", attrs...)
}
