// Package upstream performs rate-limited, retried, circuit-broken HTTP GETs
// against the external data sources.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/defirisk/internal/circuitbreaker"
	"github.com/mbd888/defirisk/internal/metrics"
	"github.com/mbd888/defirisk/internal/retry"
	"golang.org/x/time/rate"
)

// maxBodyBytes caps a single upstream response. The full DefiLlama
// /protocols listing is a few MB.
const maxBodyBytes = 64 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Source string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: GET %s: status %d", e.Source, e.URL, e.Code)
}

// IsNotFound reports whether err is a 404 from an upstream.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Config holds per-source fetch settings.
type Config struct {
	Source           string // metric and breaker key, e.g. "defillama"
	Timeout          time.Duration
	RPS              float64 // <= 0 disables rate limiting
	Retry            retry.Policy
	BreakerThreshold int
	BreakerCooldown  time.Duration
	UserAgent        string
}

// Fetcher issues GET requests for one upstream source.
type Fetcher struct {
	source    string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client (tests use httptest clients).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBreaker shares a breaker across fetchers.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(f *Fetcher) { f.breaker = b }
}

// New creates a Fetcher.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "defirisk/0.1"
	}

	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = max(1, int(cfg.RPS))
	}

	f := &Fetcher{
		source:    cfg.Source,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, burst),
		policy:    cfg.Retry,
		logger:    logger.With("component", "upstream", "source", cfg.Source),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.breaker == nil {
		f.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown,
			circuitbreaker.WithFailureFilter(countsAsFailure),
			circuitbreaker.WithTransitionHook(func(key string, from, to circuitbreaker.State) {
				f.logger.Warn("upstream circuit state changed", "key", key, "from", from.String(), "to", to.String())
			}),
		)
	}
	return f
}

// Source returns the configured source name.
func (f *Fetcher) Source() string { return f.source }

// Breaker returns the circuit breaker guarding this source, keyed by Source.
func (f *Fetcher) Breaker() *circuitbreaker.Breaker { return f.breaker }

// Get fetches url and returns the response body. Non-2xx responses yield a
// *StatusError; an open circuit yields circuitbreaker.ErrOpen.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()

	var body []byte
	err := f.breaker.Do(f.source, func() error {
		return retry.Do(ctx, f.policy, func(ctx context.Context) error {
			if err := f.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			b, err := f.once(ctx, url)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})

	metrics.UpstreamRequestDuration.WithLabelValues(f.source).Observe(time.Since(start).Seconds())
	metrics.UpstreamRequestsTotal.WithLabelValues(f.source, outcome(err)).Inc()

	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) once(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: build request: %w", f.source, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		f.logger.Debug("upstream request failed", "url", url, "error", err)
		return nil, fmt.Errorf("%s: GET %s: %w", f.source, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		se := &StatusError{Source: f.source, URL: url, Code: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, se
		}
		return nil, retry.Permanent(se)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", f.source, err)
	}
	return body, nil
}

// countsAsFailure keeps answered-but-missing lookups and caller
// cancellations from tripping the breaker.
func countsAsFailure(err error) bool {
	if IsNotFound(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	default:
		return "error"
	}
}
