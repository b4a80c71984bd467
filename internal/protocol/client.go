package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/defirisk/internal/cache"
	"github.com/mbd888/defirisk/internal/circuitbreaker"
	"github.com/mbd888/defirisk/internal/traces"
	"github.com/mbd888/defirisk/internal/upstream"
)

// DefaultBaseURL is the public DefiLlama API.
const DefaultBaseURL = "https://api.llama.fi"

// Getter is the transport the client reads payloads through.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Client reads protocol data from DefiLlama. Parsed values are cached per
// URL; transport, status and decode failures are never cached.
type Client struct {
	baseURL string
	fetcher Getter
	listing *cache.Cache[[]Summary] // read-only once stored
	details *cache.Cache[*Data]
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source used for FetchedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client whose listing and protocol caches hold entries
// for ttl.
func NewClient(baseURL string, fetcher Getter, ttl time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: fetcher,
		listing: cache.New[[]Summary]("protocol_listing", ttl),
		details: cache.New[*Data]("protocol_detail", ttl, cache.WithClone[*Data]((*Data).Clone)),
		logger:  logger.With("component", "protocol"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Protocols returns the full protocol listing.
func (c *Client) Protocols(ctx context.Context) ([]Summary, error) {
	list, err := c.summaries(ctx)
	if err != nil {
		return nil, err
	}
	return cloneSummaries(list), nil
}

func (c *Client) summaries(ctx context.Context) ([]Summary, error) {
	u := c.baseURL + "/protocols"
	return c.listing.GetOrLoad(ctx, u, func(ctx context.Context) ([]Summary, error) {
		body, err := c.get(ctx, "/protocols")
		if err != nil {
			return nil, err
		}
		return ParseSummaries(body)
	})
}

// Resolve maps a free-text query to a slug: exact slug or name match
// (case-insensitive) first, then the first protocol whose slug or name
// contains the query.
func (c *Client) Resolve(ctx context.Context, query string) (string, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return "", fmt.Errorf("%w: empty query", ErrNotFound)
	}

	list, err := c.summaries(ctx)
	if err != nil {
		return "", err
	}

	for _, p := range list {
		if strings.ToLower(p.Slug) == q || strings.ToLower(p.Name) == q {
			return p.Slug, nil
		}
	}
	for _, p := range list {
		if strings.Contains(strings.ToLower(p.Slug), q) || strings.Contains(strings.ToLower(p.Name), q) {
			return p.Slug, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, query)
}

// Protocol fetches and parses /protocol/{slug}.
func (c *Client) Protocol(ctx context.Context, slug string) (*Data, error) {
	endpoint := "/protocol/" + url.PathEscape(slug)
	return c.details.GetOrLoad(ctx, c.baseURL+endpoint, func(ctx context.Context) (*Data, error) {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		d, err := ParseProtocol(slug, body)
		if err != nil {
			c.logger.Warn("discarding undecodable payload", "endpoint", endpoint, "error", err)
			return nil, err
		}
		d.FetchedAt = c.now()
		return d, nil
	})
}

// Fetch resolves query and returns the protocol's data.
func (c *Client) Fetch(ctx context.Context, query string) (*Data, error) {
	ctx, span := traces.StartSpan(ctx, "protocol.Fetch", traces.Query(query))
	defer span.End()

	slug, err := c.Resolve(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}
	span.SetAttributes(traces.Slug(slug))

	d, err := c.Protocol(ctx, slug)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	return d, nil
}

// get reads endpoint from the source and classifies any failure.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	body, err := c.fetcher.Get(ctx, c.baseURL+endpoint)
	if err != nil {
		return nil, c.classify(endpoint, err)
	}
	return body, nil
}

func (c *Client) classify(endpoint string, err error) error {
	switch {
	case upstream.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	case errors.Is(err, circuitbreaker.ErrOpen):
		c.logger.Warn("data source circuit open", "endpoint", endpoint)
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrUpstream, endpoint, err)
	}
}
