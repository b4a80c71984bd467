package incidents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/defirisk/internal/cache"
	"github.com/mbd888/defirisk/internal/metrics"
	"github.com/mbd888/defirisk/internal/traces"
)

// DefaultFeedURL is the rekt.news leaderboard.
const DefaultFeedURL = "https://rekt.news/leaderboard/"

// feedKey is the single cache key of the feed cache.
const feedKey = "leaderboard"

// embeddedArray finds a JSON array assigned in an inline script, e.g.
// `var leaderboard = [...];`.
var embeddedArray = regexp.MustCompile(`(?is)(?:var|let|const)?\s*(?:leaderboard|data)\s*=\s*(\[.*?\]);`)

// Getter is the transport the feed client reads through.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// RecordSource returns the full, parsed incident feed.
type RecordSource interface {
	Records(ctx context.Context) ([]Record, error)
}

// FeedClient reads the incident feed over HTTP. Errors wrap
// ErrFeedUnavailable.
type FeedClient struct {
	url     string
	origin  *url.URL
	fetcher Getter
	logger  *slog.Logger
	now     func() time.Time
}

// FeedOption configures a FeedClient.
type FeedOption func(*FeedClient)

// WithFeedClock overrides the time used for records without a date.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *FeedClient) { f.now = now }
}

// NewFeedClient creates a client for the feed at feedURL.
func NewFeedClient(feedURL string, fetcher Getter, logger *slog.Logger, opts ...FeedOption) (*FeedClient, error) {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	u, err := url.Parse(feedURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("invalid incident feed url %q", feedURL)
	}
	f := &FeedClient{
		url:     feedURL,
		origin:  &url.URL{Scheme: u.Scheme, Host: u.Host},
		fetcher: fetcher,
		logger:  logger.With("component", "incident_feed"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Records fetches and parses the feed. Malformed records are dropped.
func (f *FeedClient) Records(ctx context.Context) ([]Record, error) {
	body, err := f.fetcher.Get(ctx, f.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}

	raws, err := decodeFeed(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}

	records, skipped := ParseRecords(raws, f.origin, f.now().UTC())
	if skipped > 0 {
		metrics.MalformedIncidentRecordsTotal.Add(float64(skipped))
		f.logger.Debug("skipped malformed incident records", "skipped", skipped, "kept", len(records))
	}
	return records, nil
}

// decodeFeed accepts a top-level JSON array, an object wrapping the array
// under "leaderboard", "data" or "incidents", or an HTML page embedding the
// array in a script.
func decodeFeed(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var raws []map[string]any
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("decode feed array: %w", err)
		}
		return raws, nil
	case '{':
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode feed object: %w", err)
		}
		for _, key := range []string{"leaderboard", "data", "incidents"} {
			if msg, ok := wrapped[key]; ok {
				var raws []map[string]any
				if err := json.Unmarshal(msg, &raws); err != nil {
					return nil, fmt.Errorf("decode feed %q: %w", key, err)
				}
				return raws, nil
			}
		}
		return nil, fmt.Errorf("feed object has no incident list")
	}

	if m := embeddedArray.FindSubmatch(trimmed); m != nil {
		var raws []map[string]any
		if err := json.Unmarshal(m[1], &raws); err == nil {
			return raws, nil
		}
	}
	return nil, fmt.Errorf("feed body is not JSON and embeds no incident list")
}

// CachedFeed serves correlated incidents from a TTL-cached copy of the
// feed. It never fails: an unavailable feed yields no incidents.
type CachedFeed struct {
	source     RecordSource
	cache      *cache.Cache[[]Record]
	correlator *Correlator
	logger     *slog.Logger
}

// NewCachedFeed wraps source with a cache of the given TTL.
func NewCachedFeed(source RecordSource, ttl time.Duration, correlator *Correlator, logger *slog.Logger, opts ...cache.Option[[]Record]) *CachedFeed {
	if correlator == nil {
		correlator = NewCorrelator()
	}
	opts = append([]cache.Option[[]Record]{cache.WithClone(cloneRecords)}, opts...)
	return &CachedFeed{
		source:     source,
		cache:      cache.New[[]Record]("incident_feed", ttl, opts...),
		correlator: correlator,
		logger:     logger.With("component", "incident_feed"),
	}
}

// Records returns the cached feed, degrading to nil on failure.
func (f *CachedFeed) Records(ctx context.Context) []Record {
	records, err := f.cache.GetOrLoad(ctx, feedKey, f.source.Records)
	if err != nil {
		metrics.IncidentFeedDegradedTotal.Inc()
		f.logger.Warn("incident feed unavailable, assuming no incidents", "error", err)
		return nil
	}
	return records
}

// ForProtocol returns the incidents attributed to a protocol, newest first.
func (f *CachedFeed) ForProtocol(ctx context.Context, slug, name string) []Incident {
	ctx, span := traces.StartSpan(ctx, "incidents.Fetch", traces.Slug(slug))
	defer span.End()

	records := f.Records(ctx)
	if records == nil {
		span.SetStatus(codes.Error, "feed degraded")
	}
	found := f.correlator.Correlate(slug, name, records)
	span.SetAttributes(traces.IncidentCount(len(found)))
	return found
}

func cloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.clone()
	}
	return out
}
