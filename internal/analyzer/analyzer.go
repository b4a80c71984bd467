// Package analyzer sequences fetch, correlate and assess for one or more
// protocols, and records each completed assessment as history.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/defirisk/internal/incidents"
	"github.com/mbd888/defirisk/internal/metrics"
	"github.com/mbd888/defirisk/internal/pagination"
	"github.com/mbd888/defirisk/internal/protocol"
	"github.com/mbd888/defirisk/internal/risk"
	"github.com/mbd888/defirisk/internal/traces"
)

// ErrInvalidRequest is returned for malformed input, such as a comparison
// with too few or too many protocols.
var ErrInvalidRequest = errors.New("invalid request")

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 20

// maxHistoryLimit caps any History request.
const maxHistoryLimit = 100

// compareConcurrency bounds in-flight assessments per comparison.
const compareConcurrency = 3

// ProtocolSource resolves a query to protocol data.
type ProtocolSource interface {
	Fetch(ctx context.Context, query string) (*protocol.Data, error)
}

// IncidentSource returns a protocol's correlated incidents. It never fails;
// an unavailable feed yields none.
type IncidentSource interface {
	ForProtocol(ctx context.Context, slug, name string) []incidents.Incident
}

// Service runs assessments.
type Service struct {
	protocols ProtocolSource
	incidents IncidentSource
	assessor  *risk.Assessor
	store     risk.Store
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source used for incident reports.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. store may be nil to disable history.
func New(protocols ProtocolSource, incidentSource IncidentSource, assessor *risk.Assessor, store risk.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		protocols: protocols,
		incidents: incidentSource,
		assessor:  assessor,
		store:     store,
		logger:    logger.With("component", "analyzer"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze fetches, correlates and scores one protocol. Not-found and
// data-source failures are returned; an unavailable incident feed is not.
func (s *Service) Analyze(ctx context.Context, query string) (*risk.Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "analyzer.Analyze", traces.Query(query))
	defer span.End()

	d, err := s.protocols.Fetch(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	found := s.incidents.ForProtocol(ctx, d.Slug, d.Name)
	a := s.assessor.Assess(d, found)

	span.SetAttributes(
		traces.Slug(a.Slug),
		traces.Score(a.Score.Overall),
		traces.Level(string(a.Score.Level)),
		traces.IncidentCount(a.IncidentCount),
	)
	metrics.AssessmentsTotal.WithLabelValues(string(a.Score.Level)).Inc()
	s.record(ctx, a)

	s.logger.Info("protocol assessed",
		"slug", a.Slug,
		"overall", a.Score.Overall,
		"level", a.Score.Level,
		"incidents", a.IncidentCount,
	)
	return a, nil
}

// record persists a to history. Failures are logged, never returned.
func (s *Service) record(ctx context.Context, a *risk.Assessment) {
	if s.store == nil {
		return
	}
	if err := s.store.Record(ctx, a); err != nil {
		metrics.HistoryWriteFailuresTotal.Inc()
		s.logger.Warn("failed to record assessment", "slug", a.Slug, "id", a.ID, "error", err)
	}
}

// Compare assesses between risk.MinCompare and risk.MaxCompare protocols
// concurrently and ranks them. A failed protocol is reported in Errors; the
// comparison fails only when every protocol failed.
func (s *Service) Compare(ctx context.Context, queries []string) (*risk.Comparison, error) {
	queries = dedupe(queries)
	if len(queries) < risk.MinCompare || len(queries) > risk.MaxCompare {
		return nil, fmt.Errorf("%w: compare needs %d to %d distinct protocols, got %d",
			ErrInvalidRequest, risk.MinCompare, risk.MaxCompare, len(queries))
	}

	results := make([]*risk.Assessment, len(queries))
	errs := make([]error, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(compareConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			results[i], errs[i] = s.Analyze(gctx, q)
			return nil
		})
	}
	_ = g.Wait()

	var ok []*risk.Assessment
	failed := make(map[string]string)
	for i, q := range queries {
		if errs[i] != nil {
			failed[q] = errs[i].Error()
			continue
		}
		ok = append(ok, results[i])
	}
	if len(ok) == 0 {
		return nil, fmt.Errorf("compare: every protocol failed: %w", errors.Join(errs...))
	}

	c := risk.Compare(ok)
	if len(failed) > 0 {
		c.Errors = failed
	}
	return c, nil
}

// IncidentReport is a protocol's correlated incident history.
type IncidentReport struct {
	Protocol  string               `json:"protocol"`
	Slug      string               `json:"slug"`
	Incidents []incidents.Incident `json:"incidents"`
	Summary   incidents.History    `json:"summary"`
}

// Incidents resolves query and returns its incidents with at least
// minSeverity (empty for all), newest first.
func (s *Service) Incidents(ctx context.Context, query string, minSeverity incidents.Severity) (*IncidentReport, error) {
	d, err := s.protocols.Fetch(ctx, query)
	if err != nil {
		return nil, err
	}

	found := s.incidents.ForProtocol(ctx, d.Slug, d.Name)
	if minSeverity != "" {
		kept := found[:0:0]
		for _, inc := range found {
			if inc.Severity.Rank() >= minSeverity.Rank() {
				kept = append(kept, inc)
			}
		}
		found = kept
	}
	if found == nil {
		found = []incidents.Incident{}
	}

	return &IncidentReport{
		Protocol:  d.Name,
		Slug:      d.Slug,
		Incidents: found,
		Summary:   incidents.Summarize(found, s.now()),
	}, nil
}

// HistoryPage is one page of recorded assessments, most recent first.
type HistoryPage struct {
	Slug        string             `json:"slug"`
	Assessments []*risk.Assessment `json:"assessments"`
	NextCursor  string             `json:"next_cursor,omitempty"`
	HasMore     bool               `json:"has_more"`
}

// History lists recorded assessments for query, most recent first. query
// is resolved the same way Analyze resolves it; when resolution fails the
// trimmed, lowercased query is taken as the slug so history of delisted
// protocols stays readable. cursor is empty for the first page or a
// NextCursor from a previous page.
func (s *Service) History(ctx context.Context, query, cursor string, limit int) (*HistoryPage, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	slug := s.historySlug(ctx, query)
	if s.store == nil {
		return &HistoryPage{Slug: slug, Assessments: []*risk.Assessment{}}, nil
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	// One extra row tells whether another page exists.
	out, err := s.store.ListBySlug(ctx, slug, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list history for %q: %w", slug, err)
	}
	out, next := pagination.ComputePage(out, limit, func(a *risk.Assessment) (time.Time, string) {
		return a.AssessedAt, a.ID
	})
	if out == nil {
		out = []*risk.Assessment{}
	}
	return &HistoryPage{Slug: slug, Assessments: out, NextCursor: next, HasMore: next != ""}, nil
}

func (s *Service) historySlug(ctx context.Context, query string) string {
	d, err := s.protocols.Fetch(ctx, query)
	if err != nil {
		s.logger.Debug("history lookup falls back to literal slug", "query", query, "error", err)
		return strings.ToLower(strings.TrimSpace(query))
	}
	return d.Slug
}

func dedupe(queries []string) []string {
	seen := make(map[string]bool, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}
