package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/defirisk/internal/incidents"
	"github.com/mbd888/defirisk/internal/metrics"
	"github.com/mbd888/defirisk/internal/protocol"
	"github.com/mbd888/defirisk/internal/risk"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeProtocols struct {
	mu    sync.Mutex
	data  map[string]*protocol.Data
	fail  map[string]error
	calls []string
}

func (f *fakeProtocols) Fetch(_ context.Context, query string) (*protocol.Data, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.mu.Unlock()

	key := strings.ToLower(query)
	if err, ok := f.fail[key]; ok {
		return nil, err
	}
	d, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, query)
	}
	cp := *d
	return &cp, nil
}

type fakeIncidents map[string][]incidents.Incident

func (f fakeIncidents) ForProtocol(_ context.Context, slug, _ string) []incidents.Incident {
	return f[slug]
}

type failingStore struct{ risk.Store }

func (failingStore) Record(context.Context, *risk.Assessment) error {
	return errors.New("connection reset")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func protocols() *fakeProtocols {
	return &fakeProtocols{
		data: map[string]*protocol.Data{
			"aave": {
				Name: "Aave V3", Slug: "aave-v3", TVL: 5e9,
				Chains:     []string{"Ethereum", "Arbitrum", "Polygon", "Optimism", "Base"},
				Breakdown:  []protocol.ChainBreakdown{{Chain: "Ethereum", Share: 40}, {Chain: "Arbitrum", Share: 30}, {Chain: "Base", Share: 30}},
				AuditLinks: []string{"https://a", "https://b"},
				Oracles:    []string{"Chainlink"},
			},
			"tiny": {
				Name: "Tiny Vault", Slug: "tiny-vault", TVL: 5e6,
				Chains:    []string{"BSC"},
				Breakdown: []protocol.ChainBreakdown{{Chain: "BSC", Share: 100}},
			},
		},
		fail: map[string]error{
			"flaky": fmt.Errorf("%w: dial tcp: refused", protocol.ErrUpstream),
		},
	}
}

func exploit(sev incidents.Severity, daysAgo int) incidents.Incident {
	return incidents.Incident{
		Protocol:   "Tiny Vault",
		Title:      "Tiny Vault - REKT",
		Date:       now.AddDate(0, 0, -daysAgo),
		Severity:   sev,
		AmountLost: decimal.NewFromInt(60_000_000),
	}
}

func newService(t *testing.T, store risk.Store) *Service {
	t.Helper()
	feed := fakeIncidents{"tiny-vault": {exploit(incidents.SeverityCritical, 10), exploit(incidents.SeverityLow, 400)}}
	assessor := risk.NewAssessor(risk.WithClock(func() time.Time { return now }))
	return New(protocols(), feed, assessor, store, slog.Default(), WithClock(func() time.Time { return now }))
}

func TestAnalyze(t *testing.T) {
	store := risk.NewMemoryStore()
	svc := newService(t, store)

	before := counterValue(t, metrics.AssessmentsTotal.WithLabelValues(string(risk.LevelLow)))
	a, err := svc.Analyze(context.Background(), "aave")
	require.NoError(t, err)

	assert.Equal(t, "aave-v3", a.Slug)
	assert.Equal(t, risk.LevelLow, a.Score.Level)
	assert.Equal(t, before+1, counterValue(t, metrics.AssessmentsTotal.WithLabelValues(string(risk.LevelLow))))

	history, err := svc.History(context.Background(), "aave-v3", "", 0)
	require.NoError(t, err)
	require.Len(t, history.Assessments, 1)
	assert.Equal(t, a.ID, history.Assessments[0].ID)
	assert.False(t, history.HasMore)
}

func TestAnalyze_IncludesIncidents(t *testing.T) {
	a, err := newService(t, nil).Analyze(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, 2, a.IncidentCount)
	// 0.3*5.0 + 0.25*7 + 0.2*8 + 0.1*4 + 0.15*6.65
	assert.InDelta(t, 6.2475, a.Score.Overall, 1e-9)
	assert.Equal(t, risk.LevelHigh, a.Score.Level)
}

func TestAnalyze_Errors(t *testing.T) {
	svc := newService(t, nil)

	_, err := svc.Analyze(context.Background(), "nope")
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	_, err = svc.Analyze(context.Background(), "flaky")
	assert.ErrorIs(t, err, protocol.ErrUpstream)
}

func TestAnalyze_HistoryFailureIsNotFatal(t *testing.T) {
	before := counterValue(t, metrics.HistoryWriteFailuresTotal)
	a, err := newService(t, failingStore{}).Analyze(context.Background(), "aave")
	require.NoError(t, err)
	assert.NotNil(t, a)
	assert.Equal(t, before+1, counterValue(t, metrics.HistoryWriteFailuresTotal))
}

func TestCompare(t *testing.T) {
	c, err := newService(t, nil).Compare(context.Background(), []string{"tiny", "aave", "nope"})
	require.NoError(t, err)

	require.Len(t, c.Ranking, 2)
	assert.Equal(t, "Aave V3", c.LowestRisk)
	assert.Equal(t, "Tiny Vault", c.HighestRisk)
	require.Contains(t, c.Errors, "nope")
	assert.Contains(t, c.Errors["nope"], "protocol not found")
}

func TestCompare_Validation(t *testing.T) {
	svc := newService(t, nil)

	_, err := svc.Compare(context.Background(), []string{"aave"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Compare(context.Background(), []string{"aave", "AAVE ", ""})
	assert.ErrorIs(t, err, ErrInvalidRequest, "duplicates collapse to one")

	_, err = svc.Compare(context.Background(), []string{"a", "b", "c", "d", "e", "f"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCompare_AllFailed(t *testing.T) {
	_, err := newService(t, nil).Compare(context.Background(), []string{"nope", "flaky"})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	assert.ErrorIs(t, err, protocol.ErrUpstream)
}

func TestIncidents(t *testing.T) {
	svc := newService(t, nil)

	r, err := svc.Incidents(context.Background(), "tiny", "")
	require.NoError(t, err)
	assert.Equal(t, "tiny-vault", r.Slug)
	assert.Len(t, r.Incidents, 2)
	assert.Equal(t, 2, r.Summary.Count)

	r, err = svc.Incidents(context.Background(), "tiny", incidents.SeverityHigh)
	require.NoError(t, err)
	require.Len(t, r.Incidents, 1)
	assert.Equal(t, incidents.SeverityCritical, r.Incidents[0].Severity)

	r, err = svc.Incidents(context.Background(), "aave", "")
	require.NoError(t, err)
	assert.NotNil(t, r.Incidents)
	assert.Empty(t, r.Incidents)
	assert.Equal(t, incidents.CleanRecordScore, r.Summary.Score)
}

func TestHistory_NoStore(t *testing.T) {
	got, err := newService(t, nil).History(context.Background(), "aave-v3", "", 5)
	require.NoError(t, err)
	assert.NotNil(t, got.Assessments)
	assert.Empty(t, got.Assessments)
}

func TestHistory_Pages(t *testing.T) {
	store := risk.NewMemoryStore()
	svc := newService(t, store)
	for range 5 {
		_, err := svc.Analyze(context.Background(), "aave")
		require.NoError(t, err)
	}

	var seen []string
	cursor := ""
	for {
		page, err := svc.History(context.Background(), "AAVE-V3", cursor, 2)
		require.NoError(t, err)
		for _, a := range page.Assessments {
			seen = append(seen, a.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)
	assert.Len(t, distinct(seen), 5)

	_, err := svc.History(context.Background(), "aave-v3", "%%%", 2)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHistory_ResolvesName(t *testing.T) {
	store := risk.NewMemoryStore()
	svc := newService(t, store)
	_, err := svc.Analyze(context.Background(), "aave")
	require.NoError(t, err)

	page, err := svc.History(context.Background(), "Aave", "", 10)
	require.NoError(t, err)
	assert.Equal(t, "aave-v3", page.Slug)
	assert.Len(t, page.Assessments, 1)

	// Unresolvable queries are read as a literal slug.
	page, err = svc.History(context.Background(), " AAVE-V3 ", "", 10)
	require.NoError(t, err)
	assert.Equal(t, "aave-v3", page.Slug)
	assert.Len(t, page.Assessments, 1)
}

func distinct(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
