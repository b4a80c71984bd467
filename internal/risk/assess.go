package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/defirisk/internal/incidents"
	"github.com/mbd888/defirisk/internal/protocol"
)

// Assessor builds assessments from fetched protocol data and correlated
// incidents. It holds no per-request state and is safe for concurrent use.
type Assessor struct {
	weights Weights
	trusted map[string]bool
	now     func() time.Time
}

// AssessorOption configures an Assessor.
type AssessorOption func(*Assessor)

// WithWeights overrides DefaultWeights. Negative weights panic in Aggregate.
func WithWeights(w Weights) AssessorOption {
	return func(a *Assessor) { a.weights = w }
}

// WithTrustedOracles replaces the trusted oracle allow-list.
func WithTrustedOracles(names ...string) AssessorOption {
	return func(a *Assessor) {
		a.trusted = make(map[string]bool, len(names))
		for _, n := range names {
			a.trusted[strings.ToLower(n)] = true
		}
	}
}

// WithClock sets the time source for trend windows and incident recency.
func WithClock(now func() time.Time) AssessorOption {
	return func(a *Assessor) { a.now = now }
}

// NewAssessor creates an Assessor with DefaultWeights and
// DefaultTrustedOracles.
func NewAssessor(opts ...AssessorOption) *Assessor {
	a := &Assessor{weights: DefaultWeights, now: time.Now}
	WithTrustedOracles(DefaultTrustedOracles...)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess scores d against its correlated incidents and returns a complete
// assessment. found may be empty.
func (a *Assessor) Assess(d *protocol.Data, found []incidents.Incident) *Assessment {
	now := a.now()
	incident, history := a.incidentFactor(found, now)
	factors := []Factor{
		a.tvlFactor(d, now),
		a.concentrationFactor(d),
		a.auditFactor(d),
		a.oracleFactor(d),
		incident,
	}
	score := Aggregate(factors)

	out := &Assessment{
		ID:            "ra_" + uuid.NewString(),
		Protocol:      d.Name,
		Slug:          d.Slug,
		Score:         score,
		IncidentCount: history.Count,
		TVL:           d.TVL,
		AssessedAt:    now.UTC(),
	}
	out.Analyses = analyses(score)
	out.Recommendations, out.Warnings = advise(d, score)
	return out
}

func analyses(s Score) Analyses {
	text := func(key string) string {
		f, ok := s.Factor(key)
		if !ok {
			return ""
		}
		if f.Details == "" {
			return f.Description
		}
		return f.Description + ". " + f.Details
	}
	return Analyses{
		TVL:       text(FactorTVL),
		Chains:    text(FactorConcentration),
		Audits:    text(FactorAudit),
		Oracles:   text(FactorOracle),
		Incidents: text(FactorIncidents),
	}
}

func advise(d *protocol.Data, s Score) (recommendations, warnings []string) {
	recommendations, warnings = []string{}, []string{}

	if s.Level == LevelHigh || s.Level == LevelCritical {
		warnings = append(warnings, fmt.Sprintf("Protocol has %s overall risk (score: %.1f/10)", s.Level, s.Overall))
	}
	for _, f := range s.Factors {
		name := strings.ToLower(f.Name)
		switch {
		case f.Score >= 7:
			warnings = append(warnings, fmt.Sprintf("High %s: %s", name, f.Description))
		case f.Score >= 5:
			recommendations = append(recommendations, fmt.Sprintf("Monitor %s: %s", name, f.Description))
		}
	}

	if len(d.AuditLinks) == 0 {
		recommendations = append(recommendations, "Verify audit status through official protocol channels")
	}
	if d.VenueCount() == 1 {
		recommendations = append(recommendations, "Single-chain deployment - monitor chain-specific risks")
	}
	return recommendations, warnings
}
