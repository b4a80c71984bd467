// Package risk turns protocol telemetry and incident history into an
// explainable, bounded risk score.
//
// Five independent assessors (size/trend, venue concentration, audits,
// oracle dependency, incident history) each produce a Factor scored 0-10
// with a fixed weight. Aggregate reduces the factors to one overall score
// and a discrete Level. Higher scores are riskier.
package risk

import (
	"context"
	"time"

	"github.com/mbd888/defirisk/internal/pagination"
)

// Level is the discrete risk classification of an overall score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor classifies an overall score: <=3 low, <=5 medium, <=7 high,
// otherwise critical.
func LevelFor(overall float64) Level {
	switch {
	case overall <= 3:
		return LevelLow
	case overall <= 5:
		return LevelMedium
	case overall <= 7:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Factor keys. Stable identifiers for API consumers; Name is for display.
const (
	FactorTVL           = "tvl"
	FactorConcentration = "concentration"
	FactorAudit         = "audit"
	FactorOracle        = "oracle"
	FactorIncidents     = "incidents"
)

// Factor is one assessor's verdict. Built fresh per assessment, never
// mutated afterwards.
type Factor struct {
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	Score       float64 `json:"score"`  // 0-10
	Weight      float64 `json:"weight"` // 0-1
	Description string  `json:"description"`
	Details     string  `json:"details,omitempty"`
	// Unavailable is set when the input data for the factor was missing
	// and Score is a neutral default.
	Unavailable bool `json:"unavailable,omitempty"`
}

// Score is the aggregate of a set of factors.
type Score struct {
	Overall float64  `json:"overall"`
	Level   Level    `json:"level"`
	Factors []Factor `json:"factors"`
}

// Factor returns the factor with the given key.
func (s Score) Factor(key string) (Factor, bool) {
	for _, f := range s.Factors {
		if f.Key == key {
			return f, true
		}
	}
	return Factor{}, false
}

// Weights are the per-factor weights. DefaultWeights sums to 1.0.
type Weights struct {
	TVL           float64
	Concentration float64
	Audit         float64
	Oracle        float64
	Incidents     float64
}

// DefaultWeights is the canonical weighting.
var DefaultWeights = Weights{
	TVL:           0.30,
	Concentration: 0.25,
	Audit:         0.20,
	Oracle:        0.10,
	Incidents:     0.15,
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.TVL + w.Concentration + w.Audit + w.Oracle + w.Incidents
}

// Analyses holds the per-domain explanations of an assessment.
type Analyses struct {
	TVL       string `json:"tvl"`
	Chains    string `json:"chains"`
	Audits    string `json:"audits"`
	Oracles   string `json:"oracles"`
	Incidents string `json:"incidents"`
}

// Assessment is the complete result for one protocol. Constructed once and
// safe to share read-only.
type Assessment struct {
	ID              string    `json:"id"`
	Protocol        string    `json:"protocol"`
	Slug            string    `json:"slug"`
	Score           Score     `json:"score"`
	Analyses        Analyses  `json:"analyses"`
	Recommendations []string  `json:"recommendations"`
	Warnings        []string  `json:"warnings"`
	IncidentCount   int       `json:"incident_count"`
	TVL             float64   `json:"tvl"`
	AssessedAt      time.Time `json:"assessed_at"`
}

// clone returns a deep copy.
func (a *Assessment) clone() *Assessment {
	c := *a
	c.Score.Factors = append([]Factor(nil), a.Score.Factors...)
	c.Recommendations = append([]string(nil), a.Recommendations...)
	c.Warnings = append([]string(nil), a.Warnings...)
	return &c
}

// Store persists completed assessments as history.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	// ListBySlug returns up to limit assessments ordered by (AssessedAt, ID)
	// descending, starting after before (nil for the newest).
	ListBySlug(ctx context.Context, slug string, before *pagination.Cursor, limit int) ([]*Assessment, error)
}
