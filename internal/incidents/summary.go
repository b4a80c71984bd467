package incidents

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// CleanRecordScore is the incident-history score of a protocol with no
// attributed incidents.
const CleanRecordScore = 2.0

// Sub-score blend for a non-empty history.
const (
	recencyWeight    = 0.5
	severityWeight   = 0.4
	resolutionWeight = 0.1
)

// History summarizes a protocol's correlated incidents.
type History struct {
	Count      int     `json:"count"`
	Recency    float64 `json:"recency"`    // 0-10, higher is more recent
	Severity   float64 `json:"severity"`   // 0-10
	Resolution float64 `json:"resolution"` // 0-10, share of unfixed incidents
	Score      float64 `json:"score"`

	Critical  int             `json:"critical"`
	High      int             `json:"high"`
	Unfixed   int             `json:"unfixed"`
	TotalLoss decimal.Decimal `json:"total_loss_usd"`

	MostRecent          *Incident `json:"most_recent,omitempty"`
	DaysSinceMostRecent int       `json:"days_since_most_recent,omitempty"`
}

// Summarize scores incidents as of now. incidents must be newest first, as
// returned by Correlate.
func Summarize(incidents []Incident, now time.Time) History {
	if len(incidents) == 0 {
		return History{Score: CleanRecordScore, TotalLoss: decimal.Zero}
	}

	h := History{Count: len(incidents), TotalLoss: decimal.Zero}
	var recency, severity float64
	for _, inc := range incidents {
		recency += recencyPoints(daysBetween(inc.Date, now))
		severity += severityPoints(inc.Severity)
		if !inc.Fixed {
			h.Unfixed++
		}
		switch inc.Severity {
		case SeverityCritical:
			h.Critical++
		case SeverityHigh:
			h.High++
		}
		h.TotalLoss = h.TotalLoss.Add(inc.AmountLost)
	}

	n := float64(len(incidents))
	h.Recency = math.Min(10, recency/n)
	h.Severity = math.Min(10, severity/n)
	h.Resolution = math.Min(10, float64(h.Unfixed)/n*10)
	h.Score = recencyWeight*h.Recency + severityWeight*h.Severity + resolutionWeight*h.Resolution

	recent := incidents[0]
	h.MostRecent = &recent
	h.DaysSinceMostRecent = daysBetween(recent.Date, now)
	return h
}

// daysBetween counts whole days from then to now.
func daysBetween(then, now time.Time) int {
	return int(math.Floor(now.Sub(then).Hours() / 24))
}

func recencyPoints(days int) float64 {
	switch {
	case days <= 30:
		return 10
	case days <= 180:
		return 8
	case days <= 365:
		return 5
	case days <= 730:
		return 3
	default:
		return 1
	}
}

func severityPoints(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 4
	case SeverityLow:
		return 2
	default:
		return 5
	}
}
