package risk

import (
	"fmt"
	"sort"
)

// Bounds on the number of protocols in one comparison.
const (
	MinCompare = 2
	MaxCompare = 5
)

// notableSpread is the overall-score gap above which the riskiest protocol
// is called out.
const notableSpread = 2.0

// Ranked is one protocol's position in a comparison.
type Ranked struct {
	Rank    int                `json:"rank"`
	Name    string             `json:"name"`
	Slug    string             `json:"slug"`
	Overall float64            `json:"overall"`
	Level   Level              `json:"level"`
	TVL     float64            `json:"tvl"`
	Factors map[string]float64 `json:"factors"`
}

// Comparison ranks assessments from lowest to highest risk.
type Comparison struct {
	Ranking        []Ranked          `json:"ranking"`
	LowestRisk     string            `json:"lowest_risk"`
	HighestRisk    string            `json:"highest_risk"`
	Recommendation string            `json:"recommendation"`
	Assessments    []*Assessment     `json:"assessments"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// Compare ranks assessments ascending by overall score. Ties keep input
// order. Returns an empty Comparison for no input.
func Compare(assessments []*Assessment) *Comparison {
	sorted := append([]*Assessment(nil), assessments...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score.Overall < sorted[j].Score.Overall
	})

	c := &Comparison{Ranking: make([]Ranked, 0, len(sorted)), Assessments: sorted}
	for i, a := range sorted {
		factors := make(map[string]float64, len(a.Score.Factors))
		for _, f := range a.Score.Factors {
			factors[f.Key] = f.Score
		}
		c.Ranking = append(c.Ranking, Ranked{
			Rank:    i + 1,
			Name:    a.Protocol,
			Slug:    a.Slug,
			Overall: a.Score.Overall,
			Level:   a.Score.Level,
			TVL:     a.TVL,
			Factors: factors,
		})
	}
	if len(sorted) == 0 {
		return c
	}

	lowest, highest := sorted[0], sorted[len(sorted)-1]
	c.LowestRisk, c.HighestRisk = lowest.Protocol, highest.Protocol
	c.Recommendation = fmt.Sprintf("%s presents the lowest overall risk profile with a score of %.1f/10. ",
		lowest.Protocol, lowest.Score.Overall)
	if highest.Score.Overall-lowest.Score.Overall > notableSpread {
		c.Recommendation += fmt.Sprintf("%s shows notably higher risk (%.1f/10) and warrants additional due diligence.",
			highest.Protocol, highest.Score.Overall)
	} else {
		c.Recommendation += "All analyzed protocols show relatively comparable risk profiles."
	}
	return c
}
