package risk

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		overall float64
		want    Level
	}{
		{0, LevelLow},
		{3.0, LevelLow},
		{3.1, LevelMedium},
		{5.0, LevelMedium},
		{5.1, LevelHigh},
		{7.0, LevelHigh},
		{7.1, LevelCritical},
		{10, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.overall), "overall=%v", tt.overall)
	}
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	assert.InDelta(t, 1.0, DefaultWeights.Sum(), 1e-12)
}

func TestAggregate_Neutral(t *testing.T) {
	s := Aggregate(nil)
	assert.Equal(t, NeutralScore, s.Overall)
	assert.Equal(t, LevelMedium, s.Level)

	s = Aggregate([]Factor{{Key: "a", Score: 9, Weight: 0}, {Key: "b", Score: 1, Weight: 0}})
	assert.Equal(t, NeutralScore, s.Overall)
	assert.Len(t, s.Factors, 2)
}

func TestAggregate_RenormalizesMissingWeight(t *testing.T) {
	// Two factors with 0.3 + 0.2 weight behave like 0.6 / 0.4.
	s := Aggregate([]Factor{
		{Key: FactorTVL, Score: 8, Weight: 0.3},
		{Key: FactorAudit, Score: 2, Weight: 0.2},
	})
	assert.InDelta(t, 5.6, s.Overall, 1e-9)
	assert.Equal(t, LevelHigh, s.Level)
}

func TestAggregate_ClampsOutOfRangeScores(t *testing.T) {
	s := Aggregate([]Factor{{Key: "a", Score: 14, Weight: 1}})
	assert.Equal(t, 10.0, s.Overall)

	s = Aggregate([]Factor{{Key: "a", Score: -3, Weight: 1}})
	assert.Equal(t, 0.0, s.Overall)
}

func TestAggregate_BoundedAndOrderIndependent(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	keys := []string{FactorTVL, FactorConcentration, FactorAudit, FactorOracle, FactorIncidents}
	weights := []float64{0.30, 0.25, 0.20, 0.10, 0.15}

	for i := 0; i < 200; i++ {
		factors := make([]Factor, len(keys))
		for j, k := range keys {
			factors[j] = Factor{Key: k, Score: r.Float64() * 10, Weight: weights[j]}
		}
		want := Aggregate(factors)
		assert.GreaterOrEqual(t, want.Overall, 0.0)
		assert.LessOrEqual(t, want.Overall, 10.0)

		shuffled := append([]Factor(nil), factors...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Aggregate(shuffled)
		assert.Equal(t, want.Overall, got.Overall)
		assert.Equal(t, want.Level, got.Level)
	}
}

func TestAggregate_DoesNotAliasInput(t *testing.T) {
	in := []Factor{{Key: "a", Score: 4, Weight: 1}}
	s := Aggregate(in)
	in[0].Score = 9
	assert.Equal(t, 4.0, s.Factors[0].Score)
}

func TestAggregate_PanicsOnInvalidWeight(t *testing.T) {
	assert.Panics(t, func() {
		Aggregate([]Factor{{Key: "a", Score: 4, Weight: -0.1}})
	})
}
