package risk

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/defirisk/internal/pagination"
	"github.com/mbd888/defirisk/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storedOverall has more significant digits than a fixed-scale column keeps.
const storedOverall = 2.5833333333333335

func storedAssessment(id, slug string, at time.Time) *Assessment {
	return &Assessment{
		ID:       id,
		Protocol: "Aave V3",
		Slug:     slug,
		Score: Score{
			Overall: storedOverall,
			Level:   LevelLow,
			Factors: []Factor{{Key: FactorTVL, Name: "TVL Risk", Score: 2.6, Weight: 0.3, Description: "TVL: $5.00B"}},
		},
		Analyses:        Analyses{TVL: "TVL: $5.00B"},
		Recommendations: []string{"Verify audit status through official protocol channels"},
		Warnings:        []string{},
		TVL:             5e9,
		AssessedAt:      at,
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"ra_1", "ra_2", "ra_3"} {
		require.NoError(t, s.Record(ctx, storedAssessment(id, "aave-v3", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, s.Record(ctx, storedAssessment("ra_other", "curve-dex", base)))

	got, err := s.ListBySlug(ctx, "aave-v3", nil, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ra_3", got[0].ID)
	assert.Equal(t, "ra_2", got[1].ID)
	assert.Equal(t, LevelLow, got[0].Score.Level)
	assert.Equal(t, storedOverall, got[0].Score.Overall, "score must round-trip without rounding")
	require.Len(t, got[0].Score.Factors, 1)
	assert.Equal(t, "TVL Risk", got[0].Score.Factors[0].Name)
	assert.Equal(t, []string{"Verify audit status through official protocol channels"}, got[0].Recommendations)
	assert.True(t, base.Add(2*time.Hour).Equal(got[0].AssessedAt))

	rest, err := s.ListBySlug(ctx, "aave-v3", &pagination.Cursor{At: got[1].AssessedAt, ID: got[1].ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "ra_1", rest[0].ID)

	none, err := s.ListBySlug(ctx, "unknown", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_OrdersByTimeThenID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	// Recorded out of order, with a tie on the timestamp.
	require.NoError(t, s.Record(ctx, storedAssessment("ra_b", "aave-v3", at)))
	require.NoError(t, s.Record(ctx, storedAssessment("ra_z", "aave-v3", at.Add(-time.Hour))))
	require.NoError(t, s.Record(ctx, storedAssessment("ra_c", "aave-v3", at)))

	var ids []string
	var cursor *pagination.Cursor
	for {
		page, err := s.ListBySlug(ctx, "aave-v3", cursor, 1)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		ids = append(ids, page[0].ID)
		cursor = &pagination.Cursor{At: page[0].AssessedAt, ID: page[0].ID}
	}
	assert.Equal(t, []string{"ra_c", "ra_b", "ra_z"}, ids)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_IsolatesCallers(t *testing.T) {
	s := NewMemoryStore()
	a := storedAssessment("ra_1", "aave-v3", time.Now())
	require.NoError(t, s.Record(context.Background(), a))
	a.Score.Factors[0].Score = 9

	got, err := s.ListBySlug(context.Background(), "aave-v3", nil, 1)
	require.NoError(t, err)
	got[0].Recommendations[0] = "mutated"
	assert.Equal(t, 2.6, got[0].Score.Factors[0].Score)

	again, _ := s.ListBySlug(context.Background(), "aave-v3", nil, 1)
	assert.Equal(t, "Verify audit status through official protocol channels", again[0].Recommendations[0])
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	exerciseStore(t, NewPostgresStore(db))
}
