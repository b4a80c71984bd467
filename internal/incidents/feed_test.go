package incidents

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/defirisk/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGetter struct {
	body []byte
	err  error
	urls []string
}

func (s *stubGetter) Get(_ context.Context, url string) ([]byte, error) {
	s.urls = append(s.urls, url)
	return s.body, s.err
}

func TestFeedClient_Array(t *testing.T) {
	g := &stubGetter{body: []byte(`[
		{"protocol":"Ronin Network","amount":624000000,"date":"2022-03-23","url":"/ronin-rekt/"},
		{"amount":1},
		{"protocol":"Wormhole","amount":"$326M","date":"02/02/2022"}
	]`)}
	f, err := NewFeedClient("https://rekt.news/leaderboard/", g, slog.Default(),
		WithFeedClock(func() time.Time { return fetchedAt }))
	require.NoError(t, err)

	records, err := f.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "https://rekt.news/ronin-rekt/", records[0].URL)
	assert.Equal(t, "ronin-rekt", records[0].Slug)
	assert.Equal(t, "Wormhole", records[1].Protocol)
	assert.Equal(t, []string{"https://rekt.news/leaderboard/"}, g.urls)
}

func TestDecodeFeed(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", 0},
		{"array", `[{"protocol":"a"}]`, 1},
		{"leaderboard object", `{"leaderboard":[{"protocol":"a"},{"protocol":"b"}]}`, 2},
		{"data object", `{"data":[{"protocol":"a"}]}`, 1},
		{"embedded script", `<html><script>var leaderboard = [{"protocol":"a"}];</script></html>`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raws, err := decodeFeed([]byte(tt.body))
			require.NoError(t, err)
			assert.Len(t, raws, tt.want)
		})
	}

	for _, bad := range []string{`{"nope":1}`, `<html>nothing</html>`, `[1,2`} {
		_, err := decodeFeed([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestFeedClient_Errors(t *testing.T) {
	f, err := NewFeedClient("", &stubGetter{err: errors.New("dial tcp: refused")}, slog.Default())
	require.NoError(t, err)
	_, err = f.Records(context.Background())
	assert.ErrorIs(t, err, ErrFeedUnavailable)

	f, err = NewFeedClient("", &stubGetter{body: []byte("<html/>")}, slog.Default())
	require.NoError(t, err)
	_, err = f.Records(context.Background())
	assert.ErrorIs(t, err, ErrFeedUnavailable)

	_, err = NewFeedClient("not a url", &stubGetter{}, slog.Default())
	assert.Error(t, err)
}

type countingSource struct {
	mu      sync.Mutex
	calls   atomic.Int32
	records []Record
	err     error
}

func (s *countingSource) Records(context.Context) ([]Record, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, s.err
}

func (s *countingSource) set(records []Record, err error) {
	s.mu.Lock()
	s.records, s.err = records, err
	s.mu.Unlock()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCachedFeed_ServesWithinTTL(t *testing.T) {
	src := &countingSource{records: []Record{rec("Cream Finance", "cream-finance", 130_000_000, day(2021, 10, 27))}}
	clk := &clock{t: now}
	f := NewCachedFeed(src, 24*time.Hour, nil, slog.Default(), cache.WithClock[[]Record](clk.now))

	got := f.ForProtocol(context.Background(), "cream-finance", "Cream Finance")
	require.Len(t, got, 1)
	assert.Empty(t, f.ForProtocol(context.Background(), "uniswap", "Uniswap"))
	assert.Equal(t, int32(1), src.calls.Load())

	clk.advance(24 * time.Hour)
	f.ForProtocol(context.Background(), "cream-finance", "Cream Finance")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCachedFeed_DegradesAndDoesNotCacheFailure(t *testing.T) {
	src := &countingSource{err: ErrFeedUnavailable}
	f := NewCachedFeed(src, time.Hour, NewCorrelator(), slog.Default())

	assert.Nil(t, f.Records(context.Background()))
	assert.Empty(t, f.ForProtocol(context.Background(), "cream", "Cream"))
	assert.Equal(t, int32(2), src.calls.Load(), "failures must not be cached")

	src.set([]Record{rec("Cream", "cream", 1, day(2021, 1, 1))}, nil)
	assert.Len(t, f.ForProtocol(context.Background(), "cream", "Cream"), 1)
}

func TestCachedFeed_EmptyFeedIsCached(t *testing.T) {
	src := &countingSource{records: []Record{}}
	f := NewCachedFeed(src, time.Hour, nil, slog.Default())

	assert.NotNil(t, f.Records(context.Background()))
	f.Records(context.Background())
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCachedFeed_CallersGetCopies(t *testing.T) {
	src := &countingSource{records: []Record{rec("Cream", "cream", 1, day(2021, 1, 1), "lending")}}
	f := NewCachedFeed(src, time.Hour, nil, slog.Default())

	first := f.Records(context.Background())
	first[0].Protocol = "mutated"
	first[0].Tags[0] = "mutated"

	second := f.Records(context.Background())
	assert.Equal(t, "Cream", second[0].Protocol)
	assert.Equal(t, "lending", second[0].Tags[0])
}
