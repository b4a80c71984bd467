package incidents

import (
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rektOrigin = &url.URL{Scheme: "https", Host: "rekt.news"}
	fetchedAt  = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
)

func TestParseRecord_Full(t *testing.T) {
	r, err := ParseRecord(map[string]any{
		"protocol":     "Cream Finance",
		"slug":         "cream-rekt-2",
		"amount":       130_000_000.0,
		"date":         "2021-10-27",
		"title":        "Cream Finance - REKT 2",
		"description":  "flash loan",
		"tags":         []any{"Cream", "flash-loan", 7.0},
		"fixed":        true,
		"audit_status": "Unaudited",
		"url":          "/cream-rekt-2/",
	}, rektOrigin, fetchedAt)
	require.NoError(t, err)

	assert.Equal(t, "Cream Finance", r.Protocol)
	assert.Equal(t, "cream-rekt-2", r.Slug)
	assert.True(t, r.Amount.Equal(decimal.NewFromInt(130_000_000)))
	assert.Equal(t, time.Date(2021, 10, 27, 0, 0, 0, 0, time.UTC), r.Date)
	assert.Equal(t, []string{"Cream", "flash-loan"}, r.Tags)
	assert.True(t, r.Fixed)
	assert.Equal(t, "https://rekt.news/cream-rekt-2/", r.URL)
	assert.Equal(t, "Unaudited", r.AuditStatus)
}

func TestParseRecord_MissingIdentity(t *testing.T) {
	_, err := ParseRecord(map[string]any{"amount": 5.0, "title": "???"}, rektOrigin, fetchedAt)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestParseRecord_SlugFromURL(t *testing.T) {
	r, err := ParseRecord(map[string]any{"url": "https://rekt.news/badger-rekt/"}, rektOrigin, fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, "badger-rekt", r.Slug)
	assert.Equal(t, "badger-rekt", r.Protocol, "protocol falls back to slug")
}

func TestParseRecord_Defaults(t *testing.T) {
	r, err := ParseRecord(map[string]any{"protocol": "Wormhole", "amount": "$326,000,000"}, rektOrigin, fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, fetchedAt, r.Date, "missing date uses fetch time")
	assert.Equal(t, "Wormhole - $326.0M", r.Title)
	assert.False(t, r.Fixed)

	r, err = ParseRecord(map[string]any{"protocol": "Dust"}, rektOrigin, fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, "Dust", r.Title)
	assert.True(t, r.Amount.IsZero())
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"$14,847,374,246", "14847374246"},
		{"1.2M", "1200000"},
		{"$3.5b", "3500000000"},
		{"750K", "750000"},
		{" $ 42 ", "42"},
		{"-5", "0"},
		{"n/a", "0"},
		{1234.5, "1234.5"},
		{-10.0, "0"},
		{nil, "0"},
		{true, "0"},
	}
	for _, tt := range tests {
		got := parseAmount(tt.in)
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "parseAmount(%v) = %s, want %s", tt.in, got, tt.want)
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   any
		want time.Time
	}{
		{"2021-10-27", time.Date(2021, 10, 27, 0, 0, 0, 0, time.UTC)},
		{"2021-10-27T13:45:00", time.Date(2021, 10, 27, 13, 45, 0, 0, time.UTC)},
		{"2021-10-27T13:45:00Z", time.Date(2021, 10, 27, 13, 45, 0, 0, time.UTC)},
		{"12/20/2020", time.Date(2020, 12, 20, 0, 0, 0, 0, time.UTC)},
		{"05/04/2022", time.Date(2022, 4, 5, 0, 0, 0, 0, time.UTC)}, // day-first wins
		{"August 10, 2021", time.Date(2021, 8, 10, 0, 0, 0, 0, time.UTC)},
		{"2 February 2022", time.Date(2022, 2, 2, 0, 0, 0, 0, time.UTC)},
		{1635292800.0, time.Date(2021, 10, 27, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, ok := parseDate(tt.in)
		require.True(t, ok, "parseDate(%v)", tt.in)
		assert.Equal(t, tt.want, got, "parseDate(%v)", tt.in)
	}

	for _, bad := range []any{"", "yesterday", nil, -1.0} {
		_, ok := parseDate(bad)
		assert.False(t, ok, "parseDate(%v)", bad)
	}
}

func TestParseRecords_SkipsMalformed(t *testing.T) {
	records, skipped := ParseRecords([]map[string]any{
		{"protocol": "A"},
		{"title": "orphan"},
		{"slug": "b"},
	}, rektOrigin, fetchedAt)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, skipped)
}

func TestParseTagsAndBool(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseTags("a, b,"))
	assert.Nil(t, parseTags(42.0))
	assert.True(t, parseBool("Yes"))
	assert.False(t, parseBool("no"))
	assert.False(t, parseBool(1.0))
}
