// Package incidents correlates an independently sourced exploit feed with
// protocols and scores their incident history.
//
// The feed and the protocol data source share no identifier, so records are
// matched on canonical name tokens (see package identity) in three tiers:
// exact, partial (base token prefix) and tag.
package incidents

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrFeedUnavailable is returned by feed sources when the feed cannot be
	// read. CachedFeed absorbs it and reports no incidents.
	ErrFeedUnavailable = errors.New("incident feed unavailable")

	// ErrMalformedRecord marks a feed record missing required fields. The
	// record is skipped; the rest of the batch is kept.
	ErrMalformedRecord = errors.New("malformed incident record")
)

// Severity buckets an incident by loss amount.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var (
	criticalAbove = decimal.NewFromInt(50_000_000)
	highAbove     = decimal.NewFromInt(10_000_000)
	mediumAbove   = decimal.NewFromInt(1_000_000)
)

// ClassifySeverity maps a USD loss to a severity. Boundaries are exclusive:
// exactly $50M is high, not critical.
func ClassifySeverity(amountUSD decimal.Decimal) Severity {
	switch {
	case amountUSD.GreaterThan(criticalAbove):
		return SeverityCritical
	case amountUSD.GreaterThan(highAbove):
		return SeverityHigh
	case amountUSD.GreaterThan(mediumAbove):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Incident is an exploit attributed to a protocol. Immutable once built.
type Incident struct {
	Protocol    string          `json:"protocol"`
	Date        time.Time       `json:"date"`
	AmountLost  decimal.Decimal `json:"amount_lost_usd"`
	Severity    Severity        `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	AuditStatus string          `json:"audit_status,omitempty"`
	Fixed       bool            `json:"fixed"`
	URL         string          `json:"url,omitempty"`
	Slug        string          `json:"slug,omitempty"`
}

func newIncident(r Record) Incident {
	return Incident{
		Protocol:    r.Protocol,
		Date:        r.Date,
		AmountLost:  r.Amount,
		Severity:    ClassifySeverity(r.Amount),
		Title:       r.Title,
		Description: r.Description,
		Tags:        append([]string(nil), r.Tags...),
		AuditStatus: r.AuditStatus,
		Fixed:       r.Fixed,
		URL:         r.URL,
		Slug:        r.Slug,
	}
}

// ParseSeverity reads a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// Rank orders severities from low (1) to critical (4); unknown is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}
