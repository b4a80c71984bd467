package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/defirisk/internal/incidents"
	"github.com/mbd888/defirisk/internal/protocol"
)

// Size thresholds in USD.
const (
	tvlLarge  = 1_000_000_000
	tvlMedium = 100_000_000
	tvlSmall  = 10_000_000
)

// Volatility thresholds (coefficient of variation).
const (
	volatilityLow    = 0.10
	volatilityMedium = 0.25
)

// Top-venue share thresholds in percent.
const (
	concentrationHigh     = 80
	concentrationModerate = 50
)

const trendWindow = 30 * 24 * time.Hour

// DefaultTrustedOracles are oracle providers considered established.
var DefaultTrustedOracles = []string{"chainlink", "pyth", "redstone", "band", "api3", "uma"}

// Volatility returns the coefficient of variation (population standard
// deviation over mean) of the positive samples in history, or 0 when there
// are fewer than two.
func Volatility(history []protocol.TVLPoint) float64 {
	var vals []float64
	for _, p := range history {
		if p.TVL > 0 {
			vals = append(vals, p.TVL)
		}
	}
	if len(vals) < 2 {
		return 0
	}

	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	if mean == 0 {
		return 0
	}

	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq/float64(len(vals))) / mean
}

// Trend returns the percentage change between the first and last sample
// within 30 days of now, falling back to the last 30 samples when the
// window holds fewer than two. history must be ascending by date.
func Trend(history []protocol.TVLPoint, now time.Time) float64 {
	if len(history) < 2 {
		return 0
	}

	cutoff := now.Add(-trendWindow)
	var recent []protocol.TVLPoint
	for _, p := range history {
		if !p.Date.Before(cutoff) {
			recent = append(recent, p)
		}
	}
	if len(recent) < 2 {
		recent = history[max(0, len(history)-30):]
	}

	start, end := recent[0].TVL, recent[len(recent)-1].TVL
	if start == 0 {
		return 0
	}
	return (end - start) / start * 100
}

// HHI is the Herfindahl-Hirschman index of venue shares rescaled to 0-100:
// 100 for a single venue, 50 for two equal venues.
func HHI(breakdown []protocol.ChainBreakdown) float64 {
	var h float64
	for _, c := range breakdown {
		s := c.Share / 100
		h += s * s
	}
	return h * 100
}

func (a *Assessor) tvlFactor(d *protocol.Data, now time.Time) Factor {
	tvl := d.TVL
	volatility := Volatility(d.History)
	trend := Trend(d.History, now)
	if d.Change30D != nil {
		trend = *d.Change30D
	}

	var size float64
	var sizeDetail string
	switch {
	case tvl >= tvlLarge:
		size, sizeDetail = 2, fmt.Sprintf("Large TVL (%s) indicates maturity", usdBillions(tvl))
	case tvl >= tvlMedium:
		size, sizeDetail = 4, fmt.Sprintf("Medium TVL ($%.0fM)", tvl/1e6)
	case tvl >= tvlSmall:
		size, sizeDetail = 6, fmt.Sprintf("Lower TVL ($%.0fM) - higher relative risk", tvl/1e6)
	default:
		size, sizeDetail = 8, fmt.Sprintf("Small TVL ($%.2fM) - early stage risk", tvl/1e6)
	}

	var vol float64
	var volDetail string
	switch {
	case volatility <= volatilityLow:
		vol, volDetail = 2, fmt.Sprintf("Low volatility (%.1f%%)", volatility*100)
	case volatility <= volatilityMedium:
		vol, volDetail = 5, fmt.Sprintf("Moderate volatility (%.1f%%)", volatility*100)
	default:
		vol, volDetail = 8, fmt.Sprintf("High volatility (%.1f%%)", volatility*100)
	}

	var tr float64
	var trendDetail string
	switch {
	case trend >= 10:
		tr, trendDetail = 2, fmt.Sprintf("Strong growth (%+.1f%% 30d)", trend)
	case trend >= -10:
		tr, trendDetail = 4, fmt.Sprintf("Stable (%+.1f%% 30d)", trend)
	case trend >= -30:
		tr, trendDetail = 6, fmt.Sprintf("Declining (%+.1f%% 30d)", trend)
	default:
		tr, trendDetail = 9, fmt.Sprintf("Sharp decline (%+.1f%% 30d)", trend)
	}

	return Factor{
		Key:         FactorTVL,
		Name:        "TVL Risk",
		Score:       size*0.4 + vol*0.3 + tr*0.3,
		Weight:      a.weights.TVL,
		Description: fmt.Sprintf("TVL: %s | Volatility: %.1f%% | 30d: %+.1f%%", usdBillions(tvl), volatility*100, trend),
		Details:     fmt.Sprintf("%s. %s. %s.", sizeDetail, volDetail, trendDetail),
	}
}

func (a *Assessor) concentrationFactor(d *protocol.Data) Factor {
	f := Factor{Key: FactorConcentration, Name: "Chain Concentration", Weight: a.weights.Concentration}
	if len(d.Breakdown) == 0 {
		f.Score = NeutralScore
		f.Description = "Unable to analyze chain distribution"
		f.Details = "Chain TVL breakdown data unavailable"
		f.Unavailable = true
		return f
	}

	top := d.Breakdown[0]
	for _, c := range d.Breakdown[1:] {
		if c.Share > top.Share {
			top = c
		}
	}
	venues := d.VenueCount()

	var level string
	switch {
	case top.Share >= concentrationHigh:
		f.Score, level = 7, "High concentration"
	case top.Share >= concentrationModerate:
		f.Score, level = 5, "Moderate concentration"
	default:
		f.Score, level = 3, "Well diversified"
	}
	switch {
	case venues >= 5:
		f.Score = math.Max(2, f.Score-1.5)
	case venues >= 3:
		f.Score = math.Max(2, f.Score-0.5)
	}

	shown := d.Breakdown[:min(3, len(d.Breakdown))]
	parts := make([]string, len(shown))
	for i, c := range shown {
		parts[i] = fmt.Sprintf("%s: %.1f%%", c.Chain, c.Share)
	}

	f.Description = fmt.Sprintf("%d %s | Top: %s", venues, plural(venues, "chain", "chains"), strings.Join(parts, ", "))
	f.Details = fmt.Sprintf("%s. HHI: %.0f/100. Top chain (%s) has %.1f%% of TVL.", level, HHI(d.Breakdown), top.Chain, top.Share)
	return f
}

func (a *Assessor) auditFactor(d *protocol.Data) Factor {
	n := distinct(d.AuditLinks)
	if n == 0 && len(d.Audits) > 0 {
		n = 1
	}

	f := Factor{Key: FactorAudit, Name: "Audit Status", Weight: a.weights.Audit}
	switch {
	case n >= 3:
		f.Score = 2
		f.Description = fmt.Sprintf("Multiple audits (%d)", n)
		f.Details = "Well-audited protocol with multiple security reviews"
	case n >= 1:
		f.Score = 4
		f.Description = fmt.Sprintf("Audited (%d %s)", n, plural(n, "audit", "audits"))
		f.Details = "Has security audit(s) on record"
	default:
		f.Score = 8
		f.Description = "No audits found"
		f.Details = "No public audit records found - higher smart contract risk"
	}
	return f
}

func (a *Assessor) oracleFactor(d *protocol.Data) Factor {
	f := Factor{Key: FactorOracle, Name: "Oracle Risk", Weight: a.weights.Oracle}
	if len(d.Oracles) == 0 {
		f.Score = 4
		f.Description = "No oracle dependency detected"
		f.Details = "Protocol may not require price feeds or uses internal pricing"
		return f
	}

	trusted := false
	for _, o := range d.Oracles {
		if a.trusted[strings.ToLower(strings.TrimSpace(o))] {
			trusted = true
			break
		}
	}
	shown := strings.Join(d.Oracles[:min(3, len(d.Oracles))], ", ")
	if trusted {
		f.Score = 2
		f.Description = "Uses trusted oracle(s): " + shown
		f.Details = "Relies on established oracle infrastructure"
	} else {
		f.Score = 5
		f.Description = "Uses oracle(s): " + shown
		f.Details = "Oracle dependency present - verify oracle security"
	}
	return f
}

func (a *Assessor) incidentFactor(found []incidents.Incident, now time.Time) (Factor, incidents.History) {
	h := incidents.Summarize(found, now)
	f := Factor{Key: FactorIncidents, Name: "Incident History", Score: h.Score, Weight: a.weights.Incidents}
	if h.Count == 0 {
		f.Description = "No documented security incidents"
		f.Details = "Clean security track record with no major exploits on record"
		return f, h
	}

	lost := h.TotalLoss.InexactFloat64() / 1e6
	switch {
	case h.Critical > 0:
		f.Description = fmt.Sprintf("%d incident(s), %d critical ($%.1fM lost)", h.Count, h.Critical, lost)
	case h.High > 0:
		f.Description = fmt.Sprintf("%d incident(s), %d high severity ($%.1fM lost)", h.Count, h.High, lost)
	default:
		f.Description = fmt.Sprintf("%d incident(s) ($%.1fM lost)", h.Count, lost)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Most recent incident: %s (%d days ago). ", h.MostRecent.Title, h.DaysSinceMostRecent)
	if h.Unfixed > 0 {
		fmt.Fprintf(&b, "%d incident(s) not confirmed fixed. ", h.Unfixed)
	}
	switch {
	case h.Critical > 0:
		fmt.Fprintf(&b, "%d critical-severity exploit(s) indicate significant security risks.", h.Critical)
	case h.High > 0:
		fmt.Fprintf(&b, "%d high-severity incident(s) warrant careful review.", h.High)
	default:
		b.WriteString("Lower severity incidents - review for patterns.")
	}
	f.Details = b.String()
	return f, h
}

func usdBillions(v float64) string {
	return fmt.Sprintf("$%.2fB", v/1e9)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func distinct(in []string) int {
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		seen[strings.TrimSpace(s)] = struct{}{}
	}
	delete(seen, "")
	return len(seen)
}
