// Package protocol fetches protocol telemetry from DefiLlama and converts the
// loosely-typed payloads into the strict model used by the risk assessors.
package protocol

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound means the query matched no protocol. Fatal to that one
	// assessment and surfaced to the caller.
	ErrNotFound = errors.New("protocol not found")

	// ErrUpstream covers transport, status, circuit and decode failures of
	// the data source. Never cached.
	ErrUpstream = errors.New("protocol data source unavailable")
)

// ChainBreakdown is the value locked on one venue.
type ChainBreakdown struct {
	Chain string  `json:"chain"`
	TVL   float64 `json:"tvl"`
	Share float64 `json:"share"` // percent of total, 0-100
}

// TVLPoint is one sample of the value-locked time series.
type TVLPoint struct {
	Date time.Time `json:"date"`
	TVL  float64   `json:"tvl"`
}

// Summary is one entry of the protocol listing, used for name resolution.
type Summary struct {
	Name     string   `json:"name"`
	Slug     string   `json:"slug"`
	Category string   `json:"category,omitempty"`
	TVL      float64  `json:"tvl"`
	Chains   []string `json:"chains,omitempty"`
}

// Data is the parsed state of a single protocol.
type Data struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Symbol      string `json:"symbol,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	// Address is the governance/token contract, EIP-55 checksummed when it
	// is an EVM address.
	Address   string   `json:"address,omitempty"`
	GeckoID   string   `json:"gecko_id,omitempty"`
	Twitter   string   `json:"twitter,omitempty"`
	MarketCap *float64 `json:"mcap,omitempty"`

	TVL       float64  `json:"tvl"`
	Change1D  *float64 `json:"change_1d,omitempty"`
	Change7D  *float64 `json:"change_7d,omitempty"`
	Change30D *float64 `json:"change_30d,omitempty"`

	Chains     []string         `json:"chains"`
	Breakdown  []ChainBreakdown `json:"chain_breakdown"` // sorted by TVL descending
	History    []TVLPoint       `json:"history"`         // ascending by date
	Audits     []string         `json:"audits,omitempty"`
	AuditLinks []string         `json:"audit_links,omitempty"`
	Oracles    []string         `json:"oracles,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// VenueCount returns the number of venues the protocol is deployed on,
// preferring the declared chain list over the value breakdown.
func (d *Data) VenueCount() int {
	if len(d.Chains) > 0 {
		return len(d.Chains)
	}
	return len(d.Breakdown)
}

// Clone returns a deep copy of d.
func (d *Data) Clone() *Data {
	if d == nil {
		return nil
	}
	cp := *d
	cp.MarketCap = clonePtr(d.MarketCap)
	cp.Change1D = clonePtr(d.Change1D)
	cp.Change7D = clonePtr(d.Change7D)
	cp.Change30D = clonePtr(d.Change30D)
	cp.Chains = slices.Clone(d.Chains)
	cp.Breakdown = slices.Clone(d.Breakdown)
	cp.History = slices.Clone(d.History)
	cp.Audits = slices.Clone(d.Audits)
	cp.AuditLinks = slices.Clone(d.AuditLinks)
	cp.Oracles = slices.Clone(d.Oracles)
	return &cp
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneSummaries(in []Summary) []Summary {
	out := slices.Clone(in)
	for i := range out {
		out[i].Chains = slices.Clone(out[i].Chains)
	}
	return out
}
