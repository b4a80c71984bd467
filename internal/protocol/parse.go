package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// historyLimit is how many trailing TVL samples are kept.
const historyLimit = 90

// aggregateKeys appear in currentChainTvls alongside real venues and must
// not be counted as value locked.
var aggregateKeys = map[string]bool{"borrowed": true, "staking": true, "pool2": true}

var aggregateSuffixes = []string{"-borrowed", "-staking", "-pool2"}

type rawProtocol struct {
	Name             string                     `json:"name"`
	Symbol           string                     `json:"symbol"`
	Category         string                     `json:"category"`
	Description      string                     `json:"description"`
	URL              string                     `json:"url"`
	Address          string                     `json:"address"`
	GeckoID          string                     `json:"gecko_id"`
	Twitter          string                     `json:"twitter"`
	Mcap             *float64                   `json:"mcap"`
	Chains           []string                   `json:"chains"`
	CurrentChainTvls map[string]json.RawMessage `json:"currentChainTvls"`
	TVL              json.RawMessage            `json:"tvl"`
	Audits           json.RawMessage            `json:"audits"`
	AuditLinks       []string                   `json:"audit_links"`
	Oracles          []string                   `json:"oracles"`
	Change1D         *float64                   `json:"change_1d"`
	Change7D         *float64                   `json:"change_7d"`
	Change1M         *float64                   `json:"change_1m"`
}

type rawPoint struct {
	Date              *float64 `json:"date"`
	TotalLiquidityUSD *float64 `json:"totalLiquidityUSD"`
}

// ParseProtocol converts a /protocol/{slug} payload into Data. Malformed
// optional fields are dropped; a payload that is not a JSON object fails.
func ParseProtocol(slug string, body []byte) (*Data, error) {
	var raw rawProtocol
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode protocol %q: %w", ErrUpstream, slug, err)
	}

	d := &Data{
		Name:        raw.Name,
		Slug:        slug,
		Symbol:      raw.Symbol,
		Category:    raw.Category,
		Description: raw.Description,
		URL:         raw.URL,
		Address:     checksumAddress(raw.Address),
		GeckoID:     raw.GeckoID,
		Twitter:     raw.Twitter,
		MarketCap:   raw.Mcap,
		Change1D:    finite(raw.Change1D),
		Change7D:    finite(raw.Change7D),
		Change30D:   finite(raw.Change1M),
		Chains:      nonEmpty(raw.Chains),
		AuditLinks:  nonEmpty(raw.AuditLinks),
		Oracles:     nonEmpty(raw.Oracles),
		History:     parseHistory(raw.TVL),
	}
	if d.Name == "" {
		d.Name = slug
	}
	if a := parseAuditFirms(raw.Audits); a != "" {
		d.Audits = []string{a}
	}

	d.Breakdown, d.TVL = parseBreakdown(raw.CurrentChainTvls)
	if d.TVL == 0 && len(d.History) > 0 {
		d.TVL = d.History[len(d.History)-1].TVL
	}
	return d, nil
}

func parseBreakdown(raw map[string]json.RawMessage) ([]ChainBreakdown, float64) {
	var (
		out   []ChainBreakdown
		total float64
	)
	for chain, msg := range raw {
		if isAggregateKey(chain) {
			continue
		}
		var v float64
		if err := json.Unmarshal(msg, &v); err != nil || !(v > 0) || math.IsInf(v, 0) {
			continue
		}
		total += v
		out = append(out, ChainBreakdown{Chain: chain, TVL: v})
	}
	if total > 0 {
		for i := range out {
			out[i].Share = out[i].TVL / total * 100
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TVL != out[j].TVL {
			return out[i].TVL > out[j].TVL
		}
		return out[i].Chain < out[j].Chain
	})
	return out, total
}

func isAggregateKey(chain string) bool {
	if aggregateKeys[chain] {
		return true
	}
	for _, s := range aggregateSuffixes {
		if strings.HasSuffix(chain, s) {
			return true
		}
	}
	return false
}

// parseHistory keeps the last historyLimit well-formed samples in
// ascending date order.
func parseHistory(raw json.RawMessage) []TVLPoint {
	if len(raw) == 0 {
		return nil
	}
	var points []json.RawMessage
	if err := json.Unmarshal(raw, &points); err != nil {
		// Some listings carry a scalar tvl instead of a series.
		return nil
	}
	if len(points) > historyLimit {
		points = points[len(points)-historyLimit:]
	}

	out := make([]TVLPoint, 0, len(points))
	for _, p := range points {
		var rp rawPoint
		if err := json.Unmarshal(p, &rp); err != nil || rp.Date == nil {
			continue
		}
		tvl := 0.0
		if rp.TotalLiquidityUSD != nil && *rp.TotalLiquidityUSD > 0 {
			tvl = *rp.TotalLiquidityUSD
		}
		out = append(out, TVLPoint{
			Date: time.Unix(int64(*rp.Date), 0).UTC(),
			TVL:  tvl,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// parseAuditFirms reads the "audits" field, which DefiLlama encodes as a
// string count ("0", "2") and occasionally as a number.
func parseAuditFirms(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return ""
		}
		s = strconv.FormatFloat(n, 'f', -1, 64)
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return ""
	}
	return s
}

// checksumAddress strips an optional "chain:" prefix and returns the EIP-55
// form of an EVM address. Non-EVM addresses are returned unchanged.
func checksumAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || addr == "-" {
		return ""
	}
	bare := addr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		bare = addr[i+1:]
	}
	if common.IsHexAddress(bare) {
		return common.HexToAddress(bare).Hex()
	}
	return addr
}

// ParseSummaries converts the /protocols listing.
func ParseSummaries(body []byte) ([]Summary, error) {
	var raw []struct {
		Name     string          `json:"name"`
		Slug     string          `json:"slug"`
		Category string          `json:"category"`
		TVL      json.RawMessage `json:"tvl"`
		Chains   []string        `json:"chains"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode protocol list: %w", ErrUpstream, err)
	}

	out := make([]Summary, 0, len(raw))
	for _, r := range raw {
		if r.Slug == "" {
			continue
		}
		var tvl float64
		_ = json.Unmarshal(r.TVL, &tvl)
		out = append(out, Summary{
			Name:     r.Name,
			Slug:     r.Slug,
			Category: r.Category,
			TVL:      tvl,
			Chains:   r.Chains,
		})
	}
	return out, nil
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
