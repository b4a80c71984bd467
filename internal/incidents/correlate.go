package incidents

import (
	"sort"
	"strings"

	"github.com/mbd888/defirisk/internal/identity"
)

// DefaultMinPartialLen is the shortest base token allowed to take part in
// partial matching. Shorter bases ("a", "0x") match far too much.
const DefaultMinPartialLen = 3

// Match is the tier that attributed a record to a protocol.
type Match int

const (
	MatchNone Match = iota
	MatchExact
	MatchPartial
	MatchTag
)

func (m Match) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPartial:
		return "partial"
	case MatchTag:
		return "tag"
	default:
		return "none"
	}
}

// Correlator selects the feed records that belong to a protocol.
//
// Partial matching trades precision for recall: "cream" finds
// "cream-finance-rekt-2", but "aave" also finds "aavegotchi".
type Correlator struct {
	minPartialLen int
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithMinPartialLen sets the partial-tier base token length guard. Zero
// or less disables the guard.
func WithMinPartialLen(n int) CorrelatorOption {
	return func(c *Correlator) { c.minPartialLen = n }
}

// NewCorrelator creates a Correlator.
func NewCorrelator(opts ...CorrelatorOption) *Correlator {
	c := &Correlator{minPartialLen: DefaultMinPartialLen}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type query struct {
	slug string // normalized
	name string // normalized
}

// Correlate returns the incidents attributed to the protocol identified by
// slug and display name, newest first.
func (c *Correlator) Correlate(slug, name string, records []Record) []Incident {
	q := query{slug: identity.Normalize(slug), name: identity.Normalize(name)}
	if q.slug == "" && q.name == "" {
		return nil
	}

	var out []Incident
	for _, r := range records {
		if c.match(q, r) != MatchNone {
			out = append(out, newIncident(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

// Match reports which tier, if any, attributes r to the protocol.
func (c *Correlator) Match(slug, name string, r Record) Match {
	return c.match(query{slug: identity.Normalize(slug), name: identity.Normalize(name)}, r)
}

func (c *Correlator) match(q query, r Record) Match {
	rs := identity.Normalize(r.Slug)
	rp := identity.Normalize(r.Protocol)

	if equalsAny(rs, q.slug, q.name) || equalsAny(rp, q.slug, q.name) {
		return MatchExact
	}
	if c.partial(q, rs, rp) {
		return MatchPartial
	}
	for _, tag := range r.Tags {
		if equalsAny(identity.Normalize(tag), q.slug, q.name) {
			return MatchTag
		}
	}
	return MatchNone
}

// partial compares the query's base token with the base of the record's
// slug and name. Bases match when equal or when one prefixes the other.
func (c *Correlator) partial(q query, fields ...string) bool {
	qs := q.slug
	if qs == "" {
		qs = q.name
	}
	qb := identity.Base(qs)
	if !c.eligible(qb) {
		return false
	}
	for _, f := range fields {
		fb := identity.Base(f)
		if !c.eligible(fb) {
			continue
		}
		if strings.HasPrefix(fb, qb) || strings.HasPrefix(qb, fb) {
			return true
		}
	}
	return false
}

func (c *Correlator) eligible(base string) bool {
	return base != "" && len(base) >= c.minPartialLen
}

func equalsAny(token string, candidates ...string) bool {
	if token == "" {
		return false
	}
	for _, c := range candidates {
		if token == c {
			return true
		}
	}
	return false
}
