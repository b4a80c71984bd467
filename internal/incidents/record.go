package incidents

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is a validated feed entry. ParseRecord is the only constructor
// that accepts untyped input.
type Record struct {
	Protocol    string
	Slug        string
	Amount      decimal.Decimal // USD, >= 0
	Date        time.Time
	Title       string
	Description string
	Tags        []string
	AuditStatus string
	Fixed       bool
	URL         string
}

func (r Record) clone() Record {
	r.Tags = append([]string(nil), r.Tags...)
	return r
}

var amountPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)([KMB])?`)

var multipliers = map[string]decimal.Decimal{
	"K": decimal.NewFromInt(1_000),
	"M": decimal.NewFromInt(1_000_000),
	"B": decimal.NewFromInt(1_000_000_000),
}

var million = decimal.NewFromInt(1_000_000)

// dateLayouts are tried in order. Day-first numeric dates win over
// month-first when both parse.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"January 2, 2006",
	"2 January 2006",
}

// ParseRecord converts one loosely-typed feed object. origin resolves
// relative URLs; fetchedAt stands in for a missing or unparseable date.
// Records naming neither a protocol nor a slug fail with ErrMalformedRecord.
func ParseRecord(raw map[string]any, origin *url.URL, fetchedAt time.Time) (Record, error) {
	r := Record{
		Protocol:    str(raw["protocol"]),
		Slug:        str(raw["slug"]),
		Title:       str(raw["title"]),
		Description: str(raw["description"]),
		AuditStatus: str(raw["audit_status"]),
		URL:         resolveURL(str(raw["url"]), origin),
		Amount:      parseAmount(raw["amount"]),
		Tags:        parseTags(raw["tags"]),
		Fixed:       parseBool(raw["fixed"]),
	}

	if r.Slug == "" && r.URL != "" {
		r.Slug = slugFromURL(r.URL)
	}
	if r.Protocol == "" && r.Slug == "" {
		return Record{}, fmt.Errorf("%w: no protocol or slug", ErrMalformedRecord)
	}
	if r.Protocol == "" {
		r.Protocol = r.Slug
	}

	if d, ok := parseDate(raw["date"]); ok {
		r.Date = d
	} else {
		r.Date = fetchedAt
	}

	if r.Title == "" {
		r.Title = defaultTitle(r.Protocol, r.Amount)
	}
	return r, nil
}

// ParseRecords parses a batch, skipping malformed entries. It returns the
// kept records and the number skipped.
func ParseRecords(raws []map[string]any, origin *url.URL, fetchedAt time.Time) ([]Record, int) {
	out := make([]Record, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		r, err := ParseRecord(raw, origin, fetchedAt)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, r)
	}
	return out, skipped
}

func defaultTitle(protocol string, amount decimal.Decimal) string {
	if !amount.IsPositive() {
		return protocol
	}
	return fmt.Sprintf("%s - $%sM", protocol, amount.Div(million).StringFixed(1))
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// parseAmount accepts a JSON number or a display string such as
// "$14,847,374,246" or "1.2M". Anything else, including negatives, is zero.
func parseAmount(v any) decimal.Decimal {
	switch x := v.(type) {
	case float64:
		if x <= 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero
		}
		return decimal.NewFromFloat(x)
	case string:
		s := strings.ToUpper(x)
		s = strings.NewReplacer("$", "", ",", "", " ", "", "\t", "").Replace(s)
		if strings.HasPrefix(s, "-") {
			return decimal.Zero
		}
		m := amountPattern.FindStringSubmatch(s)
		if m == nil {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(m[1])
		if err != nil {
			return decimal.Zero
		}
		if mult, ok := multipliers[m[2]]; ok {
			d = d.Mul(mult)
		}
		return d
	}
	return decimal.Zero
}

func parseDate(v any) (time.Time, bool) {
	switch x := v.(type) {
	case float64:
		if x <= 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			return time.Time{}, false
		}
		return time.Unix(int64(x), 0).UTC(), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func parseTags(v any) []string {
	var raw []string
	switch x := v.(type) {
	case []any:
		for _, t := range x {
			if s, ok := t.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = x
	case string:
		raw = strings.Split(x, ",")
	}

	var out []string
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "fixed", "1":
			return true
		}
	}
	return false
}

func resolveURL(raw string, origin *url.URL) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if !u.IsAbs() && origin != nil {
		u = origin.ResolveReference(u)
	}
	return u.String()
}

func slugFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}
