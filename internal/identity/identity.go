// Package identity canonicalizes free-text protocol names so records from
// sources with no shared identifier scheme can be compared for equality.
//
// "Cream Finance", "cream-finance" and "cream" all normalize to "cream".
package identity

import (
	"regexp"
	"strings"
	"unicode"
)

// qualifierPattern matches one generic trailing qualifier, separated from the
// rest of the name by whitespace or hyphens.
var qualifierPattern = regexp.MustCompile(`[\s\-]+(finance|protocol|defi|network|v\d+)$`)

// Normalize maps a name to its canonical matching token. It never fails:
// empty input yields the empty token.
func Normalize(name string) string {
	if name == "" {
		return ""
	}

	s := strings.ToLower(strings.TrimSpace(name))

	// At most one qualifier is removed.
	s = qualifierPattern.ReplaceAllString(s, "")

	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if sep && b.Len() > 0 {
				b.WriteByte('-')
			}
			sep = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			sep = true
		}
	}

	return strings.Trim(b.String(), "-")
}

// Base returns the part of a normalized token before its first hyphen.
func Base(token string) string {
	if i := strings.IndexByte(token, '-'); i >= 0 {
		return token[:i]
	}
	return token
}

// Equal reports whether two names share a non-empty canonical token.
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}
