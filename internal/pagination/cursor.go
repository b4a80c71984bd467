// Package pagination provides keyset cursors over (timestamp, id) ordered
// result sets, newest first.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for a cursor that was not produced by Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a page. The next page starts strictly after
// it in (At DESC, ID DESC) order.
type Cursor struct {
	At time.Time
	ID string
}

// After reports whether a row at (at, id) belongs on a page following c.
func (c *Cursor) After(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return id < c.ID
}

// Encode returns an opaque cursor string for a row.
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor string. Empty input means the first page and
// yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor for the next page, or "" when there is none.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id)
}
