// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors that were not produced by Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (createdAt, id) key of the last row a client has seen.
// CreatedAt is a unix timestamp in seconds.
type Cursor struct {
	CreatedAt int64
	ID        string
}

// Before reports whether the row (createdAt, id) sorts after c in a
// createdAt DESC, id DESC listing.
func (c *Cursor) Before(createdAt int64, id string) bool {
	if c == nil {
		return true
	}
	if createdAt != c.CreatedAt {
		return createdAt < c.CreatedAt
	}
	return id < c.ID
}

// Encode returns an opaque cursor string.
func Encode(createdAt int64, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt, id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, ErrInvalidCursor
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: ts, ID: parts[1]}, nil
}

// ComputePage takes items fetched with limit+1 and returns the trimmed
// page, the cursor for the next page and whether there is one.
func ComputePage[T any](items []T, limit int, key func(T) (int64, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
