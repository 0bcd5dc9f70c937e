// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
)

// ErrInvalidCursor is returned for cursors this package did not mint.
var ErrInvalidCursor = apierr.New(apierr.KindValidation, "invalid_cursor", "invalid pagination cursor")

// Cursor is the (created_at, id) key of the last row of a page. The next
// page holds rows strictly older than it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
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
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// After reports whether a row keyed (createdAt, id) belongs on the page
// following c. A nil cursor admits every row.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

// Newer reports whether a row keyed (createdAt, id) sorts strictly after c
// in oldest-first order. A nil cursor admits every row.
func (c *Cursor) Newer(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.After(c.CreatedAt)
	}
	return id > c.ID
}

// Page is one newest-first page of rows.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// ComputePage trims rows fetched with limit+1 to limit and derives the next
// cursor from the last kept row.
func ComputePage[T any](rows []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return Page[T]{Items: rows, NextCursor: Encode(createdAt, id), HasMore: true}
}
