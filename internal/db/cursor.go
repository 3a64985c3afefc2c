package db

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Cursor resumes a listing right after the row with this (sort key, id).
type Cursor struct {
	SortKey int64  `json:"k"`
	ID      string `json:"id"`
}

func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ID == "" {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// page trims a limit+1 result set and derives the next cursor from the last
// row that is actually returned.
func page[T any](rows []T, limit int, key func(T) Cursor) ([]T, *string, bool) {
	if len(rows) <= limit {
		return rows, nil, false
	}
	rows = rows[:limit]
	next := key(rows[len(rows)-1]).Encode()
	return rows, &next, true
}
