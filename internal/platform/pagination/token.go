package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cursor is the keyset position of the last item on a page. Listings are ordered by
// (CreatedAt, ID) so the pair is unique and stable under concurrent inserts.
type Cursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// Before reports whether a row keyed by (createdAt, id) sorts at or before the cursor and
// therefore belongs to an earlier page.
func (c Cursor) Before(createdAt time.Time, id string) bool {
	if c.IsZero() {
		return false
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id <= c.ID
}

// EncodeToken serialises the cursor into a base64 URL-safe page token.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.IsZero() {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken. An empty token yields the zero cursor.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.ID == "" {
		return Cursor{}, fmt.Errorf("%w: missing id", ErrInvalidPageToken)
	}
	return cursor, nil
}

// Trim cuts a result fetched with limit pageSize+1 down to pageSize and returns the token for
// the following page, or "" when items was the last page.
func Trim[T any](items []T, pageSize int, key func(T) Cursor) ([]T, string, error) {
	pageSize = Normalize(pageSize)
	if len(items) <= pageSize {
		return items, "", nil
	}
	page := items[:pageSize]
	token, err := EncodeToken(key(page[len(page)-1]))
	if err != nil {
		return nil, "", err
	}
	return page, token, nil
}
