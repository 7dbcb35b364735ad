// Package pagination parses page parameters and encodes the keyset cursor used by order listings.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Cursor is the position after the last row of a page in (created_at DESC, id DESC) order.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool { return c.ID == "" }

type Params struct {
	PageSize  int
	PageToken string
}

// Options override the package defaults per endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

func FromRequest(r *http.Request, opts Options) (Params, error) {
	return Parse(r.URL.Query(), opts)
}

// Parse reads pageSize and pageToken. Oversized pages are clamped rather than rejected; a malformed
// token is rejected here so handlers answer 400 before touching storage.
func Parse(values url.Values, opts Options) (Params, error) {
	limit := positiveOr(opts.MaxPageSize, DefaultMaxPageSize)
	params := Params{
		PageSize:  min(positiveOr(opts.DefaultPageSize, DefaultPageSize), limit),
		PageToken: strings.TrimSpace(values.Get("pageToken")),
	}

	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			return Params{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidPageSize, raw)
		case n < 1:
			return Params{}, fmt.Errorf("%w: must be at least 1", ErrInvalidPageSize)
		}
		params.PageSize = min(n, limit)
	}
	if _, err := DecodeToken(params.PageToken); err != nil {
		return Params{}, err
	}
	return params, nil
}

// EncodeToken returns "" for the zero cursor.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.IsZero() {
		return "", nil
	}
	cursor.CreatedAt = cursor.CreatedAt.UTC()
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken maps "" to the zero cursor.
func DecodeToken(token string) (Cursor, error) {
	if token = strings.TrimSpace(token); token == "" {
		return Cursor{}, nil
	}
	var cursor Cursor
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err == nil {
		err = json.Unmarshal(data, &cursor)
	}
	if err == nil && cursor.IsZero() {
		err = errors.New("missing id")
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
