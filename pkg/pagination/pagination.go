// Package pagination windows list endpoints with limit/offset query
// parameters.
package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a limit/offset window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing values take the defaults,
// a limit above MaxLimit is clamped, and anything non-numeric or negative is
// an error.
func FromContext(c echo.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}

	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return Params{}, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		p.Limit = min(limit, MaxLimit)
	}
	if raw := c.QueryParam("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return Params{}, fmt.Errorf("offset must be a non-negative integer, got %q", raw)
		}
		p.Offset = offset
	}
	return p, nil
}

// Slice returns the window of items selected by p. The result never aliases
// items.
func Slice[T any](items []T, p Params) []T {
	start := min(p.Offset, len(items))
	end := min(start+p.Limit, len(items))
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}

// Response is one page of a list endpoint.
type Response[T any] struct {
	Data    []T    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Links   []Link `json:"links,omitempty"`
}

// Link is a navigation link to a neighbouring page.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// NewResponse wraps a page. When self is non-nil, self/next/previous links
// are built from it, keeping any other query parameters.
func NewResponse[T any](data []T, total int, p Params, self *url.URL) Response[T] {
	if data == nil {
		data = []T{}
	}
	r := Response[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+p.Limit < total,
	}
	if self == nil {
		return r
	}

	r.Links = append(r.Links, Link{Relation: "self", URL: withWindow(self, p.Limit, p.Offset)})
	if r.HasMore {
		r.Links = append(r.Links, Link{Relation: "next", URL: withWindow(self, p.Limit, p.Offset+p.Limit)})
	}
	if p.Offset > 0 {
		r.Links = append(r.Links, Link{Relation: "previous", URL: withWindow(self, p.Limit, max(p.Offset-p.Limit, 0))})
	}
	return r
}

func withWindow(u *url.URL, limit, offset int) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return (&url.URL{Path: u.Path, RawQuery: q.Encode()}).String()
}
