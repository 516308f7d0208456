// Package pagination reads page parameters from URL query strings and cuts
// the matching window out of an in-memory list. Lists are expected newest
// first; the "oldest" sort reverses the window source before slicing.
package pagination

import (
	"net/url"
	"slices"
	"strconv"
)

// Params holds the resolved page request.
type Params struct {
	Page   int    // 1-based
	Limit  int    // items per page
	Offset int    // derived from Page and Limit
	Sort   string // "newest" or "oldest"
}

const (
	// MaxLimit caps the page size a client can ask for.
	MaxLimit = 100
	// DefaultPage is used when the query has no usable page.
	DefaultPage = 1
	// DefaultLimit is used when the query has no usable limit.
	DefaultLimit = 20
	// DefaultSort keeps the list in its stored order.
	DefaultSort = "newest"
)

func calculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func isValidSort(sort string) bool {
	switch sort {
	case "newest", "oldest":
		return true
	default:
		return false
	}
}

// Option adjusts the defaults before the query is applied.
type Option func(*Params)

// WithDefaultLimit sets the page size used when the query carries none.
// Non-positive values are ignored.
func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// FromQuery extracts page, limit and sort from q. Invalid values fall back
// to the defaults and the limit is capped at MaxLimit.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}
	for _, opt := range opts {
		opt(&params)
	}

	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		params.Page = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		params.Limit = v
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	params.Offset = calculateOffset(params.Page, params.Limit)

	if sort := q.Get("sort"); isValidSort(sort) {
		params.Sort = sort
	}
	return params
}

// Window returns the page of items described by p and whether more items
// follow it.
func Window[T any](items []T, p Params) ([]T, bool) {
	source := items
	if p.Sort == "oldest" {
		source = slices.Clone(items)
		slices.Reverse(source)
	}
	if p.Offset >= len(source) {
		return []T{}, false
	}
	end := min(p.Offset+p.Limit, len(source))
	return source[p.Offset:end], HasNext(p.Offset, p.Limit, len(source))
}

// HasNext reports whether items remain after the current page.
func HasNext(offset, limit, count int) bool {
	return offset+limit < count
}
