// Package query holds the list-endpoint plumbing shared by wallets and
// transactions: pagination, sort keys and numeric range filters.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

const (
	// DefaultPageSize applies when page[size] is absent.
	DefaultPageSize = 10
	// MaxPageSize caps page[size].
	MaxPageSize = 100
)

// MaxDigits is the number of integer digits a NUMERIC(18,0) column holds. It
// also caps the fractional digits accepted in a parsed number.
const MaxDigits = 18

// maxCoefficientBits is well above any coefficient that can pass MaxDigits
// and keeps NumDigits away from huge literals.
const maxCoefficientBits = 4096

var (
	// ErrTooLarge is returned for numbers with more than MaxDigits integer digits.
	ErrTooLarge = errors.New("number too large")
	// ErrTooPrecise is returned for numbers with more than MaxDigits fractional digits.
	ErrTooPrecise = errors.New("number has too many fractional digits")
)

// Bound checks the magnitude of d from its coefficient and exponent alone, so
// inputs such as 1e200000000 or 0e-2000000000 are refused or canonicalised
// without being expanded. Zero is returned as decimal.Zero.
func Bound(d decimal.Decimal) (decimal.Decimal, error) {
	if d.IsZero() {
		return decimal.Zero, nil
	}
	exp := int(d.Exponent())
	if exp < -MaxDigits {
		return decimal.Decimal{}, ErrTooPrecise
	}
	if d.Coefficient().BitLen() > maxCoefficientBits || d.NumDigits()+exp > MaxDigits {
		return decimal.Decimal{}, ErrTooLarge
	}
	return d, nil
}

// Page selects one window of a sorted result set.
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of rows skipped before this page.
func (p Page) Offset() int {
	if p.Number < 1 || p.Size <= 0 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// All is a page without a size limit.
var All = Page{Number: 1}

// Result is one page of items together with the total match count.
type Result[T any] struct {
	Items []T
	Total int64
	Page  Page
}

// Pages returns the number of pages needed for Total items.
func (r Result[T]) Pages() int64 {
	if r.Page.Size <= 0 {
		return 0
	}
	pages := r.Total / int64(r.Page.Size)
	if r.Total%int64(r.Page.Size) > 0 {
		pages++
	}
	return pages
}

// Window slices items according to p. A non-positive size keeps every item.
func Window[T any](items []T, p Page) []T {
	if p.Size <= 0 {
		return items
	}
	start := p.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + p.Size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// ParsePage reads page[number] and page[size] from the request.
func ParsePage(c *fiber.Ctx) (Page, error) {
	p := Page{Number: 1, Size: DefaultPageSize}
	if v := c.Query("page[number]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("invalid page[number] %q", v)
		}
		p.Number = n
	}
	if v := c.Query("page[size]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("invalid page[size] %q", v)
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		p.Size = n
	}
	return p, nil
}

// Sort is an ordering key; Desc is set by a leading '-'.
type Sort struct {
	Field string
	Desc  bool
}

// ParseSort reads the sort parameter and validates it against allowed.
func ParseSort(c *fiber.Ctx, allowed ...string) (Sort, error) {
	raw := strings.TrimSpace(c.Query("sort"))
	if raw == "" {
		return Sort{}, nil
	}
	s := Sort{Field: strings.TrimPrefix(raw, "-"), Desc: strings.HasPrefix(raw, "-")}
	for _, a := range allowed {
		if a == s.Field {
			return s, nil
		}
	}
	return Sort{}, fmt.Errorf("unsupported sort %q", raw)
}

// Range filters a numeric column. Nil bounds are ignored.
type Range struct {
	Exact *decimal.Decimal
	Lt    *decimal.Decimal
	Gt    *decimal.Decimal
	Gte   *decimal.Decimal
	Lte   *decimal.Decimal
}

// Contains reports whether v satisfies every bound.
func (r Range) Contains(v decimal.Decimal) bool {
	switch {
	case r.Exact != nil && !v.Equal(*r.Exact):
		return false
	case r.Lt != nil && !v.LessThan(*r.Lt):
		return false
	case r.Gt != nil && !v.GreaterThan(*r.Gt):
		return false
	case r.Gte != nil && v.LessThan(*r.Gte):
		return false
	case r.Lte != nil && v.GreaterThan(*r.Lte):
		return false
	}
	return true
}

// ParseRange reads field, field__lt, field__gt, field__gte and field__lte.
func ParseRange(c *fiber.Ctx, field string) (Range, error) {
	var r Range
	targets := []struct {
		suffix string
		dst    **decimal.Decimal
	}{
		{"", &r.Exact},
		{"__lt", &r.Lt},
		{"__gt", &r.Gt},
		{"__gte", &r.Gte},
		{"__lte", &r.Lte},
	}
	for _, t := range targets {
		name := field + t.suffix
		v := c.Query(name)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return Range{}, fmt.Errorf("invalid %s %q", name, v)
		}
		if d, err = Bound(d); err != nil {
			return Range{}, fmt.Errorf("invalid %s: %w", name, err)
		}
		*t.dst = &d
	}
	return r, nil
}
