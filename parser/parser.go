// Package parser converts raw scraped text into typed field values and gates
// records before they reach storage.
package parser

import (
	"errors"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mila1515/bookcrawl/models"
)

// Rejection reasons returned by Validate. Callers branch with errors.Is; a
// rejection drops the record and never aborts the run.
var (
	ErrNilBook      = errors.New("book is nil")
	ErrMissingTitle = errors.New("book missing title")
	ErrMissingURL   = errors.New("book missing url")
)

// Validate ensures the crawler captured the mandatory fields.
func Validate(b *models.Book) error {
	if b == nil {
		return ErrNilBook
	}
	if strings.TrimSpace(b.Title) == "" {
		return ErrMissingTitle
	}
	if strings.TrimSpace(b.URL) == "" {
		return ErrMissingURL
	}
	return nil
}

var (
	priceStrip     = regexp.MustCompile(`[^0-9.,-]`)
	stockAvailable = regexp.MustCompile(`\((\d+)\s+available\)`)
	spaces         = regexp.MustCompile(`\s+`)
)

// NormalizePrice strips currency symbols and whitespace, converts a comma
// decimal separator to a period and parses the remainder as a two-decimal
// price. Returns nil when the text does not contain a usable number.
func NormalizePrice(raw string) *float64 {
	cleaned := priceStrip.ReplaceAllString(raw, "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" {
		return nil
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || value < 0 {
		return nil
	}

	rounded := math.Round(value*100) / 100
	return &rounded
}

// NormalizeStock resolves availability text fragments to a stock count.
// Fragments are trimmed and joined with single spaces before matching.
// "(N available)" yields N; bare "in stock" yields StockUnknown, since the
// site confirms availability without a count and 0 would mean out-of-stock;
// anything else yields 0.
func NormalizeStock(parts ...string) int {
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			fields = append(fields, part)
		}
	}
	text := spaces.ReplaceAllString(strings.Join(fields, " "), " ")
	if text == "" {
		return 0
	}

	if m := stockAvailable.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n
		}
	}
	if strings.Contains(strings.ToLower(text), "in stock") {
		return models.StockUnknown
	}
	return 0
}

var ratingWords = []struct {
	word  string
	value int
}{
	{"five", 5},
	{"four", 4},
	{"three", 3},
	{"two", 2},
	{"one", 1},
}

// NormalizeRating converts a rating label to its 1-5 ordinal. Numeric input
// is truncated and clamped into [1,5]; word labels ("star-rating Three") are
// matched case-insensitively. Unrecognised input returns nil (unrated).
func NormalizeRating(raw string) *int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	if value, err := strconv.ParseFloat(trimmed, 64); err == nil {
		rating := ClampRating(int(value))
		return &rating
	}

	lowered := strings.ToLower(trimmed)
	for _, entry := range ratingWords {
		if strings.Contains(lowered, entry.word) {
			rating := entry.value
			return &rating
		}
	}
	return nil
}

// ClampRating forces a numeric rating into the closed range [1,5].
func ClampRating(value int) int {
	if value < 1 {
		return 1
	}
	if value > 5 {
		return 5
	}
	return value
}

// AbsoluteURL resolves a possibly-relative href against the page's base URL.
// Returns the input unchanged when either side does not parse.
func AbsoluteURL(raw, base string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return baseURL.ResolveReference(ref).String()
}
