// Package normalize turns raw adapter candidates into canonical listings.
package normalize

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// RejectReason explains why a candidate was not admitted. The zero value means
// the candidate was accepted.
type RejectReason string

// Rejection reasons, also used as metric labels.
const (
	Accepted             RejectReason = ""
	RejectUnknownSource  RejectReason = "unknown_source"
	RejectMissingModel   RejectReason = "missing_model"
	RejectMissingPrice   RejectReason = "missing_price"
	RejectInvalidPrice   RejectReason = "invalid_price"
	RejectNonPositive    RejectReason = "non_positive_price"
	RejectPriceOutOfBand RejectReason = "price_out_of_range"
	RejectMissingURL     RejectReason = "missing_url"
	RejectInvalidURL     RejectReason = "invalid_url"
	RejectMissingTime    RejectReason = "missing_observed_at"
)

// Rejected reports whether the reason represents a rejection.
func (r RejectReason) Rejected() bool {
	return r != Accepted
}

// Options bounds what counts as a sane asking price. A zero MaxPrice means no
// upper bound.
type Options struct {
	MinPrice int64
	MaxPrice int64
}

// Normalizer validates and coerces candidates. It holds no mutable state.
type Normalizer struct {
	opts Options
}

// New builds a Normalizer.
func New(opts Options) *Normalizer {
	if opts.MinPrice < 1 {
		opts.MinPrice = 1
	}
	return &Normalizer{opts: opts}
}

var (
	numberPattern   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	exponentPattern = regexp.MustCompile(`\d\.?\d*[eE][+-]?\d`)
	yearPattern     = regexp.MustCompile(`\b(19|20|21)\d{2}\b`)
	spaceRun        = regexp.MustCompile(`\s+`)
)

// maxPriceDigits keeps parsed amounts well inside int64.
const maxPriceDigits = 15

// Normalize converts one candidate. It returns Accepted and the listing, or a
// rejection reason and a zero listing. ID is left empty for the caller.
func (n *Normalizer) Normalize(c tracker.RawCandidate) (tracker.CanonicalListing, RejectReason) {
	if !c.Source.Valid() {
		return tracker.CanonicalListing{}, RejectUnknownSource
	}
	if c.ModelID <= 0 {
		return tracker.CanonicalListing{}, RejectMissingModel
	}
	price, reason := n.parsePrice(c.Price)
	if reason.Rejected() {
		return tracker.CanonicalListing{}, reason
	}
	link, reason := parseURL(c.URL)
	if reason.Rejected() {
		return tracker.CanonicalListing{}, reason
	}
	if c.ObservedAt.IsZero() {
		return tracker.CanonicalListing{}, RejectMissingTime
	}
	return tracker.CanonicalListing{
		ModelID:   c.ModelID,
		Source:    c.Source,
		Price:     price,
		Mileage:   ParseMileage(c.Mileage),
		Year:      ParseYear(c.Year),
		Location:  cleanText(c.Location),
		Title:     cleanText(c.Title),
		URL:       link,
		ScrapedAt: c.ObservedAt.UTC(),
	}, Accepted
}

func (n *Normalizer) parsePrice(raw string) (int64, RejectReason) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, RejectMissingPrice
	}
	cleaned := strings.NewReplacer("$", "", ",", "", "USD", "", " ", "", "\u00a0", "").Replace(raw)
	// Currency text never carries an exponent.
	if exponentPattern.MatchString(cleaned) {
		return 0, RejectInvalidPrice
	}
	match := numberPattern.FindString(cleaned)
	if match == "" {
		return 0, RejectInvalidPrice
	}
	negative := strings.HasPrefix(match, "-")
	whole, _, _ := strings.Cut(strings.TrimPrefix(match, "-"), ".")
	if len(strings.TrimLeft(whole, "0")) > maxPriceDigits {
		if negative {
			return 0, RejectNonPositive
		}
		return 0, RejectPriceOutOfBand
	}
	amount, err := decimal.NewFromString(match)
	if err != nil {
		return 0, RejectInvalidPrice
	}
	rounded := amount.Round(0)
	if !rounded.IsPositive() {
		return 0, RejectNonPositive
	}
	value := rounded.IntPart()
	if value < n.opts.MinPrice {
		return 0, RejectPriceOutOfBand
	}
	if n.opts.MaxPrice > 0 && value > n.opts.MaxPrice {
		return 0, RejectPriceOutOfBand
	}
	return value, Accepted
}

func parseURL(raw string) (string, RejectReason) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", RejectMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", RejectInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", RejectInvalidURL
	}
	u.Fragment = ""
	return u.String(), Accepted
}

// ParseMileage reads odometer text such as "12,345 mi" or "12.3k miles".
// Anything unparseable yields nil.
func ParseMileage(raw string) *int {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return nil
	}
	cleaned := strings.ReplaceAll(raw, ",", "")
	match := numberPattern.FindString(cleaned)
	if match == "" {
		return nil
	}
	value, err := decimal.NewFromString(match)
	if err != nil || value.IsNegative() {
		return nil
	}
	rest := strings.TrimSpace(cleaned[strings.Index(cleaned, match)+len(match):])
	if strings.HasPrefix(rest, "k") {
		value = value.Mul(decimal.NewFromInt(1000))
	}
	miles := int(value.Round(0).IntPart())
	return &miles
}

// ParseYear extracts a four digit model year between 1900 and 2199.
func ParseYear(raw string) *int {
	match := yearPattern.FindString(raw)
	if match == "" {
		return nil
	}
	year, err := strconv.Atoi(match)
	if err != nil {
		return nil
	}
	return &year
}

func cleanText(raw string) *string {
	out := strings.TrimSpace(spaceRun.ReplaceAllString(raw, " "))
	if out == "" {
		return nil
	}
	return &out
}
