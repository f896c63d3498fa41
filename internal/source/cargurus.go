package source

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// CarGurus parses cargurus.com search results.
type CarGurus struct{}

// Source implements Site.
func (CarGurus) Source() tracker.Source { return tracker.SourceCarGurus }

// BaseURL implements Site.
func (CarGurus) BaseURL() string { return "https://www.cargurus.com" }

// SearchURL implements Site.
func (c CarGurus) SearchURL(model tracker.TrackedModel, settings tracker.Settings) string {
	slug := strings.ToLower(model.Model)
	slug = strings.ReplaceAll(slug, ".", "")
	slug = strings.NewReplacer(" ", "_", "-", "_").Replace(slug)

	q := url.Values{}
	q.Set("zip", settings.ZipCode)
	q.Set("distance", strconv.Itoa(settings.SearchRadius))
	q.Set("sort", "BEST_MATCH")
	q.Set("type", "USED")
	return fmt.Sprintf("%s/Cars/l-Used-%s-%s-d210?%s", c.BaseURL(), url.PathEscape(model.Make), slug, q.Encode())
}

// CardSelectors implements Site.
func (CarGurus) CardSelectors() []string {
	return []string{
		`article[data-cg-ft="car-blade"]`,
		`[data-testid="srp-tile-wrapper"]`,
		`.cg-dealFinder-result-wrap`,
		`article`,
		`div[class*="listing"]`,
	}
}

// ParseCard implements Site. CarGurus cards carry little structure, so the
// fields come from the card text.
func (CarGurus) ParseCard(card *goquery.Selection, model tracker.TrackedModel) (Card, error) {
	text := CardText(card)
	if !mentionsModel(text, model) {
		return Card{}, fmt.Errorf("%w: card does not mention %s", tracker.ErrMalformedRecord, model.Model)
	}
	price, mileage, location := scanText(text)
	title := FirstText(card, "h4", "h3", "h2", `[data-cg-ft="srp-listing-blade-title"]`)
	if title == "" {
		title = text
	}
	return Card{
		Price:    price,
		Mileage:  mileage,
		Year:     title,
		Location: location,
		URL:      FirstHref(card, `a[href*="/Cars/"]`),
		Title:    title,
	}, nil
}

// mentionsModel reports whether the model name appears in text as a whole
// run of words. Case, dots and dashes are ignored, so "Mach-E" matches
// "Mach E" and "MachE", while "Model 3" does not match "Model Y".
func mentionsModel(text string, model tracker.TrackedModel) bool {
	want := nameTokens(model.Model)
	if len(want) == 0 {
		return true
	}
	have := nameTokens(text)
	compact := strings.Join(want, "")
	for i := range have {
		if have[i] == compact {
			return true
		}
		if i+len(want) <= len(have) && slices.Equal(have[i:i+len(want)], want) {
			return true
		}
	}
	return false
}

func nameTokens(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), ".", "")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
