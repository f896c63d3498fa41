package source

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// Autotrader parses autotrader.com search results.
type Autotrader struct{}

// Source implements Site.
func (Autotrader) Source() tracker.Source { return tracker.SourceAutotrader }

// BaseURL implements Site.
func (Autotrader) BaseURL() string { return "https://www.autotrader.com" }

// SearchURL implements Site.
func (a Autotrader) SearchURL(model tracker.TrackedModel, settings tracker.Settings) string {
	makePath := url.PathEscape(strings.ToLower(model.Make))
	modelPath := url.PathEscape(strings.ReplaceAll(strings.ToLower(model.Model), " ", "-"))

	q := url.Values{}
	q.Set("zip", settings.ZipCode)
	q.Set("searchRadius", strconv.Itoa(settings.SearchRadius))
	q.Set("isNewSearch", "true")
	q.Set("marketExtension", "include")
	q.Set("sortBy", "relevance")
	q.Set("numRecords", "25")
	return fmt.Sprintf("%s/cars-for-sale/all-cars/%s/%s?%s", a.BaseURL(), makePath, modelPath, q.Encode())
}

// CardSelectors implements Site.
func (Autotrader) CardSelectors() []string {
	return []string{
		`[data-testid="listing-card"]`,
		`.inventory-listing`,
		`[class*="ListingCard"]`,
	}
}

// ParseCard implements Site.
func (Autotrader) ParseCard(card *goquery.Selection, _ tracker.TrackedModel) (Card, error) {
	price := FirstText(card, `[data-testid="listing-price"]`, `.first-price`, `[class*="Price"]`)
	if price != "" {
		// price blocks often carry "See payment" or MSRP strikethroughs after the amount
		if m := priceText.FindString(price); m != "" {
			price = m
		}
	}
	title := FirstText(card, `[data-testid="listing-title"]`, `.text-bold`, `h2`, `h3`)
	return Card{
		Price:    price,
		Mileage:  FirstText(card, `[data-testid="listing-mileage"]`, `.text-muted`, `[class*="mileage"]`),
		Year:     title,
		Location: FirstText(card, `[data-testid="listing-location"]`, `.dealer-name`, `[class*="Location"]`),
		URL:      FirstHref(card, `a[href*="/cars-for-sale/"]`),
		Title:    title,
	}, nil
}
