package source

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

var carsComMakes = map[string]string{
	"mercedes":      "mercedes_benz",
	"mercedes-benz": "mercedes_benz",
}

// CarsCom parses cars.com search results.
type CarsCom struct{}

// Source implements Site.
func (CarsCom) Source() tracker.Source { return tracker.SourceCarsCom }

// BaseURL implements Site.
func (CarsCom) BaseURL() string { return "https://www.cars.com" }

// SearchURL implements Site.
func (c CarsCom) SearchURL(model tracker.TrackedModel, settings tracker.Settings) string {
	makeSlug := carsComMakeSlug(model.Make)
	modelSlug := makeSlug + "-" + strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(strings.ToLower(model.Model))

	q := url.Values{}
	q.Set("stock_type", "used")
	q.Set("makes[]", makeSlug)
	q.Set("models[]", modelSlug)
	q.Set("zip", settings.ZipCode)
	q.Set("maximum_distance", strconv.Itoa(settings.SearchRadius))
	return fmt.Sprintf("%s/shopping/results/?%s", c.BaseURL(), q.Encode())
}

func carsComMakeSlug(mk string) string {
	lower := strings.ToLower(strings.TrimSpace(mk))
	if slug, ok := carsComMakes[lower]; ok {
		return slug
	}
	return strings.ReplaceAll(lower, " ", "_")
}

// CardSelectors implements Site.
func (CarsCom) CardSelectors() []string {
	return []string{`.vehicle-card`}
}

// ParseCard implements Site.
func (CarsCom) ParseCard(card *goquery.Selection, _ tracker.TrackedModel) (Card, error) {
	text := CardText(card)
	price := FirstText(card, `.primary-price`)
	mileageField := FirstText(card, `.mileage`)
	location := FirstText(card, `.miles-from`, `.dealer-name`)
	scannedPrice, scannedMileage, scannedLocation := scanText(text)
	if price == "" {
		price = scannedPrice
	}
	if mileageField == "" {
		mileageField = scannedMileage
	}
	if location == "" {
		location = scannedLocation
	}
	title := FirstText(card, `.title`, `h2`)
	return Card{
		Price:    price,
		Mileage:  mileageField,
		Year:     title,
		Location: location,
		URL:      FirstHref(card, `a[href*="/vehicledetail/"]`),
		Title:    title,
	}, nil
}
