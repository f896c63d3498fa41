package source

import "regexp"

var (
	priceText    = regexp.MustCompile(`\$\s?[\d,]+`)
	mileageText  = regexp.MustCompile(`(?i)([\d,.]+k?)\s*mi`)
	locationText = regexp.MustCompile(`([A-Z][a-z]+(?:\s[A-Z][a-z]+)*,\s*[A-Z]{2})\b`)
)

// scanText pulls price, mileage and location out of free card text. Sites
// that render these without stable class names rely on it.
func scanText(text string) (price, mileage, location string) {
	price = priceText.FindString(text)
	if m := mileageText.FindStringSubmatch(text); m != nil {
		mileage = m[1]
	}
	if m := locationText.FindStringSubmatch(text); m != nil {
		location = m[1]
	}
	return price, mileage, location
}
