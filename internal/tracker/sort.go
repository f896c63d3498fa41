package tracker

import "sort"

// SortListings orders listings the way the SQL stores do: by the requested
// column with missing values last, then by ID ascending.
func SortListings(listings []CanonicalListing, field SortField, order SortOrder) {
	desc := order == SortDesc
	sort.SliceStable(listings, func(i, j int) bool {
		a, b := listings[i], listings[j]
		av, aok := sortValue(a, field)
		bv, bok := sortValue(b, field)
		switch {
		case aok && !bok:
			return true
		case !aok && bok:
			return false
		case aok && bok && av != bv:
			if desc {
				return av > bv
			}
			return av < bv
		}
		return a.ID < b.ID
	})
}

func sortValue(l CanonicalListing, field SortField) (int64, bool) {
	switch field {
	case SortByYear:
		if l.Year == nil {
			return 0, false
		}
		return int64(*l.Year), true
	case SortByMileage:
		if l.Mileage == nil {
			return 0, false
		}
		return int64(*l.Mileage), true
	case SortByScrapedAt:
		return l.ScrapedAt.UnixNano(), true
	default:
		return l.Price, true
	}
}
