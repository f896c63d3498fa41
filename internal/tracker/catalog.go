package tracker

import (
	"sort"
	"strings"
)

// DefaultCatalog is the set of EV models tracked out of the box.
func DefaultCatalog() []TrackedModel {
	return []TrackedModel{
		{Make: "Tesla", Model: "Model 3"},
		{Make: "Tesla", Model: "Model Y"},
		{Make: "Tesla", Model: "Model S"},
		{Make: "Tesla", Model: "Model X"},
		{Make: "Ford", Model: "Mustang Mach-E"},
		{Make: "Ford", Model: "F-150 Lightning"},
		{Make: "Chevrolet", Model: "Bolt EV"},
		{Make: "Chevrolet", Model: "Bolt EUV"},
		{Make: "Chevrolet", Model: "Equinox EV"},
		{Make: "Rivian", Model: "R1T"},
		{Make: "Rivian", Model: "R1S"},
		{Make: "Hyundai", Model: "Ioniq 5"},
		{Make: "Hyundai", Model: "Ioniq 6"},
		{Make: "Kia", Model: "EV6"},
		{Make: "Kia", Model: "EV9"},
		{Make: "BMW", Model: "i4"},
		{Make: "BMW", Model: "iX"},
		{Make: "Mercedes", Model: "EQS"},
		{Make: "Mercedes", Model: "EQE"},
		{Make: "Volkswagen", Model: "ID.4"},
	}
}

// SortCatalog orders models by make then model, the order scrapes walk them in.
func SortCatalog(models []TrackedModel) {
	sort.SliceStable(models, func(i, j int) bool {
		mi, mj := strings.ToLower(models[i].Make), strings.ToLower(models[j].Make)
		if mi != mj {
			return mi < mj
		}
		return strings.ToLower(models[i].Model) < strings.ToLower(models[j].Model)
	})
}
