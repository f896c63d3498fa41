package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// ErrUnavailable is returned by Noop.
var ErrUnavailable = errors.New("headless fetcher not configured")

// Noop implements tracker.PageFetcher but always fails. It stands in when no
// browser is installed so adapters report their source as unavailable.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always returns ErrUnavailable.
func (Noop) Fetch(_ context.Context, _ tracker.FetchRequest) (tracker.FetchResponse, error) {
	return tracker.FetchResponse{}, ErrUnavailable
}
