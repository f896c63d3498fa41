// Package fetcher composes page fetch drivers.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// Detector decides whether a plain response should be re-fetched headless.
type Detector interface {
	ShouldPromote(resp tracker.FetchResponse) bool
}

// Promoting fetches with a cheap HTTP probe first and falls back to a
// headless browser when the detector flags the result.
type Promoting struct {
	probe    tracker.PageFetcher
	headless tracker.PageFetcher
	detector Detector
	logger   *zap.Logger
}

// NewPromoting wires the probe, headless driver and detector together.
func NewPromoting(probe, headless tracker.PageFetcher, detector Detector, logger *zap.Logger) (*Promoting, error) {
	if probe == nil || headless == nil || detector == nil {
		return nil, errors.New("promoting fetcher requires probe, headless and detector")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, headless: headless, detector: detector, logger: logger}, nil
}

// Fetch implements tracker.PageFetcher.
func (p *Promoting) Fetch(ctx context.Context, req tracker.FetchRequest) (tracker.FetchResponse, error) {
	resp, err := p.probe.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return tracker.FetchResponse{}, err
		}
		p.logger.Debug("probe failed, promoting", zap.String("source", string(req.Source)), zap.String("url", req.URL), zap.Error(err))
		return p.promote(ctx, req)
	}
	if !p.detector.ShouldPromote(resp) {
		return resp, nil
	}
	p.logger.Debug("probe response needs a browser",
		zap.String("source", string(req.Source)),
		zap.String("url", req.URL),
		zap.Int("bytes", len(resp.Body)),
	)
	return p.promote(ctx, req)
}

func (p *Promoting) promote(ctx context.Context, req tracker.FetchRequest) (tracker.FetchResponse, error) {
	resp, err := p.headless.Fetch(ctx, req)
	if err != nil {
		return tracker.FetchResponse{}, fmt.Errorf("headless fetch: %w", err)
	}
	resp.UsedHeadless = true
	return resp, nil
}
