package source

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ev-price-tracker/internal/hash/sha256"
	"github.com/JakeFAU/ev-price-tracker/internal/headless/detector"
	"github.com/JakeFAU/ev-price-tracker/internal/storage/memory"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

type scriptedStep struct {
	resp tracker.FetchResponse
	err  error
}

type scriptedFetcher struct {
	steps    []scriptedStep
	requests []tracker.FetchRequest
}

func (f *scriptedFetcher) Fetch(_ context.Context, req tracker.FetchRequest) (tracker.FetchResponse, error) {
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	return f.steps[idx].resp, f.steps[idx].err
}

func page(status int, body string) scriptedStep {
	return scriptedStep{resp: tracker.FetchResponse{StatusCode: status, Body: []byte(body)}}
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var (
	observed = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	model3   = tracker.TrackedModel{ID: 1, Make: "Tesla", Model: "Model 3"}
	houston  = tracker.Settings{ZipCode: "77001", SearchRadius: 200}
)

const carsComPage = `<html><body>
<div class="vehicle-card">
  <a href="/vehicledetail/111/"><h2 class="title">2022 Tesla Model 3 Long Range</h2></a>
  <div class="mileage">18,250 mi.</div>
  <span class="primary-price">$31,990</span>
  <div class="dealer-name">Gulf Coast Motors</div>
</div>
<div class="vehicle-card">
  <a href="/vehicledetail/222/"><h2 class="title">2021 Tesla Model 3 Standard Range</h2></a>
  <p>Price unavailable</p>
</div>
<div class="vehicle-card">
  <a href="/vehicledetail/333/"><h2 class="title">2023 Ford Mustang Mach-E Premium</h2></a>
  <span class="primary-price">$38,500</span>
</div>
<div class="vehicle-card">Ad</div>
</body></html>`

func newAdapter(t *testing.T, site Site, fetcher tracker.PageFetcher, mutate func(*Deps, *Config)) *Adapter {
	t.Helper()
	deps := Deps{
		Fetcher: fetcher,
		Retry:   tracker.NewRetryPolicy(3, time.Microsecond, time.Microsecond),
		Clock:   fixedClock{now: observed},
	}
	cfg := Config{}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	adapter, err := New(site, deps, cfg)
	require.NoError(t, err)
	return adapter
}

func TestFetchParsesCardsAndCountsMalformed(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []scriptedStep{page(200, carsComPage)}}
	adapter := newAdapter(t, CarsCom{}, fetcher, nil)

	batch, err := adapter.Fetch(context.Background(), model3, houston)
	require.NoError(t, err)
	require.Equal(t, tracker.SourceCarsCom, batch.Source)
	require.Equal(t, 3, batch.Malformed)
	require.Len(t, batch.Candidates, 1)

	got := batch.Candidates[0]
	require.Equal(t, tracker.RawCandidate{
		Source:     tracker.SourceCarsCom,
		ModelID:    1,
		Price:      "$31,990",
		Mileage:    "18,250 mi.",
		Year:       "2022 Tesla Model 3 Long Range",
		Location:   "Gulf Coast Motors",
		URL:        "https://www.cars.com/vehicledetail/111/",
		Title:      "2022 Tesla Model 3 Long Range",
		ObservedAt: observed,
	}, got)

	require.Len(t, fetcher.requests, 1)
	require.Equal(t, ".vehicle-card", fetcher.requests[0].WaitSelector)
	require.Contains(t, fetcher.requests[0].URL, "zip=77001")
}

func TestFetchNotFoundIsEmpty(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []scriptedStep{page(404, "gone")}}
	adapter := newAdapter(t, CarsCom{}, fetcher, nil)

	batch, err := adapter.Fetch(context.Background(), model3, houston)
	require.NoError(t, err)
	require.Empty(t, batch.Candidates)
	require.Zero(t, batch.Malformed)
	require.Len(t, fetcher.requests, 1)
}

func TestFetchWithoutCardsIsEmpty(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []scriptedStep{page(200, "<html><body><h1>No matches near 77001</h1></body></html>")}}
	adapter := newAdapter(t, CarsCom{}, fetcher, nil)

	batch, err := adapter.Fetch(context.Background(), model3, houston)
	require.NoError(t, err)
	require.Empty(t, batch.Candidates)
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []scriptedStep{page(403, "forbidden")}}
	adapter := newAdapter(t, CarsCom{}, fetcher, nil)

	_, err := adapter.Fetch(context.Background(), model3, houston)
	require.ErrorIs(t, err, tracker.ErrSourceUnavailable)
	require.ErrorContains(t, err, "unexpected status 403")
	require.Len(t, fetcher.requests, 3)
}

func TestFetchRecoversFromTransientFailure(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []scriptedStep{
		{err: errors.New("connection reset")},
		page(503, "busy"),
		page(200, carsComPage),
	}}
	adapter := newAdapter(t, CarsCom{}, fetcher, nil)

	batch, err := adapter.Fetch(context.Background(), model3, houston)
	require.NoError(t, err)
	require.Len(t, batch.Candidates, 1)
	require.Len(t, fetcher.requests, 3)
}

func TestFetchTreatsChallengePageAsFailure(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []scriptedStep{page(200, `<div id="px-captcha">Press and hold</div>`)}}
	adapter := newAdapter(t, CarsCom{}, fetcher, func(d *Deps, _ *Config) {
		d.Detector = detector.NewHeuristic(0)
	})

	_, err := adapter.Fetch(context.Background(), model3, houston)
	require.ErrorIs(t, err, tracker.ErrSourceUnavailable)
	require.ErrorIs(t, err, errChallenged)
}

func TestFetchCapsResults(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(`<div class="vehicle-card"><a href="/vehicledetail/`)
		b.WriteString(string(rune('a' + i)))
		b.WriteString(`/">2022 Tesla Model 3</a><span class="primary-price">$30,000</span></div>`)
	}
	fetcher := &scriptedFetcher{steps: []scriptedStep{page(200, b.String())}}
	adapter := newAdapter(t, CarsCom{}, fetcher, func(_ *Deps, c *Config) {
		c.MaxResults = 2
	})

	batch, err := adapter.Fetch(context.Background(), model3, houston)
	require.NoError(t, err)
	require.Len(t, batch.Candidates, 2)
	require.Equal(t, "https://www.cars.com/vehicledetail/b/", batch.Candidates[1].URL)
}

func TestFetchArchivesPage(t *testing.T) {
	t.Parallel()

	archive := memory.NewBlobStore()
	fetcher := &scriptedFetcher{steps: []scriptedStep{page(200, carsComPage)}}
	adapter := newAdapter(t, CarsCom{}, fetcher, func(d *Deps, _ *Config) {
		d.Archive = archive
		d.Hasher = sha256.New()
	})

	_, err := adapter.Fetch(context.Background(), model3, houston)
	require.NoError(t, err)

	paths := archive.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "carscom/2026-03-14/tesla-model-3-"), paths[0])
	require.True(t, strings.HasSuffix(paths[0], ".html"))
	body, ok := archive.Object(paths[0])
	require.True(t, ok)
	require.Equal(t, carsComPage, string(body))
}

type panickySite struct{ CarsCom }

func (panickySite) ParseCard(*goquery.Selection, tracker.TrackedModel) (Card, error) {
	panic("unexpected markup")
}

func TestFetchIsolatesCardPanics(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []scriptedStep{page(200, carsComPage)}}
	adapter := newAdapter(t, panickySite{}, fetcher, nil)

	batch, err := adapter.Fetch(context.Background(), model3, houston)
	require.NoError(t, err)
	require.Empty(t, batch.Candidates)
	require.Equal(t, 4, batch.Malformed)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(CarsCom{}, Deps{Clock: fixedClock{}}, Config{})
	require.Error(t, err)

	_, err = New(CarsCom{}, Deps{Fetcher: &scriptedFetcher{}, Clock: fixedClock{}, Archive: memory.NewBlobStore()}, Config{})
	require.Error(t, err)
}

func TestSlug(t *testing.T) {
	t.Parallel()

	require.Equal(t, "volkswagen-id-4", Slug("Volkswagen ID.4"))
	require.Equal(t, "ford-f-150-lightning", Slug("Ford F-150 Lightning"))
}
