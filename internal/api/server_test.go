package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ev-price-tracker/internal/stats"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

var machE = tracker.TrackedModel{ID: 1, Make: "Ford", Model: "Mustang Mach-E"}

func newTestServer(q *mockQueries, sc *fakeScraper, opts Options) http.Handler {
	return NewServer(q, sc, opts, zap.NewNop()).Handler()
}

func serve(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_ListModels(t *testing.T) {
	t.Parallel()

	q := &mockQueries{}
	q.On("ListModels", mock.Anything).Return([]tracker.TrackedModel{machE}, nil)
	rec := serve(t, newTestServer(q, &fakeScraper{}, Options{}), http.MethodGet, "/api/models", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[modelsResponse](t, rec)
	require.Len(t, body.Models, 1)
	assert.Equal(t, "Mustang Mach-E", body.Models[0].Model)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	q.AssertExpectations(t)
}

func TestServer_GetModel(t *testing.T) {
	t.Parallel()

	q := &mockQueries{}
	q.On("GetModel", mock.Anything, int64(1)).Return(machE, nil)
	q.On("GetModel", mock.Anything, int64(99)).Return(tracker.TrackedModel{}, tracker.ErrNotFound)
	h := newTestServer(q, &fakeScraper{}, Options{})

	rec := serve(t, h, http.MethodGet, "/api/models/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[tracker.TrackedModel](t, rec).ID)

	rec = serve(t, h, http.MethodGet, "/api/models/99", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/models/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PriceHistory(t *testing.T) {
	t.Parallel()

	mileage := int64(18250)
	q := &mockQueries{}
	q.On("PriceHistory", mock.Anything, int64(1), 30).Return(machE, []tracker.DailyAggregate{
		{ModelID: 1, Date: "2026-10-18", AvgPrice: 22000, MinPrice: 20000, MaxPrice: 24000, ListingCount: 3, AvgMileage: &mileage},
	}, nil)
	q.On("PriceHistory", mock.Anything, int64(1), 0).Return(machE, nil, nil)
	q.On("PriceHistory", mock.Anything, int64(1), 5000).
		Return(tracker.TrackedModel{}, nil, errors.Join(tracker.ErrInvalidQuery, errors.New("days must be between 1 and 3650")))
	q.On("PriceHistory", mock.Anything, int64(99), 0).Return(tracker.TrackedModel{}, nil, tracker.ErrNotFound)
	h := newTestServer(q, &fakeScraper{}, Options{})

	rec := serve(t, h, http.MethodGet, "/api/models/1/prices?days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[historyResponse](t, rec)
	assert.Equal(t, machE, body.Model)
	require.Len(t, body.History, 1)
	assert.Equal(t, int64(22000), body.History[0].AvgPrice)
	require.NotNil(t, body.History[0].AvgMileage)
	assert.Equal(t, mileage, *body.History[0].AvgMileage)

	rec = serve(t, h, http.MethodGet, "/api/models/1/prices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"model":{"id":1,"make":"Ford","model":"Mustang Mach-E"},"history":[]}`, rec.Body.String())

	rec = serve(t, h, http.MethodGet, "/api/models/1/prices?days=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/models/1/prices?days=5000", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/models/99/prices", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	q.AssertNotCalled(t, "GetModel", mock.Anything, mock.Anything)
}

func TestServer_Listings(t *testing.T) {
	t.Parallel()

	q := &mockQueries{}
	want := tracker.ListingQuery{ModelID: 1, Limit: 10, Offset: 20, SortBy: tracker.SortByYear, SortOrder: tracker.SortDesc}
	q.On("Listings", mock.Anything, want).Return(machE, []tracker.CanonicalListing{
		{ID: "l-1", ModelID: 1, Source: tracker.SourceCarsCom, Price: 31000, URL: "https://www.cars.com/vehicledetail/1/"},
	}, nil)
	h := newTestServer(q, &fakeScraper{}, Options{})

	rec := serve(t, h, http.MethodGet, "/api/models/1/listings?limit=10&offset=20&sort_by=year&sort_order=DESC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[listingsResponse](t, rec)
	assert.Equal(t, machE, body.Model)
	assert.Equal(t, 10, body.Limit)
	assert.Equal(t, 20, body.Offset)
	require.Len(t, body.Listings, 1)
	assert.Equal(t, tracker.SourceCarsCom, body.Listings[0].Source)

	for _, target := range []string{
		"/api/models/1/listings?sort_by=color",
		"/api/models/1/listings?sort_order=sideways",
		"/api/models/1/listings?limit=0",
		"/api/models/1/listings?limit=501",
		"/api/models/1/listings?offset=-1",
		"/api/models/1/listings?limit=ten",
	} {
		rec := serve(t, h, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	q.AssertNumberOfCalls(t, "Listings", 1)
	q.AssertNotCalled(t, "GetModel", mock.Anything, mock.Anything)
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	avg := int64(25200)
	q := &mockQueries{}
	q.On("Stats", mock.Anything).Return(stats.Summary{
		TotalListings:  5,
		ModelsWithData: 2,
		AvgPrice:       &avg,
		CheapestModels: []stats.CheapModel{{ModelID: 1, Make: "Ford", Model: "Mustang Mach-E", AvgPrice: 22000, ListingCount: 3}},
	}, nil)
	rec := serve(t, newTestServer(q, &fakeScraper{}, Options{}), http.MethodGet, "/api/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[stats.Summary](t, rec)
	assert.Equal(t, 5, body.TotalListings)
	require.NotNil(t, body.AvgPrice)
	assert.Equal(t, avg, *body.AvgPrice)
}

func TestServer_StatsInternalErrorHidesDetail(t *testing.T) {
	t.Parallel()

	q := &mockQueries{}
	q.On("Stats", mock.Anything).Return(stats.Summary{}, errors.New("pq: connection refused to 10.0.0.7"))
	rec := serve(t, newTestServer(q, &fakeScraper{}, Options{}), http.MethodGet, "/api/stats", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestServer_Settings(t *testing.T) {
	t.Parallel()

	zip := "94103"
	q := &mockQueries{}
	q.On("Settings", mock.Anything).Return(tracker.Settings{ZipCode: "77001", SearchRadius: 200}, nil)
	q.On("UpdateSettings", mock.Anything, tracker.SettingsUpdate{ZipCode: &zip}).
		Return(tracker.Settings{ZipCode: zip, SearchRadius: 200}, nil)
	q.On("UpdateSettings", mock.Anything, mock.MatchedBy(func(u tracker.SettingsUpdate) bool {
		return u.SearchRadius != nil && *u.SearchRadius > tracker.MaxSearchRadius
	})).Return(tracker.Settings{}, errors.Join(tracker.ErrInvalidSettings, errors.New("search_radius out of range")))
	h := newTestServer(q, &fakeScraper{}, Options{})

	rec := serve(t, h, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"zip_code":"77001","search_radius":200}`, rec.Body.String())

	rec = serve(t, h, http.MethodPut, "/api/settings", []byte(`{"zip_code":"94103"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "94103", decode[tracker.Settings](t, rec).ZipCode)

	rec = serve(t, h, http.MethodPut, "/api/settings", []byte(`{"search_radius":900}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodPut, "/api/settings", []byte(`{"zip":`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TriggerScrape(t *testing.T) {
	t.Parallel()

	sc := &fakeScraper{}
	h := newTestServer(&mockQueries{}, sc, Options{})

	rec := serve(t, h, http.MethodPost, "/api/scrape?model_id=2", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode[scrapeResponse](t, rec)
	assert.True(t, body.Accepted)
	assert.Equal(t, tracker.JobStatusRunning, body.Job.Status)
	require.Len(t, sc.triggered, 1)
	require.NotNil(t, sc.triggered[0])
	assert.Equal(t, int64(2), *sc.triggered[0])

	rec = serve(t, h, http.MethodGet, "/api/scrape/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job-1", decode[tracker.ScrapeJob](t, rec).ID)

	rec = serve(t, h, http.MethodPost, "/api/scrape?model_id=x", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TriggerScrapeConflicts(t *testing.T) {
	t.Parallel()

	sc := &fakeScraper{err: tracker.ErrAlreadyRunning}
	rec := serve(t, newTestServer(&mockQueries{}, sc, Options{}), http.MethodPost, "/api/scrape", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already in progress")
}

func TestServer_APIKeyGuardsMutations(t *testing.T) {
	t.Parallel()

	q := &mockQueries{}
	q.On("Settings", mock.Anything).Return(tracker.Settings{ZipCode: "77001", SearchRadius: 200}, nil)
	sc := &fakeScraper{}
	h := newTestServer(q, sc, Options{APIKey: "secret"})

	rec := serve(t, h, http.MethodPost, "/api/scrape", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sc.triggered)

	req := httptest.NewRequest(http.MethodPost, "/api/scrape", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	ready := errors.New("database down")
	h := newTestServer(&mockQueries{}, &fakeScraper{}, Options{
		Ready: func(context.Context) error { return ready },
	})

	for _, target := range []string{"/healthz", "/api/health"} {
		rec := serve(t, h, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code, target)
	}
	rec := serve(t, h, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, newTestServer(&mockQueries{}, &fakeScraper{}, Options{}), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	h := newTestServer(&mockQueries{}, &fakeScraper{}, Options{AllowedOrigins: []string{"http://localhost:5173"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/scrape", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	q := &mockQueries{}
	q.On("ListModels", mock.Anything).Run(func(mock.Arguments) { panic("boom") })
	rec := serve(t, newTestServer(q, &fakeScraper{}, Options{}), http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusNotFound, statusFor(tracker.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(tracker.ErrInvalidQuery))
	assert.Equal(t, http.StatusBadRequest, statusFor(tracker.ErrInvalidSettings))
	assert.Equal(t, http.StatusConflict, statusFor(tracker.ErrAlreadyRunning))
	assert.Equal(t, http.StatusInternalServerError, statusFor(tracker.ErrPersistence))
}
