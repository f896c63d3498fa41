package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

const maxSettingsBody = 1 << 16

type modelsResponse struct {
	Models []tracker.TrackedModel `json:"models"`
}

type historyResponse struct {
	Model   tracker.TrackedModel     `json:"model"`
	History []tracker.DailyAggregate `json:"history"`
}

type listingsResponse struct {
	Model    tracker.TrackedModel       `json:"model"`
	Listings []tracker.CanonicalListing `json:"listings"`
	Limit    int                        `json:"limit"`
	Offset   int                        `json:"offset"`
}

type scrapeResponse struct {
	Accepted bool              `json:"accepted"`
	Message  string            `json:"message"`
	Job      tracker.ScrapeJob `json:"status"`
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.queries.ListModels(r.Context())
	if err != nil {
		s.fail(w, r, "list models", err)
		return
	}
	if models == nil {
		models = []tracker.TrackedModel{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: models})
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	id, err := parseModelID(chi.URLParam(r, "model_id"))
	if err != nil {
		s.fail(w, r, "get model", err)
		return
	}
	model, err := s.queries.GetModel(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get model", err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) getPriceHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseModelID(chi.URLParam(r, "model_id"))
	if err != nil {
		s.fail(w, r, "price history", err)
		return
	}
	days, err := positiveParam(r, "days", 0)
	if err != nil {
		s.fail(w, r, "price history", err)
		return
	}
	model, history, err := s.queries.PriceHistory(r.Context(), id, days)
	if err != nil {
		s.fail(w, r, "price history", err)
		return
	}
	if history == nil {
		history = []tracker.DailyAggregate{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Model: model, History: history})
}

func (s *Server) getListings(w http.ResponseWriter, r *http.Request) {
	id, err := parseModelID(chi.URLParam(r, "model_id"))
	if err != nil {
		s.fail(w, r, "list listings", err)
		return
	}
	limit, err := positiveParam(r, "limit", tracker.DefaultListingLimit)
	if err != nil {
		s.fail(w, r, "list listings", err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.fail(w, r, "list listings", err)
		return
	}
	q := r.URL.Query()
	query, err := tracker.ListingQuery{
		ModelID:   id,
		Limit:     limit,
		Offset:    offset,
		SortBy:    tracker.SortField(strings.TrimSpace(q.Get("sort_by"))),
		SortOrder: tracker.SortOrder(strings.TrimSpace(q.Get("sort_order"))),
	}.Normalize()
	if err != nil {
		s.fail(w, r, "list listings", err)
		return
	}

	model, listings, err := s.queries.Listings(r.Context(), query)
	if err != nil {
		s.fail(w, r, "list listings", err)
		return
	}
	if listings == nil {
		listings = []tracker.CanonicalListing{}
	}
	writeJSON(w, http.StatusOK, listingsResponse{
		Model:    model,
		Listings: listings,
		Limit:    query.Limit,
		Offset:   query.Offset,
	})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.queries.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.queries.Settings(r.Context())
	if err != nil {
		s.fail(w, r, "get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var update tracker.SettingsUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	settings, err := s.queries.UpdateSettings(r.Context(), update)
	if err != nil {
		s.fail(w, r, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) triggerScrape(w http.ResponseWriter, r *http.Request) {
	var modelID *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("model_id")); raw != "" {
		id, err := parseModelID(raw)
		if err != nil {
			s.fail(w, r, "trigger scrape", err)
			return
		}
		modelID = &id
	}
	job, err := s.scraper.Trigger(r.Context(), modelID)
	if err != nil {
		if errors.Is(err, tracker.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "scrape already in progress")
			return
		}
		s.fail(w, r, "trigger scrape", err)
		return
	}
	writeJSON(w, http.StatusAccepted, scrapeResponse{Accepted: true, Message: "scrape started", Job: job})
}

func (s *Server) getScrapeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scraper.Status())
}

func parseModelID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: model_id must be a positive integer", tracker.ErrInvalidQuery)
	}
	return id, nil
}

// positiveParam reads an optional integer query parameter that must be >= 1
// when present.
func positiveParam(r *http.Request, name string, def int) (int, error) {
	val, err := intParam(r, name, def)
	if err != nil {
		return 0, err
	}
	if r.URL.Query().Has(name) && val < 1 {
		return 0, fmt.Errorf("%w: %s must be >= 1", tracker.ErrInvalidQuery, name)
	}
	return val, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", tracker.ErrInvalidQuery, name)
	}
	return val, nil
}
