// Package source implements the per-site Source Adapters. Each site supplies
// its URL scheme and card parser; Adapter owns the fetch loop, retries, rate
// limiting, archiving and per-card error isolation shared by all of them.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/ev-price-tracker/internal/metrics"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// Card is the raw text pulled out of one result card.
type Card struct {
	Price    string
	Mileage  string
	Year     string
	Location string
	URL      string
	Title    string
}

// Site describes one listing site.
type Site interface {
	Source() tracker.Source
	BaseURL() string
	SearchURL(model tracker.TrackedModel, settings tracker.Settings) string
	// CardSelectors are tried in order; the first one matching any element wins.
	CardSelectors() []string
	ParseCard(card *goquery.Selection, model tracker.TrackedModel) (Card, error)
}

// Limiter throttles requests per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// ChallengeDetector flags anti-bot interstitials served with a 200.
type ChallengeDetector interface {
	Challenged(resp tracker.FetchResponse) bool
}

// Deps are the collaborators an Adapter needs. Limiter, Detector and Archive
// are optional.
type Deps struct {
	Fetcher  tracker.PageFetcher
	Retry    tracker.RetryPolicy
	Limiter  Limiter
	Detector ChallengeDetector
	Archive  tracker.BlobStore
	Hasher   tracker.Hasher
	Clock    tracker.Clock
	Calendar tracker.Calendar
	Logger   *zap.Logger
}

// Config tunes parsing.
type Config struct {
	MaxResults         int
	MinCardText        int
	UserAgent          string
	ArchiveContentType string
}

const (
	defaultMaxResults  = 30
	defaultMinCardText = 20
	defaultContentType = "text/html; charset=utf-8"
)

var (
	errChallenged = errors.New("challenge page served")
	slugRun       = regexp.MustCompile(`[^a-z0-9]+`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// Adapter implements tracker.SourceAdapter for one Site.
type Adapter struct {
	site   Site
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

var _ tracker.SourceAdapter = (*Adapter)(nil)

// New builds an Adapter.
func New(site Site, deps Deps, cfg Config) (*Adapter, error) {
	if site == nil {
		return nil, errors.New("site is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("page fetcher is required")
	}
	if deps.Retry == nil {
		deps.Retry = tracker.NewExponentialRetryPolicy()
	}
	if deps.Archive != nil && (deps.Hasher == nil || deps.Clock == nil) {
		return nil, errors.New("archive requires hasher and clock")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.MinCardText <= 0 {
		cfg.MinCardText = defaultMinCardText
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = defaultContentType
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		site:   site,
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("source").With(zap.String("source", string(site.Source()))),
	}, nil
}

// Source implements tracker.SourceAdapter.
func (a *Adapter) Source() tracker.Source {
	return a.site.Source()
}

// Fetch loads the site's search results for model and returns the parsed
// candidates. A missing results list yields an empty batch.
func (a *Adapter) Fetch(ctx context.Context, model tracker.TrackedModel, settings tracker.Settings) (tracker.Batch, error) {
	source := a.site.Source()
	batch := tracker.Batch{Source: source}
	searchURL := a.site.SearchURL(model, settings)
	logger := a.logger.With(zap.Int64("model_id", model.ID), zap.String("model", model.Name()))

	resp, attempts, err := a.fetchWithRetry(ctx, searchURL)
	if err != nil {
		metrics.ObserveSourceFetch(string(source), "unavailable", attempts, 0)
		logger.Warn("source unavailable", zap.String("url", searchURL), zap.Int("attempt", attempts), zap.Error(err))
		return batch, fmt.Errorf("%w: %s after %d attempts: %w", tracker.ErrSourceUnavailable, source, attempts, err)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		metrics.ObserveSourceFetch(string(source), "empty", attempts, 0)
		logger.Info("no results page", zap.Int("status", resp.StatusCode))
		return batch, nil
	}

	a.archive(ctx, model, resp, logger)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		metrics.ObserveSourceFetch(string(source), "unavailable", attempts, 0)
		return batch, fmt.Errorf("%w: %s: parse page: %w", tracker.ErrSourceUnavailable, source, err)
	}

	cards := a.selectCards(doc)
	if cards.Length() > a.cfg.MaxResults {
		cards = cards.Slice(0, a.cfg.MaxResults)
	}
	observedAt := a.deps.Clock.Now()
	cards.Each(func(i int, card *goquery.Selection) {
		parsed, err := a.parseCard(card, model)
		if err != nil {
			batch.Malformed++
			logger.Debug("skipping result card", zap.Int("index", i), zap.Error(err))
			return
		}
		batch.Candidates = append(batch.Candidates, tracker.RawCandidate{
			Source:     source,
			ModelID:    model.ID,
			Price:      parsed.Price,
			Mileage:    parsed.Mileage,
			Year:       parsed.Year,
			Location:   parsed.Location,
			URL:        parsed.URL,
			Title:      parsed.Title,
			ObservedAt: observedAt,
		})
	})

	result := "ok"
	if len(batch.Candidates) == 0 {
		result = "empty"
	}
	metrics.ObserveSourceFetch(string(source), result, attempts, batch.Malformed)
	logger.Info("fetched results",
		zap.Int("candidates", len(batch.Candidates)),
		zap.Int("malformed", batch.Malformed),
		zap.Bool("headless", resp.UsedHeadless),
		zap.Duration("duration", resp.Duration),
	)
	return batch, nil
}

func (a *Adapter) fetchWithRetry(ctx context.Context, searchURL string) (tracker.FetchResponse, int, error) {
	source := a.site.Source()
	req := tracker.FetchRequest{
		Source:       source,
		URL:          searchURL,
		WaitSelector: strings.Join(a.site.CardSelectors(), ", "),
		Headers:      a.headers(),
	}
	attempt := 1
	for {
		resp, err := a.attempt(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		if !a.deps.Retry.ShouldRetry(err, attempt) {
			return tracker.FetchResponse{}, attempt, err
		}
		a.logger.Debug("retrying fetch", zap.String("url", searchURL), zap.Int("attempt", attempt), zap.Error(err))
		if sleepErr := tracker.SleepContext(ctx, a.deps.Retry.Backoff(attempt)); sleepErr != nil {
			return tracker.FetchResponse{}, attempt, sleepErr
		}
		attempt++
	}
}

func (a *Adapter) attempt(ctx context.Context, req tracker.FetchRequest) (tracker.FetchResponse, error) {
	if a.deps.Limiter != nil {
		if err := a.deps.Limiter.Wait(ctx, string(req.Source)); err != nil {
			return tracker.FetchResponse{}, err
		}
	}
	resp, err := a.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return tracker.FetchResponse{}, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return resp, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return tracker.FetchResponse{}, &statusError{code: resp.StatusCode}
	case a.deps.Detector != nil && a.deps.Detector.Challenged(resp):
		return tracker.FetchResponse{}, errChallenged
	}
	return resp, nil
}

func (a *Adapter) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	if a.cfg.UserAgent != "" {
		h.Set("User-Agent", a.cfg.UserAgent)
	}
	return h
}

func (a *Adapter) selectCards(doc *goquery.Document) *goquery.Selection {
	for _, selector := range a.site.CardSelectors() {
		if found := doc.Find(selector); found.Length() > 0 {
			return found
		}
	}
	return doc.Selection.Slice(0, 0)
}

func (a *Adapter) parseCard(card *goquery.Selection, model tracker.TrackedModel) (parsed Card, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", tracker.ErrMalformedRecord, r)
		}
	}()

	text := CardText(card)
	if len(text) < a.cfg.MinCardText {
		return Card{}, fmt.Errorf("%w: card text too short", tracker.ErrMalformedRecord)
	}
	if !MentionsMake(text, model) {
		return Card{}, fmt.Errorf("%w: card does not mention %s", tracker.ErrMalformedRecord, model.Make)
	}
	parsed, err = a.site.ParseCard(card, model)
	if err != nil {
		return Card{}, err
	}
	if parsed.Price == "" {
		return Card{}, fmt.Errorf("%w: no price", tracker.ErrMalformedRecord)
	}
	parsed.URL = resolveURL(a.site.BaseURL(), parsed.URL)
	return parsed, nil
}

func (a *Adapter) archive(ctx context.Context, model tracker.TrackedModel, resp tracker.FetchResponse, logger *zap.Logger) {
	if a.deps.Archive == nil || len(resp.Body) == 0 {
		return
	}
	digest, err := a.deps.Hasher.Hash(resp.Body)
	if err != nil {
		logger.Warn("hash page", zap.Error(err))
		return
	}
	day := a.deps.Calendar.DayOf(a.deps.Clock.Now())
	path := fmt.Sprintf("%s/%s/%s-%s.html", archiveName(a.site.Source()), day, Slug(model.Name()), digest)
	uri, err := a.deps.Archive.PutObject(ctx, path, a.cfg.ArchiveContentType, bytes.NewReader(resp.Body))
	if err != nil {
		logger.Warn("archive page", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("archived page", zap.String("uri", uri))
}

func archiveName(source tracker.Source) string {
	return strings.ReplaceAll(string(source), ".", "")
}

// CardText returns the card's visible text with whitespace collapsed.
func CardText(card *goquery.Selection) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(card.Text(), " "))
}

// MentionsMake reports whether text names the model's make.
func MentionsMake(text string, model tracker.TrackedModel) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(model.Make))
}

// Slug lowercases s and joins alphanumeric runs with dashes.
func Slug(s string) string {
	return strings.Trim(slugRun.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// FirstText returns the trimmed text of the first element matching any of
// the selectors, in order.
func FirstText(card *goquery.Selection, selectors ...string) string {
	for _, selector := range selectors {
		if text := strings.TrimSpace(spaceRun.ReplaceAllString(card.Find(selector).First().Text(), " ")); text != "" {
			return text
		}
	}
	return ""
}

// FirstHref returns the href of the first link matching selector, or of the
// card itself when it is an anchor.
func FirstHref(card *goquery.Selection, selector string) string {
	if href, ok := card.Find(selector).First().Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	if card.Is(selector) {
		href, _ := card.Attr("href")
		return strings.TrimSpace(href)
	}
	return ""
}

func resolveURL(base, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return ref.String()
	}
	root, err := url.Parse(base)
	if err != nil {
		return href
	}
	return root.ResolveReference(ref).String()
}

// SiteFor returns the Site implementation for src.
func SiteFor(src tracker.Source) (Site, error) {
	switch src {
	case tracker.SourceCarGurus:
		return CarGurus{}, nil
	case tracker.SourceAutotrader:
		return Autotrader{}, nil
	case tracker.SourceCarsCom:
		return CarsCom{}, nil
	default:
		return nil, fmt.Errorf("no adapter for source %q", src)
	}
}
