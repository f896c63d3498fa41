package tracker

import "errors"

var (
	// ErrSourceUnavailable means a site could not be fetched after retries.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedRecord means one result row could not be parsed.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrAlreadyRunning is returned when a scrape is triggered while one is active.
	ErrAlreadyRunning = errors.New("scrape already running")
	// ErrPersistence wraps storage failures that abort a scrape job.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound indicates a missing model or settings row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidQuery rejects unsupported query parameters.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrInvalidSettings rejects settings that fail validation.
	ErrInvalidSettings = errors.New("invalid settings")
)
