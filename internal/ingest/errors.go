package ingest

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors used across the pipeline. Typed errors below unwrap to them.
var (
	ErrCircuitOpen     = errors.New("circuit open")
	ErrRateLimited     = errors.New("rate limited")
	ErrTransientFetch  = errors.New("transient fetch failure")
	ErrPermanentFetch  = errors.New("permanent fetch failure")
	ErrMalformed       = errors.New("malformed payload")
	ErrNormalization   = errors.New("normalization failed")
	ErrEmbedding       = errors.New("embedding failed")
	ErrStorageConflict = errors.New("storage conflict")
	ErrNotFound        = errors.New("not found")
	ErrCycleInProgress = errors.New("cycle already in progress")
)

// CircuitOpenError is returned by Acquire while a source's circuit is open.
type CircuitOpenError struct {
	Source  string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit open for %s", e.Source)
	}
	return fmt.Sprintf("circuit open for %s until %s", e.Source, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// TransientFetchError surfaces a retriable failure after the retry budget ran out.
type TransientFetchError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s: transient fetch failure after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the last underlying error.
func (e *TransientFetchError) Unwrap() []error { return []error{ErrTransientFetch, e.Err} }

// PermanentFetchError is a non-retriable response from a source.
type PermanentFetchError struct {
	Source string
	Status int
	URL    string
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("%s: permanent fetch failure: status %d for %s", e.Source, e.Status, e.URL)
}

func (e *PermanentFetchError) Unwrap() error { return ErrPermanentFetch }

// MalformedPayloadError marks a single item whose payload could not be decoded.
type MalformedPayloadError struct {
	Source string
	ItemID string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("%s: malformed payload for item %q: %v", e.Source, e.ItemID, e.Err)
}

func (e *MalformedPayloadError) Unwrap() []error { return []error{ErrMalformed, e.Err} }

// NormalizationError reports a raw item that cannot become an Article.
type NormalizationError struct {
	Source   Source
	SourceID string
	Field    string
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s/%s: %s: %s", e.Source, e.SourceID, e.Field, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return ErrNormalization }

// EmbeddingError reports an embedding batch that exhausted its retries.
type EmbeddingError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding provider %s failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() []error { return []error{ErrEmbedding, e.Err} }

// StorageConflictError signals a concurrent write detected by the store.
type StorageConflictError struct {
	Key string
	Err error
}

func (e *StorageConflictError) Error() string {
	return fmt.Sprintf("storage conflict on %s: %v", e.Key, e.Err)
}

func (e *StorageConflictError) Unwrap() []error { return []error{ErrStorageConflict, e.Err} }
