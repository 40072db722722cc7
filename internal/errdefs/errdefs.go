// Package errdefs defines the error taxonomy shared by the cache,
// transfer, scheduler and fetcher layers. The scheduler is the only
// place that decides retry vs terminal failure; everything below it
// just classifies.
package errdefs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrConflict is returned when a second write handle is requested for a
// resource that already has one open. Recoverable by retrying later.
var ErrConflict = errors.New("concurrent write in progress for resource")

// TransferError wraps a network or protocol failure for one resource.
type TransferError struct {
	ResourceID string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer %s failed (status %d): %v", e.ResourceID, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("transfer %s failed: %v", e.ResourceID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// NewTransferError classifies a transfer failure.
func NewTransferError(resourceID string, statusCode int, retryable bool, err error) *TransferError {
	return &TransferError{
		ResourceID: resourceID,
		StatusCode: statusCode,
		Retryable:  retryable,
		Err:        err,
	}
}

// IntegrityError reports a size or digest mismatch. Treated as a corrupt
// download and always retryable.
type IntegrityError struct {
	ResourceID string
	Expected   string
	Actual     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s", e.ResourceID, e.Expected, e.Actual)
}

// CacheCorruptionError reports an index/file inconsistency detected at
// load time. The store auto-heals by downgrading the entry; the error is
// logged, never fatal.
type CacheCorruptionError struct {
	ResourceID string
	Reason     string
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("cache entry %s is corrupt: %s", e.ResourceID, e.Reason)
}

// FetchError aggregates per-resource failures for one ensure call. A
// failed fetch always names every unresolved resource and its last
// failure reason.
type FetchError struct {
	DatasetID string
	Failures  map[string]error
}

func (e *FetchError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}

	return fmt.Sprintf("fetch of dataset %s failed for %d resource(s): %s",
		e.DatasetID, len(ids), strings.Join(parts, "; "))
}

// FailedResources returns the failing resource IDs in sorted order.
func (e *FetchError) FailedResources() []string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// IsRetryable reports whether the scheduler should attempt the resource
// again, assuming attempts remain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		return transferErr.Retryable
	}

	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		return true
	}

	return false
}
