// Package transfer executes a single resumable HTTP(S) download of one
// resource, streaming straight to the cache staging file. Nothing here
// retries; classification happens at the scheduler boundary.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/dsfetch/dsfetch/internal/cache"
	"github.com/dsfetch/dsfetch/internal/errdefs"
	"github.com/dsfetch/dsfetch/internal/logger"
	"github.com/dsfetch/dsfetch/internal/manifest"
	"github.com/dsfetch/dsfetch/internal/progress"
	"github.com/dsfetch/dsfetch/pkg/httpx"
)

const copyBufferSize = 32 * 1024

// Task is one unit of transfer work. It is owned by the scheduler and
// handed to exactly one worker at a time.
type Task struct {
	ID           uuid.UUID
	Spec         manifest.ResourceSpec
	ResumeOffset int64
	Attempt      int
}

// NewTask creates a task for one attempt at a resource.
func NewTask(spec manifest.ResourceSpec, resumeOffset int64, attempt int) Task {
	return Task{
		ID:           uuid.New(),
		Spec:         spec,
		ResumeOffset: resumeOffset,
		Attempt:      attempt,
	}
}

// Result reports a completed transfer.
type Result struct {
	// BytesWritten is the number of bytes fetched by this attempt.
	BytesWritten int64

	// TotalSize is the final staged file size, including resumed bytes.
	TotalSize int64

	// Resumed is true when the server honored a range request and the
	// attempt continued from ResumedFrom instead of byte zero.
	Resumed     bool
	ResumedFrom int64
}

// Worker performs transfers over a shared tuned client.
type Worker struct {
	client *httpx.Client
	events progress.Sink
}

func NewWorker(client *httpx.Client, events progress.Sink) *Worker {
	return &Worker{client: client, events: events}
}

// Run streams the resource into the write handle's staging file. When
// the task carries a resume offset and the server honors the range
// request, previously staged bytes are kept; a 200 answer to a range
// request restarts the stream from zero, discarding staged bytes.
// The resource is never buffered in memory.
func (w *Worker) Run(ctx context.Context, task Task, h *cache.WriteHandle) (Result, error) {
	spec := task.Spec

	resp, resumedFrom, err := w.open(ctx, task)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	file := h.File()

	if resumedFrom > 0 {
		if _, err := file.Seek(resumedFrom, io.SeekStart); err != nil {
			return Result{}, errdefs.NewTransferError(spec.ResourceID, 0, false,
				fmt.Errorf("failed to seek staging file: %w", err))
		}
	} else {
		if err := file.Truncate(0); err != nil {
			return Result{}, errdefs.NewTransferError(spec.ResourceID, 0, false,
				fmt.Errorf("failed to truncate staging file: %w", err))
		}

		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return Result{}, errdefs.NewTransferError(spec.ResourceID, 0, false,
				fmt.Errorf("failed to seek staging file: %w", err))
		}
	}

	total := expectedTotal(spec, resp, resumedFrom)

	written, err := w.stream(ctx, spec.ResourceID, resp.Body, file, resumedFrom, total)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		BytesWritten: written,
		TotalSize:    resumedFrom + written,
		Resumed:      resumedFrom > 0,
		ResumedFrom:  resumedFrom,
	}

	if spec.ExpectedSize > 0 && result.TotalSize != spec.ExpectedSize {
		return Result{}, &errdefs.IntegrityError{
			ResourceID: spec.ResourceID,
			Expected:   fmt.Sprintf("%d bytes", spec.ExpectedSize),
			Actual:     fmt.Sprintf("%d bytes", result.TotalSize),
		}
	}

	logger.Debugf("Transfer %s of %s finished: %d bytes (resumed from %d)",
		task.ID, spec.ResourceID, result.TotalSize, resumedFrom)

	return result, nil
}

// open issues the GET, negotiating resume. It returns the response and
// the effective resume offset (zero when the server ignored the range).
func (w *Worker) open(ctx context.Context, task Task) (*http.Response, int64, error) {
	spec := task.Spec

	if task.ResumeOffset <= 0 {
		resp, err := w.client.Get(ctx, spec.URL, nil)
		if err != nil {
			return nil, 0, classify(spec.ResourceID, err)
		}

		return resp, 0, nil
	}

	resp, err := w.client.Range(ctx, spec.URL, task.ResumeOffset, 0, nil)
	if err != nil {
		// Staged bytes past the remote size make the range unsatisfiable.
		// Discard them and start over rather than stranding the resource.
		if errors.Is(err, httpx.ErrRangesNotSupported) {
			logger.Debugf("Staged offset %d for %s is not satisfiable, restarting from zero",
				task.ResumeOffset, spec.ResourceID)

			resp, err := w.client.Get(ctx, spec.URL, nil)
			if err != nil {
				return nil, 0, classify(spec.ResourceID, err)
			}

			return resp, 0, nil
		}

		return nil, 0, classify(spec.ResourceID, err)
	}

	if resp.StatusCode == http.StatusPartialContent {
		return resp, task.ResumeOffset, nil
	}

	// Full body instead of 206: the server ignored the range request.
	// Restart from zero on this same response.
	logger.Debugf("Server ignored range request for %s (status %d), restarting from zero",
		spec.ResourceID, resp.StatusCode)

	return resp, 0, nil
}

func (w *Worker) stream(ctx context.Context, resourceID string, body io.Reader, file io.Writer, base, total int64) (int64, error) {
	buffer := make([]byte, copyBufferSize)

	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := body.Read(buffer)
		if n > 0 {
			if _, writeErr := file.Write(buffer[:n]); writeErr != nil {
				return written, errdefs.NewTransferError(resourceID, 0, false,
					fmt.Errorf("failed to write staging file: %w", writeErr))
			}

			written += int64(n)

			w.events.Emit(progress.Event{
				ResourceID: resourceID,
				BytesSoFar: base + written,
				TotalBytes: total,
				Phase:      progress.PhaseTransfer,
			})
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return written, err
			}

			return written, classify(resourceID, httpx.ClassifyError(err))
		}
	}
}

// expectedTotal picks the best-known total size for progress reporting.
func expectedTotal(spec manifest.ResourceSpec, resp *http.Response, resumedFrom int64) int64 {
	if spec.ExpectedSize > 0 {
		return spec.ExpectedSize
	}

	if resp.ContentLength > 0 {
		return resumedFrom + resp.ContentLength
	}

	return -1
}

// classify wraps a transport error into the shared taxonomy, carrying
// the retryable decision made by the httpx layer. Context cancellation
// passes through so the scheduler can tell a stop from a fault.
func classify(resourceID string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	statusCode := 0

	switch {
	case errors.Is(err, httpx.ErrResourceNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, httpx.ErrAccessDenied):
		statusCode = http.StatusForbidden
	case errors.Is(err, httpx.ErrAuthentication):
		statusCode = http.StatusUnauthorized
	case errors.Is(err, httpx.ErrTooManyRequests):
		statusCode = http.StatusTooManyRequests
	case errors.Is(err, httpx.ErrServerProblem):
		statusCode = http.StatusInternalServerError
	}

	return errdefs.NewTransferError(resourceID, statusCode, httpx.IsRetryable(err), err)
}
