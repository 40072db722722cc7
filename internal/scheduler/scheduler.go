// Package scheduler fans a dataset's resource gap out to a bounded pool
// of transfer workers, drives the retry/backoff policy, verifies
// completed streams, and commits verified bytes to the cache. It is the
// single place that decides retry vs terminal failure.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dsfetch/dsfetch/internal/cache"
	"github.com/dsfetch/dsfetch/internal/checksum"
	"github.com/dsfetch/dsfetch/internal/errdefs"
	"github.com/dsfetch/dsfetch/internal/logger"
	"github.com/dsfetch/dsfetch/internal/manifest"
	"github.com/dsfetch/dsfetch/internal/progress"
	"github.com/dsfetch/dsfetch/internal/transfer"
)

// Config carries the scheduling policy knobs.
type Config struct {
	ConcurrencyLimit int
	MaxAttempts      int
	RetryBaseDelay   time.Duration

	// Backoff and Sleep are injectable for tests. Zero values select
	// ExponentialBackoff and a context-aware timer.
	Backoff BackoffFunc
	Sleep   SleepFunc
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit < 1 {
		c.ConcurrencyLimit = 1
	}

	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}

	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}

	if c.Backoff == nil {
		c.Backoff = ExponentialBackoff
	}

	if c.Sleep == nil {
		c.Sleep = sleepWithContext
	}

	return c
}

// Outcome is the terminal result for one requested resource.
type Outcome struct {
	Entry     cache.Entry
	Mode      checksum.Mode
	Err       error
	Attempts  int
	FromCache bool
}

// Scheduler owns transfer tasks for their lifetime and aggregates
// per-resource outcomes.
type Scheduler struct {
	store  *cache.Store
	worker *transfer.Worker
	events progress.Sink
	cfg    Config
}

func New(store *cache.Store, worker *transfer.Worker, events progress.Sink, cfg Config) *Scheduler {
	return &Scheduler{
		store:  store,
		worker: worker,
		events: events,
		cfg:    cfg.withDefaults(),
	}
}

// FetchAll resolves every resource of a manifest, dispatching in
// manifest order through a pool of at most ConcurrencyLimit concurrent
// transfers. Already-Verified resources are short-circuited and never
// scheduled. One resource's terminal failure does not abort siblings;
// the returned map holds exactly one outcome per requested resource.
func (s *Scheduler) FetchAll(ctx context.Context, m *manifest.Manifest) map[string]Outcome {
	cfg := s.cfg.withDefaults()

	outcomes := make(map[string]Outcome, len(m.Resources))

	var mu sync.Mutex

	record := func(id string, o Outcome) {
		mu.Lock()
		outcomes[id] = o
		mu.Unlock()
	}

	g := new(errgroup.Group)
	sem := make(chan struct{}, cfg.ConcurrencyLimit)

	for _, spec := range m.Resources {
		spec := spec

		s.events.Emit(progress.Event{ResourceID: spec.ResourceID, Phase: progress.PhaseQueued})

		g.Go(func() error {
			select {
			case <-ctx.Done():
				record(spec.ResourceID, Outcome{Err: ctx.Err()})
				return nil
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			record(spec.ResourceID, s.fetchOne(ctx, m.DatasetID, m.Version, spec))

			return nil
		})
	}

	// Workers record their own outcomes and never return errors, so the
	// group cannot short-circuit siblings.
	_ = g.Wait()

	return outcomes
}

// fetchOne drives one resource through Pending -> InFlight ->
// Succeeded/Failed(retryable) -> Pending ... -> TerminallyFailed.
func (s *Scheduler) fetchOne(ctx context.Context, datasetID, version string, spec manifest.ResourceSpec) Outcome {
	if entry, ok := s.store.Lookup(datasetID, version, spec.ResourceID); ok && entry.State == cache.Verified {
		s.events.Emit(progress.Event{
			ResourceID: spec.ResourceID,
			BytesSoFar: entry.Size,
			TotalBytes: entry.Size,
			Phase:      progress.PhaseFromCache,
		})

		return Outcome{Entry: entry, Mode: entryMode(entry), FromCache: true}
	}

	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err(), Attempts: attempt}
		}

		entry, mode, err := s.attempt(ctx, datasetID, version, spec, attempt)
		if err == nil {
			s.events.Emit(progress.Event{
				ResourceID: spec.ResourceID,
				BytesSoFar: entry.Size,
				TotalBytes: entry.Size,
				Phase:      progress.PhaseCommitted,
			})

			return Outcome{Entry: entry, Mode: mode, Attempts: attempt + 1}
		}

		if errors.Is(err, context.Canceled) {
			return Outcome{Err: err, Attempts: attempt + 1}
		}

		lastErr = err

		if !errdefs.IsRetryable(err) && !errors.Is(err, errdefs.ErrConflict) {
			break
		}

		if attempt+1 >= s.cfg.MaxAttempts {
			break
		}

		backoff := s.cfg.Backoff(attempt, s.cfg.RetryBaseDelay)
		logger.Debugf("Retrying %s in %v (attempt %d/%d): %v",
			spec.ResourceID, backoff, attempt+2, s.cfg.MaxAttempts, lastErr)

		s.events.Emit(progress.Event{ResourceID: spec.ResourceID, Phase: progress.PhaseRetryWait})

		if err := s.cfg.Sleep(ctx, backoff); err != nil {
			return Outcome{Err: err, Attempts: attempt + 1}
		}
	}

	logger.Errorf("Resource %s terminally failed after %d attempt(s): %v",
		spec.ResourceID, s.cfg.MaxAttempts, lastErr)

	s.events.Emit(progress.Event{ResourceID: spec.ResourceID, Phase: progress.PhaseFailed})

	return Outcome{Err: lastErr, Attempts: s.cfg.MaxAttempts}
}

// attempt performs one transfer-verify-commit cycle. Retryable failures
// keep staged bytes on disk so the next attempt can resume; integrity
// failures discard them.
func (s *Scheduler) attempt(ctx context.Context, datasetID, version string, spec manifest.ResourceSpec, attempt int) (cache.Entry, checksum.Mode, error) {
	h, err := s.store.BeginWrite(datasetID, version, spec.ResourceID, spec.Destination())
	if err != nil {
		return cache.Entry{}, 0, err
	}

	task := transfer.NewTask(spec, h.Offset(), attempt)

	result, err := s.worker.Run(ctx, task, h)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cancellation discards the staging file; prior successes
			// in the same call stay valid.
			s.store.Abort(h)
			return cache.Entry{}, 0, err
		}

		var integrityErr *errdefs.IntegrityError
		if errors.As(err, &integrityErr) {
			s.store.Abort(h)

			if markErr := s.store.MarkCorrupt(datasetID, version, spec.ResourceID, spec.Destination()); markErr != nil {
				logger.Warnf("Failed to mark %s corrupt: %v", spec.ResourceID, markErr)
			}

			return cache.Entry{}, 0, err
		}

		// Keep staged bytes for a range-resumable retry.
		s.store.Release(h)

		return cache.Entry{}, 0, err
	}

	s.events.Emit(progress.Event{
		ResourceID: spec.ResourceID,
		BytesSoFar: result.TotalSize,
		TotalBytes: result.TotalSize,
		Phase:      progress.PhaseVerifying,
	})

	entry, mode, err := s.verifyAndCommit(h, datasetID, version, spec, result)
	if err != nil {
		return cache.Entry{}, 0, err
	}

	return entry, mode, nil
}

// entryMode recovers how strongly a cached entry was verified. An entry
// committed without a digest stays size-only forever; a cache hit must
// not upgrade it.
func entryMode(e cache.Entry) checksum.Mode {
	if e.Digest == "" {
		return checksum.ModeSizeOnly
	}

	return checksum.ModeDigest
}

func (s *Scheduler) verifyAndCommit(h *cache.WriteHandle, datasetID, version string, spec manifest.ResourceSpec, result transfer.Result) (cache.Entry, checksum.Mode, error) {
	if spec.Digest.IsZero() {
		// No digest in the manifest: verification degrades to the size
		// match the worker already performed. The degraded mode is
		// reported to the caller, never passed off as strong.
		entry, err := s.store.Commit(h, "", "", result.TotalSize)
		if err != nil {
			return cache.Entry{}, 0, err
		}

		logger.Warnf("Resource %s committed with size-only verification (no digest in manifest)", spec.ResourceID)

		return entry, checksum.ModeSizeOnly, nil
	}

	computed, err := checksum.HashFile(h.StagingPath(), spec.Digest.Algorithm)
	if err != nil {
		s.store.Abort(h)
		return cache.Entry{}, 0, err
	}

	if !checksum.Verify(computed, spec.Digest.Hex) {
		s.store.Abort(h)

		if markErr := s.store.MarkCorrupt(datasetID, version, spec.ResourceID, spec.Destination()); markErr != nil {
			logger.Warnf("Failed to mark %s corrupt: %v", spec.ResourceID, markErr)
		}

		return cache.Entry{}, 0, &errdefs.IntegrityError{
			ResourceID: spec.ResourceID,
			Expected:   spec.Digest.Hex,
			Actual:     computed,
		}
	}

	entry, err := s.store.Commit(h, spec.Digest.Algorithm, computed, result.TotalSize)
	if err != nil {
		return cache.Entry{}, 0, err
	}

	return entry, checksum.ModeDigest, nil
}
