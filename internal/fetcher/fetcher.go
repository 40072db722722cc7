// Package fetcher is the top-level Fetch & Cache Manager: it diffs a
// dataset manifest against the cache, delegates the gap set to the
// scheduler, and reports the full per-resource outcome. It never
// retries anything itself.
package fetcher

import (
	"context"
	"fmt"

	"github.com/dsfetch/dsfetch/internal/cache"
	"github.com/dsfetch/dsfetch/internal/checksum"
	"github.com/dsfetch/dsfetch/internal/errdefs"
	"github.com/dsfetch/dsfetch/internal/logger"
	"github.com/dsfetch/dsfetch/internal/manifest"
	"github.com/dsfetch/dsfetch/internal/scheduler"
)

// Resolved describes one successfully ensured resource.
type Resolved struct {
	// Path is the local path of the verified file.
	Path string

	// Mode records whether verification was digest-based or degraded to
	// size-only (no digest in the manifest).
	Mode checksum.Mode

	// FromCache is true when the resource was served without any
	// network transfer.
	FromCache bool

	Attempts int
}

// Options adjusts a single EnsureDataset call.
type Options struct {
	// Force bypasses the cache: manifest resources are evicted and
	// re-downloaded even when Verified.
	Force bool
}

// Manager wires the cache store and the scheduler together.
type Manager struct {
	store *cache.Store
	sched *scheduler.Scheduler
}

func New(store *cache.Store, sched *scheduler.Scheduler) *Manager {
	return &Manager{store: store, sched: sched}
}

// EnsureDataset makes every resource of the manifest available locally
// and verified, returning resource_id -> resolution. The call succeeds
// only if all requested resources resolve; otherwise it returns an
// aggregate error naming every unresolved resource and its last failure
// reason. Cancellation keeps resources verified earlier in the call.
func (f *Manager) EnsureDataset(ctx context.Context, m *manifest.Manifest, opts Options) (map[string]Resolved, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	// Any version change invalidates prior entries for the dataset.
	if err := f.store.EvictSupersededVersions(m.DatasetID, m.Version); err != nil {
		return nil, fmt.Errorf("failed to evict superseded versions of %s: %w", m.DatasetID, err)
	}

	if opts.Force {
		for _, spec := range m.Resources {
			if err := f.store.Evict(m.DatasetID, m.Version, spec.ResourceID); err != nil {
				return nil, fmt.Errorf("failed to evict %s for forced fetch: %w", spec.ResourceID, err)
			}
		}
	}

	resolved := make(map[string]Resolved, len(m.Resources))
	gap := make([]manifest.ResourceSpec, 0, len(m.Resources))

	for _, spec := range m.Resources {
		entry, ok := f.store.Lookup(m.DatasetID, m.Version, spec.ResourceID)
		if ok && entry.State == cache.Verified {
			resolved[spec.ResourceID] = Resolved{
				Path:      entry.LocalPath,
				Mode:      verifyMode(entry),
				FromCache: true,
			}

			continue
		}

		gap = append(gap, spec)
	}

	if len(gap) == 0 {
		logger.Debugf("Dataset %s@%s fully cached, nothing to fetch", m.DatasetID, m.Version)
		return resolved, nil
	}

	logger.Infof("Fetching %d of %d resources for dataset %s@%s",
		len(gap), len(m.Resources), m.DatasetID, m.Version)

	gapManifest := &manifest.Manifest{
		DatasetID: m.DatasetID,
		Version:   m.Version,
		Resources: gap,
	}

	failures := make(map[string]error)

	for resourceID, outcome := range f.sched.FetchAll(ctx, gapManifest) {
		if outcome.Err != nil {
			failures[resourceID] = outcome.Err
			continue
		}

		resolved[resourceID] = Resolved{
			Path:      outcome.Entry.LocalPath,
			Mode:      outcome.Mode,
			FromCache: outcome.FromCache,
			Attempts:  outcome.Attempts,
		}
	}

	if len(failures) > 0 {
		return nil, &errdefs.FetchError{DatasetID: m.DatasetID, Failures: failures}
	}

	return resolved, nil
}

func verifyMode(e cache.Entry) checksum.Mode {
	if e.Digest == "" {
		return checksum.ModeSizeOnly
	}

	return checksum.ModeDigest
}
