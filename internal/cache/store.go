// Package cache maintains the local on-disk dataset cache: a bbolt index
// of entries plus final resource files, with staged writes that are
// promoted atomically only after verification.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dsfetch/dsfetch/internal/errdefs"
	"github.com/dsfetch/dsfetch/internal/logger"
)

const (
	stagingDirName  = "staging"
	datasetsDirName = "datasets"
	indexFileName   = "index.db"
)

// writeRegistry tracks in-flight write handles. It is owned by a Store
// instance, never process-global, so independent stores (tests included)
// cannot interfere with one another.
type writeRegistry struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newWriteRegistry() *writeRegistry {
	return &writeRegistry{inFlight: make(map[string]struct{})}
}

// acquire is a single critical section that never spans I/O.
func (r *writeRegistry) acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.inFlight[key]; busy {
		return false
	}

	r.inFlight[key] = struct{}{}

	return true
}

func (r *writeRegistry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inFlight, key)
}

// Store maps dataset resources to on-disk locations and tracks their
// validity through the index.
type Store struct {
	root   string
	index  *index
	writes *writeRegistry
}

// Open initializes a cache store rooted at dir, creating the layout if
// needed and healing any index/file inconsistencies left by a crash.
func Open(dir string) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, stagingDirName), filepath.Join(dir, datasetsDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", d, err)
		}
	}

	ix, err := openIndex(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:   dir,
		index:  ix,
		writes: newWriteRegistry(),
	}

	if err := s.heal(); err != nil {
		ix.close()
		return nil, err
	}

	return s, nil
}

// Close releases the index database.
func (s *Store) Close() error {
	return s.index.close()
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// finalPath is where a committed resource lives.
func (s *Store) finalPath(datasetID, version, relative string) string {
	return filepath.Join(s.root, datasetsDirName, datasetID, version, filepath.FromSlash(relative))
}

// heal downgrades index entries whose backing file is missing or has a
// mismatched size. A crash between rename and index update can only ever
// lose a commit, never forge one, so healing is a downgrade-only pass.
func (s *Store) heal() error {
	var stale []Entry

	err := s.index.forEach("", func(e Entry) error {
		if e.State != Verified {
			// Partial/Corrupt records never vouch for a file; the
			// resource stays eligible for re-download.
			return nil
		}

		path := s.finalPath(e.DatasetID, e.DatasetVersion, e.RelativePath)

		fi, statErr := os.Stat(path)
		if statErr != nil || fi.Size() != e.Size {
			stale = append(stale, e)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range stale {
		corruption := &errdefs.CacheCorruptionError{
			ResourceID: e.ResourceID,
			Reason:     "verified entry has missing or size-mismatched file",
		}
		logger.Warnf("Healing cache: %v (downgraded to absent)", corruption)

		if err := s.index.delete(e.DatasetID, e.DatasetVersion, e.ResourceID); err != nil {
			return err
		}
	}

	return nil
}

// Lookup returns the entry for a resource. The second return is false
// when the resource is absent from the index.
func (s *Store) Lookup(datasetID, version, resourceID string) (Entry, bool) {
	e, found, err := s.index.get(datasetID, version, resourceID)
	if err != nil {
		logger.Errorf("Cache lookup failed for %s/%s/%s: %v", datasetID, version, resourceID, err)
		return Entry{}, false
	}

	if !found {
		return Entry{}, false
	}

	e.LocalPath = s.finalPath(e.DatasetID, e.DatasetVersion, e.RelativePath)

	return e, true
}

// WriteHandle is an open staged write for one resource. Exactly one
// handle may exist per resource at a time.
type WriteHandle struct {
	store *Store

	key         string
	datasetID   string
	version     string
	resourceID  string
	relative    string
	stagingPath string

	file   *os.File
	offset int64
	closed bool
}

// File exposes the staging file for streaming writes.
func (h *WriteHandle) File() *os.File {
	return h.file
}

// Offset returns the number of previously staged bytes found when the
// handle was opened. A transfer may resume from here when the server
// supports ranges.
func (h *WriteHandle) Offset() int64 {
	return h.offset
}

// StagingPath returns the temporary on-disk location of the write.
func (h *WriteHandle) StagingPath() string {
	return h.stagingPath
}

// ResourceID returns the resource this handle writes.
func (h *WriteHandle) ResourceID() string {
	return h.resourceID
}

// stagingName derives a deterministic staging filename so partial bytes
// survive between retry attempts.
func stagingName(datasetID, version, resourceID string) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch r {
			case '/', '\\', ':', '\x00':
				return '_'
			default:
				return r
			}
		}, s)
	}

	return sanitize(datasetID) + "__" + sanitize(version) + "__" + sanitize(resourceID) + ".part"
}

// BeginWrite opens a staged write for a resource. It fails with
// errdefs.ErrConflict while another handle for the same resource is
// open. Previously staged bytes, if any, are preserved and reported via
// Offset so the caller can resume.
func (s *Store) BeginWrite(datasetID, version, resourceID, relative string) (*WriteHandle, error) {
	key := datasetID + "\x00" + version + "\x00" + resourceID

	if !s.writes.acquire(key) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrConflict, resourceID)
	}

	stagingPath := filepath.Join(s.root, stagingDirName, stagingName(datasetID, version, resourceID))

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		s.writes.release(key)
		return nil, fmt.Errorf("failed to open staging file for %s: %w", resourceID, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		s.writes.release(key)

		return nil, fmt.Errorf("failed to stat staging file for %s: %w", resourceID, err)
	}

	h := &WriteHandle{
		store:       s,
		key:         key,
		datasetID:   datasetID,
		version:     version,
		resourceID:  resourceID,
		relative:    relative,
		stagingPath: stagingPath,
		file:        f,
		offset:      fi.Size(),
	}

	err = s.index.put(Entry{
		ResourceID:     resourceID,
		DatasetID:      datasetID,
		DatasetVersion: version,
		RelativePath:   relative,
		Size:           fi.Size(),
		State:          Partial,
	})
	if err != nil {
		h.closeFile()
		s.writes.release(key)

		return nil, err
	}

	logger.Debugf("Opened write handle for %s (staged offset %d)", resourceID, fi.Size())

	return h, nil
}

func (h *WriteHandle) closeFile() {
	if h.file != nil {
		if err := h.file.Close(); err != nil {
			logger.Errorf("Failed to close staging file %s: %v", h.stagingPath, err)
		}

		h.file = nil
	}
}

// Commit fsyncs and atomically promotes a staged write to its final
// path, then records a Verified entry. The rename happens strictly
// before the index update: a crash between the two recovers as Absent on
// the next load, never as a false Verified.
func (s *Store) Commit(h *WriteHandle, digestAlgo, digest string, size int64) (Entry, error) {
	if h.closed {
		return Entry{}, fmt.Errorf("write handle for %s already closed", h.resourceID)
	}

	h.closed = true
	defer s.writes.release(h.key)

	if err := h.file.Sync(); err != nil {
		h.closeFile()
		return Entry{}, fmt.Errorf("failed to sync staging file for %s: %w", h.resourceID, err)
	}

	h.closeFile()

	finalPath := s.finalPath(h.datasetID, h.version, h.relative)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return Entry{}, fmt.Errorf("failed to create dataset directory: %w", err)
	}

	if err := os.Rename(h.stagingPath, finalPath); err != nil {
		return Entry{}, fmt.Errorf("failed to promote %s: %w", h.resourceID, err)
	}

	entry := Entry{
		ResourceID:     h.resourceID,
		DatasetID:      h.datasetID,
		DatasetVersion: h.version,
		RelativePath:   h.relative,
		Size:           size,
		DigestAlgo:     digestAlgo,
		Digest:         digest,
		State:          Verified,
	}

	if err := s.index.put(entry); err != nil {
		return Entry{}, fmt.Errorf("failed to record cache entry for %s: %w", h.resourceID, err)
	}

	entry.LocalPath = finalPath

	logger.Infof("Committed %s (%d bytes) to cache", h.resourceID, size)

	return entry, nil
}

// Abort discards a staged write entirely. The entry reverts to Absent.
func (s *Store) Abort(h *WriteHandle) {
	if h.closed {
		return
	}

	h.closed = true
	h.closeFile()

	if err := os.Remove(h.stagingPath); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Failed to remove staging file %s: %v", h.stagingPath, err)
	}

	if err := s.index.delete(h.datasetID, h.version, h.resourceID); err != nil {
		logger.Warnf("Failed to clear partial entry for %s: %v", h.resourceID, err)
	}

	s.writes.release(h.key)
}

// Release closes a staged write but keeps the staged bytes on disk so a
// later attempt can resume from Offset. The Partial entry remains.
func (s *Store) Release(h *WriteHandle) {
	if h.closed {
		return
	}

	h.closed = true
	h.closeFile()
	s.writes.release(h.key)
}

// MarkCorrupt records that a resource failed verification. The entry is
// eligible for re-download; no file vouching happens for Corrupt records.
func (s *Store) MarkCorrupt(datasetID, version, resourceID, relative string) error {
	return s.index.put(Entry{
		ResourceID:     resourceID,
		DatasetID:      datasetID,
		DatasetVersion: version,
		RelativePath:   relative,
		State:          Corrupt,
	})
}

// Evict removes a resource's file and index record. Calling it on an
// absent entry is a no-op.
func (s *Store) Evict(datasetID, version, resourceID string) error {
	e, found, err := s.index.get(datasetID, version, resourceID)
	if err != nil {
		return err
	}

	if found {
		path := s.finalPath(e.DatasetID, e.DatasetVersion, e.RelativePath)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	return s.index.delete(datasetID, version, resourceID)
}

// EvictDataset removes every entry recorded for a dataset, across all
// versions. Used when a manifest supersedes prior versions and by
// forced re-fetches.
func (s *Store) EvictDataset(datasetID string) error {
	var entries []Entry

	err := s.index.forEach(datasetID, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := s.Evict(e.DatasetID, e.DatasetVersion, e.ResourceID); err != nil {
			return err
		}
	}

	return nil
}

// EvictSupersededVersions removes entries for a dataset recorded under
// any version other than the given one.
func (s *Store) EvictSupersededVersions(datasetID, keepVersion string) error {
	var stale []Entry

	err := s.index.forEach(datasetID, func(e Entry) error {
		if e.DatasetVersion != keepVersion {
			stale = append(stale, e)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range stale {
		logger.Infof("Evicting %s/%s/%s superseded by version %s",
			e.DatasetID, e.DatasetVersion, e.ResourceID, keepVersion)

		if err := s.Evict(e.DatasetID, e.DatasetVersion, e.ResourceID); err != nil {
			return err
		}
	}

	return nil
}
