package fetcher_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsfetch/dsfetch/internal/cache"
	"github.com/dsfetch/dsfetch/internal/checksum"
	"github.com/dsfetch/dsfetch/internal/errdefs"
	"github.com/dsfetch/dsfetch/internal/fetcher"
	"github.com/dsfetch/dsfetch/internal/manifest"
	"github.com/dsfetch/dsfetch/internal/scheduler"
	"github.com/dsfetch/dsfetch/internal/transfer"
	"github.com/dsfetch/dsfetch/pkg/httpx"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// registry is a fake dataset host serving fixed per-path content and
// counting requests per path.
type registry struct {
	mu       sync.Mutex
	files    map[string][]byte
	requests map[string]int
}

func newRegistry(files map[string][]byte) *registry {
	return &registry{files: files, requests: make(map[string]int)}
}

func (rg *registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rg.mu.Lock()
	rg.requests[r.URL.Path]++
	content, ok := rg.files[r.URL.Path]
	rg.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Write(content)
}

func (rg *registry) requestCount() int {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	total := 0
	for _, n := range rg.requests {
		total += n
	}

	return total
}

func newManager(t *testing.T) (*fetcher.Manager, *cache.Store) {
	t.Helper()

	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	worker := transfer.NewWorker(httpx.NewClient(httpx.Options{}), nil)

	sched := scheduler.New(store, worker, nil, scheduler.Config{
		ConcurrencyLimit: 2,
		MaxAttempts:      2,
		Backoff:          func(int, time.Duration) time.Duration { return 0 },
		Sleep:            func(context.Context, time.Duration) error { return nil },
	})

	return fetcher.New(store, sched), store
}

func datasetManifest(baseURL string, files map[string][]byte) *manifest.Manifest {
	m := &manifest.Manifest{DatasetID: "imagenet-mini", Version: "2024.1"}

	for _, name := range []string{"/train.csv", "/labels.csv"} {
		content, ok := files[name]
		if !ok {
			continue
		}

		m.Resources = append(m.Resources, manifest.ResourceSpec{
			ResourceID:   name[1:],
			URL:          baseURL + name,
			ExpectedSize: int64(len(content)),
			Digest:       manifest.Digest{Algorithm: "sha256", Hex: sha256Hex(content)},
			RelativePath: name[1:],
		})
	}

	return m
}

func TestEnsureDatasetDownloadsAndVerifies(t *testing.T) {
	files := map[string][]byte{
		"/train.csv":  []byte("feature,label\n0.1,cat\n0.2,dog\n"),
		"/labels.csv": []byte("cat\ndog\n"),
	}

	rg := newRegistry(files)
	ts := httptest.NewServer(rg)
	defer ts.Close()

	mgr, store := newManager(t)
	m := datasetManifest(ts.URL, files)

	resolved, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})

	require.NoError(t, err)
	require.Len(t, resolved, 2)

	for id, res := range resolved {
		assert.False(t, res.FromCache)
		assert.Equal(t, checksum.ModeDigest, res.Mode)

		content, readErr := os.ReadFile(res.Path)
		require.NoError(t, readErr)
		assert.Equal(t, files["/"+id], content)

		entry, ok := store.Lookup("imagenet-mini", "2024.1", id)
		require.True(t, ok)
		assert.Equal(t, cache.Verified, entry.State)
	}
}

func TestEnsureDatasetIsIdempotent(t *testing.T) {
	files := map[string][]byte{
		"/train.csv":  []byte("feature,label\n0.1,cat\n"),
		"/labels.csv": []byte("cat\n"),
	}

	rg := newRegistry(files)
	ts := httptest.NewServer(rg)
	defer ts.Close()

	mgr, _ := newManager(t)
	m := datasetManifest(ts.URL, files)

	first, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})
	require.NoError(t, err)

	downloaded := rg.requestCount()
	require.Equal(t, 2, downloaded)

	second, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})
	require.NoError(t, err)

	assert.Equal(t, downloaded, rg.requestCount(), "a fully cached dataset must trigger no transfers")

	for id, res := range second {
		assert.True(t, res.FromCache)
		assert.Equal(t, first[id].Path, res.Path)
	}
}

func TestEnsureDatasetAggregatesFailures(t *testing.T) {
	files := map[string][]byte{
		"/train.csv": []byte("feature,label\n0.1,cat\n"),
		// labels.csv is missing from the registry: a persistent 404.
	}

	rg := newRegistry(files)
	ts := httptest.NewServer(rg)
	defer ts.Close()

	mgr, store := newManager(t)

	m := datasetManifest(ts.URL, files)
	m.Resources = append(m.Resources, manifest.ResourceSpec{
		ResourceID:   "labels.csv",
		URL:          ts.URL + "/labels.csv",
		RelativePath: "labels.csv",
	})

	resolved, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})

	require.Error(t, err)
	assert.Nil(t, resolved, "partial success must not be disguised as success")

	var fetchErr *errdefs.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, []string{"labels.csv"}, fetchErr.FailedResources())
	assert.Contains(t, err.Error(), "labels.csv")

	// The sibling that did resolve stays verified in the cache and is
	// served from there on the next call.
	entry, ok := store.Lookup("imagenet-mini", "2024.1", "train.csv")
	require.True(t, ok)
	assert.Equal(t, cache.Verified, entry.State)
}

func TestEnsureDatasetRecoversAfterFailureFixed(t *testing.T) {
	files := map[string][]byte{
		"/train.csv": []byte("feature,label\n0.1,cat\n"),
	}

	rg := newRegistry(files)
	ts := httptest.NewServer(rg)
	defer ts.Close()

	mgr, _ := newManager(t)

	labels := []byte("cat\ndog\n")

	m := datasetManifest(ts.URL, files)
	m.Resources = append(m.Resources, manifest.ResourceSpec{
		ResourceID:   "labels.csv",
		URL:          ts.URL + "/labels.csv",
		ExpectedSize: int64(len(labels)),
		Digest:       manifest.Digest{Algorithm: "sha256", Hex: sha256Hex(labels)},
		RelativePath: "labels.csv",
	})

	_, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})
	require.Error(t, err)

	trainRequests := rg.requests["/train.csv"]

	// The registry operator publishes the missing file; only the gap is
	// fetched on the next call.
	rg.mu.Lock()
	rg.files["/labels.csv"] = labels
	rg.mu.Unlock()

	resolved, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})

	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.True(t, resolved["train.csv"].FromCache)
	assert.False(t, resolved["labels.csv"].FromCache)
	assert.Equal(t, trainRequests, rg.requests["/train.csv"])
}

func TestEnsureDatasetForceRedownloads(t *testing.T) {
	files := map[string][]byte{
		"/train.csv":  []byte("feature,label\n0.1,cat\n"),
		"/labels.csv": []byte("cat\n"),
	}

	rg := newRegistry(files)
	ts := httptest.NewServer(rg)
	defer ts.Close()

	mgr, _ := newManager(t)
	m := datasetManifest(ts.URL, files)

	_, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, rg.requestCount())

	resolved, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{Force: true})

	require.NoError(t, err)
	assert.Equal(t, 4, rg.requestCount(), "force must bypass the cache")

	for _, res := range resolved {
		assert.False(t, res.FromCache)
	}
}

func TestEnsureDatasetVersionChangeEvictsOldEntries(t *testing.T) {
	files := map[string][]byte{
		"/train.csv":  []byte("feature,label\n0.1,cat\n"),
		"/labels.csv": []byte("cat\n"),
	}

	rg := newRegistry(files)
	ts := httptest.NewServer(rg)
	defer ts.Close()

	mgr, store := newManager(t)

	m := datasetManifest(ts.URL, files)
	_, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})
	require.NoError(t, err)

	oldEntry, ok := store.Lookup("imagenet-mini", "2024.1", "train.csv")
	require.True(t, ok)

	next := datasetManifest(ts.URL, files)
	next.Version = "2024.2"

	resolved, err := mgr.EnsureDataset(context.Background(), next, fetcher.Options{})
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	_, ok = store.Lookup("imagenet-mini", "2024.1", "train.csv")
	assert.False(t, ok, "superseded version entries must be evicted")

	_, statErr := os.Stat(oldEntry.LocalPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsureDatasetSizeOnlyModeIsSurfaced(t *testing.T) {
	content := []byte("no digest for this one\n")

	rg := newRegistry(map[string][]byte{"/raw.bin": content})
	ts := httptest.NewServer(rg)
	defer ts.Close()

	mgr, _ := newManager(t)

	m := &manifest.Manifest{
		DatasetID: "imagenet-mini",
		Version:   "2024.1",
		Resources: []manifest.ResourceSpec{
			{
				ResourceID:   "raw",
				URL:          ts.URL + "/raw.bin",
				ExpectedSize: int64(len(content)),
				RelativePath: "raw.bin",
			},
		},
	}

	resolved, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})

	require.NoError(t, err)
	assert.Equal(t, checksum.ModeSizeOnly, resolved["raw"].Mode)

	// The degraded mode survives a cache hit on the next call.
	again, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})
	require.NoError(t, err)
	assert.Equal(t, checksum.ModeSizeOnly, again["raw"].Mode)
	assert.True(t, again["raw"].FromCache)
}

func TestEnsureDatasetRejectsInvalidManifest(t *testing.T) {
	mgr, _ := newManager(t)

	m := &manifest.Manifest{DatasetID: "", Version: "v1"}

	_, err := mgr.EnsureDataset(context.Background(), m, fetcher.Options{})

	assert.Error(t, err)
}
