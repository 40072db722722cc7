package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	entriesBucket  = "entries"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

// Entry is one record of the cache index: the single source of truth for
// whether a resource is usable. The filesystem is never trusted alone.
type Entry struct {
	ResourceID     string    `json:"resourceId"`
	DatasetID      string    `json:"datasetId"`
	DatasetVersion string    `json:"datasetVersion"`
	RelativePath   string    `json:"relativePath"`
	LocalPath      string    `json:"-"`
	Size           int64     `json:"size"`
	DigestAlgo     string    `json:"digestAlgo,omitempty"`
	Digest         string    `json:"digest,omitempty"`
	State          State     `json:"state"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func entryKey(datasetID, version, resourceID string) []byte {
	return []byte(datasetID + "\x00" + version + "\x00" + resourceID)
}

func datasetPrefix(datasetID string) []byte {
	return []byte(datasetID + "\x00")
}

// index is the bbolt-backed persistent entry map. bbolt keeps the whole
// index in a single transactional file inside the cache root, so every
// commit/evict survives a crash without a rewrite-and-rename dance.
type index struct {
	db *bbolt.DB
}

func openIndex(dbPath string) (*index, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return fmt.Errorf("failed to create entries bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

func (ix *index) put(e Entry) error {
	e.UpdatedAt = time.Now().UTC()

	return ix.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal cache entry: %w", err)
		}

		return tx.Bucket([]byte(entriesBucket)).
			Put(entryKey(e.DatasetID, e.DatasetVersion, e.ResourceID), data)
	})
}

func (ix *index) get(datasetID, version, resourceID string) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)

	err := ix.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(entriesBucket)).Get(entryKey(datasetID, version, resourceID))
		if data == nil {
			return nil
		}

		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to unmarshal cache entry: %w", err)
		}

		found = true

		return nil
	})

	return e, found, err
}

func (ix *index) delete(datasetID, version, resourceID string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).Delete(entryKey(datasetID, version, resourceID))
	})
}

// forEach visits every entry, optionally restricted to one dataset.
func (ix *index) forEach(datasetID string, fn func(Entry) error) error {
	return ix.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(entriesBucket)).Cursor()

		var prefix []byte
		if datasetID != "" {
			prefix = datasetPrefix(datasetID)
		}

		k, v := c.First()
		if prefix != nil {
			k, v = c.Seek(prefix)
		}

		for ; k != nil; k, v = c.Next() {
			if prefix != nil && !strings.HasPrefix(string(k), string(prefix)) {
				break
			}

			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal cache entry %q: %w", k, err)
			}

			if err := fn(e); err != nil {
				return err
			}
		}

		return nil
	})
}
