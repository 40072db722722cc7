// Package manifest defines the dataset manifest supplied by the
// registry collaborator: a declarative, ordered list of resources
// belonging to one dataset version.
package manifest

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dsfetch/dsfetch/internal/checksum"
	"github.com/dsfetch/dsfetch/pkg/httpx"
)

// Digest names an expected content digest for a resource.
type Digest struct {
	Algorithm string `yaml:"algorithm"`
	Hex       string `yaml:"hex"`
}

// IsZero reports whether no digest was supplied.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Hex == ""
}

// ResourceSpec describes a single downloadable file within a dataset.
// Immutable once constructed from manifest data.
type ResourceSpec struct {
	ResourceID   string `yaml:"resource_id"`
	URL          string `yaml:"url"`
	ExpectedSize int64  `yaml:"expected_size,omitempty"` // <= 0 means unknown
	Digest       Digest `yaml:"expected_digest,omitempty"`
	RelativePath string `yaml:"destination_relative_path,omitempty"`
}

// Destination returns the cache-relative destination path, deriving one
// from the URL when the manifest omits it.
func (r ResourceSpec) Destination() string {
	if r.RelativePath != "" {
		return r.RelativePath
	}

	return httpx.FilenameFromURL(r.URL)
}

// Manifest is the ordered resource list for one dataset version. Order
// is used for deterministic dispatch only and carries no correctness
// meaning.
type Manifest struct {
	DatasetID string         `yaml:"dataset_id"`
	Version   string         `yaml:"version"`
	Resources []ResourceSpec `yaml:"resources"`
}

// Load parses and validates a YAML manifest file.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest

	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks the manifest for the invariants the fetcher relies on.
func (m *Manifest) Validate() error {
	if m.DatasetID == "" {
		return fmt.Errorf("manifest is missing dataset_id")
	}

	if m.Version == "" {
		return fmt.Errorf("manifest %s is missing version", m.DatasetID)
	}

	if len(m.Resources) == 0 {
		return fmt.Errorf("manifest %s lists no resources", m.DatasetID)
	}

	seen := make(map[string]struct{}, len(m.Resources))

	for i, r := range m.Resources {
		if r.ResourceID == "" {
			return fmt.Errorf("resource %d in manifest %s is missing resource_id", i, m.DatasetID)
		}

		if _, dup := seen[r.ResourceID]; dup {
			return fmt.Errorf("duplicate resource_id %q in manifest %s", r.ResourceID, m.DatasetID)
		}

		seen[r.ResourceID] = struct{}{}

		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("resource %s has invalid URL %q", r.ResourceID, r.URL)
		}

		if !IsSafeRelativePath(r.Destination()) {
			return fmt.Errorf("resource %s has unsafe destination path %q", r.ResourceID, r.Destination())
		}

		if !r.Digest.IsZero() {
			if r.Digest.Hex == "" {
				return fmt.Errorf("resource %s names digest algorithm %q without a value", r.ResourceID, r.Digest.Algorithm)
			}

			if r.Digest.Algorithm == "" {
				return fmt.Errorf("resource %s has a digest value without an algorithm", r.ResourceID)
			}

			if _, err := checksum.New(r.Digest.Algorithm); err != nil {
				return fmt.Errorf("resource %s: %w", r.ResourceID, err)
			}
		}
	}

	return nil
}

// IsSafeRelativePath rejects absolute paths, parent traversal and
// Windows drive segments.
func IsSafeRelativePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}

	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." || strings.Contains(part, ":") {
			return false
		}
	}

	return true
}
