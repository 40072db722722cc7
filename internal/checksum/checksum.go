// Package checksum computes and compares content digests for fetched
// resources. Digests are always computed in a single pass over the
// completed staged file, never carried across resume attempts.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// AlgorithmSHA256 is the default cryptographic digest.
	AlgorithmSHA256 = "sha256"

	// AlgorithmXXH64 is a fast non-cryptographic digest, acceptable
	// only where the manifest author opted into it.
	AlgorithmXXH64 = "xxh64"
)

var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// Mode records how strong a verification actually was.
type Mode int

const (
	// ModeDigest means the content digest was compared.
	ModeDigest Mode = iota

	// ModeSizeOnly means no digest was available and only the byte
	// count was checked. Callers must surface this degraded mode.
	ModeSizeOnly
)

func (m Mode) String() string {
	if m == ModeSizeOnly {
		return "size-only"
	}

	return "digest"
}

// New returns a streaming hash for the named algorithm.
func New(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmXXH64:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// HashFile computes the hex digest of a file in one streaming pass.
func HashFile(path, algorithm string) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares two hex digests case-insensitively.
func Verify(computed, expected string) bool {
	return computed != "" && strings.EqualFold(computed, expected)
}
