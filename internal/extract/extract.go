// Package extract unpacks fetched ZIP archives into the dataset
// directory, including nested archives. Member paths are validated
// before extraction; absolute paths, parent traversal and drive
// segments are rejected outright.
package extract

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsfetch/dsfetch/internal/logger"
	"github.com/dsfetch/dsfetch/internal/manifest"
)

// Options controls archive handling.
type Options struct {
	// KeepArchives leaves the .zip files in place after extraction.
	KeepArchives bool
}

// IsZip reports whether the file looks like a ZIP archive by name.
func IsZip(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

// Zip extracts an archive into destDir, recursing into nested ZIP
// members. Unless KeepArchives is set, archives are removed after a
// successful extraction.
func Zip(archivePath, destDir string, opts Options) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}

	for _, member := range r.File {
		if !manifest.IsSafeRelativePath(member.Name) {
			r.Close()
			return fmt.Errorf("archive %s contains unsafe member path %q", archivePath, member.Name)
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		r.Close()
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	var nested []string

	for _, member := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(member.Name))

		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				r.Close()
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}

			continue
		}

		if err := extractMember(member, target); err != nil {
			r.Close()
			return err
		}

		if IsZip(member.Name) {
			nested = append(nested, target)
		}
	}

	if err := r.Close(); err != nil {
		return fmt.Errorf("failed to close archive %s: %w", archivePath, err)
	}

	for _, nestedPath := range nested {
		nestedDest := strings.TrimSuffix(nestedPath, filepath.Ext(nestedPath))

		logger.Debugf("Extracting nested archive %s", nestedPath)

		if err := Zip(nestedPath, nestedDest, opts); err != nil {
			return err
		}
	}

	if !opts.KeepArchives {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to remove archive %s after extraction: %v", archivePath, err)
		}
	}

	return nil
}

func extractMember(member *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	src, err := member.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive member %s: %w", member.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, member.Mode().Perm()|0o200)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to extract %s: %w", member.Name, err)
	}

	return dst.Close()
}
