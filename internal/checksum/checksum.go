// Package checksum computes and verifies archive digests and handles the
// sidecar file format (sha256sum-compatible: "<hex digest>  <file name>").
package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SidecarExt is the extension of the checksum sidecar written next to an
// archive.
const SidecarExt = ".sha256"

// SHA256 implements the pipeline's Checksummer boundary with stdlib
// crypto.
type SHA256 struct{}

// Compute returns the hex-encoded sha256 digest of the file at path.
func (SHA256) Compute(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the digest of path and compares it with expected.
func (s SHA256) Verify(ctx context.Context, path, expected string) (bool, error) {
	actual, err := s.Compute(ctx, path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

// WriteSidecar writes the digest of archivePath into sidecarPath.
func WriteSidecar(sidecarPath, archivePath, digest string) error {
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(archivePath))
	if err := os.WriteFile(sidecarPath, []byte(line), 0o644); err != nil {
		return fmt.Errorf("writing sidecar %s: %w", sidecarPath, err)
	}
	return nil
}

// ReadSidecar parses the digest out of a sidecar file.
func ReadSidecar(sidecarPath string) (string, error) {
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return "", fmt.Errorf("reading sidecar %s: %w", sidecarPath, err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return "", fmt.Errorf("sidecar %s is empty", sidecarPath)
	}
	return fields[0], nil
}
