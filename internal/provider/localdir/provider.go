// Package localdir implements the transfer provider contract for a plain
// directory destination: a mounted file share, a second disk, or any
// path-addressable storage.
package localdir

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/ctxlog"
	"github.com/vk/backhaul/internal/transfer"
)

// Kind is the registry tag for this provider.
const Kind = "localdir"

// Provider copies archives into a destination directory configured via
// the target's `path` setting.
type Provider struct{}

// New creates the provider.
func New() *Provider {
	return &Provider{}
}

// Kind implements transfer.Provider.
func (*Provider) Kind() string {
	return Kind
}

// destDir resolves the target's destination directory setting.
func destDir(target *config.Target) (string, error) {
	path, ok := target.StringSetting("path")
	if !ok || path == "" {
		return "", config.Errorf("target %q: localdir provider requires a 'path' setting", target.Name)
	}
	return path, nil
}

// Transfer copies each local file into the destination directory. A
// missing or unwritable destination is reported transient: shares come
// and go, and a later attempt may find the mount back.
func (p *Provider) Transfer(ctx context.Context, localPaths []string, target *config.Target) (*transfer.Receipt, error) {
	logger := ctxlog.FromContext(ctx).With("target", target.Name)

	dir, err := destDir(target)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, transfer.Transient(fmt.Errorf("destination %s unavailable: %w", dir, err))
	}

	receipt := &transfer.Receipt{}
	for _, src := range localPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dest := filepath.Join(dir, filepath.Base(src))
		n, err := copyFile(src, dest)
		if err != nil {
			return nil, transfer.Transient(fmt.Errorf("copying %s: %w", src, err))
		}
		receipt.RemoteLocations = append(receipt.RemoteLocations, dest)
		receipt.BytesTransferred += n
		logger.Debug("Copied file to destination.", "src", src, "dest", dest, "bytes", n)
	}
	return receipt, nil
}

// ListRemote returns the destination directory's files. A destination
// that does not exist yet lists as empty rather than failing.
func (p *Provider) ListRemote(ctx context.Context, target *config.Target) ([]transfer.RemoteFile, error) {
	dir, err := destDir(target)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, transfer.Transient(fmt.Errorf("listing %s: %w", dir, err))
	}

	var files []transfer.RemoteFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, transfer.RemoteFile{Name: entry.Name(), ModTime: info.ModTime()})
	}
	return files, nil
}

// DeleteRemote removes the named files from the destination directory.
// Already-gone files are not an error.
func (p *Provider) DeleteRemote(ctx context.Context, target *config.Target, names []string) error {
	dir, err := destDir(target)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return transfer.Transient(fmt.Errorf("deleting %s: %w", name, err))
		}
	}
	return nil
}

// copyFile copies src to dest, replacing any existing file, and returns
// the byte count.
func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
