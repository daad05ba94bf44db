// Package archive ships the built-in archiver: a tar stream compressed
// with zstd, optionally split into numbered volume parts. It sits behind
// the pipeline's Archiver boundary and is replaceable by any external
// compression engine.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/vk/backhaul/internal/ctxlog"
)

// Output describes a finished archive.
type Output struct {
	// OutputPath is the main archive file (the first volume when split).
	OutputPath string
	// VolumeParts lists overflow volume files, in order, when splitting
	// was requested and the archive exceeded one volume.
	VolumeParts []string
	// Bytes is the total compressed size across all volumes.
	Bytes int64
	// Warnings records entries that were skipped rather than failing the
	// archive (unreadable files, vanished paths).
	Warnings []string
}

// AllFiles returns the main file and every volume part.
func (o *Output) AllFiles() []string {
	return append([]string{o.OutputPath}, o.VolumeParts...)
}

// TarZstd is the built-in archiver.
type TarZstd struct{}

// Create archives the source paths into destPath. splitSize > 0 rotates
// to a new volume file every splitSize bytes of compressed output;
// overflow volumes are named destPath.partNNN starting at part002.
func (TarZstd) Create(ctx context.Context, sources []string, destPath string, splitSize int64) (*Output, error) {
	logger := ctxlog.FromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	out := &Output{OutputPath: destPath}
	sink := newVolumeWriter(destPath, splitSize)

	zw, err := zstd.NewWriter(sink)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	var walkErr error
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			walkErr = err
			break
		}
		if err := addPath(ctx, tw, source, out); err != nil {
			walkErr = err
			break
		}
	}

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("finalizing tar stream: %w", err)
	}
	if err := zw.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("finalizing zstd stream: %w", err)
	}
	if err := sink.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("closing archive volume: %w", err)
	}

	if walkErr != nil {
		// Leave no partial volumes behind.
		for _, f := range append([]string{destPath}, sink.parts...) {
			os.Remove(f)
		}
		return nil, walkErr
	}

	out.VolumeParts = sink.parts
	out.Bytes = sink.written
	logger.Debug("Archive created.", "path", destPath, "bytes", out.Bytes, "volumes", 1+len(out.VolumeParts))
	return out, nil
}

// addPath writes one source (file or directory tree) into the tar stream.
// Unreadable entries become warnings, not failures, so one bad file never
// sinks the whole backup.
func addPath(ctx context.Context, tw *tar.Writer, source string, out *Output) error {
	info, err := os.Stat(source)
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("skipping %s: %v", source, err))
		return nil
	}

	root := filepath.Dir(source)
	walk := func(path string, info os.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("skipping %s: %v", path, err))
			return nil
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archiving %s: %w", path, err)
		}
		return nil
	}

	if !info.IsDir() {
		return walk(source, info)
	}
	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("skipping %s: %v", path, err))
			return nil
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			out.Warnings = append(out.Warnings, fmt.Sprintf("skipping %s: not a regular file", path))
			return nil
		}
		return walk(path, info)
	})
}

// volumeWriter writes a byte stream across one or more volume files,
// rotating every splitSize bytes. splitSize <= 0 disables rotation.
type volumeWriter struct {
	basePath  string
	splitSize int64

	current *os.File
	inFile  int64
	written int64
	volume  int
	parts   []string
}

func newVolumeWriter(basePath string, splitSize int64) *volumeWriter {
	return &volumeWriter{basePath: basePath, splitSize: splitSize}
}

func (w *volumeWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if w.current == nil {
			if err := w.rotate(); err != nil {
				return total, err
			}
		}
		chunk := int64(len(p))
		if w.splitSize > 0 && w.inFile+chunk > w.splitSize {
			chunk = w.splitSize - w.inFile
		}
		n, err := w.current.Write(p[:chunk])
		total += n
		w.inFile += int64(n)
		w.written += int64(n)
		if err != nil {
			return total, err
		}
		p = p[n:]
		if w.splitSize > 0 && w.inFile >= w.splitSize {
			if err := w.closeCurrent(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (w *volumeWriter) rotate() error {
	w.volume++
	path := w.basePath
	if w.volume > 1 {
		path = fmt.Sprintf("%s.part%03d", w.basePath, w.volume)
		w.parts = append(w.parts, path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive volume %s: %w", path, err)
	}
	w.current = f
	w.inFile = 0
	return nil
}

func (w *volumeWriter) closeCurrent() error {
	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	return err
}

// Close flushes the final volume. A stream that never wrote still
// produces an empty main file so downstream stages see a real path.
func (w *volumeWriter) Close() error {
	if w.current == nil && w.volume == 0 {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	return w.closeCurrent()
}
