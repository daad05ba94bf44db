// Package instance groups the physical files of a backup location (local
// staging or a remote listing) into logical backup instances keyed by
// their filename timestamp.
package instance

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vk/backhaul/internal/ctxlog"
)

// File is one normalized listing entry, local or remote.
type File struct {
	Name    string
	ModTime time.Time
}

// Instance is one logical backup version: the main archive plus any
// numbered volume parts and a checksum sidecar sharing its timestamp.
// Instances are re-derived from a listing on every retention pass and
// never persisted.
type Instance struct {
	// Key is baseName plus the raw stamp token, unique per version.
	Key       string
	Timestamp time.Time
	// SortTime is the earliest file's mod time, stable even when volume
	// parts land at slightly different times.
	SortTime time.Time
	Files    []File
}

// FileNames returns the instance's file names in listing order.
func (in *Instance) FileNames() []string {
	names := make([]string, len(in.Files))
	for i, f := range in.Files {
		names[i] = f.Name
	}
	return names
}

// Group buckets a flat file listing into instances for one job. Files
// whose names do not carry a parseable stamp for the given base name and
// layout are logged and ignored; unrelated files sharing a prefix must
// never join a group.
func Group(ctx context.Context, files []File, baseName, layout string) map[string]*Instance {
	logger := ctxlog.FromContext(ctx)
	instances := make(map[string]*Instance)

	for _, f := range files {
		stamp, ts, ok := parseStamp(f.Name, baseName, layout)
		if !ok {
			logger.Debug("Ignoring file without a parseable stamp.", "file", f.Name, "base", baseName)
			continue
		}

		key := baseName + "-" + stamp
		inst, exists := instances[key]
		if !exists {
			inst = &Instance{Key: key, Timestamp: ts, SortTime: f.ModTime}
			instances[key] = inst
		}
		inst.Files = append(inst.Files, f)
		if f.ModTime.Before(inst.SortTime) {
			inst.SortTime = f.ModTime
		}
	}

	// Listing order inside a group is made deterministic regardless of
	// input order.
	for _, inst := range instances {
		sort.Slice(inst.Files, func(i, j int) bool { return inst.Files[i].Name < inst.Files[j].Name })
	}
	return instances
}

// parseStamp extracts and parses the timestamp token from a filename of
// the form <base>-<stamp>[.suffix...]. The token must be exactly the
// layout's formatted width and must end at a dot or the end of the name.
func parseStamp(name, baseName, layout string) (string, time.Time, bool) {
	prefix := baseName + "-"
	if !strings.HasPrefix(name, prefix) {
		return "", time.Time{}, false
	}
	rest := name[len(prefix):]

	stampLen := len(time.Unix(0, 0).UTC().Format(layout))
	if len(rest) < stampLen {
		return "", time.Time{}, false
	}
	token := rest[:stampLen]
	if len(rest) > stampLen && rest[stampLen] != '.' {
		return "", time.Time{}, false
	}

	ts, err := time.Parse(layout, token)
	if err != nil {
		return "", time.Time{}, false
	}
	return token, ts, true
}
