// Package snapshot defines the volume-snapshot boundary used by the
// pipeline and ships a passthrough provider for hosts without snapshot
// support.
package snapshot

import "context"

// Snapshot is an acquired snapshot handle. Paths maps each original
// source path to its snapshot-backed equivalent. A handle must be
// releasable even when acquisition only partially succeeded.
type Snapshot struct {
	Paths map[string]string
}

// PathsFor resolves the source paths through the snapshot mapping,
// falling back to the original path when no mapping exists.
func (s *Snapshot) PathsFor(sources []string) []string {
	resolved := make([]string, len(sources))
	for i, src := range sources {
		if mapped, ok := s.Paths[src]; ok {
			resolved[i] = mapped
		} else {
			resolved[i] = src
		}
	}
	return resolved
}

// Provider is the snapshot acquisition boundary.
type Provider interface {
	// Acquire creates a snapshot covering the source paths. On partial
	// failure it may return both a handle and an error; the handle must
	// still be passed to Release.
	Acquire(ctx context.Context, sources []string) (*Snapshot, error)
	// Release frees the snapshot. It tolerates handles from a partially
	// failed Acquire and nil-safe double release.
	Release(ctx context.Context, snap *Snapshot) error
}

// Passthrough is the no-op provider: every source maps to itself and
// release does nothing. Used when the host has no snapshot facility.
type Passthrough struct{}

// Acquire maps each source path to itself.
func (Passthrough) Acquire(ctx context.Context, sources []string) (*Snapshot, error) {
	paths := make(map[string]string, len(sources))
	for _, src := range sources {
		paths[src] = src
	}
	return &Snapshot{Paths: paths}, nil
}

// Release is a no-op.
func (Passthrough) Release(ctx context.Context, snap *Snapshot) error {
	return nil
}
