// Package transfer dispatches a job's finished archive to its configured
// targets: provider resolution, bounded-concurrency fan-out, per-target
// retry of transient failures, deterministic result aggregation, and
// remote retention.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vk/backhaul/internal/config"
)

// Receipt is what a provider reports for one successful transfer.
type Receipt struct {
	RemoteLocations  []string
	BytesTransferred int64
}

// RemoteFile is one normalized entry of a target's remote listing.
type RemoteFile struct {
	Name    string
	ModTime time.Time
}

// Provider is the per-storage-kind transfer contract. Implementations
// must classify failures as transient (wrapped via Transient) or
// permanent so the dispatcher's retry loop can decide.
type Provider interface {
	// Kind is the registry tag this provider serves, e.g. "localdir".
	Kind() string
	// Transfer ships the given local files to the target.
	Transfer(ctx context.Context, localPaths []string, target *config.Target) (*Receipt, error)
	// ListRemote returns the target's current file listing.
	ListRemote(ctx context.Context, target *config.Target) ([]RemoteFile, error)
	// DeleteRemote removes the named files from the target.
	DeleteRemote(ctx context.Context, target *config.Target, names []string) error
}

// Registry maps provider-kind tags to implementations, resolved once at
// startup rather than looked up dynamically per call.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its kind tag. Registering the same kind
// twice is a programmer error.
func (r *Registry) Register(p Provider) {
	if _, dup := r.providers[p.Kind()]; dup {
		panic(fmt.Sprintf("transfer: provider kind %q registered twice", p.Kind()))
	}
	r.providers[p.Kind()] = p
}

// Resolve returns the provider for a kind tag.
func (r *Registry) Resolve(kind string) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, config.Errorf("no transfer provider registered for kind %q", kind)
	}
	return p, nil
}

// Kinds lists the registered provider kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// TransientError wraps a provider failure that is worth retrying.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the underlying cause.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable anywhere in its
// chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
