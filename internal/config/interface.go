package config

import "context"

// Loader abstracts the catalogue's on-disk format from the rest of the
// engine. The concrete HCL implementation lives in internal/hcl.
type Loader interface {
	// Load reads every catalogue file reachable from the given paths and
	// returns the resolved, validated model.
	Load(ctx context.Context, paths ...string) (*Model, error)
}
