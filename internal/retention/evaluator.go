// Package retention decides which backup instances are eviction
// candidates under a keep-count and a pin set. It only plans; deletion is
// caller-driven so simulated runs can report the plan without removing
// anything.
package retention

import (
	"context"
	"sort"

	"github.com/vk/backhaul/internal/ctxlog"
	"github.com/vk/backhaul/internal/instance"
)

// Plan is an ordered eviction decision for one location.
type Plan struct {
	// Delete lists instances to evict, oldest first, for deterministic
	// logging and deletion order.
	Delete []*instance.Instance
	// Files flattens the instances' file names in the same order.
	Files []string
}

// Empty reports whether the plan evicts nothing.
func (p *Plan) Empty() bool {
	return len(p.Delete) == 0
}

// Evaluate applies a keep-count and pin set to grouped instances.
// KeepCount 0 means unlimited, never delete. Pinned instances are set
// aside before counting, so an old pinned instance neither consumes a
// keep slot nor shields a non-pinned neighbor.
func Evaluate(ctx context.Context, instances map[string]*instance.Instance, keepCount int, pins PinSet) *Plan {
	logger := ctxlog.FromContext(ctx)
	plan := &Plan{}

	if keepCount <= 0 {
		return plan
	}

	var candidates []*instance.Instance
	for _, inst := range instances {
		if pins.Matches(inst) {
			logger.Debug("Instance pinned, exempt from retention.", "instance", inst.Key)
			continue
		}
		candidates = append(candidates, inst)
	}

	// Newest first; first keepCount survive unconditionally.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].SortTime.Equal(candidates[j].SortTime) {
			return candidates[i].SortTime.After(candidates[j].SortTime)
		}
		return candidates[i].Key > candidates[j].Key
	})

	if len(candidates) <= keepCount {
		return plan
	}
	evict := candidates[keepCount:]

	// Report and delete oldest first.
	sort.Slice(evict, func(i, j int) bool {
		if !evict[i].SortTime.Equal(evict[j].SortTime) {
			return evict[i].SortTime.Before(evict[j].SortTime)
		}
		return evict[i].Key < evict[j].Key
	})

	plan.Delete = evict
	for _, inst := range evict {
		plan.Files = append(plan.Files, inst.FileNames()...)
	}
	return plan
}
