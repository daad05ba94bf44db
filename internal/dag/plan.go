package dag

import (
	"context"
	"sort"
	"strings"

	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/ctxlog"
)

// Plan is a validated, linearized execution order over the jobs needed to
// satisfy a request.
type Plan struct {
	// Order lists the jobs in a valid topological order: every job
	// appears after all of its dependencies.
	Order []*config.Job
}

// jobNode is one catalogue entry inside the arena. Adjacency is kept as
// integer indices into the arena rather than object references.
type jobNode struct {
	job      *config.Job
	index    int   // catalogue position, used for deterministic ties
	deps     []int // must complete before this node
	indegree int
}

// Build computes the minimal closure of jobs needed for the requested
// names (empty means all enabled jobs), validates it, and returns a
// deterministic execution order. Unknown names, unknown dependencies,
// dependency cycles, and staging-path collisions are catalogue errors.
func Build(ctx context.Context, model *config.Model, requested []string) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)

	roots, err := resolveRoots(model, requested)
	if err != nil {
		return nil, err
	}
	logger.Debug("Plan roots resolved.", "count", len(roots))

	arena, err := closure(model, roots)
	if err != nil {
		return nil, err
	}
	logger.Debug("Dependency closure computed.", "count", len(arena))

	order, err := topoSort(arena)
	if err != nil {
		return nil, err
	}

	if err := checkStagingExclusivity(order); err != nil {
		return nil, err
	}

	logger.Debug("Execution order determined.", "jobs", len(order))
	return &Plan{Order: order}, nil
}

// resolveRoots maps the request onto catalogue jobs. An empty request
// selects every enabled job; naming a disabled job explicitly is an error.
func resolveRoots(model *config.Model, requested []string) ([]*config.Job, error) {
	if len(requested) == 0 {
		var roots []*config.Job
		for _, job := range model.Jobs {
			if !job.Disabled {
				roots = append(roots, job)
			}
		}
		return roots, nil
	}

	var roots []*config.Job
	for _, name := range requested {
		job, ok := model.JobByName(name)
		if !ok {
			return nil, config.Errorf("requested job %q does not exist in the catalogue", name)
		}
		if job.Disabled {
			return nil, config.Errorf("requested job %q is disabled", name)
		}
		roots = append(roots, job)
	}
	return roots, nil
}

// closure walks depends_on edges backwards from the roots and returns the
// arena of every job the request transitively needs, keyed by name.
func closure(model *config.Model, roots []*config.Job) (map[string]*jobNode, error) {
	arena := make(map[string]*jobNode)
	queue := make([]*config.Job, 0, len(roots))

	addNode := func(job *config.Job) {
		if _, seen := arena[job.Name]; seen {
			return
		}
		idx, _ := model.JobIndex(job.Name)
		arena[job.Name] = &jobNode{job: job, index: idx}
		queue = append(queue, job)
	}

	for _, root := range roots {
		addNode(root)
	}

	for len(queue) > 0 {
		job := queue[0]
		queue = queue[1:]
		for _, depName := range job.DependsOn {
			dep, ok := model.JobByName(depName)
			if !ok {
				return nil, config.Errorf("job %q depends on unknown job %q", job.Name, depName)
			}
			if depName == job.Name {
				return nil, config.Errorf("job %q depends on itself", job.Name)
			}
			addNode(dep)
		}
	}

	// Second pass: record adjacency within the closure.
	for _, node := range arena {
		for _, depName := range node.job.DependsOn {
			node.deps = append(node.deps, arena[depName].index)
			node.indegree++
		}
	}
	return arena, nil
}

// topoSort runs Kahn's algorithm over the arena. Ties between ready nodes
// are broken by catalogue order, so the result is stable across runs.
func topoSort(arena map[string]*jobNode) ([]*config.Job, error) {
	nodes := make([]*jobNode, 0, len(arena))
	for _, node := range arena {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })

	// dependents[i] lists the arena nodes that wait on catalogue index i.
	dependents := make(map[int][]*jobNode)
	remaining := make(map[string]*jobNode, len(arena))
	for _, node := range nodes {
		remaining[node.job.Name] = node
		for _, dep := range node.deps {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	var ready []*jobNode
	for _, node := range nodes {
		if node.indegree == 0 {
			ready = append(ready, node)
		}
	}

	var order []*config.Job
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
		node := ready[0]
		ready = ready[1:]
		order = append(order, node.job)
		delete(remaining, node.job.Name)

		for _, dependent := range dependents[node.index] {
			dependent.indegree--
			if dependent.indegree == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(remaining) > 0 {
		return nil, config.Errorf("dependency cycle detected: %s", cycleChain(remaining))
	}
	return order, nil
}

// cycleChain reconstructs one full cycle among the unsatisfied nodes left
// behind by Kahn's algorithm, rendered as "a -> b -> c -> a".
func cycleChain(remaining map[string]*jobNode) string {
	// Deterministic starting point.
	names := make([]string, 0, len(remaining))
	for name := range remaining {
		names = append(names, name)
	}
	sort.Strings(names)

	// Walk depends_on edges (restricted to the remaining subgraph) until a
	// node repeats; the repeated segment is the cycle.
	visitedAt := make(map[string]int)
	var path []string
	current := names[0]
	for {
		if at, seen := visitedAt[current]; seen {
			cycle := append(path[at:], current)
			return strings.Join(cycle, " -> ")
		}
		visitedAt[current] = len(path)
		path = append(path, current)

		node := remaining[current]
		next := ""
		for _, dep := range node.job.DependsOn {
			if _, ok := remaining[dep]; ok {
				next = dep
				break
			}
		}
		if next == "" {
			// Unreachable for a genuine cycle; guard against a malformed
			// remaining set.
			return strings.Join(path, " -> ")
		}
		current = next
	}
}

// checkStagingExclusivity rejects plans where two jobs would write the
// same archive base name into the same staging directory. The pipeline
// assumes exclusive ownership of a job's staging data.
func checkStagingExclusivity(order []*config.Job) error {
	owners := make(map[string]string)
	for _, job := range order {
		key := job.StagingDir + "\x00" + job.ArchiveBaseName
		if other, clash := owners[key]; clash {
			return config.Errorf(
				"jobs %q and %q share staging dir %q with archive base %q",
				other, job.Name, job.StagingDir, job.ArchiveBaseName)
		}
		owners[key] = job.Name
	}
	return nil
}
