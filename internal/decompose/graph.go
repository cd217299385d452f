package decompose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/slok/conductor/internal/model"
)

// CycleError is returned when the step dependency graph contains a cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// Graph is the dependency graph of one task's steps. It answers the
// readiness and priority questions the dispatcher asks.
type Graph struct {
	deps       map[string][]string
	dependents map[string][]string
	order      []string
}

// NewGraph builds and validates a graph from a task's steps. It fails on
// duplicate step ids, dependencies on unknown steps and cycles.
func NewGraph(steps []model.Step) (*Graph, error) {
	g := &Graph{
		deps:       make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}

	for _, s := range steps {
		if _, ok := g.deps[s.ID]; ok {
			return nil, fmt.Errorf("duplicated step id %s: %w", s.ID, model.ErrNotValid)
		}
		g.deps[s.ID] = append([]string{}, s.DependsOn...)
	}

	for id, deps := range g.deps {
		for _, dep := range deps {
			if _, ok := g.deps[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on unknown step %s: %w", id, dep, model.ErrNotValid)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	order, err := g.topologicalSort()
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// TopologicalOrder returns all step ids in dependency order.
func (g *Graph) TopologicalOrder() []string {
	return append([]string{}, g.order...)
}

// Dependents returns the ids of the steps directly blocked by the given one.
func (g *Graph) Dependents(id string) []string {
	return append([]string{}, g.dependents[id]...)
}

// TransitiveDependents returns how many steps are directly or indirectly
// blocked by the given one. The dispatcher prioritizes steps unblocking the
// most downstream work.
func (g *Graph) TransitiveDependents(id string) int {
	return len(g.TransitiveDependentIDs(id))
}

// TransitiveDependentIDs returns the ids of every step directly or
// indirectly blocked by the given one, sorted.
func (g *Graph) TransitiveDependentIDs(id string) []string {
	seen := map[string]struct{}{}
	g.walkDependents(id, seen)

	ids := make([]string, 0, len(seen))
	for dep := range seen {
		ids = append(ids, dep)
	}
	sort.Strings(ids)

	return ids
}

func (g *Graph) walkDependents(id string, seen map[string]struct{}) {
	for _, dep := range g.dependents[id] {
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		g.walkDependents(dep, seen)
	}
}

// topologicalSort is a Kahn sort with deterministic tie-breaking; on failure
// it extracts one cycle for the error message.
func (g *Graph) topologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.deps))
	for id, deps := range g.deps {
		inDegree[id] = len(deps)
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		var unblocked []string
		for _, dep := range g.dependents[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		sort.Strings(unblocked)
		queue = append(queue, unblocked...)
	}

	if len(order) != len(g.deps) {
		return nil, &CycleError{Cycle: g.findCycle(inDegree)}
	}

	return order, nil
}

func (g *Graph) findCycle(inDegree map[string]int) []string {
	remaining := map[string]struct{}{}
	for id, d := range inDegree {
		if d > 0 {
			remaining[id] = struct{}{}
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	// Deterministic start so the same graph reports the same cycle.
	var start string
	for id := range remaining {
		if start == "" || id < start {
			start = id
		}
	}

	visited := map[string]struct{}{}
	current := start
	for {
		if _, ok := visited[current]; ok {
			break
		}
		visited[current] = struct{}{}
		current = g.nextInCycle(current, remaining)
	}

	cycle := []string{current}
	next := g.nextInCycle(current, remaining)
	for next != current {
		cycle = append(cycle, next)
		next = g.nextInCycle(next, remaining)
	}
	cycle = append(cycle, current)

	return cycle
}

func (g *Graph) nextInCycle(id string, remaining map[string]struct{}) string {
	for _, dep := range g.deps[id] {
		if _, ok := remaining[dep]; ok {
			return dep
		}
	}
	return id
}
