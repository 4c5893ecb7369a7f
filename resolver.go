package modhost

import (
	"fmt"
	"strings"
)

// UnresolvedDependencyError reports a module whose required dependency is
// not present in the descriptor set (or was itself excluded for the same
// reason). It unwraps to ErrUnresolvedDependency.
type UnresolvedDependencyError struct {
	// Module is the requester.
	Module string
	// Missing is the dependency that could not be satisfied.
	Missing string
	// Reason optionally chains the underlying exclusion.
	Reason error
}

func (e *UnresolvedDependencyError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("module depends on non-existent module: %q required by %q (%v)",
			e.Missing, e.Module, e.Reason)
	}
	return fmt.Sprintf("module depends on non-existent module: %q required by %q", e.Missing, e.Module)
}

func (e *UnresolvedDependencyError) Unwrap() error { return ErrUnresolvedDependency }

// CycleError reports that the descriptor set contains one or more
// dependency cycles. Unresolved lists every module that could not be
// ordered (cycle members and their downstream dependents) in discovery
// order; Chain is a minimal cycle found by walking dependency edges, in
// "X -> Y -> X" form. It unwraps to ErrDependencyCycle.
type CycleError struct {
	Unresolved []string
	Chain      []string
}

func (e *CycleError) Error() string {
	msg := "dependency cycle detected"
	if len(e.Chain) > 0 {
		msg += ": " + strings.Join(e.Chain, " -> ")
	}
	if len(e.Unresolved) > 0 {
		msg += fmt.Sprintf(" (unresolved: %s)", strings.Join(e.Unresolved, ", "))
	}
	return msg
}

func (e *CycleError) Unwrap() error { return ErrDependencyCycle }

// ResolvedGraph is the output of dependency resolution: a safe load order
// over the orderable modules, plus the modules that could not be ordered
// and why. The loader consumes the order and contains the rest.
type ResolvedGraph struct {
	order      []string
	unresolved []string
	cycleChain []string

	excluded      map[string]error
	excludedOrder []string

	orderingDeps map[string][]string
	dependents   map[string][]string
}

// Order returns the computed load order. Every module appears after all of
// its ordering dependencies.
func (g *ResolvedGraph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Unresolved returns the modules stuck in a cycle (or downstream of one),
// in discovery order.
func (g *ResolvedGraph) Unresolved() []string {
	out := make([]string, len(g.unresolved))
	copy(out, g.unresolved)
	return out
}

// CycleChain returns a minimal cycle in "X -> Y -> X" form, when one was
// found.
func (g *ResolvedGraph) CycleChain() []string {
	out := make([]string, len(g.cycleChain))
	copy(out, g.cycleChain)
	return out
}

// Excluded returns the modules left out of ordering because a required
// dependency was missing, mapped to the specific error.
func (g *ResolvedGraph) Excluded() map[string]error {
	out := make(map[string]error, len(g.excluded))
	for name, err := range g.excluded {
		out[name] = err
	}
	return out
}

// OrderingDependencies returns the dependencies that constrain a module's
// position in the order: its required dependencies plus any optional
// dependencies present in the set.
func (g *ResolvedGraph) OrderingDependencies(name string) []string {
	deps := g.orderingDeps[name]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Dependents returns the modules whose ordering depends on the named
// module. Used by the parallel loader's completion barrier.
func (g *ResolvedGraph) Dependents(name string) []string {
	deps := g.dependents[name]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Err summarizes resolution problems: a CycleError when a cycle was found,
// otherwise the first exclusion in discovery order, otherwise nil. The
// graph remains usable for the orderable subset either way.
func (g *ResolvedGraph) Err() error {
	if len(g.unresolved) > 0 {
		return &CycleError{Unresolved: g.Unresolved(), Chain: g.CycleChain()}
	}
	if len(g.excludedOrder) > 0 {
		return g.excluded[g.excludedOrder[0]]
	}
	return nil
}

// Resolve computes a load order over the descriptor set using iterative
// Kahn-style processing: nodes whose ordering dependencies are all already
// ordered are emitted repeatedly, ties broken by discovery order for
// reproducible results. Modules with missing required dependencies are
// excluded (transitively) rather than failing the set; modules stuck in a
// cycle are reported as unresolved. The returned error matches
// ResolvedGraph.Err.
func Resolve(descriptors []ModuleDescriptor) (*ResolvedGraph, error) {
	g := &ResolvedGraph{
		excluded:     make(map[string]error),
		orderingDeps: make(map[string][]string),
		dependents:   make(map[string][]string),
	}

	present := make(map[string]ModuleDescriptor, len(descriptors))
	for _, desc := range descriptors {
		present[desc.Name] = desc
	}

	g.excludeMissing(descriptors, present)
	orderable := g.buildEdges(descriptors, present)
	g.runKahn(descriptors, orderable)

	if len(g.unresolved) > 0 {
		g.cycleChain = g.findCycleChain(present)
	}
	return g, g.Err()
}

// excludeMissing removes modules whose required dependencies are absent
// from the set, propagating the exclusion to their required dependents.
func (g *ResolvedGraph) excludeMissing(descriptors []ModuleDescriptor, present map[string]ModuleDescriptor) {
	for changed := true; changed; {
		changed = false
		for _, desc := range descriptors {
			if _, done := g.excluded[desc.Name]; done {
				continue
			}
			for _, dep := range desc.Dependencies {
				if dep.Optional {
					continue
				}
				if _, ok := present[dep.Name]; !ok {
					g.exclude(desc.Name, &UnresolvedDependencyError{Module: desc.Name, Missing: dep.Name})
					changed = true
					break
				}
				if reason, ok := g.excluded[dep.Name]; ok {
					g.exclude(desc.Name, &UnresolvedDependencyError{Module: desc.Name, Missing: dep.Name, Reason: reason})
					changed = true
					break
				}
			}
		}
	}
}

func (g *ResolvedGraph) exclude(name string, err error) {
	g.excluded[name] = err
	g.excludedOrder = append(g.excludedOrder, name)
}

// buildEdges wires ordering constraints (edge dependency -> dependent)
// among the non-excluded modules. Optional dependencies only constrain
// ordering when present and orderable.
func (g *ResolvedGraph) buildEdges(descriptors []ModuleDescriptor, present map[string]ModuleDescriptor) []ModuleDescriptor {
	var orderable []ModuleDescriptor
	for _, desc := range descriptors {
		if _, skip := g.excluded[desc.Name]; skip {
			continue
		}
		orderable = append(orderable, desc)
	}

	for _, desc := range orderable {
		for _, dep := range desc.Dependencies {
			if _, ok := present[dep.Name]; !ok {
				continue // optional and absent
			}
			if _, skip := g.excluded[dep.Name]; skip {
				continue // optional dependency on an excluded module
			}
			g.orderingDeps[desc.Name] = append(g.orderingDeps[desc.Name], dep.Name)
			g.dependents[dep.Name] = append(g.dependents[dep.Name], desc.Name)
		}
	}
	return orderable
}

// runKahn emits orderable modules whose dependencies are all emitted,
// scanning in discovery order so ties resolve deterministically. Nodes
// still standing after a stalled pass form the unresolved remainder.
func (g *ResolvedGraph) runKahn(descriptors []ModuleDescriptor, orderable []ModuleDescriptor) {
	remaining := make(map[string]int, len(orderable))
	for _, desc := range orderable {
		remaining[desc.Name] = len(g.orderingDeps[desc.Name])
	}

	emitted := make(map[string]bool, len(orderable))
	for len(emitted) < len(orderable) {
		next := ""
		for _, desc := range orderable {
			if !emitted[desc.Name] && remaining[desc.Name] == 0 {
				next = desc.Name
				break
			}
		}
		if next == "" {
			break // no progress: the remainder is cyclic
		}

		emitted[next] = true
		g.order = append(g.order, next)
		for _, dependent := range g.dependents[next] {
			remaining[dependent]--
		}
	}

	for _, desc := range orderable {
		if !emitted[desc.Name] {
			g.unresolved = append(g.unresolved, desc.Name)
		}
	}
}

// findCycleChain walks dependency edges from the first unresolved module
// until a node repeats, yielding a minimal cycle like [X, Y, X]. A module
// left unresolved always has at least one unresolved dependency, so the
// walk terminates inside the cycle.
func (g *ResolvedGraph) findCycleChain(present map[string]ModuleDescriptor) []string {
	stuck := make(map[string]bool, len(g.unresolved))
	for _, name := range g.unresolved {
		stuck[name] = true
	}

	var path []string
	pos := make(map[string]int)
	cur := g.unresolved[0]
	for {
		if at, seen := pos[cur]; seen {
			return append(path[at:], cur)
		}
		pos[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, dep := range g.orderingDeps[cur] {
			if stuck[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return nil
		}
		cur = next
	}
}
