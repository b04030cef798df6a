package plugin

import (
	"fmt"
	"sort"
)

// Graph is the dependency graph over currently-loaded plugin ids. Edges
// point from a plugin to its dependencies; the reverse index maps a plugin
// to its dependents. Edges to ids that are not loaded are dropped.
type Graph struct {
	nodes      []string
	deps       map[string][]string
	dependents map[string][]string
}

// NewGraph builds a graph from the given manifests, restricted to ids that
// are actually present among them.
func NewGraph(manifests map[string]*Manifest) *Graph {
	g := &Graph{
		deps:       make(map[string][]string, len(manifests)),
		dependents: make(map[string][]string, len(manifests)),
	}

	for id := range manifests {
		g.nodes = append(g.nodes, id)
	}
	sort.Strings(g.nodes)

	for _, id := range g.nodes {
		for _, dep := range manifests[id].Dependencies {
			if _, loaded := manifests[dep]; !loaded {
				continue
			}
			g.deps[id] = append(g.deps[id], dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	return g
}

// Dependencies returns the loaded dependency ids of the given plugin.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the ids of loaded plugins that depend on the given one.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Order computes an initialization order such that every dependency comes
// before its dependents, using iterative Kahn's algorithm. The ready queue
// is kept sorted so mutually-independent plugins order deterministically.
// A cycle fails the computation, naming one node on the cycle.
func (g *Graph) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.nodes {
		indegree[id] = len(g.deps[id])
	}

	var ready []string
	for _, id := range g.nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unblocked []string
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		if len(unblocked) > 0 {
			ready = append(ready, unblocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		// Every unprocessed node sits on or behind a cycle; report the
		// first one for diagnosis.
		remaining := make([]string, 0)
		for _, id := range g.nodes {
			if indegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("%w: involving %q", ErrCyclicDependency, remaining[0])
	}

	return order, nil
}
