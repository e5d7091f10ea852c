package resolver

import (
	"sort"

	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// Edge is one inclusion in the resolved graph: dependent requires dist,
// gated by marker. An edge
// with an always-true marker applies in every environment.
type Edge struct {
	Dependent string // normalized name of the requiring package, "" for a root requirement
	Target    string // normalized name of the required package
	Marker    pep.MarkerTree
}

// Graph is the resolver's output: a DAG of
// Distribution nodes such that, for every satisfiable environment, the
// subgraph induced by edges whose markers evaluate true is a valid
// installation for the root requirements. Nodes is keyed by normalized
// name but holds every version a disjoint fork settled on, since two
// forks can legitimately resolve the same name to different versions
// (spec.md §8 S2's "two X entries, versions 1.x and 2.x"); which node
// applies in a given environment is determined by the edges that reach
// it, not by position in the slice.
type Graph struct {
	Nodes             map[string][]types.Distribution
	Edges             []Edge
	// ResolutionMarkers lists every distinct marker region forking
	// produced, for the lockfile's `resolution-markers` key.
	ResolutionMarkers []pep.MarkerTree
}

func newGraph() *Graph {
	return &Graph{Nodes: map[string][]types.Distribution{}}
}

// addNode appends dist under name, skipping it if a node with the same
// version is already recorded (independent forks, or independent
// dependency paths within one fork, frequently settle on the same
// package@version and shouldn't duplicate it).
func (g *Graph) addNode(name string, dist types.Distribution) {
	for _, existing := range g.Nodes[name] {
		if existing.Version.Equal(dist.Version) {
			return
		}
	}

	g.Nodes[name] = append(g.Nodes[name], dist)
}

// merge folds other's nodes and edges into g, narrowing the precondition
// marker into every edge other produced. A name resolved to different
// versions across forks keeps every version, since the per-edge markers
// (intersected with precondition here) are what a later narrow uses to
// pick the version that applies in a given environment.
func (g *Graph) merge(other *Graph, precondition pep.MarkerTree) {
	for name, dists := range other.Nodes {
		for _, dist := range dists {
			g.addNode(name, dist)
		}
	}

	for _, e := range other.Edges {
		g.Edges = append(g.Edges, Edge{
			Dependent: e.Dependent,
			Target:    e.Target,
			Marker:    e.Marker.Intersect(precondition),
		})
	}

	if !precondition.IsTrue() {
		g.ResolutionMarkers = append(g.ResolutionMarkers, precondition)
	}

	g.ResolutionMarkers = append(g.ResolutionMarkers, other.ResolutionMarkers...)
}

// SortedNodeNames returns every node name in deterministic order, for
// callers (lockfile writer, dependency-tree printer) that must not
// depend on Go's map iteration order.
func (g *Graph) SortedNodeNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for n := range g.Nodes {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// SoleVersion returns name's single resolved distribution and true, or a
// zero Distribution and false when name has no node or resolved to more
// than one version. It's for call sites that only ever deal with one
// global environment and have no edge-marker context to disambiguate by.
func (g *Graph) SoleVersion(name string) (types.Distribution, bool) {
	dists := g.Nodes[name]
	if len(dists) != 1 {
		return types.Distribution{}, false
	}

	return dists[0], true
}
