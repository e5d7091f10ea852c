package resolver

import (
	"sort"

	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// pendingOccurrence is one not-yet-expanded requirement for a package
// inside a universe: who asked for it (dependent, "" for a root
// requirement), the parsed requirement itself, and the marker gating it
// (already intersected with whatever fork preconditions led here).
type pendingOccurrence struct {
	req       types.Requirement
	dependent string
	marker    pep.MarkerTree
}

// universe is one fork's independent solve context. Forking clones a
// universe's solution and pending work, then narrows each child's
// precondition by one marker partition.
type universe struct {
	precondition pep.MarkerTree
	solution     *PartialSolution
	pending      map[string][]pendingOccurrence
	edges        []Edge
	rootOrder    []string // normalized names in the order root requirements introduced them
	// resolved maps a decided package's normalized name to the concrete
	// Distribution chosen for it, so drain's caller can assemble the
	// output Graph's nodes once every pending name is settled.
	resolved map[string]types.Distribution
}

func newUniverse(precondition pep.MarkerTree) *universe {
	return &universe{
		precondition: precondition,
		solution:     newPartialSolution(),
		pending:      map[string][]pendingOccurrence{},
	}
}

func (u *universe) addPending(name string, occ pendingOccurrence) {
	u.pending[name] = append(u.pending[name], occ)
}

// fork produces n independent child universes, one per disjoint marker
// cluster, each a clone of u's current state with pending[name] narrowed
// to that cluster's occurrences and the precondition intersected with
// the cluster's combined marker.
func (u *universe) fork(name string, clusters [][]pendingOccurrence) []*universe {
	children := make([]*universe, 0, len(clusters))

	for _, cluster := range clusters {
		clusterMarker := pep.FalseMarker()
		for _, occ := range cluster {
			clusterMarker = clusterMarker.Union(occ.marker)
		}

		child := &universe{
			precondition: u.precondition.Intersect(clusterMarker),
			solution:     u.solution.clone(),
			pending:      clonePending(u.pending),
			edges:        append([]Edge{}, u.edges...),
			rootOrder:    append([]string{}, u.rootOrder...),
			resolved:     cloneResolved(u.resolved),
		}
		child.pending[name] = cluster

		children = append(children, child)
	}

	return children
}

// snapshot returns a deep copy of u's current state, taken just before a
// decision so drain can roll all the way back to it if the decision
// later proves to conflict with something decided downstream.
func (u *universe) snapshot() *universe {
	return &universe{
		precondition: u.precondition,
		solution:     u.solution.clone(),
		pending:      clonePending(u.pending),
		edges:        append([]Edge{}, u.edges...),
		rootOrder:    append([]string{}, u.rootOrder...),
		resolved:     cloneResolved(u.resolved),
	}
}

// restore replaces u's mutable state with snap's, erasing every decision
// and derivation made since the snapshot was taken.
func (u *universe) restore(snap *universe) {
	u.precondition = snap.precondition
	u.solution = snap.solution
	u.pending = snap.pending
	u.edges = snap.edges
	u.rootOrder = snap.rootOrder
	u.resolved = snap.resolved
}

func cloneResolved(in map[string]types.Distribution) map[string]types.Distribution {
	out := make(map[string]types.Distribution, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func clonePending(in map[string][]pendingOccurrence) map[string][]pendingOccurrence {
	out := make(map[string][]pendingOccurrence, len(in))
	for k, v := range in {
		out[k] = append([]pendingOccurrence{}, v...)
	}

	return out
}

// clusterDisjoint partitions occs into the connected components of the
// "markers are not disjoint" relation, via union-find: two occurrences
// share a group when a chain of overlapping markers links them, so the
// members of one group need not overlap pairwise.
func clusterDisjoint(occs []pendingOccurrence) [][]pendingOccurrence {
	n := len(occs)
	parent := make([]int, n)

	for i := range parent {
		parent[i] = i
	}

	var find func(int) int

	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}

		return i
	}

	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !occs[i].marker.Disjoint(occs[j].marker) {
				union(i, j)
			}
		}
	}

	groups := map[int][]pendingOccurrence{}
	order := []int{}

	for i, occ := range occs {
		r := find(i)
		if _, ok := groups[r]; !ok {
			order = append(order, r)
		}

		groups[r] = append(groups[r], occ)
	}

	sort.Ints(order)

	out := make([][]pendingOccurrence, 0, len(order))
	for _, r := range order {
		out = append(out, groups[r])
	}

	return out
}

// narrowestPythonFirst moves clusters holding at least one occurrence
// with a non-trivial marker ahead of clusters whose markers are all
// always-true, keeping the order within each group. It does not look at
// python_version bounds, so clusters are not ranked by how narrow their
// Python range is.
func narrowestPythonFirst(clusters [][]pendingOccurrence) [][]pendingOccurrence {
	sort.SliceStable(clusters, func(i, j int) bool {
		return clusterMentionsNarrowerPython(clusters[i]) && !clusterMentionsNarrowerPython(clusters[j])
	})

	return clusters
}

func clusterMentionsNarrowerPython(cluster []pendingOccurrence) bool {
	for _, occ := range cluster {
		if !occ.marker.IsTrue() {
			return true
		}
	}

	return false
}
