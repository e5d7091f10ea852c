package resolver

import (
	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/registry"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// Mode selects the candidate iteration order within a package's
// available versions.
type Mode int

const (
	// Highest tries the newest compatible version first. The default.
	Highest Mode = iota
	// Lowest tries the oldest compatible version first, for every
	// package in the graph.
	Lowest
	// LowestDirect tries the oldest version first only for root
	// (directly declared) requirements; transitive dependencies still
	// prefer the highest compatible version.
	LowestDirect
)

// PreReleasePolicy controls when a pre-release version is admitted as a
// candidate.
type PreReleasePolicy int

const (
	// PreReleaseAuto admits a pre-release only when the direct specifier
	// names one, or every available version is a pre-release.
	PreReleaseAuto PreReleasePolicy = iota
	// PreReleaseAllow admits pre-releases for every package.
	PreReleaseAllow
)

// Options bundles the resolution-wide knobs: pre-release policy,
// resolution mode, requires-python and the index list. There is no
// fork-strategy knob: forking happens whenever marker regions are
// pairwise disjoint, and sibling forks are always explored in the order
// narrowestPythonFirst gives them.
type Options struct {
	Mode            Mode
	PreRelease      PreReleasePolicy
	AllowPreRelease map[string]bool // per-package override, keyed by normalized name
	RequiresPython  pep.Specifier
	Indexes         []registry.Index
}

// Request is the full input to a resolve: root
// requirements, constraints, overrides, and preferences from a prior
// lockfile, plus the shared Options.
type Request struct {
	Roots       []types.Requirement
	Constraints []types.Requirement
	Overrides   []types.Requirement
	// Preferences maps a normalized package name to a previously
	// resolved version (e.g. from an existing lockfile), tried before
	// any other candidate within the active policy order.
	Preferences map[string]pep.Version
	Options     Options
}

// constraintSet indexes constraints and overrides by normalized package
// name for O(1) lookup while expanding a package's dependencies.
type constraintSet struct {
	constraints map[string][]types.Requirement
	overrides   map[string][]types.Requirement
}

func newConstraintSet(constraints, overrides []types.Requirement) *constraintSet {
	cs := &constraintSet{
		constraints: map[string][]types.Requirement{},
		overrides:   map[string][]types.Requirement{},
	}

	for _, c := range constraints {
		k := c.Name.Normalized()
		cs.constraints[k] = append(cs.constraints[k], c)
	}

	for _, o := range overrides {
		k := o.Name.Normalized()
		cs.overrides[k] = append(cs.overrides[k], o)
	}

	return cs
}

// apply narrows a declared dependency requirement per spec.md §4.5
// "Constraints and overrides": an override replaces the declared
// specifier/marker entirely (bypassing the declared range, spec.md's
// "absolute"); a constraint instead intersects additively into whatever
// range is already in play, never forcing the package into the graph on
// its own. Only the effective Range is threaded back into resolution
// (constraints/overrides never change a requirement's recorded
// extras/marker for lockfile display, just the version range the solver
// enforces).
func (cs *constraintSet) apply(req types.Requirement) (types.Requirement, pep.Range) {
	name := req.Name.Normalized()

	if overrides, ok := cs.overrides[name]; ok && len(overrides) > 0 {
		// The first override listed for the name wins; override markers
		// are not consulted.
		o := overrides[0]
		return o, o.Specifier.Range()
	}

	r := req.Specifier.Range()

	for _, c := range cs.constraints[name] {
		r = r.Intersect(c.Specifier.Range())
	}

	return req, r
}
