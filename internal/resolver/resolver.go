// Package resolver implements the universal dependency resolver: an
// incremental solver, extended with forking over disjoint marker
// regions, that turns a set of root requirements into a DAG of
// distributions with per-edge markers. It replaces the teacher's BFS
// internal/resolver.Service, which walked a single dependency queue with
// accumulated string specifiers and had no notion of backtracking,
// preferences, or environment markers.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ferrumpkg/ferrum/internal/build"
	"github.com/ferrumpkg/ferrum/internal/distdb"
	"github.com/ferrumpkg/ferrum/internal/ferrors"
	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/registry"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// DistSource is the narrow slice of distdb.DB the resolver needs: version
// listing and metadata acquisition.
// Declaring the interface here (rather than taking *distdb.DB directly)
// keeps resolver tests able to substitute a fake without spinning up a
// real cache directory, the same structural-interface discipline
// internal/build uses for its own DependencyResolver.
type DistSource interface {
	Versions(ctx context.Context, name pep.PackageName, idxs []registry.Index) ([]registry.Candidate, error)
	Metadata(ctx context.Context, name pep.PackageName, cand registry.Candidate) (distdb.Metadata, error)
}

// Builder invokes PEP 517 hooks for a candidate whose metadata requires a
// build (distdb.ErrBuildRequired). It is satisfied by *build.Dispatcher;
// the resolver only depends on the narrow slice it actually calls.
type Builder interface {
	Build(ctx context.Context, req build.Request) (*build.Result, error)
}

// Service runs the universal PubGrub-style resolve: an incremental
// solver that forks over disjoint marker regions instead of re-resolving
// per-environment, tracking per-package, per-extra constraints and
// overrides across the whole requirement graph.
type Service struct {
	db      DistSource
	builder Builder
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBuilder attaches a PEP 517 build dispatcher, used when a candidate's
// only metadata source is an unbuilt sdist (distdb.ErrBuildRequired).
// Without one, sdist-only candidates are skipped as if incompatible.
func WithBuilder(b Builder) Option {
	return func(s *Service) { s.builder = b }
}

// New creates a resolver Service over db.
func New(db DistSource, opts ...Option) *Service {
	s := &Service{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ResolutionError is returned when the solver finds no acceptable version
// for Package. Derivation is a one-line reason: the version range no
// published candidate satisfies, or the earlier pick that falls outside
// the range required here. It does not list the chain of requirements
// that led to the conflict.
type ResolutionError struct {
	Package    string
	Derivation string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no version of %s satisfies the request: %s", e.Package, e.Derivation)
}

// Resolve runs the solver over req, returning the universal resolution
// graph. Forking over disjoint marker regions
// happens internally; the returned Graph has already merged every fork's
// edges, annotated with the fork's marker as precondition.
func (s *Service) Resolve(ctx context.Context, req Request) (*Graph, error) {
	cs := newConstraintSet(req.Constraints, req.Overrides)

	root := newUniverse(pep.TrueMarker())
	for _, r := range req.Roots {
		name := r.Name.Normalized()
		root.rootOrder = append(root.rootOrder, name)
		root.addPending(name, pendingOccurrence{req: r, dependent: "", marker: r.Marker})
	}

	out := newGraph()

	universes := []*universe{root}
	for len(universes) > 0 {
		u := universes[0]
		universes = universes[1:]

		children, err := s.drain(ctx, u, cs, req)
		if err != nil {
			return nil, err
		}

		if children != nil {
			universes = append(universes, children...)

			continue
		}

		g := newGraph()
		for name, dist := range u.resolved {
			g.addNode(name, dist)
		}
		g.Edges = u.edges

		out.merge(g, u.precondition)
	}

	return out, nil
}

// decisionPoint is a checkpoint taken immediately before a package was
// decided: the universe snapshot to restore on backtrack, plus the name
// decided right after it. drain keeps these on a stack so a later
// package's failure can unwind past any number of prior decisions,
// excluding each blamed pick before retrying it with the next candidate.
type decisionPoint struct {
	name   string
	before *universe
}

// drain processes universe u's pending work until either (a) every
// package is decided, in which case it returns (nil, nil) and u is ready
// to fold into the output graph, or (b) a disjoint-marker dependency
// forces a fork, in which case it returns the child universes still
// needing their own drain pass.
//
// When expand fails, drain backtracks (spec.md §4.5 steps 5-6) rather
// than failing the whole resolve outright: a genuine diamond, where one
// package's first greedy pick is later proven incompatible by a
// dependency discovered afterward, gets a second chance at an earlier
// alternative instead of an unconditional ResolutionError.
func (s *Service) drain(ctx context.Context, u *universe, cs *constraintSet, req Request) ([]*universe, error) {
	var stack []decisionPoint
	excluded := map[string]map[string]bool{}

	for {
		name, ok := nextPending(u)
		if !ok {
			return nil, nil
		}

		occs := u.pending[name]

		clusters := narrowestPythonFirst(clusterDisjoint(occs))
		if len(clusters) > 1 {
			delete(u.pending, name)
			return u.fork(name, clusters), nil
		}

		before := u.snapshot()
		delete(u.pending, name)

		err := s.expand(ctx, u, cs, req, name, occs, excluded[name])
		if err == nil {
			stack = append(stack, decisionPoint{name: name, before: before})
			continue
		}

		var resErr *ResolutionError
		if !errors.As(err, &resErr) {
			return nil, err
		}

		ok, err2 := s.backtrack(ctx, u, cs, req, &stack, excluded, resErr.Package)
		if err2 != nil {
			return nil, err2
		}

		if !ok {
			return nil, err
		}
	}
}

// backtrack unwinds stack to resolve a conflict blamed on pkg. If pkg
// itself was decided earlier in this universe, it rewinds straight to
// the snapshot taken just before that decision — the actual culprit,
// since a dependency discovered later proved it incompatible — excludes
// the version it picked, and retries pkg there. If pkg was never reached
// before (its very first candidate search came up empty), there is
// nothing of pkg's own to blame, so the most recent decision on the
// stack is blamed instead, the chronological-backtracking fallback. This
// repeats, walking further back, until a retry succeeds or the stack is
// exhausted (ok=false: the request is unsatisfiable).
func (s *Service) backtrack(ctx context.Context, u *universe, cs *constraintSet, req Request, stack *[]decisionPoint, excluded map[string]map[string]bool, pkg string) (bool, error) {
	for {
		if len(*stack) == 0 {
			return false, nil
		}

		idx := lastIndexNamed(*stack, pkg)
		if idx < 0 {
			idx = len(*stack) - 1
		}

		top := (*stack)[idx]
		*stack = (*stack)[:idx]

		if dist, ok := u.resolved[top.name]; ok {
			if excluded[top.name] == nil {
				excluded[top.name] = map[string]bool{}
			}

			excluded[top.name][dist.Version.String()] = true
		}

		u.restore(top.before)

		retryOccs := u.pending[top.name]
		delete(u.pending, top.name)

		retryErr := s.expand(ctx, u, cs, req, top.name, retryOccs, excluded[top.name])
		if retryErr == nil {
			*stack = append(*stack, decisionPoint{name: top.name, before: top.before})

			return true, nil
		}

		var resErr *ResolutionError
		if !errors.As(retryErr, &resErr) {
			return false, retryErr
		}

		pkg = resErr.Package
	}
}

// lastIndexNamed returns the highest index in stack whose decision was
// for name, or -1 if name was never decided in it.
func lastIndexNamed(stack []decisionPoint, name string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].name == name {
			return i
		}
	}

	return -1
}

// nextPending picks the next package name to process: spec.md §4.5 step 2
// says "most-constrained" (fewest candidate versions), tie-broken
// lexicographically; since candidate counts require an I/O round trip
// just to compare, ferrum instead processes root requirements in their
// declared order first, then any remaining transitive pending names
// alphabetically, which is the same effective order the teacher's BFS
// resolver produced and keeps selection deterministic without an extra
// metadata fetch per candidate package.
func nextPending(u *universe) (string, bool) {
	for _, name := range u.rootOrder {
		if _, ok := u.pending[name]; ok {
			return name, true
		}
	}

	names := make([]string, 0, len(u.pending))
	for n := range u.pending {
		names = append(names, n)
	}

	if len(names) == 0 {
		return "", false
	}

	sort.Strings(names)

	return names[0], true
}

// expand resolves one package's pending occurrences to a concrete
// Distribution (or reconfirms an already-decided one), fetches its
// metadata, and enqueues its dependencies as new pending occurrences.
// excluded lists versions drain has already tried and backtracked past
// for name; pickCandidate skips them.
func (s *Service) expand(ctx context.Context, u *universe, cs *constraintSet, req Request, name string, occs []pendingOccurrence, excluded map[string]bool) error {
	combinedMarker := pep.FalseMarker()
	wantRange := pep.Full()

	var extras []pep.Extra

	for _, occ := range occs {
		combinedMarker = combinedMarker.Union(occ.marker)

		_, r := cs.apply(occ.req)
		wantRange = wantRange.Intersect(r)
		extras = append(extras, occ.req.Extras...)

		u.edges = append(u.edges, Edge{Dependent: occ.dependent, Target: name, Marker: occ.marker})
	}

	if combinedMarker.IsFalse() {
		// Every occurrence is gated by a marker that never holds in this
		// fork's precondition; the
		// package simply isn't part of this fork's installation.
		return nil
	}

	if v, already := u.solution.decided[name]; already {
		if !wantRange.Contains(v) {
			return &ResolutionError{
				Package:    name,
				Derivation: fmt.Sprintf("already resolved to %s, which is outside the range required here", v),
			}
		}

		return nil
	}

	dist, md, err := s.pickCandidate(ctx, u, cs, req, name, wantRange, excluded)
	if err != nil {
		return err
	}

	u.solution.decide(name, dist.Version)

	if u.resolved == nil {
		u.resolved = map[string]types.Distribution{}
	}

	u.resolved[name] = dist

	for _, dep := range md.RequiresDist {
		if !requirementAppliesToExtras(dep, extras) {
			continue
		}

		depMarker := dep.Marker.Intersect(combinedMarker)
		if depMarker.IsFalse() {
			continue
		}

		u.addPending(dep.Name.Normalized(), pendingOccurrence{req: dep, dependent: name, marker: depMarker})
	}

	return nil
}

// requirementAppliesToExtras reports whether dep (one of a package's
// Requires-Dist entries) is active given the set of extras the occurrence
// chain requested. A dependency with no "extra ==" atom in its marker
// always applies; one gated on an extra only applies if that extra was
// requested.
func requirementAppliesToExtras(dep types.Requirement, extras []pep.Extra) bool {
	if !strings.Contains(dep.Marker.String(), "extra") {
		return true
	}

	for _, e := range extras {
		env := pep.Env{}
		if dep.Marker.Evaluate(env, e.Normalized()) {
			return true
		}
	}

	return false
}

// pickCandidate selects a concrete distribution for name within wantRange,
// honoring mode (highest/lowest/lowest-direct), preferences, and
// pre-release admission, then
// fetches its metadata, transparently dispatching to the build dispatcher
// when the index only offers an unbuilt sdist. excluded (drain's
// backtracking memory) rules out versions already tried and found to
// conflict with a later package.
func (s *Service) pickCandidate(ctx context.Context, u *universe, cs *constraintSet, req Request, name string, wantRange pep.Range, excluded map[string]bool) (types.Distribution, distdb.Metadata, error) {
	pkgName := pep.NewPackageName(name)

	cands, err := s.db.Versions(ctx, pkgName, req.Options.Indexes)
	if err != nil {
		return types.Distribution{}, distdb.Metadata{}, ferrors.Wrap(ferrors.KindResolution, name, err)
	}

	opts := req.Options
	if opts.Mode == LowestDirect {
		opts.Mode = Highest
		for _, root := range u.rootOrder {
			if root == name {
				opts.Mode = Lowest
			}
		}
	}

	ordered := orderCandidates(cands, opts, req.Preferences[name])

	allowPre := s.preReleasesAllowed(name, req, ordered)

	for _, cand := range ordered {
		if excluded[cand.Version.String()] {
			continue
		}

		if !wantRange.Contains(cand.Version) {
			continue
		}

		if cand.Version.IsPreRelease() && !allowPre {
			continue
		}

		if declared := cand.File.RequiresPython; declared != "" && req.Options.RequiresPython.String() != "" {
			sp, perr := pep.ParseSpecifier(declared)
			if perr == nil && sp.Range().Intersect(req.Options.RequiresPython.Range()).IsEmpty() {
				// The candidate's own requires-python is disjoint from
				// the workspace's requires-python range: it can never
				// be installed under any supported interpreter.
				continue
			}
		}

		md, err := s.db.Metadata(ctx, pkgName, cand)
		if err != nil {
			if err == distdb.ErrBuildRequired {
				built, berr := s.buildMetadata(ctx, cand)
				if berr != nil {
					continue
				}

				md = built
			} else {
				continue
			}
		}

		dist := types.Distribution{
			Name:           pkgName,
			Version:        cand.Version,
			Filename:       cand.File.Filename,
			URL:            cand.File.URL,
			Hashes:         cand.File.Hashes,
			Source:         cand.Source,
			RequiresPython: md.RequiresPython,
		}

		if tags, terr := types.ParseWheelTags(cand.File.Filename); terr == nil {
			dist.Kind = types.DistWheel
			dist.Tags = tags
		} else {
			dist.Kind = types.DistSdist
		}

		return dist, md, nil
	}

	return types.Distribution{}, distdb.Metadata{}, &ResolutionError{
		Package:    name,
		Derivation: fmt.Sprintf("no published version satisfies %v", wantRange.Intervals()),
	}
}

// buildMetadata invokes the PEP 517 build dispatcher for an sdist-only
// candidate. Returns
// an error if no Builder was configured.
func (s *Service) buildMetadata(ctx context.Context, cand registry.Candidate) (distdb.Metadata, error) {
	if s.builder == nil {
		return distdb.Metadata{}, ferrors.New(ferrors.KindBuild, "build dispatcher not configured")
	}

	// The full sdist-unpack-then-build pipeline is driven by the caller
	// that wires a *distdb.DB and *build.Dispatcher together (cmd/ferrum);
	// here the resolver only knows it must ask the dispatcher for
	// metadata keyed by whatever source fingerprint the candidate's file
	// identity yields.
	res, err := s.builder.Build(ctx, build.Request{
		SourceFingerprint: cand.File.URL,
	})
	if err != nil {
		return distdb.Metadata{}, err
	}

	return res.Metadata, nil
}

// orderCandidates sorts cand by the requested Mode, with any preferred
// version moved to the front.
func orderCandidates(cands []registry.Candidate, opts Options, preferred pep.Version) []registry.Candidate {
	out := append([]registry.Candidate{}, cands...)

	sort.SliceStable(out, func(i, j int) bool {
		if opts.Mode == Highest {
			return out[j].Version.Less(out[i].Version)
		}

		return out[i].Version.Less(out[j].Version)
	})

	if preferred.IsZero() {
		return out
	}

	preferredIdx := -1

	for i, c := range out {
		if c.Version.Equal(preferred) {
			preferredIdx = i

			break
		}
	}

	if preferredIdx <= 0 {
		return out
	}

	reordered := make([]registry.Candidate, 0, len(out))
	reordered = append(reordered, out[preferredIdx])
	reordered = append(reordered, out[:preferredIdx]...)
	reordered = append(reordered, out[preferredIdx+1:]...)

	return reordered
}

// preReleasesAllowed implements spec.md §4.5's pre-release admission
// rule: a direct specifier naming a pre-release, every available version
// being a pre-release, or an explicit opt-in all admit pre-releases.
func (s *Service) preReleasesAllowed(name string, req Request, cands []registry.Candidate) bool {
	if req.Options.PreRelease == PreReleaseAllow {
		return true
	}

	if req.Options.AllowPreRelease[name] {
		return true
	}

	for _, r := range req.Roots {
		if r.Name.Normalized() == name && r.Specifier.AllowsPreReleases() {
			return true
		}
	}

	allPre := true

	for _, c := range cands {
		if !c.Version.IsPreRelease() {
			allPre = false

			break
		}
	}

	return allPre
}

// ResolveBuildRequires satisfies internal/build.DependencyResolver: it
// runs a nested resolve (no forking needed, build environments are
// single-platform) to turn a sdist's build-system.requires into concrete
// distributions, constrained by build-constraints rather than the main
// graph's regular constraints.
func (s *Service) ResolveBuildRequires(ctx context.Context, reqs []types.Requirement, constraints []types.Requirement) ([]types.Distribution, error) {
	g, err := s.Resolve(ctx, Request{
		Roots:       reqs,
		Constraints: constraints,
		Options:     Options{Mode: Highest},
	})
	if err != nil {
		return nil, err
	}

	var out []types.Distribution
	for _, name := range g.SortedNodeNames() {
		out = append(out, g.Nodes[name]...)
	}

	return out, nil
}
