package resolver

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrumpkg/ferrum/internal/distdb"
	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/registry"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// fakePackage is one package's fixture: its published versions (as
// registry.Candidate) and, per version, the Requires-Dist entries its
// metadata carries.
type fakePackage struct {
	candidates []registry.Candidate
	metadata   map[string]distdb.Metadata // version string -> metadata
}

// fakeDB is a DistSource test double so resolver tests never touch a
// real cache directory or network, the same substitution internal/pypi's
// own tests make with httptest.Server but one layer up.
type fakeDB struct {
	pkgs map[string]*fakePackage
}

func newFakeDB() *fakeDB { return &fakeDB{pkgs: map[string]*fakePackage{}} }

func (f *fakeDB) add(name, version string, requiresDist ...string) {
	p, ok := f.pkgs[name]
	if !ok {
		p = &fakePackage{metadata: map[string]distdb.Metadata{}}
		f.pkgs[name] = p
	}

	v := pep.MustParseVersion(version)
	p.candidates = append(p.candidates, registry.Candidate{
		Version: v,
		File:    registry.File{Filename: name + "-" + version + "-py3-none-any.whl"},
		Source:  types.Source{Kind: types.SourceRegistry},
	})

	md := distdb.Metadata{Name: pep.NewPackageName(name), Version: v}

	for _, r := range requiresDist {
		req, err := types.ParseRequirement(r)
		if err != nil {
			panic(err)
		}

		md.RequiresDist = append(md.RequiresDist, req)
	}

	p.metadata[version] = md
}

func (f *fakeDB) Versions(_ context.Context, name pep.PackageName, _ []registry.Index) ([]registry.Candidate, error) {
	p, ok := f.pkgs[name.Normalized()]
	if !ok {
		return nil, nil
	}

	return p.candidates, nil
}

func (f *fakeDB) Metadata(_ context.Context, name pep.PackageName, cand registry.Candidate) (distdb.Metadata, error) {
	p := f.pkgs[name.Normalized()]
	return p.metadata[cand.Version.String()], nil
}

func TestResolveTrivial(t *testing.T) {
	db := newFakeDB()
	db.add("idna", "3.6")
	db.add("idna", "3.4")

	root, err := types.ParseRequirement("idna")
	require.NoError(t, err)

	s := New(db)
	g, err := s.Resolve(context.Background(), Request{Roots: []types.Requirement{root}})
	require.NoError(t, err)

	require.Contains(t, g.Nodes, "idna")
	idna, ok := g.SoleVersion("idna")
	require.True(t, ok)
	assert.Equal(t, "3.6", idna.Version.String())
}

func TestResolveTransitive(t *testing.T) {
	db := newFakeDB()
	db.add("a", "1.0", "b>=1.0")
	db.add("b", "1.0")
	db.add("b", "2.0")

	root, err := types.ParseRequirement("a")
	require.NoError(t, err)

	s := New(db)
	g, err := s.Resolve(context.Background(), Request{Roots: []types.Requirement{root}})
	require.NoError(t, err)

	a, ok := g.SoleVersion("a")
	require.True(t, ok)
	assert.Equal(t, "1.0", a.Version.String())

	b, ok := g.SoleVersion("b")
	require.True(t, ok)
	assert.Equal(t, "2.0", b.Version.String())
}

// TestResolveForksOverPythonVersion exercises spec.md §4.5 step 4 / S2:
// a dependency whose two declared ranges are gated by mutually-disjoint
// python_version markers must fork, producing two distinct edge markers
// pointing at two different resolved versions of the same package.
func TestResolveForksOverPythonVersion(t *testing.T) {
	db := newFakeDB()
	db.add("a", "1.0",
		`x<2; python_version<'3.12'`,
		`x>=2; python_version>='3.12'`,
	)
	db.add("x", "1.5")
	db.add("x", "2.5")

	root, err := types.ParseRequirement("a")
	require.NoError(t, err)

	s := New(db)
	g, err := s.Resolve(context.Background(), Request{Roots: []types.Requirement{root}})
	require.NoError(t, err)

	var markers []string
	for _, e := range g.Edges {
		if e.Target == "x" {
			markers = append(markers, e.Marker.String())
		}
	}

	assert.Len(t, markers, 2, "expected one edge per forked marker region, got %v", markers)
	assert.NotEqual(t, markers[0], markers[1])

	// The forking blind spot: each marker region must have settled on its
	// own version of x, not silently collapsed onto whichever fork's node
	// merged first (spec.md §8 S2's "two X entries, versions 1.x and 2.x").
	require.Len(t, g.Nodes["x"], 2, "expected one graph node per forked version of x")

	var versions []string
	for _, dist := range g.Nodes["x"] {
		versions = append(versions, dist.Version.String())
	}

	sort.Strings(versions)
	assert.Equal(t, []string{"1.5", "2.5"}, versions)
}

// TestResolveConstraintNarrowsTransitive exercises S3: a constraint on a
// transitive package restricts the range considered for it without
// forcing its inclusion, and a satisfiable version is still picked.
func TestResolveConstraintNarrowsTransitive(t *testing.T) {
	db := newFakeDB()
	db.add("fastapi", "1.0", "starlette>=0.30")
	db.add("starlette", "0.36")
	db.add("starlette", "0.40")

	root, err := types.ParseRequirement("fastapi")
	require.NoError(t, err)

	constraint, err := types.ParseRequirement("starlette<0.37")
	require.NoError(t, err)

	s := New(db)
	g, err := s.Resolve(context.Background(), Request{
		Roots:       []types.Requirement{root},
		Constraints: []types.Requirement{constraint},
	})
	require.NoError(t, err)

	starlette, ok := g.SoleVersion("starlette")
	require.True(t, ok)
	assert.Equal(t, "0.36", starlette.Version.String())
}

// TestResolveOverrideBreaksTransitiveUpperBound exercises S4: an override
// replaces a declared dependency specifier outright, even when two
// dependents disagree on the version range.
func TestResolveOverrideBreaksTransitiveUpperBound(t *testing.T) {
	db := newFakeDB()
	db.add("a", "1.0", "c<2")
	db.add("b", "1.0", "c>=2")
	db.add("c", "1.5")
	db.add("c", "2.5")

	rootA, err := types.ParseRequirement("a")
	require.NoError(t, err)

	rootB, err := types.ParseRequirement("b")
	require.NoError(t, err)

	override, err := types.ParseRequirement("c>=2")
	require.NoError(t, err)

	s := New(db)
	g, err := s.Resolve(context.Background(), Request{
		Roots:     []types.Requirement{rootA, rootB},
		Overrides: []types.Requirement{override},
	})
	require.NoError(t, err)

	c, ok := g.SoleVersion("c")
	require.True(t, ok)
	assert.Equal(t, "2.5", c.Version.String())
}

// TestResolveBacktracksDiamond exercises spec.md §4.5 steps 5-6: root
// "a" depends on both "z" and "zz"; "z" is dequeued and greedily decided
// at its highest version before "zz" is even expanded, but "zz" turns
// out to require z<2. The solver must backtrack to z's own decision and
// retry with the next candidate rather than failing the whole resolve.
func TestResolveBacktracksDiamond(t *testing.T) {
	db := newFakeDB()
	db.add("a", "1.0", "z", "zz")
	db.add("zz", "1.0", "z<2")
	db.add("z", "1.0")
	db.add("z", "2.0")

	root, err := types.ParseRequirement("a")
	require.NoError(t, err)

	s := New(db)
	g, err := s.Resolve(context.Background(), Request{Roots: []types.Requirement{root}})
	require.NoError(t, err)

	z, ok := g.SoleVersion("z")
	require.True(t, ok)
	assert.Equal(t, "1.0", z.Version.String(), "expected backtrack to the z<2 compatible version")

	zz, ok := g.SoleVersion("zz")
	require.True(t, ok)
	assert.Equal(t, "1.0", zz.Version.String())
}

func TestResolveFailsWithDerivation(t *testing.T) {
	db := newFakeDB()
	db.add("only-old", "1.0")

	root, err := types.ParseRequirement("only-old>=2.0")
	require.NoError(t, err)

	s := New(db)
	_, err = s.Resolve(context.Background(), Request{Roots: []types.Requirement{root}})
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "only-old", resErr.Package)
}
