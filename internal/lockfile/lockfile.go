// Package lockfile implements component C6: the
// canonical, deterministic, TOML serialization of a resolution graph.
// No teacher or retrieved-pack file ever wrote a lockfile; this package
// is grounded on the teacher's own TOML dependency (go-toml/v2, used
// elsewhere in the corpus by internal/reqfile and google-oss-rebuild's
// config loaders) and on internal/resolver.Graph as the only producer of
// the data it serializes.
package lockfile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/resolver"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// SchemaVersion is the integer schema version this package writes and
// the newest version it knows how to read.
const SchemaVersion = 1

// Lock is the top-level lockfile document.
type Lock struct {
	Version            int      `toml:"version"`
	RequiresPython     string   `toml:"requires-python,omitempty"`
	ResolutionMarkers  []string `toml:"resolution-markers,omitempty"`
	Options            Options  `toml:"options,omitempty"`
	Packages           []Package `toml:"packages"`
	WorkspaceMembers   []string `toml:"workspace-members,omitempty"`
}

// Options records the resolution-wide knobs that shaped this lock. It is
// written for the reader; no command reads it back when syncing.
type Options struct {
	Mode                string `toml:"mode,omitempty"`
	PreRelease          string `toml:"pre-release,omitempty"`
	IndexStrategy       string `toml:"index-strategy,omitempty"`
}

// Package is one resolved distribution plus every edge it owns.
type Package struct {
	Name         string       `toml:"name"`
	Version      string       `toml:"version"`
	Source       string       `toml:"source"`
	Dependencies []Dependency `toml:"dependencies,omitempty"`
	Wheels       []Wheel      `toml:"wheels,omitempty"`
	Sdist        *Sdist       `toml:"sdist,omitempty"`
}

// Dependency is one outgoing edge from a Package, annotated with the
// marker that gates it.
type Dependency struct {
	Name   string `toml:"name"`
	Extras []string `toml:"extras,omitempty"`
	Marker string `toml:"marker,omitempty"`
}

// Wheel is one wheel-file record: filename, optional size, and the
// strongest hash the index advertised.
type Wheel struct {
	FileName string `toml:"file-name"`
	Size     int64  `toml:"size,omitempty"`
	Hash     string `toml:"hash,omitempty"`
}

// Sdist is the optional source-distribution record for a Package.
type Sdist struct {
	URL  string `toml:"url,omitempty"`
	Path string `toml:"path,omitempty"`
	Hash string `toml:"hash,omitempty"`
	Size int64  `toml:"size,omitempty"`
}

// ErrUnsupportedSchema is returned by Decode when a lockfile's version
// field is newer than SchemaVersion.
type ErrUnsupportedSchema struct {
	Found int
}

func (e *ErrUnsupportedSchema) Error() string {
	return fmt.Sprintf("lockfile schema version %d is newer than the supported version %d", e.Found, SchemaVersion)
}

// FromGraph builds the canonical Lock for a resolved Graph. requiresPython is the workspace's
// overall requires-python range; opts records the resolution options
// that produced g, for round-trip fidelity on a later `sync`.
func FromGraph(g *resolver.Graph, requiresPython pep.Specifier, opts Options) *Lock {
	lock := &Lock{
		Version:        SchemaVersion,
		RequiresPython: requiresPython.String(),
		Options:        opts,
	}

	for _, m := range g.ResolutionMarkers {
		if m.IsTrue() {
			continue
		}

		lock.ResolutionMarkers = append(lock.ResolutionMarkers, m.String())
	}

	edgesByOwner := map[string][]resolver.Edge{}
	for _, e := range g.Edges {
		edgesByOwner[e.Dependent] = append(edgesByOwner[e.Dependent], e)
	}

	names := g.SortedNodeNames()
	for _, name := range names {
		for _, dist := range g.Nodes[name] {
			lock.Packages = append(lock.Packages, packageFromDistribution(dist, edgesByOwner[name]))
		}
	}

	sortPackages(lock.Packages)

	return lock
}

// packageFromDistribution converts one resolved Distribution plus its
// outgoing edges into the lockfile's Package shape.
func packageFromDistribution(dist types.Distribution, edges []resolver.Edge) Package {
	pkg := Package{
		Name:    dist.Name.Normalized(),
		Version: dist.Version.String(),
		Source:  sourceDiscriminator(dist.Source),
	}

	sort.Slice(edges, func(i, j int) bool { return edges[i].Target < edges[j].Target })

	for _, e := range edges {
		dep := Dependency{Name: e.Target}
		if !e.Marker.IsTrue() {
			dep.Marker = e.Marker.String()
		}

		pkg.Dependencies = append(pkg.Dependencies, dep)
	}

	if dist.Kind == types.DistWheel {
		algo, hash, ok := dist.PreferredHash()

		w := Wheel{FileName: dist.Filename, Size: dist.Size}
		if ok {
			w.Hash = algo + ":" + hash
		}

		pkg.Wheels = append(pkg.Wheels, w)
	} else {
		sd := &Sdist{Size: dist.Size}

		switch dist.Source.Kind {
		case types.SourcePath, types.SourceArchive:
			sd.Path = dist.Source.Path
		default:
			sd.URL = redactURL(dist.URL)
		}

		if algo, hash, ok := dist.PreferredHash(); ok {
			sd.Hash = algo + ":" + hash
		}

		pkg.Sdist = sd
	}

	return pkg
}

// sourceDiscriminator renders a Source into the lockfile's "source"
// field: a kind tag plus whatever identifies it uniquely (registry index
// URL, direct URL, VCS URL+ref, or path), forming the (name, version,
// source-kind, source-discriminator) tuple packages are ordered by.
// Credentials embedded in a URL are redacted.
func sourceDiscriminator(src types.Source) string {
	switch src.Kind {
	case types.SourceRegistry:
		return "registry"
	case types.SourceDirectURL:
		return "url+" + redactURL(src.URL)
	case types.SourceVCS:
		ref := src.ResolvedRef
		if ref == "" {
			ref = src.Ref
		}

		return src.VCSKind + "+" + redactURL(src.URL) + "@" + ref
	case types.SourcePath:
		if src.Editable {
			return "editable+" + src.Path
		}

		return "path+" + src.Path
	case types.SourceArchive:
		return "archive+" + src.Path
	default:
		return "unknown"
	}
}

// redactURL strips a userinfo component ("user:pass@host") from a URL
// before it is written to disk. The
// scheme and host are kept so a caller can still identify which index or
// host the credentials belonged to.
func redactURL(raw string) string {
	schemeIdx := strings.Index(raw, "://")
	if schemeIdx < 0 {
		return raw
	}

	rest := raw[schemeIdx+3:]

	at := strings.Index(rest, "@")
	if at < 0 {
		return raw
	}

	return raw[:schemeIdx+3] + "REDACTED@" + rest[at+1:]
}

// sortPackages orders packages by (name, version, source), keeping lock
// output byte-equal across identical resolves.
func sortPackages(pkgs []Package) {
	sort.Slice(pkgs, func(i, j int) bool {
		if pkgs[i].Name != pkgs[j].Name {
			return pkgs[i].Name < pkgs[j].Name
		}

		if pkgs[i].Version != pkgs[j].Version {
			return pkgs[i].Version < pkgs[j].Version
		}

		return pkgs[i].Source < pkgs[j].Source
	})
}

// Encode serializes lock to its canonical TOML form.
func Encode(lock *Lock) ([]byte, error) {
	return toml.Marshal(lock)
}

// Decode parses raw lockfile bytes, refusing any schema version newer
// than SchemaVersion.
func Decode(raw []byte) (*Lock, error) {
	var probe struct {
		Version int `toml:"version"`
	}

	if err := toml.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("lockfile: %w", err)
	}

	if probe.Version > SchemaVersion {
		return nil, &ErrUnsupportedSchema{Found: probe.Version}
	}

	var lock Lock

	if err := toml.Unmarshal(raw, &lock); err != nil {
		return nil, fmt.Errorf("lockfile: %w", err)
	}

	return &lock, nil
}

// NarrowToEnvironment filters lock's packages and dependency edges down
// to those whose markers evaluate true under env. A package with no remaining inbound edge
// and that isn't a root/workspace member is dropped entirely.
func NarrowToEnvironment(lock *Lock, env pep.Env, roots []string) *Lock {
	reachable := map[string]bool{}
	for _, r := range roots {
		reachable[r] = true
	}

	byName := map[string]Package{}
	for _, p := range lock.Packages {
		byName[p.Name] = p
	}

	// Fixed-point reachability: a package is reachable if it's a root or
	// some other reachable package has a dependency edge to it whose
	// marker evaluates true under env.
	changed := true
	for changed {
		changed = false

		for _, p := range lock.Packages {
			if !reachable[p.Name] {
				continue
			}

			for _, dep := range p.Dependencies {
				if reachable[dep.Name] {
					continue
				}

				m, err := pep.ParseMarker(dep.Marker)
				if err != nil || m.Evaluate(env, "") {
					reachable[dep.Name] = true
					changed = true
				}
			}
		}
	}

	out := &Lock{
		Version:        lock.Version,
		RequiresPython: lock.RequiresPython,
		Options:        lock.Options,
	}

	for _, p := range lock.Packages {
		if !reachable[p.Name] {
			continue
		}

		narrowed := p
		narrowed.Dependencies = nil

		for _, dep := range p.Dependencies {
			m, err := pep.ParseMarker(dep.Marker)
			if err == nil && !m.Evaluate(env, "") {
				continue
			}

			narrowed.Dependencies = append(narrowed.Dependencies, dep)
		}

		out.Packages = append(out.Packages, narrowed)
	}

	return out
}
