// Package pep implements the version, specifier, and environment-marker
// algebra of PEP 440 / PEP 508 (spec §3.1, §3.2, §4.1). It is the
// foundation every other ferrum package builds on: requirements,
// distributions, the resolver, and the lockfile all compare and combine
// versions and markers through this package alone.
package pep

import (
	"fmt"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Version wraps the PEP 440 version type from go-pep440-version (the same
// library the teacher uses in internal/resolver/version.go) and keeps the
// original text alongside the parsed form so error messages and lockfile
// serialization can round-trip the user's spelling.
type Version struct {
	raw    string
	parsed pep440.Version
}

// ParseVersion parses a PEP 440 version string.
func ParseVersion(s string) (Version, error) {
	v, err := pep440.Parse(s)
	if err != nil {
		return Version{}, fmt.Errorf("parsing version %q: %w", s, err)
	}

	return Version{raw: s, parsed: v}, nil
}

// MustParseVersion parses s and panics on error. Intended for constants
// and tests, never for user-supplied input.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}

	return v
}

// String returns the version in its original textual form.
func (v Version) String() string { return v.raw }

// IsZero reports whether v is the unparsed zero value.
func (v Version) IsZero() bool { return v.raw == "" }

// IsPreRelease reports whether v carries a PEP 440 pre-release segment.
func (v Version) IsPreRelease() bool { return v.parsed.IsPreRelease() }

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other, per PEP 440 total ordering (spec §3.1 invariant:
// "Version compare is antisymmetric").
func (v Version) Compare(other Version) int {
	switch {
	case v.parsed.GreaterThan(other.parsed):
		return 1
	case other.parsed.GreaterThan(v.parsed):
		return -1
	default:
		return 0
	}
}

// Less reports whether v orders strictly before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// Equal reports whether v and other compare equal.
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// SortVersionsDesc sorts version strings in descending order, discarding
// any that fail to parse. This generalizes the teacher's
// resolver.SortVersionsDesc to return parsed Versions rather than raw
// strings, since every downstream caller needs to keep comparing.
func SortVersionsDesc(raw []string) []Version {
	versions := make([]Version, 0, len(raw))

	for _, s := range raw {
		v, err := ParseVersion(s)
		if err != nil {
			continue
		}

		versions = append(versions, v)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[j].Less(versions[i])
	})

	return versions
}

// FormatPythonVersion converts a compact interpreter version like "312"
// into dotted form "3.12". Identical to the teacher's
// resolver.FormatPythonVersion.
func FormatPythonVersion(v string) string {
	if len(v) >= 2 {
		return v[:1] + "." + v[1:]
	}

	return v
}

// TruncatedPythonVersion reduces a version to major.minor.patch for
// comparison against requires-python ranges. Per spec §9's open question,
// uv compares requires-python against a truncated interpreter version
// (accepting e.g. "3.13.0b1" under ">=3.13"), which is convenient but not
// strictly PEP 440-compliant. ferrum preserves that observed ecosystem
// behavior rather than guessing at stricter semantics; see DESIGN.md.
func TruncatedPythonVersion(v Version) Version {
	epoch, segs, _ := releaseSegments(v.raw)
	if len(segs) > 3 {
		segs = segs[:3]
	}

	tv, err := ParseVersion(epoch + strings.Join(segs, "."))
	if err != nil {
		return v
	}

	return tv
}
