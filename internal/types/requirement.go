// Package types holds the shared data model every ferrum component
// exchanges: requirements, sources, and distributions (spec §3.3, §3.4).
// Where the teacher's internal/resolver.Requirement kept raw strings for
// the specifier and marker, ferrum keeps the compiled pep.Specifier and
// pep.MarkerTree directly, so no component re-parses the same text twice.
package types

import (
	"sort"
	"strings"

	"github.com/ferrumpkg/ferrum/internal/pep"
)

// Requirement is a parsed PEP 508 dependency line: a name, optional
// extras, a version specifier, a source (defaulting to the configured
// registry), and an environment marker gating when it applies.
type Requirement struct {
	Name      pep.PackageName
	Extras    []pep.Extra
	Specifier pep.Specifier
	Marker    pep.MarkerTree
	Source    Source
	Raw       string
	// Hashes holds "algo:digest" pins from requirements-file --hash
	// directives (spec §4.2), populated by reqfile.ParseFile. A resolve
	// checks these against the chosen distribution's published digest
	// before a lockfile is written.
	Hashes []string
}

// ParseRequirement parses a PEP 508 requirement line, generalizing the
// teacher's resolver.ParseRequirement to compile the specifier and marker
// instead of carrying them as raw strings, and to recognize extras and
// direct-reference sources ("name @ url").
func ParseRequirement(s string) (Requirement, error) {
	raw := s
	s = strings.TrimSpace(s)

	markerStr := ""
	if idx := strings.Index(s, ";"); idx >= 0 {
		markerStr = strings.TrimSpace(s[idx+1:])
		s = strings.TrimSpace(s[:idx])
	}

	marker, err := pep.ParseMarker(markerStr)
	if err != nil {
		return Requirement{}, err
	}

	nameSpec, src, err := splitSource(s)
	if err != nil {
		return Requirement{}, err
	}

	name, extras, specPart := splitNameExtrasSpec(nameSpec)

	specPart = strings.NewReplacer("(", "", ")", "").Replace(specPart)
	specPart = strings.TrimSpace(specPart)

	spec, err := pep.ParseSpecifier(specPart)
	if err != nil {
		return Requirement{}, err
	}

	return Requirement{
		Name:      pep.NewPackageName(name),
		Extras:    extras,
		Specifier: spec,
		Marker:    marker,
		Source:    src,
		Raw:       raw,
	}, nil
}

// splitSource recognizes the PEP 508 direct-reference form "name @ url"
// and strips it off, returning the remaining name[extras]specifier text
// plus the resolved Source (Registry if no "@" is present).
func splitSource(s string) (string, Source, error) {
	idx := strings.Index(s, "@")
	if idx < 0 {
		return s, Source{Kind: SourceRegistry}, nil
	}

	// Guard against "@" appearing inside a version specifier, which PEP
	// 508 never allows, so any "@" here is the direct-reference marker.
	namePart := strings.TrimSpace(s[:idx])
	urlPart := strings.TrimSpace(s[idx+1:])

	src, err := ParseSourceURL(urlPart)
	if err != nil {
		return "", Source{}, err
	}

	return namePart, src, nil
}

func splitNameExtrasSpec(s string) (name string, extras []pep.Extra, specifier string) {
	if idx := strings.Index(s, "["); idx >= 0 {
		if end := strings.Index(s, "]"); end > idx {
			extraList := s[idx+1 : end]
			for _, e := range strings.Split(extraList, ",") {
				e = strings.TrimSpace(e)
				if e != "" {
					extras = append(extras, pep.NewExtra(e))
				}
			}

			s = s[:idx] + s[end+1:]
		}
	}

	specStart := strings.IndexAny(s, "><=!~(")
	if specStart < 0 {
		return strings.TrimSpace(s), extras, ""
	}

	return strings.TrimSpace(s[:specStart]), extras, strings.TrimSpace(s[specStart:])
}

// SortRequirements orders requirements by normalized name, then by raw
// extras/specifier text, giving lockfiles and plan output a deterministic
// order (spec §6 invariant on lockfile determinism).
func SortRequirements(reqs []Requirement) []Requirement {
	out := append([]Requirement{}, reqs...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name.Normalized() != out[j].Name.Normalized() {
			return out[i].Name.Normalized() < out[j].Name.Normalized()
		}

		return out[i].Raw < out[j].Raw
	})

	return out
}
