package reqfile

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/ferrumpkg/ferrum/internal/types"
)

// pyProjectDocument mirrors the slice of PEP 621's [project] table ferrum
// cares about, plus PEP 517's [build-system]. Struct-tag-driven decoding
// via go-toml/v2 follows the same pattern as the corpus's
// pypi/parsing/pyproject.go, which decodes a pyProjectProject the same way.
type pyProjectDocument struct {
	Project     projectTable     `toml:"project"`
	BuildSystem buildSystemTable `toml:"build-system"`
}

type projectTable struct {
	Name            string              `toml:"name"`
	Version         string              `toml:"version"`
	RequiresPython  string              `toml:"requires-python"`
	Dependencies    []string            `toml:"dependencies"`
	OptionalDeps    map[string][]string `toml:"optional-dependencies"`
	DynamicFields   []string            `toml:"dynamic"`
}

type buildSystemTable struct {
	Requires      []string `toml:"requires"`
	BuildBackend  string   `toml:"build-backend"`
	BackendPath   []string `toml:"backend-path"`
}

// ProjectMetadata is the subset of a pyproject.toml this layer feeds into
// resolution: the project's own name/version/requires-python constraint,
// its direct dependencies (both required and per-extra), and the PEP 517
// build-system declaration the build dispatcher needs.
type ProjectMetadata struct {
	Name            string
	Version         string
	RequiresPython  string
	Dependencies    []types.Requirement
	ExtraDeps       map[string][]types.Requirement
	BuildRequires   []string
	BuildBackend    string
	BackendPath     []string
	DynamicFields   []string
}

// ParsePyProject reads and decodes a pyproject.toml file's [project] and
// [build-system] tables.
func ParsePyProject(path string) (ProjectMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProjectMetadata{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc pyProjectDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return ProjectMetadata{}, fmt.Errorf("decoding %s: %w", path, err)
	}

	deps, err := parseRequirementStrings(doc.Project.Dependencies)
	if err != nil {
		return ProjectMetadata{}, fmt.Errorf("decoding %s project.dependencies: %w", path, err)
	}

	extraDeps := make(map[string][]types.Requirement, len(doc.Project.OptionalDeps))

	for extra, specs := range doc.Project.OptionalDeps {
		parsed, err := parseRequirementStrings(specs)
		if err != nil {
			return ProjectMetadata{}, fmt.Errorf("decoding %s project.optional-dependencies.%s: %w", path, extra, err)
		}

		extraDeps[extra] = parsed
	}

	backend := doc.BuildSystem.BuildBackend
	requires := doc.BuildSystem.Requires

	if backend == "" && len(requires) == 0 {
		// PEP 517 §Build backend interface: a pyproject.toml with no
		// [build-system] at all defaults to setuptools' legacy hooks.
		backend = "setuptools.build_meta:__legacy__"
		requires = []string{"setuptools", "wheel"}
	}

	return ProjectMetadata{
		Name:           doc.Project.Name,
		Version:        doc.Project.Version,
		RequiresPython: doc.Project.RequiresPython,
		Dependencies:   deps,
		ExtraDeps:      extraDeps,
		BuildRequires:  requires,
		BuildBackend:   backend,
		BackendPath:    doc.BuildSystem.BackendPath,
		DynamicFields:  doc.Project.DynamicFields,
	}, nil
}

func parseRequirementStrings(specs []string) ([]types.Requirement, error) {
	out := make([]types.Requirement, 0, len(specs))

	for _, s := range specs {
		req, err := types.ParseRequirement(s)
		if err != nil {
			return nil, err
		}

		out = append(out, req)
	}

	return out, nil
}
