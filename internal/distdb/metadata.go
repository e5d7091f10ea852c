package distdb

import (
	"bufio"
	"errors"
	"strings"

	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// Metadata is the parsed form of a wheel's METADATA file or an sdist's
// PKG-INFO: name,
// version, requires-python, requires-dist, provides-extras.
type Metadata struct {
	Name           pep.PackageName
	Version        pep.Version
	RequiresPython pep.Specifier
	RequiresDist   []types.Requirement
	ProvidesExtras []pep.Extra
}

// ErrBuildRequired is returned by Metadata when the only available
// source is an sdist with no PEP 658 core-metadata shortcut and no
// prebuilt wheel: the caller (the resolver, via internal/build) must
// invoke the PEP 517 build dispatcher to obtain metadata, then feed the
// result back through DB.PutBuiltMetadata.
var ErrBuildRequired = errors.New("distdb: metadata requires a PEP 517 build")

// parseMetadataText parses the RFC 822-ish Core Metadata format shared by
// wheel METADATA and sdist PKG-INFO files (PEP 621/566). Only the fields
// spec.md §4.3 names are extracted; the body after the blank-line
// separator (the long description) is discarded.
func parseMetadataText(text string) (Metadata, error) {
	var md Metadata

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // blank line separates headers from the description body
		}

		key, value, ok := splitHeader(line)
		if !ok {
			continue
		}

		switch key {
		case "Name":
			md.Name = pep.NewPackageName(value)
		case "Version":
			if v, err := pep.ParseVersion(value); err == nil {
				md.Version = v
			}
		case "Requires-Python":
			if sp, err := pep.ParseSpecifier(value); err == nil {
				md.RequiresPython = sp
			}
		case "Requires-Dist":
			if req, err := types.ParseRequirement(value); err == nil {
				md.RequiresDist = append(md.RequiresDist, req)
			}
		case "Provides-Extra":
			md.ProvidesExtras = append(md.ProvidesExtras, pep.NewExtra(value))
		}
	}

	return md, nil
}

// ParseMetadataText is the exported form of parseMetadataText, for
// internal/build to decode the Core Metadata text it reads out of a
// freshly-built wheel or a prepare_metadata_for_build_wheel output
// directory without duplicating the RFC 822 scan here.
func ParseMetadataText(text string) (Metadata, error) {
	return parseMetadataText(text)
}

func splitHeader(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}

	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}
