package types

import (
	"fmt"
	"strings"
)

// SourceKind closes the Source sum over the five places a distribution
// can come from (spec §3.3): the configured registry, a direct URL to an
// artifact, a VCS checkout, a local path, or a local archive file.
type SourceKind int

const (
	SourceRegistry SourceKind = iota
	SourceDirectURL
	SourceVCS
	SourcePath
	SourceArchive
)

func (k SourceKind) String() string {
	switch k {
	case SourceRegistry:
		return "registry"
	case SourceDirectURL:
		return "url"
	case SourceVCS:
		return "vcs"
	case SourcePath:
		return "path"
	case SourceArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Source pins where a Distribution's bytes come from. Only the fields
// relevant to Kind are populated; callers switch on Kind before reading
// the rest, the same closed-sum discipline PEP 508 direct references and
// PEP 610 direct_url.json both need.
type Source struct {
	Kind SourceKind

	// SourceDirectURL
	URL  string
	Hash string // "algo:hexdigest", expected hash if the caller pinned one

	// SourceVCS
	VCSKind      string // git, hg, svn, bzr
	Ref          string // branch, tag, or commit the caller asked for
	ResolvedRef  string // commit resolved at lock time
	Subdirectory string

	// SourcePath, SourceArchive
	Path     string
	Editable bool
}

// ParseSourceURL classifies the right-hand side of a PEP 508 direct
// reference ("name @ <this>") or a requirements.txt direct line into a
// Source, recognizing the vcs+scheme://... convention from PEP 440 §Direct
// References (git+, hg+, svn+, bzr+) and local paths (with or without a
// file:// scheme).
func ParseSourceURL(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("empty source reference")
	}

	for _, vcs := range []string{"git", "hg", "svn", "bzr"} {
		prefix := vcs + "+"
		if strings.HasPrefix(raw, prefix) {
			return parseVCSSource(vcs, strings.TrimPrefix(raw, prefix))
		}
	}

	if strings.HasPrefix(raw, "file://") {
		return Source{Kind: SourcePath, Path: strings.TrimPrefix(raw, "file://")}, nil
	}

	if strings.Contains(raw, "://") {
		url, hash := splitFragmentHash(raw)
		return Source{Kind: SourceDirectURL, URL: url, Hash: hash}, nil
	}

	// No scheme at all: a filesystem path, either to a project directory
	// or an sdist/wheel archive file.
	if isArchivePath(raw) {
		return Source{Kind: SourceArchive, Path: raw}, nil
	}

	return Source{Kind: SourcePath, Path: raw}, nil
}

func parseVCSSource(vcs, rest string) (Source, error) {
	url, ref := rest, ""
	if idx := strings.LastIndex(rest, "@"); idx >= 0 && !strings.Contains(rest[idx:], "/") {
		url, ref = rest[:idx], rest[idx+1:]
	}

	url, subdir := splitSubdirectoryFragment(url)

	return Source{Kind: SourceVCS, VCSKind: vcs, URL: url, Ref: ref, Subdirectory: subdir}, nil
}

// splitFragmentHash pulls a "#sha256=..." fragment off a direct URL, the
// convention pip uses for pinning direct references (PEP 440 Annex B).
func splitFragmentHash(url string) (base, hash string) {
	idx := strings.Index(url, "#")
	if idx < 0 {
		return url, ""
	}

	frag := url[idx+1:]
	base = url[:idx]

	for _, kv := range strings.Split(frag, "&") {
		if strings.HasPrefix(kv, "sha256=") || strings.HasPrefix(kv, "sha512=") ||
			strings.HasPrefix(kv, "sha384=") || strings.HasPrefix(kv, "md5=") {
			parts := strings.SplitN(kv, "=", 2)
			return base, parts[0] + ":" + parts[1]
		}
	}

	return base, ""
}

func splitSubdirectoryFragment(url string) (base, subdir string) {
	idx := strings.Index(url, "#subdirectory=")
	if idx < 0 {
		return url, ""
	}

	return url[:idx], url[idx+len("#subdirectory="):]
}

func isArchivePath(path string) bool {
	for _, ext := range []string{".whl", ".tar.gz", ".zip", ".tar.bz2"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}

	return false
}
