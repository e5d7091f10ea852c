package types

import (
	"fmt"
	"strings"

	"github.com/ferrumpkg/ferrum/internal/pep"
)

// DistKind distinguishes a built wheel (spec §3.4, PEP 427) from a source
// distribution that still needs a build-backend invocation (PEP 517).
type DistKind int

const (
	DistWheel DistKind = iota
	DistSdist
)

func (k DistKind) String() string {
	if k == DistWheel {
		return "wheel"
	}

	return "sdist"
}

// WheelTags is a parsed PEP 425 compatibility tag, e.g. "cp312-cp312-manylinux_2_17_x86_64".
type WheelTags struct {
	Python   string
	ABI      string
	Platform string
}

// String renders the tag back to its dash-joined form.
func (t WheelTags) String() string {
	return t.Python + "-" + t.ABI + "-" + t.Platform
}

// ParseWheelTags splits a wheel filename's tag triple out of its name,
// per PEP 427: {name}-{version}(-{build tag})?-{python tag}-{abi
// tag}-{platform tag}.whl. Compressed tags (e.g. "py2.py3-none-any") are
// returned as-is; callers expand them with ExpandedTags.
func ParseWheelTags(filename string) (WheelTags, error) {
	name := strings.TrimSuffix(filename, ".whl")

	parts := strings.Split(name, "-")
	if len(parts) < 5 {
		return WheelTags{}, fmt.Errorf("malformed wheel filename %q", filename)
	}

	return WheelTags{
		Python:   parts[len(parts)-3],
		ABI:      parts[len(parts)-2],
		Platform: parts[len(parts)-1],
	}, nil
}

// ExpandedTags enumerates every (python, abi, platform) triple a
// compressed tag like "py2.py3-none-any" expands to, since PEP 425 allows
// dot-separated alternatives in each component.
func (t WheelTags) ExpandedTags() []WheelTags {
	var out []WheelTags

	for _, py := range strings.Split(t.Python, ".") {
		for _, abi := range strings.Split(t.ABI, ".") {
			for _, plat := range strings.Split(t.Platform, ".") {
				out = append(out, WheelTags{Python: py, ABI: abi, Platform: plat})
			}
		}
	}

	return out
}

// Matches reports whether t is compatible with any tag the running
// interpreter supports, given as a precomputed supported-tag list ordered
// most to least preferred (spec §3.4's "tag compatibility" contract).
func (t WheelTags) Matches(supported []WheelTags) bool {
	for _, candidate := range t.ExpandedTags() {
		for _, s := range supported {
			if candidate == s {
				return true
			}
		}
	}

	return false
}

// BestTagRank returns the index of t's best-matching entry in supported,
// or -1 if none match; lower is more preferred. Distribution selection
// among multiple compatible wheels uses this for tiebreaking (spec §3.4).
func (t WheelTags) BestTagRank(supported []WheelTags) int {
	best := -1

	for _, candidate := range t.ExpandedTags() {
		for i, s := range supported {
			if candidate == s && (best == -1 || i < best) {
				best = i
			}
		}
	}

	return best
}

// sdistExtensions lists the archive suffixes a source distribution
// filename may carry, longest first so ".tar.gz" is stripped before a
// naive ".gz" match would fire.
var sdistExtensions = []string{".tar.gz", ".tar.bz2", ".tar.xz", ".zip"}

// ParseWheelOrSdistName extracts name and version from either a wheel
// filename (PEP 427: {name}-{version}-...-{platform}.whl) or an sdist
// filename ({name}-{version}.tar.gz etc), generalizing the teacher's
// downloader.ParseWheelFilename to cover both distribution kinds since
// registry index pages list them side by side (spec §3.4).
func ParseWheelOrSdistName(filename string) (name, version string, kind DistKind, err error) {
	if strings.HasSuffix(filename, ".whl") {
		tags, terr := ParseWheelTags(filename)
		if terr != nil {
			return "", "", 0, terr
		}

		base := strings.TrimSuffix(filename, ".whl")
		parts := strings.Split(base, "-")

		if len(parts) < 5 {
			return "", "", 0, fmt.Errorf("malformed wheel filename %q", filename)
		}

		_ = tags

		return parts[0], parts[1], DistWheel, nil
	}

	for _, ext := range sdistExtensions {
		if strings.HasSuffix(filename, ext) {
			base := strings.TrimSuffix(filename, ext)

			idx := strings.LastIndex(base, "-")
			if idx < 0 {
				return "", "", 0, fmt.Errorf("malformed sdist filename %q", filename)
			}

			return base[:idx], base[idx+1:], DistSdist, nil
		}
	}

	return "", "", 0, fmt.Errorf("unrecognized distribution filename %q", filename)
}

// Distribution is one concrete, downloadable artifact for a package
// version: a wheel or an sdist, with the hashes and metadata a resolver
// decision and an installer plan both need (spec §3.4). This generalizes
// the teacher's pypi.URL, which only carried wheel/sdist filenames and a
// single registry's digest set.
type Distribution struct {
	Name           pep.PackageName
	Version        pep.Version
	Kind           DistKind
	Filename       string
	URL            string
	Size           int64
	Hashes         map[string]string // algorithm -> hex digest, as published
	RequiresPython pep.Specifier
	Tags           WheelTags // zero value for sdists
	Yanked         bool
	YankedReason   string
	Source         Source
	// CoreMetadataURL is set when the index advertised a separately
	// fetchable METADATA file (PEP 658/714), letting the distribution
	// database skip downloading the artifact just to read its metadata
	// (spec §6.2).
	CoreMetadataURL string
}

// HashPreferenceOrder is the preference ferrum records hashes in when
// writing a lockfile (spec §6): strongest digest first, falling back only
// when the registry didn't publish a stronger one.
var HashPreferenceOrder = []string{"sha512", "sha384", "sha256", "blake2b_256", "md5"}

// PreferredHash returns the strongest hash digest available, plus its
// algorithm name, per HashPreferenceOrder.
func (d Distribution) PreferredHash() (algo, digest string, ok bool) {
	for _, algo := range HashPreferenceOrder {
		if h, present := d.Hashes[algo]; present && h != "" {
			return algo, h, true
		}
	}

	return "", "", false
}

// CompatibleWith reports whether d's wheel tags match one of the running
// environment's supported tags. Sdists are always considered compatible
// at this layer; build compatibility is checked by internal/build.
func (d Distribution) CompatibleWith(supported []WheelTags) bool {
	if d.Kind == DistSdist {
		return true
	}

	return d.Tags.Matches(supported)
}
