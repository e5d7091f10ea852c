package pep

import (
	"fmt"
	"strings"
)

// Specifier is a PEP 440 version specifier set (spec §3.1): a comma
// separated list of clauses (==, !=, <, <=, >, >=, ~=, ===), each clause
// ANDed together, compiled once to its canonical Range.
type Specifier struct {
	raw   string
	rng   Range
	preOK bool // true if any clause explicitly names a pre-release
}

// ParseSpecifier compiles a PEP 440 specifier string into its Range.
// This is the piece the teacher's resolver package delegates straight to
// go-pep440-version's Specifiers.Check; ferrum instead decomposes each
// clause into an interval so ranges can be unioned/intersected/complemented
// at the Requirement/Resolver layer (spec §4.1 Range contract).
func ParseSpecifier(s string) (Specifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Specifier{raw: s, rng: Full()}, nil
	}

	rng := Full()
	preOK := false

	for _, clause := range strings.Split(s, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}

		cr, isPre, err := compileClause(clause)
		if err != nil {
			return Specifier{}, fmt.Errorf("parsing specifier %q: %w", s, err)
		}

		rng = rng.Intersect(cr)
		preOK = preOK || isPre
	}

	return Specifier{raw: s, rng: rng, preOK: preOK}, nil
}

// String returns the specifier in its original textual form.
func (sp Specifier) String() string { return sp.raw }

// Range returns the compiled range for sp.
func (sp Specifier) Range() Range { return sp.rng }

// AllowsPreReleases reports whether sp explicitly names a pre-release
// version, which per spec §4.5 admits pre-releases for this requirement
// even without a global opt-in.
func (sp Specifier) AllowsPreReleases() bool { return sp.preOK }

// Matches reports whether v satisfies sp.
func (sp Specifier) Matches(v Version) bool { return sp.rng.Contains(v) }

const clauseOps = "><=!~"

func compileClause(clause string) (Range, bool, error) {
	opEnd := 0
	for opEnd < len(clause) && strings.ContainsRune(clauseOps, rune(clause[opEnd])) {
		opEnd++
	}

	if opEnd == 0 {
		return Range{}, false, fmt.Errorf("missing operator in clause %q", clause)
	}

	op := clause[:opEnd]
	verStr := strings.TrimSpace(clause[opEnd:])

	if verStr == "" {
		return Range{}, false, fmt.Errorf("missing version in clause %q", clause)
	}

	isWildcard := strings.HasSuffix(verStr, ".*")
	base := strings.TrimSuffix(verStr, ".*")

	switch op {
	case "==":
		if isWildcard {
			r, err := prefixRange(base)
			return r, false, err
		}

		v, err := ParseVersion(verStr)
		if err != nil {
			return Range{}, false, err
		}

		return Singleton(v), v.IsPreRelease(), nil

	case "===":
		// Arbitrary equality: treated as exact textual/parsed match, no
		// wildcard support per PEP 440.
		v, err := ParseVersion(verStr)
		if err != nil {
			return Range{}, false, err
		}

		return Singleton(v), v.IsPreRelease(), nil

	case "!=":
		if isWildcard {
			r, err := prefixRange(base)
			if err != nil {
				return Range{}, false, err
			}

			return r.Complement(), false, nil
		}

		v, err := ParseVersion(verStr)
		if err != nil {
			return Range{}, false, err
		}

		return Singleton(v).Complement(), false, nil

	case ">=":
		v, err := ParseVersion(verStr)
		if err != nil {
			return Range{}, false, err
		}

		return AtLeast(v), v.IsPreRelease(), nil

	case ">":
		v, err := ParseVersion(verStr)
		if err != nil {
			return Range{}, false, err
		}

		return GreaterThan(v), v.IsPreRelease(), nil

	case "<=":
		v, err := ParseVersion(verStr)
		if err != nil {
			return Range{}, false, err
		}

		return AtMost(v), v.IsPreRelease(), nil

	case "<":
		v, err := ParseVersion(verStr)
		if err != nil {
			return Range{}, false, err
		}

		return LessThan(v), v.IsPreRelease(), nil

	case "~=":
		return compatibleRelease(verStr)

	default:
		return Range{}, false, fmt.Errorf("unsupported operator %q", op)
	}
}

// prefixRange computes the range matched by a PEP 440 wildcard prefix
// like "2.3.*": every version whose release segments start with 2.3.
func prefixRange(prefix string) (Range, error) {
	low, err := ParseVersion(prefix)
	if err != nil {
		return Range{}, err
	}

	high, err := bumpLastSegment(prefix)
	if err != nil {
		return Range{}, err
	}

	return between(includedAt(low), excludedAt(high)), nil
}

// compatibleRelease compiles "~=V" into ">=V,==V.*" with the trailing
// release segment dropped, per PEP 440 §Compatible release clause: ~=2.2
// means >=2.2,<3.0; ~=2.2.1 means >=2.2.1,<2.3.0.
func compatibleRelease(verStr string) (Range, bool, error) {
	low, err := ParseVersion(verStr)
	if err != nil {
		return Range{}, false, err
	}

	prefix, err := dropLastSegment(verStr)
	if err != nil {
		return Range{}, false, err
	}

	high, err := bumpLastSegment(prefix)
	if err != nil {
		return Range{}, false, err
	}

	return between(includedAt(low), excludedAt(high)), low.IsPreRelease(), nil
}

// releaseSegments extracts the dotted release segments (ignoring epoch
// and any pre/post/dev/local suffix) from a version string such as
// "2!1.2.3rc1+local".
func releaseSegments(s string) (epoch string, segs []string, suffix string) {
	rest := s

	if idx := strings.Index(rest, "!"); idx >= 0 {
		epoch = rest[:idx+1]
		rest = rest[idx+1:]
	}

	i := 0
	for i < len(rest) && (rest[i] == '.' || (rest[i] >= '0' && rest[i] <= '9')) {
		i++
	}

	release := rest[:i]
	suffix = rest[i:]
	segs = strings.Split(release, ".")

	return epoch, segs, suffix
}

func bumpLastSegment(s string) (Version, error) {
	epoch, segs, _ := releaseSegments(s)
	if len(segs) == 0 {
		return Version{}, fmt.Errorf("no release segments in %q", s)
	}

	last := 0

	for _, c := range segs[len(segs)-1] {
		if c < '0' || c > '9' {
			return Version{}, fmt.Errorf("non-numeric release segment in %q", s)
		}
	}

	fmt.Sscanf(segs[len(segs)-1], "%d", &last)
	segs[len(segs)-1] = fmt.Sprintf("%d", last+1)

	return ParseVersion(epoch + strings.Join(segs, "."))
}

func dropLastSegment(s string) (string, error) {
	epoch, segs, _ := releaseSegments(s)
	if len(segs) < 2 {
		return "", fmt.Errorf("~= requires at least two release segments, got %q", s)
	}

	return epoch + strings.Join(segs[:len(segs)-1], "."), nil
}
