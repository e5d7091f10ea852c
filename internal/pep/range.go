package pep

// Range is a finite union of half-open intervals over the version
// lattice (spec §3.1): the compiled form of a VersionSpecifier. The
// interval list is always kept sorted and non-overlapping so that
// "two specifiers are equal iff their ranges are equal" can be checked
// by structural comparison (see Range.Equal).
type Range struct {
	intervals []interval
}

// bound is one endpoint of an interval, used for both the lower (left)
// and the upper (right) edge; included says whether the endpoint itself
// lies in the interval.
// Unbounded endpoints are represented with a nil *Version.
type bound struct {
	v        *Version
	included bool
}

type interval struct {
	low  bound
	high bound
}

func unbounded() bound { return bound{} }

func includedAt(v Version) bound { return bound{v: &v, included: true} }

func excludedAt(v Version) bound { return bound{v: &v, included: false} }

// Empty returns the empty range.
func Empty() Range { return Range{} }

// Full returns the range containing every version.
func Full() Range { return Range{intervals: []interval{{low: unbounded(), high: unbounded()}}} }

// Singleton returns the range containing exactly v.
func Singleton(v Version) Range {
	return Range{intervals: []interval{{low: includedAt(v), high: includedAt(v)}}}
}

// AtLeast returns [v, +inf).
func AtLeast(v Version) Range {
	return Range{intervals: []interval{{low: includedAt(v), high: unbounded()}}}
}

// GreaterThan returns (v, +inf).
func GreaterThan(v Version) Range {
	return Range{intervals: []interval{{low: excludedAt(v), high: unbounded()}}}
}

// AtMost returns (-inf, v].
func AtMost(v Version) Range {
	return Range{intervals: []interval{{low: unbounded(), high: includedAt(v)}}}
}

// LessThan returns (-inf, v).
func LessThan(v Version) Range {
	return Range{intervals: []interval{{low: unbounded(), high: excludedAt(v)}}}
}

// Between returns [low, high) or [low, high] etc. depending on inclusivity.
func between(low, high bound) Range {
	if boundOrderWithinInterval(low, high) {
		return Range{intervals: []interval{{low: low, high: high}}}
	}

	return Empty()
}

// IsEmpty reports whether r contains no versions.
func (r Range) IsEmpty() bool { return len(r.intervals) == 0 }

// Contains reports whether v falls within any interval of r.
func (r Range) Contains(v Version) bool {
	for _, iv := range r.intervals {
		if intervalContains(iv, v) {
			return true
		}
	}

	return false
}

// Intervals returns the sorted, non-overlapping intervals backing r, each
// rendered as a human-readable half-open notation. Exposed for
// diagnostics and lockfile round-tripping, not for further arithmetic.
func (r Range) Intervals() []string {
	out := make([]string, 0, len(r.intervals))
	for _, iv := range r.intervals {
		out = append(out, formatInterval(iv))
	}

	return out
}

// Union returns the set union of r and other.
func (r Range) Union(other Range) Range {
	all := append(append([]interval{}, r.intervals...), other.intervals...)

	return Range{intervals: mergeIntervals(all)}
}

// Intersect returns the set intersection of r and other.
func (r Range) Intersect(other Range) Range {
	var out []interval

	for _, a := range r.intervals {
		for _, b := range other.intervals {
			if iv, ok := intersectIntervals(a, b); ok {
				out = append(out, iv)
			}
		}
	}

	return Range{intervals: mergeIntervals(out)}
}

// Complement returns every version not in r.
func (r Range) Complement() Range {
	if r.IsEmpty() {
		return Full()
	}

	var out []interval

	var prevHigh bound

	for i, iv := range r.intervals {
		if i == 0 {
			if iv.low.v != nil {
				out = append(out, interval{low: unbounded(), high: invertLower(iv.low)})
			}
		} else {
			out = append(out, interval{low: invertUpper(prevHigh), high: invertLower(iv.low)})
		}

		prevHigh = iv.high
	}

	if prevHigh.v != nil {
		out = append(out, interval{low: invertUpper(prevHigh), high: unbounded()})
	}

	return Range{intervals: mergeIntervals(out)}
}

// Equal reports whether r and other describe exactly the same set of
// versions, i.e. their canonical interval lists match.
func (r Range) Equal(other Range) bool {
	if len(r.intervals) != len(other.intervals) {
		return false
	}

	for i := range r.intervals {
		if !intervalEqual(r.intervals[i], other.intervals[i]) {
			return false
		}
	}

	return true
}

// --- interval primitives ---

func intervalContains(iv interval, v Version) bool {
	if iv.low.v != nil {
		if iv.low.included {
			if v.Less(*iv.low.v) {
				return false
			}
		} else if v.Compare(*iv.low.v) <= 0 {
			return false
		}
	}

	if iv.high.v != nil {
		if iv.high.included {
			if iv.high.v.Less(v) {
				return false
			}
		} else if v.Compare(*iv.high.v) >= 0 {
			return false
		}
	}

	return true
}

// boundOrderWithinInterval reports whether low..high describes a
// non-empty interval.
func boundOrderWithinInterval(low, high bound) bool {
	if low.v == nil || high.v == nil {
		return true
	}

	c := low.v.Compare(*high.v)
	if c < 0 {
		return true
	}

	if c == 0 {
		return low.included && high.included
	}

	return false
}

func boundIsUnbounded(b bound) bool { return b.v == nil }

// lowerLess reports whether bound a (as a lower bound) sorts before b.
func lowerLess(a, b bound) bool {
	if a.v == nil {
		return b.v != nil
	}

	if b.v == nil {
		return false
	}

	c := a.v.Compare(*b.v)
	if c != 0 {
		return c < 0
	}
	// At the same value, an included lower bound starts "before" an
	// excluded one (it admits the point the excluded bound does not).
	return a.included && !b.included
}

// upperLess reports whether bound a (as an upper bound) sorts before b.
func upperLess(a, b bound) bool {
	if a.v == nil {
		return false
	}

	if b.v == nil {
		return true
	}

	c := a.v.Compare(*b.v)
	if c != 0 {
		return c < 0
	}
	// At the same value, an excluded upper bound ends "before" an
	// included one.
	return !a.included && b.included
}

// overlapsOrAdjacent reports whether interval b starts at or before the
// point where interval a ends (inclusive of touching half-open edges
// that together cover every version, e.g. [1,2) and [2,3)).
func overlapsOrAdjacent(a, b interval) bool {
	if a.high.v == nil || b.low.v == nil {
		return true
	}

	c := a.high.v.Compare(*b.low.v)
	if c > 0 {
		return true
	}

	if c < 0 {
		return false
	}
	// Equal value: overlap if both edges are inclusive, or adjacency if
	// exactly one side is open (covers the shared point exactly once).
	return a.high.included || b.low.included
}

func mergeIntervals(in []interval) []interval {
	if len(in) == 0 {
		return nil
	}

	sorted := append([]interval{}, in...)
	sortIntervals(sorted)

	out := []interval{sorted[0]}

	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if overlapsOrAdjacent(*last, iv) {
			if upperLess(last.high, iv.high) {
				last.high = iv.high
			}

			continue
		}

		out = append(out, iv)
	}

	return out
}

func sortIntervals(ivs []interval) {
	// insertion sort: interval counts stay small in practice (a handful
	// of clauses per specifier), and it keeps the comparator simple.
	for i := 1; i < len(ivs); i++ {
		for j := i; j > 0 && lowerLess(ivs[j].low, ivs[j-1].low); j-- {
			ivs[j], ivs[j-1] = ivs[j-1], ivs[j]
		}
	}
}

func intersectIntervals(a, b interval) (interval, bool) {
	low := a.low
	if lowerLess(b.low, a.low) {
		// a.low is the tighter (later) bound; keep a.low.
	} else {
		low = b.low
	}

	high := a.high
	if upperLess(b.high, a.high) {
		high = b.high
	}

	if !boundOrderWithinInterval(low, high) {
		return interval{}, false
	}

	return interval{low: low, high: high}, true
}

// invertUpper turns an upper bound into the lower bound of the
// complement's next interval.
func invertUpper(h bound) bound {
	if h.v == nil {
		return unbounded()
	}

	if h.included {
		return excludedAt(*h.v)
	}

	return includedAt(*h.v)
}

// invertLower turns a lower bound into the upper bound that closes the
// complement's preceding gap.
func invertLower(l bound) bound {
	if l.v == nil {
		return unbounded()
	}

	if l.included {
		return excludedAt(*l.v)
	}

	return includedAt(*l.v)
}

func intervalEqual(a, b interval) bool {
	return boundEqual(a.low, b.low) && boundEqual(a.high, b.high)
}

func boundEqual(a, b bound) bool {
	if (a.v == nil) != (b.v == nil) {
		return false
	}

	if a.v == nil {
		return true
	}

	return a.v.Equal(*b.v) && a.included == b.included
}

func formatInterval(iv interval) string {
	lo := "(-inf"
	if iv.low.v != nil {
		if iv.low.included {
			lo = "[" + iv.low.v.String()
		} else {
			lo = "(" + iv.low.v.String()
		}
	}

	hi := "+inf)"
	if iv.high.v != nil {
		if iv.high.included {
			hi = iv.high.v.String() + "]"
		} else {
			hi = iv.high.v.String() + ")"
		}
	}

	return lo + ", " + hi
}
