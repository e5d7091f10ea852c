package pep

import (
	"fmt"
	"sort"
	"strings"
)

// Env-key enumeration fixed by spec §3.2.
const (
	KeyPythonVersion             = "python_version"
	KeyPythonFullVersion         = "python_full_version"
	KeyImplementationName        = "implementation_name"
	KeySysPlatform               = "sys_platform"
	KeyPlatformSystem            = "platform_system"
	KeyPlatformMachine           = "platform_machine"
	KeyPlatformPythonImpl        = "platform_python_implementation"
	KeyOSName                    = "os_name"
	KeyExtra                     = "extra"
	KeyImplementationVersion     = "implementation_version"
	KeyPlatformRelease           = "platform_release"
)

func isVersionKey(key string) bool {
	return key == KeyPythonVersion || key == KeyPythonFullVersion || key == KeyImplementationVersion
}

// Env is a concrete environment to evaluate a MarkerTree against (spec
// §4.1's "evaluate(env) -> bool"). The extra being resolved for is not
// part of Env: Evaluate takes it as a separate argument, empty when none
// is in play.
type Env struct {
	PythonVersion      string
	PythonFullVersion  string
	ImplementationName string
	SysPlatform        string
	PlatformSystem     string
	PlatformMachine    string
	PlatformPyImpl     string
	OSName             string
	ImplVersion        string
	PlatformRelease    string
}

func (e Env) lookup(key string) (string, bool) {
	switch key {
	case KeyPythonVersion:
		return e.PythonVersion, true
	case KeyPythonFullVersion:
		if e.PythonFullVersion != "" {
			return e.PythonFullVersion, true
		}

		return e.PythonVersion, true
	case KeyImplementationName:
		return e.ImplementationName, true
	case KeySysPlatform:
		return e.SysPlatform, true
	case KeyPlatformSystem:
		return e.PlatformSystem, true
	case KeyPlatformMachine:
		return e.PlatformMachine, true
	case KeyPlatformPythonImpl:
		return e.PlatformPyImpl, true
	case KeyOSName:
		return e.OSName, true
	case KeyImplementationVersion:
		return e.ImplVersion, true
	case KeyPlatformRelease:
		return e.PlatformRelease, true
	default:
		return "", false
	}
}

// Atom is a single marker comparison: <key> <op> <value>.
type Atom struct {
	Key   string
	Op    string
	Value string
}

func (a Atom) negated() Atom {
	ops := map[string]string{
		"==": "!=", "!=": "==",
		"<": ">=", ">=": "<",
		"<=": ">", ">": "<=",
		"in": "not in", "not in": "in",
	}

	if neg, ok := ops[a.Op]; ok {
		return Atom{Key: a.Key, Op: neg, Value: a.Value}
	}
	// "~=" has no single-atom negation; callers fall back to leaving it
	// un-negated wrapped in a synthetic "not" marker, which never arises
	// here because ~= is not part of the PEP 508 marker grammar.
	return a
}

func (a Atom) String() string {
	return fmt.Sprintf("%s %s %q", a.Key, a.Op, a.Value)
}

func (a Atom) key() string { return a.Key + "\x00" + a.Op + "\x00" + a.Value }

// clause is an AND of atoms, always kept sorted and deduplicated.
type clause []Atom

func newClause(atoms []Atom) clause {
	sort.Slice(atoms, func(i, j int) bool { return atoms[i].key() < atoms[j].key() })

	out := atoms[:0:0]

	var last string

	for _, a := range atoms {
		if a.key() == last && len(out) > 0 {
			continue
		}

		out = append(out, a)
		last = a.key()
	}

	return clause(out)
}

func (c clause) String() string {
	parts := make([]string, len(c))
	for i, a := range c {
		parts[i] = a.String()
	}

	return strings.Join(parts, " and ")
}

func (c clause) key() string {
	parts := make([]string, len(c))
	for i, a := range c {
		parts[i] = a.key()
	}

	return strings.Join(parts, "\x01")
}

// MarkerTree is a canonical Boolean expression over environment atoms
// (spec §3.2): a disjunction of conjunctions (DNF), always kept
// deduplicated and pruned of unsatisfiable clauses so that two
// semantically equivalent trees compare equal.
type MarkerTree struct {
	clauses []clause
}

// TrueMarker returns the marker that is always satisfied.
func TrueMarker() MarkerTree { return MarkerTree{clauses: []clause{newClause(nil)}} }

// FalseMarker returns the marker that is never satisfied.
func FalseMarker() MarkerTree { return MarkerTree{} }

// IsTrue reports whether m is the trivially-true marker.
func (m MarkerTree) IsTrue() bool {
	return len(m.clauses) == 1 && len(m.clauses[0]) == 0
}

// IsFalse reports whether m is unsatisfiable.
func (m MarkerTree) IsFalse() bool { return len(m.clauses) == 0 }

// String renders the canonical form.
func (m MarkerTree) String() string {
	if m.IsTrue() {
		return "true"
	}

	if m.IsFalse() {
		return "false"
	}

	parts := make([]string, len(m.clauses))
	for i, c := range m.clauses {
		parts[i] = "(" + c.String() + ")"
	}

	return strings.Join(parts, " or ")
}

// Equal reports whether m and other are canonically identical, i.e.
// semantically equivalent (spec §3.2 invariant).
func (m MarkerTree) Equal(other MarkerTree) bool {
	if len(m.clauses) != len(other.clauses) {
		return false
	}

	for i := range m.clauses {
		if m.clauses[i].key() != other.clauses[i].key() {
			return false
		}
	}

	return true
}

func fromAtom(a Atom) MarkerTree { return MarkerTree{clauses: []clause{newClause([]Atom{a})}} }

// Intersect returns the conjunction m AND other, pruning any resulting
// clause that is provably unsatisfiable (e.g. python_version<'3.8' AND
// python_version>='3.9').
func (m MarkerTree) Intersect(other MarkerTree) MarkerTree {
	if m.IsFalse() || other.IsFalse() {
		return FalseMarker()
	}

	var out []clause

	for _, a := range m.clauses {
		for _, b := range other.clauses {
			merged := newClause(append(append([]Atom{}, a...), b...))
			if clauseSatisfiable(merged) {
				out = append(out, merged)
			}
		}
	}

	return canonicalize(out)
}

// Union returns the disjunction m OR other.
func (m MarkerTree) Union(other MarkerTree) MarkerTree {
	return canonicalize(append(append([]clause{}, m.clauses...), other.clauses...))
}

// Negate returns NOT m, fully distributed back into DNF via De Morgan's
// laws (spec §8 P3: "de Morgan's laws hold on canonical forms").
func (m MarkerTree) Negate() MarkerTree {
	if m.IsFalse() {
		return TrueMarker()
	}

	if m.IsTrue() {
		return FalseMarker()
	}

	result := TrueMarker()

	for _, c := range m.clauses {
		var negClauseOptions MarkerTree
		for _, a := range c {
			negClauseOptions = negClauseOptions.Union(fromAtom(a.negated()))
		}

		result = result.Intersect(negClauseOptions)
	}

	return result
}

// Implies reports whether m implies other: every environment satisfying
// m also satisfies other, i.e. m AND NOT(other) is unsatisfiable.
func (m MarkerTree) Implies(other MarkerTree) bool {
	return m.Intersect(other.Negate()).IsFalse()
}

// Disjoint reports whether m and other share no satisfying environment
// (spec §3.2, §4.5 fork discipline). Never reports disjoint for a
// satisfiable intersection (spec §8 P4): the contradiction detector in
// clauseSatisfiable only rules out conjunctions it can prove empty.
func (m MarkerTree) Disjoint(other MarkerTree) bool {
	return m.Intersect(other).IsFalse()
}

// Evaluate reports whether env (optionally resolving `extra`) satisfies m.
func (m MarkerTree) Evaluate(env Env, extra string) bool {
	for _, c := range m.clauses {
		allTrue := true

		for _, a := range c {
			if !evalAtom(a, env, extra) {
				allTrue = false

				break
			}
		}

		if allTrue {
			return true
		}
	}

	return false
}

// canonicalize dedupes clauses and removes any clause wholly subsumed by
// another: if clause A's atom set is a subset of clause B's, then A's
// truth region is a superset of B's and A∨B reduces to A.
func canonicalize(clauses []clause) MarkerTree {
	// If any clause is vacuously true, the whole disjunction is true.
	for _, c := range clauses {
		if len(c) == 0 {
			return TrueMarker()
		}
	}

	seen := map[string]clause{}
	order := make([]string, 0, len(clauses))

	for _, c := range clauses {
		k := c.key()
		if _, ok := seen[k]; !ok {
			seen[k] = c
			order = append(order, k)
		}
	}

	kept := make([]clause, 0, len(order))

	for _, k := range order {
		c := seen[k]

		subsumed := false

		for _, k2 := range order {
			if k2 == k {
				continue
			}

			if isSubsetClause(seen[k2], c) {
				subsumed = true

				break
			}
		}

		if !subsumed {
			kept = append(kept, c)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].key() < kept[j].key() })

	return MarkerTree{clauses: kept}
}

func isSubsetClause(sub, super clause) bool {
	if len(sub) >= len(super) {
		return false
	}

	superSet := make(map[string]bool, len(super))
	for _, a := range super {
		superSet[a.key()] = true
	}

	for _, a := range sub {
		if !superSet[a.key()] {
			return false
		}
	}

	return true
}

// clauseSatisfiable reports whether the AND of atoms in c can possibly
// hold in some environment. It groups atoms by key and checks each
// group's joint satisfiability; groups it cannot reason about (e.g.
// "in"/"not in" on free-form strings) are assumed satisfiable, which
// keeps the check sound (never a false "unsatisfiable").
func clauseSatisfiable(c clause) bool {
	byKey := map[string][]Atom{}
	for _, a := range c {
		byKey[a.Key] = append(byKey[a.Key], a)
	}

	for key, atoms := range byKey {
		if isVersionKey(key) {
			if !versionGroupSatisfiable(atoms) {
				return false
			}

			continue
		}

		if !equalityGroupSatisfiable(atoms) {
			return false
		}
	}

	return true
}

func versionGroupSatisfiable(atoms []Atom) bool {
	rng := Full()

	for _, a := range atoms {
		spec, err := ParseSpecifier(a.Op + a.Value)
		if err != nil {
			continue // can't reason about it; stay conservative
		}

		rng = rng.Intersect(spec.Range())
	}

	return !rng.IsEmpty()
}

func equalityGroupSatisfiable(atoms []Atom) bool {
	var required *string

	forbidden := map[string]bool{}

	for _, a := range atoms {
		switch a.Op {
		case "==":
			if required != nil && *required != a.Value {
				return false
			}

			v := a.Value
			required = &v
		case "!=":
			forbidden[a.Value] = true
		}
	}

	if required != nil && forbidden[*required] {
		return false
	}

	return true
}

func evalAtom(a Atom, env Env, extra string) bool {
	if a.Key == KeyExtra {
		switch a.Op {
		case "==":
			return extra != "" && extra == a.Value
		case "!=":
			return !(extra != "" && extra == a.Value)
		default:
			return false
		}
	}

	actual, known := env.lookup(a.Key)
	if !known {
		return true // unknown key: treat conservatively as satisfied
	}

	if isVersionKey(a.Key) {
		lv := actual
		if a.Key == KeyPythonVersion {
			if v, err := ParseVersion(actual); err == nil {
				lv = TruncatedPythonVersion(v).String()
			}
		}

		spec, err := ParseSpecifier(a.Op + a.Value)
		if err != nil {
			return compareStrings(lv, a.Op, a.Value)
		}

		v, err := ParseVersion(lv)
		if err != nil {
			return compareStrings(lv, a.Op, a.Value)
		}

		return spec.Matches(v)
	}

	return compareStrings(actual, a.Op, a.Value)
}

func compareStrings(left, op, right string) bool {
	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	case "in":
		return strings.Contains(right, left)
	case "not in":
		return !strings.Contains(right, left)
	default:
		return left == right
	}
}
