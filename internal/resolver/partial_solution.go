package resolver

import "github.com/ferrumpkg/ferrum/internal/pep"

// PartialSolution is the running assignment a universe's solve has made
// so far: which package names have been decided, and to what version.
type PartialSolution struct {
	decided map[string]pep.Version
}

func newPartialSolution() *PartialSolution {
	return &PartialSolution{decided: map[string]pep.Version{}}
}

// clone returns a deep-enough copy for forking and backtracking
// snapshots: each fork's or retry's decisions diverge independently of
// its sibling's.
func (ps *PartialSolution) clone() *PartialSolution {
	out := &PartialSolution{decided: make(map[string]pep.Version, len(ps.decided))}

	for k, v := range ps.decided {
		out.decided[k] = v
	}

	return out
}

// decide records a concrete version pick for subj.
func (ps *PartialSolution) decide(subj string, v pep.Version) {
	ps.decided[subj] = v
}
