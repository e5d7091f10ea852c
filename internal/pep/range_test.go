package pep_test

import (
	"testing"

	"github.com/ferrumpkg/ferrum/internal/pep"
)

func v(s string) pep.Version { return pep.MustParseVersion(s) }

func TestRangeContains(t *testing.T) {
	r := pep.AtLeast(v("1.0")).Intersect(pep.LessThan(v("2.0")))

	tests := []struct {
		version string
		want    bool
	}{
		{"0.9", false},
		{"1.0", true},
		{"1.5", true},
		{"1.9.9", true},
		{"2.0", false},
		{"2.1", false},
	}

	for _, tt := range tests {
		if got := r.Contains(v(tt.version)); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestRangeUnionMerge(t *testing.T) {
	a := pep.LessThan(v("1.0"))
	b := pep.AtLeast(v("1.0"))

	u := a.Union(b)
	if !u.Equal(pep.Full()) {
		t.Errorf("Union of adjoining half-open ranges should merge to Full, got %v", u.Intervals())
	}
}

func TestRangeComplement(t *testing.T) {
	r := pep.AtLeast(v("1.0")).Intersect(pep.LessThan(v("2.0")))
	comp := r.Complement()

	if comp.Contains(v("1.5")) {
		t.Errorf("Complement() should not contain 1.5")
	}

	if !comp.Contains(v("0.5")) || !comp.Contains(v("2.5")) {
		t.Errorf("Complement() should contain versions outside [1.0, 2.0)")
	}

	if !comp.Complement().Equal(r) {
		t.Errorf("double complement should equal original range")
	}
}

func TestRangeComplementFullAndEmpty(t *testing.T) {
	if !pep.Full().Complement().Equal(pep.Empty()) {
		t.Errorf("Full().Complement() should be Empty")
	}

	if !pep.Empty().Complement().Equal(pep.Full()) {
		t.Errorf("Empty().Complement() should be Full")
	}
}

func TestRangeIntersectDisjoint(t *testing.T) {
	a := pep.LessThan(v("1.0"))
	b := pep.AtLeast(v("2.0"))

	if !a.Intersect(b).IsEmpty() {
		t.Errorf("disjoint ranges should intersect to empty")
	}
}

func TestRangeSingleton(t *testing.T) {
	s := pep.Singleton(v("1.0"))

	if !s.Contains(v("1.0")) {
		t.Errorf("Singleton(1.0) should contain 1.0")
	}

	if s.Contains(v("1.0.1")) {
		t.Errorf("Singleton(1.0) should not contain 1.0.1")
	}
}
