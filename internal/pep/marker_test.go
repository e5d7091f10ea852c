package pep_test

import (
	"testing"

	"github.com/ferrumpkg/ferrum/internal/pep"
)

func TestParseMarkerEvaluate(t *testing.T) {
	tests := []struct {
		marker string
		env    pep.Env
		extra  string
		want   bool
	}{
		{`python_version < "3.10"`, pep.Env{PythonVersion: "3.9"}, "", true},
		{`python_version < "3.10"`, pep.Env{PythonVersion: "3.11"}, "", false},
		{`sys_platform == "linux"`, pep.Env{SysPlatform: "linux"}, "", true},
		{`sys_platform == "linux"`, pep.Env{SysPlatform: "darwin"}, "", false},
		{
			`python_version >= "3.8" and sys_platform == "linux"`,
			pep.Env{PythonVersion: "3.9", SysPlatform: "linux"},
			"", true,
		},
		{
			`python_version >= "3.8" and sys_platform == "linux"`,
			pep.Env{PythonVersion: "3.9", SysPlatform: "win32"},
			"", false,
		},
		{
			`python_version < "3.8" or sys_platform == "linux"`,
			pep.Env{PythonVersion: "3.12", SysPlatform: "linux"},
			"", true,
		},
		{`extra == "dotenv"`, pep.Env{}, "dotenv", true},
		{`extra == "dotenv"`, pep.Env{}, "other", false},
		{`extra == "dotenv"`, pep.Env{}, "", false},
		{`"3.8" <= python_version`, pep.Env{PythonVersion: "3.9"}, "", true},
		{`(python_version >= "3.8" and python_version < "3.10") or python_version >= "3.12"`,
			pep.Env{PythonVersion: "3.13"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.marker, func(t *testing.T) {
			m, err := pep.ParseMarker(tt.marker)
			if err != nil {
				t.Fatalf("ParseMarker(%q) error: %v", tt.marker, err)
			}

			got := m.Evaluate(tt.env, tt.extra)
			if got != tt.want {
				t.Errorf("ParseMarker(%q).Evaluate(%+v, %q) = %v, want %v", tt.marker, tt.env, tt.extra, got, tt.want)
			}
		})
	}
}

func TestMarkerTreeDisjoint(t *testing.T) {
	a, err := pep.ParseMarker(`python_version < "3.8"`)
	if err != nil {
		t.Fatalf("ParseMarker error: %v", err)
	}

	b, err := pep.ParseMarker(`python_version >= "3.8"`)
	if err != nil {
		t.Fatalf("ParseMarker error: %v", err)
	}

	if !a.Disjoint(b) {
		t.Errorf("python_version<3.8 and python_version>=3.8 should be disjoint")
	}

	c, err := pep.ParseMarker(`python_version < "3.10"`)
	if err != nil {
		t.Fatalf("ParseMarker error: %v", err)
	}

	if a.Disjoint(c) {
		t.Errorf("python_version<3.8 and python_version<3.10 overlap, should not be disjoint")
	}
}

func TestMarkerTreeNegateDeMorgan(t *testing.T) {
	a, _ := pep.ParseMarker(`python_version >= "3.8"`)
	b, _ := pep.ParseMarker(`sys_platform == "linux"`)

	orTree := a.Union(b)
	negOr := orTree.Negate()

	notA := a.Negate()
	notB := b.Negate()
	andOfNegations := notA.Intersect(notB)

	if !negOr.Equal(andOfNegations) {
		t.Errorf("NOT(A or B) should canonically equal (NOT A) and (NOT B); got %v vs %v", negOr, andOfNegations)
	}
}

func TestMarkerTreeDoubleNegate(t *testing.T) {
	m, _ := pep.ParseMarker(`python_version >= "3.8" and sys_platform == "linux"`)

	if !m.Negate().Negate().Equal(m) {
		t.Errorf("double negation should equal the original marker")
	}
}

func TestMarkerTreeImplies(t *testing.T) {
	narrow, _ := pep.ParseMarker(`python_version >= "3.10"`)
	wide, _ := pep.ParseMarker(`python_version >= "3.8"`)

	if !narrow.Implies(wide) {
		t.Errorf("python_version>=3.10 should imply python_version>=3.8")
	}

	if wide.Implies(narrow) {
		t.Errorf("python_version>=3.8 should not imply python_version>=3.10")
	}
}

func TestMarkerTreeTrueFalse(t *testing.T) {
	if !pep.TrueMarker().IsTrue() {
		t.Errorf("TrueMarker() should be true")
	}

	if !pep.FalseMarker().IsFalse() {
		t.Errorf("FalseMarker() should be false")
	}

	empty, err := pep.ParseMarker("")
	if err != nil {
		t.Fatalf("ParseMarker(\"\") error: %v", err)
	}

	if !empty.IsTrue() {
		t.Errorf("empty marker string should parse to true")
	}
}
