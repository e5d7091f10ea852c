package pep_test

import (
	"testing"

	"github.com/ferrumpkg/ferrum/internal/pep"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Flask", "flask"},
		{"my_package", "my-package"},
		{"My.Package", "my-package"},
		{"Foo--Bar__Baz", "foo-bar-baz"},
		{"friendly-bard", "friendly-bard"},
	}

	for _, tt := range tests {
		if got := pep.NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPackageNameEqual(t *testing.T) {
	a := pep.NewPackageName("My.Package")
	b := pep.NewPackageName("my_package")

	if !a.Equal(b) {
		t.Errorf("%q and %q should be equal after PEP 503 normalization", a, b)
	}

	if a.String() != "My.Package" {
		t.Errorf("String() should preserve the display spelling, got %q", a.String())
	}
}

func TestGroupIsZero(t *testing.T) {
	if !pep.NewGroup("").IsZero() {
		t.Errorf("empty group should be zero")
	}

	if pep.NewGroup("dev").IsZero() {
		t.Errorf("named group should not be zero")
	}
}
