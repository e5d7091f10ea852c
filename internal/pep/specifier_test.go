package pep_test

import (
	"testing"

	"github.com/ferrumpkg/ferrum/internal/pep"
)

func TestSpecifierMatches(t *testing.T) {
	tests := []struct {
		spec    string
		version string
		want    bool
	}{
		{">=1.0", "1.0.0", true},
		{">=1.0", "0.9.0", false},
		{">=1.0,<2.0", "1.5.0", true},
		{">=1.0,<2.0", "2.0.0", false},
		{"==1.5.0", "1.5.0", true},
		{"==1.5.0", "1.5.1", false},
		{"==1.5.*", "1.5.9", true},
		{"==1.5.*", "1.6.0", false},
		{"!=1.5.0", "1.5.1", true},
		{"!=1.5.*", "1.5.9", false},
		{"~=2.2", "2.9.0", true},
		{"~=2.2", "3.0.0", false},
		{"~=2.2.1", "2.2.9", true},
		{"~=2.2.1", "2.3.0", false},
		{"===1.5.0", "1.5.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.spec+"_"+tt.version, func(t *testing.T) {
			sp, err := pep.ParseSpecifier(tt.spec)
			if err != nil {
				t.Fatalf("ParseSpecifier(%q) error: %v", tt.spec, err)
			}

			got := sp.Matches(pep.MustParseVersion(tt.version))
			if got != tt.want {
				t.Errorf("Specifier(%q).Matches(%q) = %v, want %v", tt.spec, tt.version, got, tt.want)
			}
		})
	}
}

func TestSpecifierAllowsPreReleases(t *testing.T) {
	tests := []struct {
		spec string
		want bool
	}{
		{">=1.0", false},
		{">=1.0a1", true},
		{"==2.0rc1", true},
	}

	for _, tt := range tests {
		sp, err := pep.ParseSpecifier(tt.spec)
		if err != nil {
			t.Fatalf("ParseSpecifier(%q) error: %v", tt.spec, err)
		}

		if got := sp.AllowsPreReleases(); got != tt.want {
			t.Errorf("Specifier(%q).AllowsPreReleases() = %v, want %v", tt.spec, got, tt.want)
		}
	}
}

func TestSpecifierEmpty(t *testing.T) {
	sp, err := pep.ParseSpecifier("")
	if err != nil {
		t.Fatalf("ParseSpecifier(\"\") error: %v", err)
	}

	if !sp.Matches(pep.MustParseVersion("9.9.9")) {
		t.Errorf("empty specifier should match everything")
	}
}

func TestSpecifierInvalid(t *testing.T) {
	if _, err := pep.ParseSpecifier("notanop1.0"); err == nil {
		t.Errorf("expected error parsing invalid specifier")
	}
}
