package types_test

import (
	"testing"

	"github.com/ferrumpkg/ferrum/internal/types"
)

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		input      string
		wantName   string
		wantSpec   string
		wantExtras []string
	}{
		{"flask", "flask", "", nil},
		{"Flask", "flask", "", nil},
		{"flask>=3.0", "flask", ">=3.0", nil},
		{"flask>=3.0,<4.0", "flask", ">=3.0,<4.0", nil},
		{"flask (>=3.0)", "flask", ">=3.0", nil},
		{`importlib-metadata>=3.6.0; python_version < "3.10"`, "importlib-metadata", ">=3.6.0", nil},
		{"My.Package>=1.0", "my-package", ">=1.0", nil},
		{"package[extra]>=1.0", "package", ">=1.0", []string{"extra"}},
		{"requests[security,socks]", "requests", "", []string{"security", "socks"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			req, err := types.ParseRequirement(tt.input)
			if err != nil {
				t.Fatalf("ParseRequirement(%q) error: %v", tt.input, err)
			}

			if req.Name.Normalized() != tt.wantName {
				t.Errorf("Name = %q, want %q", req.Name.Normalized(), tt.wantName)
			}

			if req.Specifier.String() != tt.wantSpec {
				t.Errorf("Specifier = %q, want %q", req.Specifier.String(), tt.wantSpec)
			}

			if len(tt.wantExtras) != len(req.Extras) {
				t.Fatalf("Extras = %v, want %v", req.Extras, tt.wantExtras)
			}

			for i, e := range tt.wantExtras {
				if req.Extras[i].Normalized() != e {
					t.Errorf("Extras[%d] = %q, want %q", i, req.Extras[i].Normalized(), e)
				}
			}
		})
	}
}

func TestParseRequirementDirectURL(t *testing.T) {
	req, err := types.ParseRequirement("mypkg @ https://example.com/mypkg-1.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("ParseRequirement error: %v", err)
	}

	if req.Source.Kind != types.SourceDirectURL {
		t.Errorf("Source.Kind = %v, want SourceDirectURL", req.Source.Kind)
	}

	if req.Source.URL != "https://example.com/mypkg-1.0-py3-none-any.whl" {
		t.Errorf("Source.URL = %q", req.Source.URL)
	}
}

func TestParseRequirementGitSource(t *testing.T) {
	req, err := types.ParseRequirement("mypkg @ git+https://github.com/example/mypkg.git@v1.0")
	if err != nil {
		t.Fatalf("ParseRequirement error: %v", err)
	}

	if req.Source.Kind != types.SourceVCS {
		t.Fatalf("Source.Kind = %v, want SourceVCS", req.Source.Kind)
	}

	if req.Source.VCSKind != "git" {
		t.Errorf("VCSKind = %q, want git", req.Source.VCSKind)
	}

	if req.Source.Ref != "v1.0" {
		t.Errorf("Ref = %q, want v1.0", req.Source.Ref)
	}
}

func TestSortRequirements(t *testing.T) {
	a, _ := types.ParseRequirement("zeta")
	b, _ := types.ParseRequirement("alpha")
	c, _ := types.ParseRequirement("mid")

	sorted := types.SortRequirements([]types.Requirement{a, b, c})

	want := []string{"alpha", "mid", "zeta"}
	for i, w := range want {
		if sorted[i].Name.Normalized() != w {
			t.Errorf("sorted[%d] = %q, want %q", i, sorted[i].Name.Normalized(), w)
		}
	}
}
