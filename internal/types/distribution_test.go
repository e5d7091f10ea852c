package types_test

import (
	"testing"

	"github.com/ferrumpkg/ferrum/internal/types"
)

func TestParseWheelTags(t *testing.T) {
	tags, err := types.ParseWheelTags("numpy-1.26.0-cp312-cp312-manylinux_2_17_x86_64.whl")
	if err != nil {
		t.Fatalf("ParseWheelTags error: %v", err)
	}

	if tags.Python != "cp312" || tags.ABI != "cp312" || tags.Platform != "manylinux_2_17_x86_64" {
		t.Errorf("ParseWheelTags = %+v", tags)
	}
}

func TestWheelTagsExpandedAndMatches(t *testing.T) {
	tags, err := types.ParseWheelTags("six-1.16.0-py2.py3-none-any.whl")
	if err != nil {
		t.Fatalf("ParseWheelTags error: %v", err)
	}

	expanded := tags.ExpandedTags()
	if len(expanded) != 2 {
		t.Fatalf("ExpandedTags() returned %d tags, want 2", len(expanded))
	}

	supported := []types.WheelTags{{Python: "py3", ABI: "none", Platform: "any"}}
	if !tags.Matches(supported) {
		t.Errorf("compressed tag py2.py3-none-any should match py3-none-any")
	}

	if tags.BestTagRank(supported) != 0 {
		t.Errorf("BestTagRank = %d, want 0", tags.BestTagRank(supported))
	}
}

func TestDistributionPreferredHash(t *testing.T) {
	d := types.Distribution{
		Hashes: map[string]string{"md5": "aaa", "sha256": "bbb"},
	}

	algo, digest, ok := d.PreferredHash()
	if !ok || algo != "sha256" || digest != "bbb" {
		t.Errorf("PreferredHash() = (%q, %q, %v), want (sha256, bbb, true)", algo, digest, ok)
	}
}

func TestDistributionCompatibleWith(t *testing.T) {
	sdist := types.Distribution{Kind: types.DistSdist}
	if !sdist.CompatibleWith(nil) {
		t.Errorf("sdist should always be CompatibleWith")
	}

	wheel := types.Distribution{
		Kind: types.DistWheel,
		Tags: types.WheelTags{Python: "cp39", ABI: "cp39", Platform: "linux_x86_64"},
	}

	if wheel.CompatibleWith([]types.WheelTags{{Python: "cp312", ABI: "cp312", Platform: "linux_x86_64"}}) {
		t.Errorf("cp39 wheel should not match cp312-only environment")
	}
}
