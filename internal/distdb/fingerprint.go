// Package distdb is the distribution database: the sole I/O boundary the resolver and installer go through for
// package metadata and artifacts. It generalizes the teacher's
// internal/cache (atomic write-rename of a single flat wheel cache) and
// internal/downloader (concurrent, retrying fetch) into the
// content-addressed, single-flight-coordinated cache fronting an
// internal/registry client, an internal/build dispatcher, and git source
// checkouts.
package distdb

import (
	"github.com/opencontainers/go-digest"

	"github.com/ferrumpkg/ferrum/internal/pep"
)

// MetadataFingerprint computes H(source-identity || index-url?),
// keying the metadata cache entry for a concrete requirement source.
// go-digest (already a pack dependency via
// datawire-ocibuild and GoogleCloudPlatform-buildpacks, both of which use
// it for content-addressed blob identity) gives ferrum the same
// algorithm-prefixed digest string OCI registries use for blobs, so cache
// directory names are self-describing.
func MetadataFingerprint(sourceIdentity, indexURL string) digest.Digest {
	return digest.FromString(sourceIdentity + "||" + indexURL)
}

// ArtifactFingerprint computes H(absolute-url || revalidation-token).
func ArtifactFingerprint(absoluteURL, revalidationToken string) digest.Digest {
	return digest.FromString(absoluteURL + "||" + revalidationToken)
}

// BuildFingerprint computes H(sdist-hash || python-abi || platform ||
// build-config), the key under which C4's build dispatcher stashes the
// wheel/metadata it produces.
func BuildFingerprint(sdistHash, pythonABI, platform, buildConfig string) digest.Digest {
	return digest.FromString(sdistHash + "||" + pythonABI + "||" + platform + "||" + buildConfig)
}

// sourceIdentity renders a stable string identity for a requirement
// source, the input to MetadataFingerprint: the source kind, the
// normalized name, and the source's address (for a registry candidate,
// its file URL). The index is passed separately to MetadataFingerprint,
// so the same name across indexes still separates by indexURL.
func sourceIdentity(name pep.PackageName, kind string, address string) string {
	return kind + ":" + name.Normalized() + ":" + address
}
