package distdb

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/ferrumpkg/ferrum/internal/ferrors"
	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/registry"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// DB is the distribution database: the sole I/O boundary the resolver
// (C5) and installer (C7) use to reach registries, files, and VCS
// sources. It composes an internal/registry.Client for
// index pages, a Store for the content-addressed cache, and a
// singleflight.Group so concurrent callers requesting the same
// fingerprint share one in-flight acquisition, the
// property the teacher's cache.Manager never needed because
// internal/downloader already serialized all work through one errgroup.
type DB struct {
	registry *registry.Client
	store    *Store
	http     *retryablehttp.Client
	logger   *slog.Logger
	sf       singleflight.Group

	strategy registry.Strategy
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DB) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithStrategy sets the registry index strategy.
func WithStrategy(s registry.Strategy) Option {
	return func(d *DB) { d.strategy = s }
}

// New opens a distribution database rooted at cacheDir.
func New(cacheDir string, reg *registry.Client, opts ...Option) (*DB, error) {
	logger := slog.Default()

	store, err := NewStore(cacheDir, logger)
	if err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3

	d := &DB{
		registry: reg,
		store:    store,
		http:     rc,
		logger:   logger,
		strategy: registry.FirstIndex,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Versions implements spec.md §4.3's versions(name, index-set) operation.
func (d *DB) Versions(ctx context.Context, name pep.PackageName, idxs []registry.Index) ([]registry.Candidate, error) {
	return d.registry.ResolveVersions(ctx, name, idxs)
}

// Metadata implements spec.md §4.3's metadata(requirement) operation for
// a concrete candidate. It single-flights on the metadata fingerprint so
// N concurrent resolver forks asking about the same distribution share
// one fetch.
func (d *DB) Metadata(ctx context.Context, name pep.PackageName, cand registry.Candidate) (Metadata, error) {
	fp := MetadataFingerprint(sourceIdentity(name, "registry", cand.File.URL), cand.IndexURL)

	v, err, _ := d.sf.Do(fp.String(), func() (any, error) {
		return d.fetchMetadata(ctx, cand, fp)
	})
	if err != nil {
		return Metadata{}, err
	}

	return v.(Metadata), nil
}

func (d *DB) fetchMetadata(ctx context.Context, cand registry.Candidate, fp digest.Digest) (Metadata, error) {
	if path, ok := d.store.Payload(fp, "metadata.txt"); ok {
		data, err := os.ReadFile(path)
		if err == nil {
			return parseMetadataText(string(data))
		}
	}

	var text string

	switch {
	case cand.File.CoreMetadataURL != "":
		body, err := d.get(ctx, cand.File.CoreMetadataURL)
		if err != nil {
			return Metadata{}, err
		}

		text = body

	case strings.HasSuffix(cand.File.Filename, ".whl"):
		wheelPath, err := d.downloadArtifact(ctx, cand.File.URL, cand.File.Filename, cand.File.Hashes)
		if err != nil {
			return Metadata{}, err
		}

		text, err = readWheelMetadata(wheelPath)
		if err != nil {
			return Metadata{}, err
		}

	default:
		return Metadata{}, ErrBuildRequired
	}

	md, err := parseMetadataText(text)
	if err != nil {
		return Metadata{}, ferrors.Wrap(ferrors.KindParse, cand.File.Filename, err)
	}

	if _, err := d.store.Put(fp, "metadata.txt", strings.NewReader(text), Sidecar{}); err != nil {
		d.logger.Debug("caching metadata failed", slog.String("error", err.Error()))
	}

	return md, nil
}

// PutBuiltMetadata lets internal/build publish metadata it obtained by
// actually invoking PEP 517 hooks, keyed the same way fetchMetadata would
// have keyed a registry hit, so a later Metadata call for the same
// candidate is served from cache instead of re-building.
func (d *DB) PutBuiltMetadata(name pep.PackageName, cand registry.Candidate, text string) {
	fp := MetadataFingerprint(sourceIdentity(name, "registry", cand.File.URL), cand.IndexURL)

	if _, err := d.store.Put(fp, "metadata.txt", strings.NewReader(text), Sidecar{}); err != nil {
		d.logger.Debug("caching built metadata failed", slog.String("error", err.Error()))
	}
}

// Wheel implements spec.md §4.3's wheel(distribution, target-tags)
// operation: download (or reuse a cached download of) the wheel and
// unpack it, returning the directory, with the "most-specific-compatible"
// selection already having happened at the call site (the resolver/
// installer picks which Distribution to ask for).
func (d *DB) Wheel(ctx context.Context, dist types.Distribution) (string, error) {
	fp := ArtifactFingerprint(dist.URL, "")

	v, err, _ := d.sf.Do(fp.String()+":unpacked", func() (any, error) {
		return d.fetchWheel(ctx, dist, fp)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (d *DB) fetchWheel(ctx context.Context, dist types.Distribution, fp digest.Digest) (string, error) {
	unpackDir := filepath.Join(d.store.EntryDir(fp), "unpacked")
	if info, err := os.Stat(unpackDir); err == nil && info.IsDir() {
		return unpackDir, nil
	}

	wheelPath, err := d.downloadArtifact(ctx, dist.URL, dist.Filename, dist.Hashes)
	if err != nil {
		return "", err
	}

	if err := unzip(wheelPath, unpackDir); err != nil {
		return "", ferrors.Wrap(ferrors.KindParse, dist.Filename, err)
	}

	return unpackDir, nil
}

// Source implements spec.md §4.3's source(distribution) operation: an
// unpacked sdist tree, or a VCS checkout for a Git source.
func (d *DB) Source(ctx context.Context, dist types.Distribution) (string, error) {
	if dist.Source.Kind == types.SourceVCS {
		return d.fetchGit(ctx, dist.Source)
	}

	fp := ArtifactFingerprint(dist.URL, "")

	v, err, _ := d.sf.Do(fp.String()+":source", func() (any, error) {
		return d.fetchSdist(ctx, dist, fp)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (d *DB) fetchSdist(ctx context.Context, dist types.Distribution, fp digest.Digest) (string, error) {
	unpackDir := filepath.Join(d.store.EntryDir(fp), "source")
	if info, err := os.Stat(unpackDir); err == nil && info.IsDir() {
		return unpackDir, nil
	}

	archivePath, err := d.downloadArtifact(ctx, dist.URL, dist.Filename, dist.Hashes)
	if err != nil {
		return "", err
	}

	if err := untarGz(archivePath, unpackDir); err != nil {
		return "", ferrors.Wrap(ferrors.KindParse, dist.Filename, err)
	}

	return unpackDir, nil
}

// fetchGit clones a Git source and checks out its ref. Clones are
// cached by URL+ref under the cache root the same way registry artifacts
// are, so repeated resolves of the same pinned commit don't re-clone: an
// existing checkout directory is returned as it is.
// The worktree and object store are both addressed through go-billy
// filesystems (osfs over the cache directory) rather than go-git's
// PlainClone helper, the same split gitx.Clone uses so the object
// store's on-disk layout is explicit instead of implied by a path string.
func (d *DB) fetchGit(ctx context.Context, src types.Source) (string, error) {
	ref := src.ResolvedRef
	if ref == "" {
		ref = src.Ref
	}

	fp := ArtifactFingerprint(src.URL, ref)
	dir := filepath.Join(d.store.EntryDir(fp), "checkout")

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("preparing git checkout dir: %w", err)
	}

	worktree := osfs.New(dir)
	dotGit := osfs.New(filepath.Join(dir, ".git"))
	storer := filesystem.NewStorage(dotGit, cache.NewObjectLRUDefault())

	repo, err := git.CloneContext(ctx, storer, worktree, &git.CloneOptions{
		URL:   src.URL,
		Depth: 1,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", ferrors.Wrap(ferrors.KindNetwork, src.URL, err)
	}

	if ref != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("opening worktree for %s: %w", src.URL, err)
		}

		if err := wt.Checkout(&git.CheckoutOptions{
			Hash: plumbing.NewHash(ref),
		}); err != nil {
			if err := wt.Checkout(&git.CheckoutOptions{
				Branch: plumbing.NewBranchReferenceName(ref),
			}); err != nil {
				return "", ferrors.Wrap(ferrors.KindNetwork, src.URL+"@"+ref, err)
			}
		}
	}

	if src.Subdirectory != "" {
		return filepath.Join(dir, src.Subdirectory), nil
	}

	return dir, nil
}

// downloadArtifact streams url into the cache under filename, verifying
// the sha256 hash when one was published; digests under other
// algorithms are not checked. This generalizes the teacher's downloader.doDownload
// (GET -> temp file -> hash -> rename) onto the shared Store so the
// commit point is the same atomic rename every cache write uses.
func (d *DB) downloadArtifact(ctx context.Context, url, filename string, hashes map[string]string) (string, error) {
	fp := ArtifactFingerprint(url, "")

	if path, ok := d.store.Payload(fp, filename); ok {
		return path, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindNetwork, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", ferrors.New(ferrors.KindNetwork, fmt.Sprintf("%s returned %d", url, resp.StatusCode))
	}

	h := sha256.New()
	tee := io.TeeReader(resp.Body, h)

	path, err := d.store.Put(fp, filename, tee, Sidecar{})
	if err != nil {
		return "", fmt.Errorf("caching %s: %w", filename, err)
	}

	if want, ok := hashes["sha256"]; ok && want != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, want) {
			_ = d.store.Invalidate(fp)
			return "", ferrors.New(ferrors.KindHashMismatch, fmt.Sprintf("%s: expected sha256 %s, got %s", filename, want, got))
		}
	}

	return path, nil
}

func (d *DB) get(ctx context.Context, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindNetwork, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return string(body), nil
}

// ReadWheelMetadata is the exported form of readWheelMetadata, for
// internal/build to pull Core Metadata out of a freshly-built wheel
// without duplicating the zip-scan here.
func ReadWheelMetadata(wheelPath string) (string, error) {
	return readWheelMetadata(wheelPath)
}

// readWheelMetadata opens a wheel (a zip archive) without unpacking it
// and reads the single *.dist-info/METADATA entry.
func readWheelMetadata(wheelPath string) (string, error) {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return "", fmt.Errorf("opening wheel %s: %w", wheelPath, err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		if strings.HasSuffix(f.Name, ".dist-info/METADATA") {
			rc, err := f.Open()
			if err != nil {
				return "", err
			}
			defer func() { _ = rc.Close() }()

			data, err := io.ReadAll(rc)
			if err != nil {
				return "", err
			}

			return string(data), nil
		}
	}

	return "", fmt.Errorf("no METADATA entry in %s", wheelPath)
}

// unzip extracts a wheel's zip archive into dir, staging into a sibling
// temp directory first and renaming into place so a reader never
// observes a partially-unpacked wheel (same atomicity discipline as
// internal/installer's staged materialization, spec.md §4.7).
func unzip(archivePath, dir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	tmp := dir + ".tmp"
	_ = os.RemoveAll(tmp)

	for _, f := range r.File {
		dest := filepath.Join(tmp, f.Name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}

			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		if err := extractZipFile(f, dest); err != nil {
			return err
		}
	}

	_ = os.RemoveAll(dir)

	return os.Rename(tmp, dir)
}

func extractZipFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode()|0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}

// untarGz extracts a .tar.gz sdist into dir with the same stage-then-
// rename atomicity as unzip.
func untarGz(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tmp := dir + ".tmp"
	_ = os.RemoveAll(tmp)

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		dest := filepath.Join(tmp, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}

			out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}

			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return err
			}

			if err := out.Close(); err != nil {
				return err
			}
		}
	}

	_ = os.RemoveAll(dir)

	return os.Rename(tmp, dir)
}
