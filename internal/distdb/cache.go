package distdb

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

// sidecarName is the revalidation-record file kept alongside each cache
// entry's payload.
const sidecarName = "revalidation.yaml"

// sidecar is the per-entry HTTP revalidation record, serialized the way
// google-oss-rebuild keeps its manifest sidecars: a small YAML document
// next to the content it describes.
type Sidecar struct {
	ETag         string    `yaml:"etag,omitempty"`
	LastModified string    `yaml:"last_modified,omitempty"`
	FetchedAt    time.Time `yaml:"fetched_at"`
}

// state is the per-entry lifecycle spec.md §4.3 defines: Empty -> Fetching
// -> Validating -> Ready, with Ready -> Stale -> Revalidating -> Ready for
// revalidation, and any state reachable to Failed.
type state int

const (
	stateEmpty state = iota
	stateFetching
	stateValidating
	stateReady
	stateStale
	stateRevalidating
	stateFailed
)

// Store is the on-disk, content-addressed cache root. Each
// entry lives in its own directory named by its fingerprint, generalizing
// the teacher's cache.Manager (a flat directory of wheel files keyed by
// filename) into fingerprint-keyed directories that can hold an artifact,
// parsed metadata, and a revalidation sidecar together.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates (if needed) and opens the cache root.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", root, err)
	}

	return &Store{root: root, logger: logger}, nil
}

// EntryDir returns the directory path for a given fingerprint without
// creating anything on disk: callers probe Ready via Sidecar/Stat before
// treating it as populated.
func (s *Store) EntryDir(fp digest.Digest) string {
	return filepath.Join(s.root, fp.Algorithm().String(), fp.Encoded())
}

// Ready reports whether fp has a fully-written entry: per spec.md §4.3 "a
// fresh caller observes either 'no entry' or a fully valid entry", so
// readiness is determined solely by the presence of the sidecar file,
// which only appears at the entry path through the same atomic rename
// that publishes the payload.
func (s *Store) Ready(fp digest.Digest) bool {
	_, err := os.Stat(filepath.Join(s.EntryDir(fp), sidecarName))
	return err == nil
}

// ReadSidecar loads the revalidation record for fp, if any.
func (s *Store) ReadSidecar(fp digest.Digest) (Sidecar, bool) {
	data, err := os.ReadFile(filepath.Join(s.EntryDir(fp), sidecarName))
	if err != nil {
		return Sidecar{}, false
	}

	var sc Sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, false
	}

	return sc, true
}

// Put atomically publishes payload (read from src) plus its sidecar into
// fp's entry directory: write-to-temp, fsync, rename, exactly the
// discipline the teacher's cache.Manager.Put used for a flat wheel cache,
// generalized to also publish the revalidation sidecar as part of the
// same commit point so a reader never observes a payload without its
// sidecar or vice versa.
func (s *Store) Put(fp digest.Digest, filename string, src io.Reader, sc Sidecar) (path string, err error) {
	dir := s.EntryDir(fp)
	tmpDir := dir + ".tmp-" + fmt.Sprint(time.Now().UnixNano())

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}

	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	payloadPath := filepath.Join(tmpDir, filename)

	f, err := os.Create(payloadPath)
	if err != nil {
		return "", fmt.Errorf("creating payload: %w", err)
	}

	if _, err = io.Copy(f, src); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing payload: %w", err)
	}

	if err = f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("fsyncing payload: %w", err)
	}

	if err = f.Close(); err != nil {
		return "", fmt.Errorf("closing payload: %w", err)
	}

	sc.FetchedAt = time.Now()

	scBytes, err := yaml.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("encoding sidecar: %w", err)
	}

	if err = os.WriteFile(filepath.Join(tmpDir, sidecarName), scBytes, 0o644); err != nil {
		return "", fmt.Errorf("writing sidecar: %w", err)
	}

	// The rename is the single commit point: before it, nothing at `dir`
	// exists; after it, both payload and sidecar are visible together
	//.
	_ = os.RemoveAll(dir)

	if err = os.Rename(tmpDir, dir); err != nil {
		return "", fmt.Errorf("publishing cache entry: %w", err)
	}

	s.logger.Debug("cache entry published", slog.String("fingerprint", fp.String()), slog.String("file", filename))

	return filepath.Join(dir, filename), nil
}

// Payload returns the path to fp's cached artifact, if Ready.
func (s *Store) Payload(fp digest.Digest, filename string) (string, bool) {
	if !s.Ready(fp) {
		return "", false
	}

	path := filepath.Join(s.EntryDir(fp), filename)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}

	return path, true
}

// Invalidate removes fp's entry entirely, used on hash mismatch and explicit cache-prune sweeps.
func (s *Store) Invalidate(fp digest.Digest) error {
	return os.RemoveAll(s.EntryDir(fp))
}
