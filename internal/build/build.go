// Package build implements the PEP 517 build dispatcher: given an unpacked sdist or source tree, produce wheel
// metadata and, when asked, a built wheel, by invoking the project's
// declared build backend inside a scoped, disposable environment. It
// generalizes the teacher's internal/python subprocess-script pattern
// (a single python -c invocation whose stdout lines are the contract)
// from environment *detection* to environment *construction and hook
// invocation*.
package build

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/ferrumpkg/ferrum/internal/distdb"
	"github.com/ferrumpkg/ferrum/internal/ferrors"
	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// wheelPayloadName is the fixed filename a built wheel is cached under,
// since the wheel's own filename varies by resolved version and isn't
// known at fingerprint time.
const wheelPayloadName = "wheel.whl"

// maxStderrCapture bounds the stderr bytes kept in a failed hook's error
//.
const maxStderrCapture = 16 * 1024

// DependencyResolver resolves a set of requirements into concrete,
// fetchable distributions. internal/build declares this interface
// itself rather than importing internal/resolver directly: the resolver
// is the one that calls into build (to obtain metadata/wheels for
// sdist-only candidates), so build depending on resolver in turn would
// close an import cycle. The resolver's Service satisfies this
// interface structurally.
type DependencyResolver interface {
	ResolveBuildRequires(ctx context.Context, reqs []types.Requirement, constraints []types.Requirement) ([]types.Distribution, error)
}

// CommandRunner executes a command, returning its stdout and, separately,
// its stderr for diagnostics, mirroring internal/python's CommandRunner
// shape.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) (stdout []byte, stderr []byte, err error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithCommandRunner overrides process execution, for tests.
func WithCommandRunner(fn CommandRunner) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.runCmd = fn
		}
	}
}

// WithPythonBin sets the base interpreter used to create build
// environments. Defaults to "python3".
func WithPythonBin(bin string) Option {
	return func(d *Dispatcher) {
		if bin != "" {
			d.pythonBin = bin
		}
	}
}

// Dispatcher drives PEP 517 hook invocation.
type Dispatcher struct {
	distdb    *distdb.DB
	store     *distdb.Store
	resolver  DependencyResolver
	pythonBin string
	runCmd    CommandRunner
	logger    *slog.Logger

	sf singleflight.Group
}

// New creates a build dispatcher. cacheDir is a directory (distinct from
// the main distribution cache's artifact area) under which build
// environments and build-fingerprinted results are cached.
func New(cacheDir string, db *distdb.DB, resolver DependencyResolver, opts ...Option) (*Dispatcher, error) {
	logger := slog.Default()

	store, err := distdb.NewStore(filepath.Join(cacheDir, "builds"), logger)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		distdb:    db,
		store:     store,
		resolver:  resolver,
		pythonBin: "python3",
		runCmd:    defaultRunCmd,
		logger:    logger,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Request describes one PEP 517 build.
type Request struct {
	Name    pep.PackageName
	Version pep.Version

	// SourceDir is the unpacked sdist or source tree (from
	// distdb.Source).
	SourceDir string

	// BuildSystemRequires is pyproject.toml's [build-system].requires
	// (PEP 518); BuildBackend is [build-system].build-backend (PEP 517),
	// defaulting to "setuptools.build_meta:__legacy__" when absent.
	BuildSystemRequires []types.Requirement
	BuildBackend        string
	BackendPath         []string

	// BuildConstraints restricts build-system.requires the way regular
	// constraints restrict the main graph, but is a wholly separate set
	//.
	BuildConstraints []types.Requirement

	// NoBuildIsolation skips steps 1-2 entirely: the calling environment
	// must already contain the build backend.
	NoBuildIsolation bool

	// SourceFingerprint identifies the input tree's contents (e.g. the
	// sdist's published hash), used as the stable half of the build
	// fingerprint; when empty, the source directory's path is used,
	// which only dedupes within a single process run.
	SourceFingerprint string
	PythonABI         string
	Platform          string
}

// Result is what a successful build produces.
type Result struct {
	WheelPath    string
	Metadata     distdb.Metadata
	MetadataText string
}

// Build runs the PEP 517 pipeline for req, single-flighted by build
// fingerprint.
func (d *Dispatcher) Build(ctx context.Context, req Request) (*Result, error) {
	buildConfig := req.BuildBackend + "|" + strings.Join(req.BackendPath, ",")

	sourceFP := req.SourceFingerprint
	if sourceFP == "" {
		sourceFP = req.SourceDir
	}

	fp := distdb.BuildFingerprint(sourceFP, req.PythonABI, req.Platform, buildConfig)

	v, err, _ := d.sf.Do(fp.String(), func() (any, error) {
		return d.build(ctx, req, fp)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Result), nil
}

func (d *Dispatcher) build(ctx context.Context, req Request, fp digest.Digest) (*Result, error) {
	if path, ok := d.store.Payload(fp, wheelPayloadName); ok {
		text, err := distdb.ReadWheelMetadata(path)
		if err == nil {
			md, mdErr := distdb.ParseMetadataText(text)
			if mdErr == nil {
				return &Result{WheelPath: path, Metadata: md, MetadataText: text}, nil
			}
		}
	}

	env, err := d.prepareEnv(ctx, req)
	if err != nil {
		return nil, err
	}
	defer env.Destroy()

	outDir, err := os.MkdirTemp("", "ferrum-build-out-")
	if err != nil {
		return nil, fmt.Errorf("creating build output dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	backend := req.BuildBackend
	if backend == "" {
		backend = "setuptools.build_meta:__legacy__"
	}

	metaDir, metaErr := d.invokeHook(ctx, env, req, backend, "prepare_metadata_for_build_wheel", outDir)
	if metaErr != nil {
		d.logger.Debug("prepare_metadata_for_build_wheel unavailable, continuing to build_wheel", slog.String("error", metaErr.Error()))
	}

	wheelName, err := d.invokeHook(ctx, env, req, backend, "build_wheel", outDir)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindBuild, fmt.Sprintf("%s: build_wheel", backend), err)
	}

	wheelPath := filepath.Join(outDir, strings.TrimSpace(wheelName))

	text, err := readWheelMetadataFile(wheelPath)
	if err != nil && metaDir != "" {
		text, err = readDistInfoMetadata(filepath.Join(outDir, strings.TrimSpace(metaDir)))
	}

	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindBuild, "reading built metadata", err)
	}

	md, err := distdb.ParseMetadataText(text)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindParse, wheelPath, err)
	}

	f, err := os.Open(wheelPath)
	if err != nil {
		return nil, fmt.Errorf("opening built wheel: %w", err)
	}
	defer func() { _ = f.Close() }()

	cachedPath, err := d.store.Put(fp, wheelPayloadName, f, distdb.Sidecar{})
	if err != nil {
		return nil, fmt.Errorf("caching built wheel: %w", err)
	}

	return &Result{WheelPath: cachedPath, Metadata: md, MetadataText: text}, nil
}

// buildEnv is a scoped, disposable Python environment created solely to
// run one build's hooks.
type buildEnv struct {
	root      string
	pythonBin string
}

func (e *buildEnv) Destroy() {
	if e.root != "" {
		_ = os.RemoveAll(e.root)
	}
}

func (e *buildEnv) sitePackages() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(e.root, "Lib", "site-packages")
	}

	return filepath.Join(e.root, "lib", "site-packages")
}

// prepareEnv creates the build environment (unless build isolation is
// disabled) and, when isolated, resolves + installs build-system.requires
// into it via the injected DependencyResolver and distdb.
func (d *Dispatcher) prepareEnv(ctx context.Context, req Request) (*buildEnv, error) {
	if req.NoBuildIsolation {
		return &buildEnv{pythonBin: d.pythonBin}, nil
	}

	root, err := os.MkdirTemp("", "ferrum-buildenv-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("creating build env dir: %w", err)
	}

	env := &buildEnv{root: root, pythonBin: d.pythonBin}

	if _, _, err := d.runCmd(ctx, req.SourceDir, d.pythonBin, "-m", "venv", "--system-site-packages", root); err != nil {
		env.Destroy()
		return nil, ferrors.Wrap(ferrors.KindBuild, "creating isolated build environment", err)
	}

	if d.resolver != nil && len(req.BuildSystemRequires) > 0 {
		dists, err := d.resolver.ResolveBuildRequires(ctx, req.BuildSystemRequires, req.BuildConstraints)
		if err != nil {
			env.Destroy()
			return nil, ferrors.Wrap(ferrors.KindBuild, "resolving build-system.requires", err)
		}

		if err := d.installBuildDeps(ctx, env, dists); err != nil {
			env.Destroy()
			return nil, ferrors.Wrap(ferrors.KindBuild, "installing build-system.requires", err)
		}
	}

	return env, nil
}

// installBuildDeps unpacks each resolved build dependency's wheel
// straight into the build env's site-packages. This deliberately skips
// the full installer pipeline (RECORD, console scripts, link modes):
// a build environment is disposable and never inspected after the hook
// runs, so only import-ability matters.
func (d *Dispatcher) installBuildDeps(ctx context.Context, env *buildEnv, dists []types.Distribution) error {
	if err := os.MkdirAll(env.sitePackages(), 0o755); err != nil {
		return err
	}

	for _, dist := range dists {
		unpacked, err := d.distdb.Wheel(ctx, dist)
		if err != nil {
			return fmt.Errorf("fetching build dependency %s: %w", dist.Name, err)
		}

		if err := copyTree(unpacked, env.sitePackages()); err != nil {
			return fmt.Errorf("installing build dependency %s: %w", dist.Name, err)
		}
	}

	return nil
}

// invokeHook runs one PEP 517 hook in the build environment, returning
// the single line of stdout the hook contract defines (the built wheel's
// filename, or the metadata directory's name).
func (d *Dispatcher) invokeHook(ctx context.Context, env *buildEnv, req Request, backend, hook, outDir string) (string, error) {
	module, attr := splitBackend(backend)

	script := hookScript(module, attr, hook)

	args := []string{"-c", script, outDir}

	stdout, stderr, err := d.runCmd(ctx, req.SourceDir, env.pythonBin, args...)
	if err != nil {
		return "", &HookError{
			Backend: backend,
			Hook:    hook,
			Stderr:  boundedTail(stderr, maxStderrCapture),
			cause:   err,
		}
	}

	line := strings.TrimSpace(string(stdout))
	if line == "" || line == "HOOK_MISSING" {
		return "", fmt.Errorf("%s: hook %s produced no output", backend, hook)
	}

	return line, nil
}

// HookError names the failing hook, backend, and bounded stderr capture.
type HookError struct {
	Backend string
	Hook    string
	Stderr  string
	cause   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook %q failed: %v\n--- stderr (tail) ---\n%s", e.Backend, e.Hook, e.cause, e.Stderr)
}

func (e *HookError) Unwrap() error { return e.cause }

func boundedTail(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}

	return "... (truncated) ...\n" + string(b[len(b)-max:])
}

func splitBackend(backend string) (module, attr string) {
	idx := strings.Index(backend, ":")
	if idx < 0 {
		return backend, ""
	}

	return backend[:idx], backend[idx+1:]
}

// hookScript renders the inline script that imports the backend module
// and invokes the named hook, printing its single-line result to stdout
// so the Go side never needs an in-process Python bridge — the same
// "subprocess prints lines, Go parses them" contract internal/python's
// Detect uses.
func hookScript(module, attr, hook string) string {
	var tmpl strings.Builder

	tmpl.WriteString("import sys, importlib\n")
	fmt.Fprintf(&tmpl, "backend = importlib.import_module(%q)\n", module)

	if attr != "" {
		fmt.Fprintf(&tmpl, "backend = getattr(backend, %q)\n", attr)
	}

	fmt.Fprintf(&tmpl, "fn = getattr(backend, %q, None)\n", hook)
	tmpl.WriteString("if fn is None:\n    print('HOOK_MISSING')\n    sys.exit(0)\n")
	tmpl.WriteString("result = fn(sys.argv[1])\n")
	tmpl.WriteString("print(result)\n")

	return tmpl.String()
}

func defaultRunCmd(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.Bytes(), stderr.Bytes(), err
}

func readWheelMetadataFile(wheelPath string) (string, error) {
	if !strings.HasSuffix(wheelPath, ".whl") {
		return "", fmt.Errorf("not a wheel: %s", wheelPath)
	}

	return distdb.ReadWheelMetadata(wheelPath)
}

func readDistInfoMetadata(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if e.Name() == "METADATA" {
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return "", err
			}

			return string(data), nil
		}
	}

	return "", fmt.Errorf("no METADATA file in %s", dir)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		return os.WriteFile(target, data, info.Mode())
	})
}
