package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ferrumpkg/ferrum/internal/build"
	"github.com/ferrumpkg/ferrum/internal/config"
	"github.com/ferrumpkg/ferrum/internal/distdb"
	"github.com/ferrumpkg/ferrum/internal/ferrors"
	"github.com/ferrumpkg/ferrum/internal/installer"
	"github.com/ferrumpkg/ferrum/internal/lockfile"
	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/python"
	"github.com/ferrumpkg/ferrum/internal/registry"
	"github.com/ferrumpkg/ferrum/internal/reqfile"
	"github.com/ferrumpkg/ferrum/internal/resolver"
	"github.com/ferrumpkg/ferrum/internal/types"
)

var version = "0.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:           "ferrum",
		Short:         "A universal Python dependency resolver and installer",
		Long:          "ferrum resolves Python requirements into a deterministic lockfile and materializes that lock into a virtual environment.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(newResolveCmd(), newSyncCmd(), newCacheCmd())

	return rootCmd.Execute()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newResolveCmd implements `ferrum resolve`: requirements in, a
// deterministic lockfile out.
func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [requirements...]",
		Short: "Resolve requirements into a lockfile",
		RunE:  runResolve,
	}

	cmd.Flags().StringP("requirements", "r", "", "Read requirements from a requirements.txt/pyproject.toml")
	cmd.Flags().StringP("output", "o", "ferrum.lock", "Lockfile path to write")
	cmd.Flags().String("mode", "highest", "Resolution mode: highest, lowest, lowest-direct")
	cmd.Flags().Bool("pre", false, "Allow pre-release candidates for every package")
	cmd.Flags().String("python", "python3", "Python binary used to detect the target environment")
	cmd.Flags().String("requires-python", "", "Override the requires-python range (default: detected interpreter's)")

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reqFile, _ := cmd.Flags().GetString("requirements")
	output, _ := cmd.Flags().GetString("output")
	modeFlag, _ := cmd.Flags().GetString("mode")
	allowPre, _ := cmd.Flags().GetBool("pre")
	pythonBin, _ := cmd.Flags().GetString("python")
	requiresPythonFlag, _ := cmd.Flags().GetString("requires-python")

	roots, constraints, cfg, err := collectRequirements(args, reqFile)
	if err != nil {
		return err
	}

	if len(roots) == 0 {
		return fmt.Errorf("no requirements specified; pass packages or -r <file>")
	}

	mode, err := parseMode(modeFlag)
	if err != nil {
		return err
	}

	env, err := detectEnv(ctx, pythonBin, "", logger)
	if err != nil {
		return err
	}

	requiresPython := requiresPythonFlag
	if requiresPython == "" {
		requiresPython = ">=3." + strings.TrimPrefix(env.PythonVersion, "3")
	}

	reqPySpec, err := pep.ParseSpecifier(requiresPython)
	if err != nil {
		return fmt.Errorf("parsing requires-python %q: %w", requiresPython, err)
	}

	db, err := openDistDB(cfg, logger)
	if err != nil {
		return err
	}

	dispatcher, resolverSvc, err := newResolverPair(cfg, db, env, logger)
	if err != nil {
		return err
	}
	_ = dispatcher

	preReleasePolicy := resolver.PreReleaseAuto
	if allowPre {
		preReleasePolicy = resolver.PreReleaseAllow
	}

	req := resolver.Request{
		Roots:       roots,
		Constraints: constraints,
		Options: resolver.Options{
			Mode:           mode,
			PreRelease:     preReleasePolicy,
			RequiresPython: reqPySpec,
			Indexes:        indexesFromConfig(cfg),
		},
	}

	fmt.Fprintln(os.Stderr, "Resolving dependencies...")

	graph, err := resolverSvc.Resolve(ctx, req)
	if err != nil {
		return fmt.Errorf("resolving dependencies: %w", err)
	}

	if err := verifyHashPins(roots, graph); err != nil {
		return err
	}

	lock := lockfile.FromGraph(graph, reqPySpec, lockfile.Options{
		Mode:       modeFlag,
		PreRelease: preReleaseString(preReleasePolicy),
	})

	raw, err := lockfile.Encode(lock)
	if err != nil {
		return fmt.Errorf("encoding lockfile: %w", err)
	}

	if err := os.WriteFile(output, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}

	fmt.Printf("Resolved %d packages, wrote %s\n", len(lock.Packages), output)

	return nil
}

// newSyncCmd implements `ferrum sync`: materialize a lockfile into a
// Python environment's site-packages.
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Install a lockfile into a Python environment",
		RunE:  runSync,
	}

	cmd.Flags().StringP("lockfile", "l", "ferrum.lock", "Lockfile to install")
	cmd.Flags().String("python", "python3", "Python binary of the target environment")
	cmd.Flags().String("link-mode", "auto", "Link mode: auto, clone, hardlink, symlink, copy")
	cmd.Flags().Bool("dry-run", false, "Print the plan without changing anything")

	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	lockPath, _ := cmd.Flags().GetString("lockfile")
	pythonBin, _ := cmd.Flags().GetString("python")
	linkModeFlag, _ := cmd.Flags().GetString("link-mode")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	linkMode, err := installer.ParseLinkMode(linkModeFlag)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", lockPath, err)
	}

	lock, err := lockfile.Decode(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", lockPath, err)
	}

	env, err := detectEnv(ctx, pythonBin, "", logger)
	if err != nil {
		return err
	}

	markerEnv := markerEnvFromPython(env)

	roots := make([]string, 0, len(lock.WorkspaceMembers))
	roots = append(roots, lock.WorkspaceMembers...)

	if len(roots) == 0 {
		for _, pkg := range lock.Packages {
			roots = append(roots, pkg.Name)
		}
	}

	narrowed := lockfile.NarrowToEnvironment(lock, markerEnv, roots)

	installed, err := installer.InventorySitePackages(env.SitePackages)
	if err != nil {
		return err
	}

	plan := installer.ComputePlan(narrowed, installed)

	printPlan(plan)

	if dryRun {
		fmt.Println("\nDry run, no changes made.")

		return nil
	}

	cfg := config.Load()

	db, err := openDistDB(cfg, logger)
	if err != nil {
		return err
	}

	svc := installer.New(env, installer.WithLogger(logger))

	if err := svc.Sync(ctx, plan, db, linkMode); err != nil {
		return fmt.Errorf("syncing environment: %w", err)
	}

	fmt.Printf("\nDone: %d entries applied\n", len(plan.Entries))

	return nil
}

func printPlan(plan *installer.Plan) {
	for _, e := range plan.Entries {
		if e.Action == installer.ActionKeep {
			continue
		}

		switch e.Action {
		case installer.ActionInstall:
			fmt.Printf("  + %s %s\n", e.Name, e.Target.Version)
		case installer.ActionReinstall:
			fmt.Printf("  ~ %s %s -> %s\n", e.Name, e.Current.Version, e.Target.Version)
		case installer.ActionUninstall:
			fmt.Printf("  - %s %s\n", e.Name, e.Current.Version)
		}
	}
}

// newCacheCmd implements `ferrum cache`: inspect or prune the
// content-addressed distribution cache.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or prune the distribution cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dir",
		Short: "Print the cache directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			fmt.Println(cfg.CacheDir)

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Remove the entire distribution cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			if err := os.RemoveAll(cfg.CacheDir); err != nil {
				return fmt.Errorf("removing %s: %w", cfg.CacheDir, err)
			}

			fmt.Printf("removed %s\n", cfg.CacheDir)

			return nil
		},
	})

	return cmd
}

func detectEnv(ctx context.Context, pythonBin, targetDir string, logger *slog.Logger) (*python.Environment, error) {
	pyDetector := python.New(python.WithPythonBin(pythonBin))

	env, err := pyDetector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting Python environment: %w", err)
	}

	if targetDir != "" {
		abs, err := filepath.Abs(targetDir)
		if err != nil {
			return nil, fmt.Errorf("resolving target directory: %w", err)
		}

		env.SitePackages = abs
	}

	logger.Debug("detected Python environment",
		slog.String("prefix", env.Prefix),
		slog.String("site-packages", env.SitePackages),
		slog.String("platform", env.PlatformTag),
		slog.String("version", env.PythonVersion),
		slog.Bool("venv", env.IsVirtualEnv),
	)

	return env, nil
}

func openDistDB(cfg config.Config, logger *slog.Logger) (*distdb.DB, error) {
	httpClient := &http.Client{}

	reg := registry.New(
		registry.WithHTTPClient(httpClient),
		registry.WithLogger(logger),
	)

	db, err := distdb.New(cfg.CacheDir, reg, distdb.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening distribution cache: %w", err)
	}

	return db, nil
}

// newResolverPair builds the mutually-referential build.Dispatcher and
// resolver.Service pair: the dispatcher needs a DependencyResolver to
// resolve a build's own build-requires, and the resolver optionally calls
// back into the dispatcher for sdist-only candidates. The dispatcher's
// embedded resolver has no Builder of its own (it would otherwise need a
// dispatcher before one exists); a build-requires candidate that itself
// needs building this way is left unbuilt, a documented limitation rather
// than a real cycle.
func newResolverPair(cfg config.Config, db *distdb.DB, env *python.Environment, logger *slog.Logger) (*build.Dispatcher, *resolver.Service, error) {
	innerResolver := resolver.New(db, resolver.WithLogger(logger))

	dispatcher, err := build.New(cfg.CacheDir, db, innerResolver,
		build.WithLogger(logger),
		build.WithPythonBin(env.PythonPath),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating build dispatcher: %w", err)
	}

	outerResolver := resolver.New(db, resolver.WithLogger(logger), resolver.WithBuilder(dispatcher))

	return dispatcher, outerResolver, nil
}

func parseMode(s string) (resolver.Mode, error) {
	switch strings.ToLower(s) {
	case "", "highest":
		return resolver.Highest, nil
	case "lowest":
		return resolver.Lowest, nil
	case "lowest-direct":
		return resolver.LowestDirect, nil
	default:
		return resolver.Highest, fmt.Errorf("unknown resolution mode %q", s)
	}
}

func preReleaseString(p resolver.PreReleasePolicy) string {
	if p == resolver.PreReleaseAllow {
		return "allow"
	}

	return "auto"
}

func indexesFromConfig(cfg config.Config) []registry.Index {
	idxs := []registry.Index{{URL: cfg.IndexURL}}
	for _, u := range cfg.ExtraIndexURLs {
		idxs = append(idxs, registry.Index{URL: u})
	}

	return idxs
}

// markerEnvFromPython derives a PEP 508 marker environment from the
// detected interpreter, the same fields the teacher's
// cmd/pipg/main.go:buildMarkerEnv filled from env.PlatformTag/PythonVersion,
// generalized to internal/pep.Env's fuller field set.
func markerEnvFromPython(env *python.Environment) pep.Env {
	var sysPlatform, osName string

	switch {
	case strings.HasPrefix(env.PlatformTag, "macosx"):
		sysPlatform, osName = "darwin", "posix"
	case strings.HasPrefix(env.PlatformTag, "linux"):
		sysPlatform, osName = "linux", "posix"
	case strings.HasPrefix(env.PlatformTag, "win"):
		sysPlatform, osName = "win32", "nt"
	}

	major := env.PythonVersion
	minor := ""

	if len(env.PythonVersion) > 1 {
		major = env.PythonVersion[:1]
		minor = env.PythonVersion[1:]
	}

	return pep.Env{
		PythonVersion:      major + "." + minor,
		ImplementationName: "cpython",
		SysPlatform:        sysPlatform,
		OSName:             osName,
		PlatformPyImpl:     "CPython",
	}
}

// collectRequirements merges CLI args and a requirements/pyproject file
// into root requirements, constraints, and the index directives the file
// declared, generalizing the teacher's collectRequirements/
// parseRequirementsFile (which only understood bare strings and ignored
// every pip directive) into internal/reqfile's fuller parser.
func collectRequirements(args []string, reqPath string) ([]types.Requirement, []types.Requirement, config.Config, error) {
	cfg := config.Load()

	var roots, constraints []types.Requirement

	for _, a := range args {
		req, err := types.ParseRequirement(a)
		if err != nil {
			return nil, nil, cfg, fmt.Errorf("parsing requirement %q: %w", a, err)
		}

		roots = append(roots, req)
	}

	if reqPath == "" {
		return roots, constraints, cfg, nil
	}

	if strings.HasSuffix(reqPath, "pyproject.toml") {
		meta, err := reqfile.ParsePyProject(reqPath)
		if err != nil {
			return nil, nil, cfg, fmt.Errorf("parsing %s: %w", reqPath, err)
		}

		roots = append(roots, meta.Dependencies...)

		return roots, constraints, cfg, nil
	}

	file, err := reqfile.ParseFile(reqPath)
	if err != nil {
		return nil, nil, cfg, fmt.Errorf("parsing %s: %w", reqPath, err)
	}

	roots = append(roots, file.Requirements...)
	constraints = append(constraints, file.Constraints...)

	if file.IndexURL != "" {
		cfg.IndexURL = file.IndexURL
	}

	cfg.ExtraIndexURLs = append(cfg.ExtraIndexURLs, file.ExtraIndexes...)

	return roots, constraints, cfg, nil
}

// verifyHashPins checks every root requirement's --hash pins (spec §4.2,
// §7 HashMismatch) against the distribution the resolver actually chose
// for it. Pins are alternatives: a distribution passes when at least one
// pin names an algorithm it published with a matching digest; when none
// does, the resolve fails outright rather than silently writing an
// unverifiable lock.
func verifyHashPins(roots []types.Requirement, graph *resolver.Graph) error {
	for _, r := range roots {
		if len(r.Hashes) == 0 {
			continue
		}

		dists, ok := graph.Nodes[r.Name.Normalized()]
		if !ok {
			continue
		}

		// A forked root can resolve to more than one node (one per
		// disjoint marker region); every node that actually ends up in
		// the lock must satisfy the pin, since each is a distribution the
		// lock promises is safe to install.
		for _, dist := range dists {
			if err := matchesAnyPin(dist, r.Hashes); err != nil {
				return err
			}
		}
	}

	return nil
}

func matchesAnyPin(dist types.Distribution, pins []string) error {
	for _, pin := range pins {
		algo, digest, found := strings.Cut(pin, ":")
		if !found {
			continue
		}

		if got, present := dist.Hashes[algo]; present && strings.EqualFold(got, digest) {
			return nil
		}
	}

	return ferrors.New(ferrors.KindHashMismatch, fmt.Sprintf(
		"%s: none of the pinned hashes %v match the resolved distribution's published hashes %v",
		dist.Name.Normalized(), pins, dist.Hashes))
}
