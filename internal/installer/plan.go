package installer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/ferrumpkg/ferrum/internal/lockfile"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// WheelSource is the subset of internal/distdb.DB the installer needs:
// an already-unpacked wheel or sdist/VCS checkout directory for a given
// Distribution. Declaring it as an interface here
// mirrors internal/resolver.DistSource/Builder: the installer depends on
// the shape it needs, not on distdb's concrete type.
type WheelSource interface {
	Wheel(ctx context.Context, dist types.Distribution) (string, error)
	Source(ctx context.Context, dist types.Distribution) (string, error)
}

// LinkMode selects how installed files are placed into site-packages
//.
type LinkMode int

const (
	// LinkAuto probes the filesystem pair and picks the fastest mode.
	LinkAuto LinkMode = iota
	// LinkClone requests a reflink copy. ferrum has no cgo-free syscall
	// for FICLONE, so Clone is attempted as a hardlink and falls back to
	// Copy exactly like Hardlink does; it is kept as a distinct request
	// value so a future reflink-capable build can specialize it.
	LinkClone
	LinkHardlink
	LinkSymlink
	LinkCopy
)

func (m LinkMode) String() string {
	switch m {
	case LinkClone:
		return "clone"
	case LinkHardlink:
		return "hardlink"
	case LinkSymlink:
		return "symlink"
	case LinkCopy:
		return "copy"
	default:
		return "auto"
	}
}

// ParseLinkMode parses the --link-mode flag value.
func ParseLinkMode(s string) (LinkMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return LinkAuto, nil
	case "clone":
		return LinkClone, nil
	case "hardlink":
		return LinkHardlink, nil
	case "symlink":
		return LinkSymlink, nil
	case "copy":
		return LinkCopy, nil
	default:
		return LinkAuto, fmt.Errorf("unknown link mode %q", s)
	}
}

// detectLinkMode probes whether srcDir and dstDir support hardlinks between
// them (the common case: both under the same filesystem/cache root) and
// falls back to Copy otherwise.
func detectLinkMode(srcDir, dstDir string) LinkMode {
	probeSrc := filepath.Join(srcDir, ".ferrum-link-probe")
	probeDst := filepath.Join(dstDir, ".ferrum-link-probe")

	if err := os.WriteFile(probeSrc, []byte{}, 0o644); err != nil {
		return LinkCopy
	}
	defer os.Remove(probeSrc)

	err := os.Link(probeSrc, probeDst)
	defer os.Remove(probeDst)

	if err != nil {
		return LinkCopy
	}

	return LinkHardlink
}

// resolveLinkMode turns a possibly-Auto request into a concrete mode for
// the given source/destination pair.
func resolveLinkMode(requested LinkMode, srcDir, dstDir string) LinkMode {
	switch requested {
	case LinkAuto, LinkClone:
		return detectLinkMode(srcDir, dstDir)
	default:
		return requested
	}
}

// Action is the per-package disposition a Plan computes.
type Action int

const (
	ActionKeep Action = iota
	ActionInstall
	ActionReinstall
	ActionUninstall
)

func (a Action) String() string {
	switch a {
	case ActionInstall:
		return "install"
	case ActionReinstall:
		return "reinstall"
	case ActionUninstall:
		return "uninstall"
	default:
		return "keep"
	}
}

// InstalledPackage is one *.dist-info directory already present in
// site-packages.
type InstalledPackage struct {
	Name        string
	Version     string
	DistInfoDir string // absolute path
}

// PlanEntry is one action a Plan asks the executor to take.
type PlanEntry struct {
	Name    string
	Action  Action
	Target  lockfile.Package // zero value when Action == ActionUninstall
	Current InstalledPackage // zero value when Action == ActionInstall
}

// Plan is the Install/Reinstall/Uninstall set computed before any
// filesystem mutation happens, so `sync` can report what it is about to
// do (and support --dry-run) before doing it.
type Plan struct {
	Entries []PlanEntry
}

// InventorySitePackages scans siteDir for "*-*.dist-info" directories and
// returns what's currently installed, keyed by normalized name. Malformed
// directory names are skipped rather than failing the whole scan, since a
// single corrupt dist-info must not block installing/uninstalling its
// siblings.
func InventorySitePackages(siteDir string) (map[string]InstalledPackage, error) {
	entries, err := os.ReadDir(siteDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]InstalledPackage{}, nil
		}

		return nil, fmt.Errorf("reading site-packages: %w", err)
	}

	out := map[string]InstalledPackage{}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".dist-info") {
			continue
		}

		base := strings.TrimSuffix(e.Name(), ".dist-info")

		idx := strings.LastIndex(base, "-")
		if idx < 0 {
			continue
		}

		name := strings.ToLower(strings.ReplaceAll(base[:idx], "_", "-"))
		version := base[idx+1:]

		out[name] = InstalledPackage{
			Name:        name,
			Version:     version,
			DistInfoDir: filepath.Join(siteDir, e.Name()),
		}
	}

	return out, nil
}

// ComputePlan diffs lock's packages against what InventorySitePackages
// found. A package present in both with the same version
// is kept untouched; a version mismatch reinstalls; anything installed
// but no longer in the lock is uninstalled.
func ComputePlan(lock *lockfile.Lock, installed map[string]InstalledPackage) *Plan {
	p := &Plan{}

	wanted := map[string]bool{}

	for _, pkg := range lock.Packages {
		wanted[pkg.Name] = true

		cur, ok := installed[pkg.Name]

		switch {
		case !ok:
			p.Entries = append(p.Entries, PlanEntry{Name: pkg.Name, Action: ActionInstall, Target: pkg})
		case cur.Version != pkg.Version:
			p.Entries = append(p.Entries, PlanEntry{Name: pkg.Name, Action: ActionReinstall, Target: pkg, Current: cur})
		default:
			p.Entries = append(p.Entries, PlanEntry{Name: pkg.Name, Action: ActionKeep, Target: pkg, Current: cur})
		}
	}

	for name, cur := range installed {
		if !wanted[name] {
			p.Entries = append(p.Entries, PlanEntry{Name: name, Action: ActionUninstall, Current: cur})
		}
	}

	sort.Slice(p.Entries, func(i, j int) bool { return p.Entries[i].Name < p.Entries[j].Name })

	return p
}

// Sync executes plan against env, using src to obtain each package's
// unpacked distribution directory. Entries run with bounded parallelism
//; since every entry owns
// a disjoint dist-info directory, entries never contend with each other
// and the only shared resource is the errgroup's worker limit.
func (s *Service) Sync(ctx context.Context, plan *Plan, src WheelSource, mode LinkMode) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSyncWorkers())

	for _, entry := range plan.Entries {
		entry := entry

		switch entry.Action {
		case ActionKeep:
			continue
		case ActionUninstall:
			g.Go(func() error {
				if err := Uninstall(entry.Current.DistInfoDir); err != nil {
					return fmt.Errorf("uninstalling %s: %w", entry.Name, err)
				}

				s.logger.Debug("uninstalled", "package", entry.Name)

				return nil
			})
		case ActionInstall, ActionReinstall:
			g.Go(func() error {
				if entry.Action == ActionReinstall {
					if err := Uninstall(entry.Current.DistInfoDir); err != nil {
						return fmt.Errorf("removing previous %s: %w", entry.Name, err)
					}
				}

				if err := s.installPackage(ctx, entry.Target, src, mode); err != nil {
					return fmt.Errorf("installing %s: %w", entry.Name, err)
				}

				s.logger.Debug("installed", "package", entry.Name, "version", entry.Target.Version)

				return nil
			})
		}
	}

	return g.Wait()
}

func maxSyncWorkers() int {
	return 8
}

// installPackage materializes one locked Package into the environment:
// obtains its unpacked source directory, stages a copy/link of it in a
// temp directory inside site-packages, then atomically renames each
// top-level entry into place
//.
// Editable path sources install a .pth file instead of copying anything
// (PEP 660).
func (s *Service) installPackage(ctx context.Context, pkg lockfile.Package, src WheelSource, mode LinkMode) error {
	if strings.HasPrefix(pkg.Source, "editable+") {
		return s.installEditable(pkg)
	}

	dist, err := distributionFromPackage(pkg)
	if err != nil {
		return err
	}

	var unpackedDir string

	if pkg.Sdist != nil {
		unpackedDir, err = src.Source(ctx, dist)
	} else {
		unpackedDir, err = src.Wheel(ctx, dist)
	}

	if err != nil {
		return fmt.Errorf("fetching %s %s: %w", pkg.Name, pkg.Version, err)
	}

	return s.materialize(unpackedDir, mode)
}

// distributionFromPackage reconstructs just enough of a types.Distribution
// from a lockfile.Package for WheelSource to key its cache lookup on; the
// real Distribution (with a resolvable URL) was already produced once by
// the resolver and is reconstructed here from the lock's own record of it.
func distributionFromPackage(pkg lockfile.Package) (types.Distribution, error) {
	if len(pkg.Wheels) > 0 {
		w := pkg.Wheels[0]
		return types.Distribution{
			Filename: w.FileName,
			Size:     w.Size,
			Kind:     types.DistWheel,
		}, nil
	}

	if pkg.Sdist != nil {
		return types.Distribution{
			Size: pkg.Sdist.Size,
			Kind: types.DistSdist,
			Source: types.Source{
				Path: pkg.Sdist.Path,
			},
		}, nil
	}

	return types.Distribution{}, fmt.Errorf("package %s has neither a wheel nor an sdist record", pkg.Name)
}

// materialize stages srcDir's tree into a sibling temp directory under
// site-packages (and, for .data/ entries, under the environment prefix)
// then renames each top-level entry into place, writes RECORD/INSTALLER,
// and generates console scripts.
func (s *Service) materialize(srcDir string, mode LinkMode) error {
	siteDir := s.env.SitePackages
	prefix := s.env.Prefix

	mode = resolveLinkMode(mode, srcDir, siteDir)

	stageSite := filepath.Join(siteDir, ".ferrum-stage-"+xid.New().String())
	stagePrefix := filepath.Join(prefix, ".ferrum-stage-"+xid.New().String())

	if err := os.MkdirAll(stageSite, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(stageSite)

	if err := os.MkdirAll(stagePrefix, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(stagePrefix)

	var distInfoName string

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		dest, category := resolveStagedDestination(rel, stageSite, stagePrefix, ".data/")
		if dest == "" {
			return nil
		}

		if strings.Contains(rel, ".dist-info/") {
			distInfoName = strings.SplitN(rel, "/", 2)[0]
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
		}

		if err := linkOrCopy(path, dest, mode); err != nil {
			return fmt.Errorf("placing %s: %w", rel, err)
		}

		if category == categoryScripts {
			if err := os.Chmod(dest, 0o755); err != nil {
				return fmt.Errorf("marking %s executable: %w", dest, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if distInfoName == "" {
		return fmt.Errorf("no .dist-info directory found in %s", srcDir)
	}

	if err := WriteInstaller(filepath.Join(stageSite, distInfoName)); err != nil {
		return fmt.Errorf("writing INSTALLER: %w", err)
	}

	records, err := buildRecords(stageSite)
	if err != nil {
		return err
	}

	binDir := filepath.Join(stagePrefix, "bin")

	scriptRecords, err := InstallConsoleScripts(filepath.Join(stageSite, distInfoName), binDir, s.env.PythonPath)
	if err != nil {
		return fmt.Errorf("installing console scripts: %w", err)
	}

	records = append(records, scriptRecords...)

	if err := WriteRecord(filepath.Join(stageSite, distInfoName), records); err != nil {
		return fmt.Errorf("writing RECORD: %w", err)
	}

	if err := renameTree(stageSite, siteDir); err != nil {
		return fmt.Errorf("materializing into site-packages: %w", err)
	}

	if err := renameTree(stagePrefix, prefix); err != nil {
		return fmt.Errorf("materializing into prefix: %w", err)
	}

	return nil
}

// resolveStagedDestination mirrors (*Service).resolveDestination's wheel
// layout rules but targets
// the staging roots instead of the live site-packages/prefix, so every
// file a wheel ships lands in a temp directory first regardless of which
// final directory it belongs under.
func resolveStagedDestination(name, stageSite, stagePrefix, dataSuffix string) (string, fileCategory) {
	dataIdx := strings.Index(name, dataSuffix)
	if dataIdx == -1 {
		return filepath.Join(stageSite, name), categorySitePackages
	}

	remainder := name[dataIdx+len(dataSuffix):]

	slashIdx := strings.Index(remainder, "/")
	if slashIdx == -1 {
		return "", categorySkip
	}

	subdir := remainder[:slashIdx]
	rest := remainder[slashIdx+1:]

	if rest == "" {
		return "", categorySkip
	}

	switch subdir {
	case "purelib", "platlib":
		return filepath.Join(stageSite, rest), categorySitePackages
	case "scripts":
		return filepath.Join(stagePrefix, "bin", rest), categoryScripts
	case "data":
		return filepath.Join(stagePrefix, rest), categoryData
	case "headers":
		return filepath.Join(stagePrefix, "include", rest), categoryData
	default:
		return "", categorySkip
	}
}

// buildRecords hashes every regular file staged under stageSite and
// returns RECORD entries relative to the final site-packages root.
func buildRecords(stageSite string) ([]RecordEntry, error) {
	var records []RecordEntry

	err := filepath.WalkDir(stageSite, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(stageSite, path)
		if err != nil {
			return err
		}

		hash, size, err := HashFile(path)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", rel, err)
		}

		records = append(records, RecordEntry{Path: filepath.ToSlash(rel), Hash: hash, Size: size})

		return nil
	})

	return records, err
}

// renameTree moves every top-level entry of stageDir into destDir,
// overwriting anything already there (an existing directory of the same
// name is removed first). Each entry is renamed on its own, so a failure
// partway through leaves the entries renamed before it in place.
func renameTree(stageDir, destDir string) error {
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	for _, e := range entries {
		src := filepath.Join(stageDir, e.Name())
		dst := filepath.Join(destDir, e.Name())

		if e.IsDir() {
			if _, err := os.Stat(dst); err == nil {
				if err := os.RemoveAll(dst); err != nil {
					return fmt.Errorf("clearing previous %s: %w", dst, err)
				}
			}
		}

		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("renaming %s into place: %w", e.Name(), err)
		}
	}

	return nil
}

// linkOrCopy places src at dest using mode, falling back to a byte copy
// if the requested link type fails (e.g. a symlink request across a
// filesystem that forbids them).
func linkOrCopy(src, dest string, mode LinkMode) error {
	_ = os.Remove(dest)

	switch mode {
	case LinkHardlink, LinkClone:
		if err := os.Link(src, dest); err == nil {
			return nil
		}
	case LinkSymlink:
		if err := os.Symlink(src, dest); err == nil {
			return nil
		}
	}

	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}

// Uninstall removes every file RECORD lists for the package at
// distInfoDir, then prunes any directory left empty by that removal,
// walking upward from each deleted file. A path outside distInfoDir's site-packages root
// (parent directory) is refused rather than followed, since RECORD is
// untrusted input once it has been on disk.
func Uninstall(distInfoDir string) error {
	if distInfoDir == "" {
		return nil
	}

	siteDir := filepath.Dir(distInfoDir)

	recordPath := filepath.Join(distInfoDir, "RECORD")

	entries, err := ReadRecord(recordPath)
	if err != nil {
		return fmt.Errorf("reading RECORD: %w", err)
	}

	dirs := map[string]bool{}

	for _, e := range entries {
		abs := filepath.Join(siteDir, filepath.FromSlash(e.Path))

		if !strings.HasPrefix(abs, siteDir+string(filepath.Separator)) {
			return fmt.Errorf("refusing to remove RECORD entry %q: escapes %s", e.Path, siteDir)
		}

		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", abs, err)
		}

		dirs[filepath.Dir(abs)] = true
	}

	// RECORD lists itself with a blank hash/size (ReadRecord skips that
	// line), so the dist-info directory is never emptied by the loop
	// above; remove it explicitly.
	if err := os.RemoveAll(distInfoDir); err != nil {
		return fmt.Errorf("removing %s: %w", distInfoDir, err)
	}

	for dir := range dirs {
		pruneEmptyUpward(dir, siteDir)
	}

	return nil
}

// pruneEmptyUpward removes dir and its ancestors, stopping at stopAt or
// the first non-empty directory.
func pruneEmptyUpward(dir, stopAt string) {
	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}

		if os.Remove(dir) != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}

// installEditable installs a PEP 660-style editable: a .pth file in
// site-packages pointing at the project's source root, so the package is
// importable without copying any files.
func (s *Service) installEditable(pkg lockfile.Package) error {
	projectRoot := strings.TrimPrefix(pkg.Source, "editable+")

	pthPath := filepath.Join(s.env.SitePackages, "_ferrum_editable_"+pkg.Name+".pth")

	return os.WriteFile(pthPath, []byte(projectRoot+"\n"), 0o644)
}
