package build_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ferrumpkg/ferrum/internal/build"
	"github.com/ferrumpkg/ferrum/internal/pep"
)

// buildTestWheelBytes returns an in-memory wheel zip with a single
// dist-info/METADATA entry, so the dispatcher's post-build metadata read
// exercises a real zip scan rather than a stub.
func buildTestWheelBytes(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)

	f, err := w.Create("demo-1.0.0.dist-info/METADATA")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}

	if _, err := f.Write([]byte("Metadata-Version: 2.1\nName: demo\nVersion: 1.0.0\n\n")); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}

	return buf.Bytes()
}

// fakeRunner simulates a PEP 517 backend: prepare_metadata_for_build_wheel
// writes a dist-info dir and returns its name; build_wheel writes a wheel
// zip and returns its filename.
func fakeRunner(t *testing.T, wheelBytes []byte) build.CommandRunner {
	t.Helper()

	return func(_ context.Context, _ string, name string, args ...string) ([]byte, []byte, error) {
		script := args[1]
		outDir := args[2]

		switch {
		case strings.Contains(script, "prepare_metadata_for_build_wheel"):
			distInfo := filepath.Join(outDir, "demo-1.0.0.dist-info")
			if err := os.MkdirAll(distInfo, 0o755); err != nil {
				return nil, nil, err
			}

			if err := os.WriteFile(filepath.Join(distInfo, "METADATA"), []byte("Metadata-Version: 2.1\nName: demo\nVersion: 1.0.0\n\n"), 0o644); err != nil {
				return nil, nil, err
			}

			return []byte("demo-1.0.0.dist-info\n"), nil, nil

		case strings.Contains(script, "build_wheel"):
			wheelPath := filepath.Join(outDir, "demo-1.0.0-py3-none-any.whl")
			if err := os.WriteFile(wheelPath, wheelBytes, 0o644); err != nil {
				return nil, nil, err
			}

			return []byte("demo-1.0.0-py3-none-any.whl\n"), nil, nil
		}

		return nil, nil, errors.New("unexpected hook invocation")
	}
}

func TestDispatcherBuildNoIsolation(t *testing.T) {
	srcDir := t.TempDir()
	cacheDir := t.TempDir()

	// A minimal real wheel so the dispatcher can read its METADATA entry
	// once cached; the fake backend just echoes bytes it's handed.
	wheel := buildTestWheelBytes(t)

	d, err := build.New(cacheDir, nil, nil,
		build.WithCommandRunner(fakeRunner(t, wheel)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := build.Request{
		Name:             pep.NewPackageName("demo"),
		SourceDir:        srcDir,
		NoBuildIsolation: true,
	}

	result, err := d.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if result.Metadata.Name.Normalized() != "demo" {
		t.Errorf("metadata name: got %q", result.Metadata.Name.Normalized())
	}

	if _, err := os.Stat(result.WheelPath); err != nil {
		t.Errorf("expected cached wheel at %s: %v", result.WheelPath, err)
	}
}

func TestDispatcherBuildCachesByFingerprint(t *testing.T) {
	srcDir := t.TempDir()
	cacheDir := t.TempDir()

	calls := 0
	wheel := buildTestWheelBytes(t)

	runner := fakeRunner(t, wheel)

	d, err := build.New(cacheDir, nil, nil,
		build.WithCommandRunner(func(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
			calls++
			return runner(ctx, dir, name, args...)
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := build.Request{
		Name:              pep.NewPackageName("demo"),
		SourceDir:         srcDir,
		NoBuildIsolation:  true,
		SourceFingerprint: "sha256:deadbeef",
	}

	if _, err := d.Build(context.Background(), req); err != nil {
		t.Fatalf("first Build: %v", err)
	}

	firstCalls := calls

	if _, err := d.Build(context.Background(), req); err != nil {
		t.Fatalf("second Build: %v", err)
	}

	if calls != firstCalls {
		t.Errorf("expected second Build with the same fingerprint to hit the cache, but hooks ran again (%d -> %d calls)", firstCalls, calls)
	}
}

func TestDispatcherBuildWheelHookFailure(t *testing.T) {
	srcDir := t.TempDir()
	cacheDir := t.TempDir()

	d, err := build.New(cacheDir, nil, nil,
		build.WithCommandRunner(func(_ context.Context, _, _ string, args ...string) ([]byte, []byte, error) {
			script := args[1]
			if strings.Contains(script, "build_wheel") {
				return nil, []byte("Traceback (most recent call last):\nRuntimeError: missing setup.py\n"), errors.New("exit status 1")
			}

			return []byte("HOOK_MISSING\n"), nil, nil
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := build.Request{
		Name:             pep.NewPackageName("demo"),
		SourceDir:        srcDir,
		NoBuildIsolation: true,
	}

	_, err = d.Build(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error when build_wheel fails")
	}

	var hookErr *build.HookError
	if !errors.As(err, &hookErr) {
		t.Fatalf("expected error to unwrap to *build.HookError, got %T: %v", err, err)
	}

	if hookErr.Hook != "build_wheel" {
		t.Errorf("expected failing hook %q, got %q", "build_wheel", hookErr.Hook)
	}

	if !strings.Contains(hookErr.Stderr, "RuntimeError") {
		t.Errorf("expected captured stderr to include the traceback, got %q", hookErr.Stderr)
	}
}
