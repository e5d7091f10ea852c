// Package config reads ferrum's process-wide environment inputs exactly
// once at startup. It generalizes the teacher's
// cache.defaultCacheDir, which inlined a single PIPG_CACHE_DIR/
// XDG_CACHE_HOME lookup directly in the cache package, into one place
// every component reads from.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Config is the resolved set of environment inputs for one process run.
// It is constructed once in cmd/ferrum/main.go and passed down; no
// component calls os.Getenv directly after Load returns.
type Config struct {
	// CacheDir is the root of the content-addressed distribution cache
	//.
	CacheDir string
	// IndexURL is the default registry index.
	IndexURL string
	// ExtraIndexURLs are searched per the configured IndexStrategy.
	ExtraIndexURLs []string
	// NoCache records whether FERRUM_NO_CACHE is set. No component reads
	// it: the cache is used either way.
	NoCache bool
	// Offline records whether FERRUM_OFFLINE is set. No component reads
	// it: network fetches are made either way and cached entries carry no
	// stale annotation.
	Offline bool
}

const (
	envCacheDir   = "FERRUM_CACHE_DIR"
	envXDGCache   = "XDG_CACHE_HOME"
	envIndexURL   = "FERRUM_INDEX_URL"
	envExtraIndex = "FERRUM_EXTRA_INDEX_URL"
	envNoCache    = "FERRUM_NO_CACHE"
	envOffline    = "FERRUM_OFFLINE"

	defaultIndexURL = "https://pypi.org/simple"
)

// Load reads every environment variable ferrum consults, once, and
// returns the resolved Config. Callers must not call os.Getenv for any
// of these concerns afterward.
func Load() Config {
	cfg := Config{
		CacheDir: os.Getenv(envCacheDir),
		IndexURL: os.Getenv(envIndexURL),
		NoCache:  os.Getenv(envNoCache) != "",
		Offline:  os.Getenv(envOffline) != "",
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}

	if cfg.IndexURL == "" {
		cfg.IndexURL = defaultIndexURL
	}

	if extra := os.Getenv(envExtraIndex); extra != "" {
		cfg.ExtraIndexURLs = append(cfg.ExtraIndexURLs, extra)
	}

	return cfg
}

// defaultCacheDir returns the platform-appropriate cache directory,
// generalizing the teacher's cache.defaultCacheDir (PIPG_CACHE_DIR ->
// FERRUM_CACHE_DIR, "pipg/wheels" -> "ferrum") to house the whole
// distribution database, not just downloaded wheels.
func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ferrum")
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Caches", "ferrum")
	}

	if xdg := os.Getenv(envXDGCache); xdg != "" {
		return filepath.Join(xdg, "ferrum")
	}

	return filepath.Join(home, ".cache", "ferrum")
}
