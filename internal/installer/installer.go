// Package installer implements component C7: materializing
// a narrowed lockfile into a Python environment. It computes an
// Install/Reinstall/Uninstall Plan against the environment's existing
// dist-info inventory, then executes it with a bounded-parallelism
// errgroup, staging each package into a sibling temp directory before an
// atomic rename into site-packages/prefix (plan.go), and removes packages
// strictly through their own RECORD (record.go).
package installer

import (
	"context"
	"log/slog"

	"github.com/ferrumpkg/ferrum/internal/python"
)

// Installer materializes a computed Plan into a Python environment.
type Installer interface {
	Sync(ctx context.Context, plan *Plan, src WheelSource, mode LinkMode) error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service places and removes distributions in a target Python
// environment's site-packages/prefix.
type Service struct {
	env    *python.Environment
	logger *slog.Logger
}

// compile-time proof that Service implements Installer.
var _ Installer = (*Service)(nil)

// New creates a new installer targeting the given Python environment.
func New(env *python.Environment, opts ...Option) *Service {
	s := &Service{
		env:    env,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// fileCategory describes where a wheel entry belongs once unpacked.
type fileCategory int

const (
	categorySitePackages fileCategory = iota
	categoryScripts
	categoryData
	categorySkip
)
