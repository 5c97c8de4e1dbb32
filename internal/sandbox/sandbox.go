// Package sandbox provides isolated, disposable workspaces for trials.
package sandbox

import (
	"context"
	"sync"

	"github.com/spboyer/kumite/internal/models"
)

// Setup describes how a sandbox is seeded.
type Setup struct {
	// Files maps sandbox-relative paths to content.
	Files map[string]string
	// VCS initialises the sandbox as a repository with the seed committed.
	VCS models.VCS
}

// Provider creates sandboxes. Implementations must return a sandbox whose
// path is not shared with any other live sandbox, even for equal scopes.
type Provider interface {
	// Create copies fixturesRoot (when non-empty) into a fresh workspace,
	// writes setup.Files over it and initialises setup.VCS. On error
	// nothing is left behind.
	Create(ctx context.Context, setup Setup, scope, fixturesRoot string) (*Sandbox, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, setup Setup, scope, fixturesRoot string) (*Sandbox, error)

func (f ProviderFunc) Create(ctx context.Context, setup Setup, scope, fixturesRoot string) (*Sandbox, error) {
	return f(ctx, setup, scope, fixturesRoot)
}

// Sandbox is a handle to one workspace.
type Sandbox struct {
	Path  string
	Scope string

	once    sync.Once
	err     error
	cleanup func() error
}

// New returns a handle whose Cleanup runs cleanup at most once.
func New(path, scope string, cleanup func() error) *Sandbox {
	return &Sandbox{Path: path, Scope: scope, cleanup: cleanup}
}

// Cleanup releases the workspace. It is safe to call more than once, on a
// nil handle, and on a handle without a cleanup func; later calls return
// the first call's result.
func (s *Sandbox) Cleanup() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		if s.cleanup != nil {
			s.err = s.cleanup()
		}
	})
	return s.err
}
