package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/utils"
	"github.com/spf13/afero"
)

// Identity used for the seed commit.
const (
	seedAuthorName  = "kumite"
	seedAuthorEmail = "kumite@localhost"
	seedMessage     = "kumite: seed"
)

// TempDirProvider creates each sandbox as a fresh temp directory.
type TempDirProvider struct {
	fs      afero.Fs
	baseDir string
}

// TempDirOption configures a TempDirProvider.
type TempDirOption func(*TempDirProvider)

// WithFs sets the filesystem. VCS initialisation needs a real directory, so
// only afero.OsFs (and wrappers over it) support Setup.VCS.
func WithFs(fs afero.Fs) TempDirOption {
	return func(p *TempDirProvider) { p.fs = fs }
}

// WithBaseDir creates sandboxes under dir instead of the OS temp dir.
func WithBaseDir(dir string) TempDirOption {
	return func(p *TempDirProvider) { p.baseDir = dir }
}

func NewTempDirProvider(opts ...TempDirOption) *TempDirProvider {
	p := &TempDirProvider{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fs returns the filesystem sandboxes live on.
func (p *TempDirProvider) Fs() afero.Fs { return p.fs }

func (p *TempDirProvider) Create(ctx context.Context, setup Setup, scope, fixturesRoot string) (*Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := afero.TempDir(p.fs, p.baseDir, "kumite-"+utils.SanitizeName(scope)+"-")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox for %s: %w", scope, err)
	}

	sb := New(dir, scope, func() error { return p.fs.RemoveAll(dir) })

	if err := p.populate(ctx, dir, setup, fixturesRoot); err != nil {
		if cerr := sb.Cleanup(); cerr != nil {
			slog.Warn("failed to remove partially created sandbox", "path", dir, "error", cerr)
		}
		return nil, fmt.Errorf("seeding sandbox for %s: %w", scope, err)
	}

	slog.Debug("sandbox created", "scope", scope, "path", dir)
	return sb, nil
}

func (p *TempDirProvider) populate(ctx context.Context, dir string, setup Setup, fixturesRoot string) error {
	if fixturesRoot != "" {
		if err := copyTree(p.fs, fixturesRoot, dir); err != nil {
			return fmt.Errorf("copying fixtures from %s: %w", fixturesRoot, err)
		}
	}

	if err := writeFiles(p.fs, dir, setup.Files); err != nil {
		return err
	}

	switch setup.VCS {
	case "", models.VCSNone:
		return nil
	case models.VCSGit:
		return runAll(ctx, dir,
			[]string{"git", "init", "-q"},
			[]string{"git", "add", "-A"},
			[]string{"git", "-c", "commit.gpgsign=false", "commit", "-q", "--allow-empty", "-m", seedMessage},
		)
	case models.VCSJJ:
		return runAll(ctx, dir,
			[]string{"jj", "git", "init"},
			[]string{"jj", "commit", "-m", seedMessage},
		)
	default:
		return fmt.Errorf("unknown vcs %q", setup.VCS)
	}
}

// writeFiles writes files into dir with path-traversal protection.
func writeFiles(fs afero.Fs, dir string, files map[string]string) error {
	base := filepath.Clean(dir)
	baseWithSep := base + string(os.PathSeparator)

	for name, content := range files {
		if name == "" {
			continue
		}

		rel := filepath.Clean(name)
		if filepath.IsAbs(rel) {
			return fmt.Errorf("seed file path %q must be relative", name)
		}

		full := filepath.Join(base, rel)
		if !strings.HasPrefix(full+string(os.PathSeparator), baseWithSep) || full == base {
			return fmt.Errorf("seed file path %q escapes sandbox", name)
		}

		if err := fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating directory for seed file %q: %w", name, err)
		}
		if err := afero.WriteFile(fs, full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing seed file %q: %w", name, err)
		}
	}
	return nil
}

// copyTree copies the contents of src into dst. Symlinks are skipped.
func copyTree(fs afero.Fs, src, dst string) error {
	info, err := fs.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return fs.MkdirAll(target, 0o755)
		case info.Mode()&os.ModeSymlink != 0:
			return nil
		default:
			return copyFile(fs, path, target, info.Mode().Perm())
		}
	})
}

func copyFile(fs afero.Fs, src, dst string, perm os.FileMode) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func runAll(ctx context.Context, dir string, cmds ...[]string) error {
	for _, args := range cmds {
		//nolint:gosec // fixed VCS commands
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME="+seedAuthorName,
			"GIT_AUTHOR_EMAIL="+seedAuthorEmail,
			"GIT_COMMITTER_NAME="+seedAuthorName,
			"GIT_COMMITTER_EMAIL="+seedAuthorEmail,
			"JJ_USER="+seedAuthorName,
			"JJ_EMAIL="+seedAuthorEmail,
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("%s: exit %d: %s", strings.Join(args, " "), exitErr.ExitCode(), strings.TrimSpace(string(out)))
			}
			return fmt.Errorf("%s: %w", strings.Join(args, " "), err)
		}
	}
	return nil
}
