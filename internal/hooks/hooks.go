package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Lifecycle point names passed to Runner.Execute.
const (
	BeforeRun     = "before_run"
	AfterRun      = "after_run"
	BeforeExample = "before_example"
	AfterExample  = "after_example"
)

// HookConfig defines a single hook command.
type HookConfig struct {
	Command          string `yaml:"command" json:"command"`
	WorkingDirectory string `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	ExitCodes        []int  `yaml:"exit_codes,omitempty" json:"exit_codes,omitempty"`
	ErrorOnFail      bool   `yaml:"error_on_fail,omitempty" json:"error_on_fail,omitempty"`
}

// HooksConfig holds all lifecycle hooks.
type HooksConfig struct {
	BeforeRun     []HookConfig `yaml:"before_run,omitempty" json:"before_run,omitempty"`
	AfterRun      []HookConfig `yaml:"after_run,omitempty" json:"after_run,omitempty"`
	BeforeExample []HookConfig `yaml:"before_example,omitempty" json:"before_example,omitempty"`
	AfterExample  []HookConfig `yaml:"after_example,omitempty" json:"after_example,omitempty"`
}

// Empty reports whether no hooks are configured at all.
func (c HooksConfig) Empty() bool {
	return len(c.BeforeRun) == 0 && len(c.AfterRun) == 0 &&
		len(c.BeforeExample) == 0 && len(c.AfterExample) == 0
}

// Runner executes hook commands at lifecycle points.
type Runner struct {
	// Env is appended to the inherited environment of every hook command,
	// e.g. KUMITE_EXAMPLE_ID for example-level hooks.
	Env []string
}

// Execute runs all hooks for a given lifecycle point.
// name identifies the lifecycle point (e.g. "before_run") for logging and error context.
func (r *Runner) Execute(ctx context.Context, name string, hooks []HookConfig) error {
	for i, h := range hooks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("hook %s: context canceled: %w", name, err)
		}

		if err := r.runHook(ctx, name, i, h); err != nil {
			return err
		}
	}
	return nil
}

// WithEnv returns a copy of r whose hook commands also see env.
func (r *Runner) WithEnv(env ...string) *Runner {
	merged := make([]string, 0, len(r.Env)+len(env))
	merged = append(merged, r.Env...)
	merged = append(merged, env...)
	return &Runner{Env: merged}
}

func (r *Runner) runHook(ctx context.Context, name string, index int, h HookConfig) error {
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %s[%d]: empty command", name, index)
	}

	parts := strings.Fields(h.Command)
	//nolint:gosec // hook commands are user-configured in eval YAML, not untrusted input
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	if h.WorkingDirectory != "" {
		cmd.Dir = h.WorkingDirectory
	}
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	output, err := cmd.CombinedOutput()

	if len(output) > 0 {
		slog.Debug("hook output", "hook", name, "index", index, "output", string(output))
	}

	if err != nil {
		var exitErr *exec.ExitError
		if ok := errors.As(err, &exitErr); ok {
			exitCode := exitErr.ExitCode()

			if !isAcceptableExit(exitCode, h.ExitCodes) {
				if h.ErrorOnFail {
					return fmt.Errorf("hook %s[%d]: command exited with code %d", name, index, exitCode)
				}
				slog.Warn("hook exited with unexpected code, continuing", "hook", name, "index", index, "exit_code", exitCode)
			}
		} else {
			// Non-exit error (e.g. command not found)
			if h.ErrorOnFail {
				return fmt.Errorf("hook %s[%d]: %w", name, index, err)
			}
			slog.Warn("hook failed, continuing", "hook", name, "index", index, "error", err)
		}
		return nil
	}

	// err == nil means exit code 0; verify 0 is acceptable
	if !isAcceptableExit(0, h.ExitCodes) {
		if h.ErrorOnFail {
			return fmt.Errorf("hook %s[%d]: command exited with code 0 but expected %v", name, index, h.ExitCodes)
		}
		slog.Warn("hook exited with code 0 but other codes were expected, continuing", "hook", name, "index", index, "expected", h.ExitCodes)
	}

	return nil
}

// isAcceptableExit checks whether exitCode is in the allowed list.
// An empty allowedCodes list defaults to allowing only exit code 0.
func isAcceptableExit(exitCode int, allowedCodes []int) bool {
	if len(allowedCodes) == 0 {
		return exitCode == 0
	}
	for _, code := range allowedCodes {
		if exitCode == code {
			return true
		}
	}
	return false
}
