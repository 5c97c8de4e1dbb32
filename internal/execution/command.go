package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spboyer/kumite/internal/models"
)

// Argument placeholders substituted in agent args.
const (
	PlaceholderQuery = "{query}"
	PlaceholderModel = "{model}"
)

// maxStderrBytes is how much of the agent's stderr tail is kept.
const maxStderrBytes = 8 * 1024

// defaultWaitDelay bounds how long Run waits for output pipes after the
// agent was killed.
const defaultWaitDelay = 5 * time.Second

// presetArgs are prepended for agents whose CLI is known.
var presetArgs = map[string][]string{
	AgentClaude: {"-p", PlaceholderQuery, "--output-format", "stream-json", "--verbose"},
}

// CommandRunner runs the agent as a subprocess in the sandbox. Request.Agent
// is the executable. The query is passed where an argument contains
// {query}, otherwise on stdin. Stdout is parsed with ParseStream.
type CommandRunner struct {
	waitDelay time.Duration
}

func NewCommandRunner() *CommandRunner {
	return &CommandRunner{waitDelay: defaultWaitDelay}
}

func (r *CommandRunner) Run(ctx context.Context, req *Request) (*models.Capture, error) {
	if req == nil {
		return nil, fmt.Errorf("nil req was passed to CommandRunner.Run")
	}
	if req.Timeout <= 0 {
		return nil, fmt.Errorf("positive Timeout is required")
	}
	if req.Agent == "" {
		return nil, fmt.Errorf("no agent command for %s", req.Scope)
	}

	args, queryInArgs := commandArgs(req)

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	//nolint:gosec // the agent command comes from the eval file
	cmd := exec.CommandContext(runCtx, req.Agent, args...)
	cmd.Dir = req.SandboxPath
	cmd.Env = append(os.Environ(), envList(req.Env)...)
	cmd.WaitDelay = r.waitDelay
	if !queryInArgs {
		cmd.Stdin = strings.NewReader(req.Query)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("starting agent", "scope", req.Scope, "agent", req.Agent, "args", args, "dir", req.SandboxPath)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	capture := ParseStream(stdout.Bytes())
	capture.DurationMs = duration.Milliseconds()
	capture.Stderr = tail(stderr.String(), maxStderrBytes)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		capture.ExitCode = models.ExitCodeTimeout
		capture.TimedOut = true
		slog.Warn("agent timed out", "scope", req.Scope, "timeout", req.Timeout)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err == nil:
		capture.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running agent %q: %w", req.Agent, err)
		}
		capture.ExitCode = exitErr.ExitCode()
	}

	return capture, nil
}

// commandArgs builds the argument list and reports whether the query was
// placed in it.
func commandArgs(req *Request) ([]string, bool) {
	var raw []string
	raw = append(raw, presetArgs[req.Agent]...)
	if req.Agent == AgentClaude && req.Model != "" && !slices.Contains(req.Args, "--model") {
		raw = append(raw, "--model", PlaceholderModel)
	}
	raw = append(raw, req.Args...)

	queryInArgs := false
	args := make([]string, 0, len(raw))
	for _, a := range raw {
		if strings.Contains(a, PlaceholderQuery) {
			queryInArgs = true
		}
		a = strings.ReplaceAll(a, PlaceholderQuery, req.Query)
		a = strings.ReplaceAll(a, PlaceholderModel, req.Model)
		args = append(args, a)
	}
	return args, queryInArgs
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(env))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
