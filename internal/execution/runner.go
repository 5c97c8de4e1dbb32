package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spboyer/kumite/internal/models"
)

//go:generate go tool mockgen -destination agent_runner_mock.go -package execution . AgentRunner
//go:generate go tool mockgen -destination copilot_mocks_test.go -package execution -source copilot_client_wrappers.go

// Agent names with built-in handling. Any other name is run as a command.
const (
	AgentMock    = "mock"
	AgentCopilot = "copilot"
	AgentClaude  = "claude"
)

// Request is one agent invocation inside a prepared sandbox.
type Request struct {
	// Scope identifies the trial in logs, e.g. "add-readme/baseline/trial-2".
	Scope       string
	Query       string
	SandboxPath string
	Model       string
	Agent       string
	Args        []string
	Env         map[string]string
	Timeout     time.Duration
}

// AgentRunner runs an agent to completion and returns what it observed.
// A non-zero exit or timeout is reported in the Capture, not as an error;
// errors mean the agent could not be run at all.
type AgentRunner interface {
	Run(ctx context.Context, req *Request) (*models.Capture, error)
}

// RunnerFunc adapts a function to AgentRunner.
type RunnerFunc func(ctx context.Context, req *Request) (*models.Capture, error)

func (f RunnerFunc) Run(ctx context.Context, req *Request) (*models.Capture, error) {
	return f(ctx, req)
}

// Router picks an AgentRunner per request from Request.Agent: "mock" runs
// MockRunner, "copilot" runs the Copilot SDK, anything else is a command.
type Router struct {
	mock    AgentRunner
	command AgentRunner

	copilotModel string
	copilotOnce  sync.Once
	copilot      *CopilotRunner
}

// NewRouter returns a Router. copilotModel is the fallback model for
// Copilot sessions whose request has none.
func NewRouter(copilotModel string) *Router {
	return &Router{
		mock:         NewMockRunner(),
		command:      NewCommandRunner(),
		copilotModel: copilotModel,
	}
}

func (r *Router) Run(ctx context.Context, req *Request) (*models.Capture, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	switch req.Agent {
	case AgentMock:
		return r.mock.Run(ctx, req)
	case AgentCopilot:
		r.copilotOnce.Do(func() {
			r.copilot = NewCopilotRunner(r.copilotModel, nil)
		})
		return r.copilot.Run(ctx, req)
	case "":
		return nil, fmt.Errorf("no agent configured for %s", req.Scope)
	default:
		return r.command.Run(ctx, req)
	}
}

// Close stops the Copilot client if one was started.
func (r *Router) Close() error {
	if r.copilot == nil {
		return nil
	}
	return r.copilot.Close()
}
