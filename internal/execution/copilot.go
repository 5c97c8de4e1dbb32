package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/utils"
)

// CopilotRunner runs trials as GitHub Copilot SDK sessions, one session per
// request, rooted in the request's sandbox.
type CopilotRunner struct {
	defaultModelID string

	client copilotClient

	startOnce sync.Once
	startErr  error
}

type CopilotRunnerOptions struct {
	NewCopilotClient func(clientOptions *copilot.ClientOptions) copilotClient
}

// NewCopilotRunner creates a CopilotRunner.
//   - defaultModelID - used if the request has no model. Can be blank, which means the copilot
//     CLI will choose its own fallback model.
func NewCopilotRunner(defaultModelID string, options *CopilotRunnerOptions) *CopilotRunner {
	copilotOptions := &copilot.ClientOptions{
		// the working directory is set per session
		LogLevel:  "error",
		AutoStart: copilot.Bool(false),
	}

	var client copilotClient
	if options == nil || options.NewCopilotClient == nil {
		client = newCopilotClient(copilotOptions)
	} else {
		client = options.NewCopilotClient(copilotOptions)
	}

	return &CopilotRunner{
		defaultModelID: defaultModelID,
		client:         client,
	}
}

func (r *CopilotRunner) Run(ctx context.Context, req *Request) (*models.Capture, error) {
	if req == nil {
		return nil, fmt.Errorf("nil req was passed to CopilotRunner.Run")
	}
	if req.Timeout <= 0 {
		return nil, fmt.Errorf("positive Timeout is required")
	}

	r.startOnce.Do(func() {
		// copilot's AutoStart misbehaves when started from several goroutines
		r.startErr = r.client.Start(ctx)
	})
	if r.startErr != nil {
		return nil, fmt.Errorf("copilot failed to start: %w", r.startErr)
	}

	modelID := r.defaultModelID
	if req.Model != "" {
		modelID = req.Model
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := time.Now()

	session, err := r.client.CreateSession(runCtx, &copilot.SessionConfig{
		Model:               modelID,
		OnPermissionRequest: allowAllTools,
		WorkingDirectory:    req.SandboxPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	collector := NewSessionEventsCollector()

	unsubscribe := session.On(collector.On)
	defer unsubscribe()

	unsubscribe = session.On(utils.SessionToSlog)
	defer unsubscribe()

	_, err = session.SendAndWait(runCtx, copilot.MessageOptions{
		Prompt: req.Query,
	})

	events := collector.Events()
	capture := &models.Capture{
		Events:      events,
		ToolCalls:   models.FilterToolCalls(events),
		FinalOutput: collector.FinalOutput(),
		DurationMs:  time.Since(start).Milliseconds(),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		capture.ExitCode = models.ExitCodeTimeout
		capture.TimedOut = true
		slog.Warn("copilot session timed out", "scope", req.Scope, "session", session.SessionID())
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		// inline conversation errors also come back here
		capture.ExitCode = 1
		capture.Stderr = err.Error()
	case collector.ErrorMessage() != "":
		capture.ExitCode = 1
		capture.Stderr = collector.ErrorMessage()
	}

	return capture, nil
}

// Close stops the Copilot client.
func (r *CopilotRunner) Close() error {
	if err := r.client.Stop(); err != nil {
		slog.Info("failed to stop client", "error", err)
		return err
	}
	return nil
}

func allowAllTools(request copilot.PermissionRequest, invocation copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
	// value for 'Kind' came from the permissions_test.go in the Copilot SDK.
	return copilot.PermissionRequestResult{Kind: "approved"}, nil
}
