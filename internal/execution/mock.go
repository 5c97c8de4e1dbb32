package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/spboyer/kumite/internal/models"
)

// MockRunner answers every request without running an agent. It's used by
// the "mock" agent for dry runs of an eval file.
type MockRunner struct{}

func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

func (m *MockRunner) Run(ctx context.Context, req *Request) (*models.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	output := fmt.Sprintf("Mock response for: %s", req.Query)

	events := []models.Event{
		{Type: models.EventText, Content: output},
		{Type: models.EventResult, Content: output},
	}

	return &models.Capture{
		Events:      events,
		FinalOutput: output,
		ToolCalls:   models.FilterToolCalls(events),
		ExitCode:    0,
		DurationMs:  time.Since(start).Milliseconds(),
	}, nil
}
