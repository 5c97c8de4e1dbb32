package graders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spboyer/kumite/internal/utils"
)

const verdictToolName = "set_kumite_verdict"

// CopilotJudge grades with a GitHub Copilot session. The model reports each
// verdict by calling a tool, so no free-text parsing is involved.
type CopilotJudge struct {
	defaultModel string
}

func NewCopilotJudge(defaultModel string) *CopilotJudge {
	return &CopilotJudge{defaultModel: defaultModel}
}

func (j *CopilotJudge) Grade(ctx context.Context, model string, prompt string) ([]Verdict, error) {
	if model == "" {
		model = j.defaultModel
	}

	client := copilot.NewClient(&copilot.ClientOptions{
		AutoStart:       copilot.Bool(true),
		AutoRestart:     copilot.Bool(true),
		UseLoggedInUser: copilot.Bool(true),
		LogLevel:        "error",
	})

	defer func() {
		if err := client.Stop(); err != nil {
			slog.ErrorContext(ctx, "error stopping client for judge", "error", err)
		}
	}()

	collector := &verdictCollector{}

	session, err := client.CreateSession(ctx, &copilot.SessionConfig{
		Model:     model,
		Streaming: true,
		Tools:     []copilot.Tool{collector.tool()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start up copilot session for judging: %w", err)
	}

	session.On(utils.SessionToSlog)

	if _, err := session.SendAndWait(ctx, copilot.MessageOptions{
		Prompt: prompt,
		Mode:   "enqueue",
	}); err != nil {
		return nil, fmt.Errorf("failed to send judge prompt: %w", err)
	}

	return collector.Verdicts(), nil
}

type verdictCollector struct {
	mu       sync.Mutex
	verdicts []Verdict
}

func (c *verdictCollector) Verdicts() []Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Verdict(nil), c.verdicts...)
}

func (c *verdictCollector) tool() copilot.Tool {
	return copilot.Tool{
		Name:        verdictToolName,
		Description: "Records the grade for one criterion or rubric. Call it once per criterion.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Name of the criterion or rubric being graded",
				},
				"score": map[string]any{
					"type":        "number",
					"description": "0 or 1 for a criterion, 0 to 4 for a rubric",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Short justification for the score",
				},
			},
			"required": []string{"name", "score"},
		},
		Handler: func(invocation copilot.ToolInvocation) (copilot.ToolResult, error) {
			var args struct {
				Name   string  `mapstructure:"name"`
				Score  float64 `mapstructure:"score"`
				Reason string  `mapstructure:"reason"`
			}
			if err := mapstructure.WeakDecode(invocation.Arguments, &args); err != nil || args.Name == "" {
				// a malformed call leaves the criterion without a verdict, which fails it
				return copilot.ToolResult{}, nil
			}

			c.mu.Lock()
			c.verdicts = append(c.verdicts, Verdict{Name: args.Name, Score: args.Score, Reason: args.Reason})
			c.mu.Unlock()
			return copilot.ToolResult{}, nil
		},
	}
}
