package models

// ExitCodeTimeout is the exit code recorded when the agent was killed after
// exceeding its timeout.
const ExitCodeTimeout = -1

// Capture holds everything observed from one agent invocation, plus the
// sandbox's final file tree.
type Capture struct {
	Events      []Event           `json:"events,omitempty"`
	ToolCalls   []ToolCall        `json:"tool_calls,omitempty"`
	FinalFiles  map[string]string `json:"final_files,omitempty"`
	FinalOutput string            `json:"final_output,omitempty"`
	ExitCode    int               `json:"exit_code"`
	TimedOut    bool              `json:"timed_out,omitempty"`
	TokensUsed  int               `json:"tokens_used"`
	Cost        float64           `json:"cost"`
	DurationMs  int64             `json:"duration_ms"`
	Stderr      string            `json:"stderr,omitempty"`
}

// ToolNames returns the tool names in call order.
func (c *Capture) ToolNames() []string {
	names := make([]string, 0, len(c.ToolCalls))
	for _, tc := range c.ToolCalls {
		names = append(names, tc.Name)
	}
	return names
}
