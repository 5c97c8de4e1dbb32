package models

// EventType identifies the kind of an agent event.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"
	EventSystem     EventType = "system"
)

// Event is one entry of the agent's captured event stream.
type Event struct {
	Type       EventType `json:"type"`
	Content    string    `json:"content,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Arguments  any       `json:"arguments,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
}

// ToolCall represents a tool invocation
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	Success   bool   `json:"success"`
}

// FilterToolCalls goes through the list of events and correlates tool starts
// with their results. Tool uses without an ID are kept, and are considered
// successful unless a result says otherwise.
func FilterToolCalls(events []Event) []ToolCall {
	toolCallsMap := map[string]*ToolCall{}
	var order []*ToolCall // preserve the start order of the events.

	for _, evt := range events {
		switch evt.Type {
		case EventToolUse:
			if evt.ToolName == "" {
				continue
			}
			tc := &ToolCall{
				ID:        evt.ToolCallID,
				Name:      evt.ToolName,
				Arguments: evt.Arguments,
				Success:   true,
			}
			if evt.ToolCallID != "" {
				toolCallsMap[evt.ToolCallID] = tc
			}
			order = append(order, tc)
		case EventToolResult:
			if evt.ToolCallID == "" {
				continue
			}
			tc := toolCallsMap[evt.ToolCallID]
			if tc == nil {
				continue
			}
			tc.Success = !evt.IsError
			tc.Result = evt.Content
		}
	}

	toolCalls := make([]ToolCall, 0, len(order))
	for _, tc := range order {
		toolCalls = append(toolCalls, *tc)
	}
	return toolCalls
}
