package execution

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/spboyer/kumite/internal/models"
)

// streamLine covers both the Claude stream-json records (assistant/user/
// result/system with a nested message) and flat event records shaped like
// models.Event.
type streamLine struct {
	Type         string          `json:"type"`
	Message      *streamMessage  `json:"message"`
	Result       string          `json:"result"`
	IsError      bool            `json:"is_error"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        *streamUsage    `json:"usage"`
	Content      json.RawMessage `json:"content"`
	ToolName     string          `json:"tool_name"`
	ToolCallID   string          `json:"tool_call_id"`
	Arguments    any             `json:"arguments"`
}

type streamMessage struct {
	Content json.RawMessage `json:"content"`
	Usage   *streamUsage    `json:"usage"`
}

type streamBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     any             `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *streamUsage) total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// ParseStream turns an agent's stdout into a Capture. Each line is one JSON
// record; lines that are not JSON objects become text events. Exit code and
// duration are left for the caller.
func ParseStream(data []byte) *models.Capture {
	capture := &models.Capture{}

	var (
		texts         []string
		finalResult   string
		haveResult    bool
		messageTokens int
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec streamLine
		if line[0] != '{' || json.Unmarshal(line, &rec) != nil || rec.Type == "" {
			capture.Events = append(capture.Events, models.Event{Type: models.EventText, Content: string(line)})
			texts = append(texts, string(line))
			continue
		}

		switch rec.Type {
		case "assistant", "user":
			if rec.Message == nil {
				continue
			}
			if rec.Type == "assistant" {
				messageTokens += rec.Message.Usage.total()
			}
			for _, b := range decodeBlocks(rec.Message.Content) {
				switch b.Type {
				case "text":
					if rec.Type == "assistant" && b.Text != "" {
						capture.Events = append(capture.Events, models.Event{Type: models.EventText, Content: b.Text})
						texts = append(texts, b.Text)
					}
				case "tool_use":
					capture.Events = append(capture.Events, models.Event{
						Type:       models.EventToolUse,
						ToolName:   b.Name,
						ToolCallID: b.ID,
						Arguments:  b.Input,
					})
				case "tool_result":
					capture.Events = append(capture.Events, models.Event{
						Type:       models.EventToolResult,
						ToolCallID: b.ToolUseID,
						Content:    rawText(b.Content),
						IsError:    b.IsError,
					})
				}
			}

		case "result":
			haveResult = true
			finalResult = rec.Result
			capture.Cost += rec.TotalCostUSD
			capture.TokensUsed = rec.Usage.total()
			capture.Events = append(capture.Events, models.Event{
				Type:    models.EventResult,
				Content: rec.Result,
				IsError: rec.IsError,
			})

		case "system":
			capture.Events = append(capture.Events, models.Event{Type: models.EventSystem, Content: rawText(rec.Content)})

		default:
			evt := models.Event{
				Type:       models.EventType(rec.Type),
				Content:    rawText(rec.Content),
				ToolName:   rec.ToolName,
				ToolCallID: rec.ToolCallID,
				Arguments:  rec.Arguments,
				IsError:    rec.IsError,
			}
			capture.Events = append(capture.Events, evt)
			if evt.Type == models.EventText {
				texts = append(texts, evt.Content)
			}
		}
	}

	if capture.TokensUsed == 0 {
		capture.TokensUsed = messageTokens
	}
	if haveResult && finalResult != "" {
		capture.FinalOutput = finalResult
	} else {
		capture.FinalOutput = strings.Join(texts, "\n")
	}
	capture.ToolCalls = models.FilterToolCalls(capture.Events)
	return capture
}

// decodeBlocks accepts a content array; a plain string content yields no blocks.
func decodeBlocks(raw json.RawMessage) []streamBlock {
	var blocks []streamBlock
	if len(raw) == 0 || json.Unmarshal(raw, &blocks) != nil {
		return nil
	}
	return blocks
}

// rawText flattens a string or an array of text blocks.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []string
	for _, b := range decodeBlocks(raw) {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
