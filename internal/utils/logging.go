package utils

import (
	"context"
	"log/slog"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/spboyer/kumite/internal/models"
)

func SessionToSlog(event copilot.SessionEvent) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{
		"type", event.Type,
	}

	attrs = addIf(attrs, "content", event.Data.Content)
	attrs = addIf(attrs, "deltaContent", event.Data.DeltaContent)
	attrs = addIf(attrs, "toolName", event.Data.ToolName)
	attrs = addIf(attrs, "toolResult", event.Data.Result)
	attrs = addIf(attrs, "toolCallID", event.Data.ToolCallID)
	attrs = addIf(attrs, "reasoningText", event.Data.ReasoningText)

	slog.Debug("Event received", attrs...)
}

// EventToSlog mirrors a captured agent event to the debug log.
func EventToSlog(scope string, event models.Event) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{
		"scope", scope,
		"type", event.Type,
	}

	attrs = addIfNotZero(attrs, "content", event.Content)
	attrs = addIfNotZero(attrs, "toolName", event.ToolName)
	attrs = addIfNotZero(attrs, "toolCallID", event.ToolCallID)
	if event.IsError {
		attrs = append(attrs, "isError", true)
	}

	slog.Debug("Agent event", attrs...)
}

func addIf[T any](attrs []any, name string, v *T) []any {
	if v != nil {
		attrs = append(attrs, name)
		attrs = append(attrs, *v)
	}

	return attrs
}

func addIfNotZero[T comparable](attrs []any, name string, v T) []any {
	var zero T
	if v != zero {
		attrs = append(attrs, name, v)
	}
	return attrs
}
