package execution

import (
	"log/slog"
	"strings"
	"sync"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/spboyer/kumite/internal/models"
)

const sessionFailedUnknown = "session failed with unknown error"

// SessionEventsCollector converts Copilot session events into agent events
// as they arrive.
type SessionEventsCollector struct {
	mu            sync.Mutex
	events        []models.Event
	outputParts   []string
	errorMsg      string
	done          chan struct{}
	intentToolIDs map[string]bool
}

func NewSessionEventsCollector() *SessionEventsCollector {
	return &SessionEventsCollector{
		done:          make(chan struct{}),
		intentToolIDs: map[string]bool{},
	}
}

// Events returns a copy of the collected events.
func (coll *SessionEventsCollector) Events() []models.Event {
	coll.mu.Lock()
	defer coll.mu.Unlock()
	return append([]models.Event(nil), coll.events...)
}

// FinalOutput joins the assistant messages.
func (coll *SessionEventsCollector) FinalOutput() string {
	coll.mu.Lock()
	defer coll.mu.Unlock()
	return strings.Join(coll.outputParts, "\n")
}

// ErrorMessage returns the session error message, if any.
func (coll *SessionEventsCollector) ErrorMessage() string {
	coll.mu.Lock()
	defer coll.mu.Unlock()
	return coll.errorMsg
}

// Done is closed when the session goes idle or fails.
func (coll *SessionEventsCollector) Done() <-chan struct{} {
	return coll.done
}

// On is a callback, intended to be passed to [copilot.Session.On].
func (coll *SessionEventsCollector) On(event copilot.SessionEvent) {
	coll.mu.Lock()
	defer coll.mu.Unlock()

	switch event.Type {
	case copilot.AssistantMessage:
		if event.Data.Content != nil && *event.Data.Content != "" {
			coll.outputParts = append(coll.outputParts, *event.Data.Content)
			coll.events = append(coll.events, models.Event{Type: models.EventText, Content: *event.Data.Content})
		}

	case copilot.SkillInvoked:
		if event.Data.Name == nil && event.Data.Path == nil {
			slog.Warn("received SkillInvoked event with no Name or Path")
			return
		}
		coll.events = append(coll.events, models.Event{
			Type:    models.EventSystem,
			Content: "skill invoked: " + deref(event.Data.Name) + " " + deref(event.Data.Path),
		})

	case copilot.ToolExecutionStart:
		id := deref(event.Data.ToolCallID)
		name := deref(event.Data.ToolName)
		if name == "report_intent" {
			// report_intent is always followed by the real tool invocation
			if id != "" {
				coll.intentToolIDs[id] = true
			}
			return
		}
		coll.events = append(coll.events, models.Event{
			Type:       models.EventToolUse,
			ToolName:   name,
			ToolCallID: id,
			Arguments:  event.Data.Arguments,
		})

	case copilot.ToolExecutionComplete:
		id := deref(event.Data.ToolCallID)
		if coll.intentToolIDs[id] {
			delete(coll.intentToolIDs, id)
			return
		}
		evt := models.Event{
			Type:       models.EventToolResult,
			ToolCallID: id,
			IsError:    event.Data.Success != nil && !*event.Data.Success,
		}
		if event.Data.Result != nil {
			evt.Content = deref(event.Data.Result.Content)
		}
		coll.events = append(coll.events, evt)

	case copilot.SessionIdle, copilot.SessionError:
		if event.Type == copilot.SessionError {
			coll.errorMsg = deref(event.Data.Message)
			if coll.errorMsg == "" {
				coll.errorMsg = sessionFailedUnknown
			}
			coll.events = append(coll.events, models.Event{Type: models.EventError, Content: coll.errorMsg, IsError: true})
		}

		select {
		case <-coll.done:
		default:
			close(coll.done)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
