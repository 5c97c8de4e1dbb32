package graders

import (
	"context"

	"github.com/spboyer/kumite/internal/models"
	"github.com/spf13/afero"
)

// RunCodeGrader checks each assertion against the sandbox, the tool calls and
// the exit code, returning one Feedback per assertion in order. Failed checks
// are feedback, not errors; an error means an assertion is malformed.
// Sandbox files are read through fs; nil means the OS filesystem.
func RunCodeGrader(ctx context.Context, fs afero.Fs, assertions []Assertion, sandboxPath string, toolCalls []models.ToolCall, exitCode int) ([]models.Feedback, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	in := &codeInput{
		fs:          fs,
		sandboxPath: sandboxPath,
		toolCalls:   toolCalls,
		exitCode:    exitCode,
	}

	feedback := make([]models.Feedback, 0, len(assertions))
	for _, a := range assertions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := validateAssertion(a); err != nil {
			return nil, err
		}
		passed, comment := assertionRegistry[a.Kind].check(a, in)
		feedback = append(feedback, models.PassFail(a.Key(), passed, a.Weight, comment))
	}
	return feedback, nil
}
