package transcript

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/utils"
	"github.com/zeebo/blake3"
)

// TrialTranscript is the on-disk record of one trial's agent session.
type TrialTranscript struct {
	ExampleID   string            `json:"example_id"`
	Variant     string            `json:"variant"`
	TrialNumber int               `json:"trial_number"`
	Query       string            `json:"query"`
	Passed      bool              `json:"passed"`
	ExitCode    int               `json:"exit_code"`
	TimedOut    bool              `json:"timed_out,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	FinalOutput string            `json:"final_output,omitempty"`
	Events      []models.Event    `json:"events"`
	ToolCalls   []models.ToolCall `json:"tool_calls,omitempty"`
	Feedback    []models.Feedback `json:"feedback,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	WrittenAt   time.Time         `json:"written_at"`
}

// New builds a transcript from a completed trial.
func New(example models.Example, variant string, trial *models.TrialResult) *TrialTranscript {
	return &TrialTranscript{
		ExampleID:   example.ID,
		Variant:     variant,
		TrialNumber: trial.TrialNumber,
		Query:       example.Query,
		Passed:      trial.Passed,
		ExitCode:    trial.Outputs.ExitCode,
		TimedOut:    trial.Outputs.TimedOut,
		DurationMs:  trial.Outputs.DurationMs,
		FinalOutput: trial.Outputs.FinalOutput,
		Events:      trial.Outputs.Events,
		ToolCalls:   trial.Outputs.ToolCalls,
		Feedback:    trial.Feedback,
		Stderr:      trial.Outputs.Stderr,
		WrittenAt:   time.Now().UTC(),
	}
}

// Path returns <dir>/<example>/<variant>/trial-<n>.json.
func Path(dir, exampleID, variant string, trialNumber int) string {
	return filepath.Join(dir,
		pathSegment(exampleID),
		pathSegment(variant),
		fmt.Sprintf("trial-%d.json", trialNumber))
}

// pathSegment is the sanitized name, suffixed with a short hash of the raw
// name whenever sanitizing changed it, so distinct names such as "a/b" and
// "a_b" never share a directory.
func pathSegment(name string) string {
	s := utils.SanitizeName(name)
	if s == name {
		return s
	}
	sum := blake3.Sum256([]byte(name))
	return s + "-" + hex.EncodeToString(sum[:4])
}

// Write serializes t under dir and returns the file path.
func Write(dir string, t *TrialTranscript) (string, error) {
	path := Path(dir, t.ExampleID, t.Variant, t.TrialNumber)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}

	return path, nil
}

// Read loads a transcript written by Write.
func Read(path string) (*TrialTranscript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	var t TrialTranscript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", path, err)
	}
	return &t, nil
}
