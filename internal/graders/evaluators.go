package graders

import (
	"context"
	"fmt"

	"github.com/spboyer/kumite/internal/models"
	"github.com/spf13/afero"
)

// Input is everything an evaluator may look at for one trial.
type Input struct {
	Query       string
	SandboxPath string
	// Fs holds the sandbox; nil means the OS filesystem
	Fs          afero.Fs
	Capture     *models.Capture
	Reference   map[string]any
}

type evaluatorSpec struct {
	validate func(cfg models.EvaluatorConfig) error
	run      func(ctx context.Context, judge Judge, cfg models.EvaluatorConfig, in *Input) ([]models.Feedback, error)
}

var evaluatorRegistry = map[models.EvaluatorKind]evaluatorSpec{
	models.EvaluatorCode:     {validate: validateCode, run: runCode},
	models.EvaluatorJudge:    {validate: validateJudge, run: runJudge},
	models.EvaluatorLLMJudge: {validate: validateJudge, run: runJudge},
}

// ValidateEvaluators decodes every evaluator config without running it, so a
// malformed eval file fails before any agent is started.
func ValidateEvaluators(configs []models.EvaluatorConfig) error {
	for i, cfg := range configs {
		spec, ok := evaluatorRegistry[cfg.Kind]
		if !ok {
			return fmt.Errorf("evaluator %d: unknown type %q", i, cfg.Kind)
		}
		if err := spec.validate(cfg); err != nil {
			return fmt.Errorf("evaluator %d (%s): %w", i, evaluatorName(cfg), err)
		}
	}
	return nil
}

// RunEvaluators runs configs in order and concatenates their feedback.
func RunEvaluators(ctx context.Context, judge Judge, configs []models.EvaluatorConfig, in *Input) ([]models.Feedback, error) {
	var feedback []models.Feedback
	for _, cfg := range configs {
		spec, ok := evaluatorRegistry[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown evaluator type %q", cfg.Kind)
		}
		fb, err := spec.run(ctx, judge, cfg, in)
		if err != nil {
			return nil, fmt.Errorf("evaluator %s: %w", evaluatorName(cfg), err)
		}
		feedback = append(feedback, fb...)
	}
	return feedback, nil
}

func validateCode(cfg models.EvaluatorConfig) error {
	_, err := DecodeAssertions(cfg.Config)
	return err
}

func validateJudge(cfg models.EvaluatorConfig) error {
	_, err := DecodeJudgeSpec(cfg.Config)
	return err
}

func runCode(ctx context.Context, _ Judge, cfg models.EvaluatorConfig, in *Input) ([]models.Feedback, error) {
	assertions, err := DecodeAssertions(cfg.Config)
	if err != nil {
		return nil, err
	}
	for i := range assertions {
		if assertions[i].Weight <= 0 {
			assertions[i].Weight = cfg.Weight
		}
	}

	var toolCalls []models.ToolCall
	exitCode := 0
	if in.Capture != nil {
		toolCalls = in.Capture.ToolCalls
		exitCode = in.Capture.ExitCode
	}
	return RunCodeGrader(ctx, in.Fs, assertions, in.SandboxPath, toolCalls, exitCode)
}

func runJudge(ctx context.Context, judge Judge, cfg models.EvaluatorConfig, in *Input) ([]models.Feedback, error) {
	spec, err := DecodeJudgeSpec(cfg.Config)
	if err != nil {
		return nil, err
	}
	for i := range spec.Criteria {
		if spec.Criteria[i].Weight <= 0 {
			spec.Criteria[i].Weight = cfg.Weight
		}
	}
	if spec.Rubric != nil && spec.Rubric.Weight <= 0 {
		spec.Rubric.Weight = cfg.Weight
	}

	var (
		toolCalls []models.ToolCall
		files     map[string]string
	)
	if in.Capture != nil {
		toolCalls = in.Capture.ToolCalls
		files = in.Capture.FinalFiles
	}
	return RunJudgeGrader(ctx, judge, spec, in.Query, toolCalls, files, in.Reference), nil
}

func evaluatorName(cfg models.EvaluatorConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return string(cfg.Kind)
}
