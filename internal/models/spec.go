package models

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spboyer/kumite/internal/hooks"
	"gopkg.in/yaml.v3"
)

// EvalSpec is one eval file: the dataset, the variants to compare, and how
// to grade and schedule the runs.
type EvalSpec struct {
	Name        string            `yaml:"name" json:"name" validate:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Dataset     string            `yaml:"dataset,omitempty" json:"dataset,omitempty"`
	Examples    []Example         `yaml:"examples,omitempty" json:"examples,omitempty"`
	Setup       SetupConfig       `yaml:"setup,omitempty" json:"setup,omitempty"`
	Variants    []VariantConfig   `yaml:"variants" json:"variants" validate:"required,min=1,dive"`
	Evaluators  []EvaluatorConfig `yaml:"evaluators,omitempty" json:"evaluators,omitempty" validate:"dive"`
	Config      RunConfig         `yaml:"config,omitempty" json:"config"`
	Hooks       hooks.HooksConfig `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// VCS selects how a sandbox is initialised as a repository.
type VCS string

const (
	VCSNone VCS = "none"
	VCSGit  VCS = "git"
	VCSJJ   VCS = "jj"
)

// SetupConfig describes the sandbox every trial starts from.
type SetupConfig struct {
	Files    map[string]string `yaml:"files,omitempty" json:"files,omitempty"`
	Fixtures string            `yaml:"fixtures,omitempty" json:"fixtures,omitempty"`
	VCS      VCS               `yaml:"vcs,omitempty" json:"vcs,omitempty" validate:"omitempty,oneof=none git jj"`
}

// VariantConfig is one configuration of the agent under test.
type VariantConfig struct {
	Name      string            `yaml:"name" json:"name" validate:"required"`
	Model     string            `yaml:"model,omitempty" json:"model,omitempty"`
	Agent     string            `yaml:"agent,omitempty" json:"agent,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Files     map[string]string `yaml:"files,omitempty" json:"files,omitempty"`
	TimeoutMs int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty" validate:"gte=0"`
}

// EvaluatorKind tags an evaluator entry.
type EvaluatorKind string

const (
	EvaluatorCode  EvaluatorKind = "code"
	EvaluatorJudge EvaluatorKind = "judge"

	// EvaluatorLLMJudge is the old name of EvaluatorJudge. It is rewritten
	// when a spec is normalized.
	EvaluatorLLMJudge EvaluatorKind = "llm_judge"
)

// EvaluatorConfig is one grading step. Config holds the kind-specific payload
// (assertions for code evaluators; criteria or rubric for judges).
type EvaluatorConfig struct {
	Kind   EvaluatorKind  `yaml:"type" json:"type" validate:"required,oneof=code judge llm_judge"`
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Weight float64        `yaml:"weight,omitempty" json:"weight,omitempty" validate:"gte=0"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// PassCriterion decides how trial outcomes fold into an example verdict.
type PassCriterion string

const (
	// PassAny passes an example when at least one trial passed (pass@k).
	PassAny PassCriterion = "any"
	// PassAll passes an example only when every trial passed (pass^k).
	PassAll PassCriterion = "all"
)

// ErrorPolicy decides what happens when an example fails to run.
type ErrorPolicy string

const (
	ErrorPolicyContinue ErrorPolicy = "continue"
	ErrorPolicyAbort    ErrorPolicy = "abort"
	ErrorPolicyRetry    ErrorPolicy = "retry"
)

// EmptyEvaluatorsPolicy decides the verdict of a trial that has no feedback.
type EmptyEvaluatorsPolicy string

const (
	EmptyEvaluatorsPass EmptyEvaluatorsPolicy = "pass"
	EmptyEvaluatorsFail EmptyEvaluatorsPolicy = "fail"
)

// ScoreMode selects which score avg_score averages.
type ScoreMode string

const (
	ScoreModeNormalized ScoreMode = "normalized"
	ScoreModeRaw        ScoreMode = "raw"
)

// Run config defaults.
const (
	DefaultTrials        = 1
	DefaultMaxExamples   = 4
	DefaultMaxTrials     = 2
	DefaultStaggerMs     = 100
	DefaultTranscriptDir = ".evals/transcripts"
	DefaultTimeoutMs     = 120000
)

// RunConfig controls scheduling and grading for a run.
type RunConfig struct {
	Trials          int                   `yaml:"trials,omitempty" json:"trials" validate:"gte=1"`
	PassCriteria    PassCriterion         `yaml:"pass_criteria,omitempty" json:"pass_criteria" validate:"oneof=any all"`
	// Parallel is nil when the eval file leaves it unset.
	Parallel        *bool                 `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	MaxExamples     int                   `yaml:"max_examples,omitempty" json:"max_examples" validate:"gte=1"`
	MaxTrials       int                   `yaml:"max_trials,omitempty" json:"max_trials" validate:"gte=1"`
	StaggerMs       int                   `yaml:"stagger_ms,omitempty" json:"stagger_ms"`
	Transcripts     bool                  `yaml:"transcripts,omitempty" json:"transcripts"`
	TranscriptDir   string                `yaml:"transcript_dir,omitempty" json:"transcript_dir,omitempty"`
	TimeoutMs       int                   `yaml:"timeout_ms,omitempty" json:"timeout_ms" validate:"gte=1"`
	ErrorPolicy     ErrorPolicy           `yaml:"error_policy,omitempty" json:"error_policy" validate:"oneof=continue abort retry"`
	EmptyEvaluators EmptyEvaluatorsPolicy `yaml:"empty_evaluators,omitempty" json:"empty_evaluators" validate:"oneof=pass fail"`
	ScoreMode       ScoreMode             `yaml:"score_mode,omitempty" json:"score_mode" validate:"oneof=normalized raw"`
}

// RunsParallel reports whether examples and trials run in worker pools.
func (c RunConfig) RunsParallel() bool {
	return c.Parallel != nil && *c.Parallel
}

// DefaultRunConfig returns a RunConfig with every default filled in.
func DefaultRunConfig() RunConfig {
	var c RunConfig
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with their defaults.
// A negative StaggerMs disables the stagger delay.
func (c *RunConfig) ApplyDefaults() {
	if c.Trials == 0 {
		c.Trials = DefaultTrials
	}
	if c.PassCriteria == "" {
		c.PassCriteria = PassAny
	}
	if c.MaxExamples == 0 {
		c.MaxExamples = DefaultMaxExamples
	}
	if c.MaxTrials == 0 {
		c.MaxTrials = DefaultMaxTrials
	}
	if c.StaggerMs == 0 {
		c.StaggerMs = DefaultStaggerMs
	}
	if c.TranscriptDir == "" {
		c.TranscriptDir = DefaultTranscriptDir
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.ErrorPolicy == "" {
		c.ErrorPolicy = ErrorPolicyContinue
	}
	if c.EmptyEvaluators == "" {
		c.EmptyEvaluators = EmptyEvaluatorsPass
	}
	if c.ScoreMode == "" {
		c.ScoreMode = ScoreModeNormalized
	}
}

// Validate checks the struct tags on the run config.
func (c *RunConfig) Validate() error {
	return validateStruct(c)
}

// Stagger returns the stagger delay in milliseconds, never negative.
func (c *RunConfig) Stagger() int {
	return max(c.StaggerMs, 0)
}

var validate = validator.New()

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value: %v)", e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// LoadEvalSpec reads an eval file, runs each prepare func on it, fills run
// config defaults and validates it. Deprecation warnings are logged here,
// once per load.
func LoadEvalSpec(path string, prepare ...func(*EvalSpec)) (*EvalSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	spec, err := ParseEvalSpec(data, prepare...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// ParseEvalSpec is LoadEvalSpec on an in-memory document.
func ParseEvalSpec(data []byte, prepare ...func(*EvalSpec)) (*EvalSpec, error) {
	var spec EvalSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	for _, fn := range prepare {
		fn(&spec)
	}
	spec.Config.ApplyDefaults()

	warnings, err := spec.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		slog.Warn(w, "eval", spec.Name)
	}
	return &spec, nil
}

// Validate checks the spec and rewrites deprecated evaluator names in place.
// The returned warnings describe each rewrite.
func (s *EvalSpec) Validate() ([]string, error) {
	if err := validateStruct(s); err != nil {
		return nil, err
	}
	for _, ex := range s.Examples {
		if err := validateStruct(ex); err != nil {
			return nil, fmt.Errorf("example %q: %w", ex.ID, err)
		}
	}

	seen := map[string]bool{}
	for _, v := range s.Variants {
		if seen[v.Name] {
			return nil, fmt.Errorf("duplicate variant %q", v.Name)
		}
		seen[v.Name] = true
	}

	var warnings []string
	warnings = append(warnings, normalizeEvaluators(s.Evaluators, "eval")...)
	for i := range s.Examples {
		warnings = append(warnings, normalizeEvaluators(s.Examples[i].Evaluators, "example "+s.Examples[i].ID)...)
	}
	return warnings, nil
}

// Variant returns the named variant.
func (s *EvalSpec) Variant(name string) (VariantConfig, bool) {
	for _, v := range s.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return VariantConfig{}, false
}

func normalizeEvaluators(evals []EvaluatorConfig, scope string) []string {
	var warnings []string
	for i := range evals {
		if evals[i].Kind == EvaluatorLLMJudge {
			evals[i].Kind = EvaluatorJudge
			warnings = append(warnings, fmt.Sprintf("%s: evaluator type %q is deprecated, use %q", scope, EvaluatorLLMJudge, EvaluatorJudge))
		}
	}
	return warnings
}
