package models

import (
	"time"

	"github.com/spboyer/kumite/internal/metrics"
)

// Experiment is the complete result of running one eval file under one variant.
// It is the artifact other tooling (comparison, dashboards) reads.
type Experiment struct {
	ID        string            `json:"id"`
	EvalName  string            `json:"eval_name"`
	Variant   string            `json:"variant"`
	Timestamp time.Time         `json:"timestamp"`
	Config    ExperimentConfig  `json:"config"`
	Results   []ExampleResult   `json:"results"`
	Summary   ExperimentSummary `json:"summary"`
}

// ExperimentConfig records the configuration an experiment ran with.
type ExperimentConfig struct {
	Run     RunConfig     `json:"run"`
	Variant VariantConfig `json:"variant"`
}

// ExperimentSummary holds statistics over all ExampleResults of one experiment.
type ExperimentSummary struct {
	TotalExamples   int           `json:"total_examples"`
	Passed          int           `json:"passed"`
	Failed          int           `json:"failed"`
	PassRate        float64       `json:"pass_rate"`
	AvgScore        float64       `json:"avg_score"`
	TotalTokens     int           `json:"total_tokens"`
	TotalCost       float64       `json:"total_cost"`
	TotalDurationMs int64         `json:"total_duration_ms"`
	TrialMetrics    *TrialMetrics `json:"trial_metrics,omitempty"`
}

// TrialMetrics is present when at least one example ran more than one trial.
type TrialMetrics struct {
	TrialsPerExample     int     `json:"trials_per_example"`
	PassAtK              float64 `json:"pass_at_k"`
	PassAllK             float64 `json:"pass_all_k"`
	AvgTrialPassRate     float64 `json:"avg_trial_pass_rate"`
	PassRateStdDev       float64 `json:"pass_rate_std_dev"`
	InconsistentExamples int     `json:"inconsistent_examples"`
	ConsistencyRate      float64 `json:"consistency_rate"`
}

// ExampleResult is the resolved outcome of one example across all its trials.
type ExampleResult struct {
	ExampleID    string        `json:"example_id"`
	Inputs       Example       `json:"inputs"`
	Trials       []TrialResult `json:"trials"`
	Outputs      Capture       `json:"outputs"`
	Feedback     []Feedback    `json:"feedback"`
	Passed       bool          `json:"passed"`
	TrialsPassed int           `json:"trials_passed"`
	TrialsTotal  int           `json:"trials_total"`
}

// Tally is the example's trial counts.
func (r *ExampleResult) Tally() metrics.Tally {
	return metrics.Tally{Passed: r.TrialsPassed, Total: r.TrialsTotal}
}

// TrialPassRate is trials_passed / trials_total, or 0 when no trials ran.
func (r *ExampleResult) TrialPassRate() float64 { return r.Tally().PassRate() }

// Inconsistent reports whether some, but not all, trials passed.
func (r *ExampleResult) Inconsistent() bool { return r.Tally().Inconsistent() }

// TrialResult is the outcome of one execution attempt of one example.
type TrialResult struct {
	TrialNumber    int        `json:"trial_number"`
	Outputs        Capture    `json:"outputs"`
	Feedback       []Feedback `json:"feedback"`
	Passed         bool       `json:"passed"`
	TranscriptPath string     `json:"transcript_path,omitempty"`
}
