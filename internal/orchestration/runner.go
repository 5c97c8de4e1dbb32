package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spboyer/kumite/internal/cache"
	"github.com/spboyer/kumite/internal/config"
	"github.com/spboyer/kumite/internal/dataset"
	"github.com/spboyer/kumite/internal/execution"
	"github.com/spboyer/kumite/internal/graders"
	"github.com/spboyer/kumite/internal/hooks"
	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/sandbox"
	"github.com/spf13/afero"
)

// Runner runs an eval file: every selected variant, one at a time, over
// every selected example.
type Runner struct {
	cfg   *config.EvalConfig
	agent execution.AgentRunner

	sandboxes sandbox.Provider
	// fs is where sandbox snapshots are read from
	fs afero.Fs

	judge graders.Judge

	// Result caching
	cache *cache.Cache

	exampleFilters []string
	variants       []string
	// rangeStart is 0 when no range is set
	rangeStart, rangeEnd int

	hookRunner *hooks.Runner
	datasets   *dataset.Loader
	now        func() time.Time

	// Progress tracking
	progressMu sync.Mutex
	listeners  []ProgressListener
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSandboxProvider replaces the default temp-dir sandboxes. A provider
// with an `Fs() afero.Fs` method is snapshotted through that filesystem.
func WithSandboxProvider(p sandbox.Provider) RunnerOption {
	return func(r *Runner) {
		r.sandboxes = p
		if withFs, ok := p.(interface{ Fs() afero.Fs }); ok {
			r.fs = withFs.Fs()
		}
	}
}

// WithJudge sets the backend for judge evaluators. Without one, judged
// criteria fail with an explanatory comment.
func WithJudge(j graders.Judge) RunnerOption {
	return func(r *Runner) {
		r.judge = j
	}
}

// WithCache enables result caching
func WithCache(c *cache.Cache) RunnerOption {
	return func(r *Runner) {
		r.cache = c
	}
}

// WithExampleFilters sets glob patterns matched against example ids.
func WithExampleFilters(patterns ...string) RunnerOption {
	return func(r *Runner) {
		r.exampleFilters = patterns
	}
}

// WithVariants restricts the run to the named variants, in the given order.
func WithVariants(names ...string) RunnerOption {
	return func(r *Runner) {
		r.variants = names
	}
}

// WithExampleRange keeps examples start..end (1-based, inclusive) of the
// filtered list.
func WithExampleRange(start, end int) RunnerOption {
	return func(r *Runner) {
		r.rangeStart, r.rangeEnd = start, end
	}
}

// WithDatasetFs reads dataset files from fs.
func WithDatasetFs(fs afero.Fs) RunnerOption {
	return func(r *Runner) {
		r.datasets = dataset.NewLoader(fs)
	}
}

// NewRunner creates a Runner for cfg that runs agents with agent.
func NewRunner(cfg *config.EvalConfig, agent execution.AgentRunner, opts ...RunnerOption) *Runner {
	provider := sandbox.NewTempDirProvider()
	r := &Runner{
		cfg:        cfg,
		agent:      agent,
		sandboxes:  provider,
		fs:         provider.Fs(),
		hookRunner: &hooks.Runner{},
		datasets:   dataset.NewLoader(nil),
		now:        time.Now,
		listeners:  []ProgressListener{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes every selected variant in order and returns one Experiment
// per variant. When a variant aborts, the experiments of the variants
// before it are returned with the error.
func (r *Runner) Run(ctx context.Context) ([]*models.Experiment, error) {
	spec := r.cfg.Spec()

	variants, err := r.selectVariants()
	if err != nil {
		return nil, err
	}

	examples, err := r.LoadExamples()
	if err != nil {
		return nil, err
	}

	if err := graders.ValidateEvaluators(spec.Evaluators); err != nil {
		return nil, err
	}
	for _, ex := range examples {
		if err := graders.ValidateEvaluators(ex.Evaluators); err != nil {
			return nil, fmt.Errorf("example %q: %w", ex.ID, err)
		}
	}

	// after_run hooks run even when the run fails
	defer func() {
		if err := r.hookRunner.Execute(ctx, hooks.AfterRun, spec.Hooks.AfterRun); err != nil {
			slog.Warn("after_run hook failed", "error", err)
		}
	}()
	if err := r.hookRunner.Execute(ctx, hooks.BeforeRun, spec.Hooks.BeforeRun); err != nil {
		return nil, fmt.Errorf("before_run hook failed: %w", err)
	}

	startTime := r.now()
	r.notifyProgress(ProgressEvent{
		EventType:     EventRunStart,
		TotalExamples: len(examples),
		Details:       map[string]any{"variants": len(variants)},
	})

	experiments := make([]*models.Experiment, 0, len(variants))
	for _, v := range variants {
		exp, err := r.RunVariant(ctx, v, examples)
		if err != nil {
			return experiments, fmt.Errorf("variant %q: %w", v.Name, err)
		}
		experiments = append(experiments, exp)
	}

	r.notifyProgress(ProgressEvent{
		EventType:  EventRunComplete,
		DurationMs: r.now().Sub(startTime).Milliseconds(),
	})
	return experiments, nil
}

// RunVariant runs examples under one variant and summarizes them.
func (r *Runner) RunVariant(ctx context.Context, variant models.VariantConfig, examples []models.Example) (*models.Experiment, error) {
	spec := r.cfg.Spec()
	v := &variantRun{
		Runner:  r,
		spec:    spec,
		variant: variant,
		run:     spec.Config,
		total:   len(examples),
	}

	slog.Debug("running variant", "variant", variant.Name, "examples", len(examples),
		"trials", v.run.Trials, "parallel", v.run.RunsParallel())

	startTime := r.now()
	r.notifyProgress(ProgressEvent{
		EventType:     EventVariantStart,
		Variant:       variant.Name,
		TotalExamples: len(examples),
		TotalTrials:   v.run.Trials,
	})

	results, err := v.runExamples(ctx, examples)
	if err != nil {
		return nil, err
	}

	exp := &models.Experiment{
		ID:        uuid.NewString(),
		EvalName:  spec.Name,
		Variant:   variant.Name,
		Timestamp: startTime.UTC(),
		Config: models.ExperimentConfig{
			Run:     v.run,
			Variant: variant,
		},
		Results: results,
		Summary: Summarize(results, v.run.ScoreMode),
	}

	r.notifyProgress(ProgressEvent{
		EventType:     EventVariantComplete,
		Variant:       variant.Name,
		TotalExamples: len(examples),
		DurationMs:    r.now().Sub(startTime).Milliseconds(),
		Details: map[string]any{
			"pass_rate": exp.Summary.PassRate,
			"passed":    exp.Summary.Passed,
		},
	})
	return exp, nil
}

// LoadExamples returns the dataset file's examples followed by the inline
// ones, narrowed by the example filters.
func (r *Runner) LoadExamples() ([]models.Example, error) {
	spec := r.cfg.Spec()

	var examples []models.Example
	if path := r.cfg.DatasetPath(); path != "" {
		loaded, err := r.datasets.Load(path)
		if err != nil {
			return nil, err
		}
		examples = append(examples, loaded...)
	}
	examples = append(examples, spec.Examples...)

	seen := make(map[string]bool, len(examples))
	for _, ex := range examples {
		if seen[ex.ID] {
			return nil, fmt.Errorf("duplicate example id %q", ex.ID)
		}
		seen[ex.ID] = true
	}

	filtered, err := dataset.Filter(examples, r.exampleFilters)
	if err != nil {
		return nil, err
	}
	if len(r.exampleFilters) > 0 {
		slog.Info("example filters applied", "patterns", r.exampleFilters, "matched", len(filtered), "total", len(examples))
	}
	if r.rangeStart > 0 {
		return dataset.Range(filtered, r.rangeStart, r.rangeEnd)
	}
	return filtered, nil
}

func (r *Runner) selectVariants() ([]models.VariantConfig, error) {
	spec := r.cfg.Spec()
	if len(r.variants) == 0 {
		return spec.Variants, nil
	}

	selected := make([]models.VariantConfig, 0, len(r.variants))
	for _, name := range r.variants {
		v, ok := spec.Variant(name)
		if !ok {
			return nil, fmt.Errorf("unknown variant %q", name)
		}
		selected = append(selected, v)
	}
	return selected, nil
}
