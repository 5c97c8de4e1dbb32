package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spboyer/kumite/internal/cache"
	"github.com/spboyer/kumite/internal/hooks"
	"github.com/spboyer/kumite/internal/models"
)

// ErrAborted wraps the example error that stopped a run under the abort
// error policy.
var ErrAborted = errors.New("run aborted")

// runExamples returns one ExampleResult per example in input order. Examples
// run in a pool of max_examples workers when the run is parallel.
func (v *variantRun) runExamples(ctx context.Context, examples []models.Example) ([]models.ExampleResult, error) {
	opts := poolOptions{width: 1, stagger: time.Duration(v.run.Stagger()) * time.Millisecond}
	if v.run.RunsParallel() {
		opts.width = v.run.MaxExamples
	}
	return runPool(ctx, examples, opts, v.runExample)
}

// runExample applies the error policy around one example. Only abort
// returns an error; otherwise a failure becomes a FailedExample result.
func (v *variantRun) runExample(ctx context.Context, index int, example models.Example) (models.ExampleResult, error) {
	num := index + 1
	v.notifyProgress(ProgressEvent{
		EventType:     EventExampleStart,
		Variant:       v.variant.Name,
		ExampleID:     example.ID,
		ExampleNum:    num,
		TotalExamples: v.total,
		TotalTrials:   v.run.Trials,
	})

	start := time.Now()
	result, cached, err := v.runExampleCached(ctx, example, num)
	if err != nil && v.run.ErrorPolicy == models.ErrorPolicyRetry {
		slog.Warn("example failed, retrying once", "example", example.ID, "variant", v.variant.Name, "error", err)
		result, cached, err = v.runExampleCached(ctx, example, num)
	}

	if err != nil {
		v.notifyProgress(ProgressEvent{
			EventType:     EventExampleError,
			Variant:       v.variant.Name,
			ExampleID:     example.ID,
			ExampleNum:    num,
			TotalExamples: v.total,
			DurationMs:    time.Since(start).Milliseconds(),
			Error:         err,
		})
		if v.run.ErrorPolicy == models.ErrorPolicyAbort {
			return models.ExampleResult{}, fmt.Errorf("%w: example %q: %w", ErrAborted, example.ID, err)
		}
		slog.Error("example failed", "example", example.ID, "variant", v.variant.Name, "error", err)
		return FailedExample(example, err), nil
	}

	eventType := EventExampleComplete
	if cached {
		eventType = EventExampleCached
	}
	v.notifyProgress(ProgressEvent{
		EventType:     eventType,
		Variant:       v.variant.Name,
		ExampleID:     example.ID,
		ExampleNum:    num,
		TotalExamples: v.total,
		TotalTrials:   result.TrialsTotal,
		Passed:        result.Passed,
		DurationMs:    time.Since(start).Milliseconds(),
		Details: map[string]any{
			"trials_passed": result.TrialsPassed,
			"trials_total":  result.TrialsTotal,
		},
	})
	return result, nil
}

// runExampleCached serves the example from the cache when possible and
// stores fresh results in it. Results holding a trial that could not be run
// are not stored.
func (v *variantRun) runExampleCached(ctx context.Context, example models.Example, num int) (models.ExampleResult, bool, error) {
	if v.cache == nil {
		res, _, err := v.attemptExample(ctx, example, num)
		return res, false, err
	}

	key, err := cache.CacheKey(v.spec, v.variant, example, v.cfg.FixtureDir())
	if err != nil {
		slog.Warn("failed to compute cache key", "example", example.ID, "error", err)
		res, _, err := v.attemptExample(ctx, example, num)
		return res, false, err
	}
	if cached, found := v.cache.Get(key); found {
		return *cached, true, nil
	}

	res, errored, err := v.attemptExample(ctx, example, num)
	if err != nil || errored > 0 {
		return res, false, err
	}
	if err := v.cache.Put(key, &res); err != nil {
		slog.Warn("failed to write cache", "example", example.ID, "error", err)
	}
	return res, false, nil
}

// attemptExample runs the example hooks around the trials and aggregates
// them. A failing before_example hook fails the example. errored counts the
// trials recorded as failures because they could not be run.
func (v *variantRun) attemptExample(ctx context.Context, example models.Example, num int) (res models.ExampleResult, errored int, err error) {
	hookRunner := v.hookRunner.WithEnv(
		"KUMITE_EXAMPLE_ID="+example.ID,
		"KUMITE_VARIANT="+v.variant.Name,
	)
	if err := hookRunner.Execute(ctx, hooks.BeforeExample, v.spec.Hooks.BeforeExample); err != nil {
		return models.ExampleResult{}, 0, fmt.Errorf("before_example hook: %w", err)
	}
	defer func() {
		if err := hookRunner.Execute(ctx, hooks.AfterExample, v.spec.Hooks.AfterExample); err != nil {
			slog.Warn("after_example hook failed", "example", example.ID, "error", err)
		}
	}()

	trials, errored, err := v.runTrials(ctx, example, num)
	if err != nil {
		return models.ExampleResult{}, errored, err
	}
	return AggregateExample(example, trials, v.run.PassCriteria), errored, nil
}

// FailedExample is the result recorded for an example that could not be
// run at all, such as one whose before_example hook failed: one failed
// trial carrying a single "error" feedback item.
func FailedExample(example models.Example, err error) models.ExampleResult {
	return AggregateExample(example, []models.TrialResult{*failedTrial(1, err)}, models.PassAny)
}
