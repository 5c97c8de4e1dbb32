package orchestration

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/transcript"
)

// runTrials runs the configured number of trials of example and returns
// them ordered by trial number. Trials run in a pool of max_trials workers
// when the run is parallel and more than one trial is requested.
//
// A trial that cannot be run becomes a failed TrialResult and the other
// trials go on; errored counts them. Under the abort policy the first such
// error stops the pool and is returned instead.
func (v *variantRun) runTrials(ctx context.Context, example models.Example, exampleNum int) (trials []models.TrialResult, errored int, err error) {
	n := v.run.Trials
	numbers := make([]int, n)
	for i := range numbers {
		numbers[i] = i + 1
	}

	opts := poolOptions{width: 1, stagger: time.Duration(v.run.Stagger()) * time.Millisecond}
	if v.run.RunsParallel() && n > 1 {
		opts.width = v.run.MaxTrials
	}

	var failures atomic.Int32
	trials, err = runPool(ctx, numbers, opts, func(ctx context.Context, _ int, trialNumber int) (models.TrialResult, error) {
		v.notifyProgress(ProgressEvent{
			EventType:     EventTrialStart,
			Variant:       v.variant.Name,
			ExampleID:     example.ID,
			ExampleNum:    exampleNum,
			TotalExamples: v.total,
			TrialNum:      trialNumber,
			TotalTrials:   n,
		})

		trial, err := v.executeTrial(ctx, example, trialNumber)
		if err != nil && v.run.ErrorPolicy == models.ErrorPolicyRetry {
			slog.Warn("trial failed, retrying once", "example", example.ID, "variant", v.variant.Name, "trial", trialNumber, "error", err)
			trial, err = v.executeTrial(ctx, example, trialNumber)
		}
		if err != nil {
			if v.run.ErrorPolicy == models.ErrorPolicyAbort || ctx.Err() != nil {
				return models.TrialResult{}, err
			}
			slog.Error("trial failed", "example", example.ID, "variant", v.variant.Name, "trial", trialNumber, "error", err)
			failures.Add(1)
			trial = failedTrial(trialNumber, err)
		}

		if v.run.Transcripts {
			v.writeTranscript(example, trial)
		}

		v.notifyProgress(ProgressEvent{
			EventType:     EventTrialComplete,
			Variant:       v.variant.Name,
			ExampleID:     example.ID,
			ExampleNum:    exampleNum,
			TotalExamples: v.total,
			TrialNum:      trialNumber,
			TotalTrials:   n,
			Passed:        trial.Passed,
			DurationMs:    trial.Outputs.DurationMs,
			Error:         err,
		})
		return *trial, nil
	})
	return trials, int(failures.Load()), err
}

// failedTrial is the result recorded for a trial that could not be run or
// graded.
func failedTrial(trialNumber int, err error) *models.TrialResult {
	return &models.TrialResult{
		TrialNumber: trialNumber,
		Feedback:    []models.Feedback{models.ErrorFeedback(err)},
		Passed:      false,
	}
}

// writeTranscript persists the trial's session and records where. A write
// failure is logged and leaves TranscriptPath empty.
func (v *variantRun) writeTranscript(example models.Example, trial *models.TrialResult) {
	dir := v.cfg.TranscriptDir()
	if dir == "" {
		dir = models.DefaultTranscriptDir
	}

	path, err := transcript.Write(dir, transcript.New(example, v.variant.Name, trial))
	if err != nil {
		slog.Warn("failed to write transcript", "example", example.ID, "variant", v.variant.Name, "trial", trial.TrialNumber, "error", err)
		return
	}
	trial.TranscriptPath = path
}
