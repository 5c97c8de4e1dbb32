package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spboyer/kumite/internal/execution"
	"github.com/spboyer/kumite/internal/graders"
	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/sandbox"
	"github.com/spboyer/kumite/internal/utils"
)

// variantRun is the state shared by every example and trial of one variant.
type variantRun struct {
	*Runner
	spec    *models.EvalSpec
	variant models.VariantConfig
	run     models.RunConfig
	total   int
}

// trialScope names a trial's sandbox. It includes the variant and trial
// number so concurrent trials never share a path prefix.
func trialScope(exampleID, variant string, trialNumber int) string {
	return fmt.Sprintf("%s-%s-trial-%d", exampleID, variant, trialNumber)
}

// executeTrial runs one trial of example. Errors mean the trial could not be
// run or graded; an agent that fails or times out still yields a result.
func (v *variantRun) executeTrial(ctx context.Context, example models.Example, trialNumber int) (*models.TrialResult, error) {
	scope := trialScope(example.ID, v.variant.Name, trialNumber)

	setup := sandbox.Setup{
		Files: models.MergeSeedFiles(v.spec.Setup.Files, v.variant.Files, example.Files),
		VCS:   v.spec.Setup.VCS,
	}
	sb, err := v.sandboxes.Create(ctx, setup, scope, v.cfg.FixtureDir())
	if err != nil {
		return nil, fmt.Errorf("creating sandbox for %s: %w", scope, err)
	}
	defer func() {
		if err := sb.Cleanup(); err != nil {
			slog.Warn("failed to clean up sandbox", "scope", scope, "path", sb.Path, "error", err)
		}
	}()

	capture, err := v.agent.Run(ctx, v.buildRequest(example, scope, sb.Path))
	if err != nil {
		return nil, fmt.Errorf("running agent for %s: %w", scope, err)
	}
	if capture == nil {
		return nil, fmt.Errorf("agent returned no capture for %s", scope)
	}
	for _, evt := range capture.Events {
		utils.EventToSlog(scope, evt)
	}

	finalFiles, err := sandbox.Snapshot(v.fs, sb.Path)
	if err != nil {
		return nil, err
	}
	capture.FinalFiles = finalFiles

	evaluators := slices.Concat(v.spec.Evaluators, example.Evaluators)
	feedback, err := graders.RunEvaluators(ctx, v.judge, evaluators, &graders.Input{
		Query:       example.Query,
		SandboxPath: sb.Path,
		Fs:          v.fs,
		Capture:     capture,
		Reference:   example.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("grading %s: %w", scope, err)
	}

	return &models.TrialResult{
		TrialNumber: trialNumber,
		Outputs:     *capture,
		Feedback:    feedback,
		Passed:      trialPassed(feedback, v.run.EmptyEvaluators),
	}, nil
}

func (v *variantRun) buildRequest(example models.Example, scope, sandboxPath string) *execution.Request {
	timeoutMs := v.run.TimeoutMs
	if v.variant.TimeoutMs > 0 {
		timeoutMs = v.variant.TimeoutMs
	}

	return &execution.Request{
		Scope:       scope,
		Query:       example.Query,
		SandboxPath: sandboxPath,
		Model:       v.variant.Model,
		Agent:       v.variant.Agent,
		Args:        v.variant.Args,
		Env:         v.variant.Env,
		Timeout:     time.Duration(timeoutMs) * time.Millisecond,
	}
}

// trialPassed is the AND of every feedback item. A trial with no feedback
// passes or fails according to policy.
func trialPassed(feedback []models.Feedback, policy models.EmptyEvaluatorsPolicy) bool {
	if len(feedback) == 0 {
		return policy != models.EmptyEvaluatorsFail
	}
	return models.AllPassed(feedback)
}
