package orchestration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spboyer/kumite/internal/cache"
	"github.com/spboyer/kumite/internal/config"
	"github.com/spboyer/kumite/internal/execution"
	"github.com/spboyer/kumite/internal/graders"
	"github.com/spboyer/kumite/internal/hooks"
	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/results"
	"github.com/spboyer/kumite/internal/sandbox"
	"github.com/spboyer/kumite/internal/transcript"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var exitCodeEvaluator = models.EvaluatorConfig{
	Kind: models.EvaluatorCode,
	Name: "exit",
	Config: map[string]any{
		"assertions": []any{map[string]any{"type": "exit_code"}},
	},
}

func newTestSpec(examples ...models.Example) *models.EvalSpec {
	spec := &models.EvalSpec{
		Name:       "demo",
		Variants:   []models.VariantConfig{{Name: "baseline", Agent: "fake"}},
		Examples:   examples,
		Evaluators: []models.EvaluatorConfig{exitCodeEvaluator},
	}
	spec.Config.StaggerMs = -1
	spec.Config.ApplyDefaults()
	return spec
}

func boolPtr(b bool) *bool { return &b }

func memProvider() *sandbox.TempDirProvider {
	return sandbox.NewTempDirProvider(sandbox.WithFs(afero.NewMemMapFs()))
}

// funcProvider is a ProviderFunc whose sandboxes live on fs.
type funcProvider struct {
	sandbox.ProviderFunc
	fs afero.Fs
}

func (p funcProvider) Fs() afero.Fs { return p.fs }

func newTestRunner(spec *models.EvalSpec, agent execution.AgentRunner, opts ...RunnerOption) *Runner {
	cfg := config.NewEvalConfig(spec)
	return NewRunner(cfg, agent, append([]RunnerOption{WithSandboxProvider(memProvider())}, opts...)...)
}

// scriptedAgent exits with the code configured for a trial scope, 0 when
// none is configured, and records every request it sees.
type scriptedAgent struct {
	mu       sync.Mutex
	exits    map[string]int
	requests []*execution.Request
	delay    func(req *execution.Request) time.Duration
}

func (a *scriptedAgent) Run(ctx context.Context, req *execution.Request) (*models.Capture, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	code := a.exits[req.Scope]
	a.mu.Unlock()

	if a.delay != nil {
		time.Sleep(a.delay(req))
	}
	return &models.Capture{
		FinalOutput: "done: " + req.Query,
		ExitCode:    code,
		TokensUsed:  10,
		Cost:        0.01,
		DurationMs:  5,
	}, nil
}

func (a *scriptedAgent) scopes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var s []string
	for _, r := range a.requests {
		s = append(s, r.Scope)
	}
	return s
}

type eventLog struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (l *eventLog) listen(e ProgressEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

func runOne(t *testing.T, r *Runner) *models.Experiment {
	t.Helper()
	exps, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, exps, 1)
	return exps[0]
}

func TestRunner_SingleTrialPass(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "hello", Query: "say hello"})
	exp := runOne(t, newTestRunner(spec, &scriptedAgent{}))

	require.Len(t, exp.Results, 1)
	res := exp.Results[0]
	assert.True(t, res.Passed)
	assert.Equal(t, 1, res.TrialsPassed)
	assert.Equal(t, 1, res.TrialsTotal)
	assert.Equal(t, "done: say hello", res.Outputs.FinalOutput)
	assert.Nil(t, exp.Summary.TrialMetrics)

	assert.NotEmpty(t, exp.ID)
	assert.Equal(t, "demo", exp.EvalName)
	assert.Equal(t, "baseline", exp.Variant)
	assert.Equal(t, spec.Config, exp.Config.Run)
}

func TestRunner_MultiTrialCriteria(t *testing.T) {
	tests := []struct {
		criterion  models.PassCriterion
		wantPassed bool
	}{
		{models.PassAny, true},
		{models.PassAll, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.criterion), func(t *testing.T) {
			spec := newTestSpec(models.Example{ID: "flaky", Query: "q"})
			spec.Config.Trials = 3
			spec.Config.PassCriteria = tt.criterion

			agent := &scriptedAgent{exits: map[string]int{trialScope("flaky", "baseline", 2): 1}}
			exp := runOne(t, newTestRunner(spec, agent))

			res := exp.Results[0]
			assert.Equal(t, tt.wantPassed, res.Passed)
			assert.Equal(t, 2, res.TrialsPassed)
			assert.Equal(t, 3, res.TrialsTotal)
			assert.Equal(t, []bool{true, false, true}, []bool{res.Trials[0].Passed, res.Trials[1].Passed, res.Trials[2].Passed})

			require.NotNil(t, exp.Summary.TrialMetrics)
			tm := exp.Summary.TrialMetrics
			assert.Equal(t, 1.0, tm.PassAtK)
			assert.Equal(t, 0.0, tm.PassAllK)
			assert.Equal(t, 1, tm.InconsistentExamples)
			assert.Equal(t, 0.0, tm.ConsistencyRate)
		})
	}
}

func TestRunner_ParallelTrialsOrderedByNumber(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Config.Trials = 6
	spec.Config.Parallel = boolPtr(true)
	spec.Config.MaxTrials = 3

	agent := &scriptedAgent{delay: func(req *execution.Request) time.Duration {
		// lower trial numbers finish last
		var n int
		_, _ = fmt.Sscanf(req.Scope[strings.LastIndex(req.Scope, "-")+1:], "%d", &n)
		return time.Duration(7-n) * 5 * time.Millisecond
	}}
	exp := runOne(t, newTestRunner(spec, agent))

	res := exp.Results[0]
	require.Len(t, res.Trials, 6)
	for i, trial := range res.Trials {
		assert.Equal(t, i+1, trial.TrialNumber)
	}
}

func TestRunner_ConcurrencyDoesNotChangeResults(t *testing.T) {
	run := func(parallel bool, maxExamples int) []models.ExampleResult {
		spec := newTestSpec(
			models.Example{ID: "first", Query: "q1", Files: map[string]string{"a.txt": "a"}},
			models.Example{ID: "second", Query: "q2", Files: map[string]string{"b.txt": "b"}},
		)
		spec.Config.Parallel = &parallel
		spec.Config.MaxExamples = maxExamples
		spec.Config.Trials = 2

		agent := &scriptedAgent{
			exits: map[string]int{trialScope("first", "baseline", 2): 3},
			delay: func(req *execution.Request) time.Duration {
				if strings.HasPrefix(req.Scope, "first") {
					return 20 * time.Millisecond
				}
				return 0
			},
		}
		return runOne(t, newTestRunner(spec, agent)).Results
	}

	sequential := run(false, 1)
	parallel := run(true, 2)

	require.Len(t, sequential, 2)
	assert.Equal(t, "first", sequential[0].ExampleID)
	assert.Equal(t, "second", sequential[1].ExampleID)
	assert.Equal(t, sequential, parallel)
}

func TestRunner_SetupFailureUnderContinue(t *testing.T) {
	spec := newTestSpec(
		models.Example{ID: "broken", Query: "q"},
		models.Example{ID: "fine", Query: "q"},
	)

	inner := memProvider()
	provider := funcProvider{fs: inner.Fs(), ProviderFunc: func(ctx context.Context, setup sandbox.Setup, scope, fixtures string) (*sandbox.Sandbox, error) {
		if strings.HasPrefix(scope, "broken") {
			return nil, errors.New("disk full")
		}
		return inner.Create(ctx, setup, scope, fixtures)
	}}

	exp := runOne(t, newTestRunner(spec, &scriptedAgent{}, WithSandboxProvider(provider)))

	require.Len(t, exp.Results, 2)
	broken := exp.Results[0]
	assert.False(t, broken.Passed)
	assert.Equal(t, 1, broken.TrialsTotal)
	assert.Equal(t, 0, broken.TrialsPassed)
	require.Len(t, broken.Feedback, 1)
	assert.Equal(t, models.ErrorFeedbackKey, broken.Feedback[0].Key)
	assert.Contains(t, broken.Feedback[0].Comment, "disk full")

	assert.True(t, exp.Results[1].Passed)
	assert.Equal(t, 1, exp.Summary.Passed)
	assert.Equal(t, 1, exp.Summary.Failed)
}

func TestRunner_TrialFailureKeepsOtherTrials(t *testing.T) {
	tests := []struct {
		name       string
		policy     models.ErrorPolicy
		wantPassed int
	}{
		{name: "continue", policy: models.ErrorPolicyContinue, wantPassed: 2},
		{name: "retry", policy: models.ErrorPolicyRetry, wantPassed: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := newTestSpec(models.Example{ID: "ex", Query: "q"}, models.Example{ID: "other", Query: "q"})
			spec.Config.Trials = 3
			spec.Config.ErrorPolicy = tt.policy

			inner := memProvider()
			broken := trialScope("ex", "baseline", 2)
			provider := funcProvider{fs: inner.Fs(), ProviderFunc: func(ctx context.Context, setup sandbox.Setup, scope, fixtures string) (*sandbox.Sandbox, error) {
				if scope == broken {
					return nil, errors.New("disk full")
				}
				return inner.Create(ctx, setup, scope, fixtures)
			}}

			log := &eventLog{}
			r := newTestRunner(spec, &scriptedAgent{}, WithSandboxProvider(provider))
			r.OnProgress(log.listen)
			exp := runOne(t, r)

			res := exp.Results[0]
			require.Len(t, res.Trials, 3)
			for i, trial := range res.Trials {
				assert.Equal(t, i+1, trial.TrialNumber)
			}
			assert.Equal(t, 3, res.TrialsTotal)
			assert.Equal(t, tt.wantPassed, res.TrialsPassed)
			assert.True(t, res.Trials[0].Passed)
			assert.True(t, res.Trials[2].Passed)

			failed := res.Trials[1]
			assert.False(t, failed.Passed)
			require.Len(t, failed.Feedback, 1)
			assert.Equal(t, models.ErrorFeedbackKey, failed.Feedback[0].Key)
			assert.Contains(t, failed.Feedback[0].Comment, "disk full")

			assert.Equal(t, 3, exp.Results[1].TrialsPassed)
			require.NotNil(t, exp.Summary.TrialMetrics)
			assert.Equal(t, 3, exp.Summary.TrialMetrics.TrialsPerExample)
			assert.Equal(t, 0, log.count(EventExampleError))
			assert.Equal(t, 6, log.count(EventTrialComplete))
		})
	}
}

func TestRunner_TrialFailureAborts(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Config.Trials = 3
	spec.Config.ErrorPolicy = models.ErrorPolicyAbort

	inner := memProvider()
	broken := trialScope("ex", "baseline", 2)
	provider := funcProvider{fs: inner.Fs(), ProviderFunc: func(ctx context.Context, setup sandbox.Setup, scope, fixtures string) (*sandbox.Sandbox, error) {
		if scope == broken {
			return nil, errors.New("disk full")
		}
		return inner.Create(ctx, setup, scope, fixtures)
	}}

	agent := &scriptedAgent{}
	_, err := newTestRunner(spec, agent, WithSandboxProvider(provider)).Run(context.Background())

	require.ErrorIs(t, err, ErrAborted)
	assert.Contains(t, err.Error(), "disk full")
	assert.NotContains(t, agent.scopes(), trialScope("ex", "baseline", 3))
}

func TestRunner_ErrorPolicies(t *testing.T) {
	failingProvider := func(failures int) (sandbox.Provider, *atomic.Int32) {
		inner := memProvider()
		var calls atomic.Int32
		return funcProvider{fs: inner.Fs(), ProviderFunc: func(ctx context.Context, setup sandbox.Setup, scope, fixtures string) (*sandbox.Sandbox, error) {
			if strings.HasPrefix(scope, "bad") && int(calls.Add(1)) <= failures {
				return nil, errors.New("transient")
			}
			return inner.Create(ctx, setup, scope, fixtures)
		}}, &calls
	}

	t.Run("abort", func(t *testing.T) {
		spec := newTestSpec(models.Example{ID: "bad", Query: "q"}, models.Example{ID: "later", Query: "q"})
		spec.Config.ErrorPolicy = models.ErrorPolicyAbort

		provider, _ := failingProvider(100)
		agent := &scriptedAgent{}
		exps, err := newTestRunner(spec, agent, WithSandboxProvider(provider)).Run(context.Background())

		require.ErrorIs(t, err, ErrAborted)
		assert.Contains(t, err.Error(), "transient")
		assert.Empty(t, exps)
		assert.Empty(t, agent.scopes(), "no example should start after the abort")
	})

	t.Run("retry recovers", func(t *testing.T) {
		spec := newTestSpec(models.Example{ID: "bad", Query: "q"})
		spec.Config.ErrorPolicy = models.ErrorPolicyRetry

		provider, calls := failingProvider(1)
		exp := runOne(t, newTestRunner(spec, &scriptedAgent{}, WithSandboxProvider(provider)))

		assert.True(t, exp.Results[0].Passed)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("retry gives up after one rerun", func(t *testing.T) {
		spec := newTestSpec(models.Example{ID: "bad", Query: "q"})
		spec.Config.ErrorPolicy = models.ErrorPolicyRetry

		provider, calls := failingProvider(100)
		exp := runOne(t, newTestRunner(spec, &scriptedAgent{}, WithSandboxProvider(provider)))

		assert.False(t, exp.Results[0].Passed)
		assert.Equal(t, models.ErrorFeedbackKey, exp.Results[0].Feedback[0].Key)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestRunner_SandboxReleasedOnAgentError(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Config.Trials = 2

	var created, cleaned atomic.Int32
	provider := sandbox.ProviderFunc(func(_ context.Context, _ sandbox.Setup, scope, _ string) (*sandbox.Sandbox, error) {
		created.Add(1)
		return sandbox.New("/nowhere/"+scope, scope, func() error {
			cleaned.Add(1)
			return nil
		}), nil
	})
	agent := execution.RunnerFunc(func(context.Context, *execution.Request) (*models.Capture, error) {
		return nil, errors.New("agent binary missing")
	})

	exp := runOne(t, newTestRunner(spec, agent, WithSandboxProvider(provider)))

	assert.False(t, exp.Results[0].Passed)
	assert.Equal(t, created.Load(), cleaned.Load())
	assert.Positive(t, cleaned.Load())
}

func TestRunner_TrialScopesAreUnique(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Variants = append(spec.Variants, models.VariantConfig{Name: "treatment", Agent: "fake"})
	spec.Config.Trials = 3
	spec.Config.Parallel = boolPtr(true)

	agent := &scriptedAgent{}
	exps, err := newTestRunner(spec, agent).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, exps, 2)

	scopes := agent.scopes()
	assert.Len(t, scopes, 6)
	seen := map[string]bool{}
	for _, s := range scopes {
		assert.False(t, seen[s], "scope %s reused", s)
		seen[s] = true
	}
	assert.True(t, seen["ex-treatment-trial-3"])
}

func TestRunner_RequestCarriesVariantSettings(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "fix the bug"})
	spec.Variants[0] = models.VariantConfig{
		Name:      "baseline",
		Agent:     "claude",
		Model:     "sonnet",
		Args:      []string{"--max-turns", "3"},
		Env:       map[string]string{"PLUGIN": "off"},
		TimeoutMs: 5000,
	}

	ctrl := gomock.NewController(t)
	agent := execution.NewMockAgentRunner(ctrl)
	agent.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req *execution.Request) (*models.Capture, error) {
		assert.Equal(t, "fix the bug", req.Query)
		assert.Equal(t, "claude", req.Agent)
		assert.Equal(t, "sonnet", req.Model)
		assert.Equal(t, []string{"--max-turns", "3"}, req.Args)
		assert.Equal(t, map[string]string{"PLUGIN": "off"}, req.Env)
		assert.Equal(t, 5*time.Second, req.Timeout)
		assert.NotEmpty(t, req.SandboxPath)
		return &models.Capture{}, nil
	})

	runOne(t, newTestRunner(spec, agent))
}

func TestRunner_DefaultTimeoutFromRunConfig(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Config.TimeoutMs = 1500

	agent := &scriptedAgent{}
	runOne(t, newTestRunner(spec, agent))

	require.Len(t, agent.requests, 1)
	assert.Equal(t, 1500*time.Millisecond, agent.requests[0].Timeout)
}

func TestRunner_SeedFilePrecedence(t *testing.T) {
	spec := newTestSpec(models.Example{
		ID:    "ex",
		Query: "q",
		Files: map[string]string{"shared.txt": "example", "example.txt": "e"},
	})
	spec.Setup.Files = map[string]string{"shared.txt": "setup", "setup.txt": "s", "variant.txt": "setup"}
	spec.Variants[0].Files = map[string]string{"shared.txt": "variant", "variant.txt": "v"}

	exp := runOne(t, newTestRunner(spec, &scriptedAgent{}))

	files := exp.Results[0].Outputs.FinalFiles
	assert.Equal(t, "example", files["shared.txt"])
	assert.Equal(t, "e", files["example.txt"])
	assert.Equal(t, "s", files["setup.txt"])
	assert.Equal(t, "v", files["variant.txt"])
}

func TestRunner_CodeAssertionsSeeFinalFiles(t *testing.T) {
	spec := newTestSpec(models.Example{
		ID:    "ex",
		Query: "q",
		Evaluators: []models.EvaluatorConfig{{
			Kind: models.EvaluatorCode,
			Config: map[string]any{"assertions": []any{
				map[string]any{"type": "file_exists", "path": "out.txt"},
			}},
		}},
	})

	provider := sandbox.NewTempDirProvider(sandbox.WithBaseDir(t.TempDir()))
	agent := execution.RunnerFunc(func(_ context.Context, req *execution.Request) (*models.Capture, error) {
		return &models.Capture{}, os.WriteFile(filepath.Join(req.SandboxPath, "out.txt"), []byte("hi"), 0o644)
	})

	exp := runOne(t, newTestRunner(spec, agent, WithSandboxProvider(provider)))

	res := exp.Results[0]
	assert.Equal(t, "hi", res.Outputs.FinalFiles["out.txt"])
	require.Len(t, res.Feedback, 2)
	assert.Equal(t, "exit_code", res.Feedback[0].Key)
	assert.Equal(t, "file_exists:out.txt", res.Feedback[1].Key)
}

func TestRunner_CodeAssertionsReadSandboxFs(t *testing.T) {
	spec := newTestSpec(models.Example{
		ID:    "ex",
		Query: "q",
		Files: map[string]string{"seed.txt": "hello world"},
		Evaluators: []models.EvaluatorConfig{{
			Kind: models.EvaluatorCode,
			Config: map[string]any{"assertions": []any{
				map[string]any{"type": "file_exists", "path": "seed.txt"},
				map[string]any{"type": "file_contains", "path": "seed.txt", "value": "world"},
			}},
		}},
	})

	exp := runOne(t, newTestRunner(spec, &scriptedAgent{}))

	res := exp.Results[0]
	assert.True(t, res.Passed)
	for _, fb := range res.Feedback {
		assert.True(t, fb.Passed, fb.Key)
	}
}

func TestRunner_EmptyEvaluatorsPolicy(t *testing.T) {
	tests := []struct {
		policy models.EmptyEvaluatorsPolicy
		want   bool
	}{
		{models.EmptyEvaluatorsPass, true},
		{models.EmptyEvaluatorsFail, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			spec := newTestSpec(models.Example{ID: "smoke", Query: "q"})
			spec.Evaluators = nil
			spec.Config.EmptyEvaluators = tt.policy

			exp := runOne(t, newTestRunner(spec, &scriptedAgent{}))
			assert.Equal(t, tt.want, exp.Results[0].Passed)
			assert.Empty(t, exp.Results[0].Feedback)
		})
	}
}

func TestRunner_JudgeEvaluator(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "write docs"})
	spec.Evaluators = []models.EvaluatorConfig{{
		Kind: models.EvaluatorJudge,
		Config: map[string]any{
			"criteria": []any{map[string]any{"name": "clarity", "description": "docs are clear"}},
		},
	}}

	judge := graders.JudgeFunc(func(_ context.Context, _ string, prompt string) ([]graders.Verdict, error) {
		assert.Contains(t, prompt, "write docs")
		return []graders.Verdict{{Name: "clarity", Score: 1, Reason: "clear"}}, nil
	})

	exp := runOne(t, newTestRunner(spec, &scriptedAgent{}, WithJudge(judge)))

	res := exp.Results[0]
	assert.True(t, res.Passed)
	require.Len(t, res.Feedback, 1)
	assert.Equal(t, "judge:clarity", res.Feedback[0].Key)
}

func TestRunner_Transcripts(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Config.Trials = 2
	spec.Config.Transcripts = true

	cfg := config.NewEvalConfig(spec, config.WithTranscriptDir(dir))
	r := NewRunner(cfg, &scriptedAgent{}, WithSandboxProvider(memProvider()))
	exp := runOne(t, r)

	for _, trial := range exp.Results[0].Trials {
		require.Equal(t, transcript.Path(dir, "ex", "baseline", trial.TrialNumber), trial.TranscriptPath)
		tr, err := transcript.Read(trial.TranscriptPath)
		require.NoError(t, err)
		assert.Equal(t, trial.TrialNumber, tr.TrialNumber)
		assert.Equal(t, "q", tr.Query)
	}
}

func TestRunner_TranscriptsOffByDefault(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	exp := runOne(t, newTestRunner(spec, &scriptedAgent{}))
	assert.Empty(t, exp.Results[0].Trials[0].TranscriptPath)
}

func TestRunner_Cache(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q", Files: map[string]string{"a.txt": "a"}})
	c := cache.New(t.TempDir())

	ctrl := gomock.NewController(t)
	agent := execution.NewMockAgentRunner(ctrl)
	agent.EXPECT().Run(gomock.Any(), gomock.Any()).Return(&models.Capture{FinalOutput: "fresh"}, nil).Times(1)

	first := runOne(t, newTestRunner(spec, agent, WithCache(c)))

	log := &eventLog{}
	r := newTestRunner(spec, agent, WithCache(c))
	r.OnProgress(log.listen)
	second := runOne(t, r)

	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 1, log.count(EventExampleCached))
	assert.Equal(t, 0, log.count(EventExampleComplete))
}

func TestRunner_FailuresAreNotCached(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	c := cache.New(t.TempDir())

	var calls atomic.Int32
	agent := execution.RunnerFunc(func(context.Context, *execution.Request) (*models.Capture, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("flaky infra")
		}
		return &models.Capture{}, nil
	})

	first := runOne(t, newTestRunner(spec, agent, WithCache(c)))
	assert.False(t, first.Results[0].Passed)

	second := runOne(t, newTestRunner(spec, agent, WithCache(c)))
	assert.True(t, second.Results[0].Passed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunner_ProgressEvents(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "a", Query: "q"}, models.Example{ID: "b", Query: "q"})
	spec.Config.Trials = 2

	log := &eventLog{}
	r := newTestRunner(spec, &scriptedAgent{})
	r.OnProgress(log.listen)
	runOne(t, r)

	assert.Equal(t, 1, log.count(EventRunStart))
	assert.Equal(t, 1, log.count(EventRunComplete))
	assert.Equal(t, 1, log.count(EventVariantStart))
	assert.Equal(t, 1, log.count(EventVariantComplete))
	assert.Equal(t, 2, log.count(EventExampleStart))
	assert.Equal(t, 2, log.count(EventExampleComplete))
	assert.Equal(t, 4, log.count(EventTrialStart))
	assert.Equal(t, 4, log.count(EventTrialComplete))
	assert.Equal(t, EventRunStart, log.events[0].EventType)
	assert.Equal(t, EventRunComplete, log.events[len(log.events)-1].EventType)
}

func TestRunner_Variants(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Variants = []models.VariantConfig{
		{Name: "baseline", Agent: "fake"},
		{Name: "plugin", Agent: "fake", Model: "big"},
	}

	t.Run("all in declared order", func(t *testing.T) {
		agent := &scriptedAgent{}
		exps, err := newTestRunner(spec, agent).Run(context.Background())
		require.NoError(t, err)
		require.Len(t, exps, 2)
		assert.Equal(t, "baseline", exps[0].Variant)
		assert.Equal(t, "plugin", exps[1].Variant)
		assert.Equal(t, []string{"ex-baseline-trial-1", "ex-plugin-trial-1"}, agent.scopes())
		assert.NotEqual(t, exps[0].ID, exps[1].ID)
	})

	t.Run("selected", func(t *testing.T) {
		exps, err := newTestRunner(spec, &scriptedAgent{}, WithVariants("plugin")).Run(context.Background())
		require.NoError(t, err)
		require.Len(t, exps, 1)
		assert.Equal(t, "plugin", exps[0].Variant)
		assert.Equal(t, "big", exps[0].Config.Variant.Model)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := newTestRunner(spec, &scriptedAgent{}, WithVariants("nope")).Run(context.Background())
		require.ErrorContains(t, err, `unknown variant "nope"`)
	})
}

func TestRunner_ExampleFilters(t *testing.T) {
	spec := newTestSpec(
		models.Example{ID: "docs-readme", Query: "q"},
		models.Example{ID: "bug-123", Query: "q"},
		models.Example{ID: "docs-api", Query: "q"},
	)

	exp := runOne(t, newTestRunner(spec, &scriptedAgent{}, WithExampleFilters("docs-*")))

	require.Len(t, exp.Results, 2)
	assert.Equal(t, "docs-readme", exp.Results[0].ExampleID)
	assert.Equal(t, "docs-api", exp.Results[1].ExampleID)

	t.Run("range after filter", func(t *testing.T) {
		exp := runOne(t, newTestRunner(spec, &scriptedAgent{}, WithExampleFilters("docs-*"), WithExampleRange(2, 10)))
		require.Len(t, exp.Results, 1)
		assert.Equal(t, "docs-api", exp.Results[0].ExampleID)
	})
}

func TestRunner_DatasetFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/evals/data.jsonl", []byte(
		`{"id":"from-file","query":"file query"}`+"\n",
	), 0o644))

	spec := newTestSpec(models.Example{ID: "inline", Query: "q"})
	spec.Dataset = "data.jsonl"

	cfg := config.NewEvalConfig(spec, config.WithSpecDir("/evals"))
	r := NewRunner(cfg, &scriptedAgent{}, WithSandboxProvider(memProvider()), WithDatasetFs(fs))
	exp := runOne(t, r)

	require.Len(t, exp.Results, 2)
	assert.Equal(t, "from-file", exp.Results[0].ExampleID)
	assert.Equal(t, "inline", exp.Results[1].ExampleID)

	t.Run("duplicate ids", func(t *testing.T) {
		spec := newTestSpec(models.Example{ID: "from-file", Query: "q"})
		spec.Dataset = "data.jsonl"
		cfg := config.NewEvalConfig(spec, config.WithSpecDir("/evals"))
		_, err := NewRunner(cfg, &scriptedAgent{}, WithDatasetFs(fs)).LoadExamples()
		require.ErrorContains(t, err, "duplicate example id")
	})
}

func TestRunner_ZeroExamples(t *testing.T) {
	spec := newTestSpec()
	exp := runOne(t, newTestRunner(spec, &scriptedAgent{}))

	assert.Empty(t, exp.Results)
	assert.Equal(t, models.ExperimentSummary{}, exp.Summary)
}

func TestRunner_InvalidEvaluatorFailsBeforeAnyAgentRuns(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Evaluators = []models.EvaluatorConfig{{Kind: models.EvaluatorCode, Config: map[string]any{}}}

	agent := &scriptedAgent{}
	_, err := newTestRunner(spec, agent).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, agent.scopes())
}

func TestRunner_BeforeExampleHookFailure(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Hooks = hooks.HooksConfig{
		BeforeExample: []hooks.HookConfig{{Command: "false", ErrorOnFail: true}},
	}

	agent := &scriptedAgent{}
	exp := runOne(t, newTestRunner(spec, agent))

	res := exp.Results[0]
	assert.False(t, res.Passed)
	assert.Equal(t, models.ErrorFeedbackKey, res.Feedback[0].Key)
	assert.Contains(t, res.Feedback[0].Comment, "before_example")
	assert.Empty(t, agent.scopes())
}

func TestRunner_BeforeRunHookFailure(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q"})
	spec.Hooks = hooks.HooksConfig{
		BeforeRun: []hooks.HookConfig{{Command: "false", ErrorOnFail: true}},
	}

	_, err := newTestRunner(spec, &scriptedAgent{}).Run(context.Background())
	require.ErrorContains(t, err, "before_run hook failed")
}

func TestRunner_SavedExperimentResummarizes(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "a", Query: "q"}, models.Example{ID: "b", Query: "q"})
	spec.Config.Trials = 3
	spec.Evaluators = append(spec.Evaluators, models.EvaluatorConfig{
		Kind: models.EvaluatorCode,
		Config: map[string]any{"assertions": []any{
			map[string]any{"type": "file_exists", "path": "seed.txt"},
		}},
	})
	spec.Setup.Files = map[string]string{"seed.txt": "x"}

	agent := &scriptedAgent{exits: map[string]int{
		trialScope("a", "baseline", 1): 1,
		trialScope("b", "baseline", 3): 2,
	}}
	provider := sandbox.NewTempDirProvider(sandbox.WithBaseDir(t.TempDir()))
	exp := runOne(t, newTestRunner(spec, agent, WithSandboxProvider(provider)))
	require.NotNil(t, exp.Summary.TrialMetrics)
	assert.Equal(t, 2, exp.Summary.TrialMetrics.InconsistentExamples)

	for _, compress := range []bool{false, true} {
		path, err := results.Save(t.TempDir(), exp, compress)
		require.NoError(t, err)

		loaded, err := results.Load(path)
		require.NoError(t, err)
		assert.Equal(t, exp.Summary, Summarize(loaded.Results, loaded.Config.Run.ScoreMode))
	}
}

func TestRunner_RealTempDirSandboxes(t *testing.T) {
	spec := newTestSpec(models.Example{ID: "ex", Query: "q", Files: map[string]string{"src/main.go": "package main"}})

	var dirs []string
	agent := execution.RunnerFunc(func(_ context.Context, req *execution.Request) (*models.Capture, error) {
		dirs = append(dirs, req.SandboxPath)
		return &models.Capture{}, nil
	})
	cfg := config.NewEvalConfig(spec)
	exp := runOne(t, NewRunner(cfg, agent, WithSandboxProvider(sandbox.NewTempDirProvider(sandbox.WithBaseDir(t.TempDir())))))

	assert.Equal(t, "package main", exp.Results[0].Outputs.FinalFiles["src/main.go"])
	require.Len(t, dirs, 1)
	_, err := os.Stat(dirs[0])
	assert.True(t, os.IsNotExist(err), "sandbox should be removed after the trial")
}
