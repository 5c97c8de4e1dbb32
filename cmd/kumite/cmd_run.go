package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spboyer/kumite/internal/cache"
	"github.com/spboyer/kumite/internal/config"
	"github.com/spboyer/kumite/internal/execution"
	"github.com/spboyer/kumite/internal/graders"
	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/orchestration"
	"github.com/spboyer/kumite/internal/projectconfig"
	"github.com/spboyer/kumite/internal/results"
	"github.com/spf13/cobra"
)

// Judge backends accepted by --judge.
const (
	judgeCopilot = "copilot"
	judgeNone    = "none"
)

type runFlags struct {
	variants       []string
	exampleFilters []string
	exampleRange   string

	trials       int
	parallel     bool
	maxExamples  int
	maxTrials    int
	staggerMs    int
	passCriteria string
	errorPolicy  string
	timeoutMs    int

	transcripts   bool
	transcriptDir string
	outputDir     string
	fixtureDir    string
	gzip          bool

	cache    bool
	noCache  bool
	cacheDir string

	judge      string
	judgeModel string

	uploadURL       string
	uploadContainer string

	verbose bool
}

func newRunCommand() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <eval.yaml>",
		Short: "Run an eval file",
		Long: `Run every variant of an eval file over its examples.

Each example runs the configured number of trials, each in a fresh sandbox.
One experiment file per variant is written to the output directory.

Exit codes: 0 when every example passed, 1 when the eval ran but some
examples failed, 2 when the eval could not run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommandE(cmd, args[0], f)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&f.variants, "variant", nil, "Run only this variant (can be repeated)")
	flags.StringArrayVar(&f.exampleFilters, "example", nil, "Filter examples by ID glob pattern (can be repeated)")
	flags.StringVar(&f.exampleRange, "range", "", "Run only examples START-END (1-based, inclusive) after filtering")
	flags.IntVar(&f.trials, "trials", 0, "Trials per example (overrides config.trials)")
	flags.BoolVar(&f.parallel, "parallel", false, "Run examples and trials concurrently")
	flags.IntVar(&f.maxExamples, "max-examples", 0, "Maximum concurrent examples (requires --parallel)")
	flags.IntVar(&f.maxTrials, "max-trials", 0, "Maximum concurrent trials per example (requires --parallel)")
	flags.IntVar(&f.staggerMs, "stagger-ms", 0, "Delay between task starts in milliseconds (negative disables)")
	flags.StringVar(&f.passCriteria, "pass-criteria", "", "How trials decide an example: any (pass@k) or all (pass^k)")
	flags.StringVar(&f.errorPolicy, "error-policy", "", "What to do when an example fails to run: continue, abort or retry")
	flags.IntVar(&f.timeoutMs, "timeout-ms", 0, "Per-trial agent timeout in milliseconds")
	flags.BoolVar(&f.transcripts, "transcripts", false, "Save a transcript for every trial")
	flags.StringVar(&f.transcriptDir, "transcript-dir", "", "Directory for trial transcripts (implies --transcripts)")
	flags.StringVarP(&f.outputDir, "output-dir", "o", "", "Directory for experiment files (default: project results dir)")
	flags.StringVar(&f.fixtureDir, "fixture-dir", "", "Fixtures copied into every sandbox (overrides setup.fixtures)")
	flags.BoolVar(&f.gzip, "gzip", false, "Write experiment files as .json.gz")
	flags.BoolVar(&f.cache, "cache", false, "Enable result caching")
	flags.BoolVar(&f.noCache, "no-cache", false, "Disable result caching")
	flags.StringVar(&f.cacheDir, "cache-dir", "", "Cache directory (default: project cache dir)")
	flags.StringVar(&f.judge, "judge", judgeCopilot, "Judge backend for judge evaluators: copilot or none")
	flags.StringVar(&f.judgeModel, "judge-model", "", "Model used by the judge (default: project judge model)")
	flags.StringVar(&f.uploadURL, "upload-url", "", "Azure Storage account URL to upload experiment files to")
	flags.StringVar(&f.uploadContainer, "upload-container", "", "Blob container for uploads (default: project upload container)")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "Verbose output with per-trial progress")

	return cmd
}

// applyTo copies the flags the user set onto the spec's run config.
func (f *runFlags) applyTo(cmd *cobra.Command) func(*models.EvalSpec) {
	changed := cmd.Flags().Changed
	return func(spec *models.EvalSpec) {
		c := &spec.Config
		if changed("trials") {
			c.Trials = f.trials
		}
		if changed("parallel") {
			c.Parallel = &f.parallel
		}
		if changed("max-examples") {
			c.MaxExamples = f.maxExamples
		}
		if changed("max-trials") {
			c.MaxTrials = f.maxTrials
		}
		if changed("stagger-ms") {
			c.StaggerMs = f.staggerMs
		}
		if changed("pass-criteria") {
			c.PassCriteria = models.PassCriterion(f.passCriteria)
		}
		if changed("error-policy") {
			c.ErrorPolicy = models.ErrorPolicy(f.errorPolicy)
		}
		if changed("timeout-ms") {
			c.TimeoutMs = f.timeoutMs
		}
		if f.transcripts || f.transcriptDir != "" {
			c.Transcripts = true
		}
	}
}

func runCommandE(cmd *cobra.Command, specPath string, f *runFlags) error {
	specDir, err := filepath.Abs(filepath.Dir(specPath))
	if err != nil {
		return fmt.Errorf("resolving spec directory: %w", err)
	}

	proj, err := projectconfig.Load(specDir)
	if err != nil {
		return err
	}

	spec, err := models.LoadEvalSpec(specPath, f.applyTo(cmd), proj.ApplyTo)
	if err != nil {
		return fmt.Errorf("failed to load eval: %w", err)
	}

	verbose := f.verbose || (proj.Defaults.Verbose != nil && *proj.Defaults.Verbose)

	outputDir := f.outputDir
	if outputDir == "" {
		outputDir = proj.Paths.Results
	}

	cfgOpts := []config.Option{
		config.WithSpecDir(specDir),
		config.WithOutputDir(outputDir),
		config.WithTranscriptDir(f.transcriptDir),
		config.WithCompress(f.gzip),
		config.WithVerbose(verbose),
	}
	if f.fixtureDir != "" {
		cfgOpts = append(cfgOpts, config.WithFixtureDir(f.fixtureDir))
	}
	cfg := config.NewEvalConfig(spec, cfgOpts...)

	out := cmd.OutOrStdout()
	rep := newReporter(out, verbose)

	runnerOpts := []orchestration.RunnerOption{
		orchestration.WithVariants(f.variants...),
		orchestration.WithExampleFilters(f.exampleFilters...),
	}

	if f.exampleRange != "" {
		start, end, err := parseRange(f.exampleRange)
		if err != nil {
			return err
		}
		runnerOpts = append(runnerOpts, orchestration.WithExampleRange(start, end))
	}

	resultCache, err := setupCache(cmd, f, proj, spec, rep)
	if err != nil {
		return err
	}
	if resultCache != nil {
		runnerOpts = append(runnerOpts, orchestration.WithCache(resultCache))
	}

	switch f.judge {
	case judgeCopilot:
		judgeModel := f.judgeModel
		if judgeModel == "" {
			judgeModel = proj.Defaults.JudgeModel
		}
		runnerOpts = append(runnerOpts, orchestration.WithJudge(graders.NewCopilotJudge(judgeModel)))
	case judgeNone:
	default:
		return fmt.Errorf("unknown judge backend %q (supported: %s, %s)", f.judge, judgeCopilot, judgeNone)
	}

	var uploader results.Uploader
	if url := f.uploadURL; url != "" || proj.Upload.AccountURL != "" {
		if url == "" {
			url = proj.Upload.AccountURL
		}
		container := f.uploadContainer
		if container == "" {
			container = proj.Upload.Container
		}
		blobs, err := results.NewBlobUploader(url, container, spec.Name, nil)
		if err != nil {
			return err
		}
		uploader = blobs
	}

	router := execution.NewRouter(proj.Defaults.Model)
	defer func() {
		if err := router.Close(); err != nil {
			rep.warnf("failed to stop agent client: %v", err)
		}
	}()

	runner := orchestration.NewRunner(cfg, router, runnerOpts...)
	runner.OnProgress(rep.listen)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rep.printHeader(spec)
	experiments, runErr := runner.Run(ctx)

	// experiments finished before an abort are still saved
	for _, exp := range experiments {
		rep.printSummary(exp)

		path, err := results.Save(cfg.OutputDir(), exp, cfg.Compress())
		if err != nil {
			return fmt.Errorf("failed to save experiment: %w", err)
		}
		rep.printf("Results saved to: %s\n", path)

		if uploader != nil {
			if err := results.UploadFile(ctx, uploader, path); err != nil {
				return err
			}
			rep.printf("Uploaded: %s\n", filepath.Base(path))
		}
	}

	if len(experiments) > 1 {
		rep.printComparison(experiments)
	}

	if runErr != nil {
		return fmt.Errorf("eval failed: %w", runErr)
	}

	failed := 0
	for _, exp := range experiments {
		failed += exp.Summary.Failed
	}
	if failed > 0 {
		return &TestFailureError{
			Message: fmt.Sprintf("eval completed with %d failed example(s)", failed),
		}
	}
	return nil
}

// parseRange parses "START-END" or a single "N".
func parseRange(s string) (int, int, error) {
	startStr, endStr, found := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid --range %q: %w", s, err)
	}
	end := start
	if found {
		if end, err = strconv.Atoi(strings.TrimSpace(endStr)); err != nil {
			return 0, 0, fmt.Errorf("invalid --range %q: %w", s, err)
		}
	}
	if start < 1 || end < start {
		return 0, 0, fmt.Errorf("invalid --range %q: want START-END with 1 <= START <= END", s)
	}
	return start, end, nil
}

func setupCache(cmd *cobra.Command, f *runFlags, proj *projectconfig.ProjectConfig, spec *models.EvalSpec, rep *reporter) (*cache.Cache, error) {
	useCaching := proj.CacheEnabled()
	if cmd.Flags().Changed("cache") {
		useCaching = f.cache
	}
	if f.noCache {
		useCaching = false
	}
	if !useCaching {
		return nil, nil
	}

	if cache.HasNonDeterministicEvaluators(spec) {
		rep.verbosef("Note: caching disabled because the eval uses judge evaluators\n")
		return nil, nil
	}

	dir := f.cacheDir
	if dir == "" {
		dir = proj.Cache.Dir
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving cache directory: %w", err)
	}
	rep.verbosef("Cache enabled: %s\n", absDir)
	return cache.New(absDir), nil
}
