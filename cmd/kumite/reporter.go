package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spboyer/kumite/internal/metrics"
	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/orchestration"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const ruleWidth = 60

// reporter prints progress and results. Progress events arrive from
// several workers, so writes are serialized.
type reporter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	// glyphs selects ✓/✗ over PASS/FAIL; only terminals get glyphs
	glyphs  bool
	printer *message.Printer
}

func newReporter(w io.Writer, verbose bool) *reporter {
	isTTY := false
	if f, ok := w.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}
	return &reporter{
		w:       w,
		verbose: verbose,
		glyphs:  isTTY,
		printer: message.NewPrinter(language.English),
	}
}

func (r *reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format, args...) //nolint:errcheck
}

func (r *reporter) verbosef(format string, args ...any) {
	if r.verbose {
		r.printf(format, args...)
	}
}

func (r *reporter) warnf(format string, args ...any) {
	r.printf("[WARN] "+format+"\n", args...)
}

func (r *reporter) status(passed bool) string {
	switch {
	case r.glyphs && passed:
		return "✓"
	case r.glyphs:
		return "✗"
	case passed:
		return "PASS"
	default:
		return "FAIL"
	}
}

func (r *reporter) printHeader(spec *models.EvalSpec) {
	c := spec.Config
	r.printf("Running eval: %s\n", spec.Name)
	names := make([]string, 0, len(spec.Variants))
	for _, v := range spec.Variants {
		names = append(names, v.Name)
	}
	r.printf("Variants: %s\n", strings.Join(names, ", "))
	r.printf("Trials: %d (pass criteria: %s)\n", c.Trials, c.PassCriteria)
	if c.RunsParallel() {
		r.printf("Parallel: %d examples x %d trials\n", c.MaxExamples, c.MaxTrials)
	}
	r.printf("\n")
}

// listen is the orchestration.ProgressListener for the run command.
func (r *reporter) listen(event orchestration.ProgressEvent) {
	switch event.EventType {
	case orchestration.EventVariantStart:
		r.printf("Variant %s: %d example(s)\n", event.Variant, event.TotalExamples)
	case orchestration.EventExampleStart:
		r.verbosef("[%d/%d] Running example: %s\n", event.ExampleNum, event.TotalExamples, event.ExampleID)
	case orchestration.EventTrialComplete:
		r.verbosef("  Trial %d/%d of %s: %s (%v)\n", event.TrialNum, event.TotalTrials, event.ExampleID,
			r.status(event.Passed), time.Duration(event.DurationMs)*time.Millisecond)
	case orchestration.EventExampleCached:
		r.printf("%s [%d/%d] %s [cached]\n", r.status(event.Passed), event.ExampleNum, event.TotalExamples, event.ExampleID)
	case orchestration.EventExampleComplete:
		trials := ""
		if event.TotalTrials > 1 {
			trials = fmt.Sprintf(" (%v/%d trials)", event.Details["trials_passed"], event.TotalTrials)
		}
		r.printf("%s [%d/%d] %s%s\n", r.status(event.Passed), event.ExampleNum, event.TotalExamples, event.ExampleID, trials)
	case orchestration.EventExampleError:
		r.printf("%s [%d/%d] %s: %v\n", r.status(false), event.ExampleNum, event.TotalExamples, event.ExampleID, event.Error)
	case orchestration.EventVariantComplete:
		r.verbosef("Variant %s completed in %v\n", event.Variant, time.Duration(event.DurationMs)*time.Millisecond)
	}
}

func (r *reporter) rule(ch string) {
	r.printf("%s\n", strings.Repeat(ch, ruleWidth))
}

func (r *reporter) printSummary(exp *models.Experiment) {
	s := exp.Summary

	r.printf("\n")
	r.rule("=")
	r.printf(" RESULTS: %s / %s\n", exp.EvalName, exp.Variant)
	r.rule("=")
	r.printf("\n")

	r.printf("Examples:        %d\n", s.TotalExamples)
	r.printf("Passed:          %d\n", s.Passed)
	r.printf("Failed:          %d\n", s.Failed)
	r.printf("Pass Rate:       %.1f%%\n", s.PassRate*100)
	r.printf("Avg Score:       %.2f\n", s.AvgScore)
	r.printf("Tokens:          %s\n", r.printer.Sprintf("%d", s.TotalTokens))
	r.printf("Cost:            %s\n", r.printer.Sprintf("$%.4f", s.TotalCost))
	r.printf("Duration:        %v\n", time.Duration(s.TotalDurationMs)*time.Millisecond)

	if tm := s.TrialMetrics; tm != nil {
		r.printf("\n")
		r.printf("Trials/Example:  %d\n", tm.TrialsPerExample)
		r.printf("pass@k:          %.1f%%\n", tm.PassAtK*100)
		r.printf("pass^k:          %.1f%%\n", tm.PassAllK*100)
		lo, hi := metrics.ConfidenceInterval95(trialPassRates(exp.Results))
		r.printf("Avg Trial Pass:  %.1f%% (95%% CI %.1f-%.1f%%)\n", tm.AvgTrialPassRate*100, max(lo, 0)*100, min(hi, 1)*100)
		r.printf("Pass Rate SD:    %.4f\n", tm.PassRateStdDev)
		r.printf("Inconsistent:    %d (consistency %.1f%%)\n", tm.InconsistentExamples, tm.ConsistencyRate*100)
	}

	if len(exp.Results) == 0 {
		r.printf("\n")
		return
	}

	r.printf("\n")
	idWidth := len("Example")
	for _, res := range exp.Results {
		idWidth = max(idWidth, runewidth.StringWidth(res.ExampleID))
	}
	idWidth = min(idWidth, 40)

	r.printf("%s  %-6s  %-7s  %s\n", padRight("Example", idWidth), "Result", "Trials", "Score")
	r.rule("-")
	for _, res := range exp.Results {
		flaky := ""
		if metrics.IsFlaky(res.TrialPassRate()) {
			flaky = "  flaky"
		}
		r.printf("%s  %-6s  %-7s  %.2f%s\n",
			padRight(truncateName(res.ExampleID, idWidth), idWidth),
			r.status(res.Passed),
			fmt.Sprintf("%d/%d", res.TrialsPassed, res.TrialsTotal),
			exampleScore(res),
			flaky)
	}
	r.printf("\n")
}

// printComparison compares every variant with the first one.
func (r *reporter) printComparison(exps []*models.Experiment) {
	if len(exps) == 0 {
		return
	}

	nameWidth := len("Variant")
	for _, exp := range exps {
		nameWidth = max(nameWidth, runewidth.StringWidth(exp.Variant))
	}

	r.rule("=")
	r.printf(" VARIANT COMPARISON\n")
	r.rule("=")
	r.printf("%s  %-9s  %-7s  %-7s  %s\n", padRight("Variant", nameWidth), "Pass Rate", "pass@k", "pass^k", "Delta")
	r.rule("-")

	base := exps[0].Summary.PassRate
	for i, exp := range exps {
		s := exp.Summary
		atK, allK := "-", "-"
		if tm := s.TrialMetrics; tm != nil {
			atK = fmt.Sprintf("%.1f%%", tm.PassAtK*100)
			allK = fmt.Sprintf("%.1f%%", tm.PassAllK*100)
		}
		delta := "baseline"
		if i > 0 {
			delta = fmt.Sprintf("%+.1f pts", (s.PassRate-base)*100)
		}
		r.printf("%s  %-9s  %-7s  %-7s  %s\n",
			padRight(exp.Variant, nameWidth),
			fmt.Sprintf("%.1f%%", s.PassRate*100),
			atK, allK, delta)
	}
	r.printf("\n")
}

func trialPassRates(results []models.ExampleResult) []float64 {
	tallies := make([]metrics.Tally, len(results))
	for i := range results {
		tallies[i] = results[i].Tally()
	}
	return metrics.PassRates(tallies)
}

// exampleScore is the mean normalized score of the example's feedback.
func exampleScore(res models.ExampleResult) float64 {
	scores := make([]float64, 0, len(res.Feedback))
	for _, fb := range res.Feedback {
		scores = append(scores, fb.NormalizedScore)
	}
	return metrics.Mean(scores)
}

// truncateName shortens a name to maxLen display columns, ending in "…".
func truncateName(name string, maxLen int) string {
	if runewidth.StringWidth(name) <= maxLen {
		return name
	}
	return runewidth.Truncate(name, maxLen, "…")
}

// padRight pads s with spaces so its terminal display width reaches width.
func padRight(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	return s + strings.Repeat(" ", width-sw)
}
