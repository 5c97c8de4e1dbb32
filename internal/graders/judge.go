package graders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spboyer/kumite/internal/models"
)

// Rubric scale. Scores are integers from RubricMin to RubricMax.
const (
	RubricMin = 0
	RubricMax = 4

	DefaultRubricPassThreshold = 3
)

var rubricLabels = []string{"missing", "poor", "partial", "good", "excellent"}

// Limits on how much of the sandbox goes into a judge prompt.
const (
	maxPromptFileBytes  = 4 * 1024
	maxPromptFilesBytes = 32 * 1024
)

// Criterion is a binary pass/fail question for the judge.
type Criterion struct {
	Name        string  `mapstructure:"name"`
	Description string  `mapstructure:"description"`
	Weight      float64 `mapstructure:"weight"`
}

// Rubric asks the judge for a 0-4 score.
type Rubric struct {
	Name          string  `mapstructure:"name"`
	Description   string  `mapstructure:"description"`
	Weight        float64 `mapstructure:"weight"`
	PassThreshold int     `mapstructure:"pass_threshold"`
}

// JudgeSpec is the payload of a judge evaluator: either criteria, a rubric,
// or both.
type JudgeSpec struct {
	Criteria []Criterion `mapstructure:"criteria"`
	Rubric   *Rubric     `mapstructure:"rubric"`
	Model    string      `mapstructure:"model"`
}

// DecodeJudgeSpec reads a judge evaluator config.
func DecodeJudgeSpec(config map[string]any) (JudgeSpec, error) {
	var spec JudgeSpec
	if err := mapstructure.Decode(config, &spec); err != nil {
		return JudgeSpec{}, fmt.Errorf("decoding judge config: %w", err)
	}
	if len(spec.Criteria) == 0 && spec.Rubric == nil {
		return JudgeSpec{}, errors.New("judge evaluator needs 'criteria' or a 'rubric'")
	}

	seen := map[string]bool{}
	for i, c := range spec.Criteria {
		if c.Name == "" {
			return JudgeSpec{}, fmt.Errorf("criterion %d has no name", i)
		}
		if seen[c.Name] {
			return JudgeSpec{}, fmt.Errorf("duplicate criterion %q", c.Name)
		}
		seen[c.Name] = true
	}
	if spec.Rubric != nil {
		if spec.Rubric.Name == "" {
			spec.Rubric.Name = "rubric"
		}
		if spec.Rubric.PassThreshold == 0 {
			spec.Rubric.PassThreshold = DefaultRubricPassThreshold
		}
		if spec.Rubric.PassThreshold < RubricMin || spec.Rubric.PassThreshold > RubricMax {
			return JudgeSpec{}, fmt.Errorf("rubric pass_threshold must be between %d and %d", RubricMin, RubricMax)
		}
	}
	return spec, nil
}

// Verdict is the judge's answer for one criterion or rubric.
type Verdict struct {
	Name   string
	Score  float64
	Reason string
}

// Judge asks an LLM to grade a prompt and returns its verdicts by name.
type Judge interface {
	Grade(ctx context.Context, model string, prompt string) ([]Verdict, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, model string, prompt string) ([]Verdict, error)

func (f JudgeFunc) Grade(ctx context.Context, model string, prompt string) ([]Verdict, error) {
	return f(ctx, model, prompt)
}

// RunJudgeGrader grades the outputs with judge and returns one Feedback per
// criterion, then one for the rubric. It never fails: a missing judge or a
// judge error yields an all-failed set explaining why.
func RunJudgeGrader(ctx context.Context, judge Judge, spec JudgeSpec, query string, toolCalls []models.ToolCall, finalFiles map[string]string, reference map[string]any) []models.Feedback {
	if judge == nil {
		return failedJudgeFeedback(spec, "judge unavailable: no judge backend is configured")
	}

	prompt := BuildJudgePrompt(spec, query, toolCalls, finalFiles, reference)
	verdicts, err := judge.Grade(ctx, spec.Model, prompt)
	if err != nil {
		return failedJudgeFeedback(spec, "judge failed: "+err.Error())
	}

	byName := make(map[string]Verdict, len(verdicts))
	for _, v := range verdicts {
		byName[v.Name] = v
	}

	feedback := make([]models.Feedback, 0, len(spec.Criteria)+1)
	for _, c := range spec.Criteria {
		v, ok := byName[c.Name]
		if !ok {
			feedback = append(feedback, models.PassFail(criterionKey(c.Name), false, c.Weight, "judge returned no verdict"))
			continue
		}
		passed := v.Score >= 0.5
		feedback = append(feedback, models.PassFail(criterionKey(c.Name), passed, c.Weight, v.Reason))
	}

	if r := spec.Rubric; r != nil {
		v, ok := byName[r.Name]
		if !ok {
			f := models.NewFeedback(rubricKey(r.Name), 0, RubricMax, r.Weight, false, "judge returned no verdict")
			feedback = append(feedback, f)
		} else {
			threshold := r.PassThreshold
			if threshold == 0 {
				threshold = DefaultRubricPassThreshold
			}
			score := float64(clampRubric(v.Score))
			f := models.NewFeedback(rubricKey(r.Name), score, RubricMax, r.Weight, int(score) >= threshold, v.Reason)
			f.Label = rubricLabels[int(score)]
			feedback = append(feedback, f)
		}
	}
	return feedback
}

func failedJudgeFeedback(spec JudgeSpec, comment string) []models.Feedback {
	var feedback []models.Feedback
	for _, c := range spec.Criteria {
		feedback = append(feedback, models.PassFail(criterionKey(c.Name), false, c.Weight, comment))
	}
	if r := spec.Rubric; r != nil {
		feedback = append(feedback, models.NewFeedback(rubricKey(r.Name), 0, RubricMax, r.Weight, false, comment))
	}
	return feedback
}

func criterionKey(name string) string { return "judge:" + name }
func rubricKey(name string) string    { return "rubric:" + name }

func clampRubric(score float64) int {
	s := int(score + 0.5)
	if s < RubricMin {
		return RubricMin
	}
	if s > RubricMax {
		return RubricMax
	}
	return s
}

// BuildJudgePrompt renders the grading prompt. File contents are truncated
// and listed in path order.
func BuildJudgePrompt(spec JudgeSpec, query string, toolCalls []models.ToolCall, finalFiles map[string]string, reference map[string]any) string {
	var sb strings.Builder

	sb.WriteString("You are grading the work of an AI coding agent.\n\n")
	sb.WriteString("## Task given to the agent\n\n")
	sb.WriteString(query)
	sb.WriteString("\n\n## Tool calls made by the agent\n\n")
	if len(toolCalls) == 0 {
		sb.WriteString("(none)\n")
	}
	for i, tc := range toolCalls {
		status := "ok"
		if !tc.Success {
			status = "failed"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, tc.Name, status)
	}

	sb.WriteString("\n## Files in the workspace after the agent finished\n\n")
	writeFiles(&sb, finalFiles)

	if len(reference) > 0 {
		sb.WriteString("\n## Reference\n\n")
		if data, err := json.MarshalIndent(reference, "", "  "); err == nil {
			sb.Write(data)
		} else {
			fmt.Fprintf(&sb, "%v", reference)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n## How to grade\n\n")
	for _, c := range spec.Criteria {
		fmt.Fprintf(&sb, "- Criterion %q: %s. Report score 1 if it is met, 0 if not.\n", c.Name, c.Description)
	}
	if r := spec.Rubric; r != nil {
		fmt.Fprintf(&sb, "- Rubric %q: %s. Report an integer score from %d (%s) to %d (%s).\n",
			r.Name, r.Description, RubricMin, rubricLabels[RubricMin], RubricMax, rubricLabels[RubricMax])
	}
	fmt.Fprintf(&sb, "\nCall the %s tool once per criterion and rubric with its name, score and a short reason.\n", verdictToolName)

	return sb.String()
}

func writeFiles(sb *strings.Builder, files map[string]string) {
	if len(files) == 0 {
		sb.WriteString("(empty)\n")
		return
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	budget := maxPromptFilesBytes
	for i, p := range paths {
		content := files[p]
		if len(content) > maxPromptFileBytes {
			content = content[:maxPromptFileBytes] + "\n... (truncated)"
		}
		if budget-len(content) < 0 {
			fmt.Fprintf(sb, "(%d more files not shown)\n", len(paths)-i)
			return
		}
		budget -= len(content)
		fmt.Fprintf(sb, "### %s\n```\n%s\n```\n", p, content)
	}
}
