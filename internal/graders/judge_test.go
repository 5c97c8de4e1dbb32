package graders

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spboyer/kumite/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testJudgeSpec = JudgeSpec{
	Criteria: []Criterion{
		{Name: "readme", Description: "a README explains usage"},
		{Name: "tests", Description: "tests were added", Weight: 2},
	},
	Rubric: &Rubric{Name: "quality", Description: "overall code quality", PassThreshold: 3},
}

func TestRunJudgeGrader(t *testing.T) {
	var gotModel, gotPrompt string
	judge := JudgeFunc(func(_ context.Context, model, prompt string) ([]Verdict, error) {
		gotModel, gotPrompt = model, prompt
		return []Verdict{
			{Name: "readme", Score: 1, Reason: "README has a usage section"},
			{Name: "tests", Score: 0, Reason: "no tests"},
			{Name: "quality", Score: 3, Reason: "clean"},
		}, nil
	})

	spec := testJudgeSpec
	spec.Model = "judge-model"

	feedback := RunJudgeGrader(context.Background(), judge, spec, "add a README",
		[]models.ToolCall{{Name: "Write", Success: true}},
		map[string]string{"README.md": "# Demo"},
		map[string]any{"expected": "usage docs"})

	assert.Equal(t, "judge-model", gotModel)
	assert.Contains(t, gotPrompt, "add a README")
	assert.Contains(t, gotPrompt, "1. Write (ok)")
	assert.Contains(t, gotPrompt, "### README.md")
	assert.Contains(t, gotPrompt, `"expected": "usage docs"`)

	require.Len(t, feedback, 3)

	assert.Equal(t, "judge:readme", feedback[0].Key)
	assert.True(t, feedback[0].Passed)
	assert.Equal(t, "README has a usage section", feedback[0].Comment)

	assert.Equal(t, "judge:tests", feedback[1].Key)
	assert.False(t, feedback[1].Passed)
	assert.Equal(t, 2.0, feedback[1].Weight)

	assert.Equal(t, "rubric:quality", feedback[2].Key)
	assert.True(t, feedback[2].Passed)
	assert.Equal(t, 3.0, feedback[2].Score)
	assert.InDelta(t, 0.75, feedback[2].NormalizedScore, 1e-9)
	assert.Equal(t, "good", feedback[2].Label)
}

func TestRunJudgeGrader_RubricScale(t *testing.T) {
	tests := []struct {
		score          float64
		wantScore      float64
		wantNormalized float64
		wantPassed     bool
		wantLabel      string
	}{
		{score: 0, wantScore: 0, wantNormalized: 0, wantLabel: "missing"},
		{score: 1, wantScore: 1, wantNormalized: 0.25, wantLabel: "poor"},
		{score: 2, wantScore: 2, wantNormalized: 0.5, wantLabel: "partial"},
		{score: 2.6, wantScore: 3, wantNormalized: 0.75, wantPassed: true, wantLabel: "good"},
		{score: 4, wantScore: 4, wantNormalized: 1, wantPassed: true, wantLabel: "excellent"},
		{score: 5, wantScore: 4, wantNormalized: 1, wantPassed: true, wantLabel: "excellent"},
		{score: 9, wantScore: 4, wantNormalized: 1, wantPassed: true, wantLabel: "excellent"},
		{score: -1, wantScore: 0, wantNormalized: 0, wantLabel: "missing"},
	}

	spec := JudgeSpec{Rubric: &Rubric{Name: "quality"}}
	for _, tt := range tests {
		judge := JudgeFunc(func(context.Context, string, string) ([]Verdict, error) {
			return []Verdict{{Name: "quality", Score: tt.score}}, nil
		})

		feedback := RunJudgeGrader(context.Background(), judge, spec, "q", nil, nil, nil)
		require.Len(t, feedback, 1)
		assert.Equal(t, tt.wantScore, feedback[0].Score, "score %v", tt.score)
		assert.InDelta(t, tt.wantNormalized, feedback[0].NormalizedScore, 1e-9, "score %v", tt.score)
		assert.Equal(t, tt.wantPassed, feedback[0].Passed, "score %v", tt.score)
		assert.Equal(t, tt.wantLabel, feedback[0].Label, "score %v", tt.score)
	}
}

func TestRunJudgeGrader_Degrades(t *testing.T) {
	tests := []struct {
		name    string
		judge   Judge
		wantCmt string
	}{
		{name: "no judge", judge: nil, wantCmt: "judge unavailable: no judge backend is configured"},
		{
			name: "judge error",
			judge: JudgeFunc(func(context.Context, string, string) ([]Verdict, error) {
				return nil, errors.New("not logged in")
			}),
			wantCmt: "judge failed: not logged in",
		},
		{
			name: "no verdicts",
			judge: JudgeFunc(func(context.Context, string, string) ([]Verdict, error) {
				return nil, nil
			}),
			wantCmt: "judge returned no verdict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feedback := RunJudgeGrader(context.Background(), tt.judge, testJudgeSpec, "q", nil, nil, nil)

			require.Len(t, feedback, 3)
			for _, f := range feedback {
				assert.False(t, f.Passed, f.Key)
				assert.Equal(t, 0.0, f.Score, f.Key)
				assert.Equal(t, tt.wantCmt, f.Comment, f.Key)
			}
		})
	}
}

func TestBuildJudgePrompt_TruncatesFiles(t *testing.T) {
	files := map[string]string{
		"b.txt":   strings.Repeat("b", maxPromptFileBytes+100),
		"a.txt":   "small",
		"z/z.txt": "last",
	}

	prompt := BuildJudgePrompt(JudgeSpec{Criteria: []Criterion{{Name: "c", Description: "d"}}}, "q", nil, files, nil)

	assert.Contains(t, prompt, "(none)")
	assert.Contains(t, prompt, "... (truncated)")
	assert.Less(t, strings.Index(prompt, "### a.txt"), strings.Index(prompt, "### b.txt"))
	assert.Less(t, strings.Index(prompt, "### b.txt"), strings.Index(prompt, "### z/z.txt"))
	assert.Contains(t, prompt, verdictToolName)
	assert.NotContains(t, prompt, "## Reference")
}

func TestDecodeJudgeSpec(t *testing.T) {
	spec, err := DecodeJudgeSpec(map[string]any{
		"model": "gpt-4.1",
		"criteria": []any{
			map[string]any{"name": "readme", "description": "has a README"},
		},
		"rubric": map[string]any{"description": "quality"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", spec.Model)
	require.Len(t, spec.Criteria, 1)
	require.NotNil(t, spec.Rubric)
	assert.Equal(t, "rubric", spec.Rubric.Name)
	assert.Equal(t, DefaultRubricPassThreshold, spec.Rubric.PassThreshold)
}

func TestDecodeJudgeSpec_Errors(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr string
	}{
		{name: "empty", config: nil, wantErr: "needs 'criteria' or a 'rubric'"},
		{name: "unnamed criterion", config: map[string]any{"criteria": []any{map[string]any{"description": "x"}}}, wantErr: "criterion 0 has no name"},
		{name: "duplicate", config: map[string]any{"criteria": []any{map[string]any{"name": "a"}, map[string]any{"name": "a"}}}, wantErr: `duplicate criterion "a"`},
		{name: "threshold", config: map[string]any{"rubric": map[string]any{"pass_threshold": 7}}, wantErr: "pass_threshold"},
		{name: "threshold above scale", config: map[string]any{"rubric": map[string]any{"pass_threshold": 5}}, wantErr: "between 0 and 4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJudgeSpec(tt.config)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
