package orchestration

import (
	"fmt"

	"github.com/spboyer/kumite/internal/metrics"
	"github.com/spboyer/kumite/internal/models"
)

// AggregateExample folds the ordered trials of one example into its
// ExampleResult. With zero trials the result is well formed and failed
// under either criterion.
func AggregateExample(example models.Example, trials []models.TrialResult, criterion models.PassCriterion) models.ExampleResult {
	if trials == nil {
		trials = []models.TrialResult{}
	}

	passed := 0
	for _, t := range trials {
		if t.Passed {
			passed++
		}
	}

	result := models.ExampleResult{
		ExampleID:    example.ID,
		Inputs:       example,
		Trials:       trials,
		Feedback:     AggregateFeedback(trials),
		TrialsPassed: passed,
		TrialsTotal:  len(trials),
	}

	if len(trials) > 0 {
		switch criterion {
		case models.PassAll:
			result.Passed = passed == len(trials)
		default:
			result.Passed = passed > 0
		}
	}

	if rep := RepresentativeTrial(trials); rep != nil {
		result.Outputs = rep.Outputs
	}
	return result
}

// RepresentativeTrial picks the trial whose outputs stand for the whole
// example: the first passing trial, or the first trial when none passed.
// It returns nil for an empty list.
func RepresentativeTrial(trials []models.TrialResult) *models.TrialResult {
	for i := range trials {
		if trials[i].Passed {
			return &trials[i]
		}
	}
	if len(trials) == 0 {
		return nil
	}
	return &trials[0]
}

type feedbackGroup struct {
	items []models.Feedback
}

// AggregateFeedback merges the trials' feedback by key, in the order keys
// first appear. A key passes when it passed in at least one trial.
func AggregateFeedback(trials []models.TrialResult) []models.Feedback {
	var order []string
	groups := map[string]*feedbackGroup{}
	for _, t := range trials {
		for _, fb := range t.Feedback {
			g, ok := groups[fb.Key]
			if !ok {
				g = &feedbackGroup{}
				groups[fb.Key] = g
				order = append(order, fb.Key)
			}
			g.items = append(g.items, fb)
		}
	}

	aggregated := make([]models.Feedback, 0, len(order))
	for _, key := range order {
		aggregated = append(aggregated, groups[key].merge(key, len(trials)))
	}
	return aggregated
}

func (g *feedbackGroup) merge(key string, trialCount int) models.Feedback {
	if len(g.items) == 1 && trialCount < 2 {
		return g.items[0]
	}

	raw := make([]float64, 0, len(g.items))
	normalized := make([]float64, 0, len(g.items))
	weights := make([]float64, 0, len(g.items))
	lo, hi := g.items[0].NormalizedScore, g.items[0].NormalizedScore
	passCount := 0
	label := g.items[0].Label

	for _, fb := range g.items {
		raw = append(raw, fb.Score)
		normalized = append(normalized, fb.NormalizedScore)
		weights = append(weights, fb.Weight)
		lo = min(lo, fb.NormalizedScore)
		hi = max(hi, fb.NormalizedScore)
		if fb.Passed {
			passCount++
		}
		if fb.Label != label {
			label = ""
		}
	}

	mean := metrics.Mean(normalized)
	weight := metrics.Mean(weights)
	return models.Feedback{
		Key:             key,
		Score:           metrics.Mean(raw),
		NormalizedScore: mean,
		Weight:          weight,
		WeightedScore:   mean * weight,
		Passed:          passCount > 0,
		Comment:         fmt.Sprintf("mean %.2f, passed %d/%d, range %.2f-%.2f", mean, passCount, len(g.items), lo, hi),
		Label:           label,
	}
}
