package orchestration

import (
	"github.com/spboyer/kumite/internal/metrics"
	"github.com/spboyer/kumite/internal/models"
)

// Summarize computes the experiment statistics from the example results
// alone, so a saved experiment can be summarized again after loading.
//
// avg_score is the mean over every aggregated feedback item of every
// example. ScoreModeNormalized averages normalized scores; ScoreModeRaw
// averages raw scores, mixing 0-1 and rubric scales.
func Summarize(results []models.ExampleResult, mode models.ScoreMode) models.ExperimentSummary {
	summary := models.ExperimentSummary{TotalExamples: len(results)}

	var scores []float64
	multiTrial := false
	for _, res := range results {
		if res.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
		if res.TrialsTotal > 1 {
			multiTrial = true
		}

		for _, fb := range res.Feedback {
			if mode == models.ScoreModeRaw {
				scores = append(scores, fb.Score)
			} else {
				scores = append(scores, fb.NormalizedScore)
			}
		}

		// resource totals count every attempted trial
		for _, t := range res.Trials {
			summary.TotalTokens += t.Outputs.TokensUsed
			summary.TotalCost += t.Outputs.Cost
			summary.TotalDurationMs += t.Outputs.DurationMs
		}
	}

	if summary.TotalExamples > 0 {
		summary.PassRate = float64(summary.Passed) / float64(summary.TotalExamples)
	}
	summary.AvgScore = metrics.Mean(scores)

	if multiTrial {
		summary.TrialMetrics = trialMetrics(results)
	}
	return summary
}

func trialMetrics(results []models.ExampleResult) *models.TrialMetrics {
	if len(results) == 0 {
		return &models.TrialMetrics{}
	}
	tallies := make([]metrics.Tally, len(results))
	for i := range results {
		tallies[i] = results[i].Tally()
	}
	stats := metrics.SummarizeTrials(tallies)
	return &models.TrialMetrics{
		TrialsPerExample:     results[0].TrialsTotal,
		PassAtK:              stats.PassAtK,
		PassAllK:             stats.PassAllK,
		AvgTrialPassRate:     stats.AvgPassRate,
		PassRateStdDev:       stats.PassRateStdDev,
		InconsistentExamples: stats.Inconsistent,
		ConsistencyRate:      stats.ConsistencyRate,
	}
}
