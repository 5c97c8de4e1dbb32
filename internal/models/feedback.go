package models

// Feedback is one grading criterion's verdict for a single trial, or the
// cross-trial aggregate of that criterion on an ExampleResult.
type Feedback struct {
	Key             string  `json:"key"`
	Score           float64 `json:"score"`
	NormalizedScore float64 `json:"normalized_score"`
	Weight          float64 `json:"weight"`
	WeightedScore   float64 `json:"weighted_score"`
	Passed          bool    `json:"passed"`
	Comment         string  `json:"comment,omitempty"`
	Label           string  `json:"label,omitempty"`
}

// DefaultFeedbackWeight is used when a criterion does not declare a weight.
const DefaultFeedbackWeight = 1.0

// NewFeedback builds a Feedback item from a raw score on a [0, maxScore] scale.
// Weights <= 0 fall back to DefaultFeedbackWeight, and maxScore <= 0 is
// treated as a 0..1 scale.
func NewFeedback(key string, score, maxScore, weight float64, passed bool, comment string) Feedback {
	if weight <= 0 {
		weight = DefaultFeedbackWeight
	}

	normalized := score
	if maxScore > 0 {
		normalized = score / maxScore
	}
	normalized = clamp01(normalized)

	return Feedback{
		Key:             key,
		Score:           score,
		NormalizedScore: normalized,
		Weight:          weight,
		WeightedScore:   normalized * weight,
		Passed:          passed,
		Comment:         comment,
	}
}

// PassFail builds a binary Feedback item: score 1 when passed, 0 otherwise.
func PassFail(key string, passed bool, weight float64, comment string) Feedback {
	score := 0.0
	if passed {
		score = 1.0
	}
	return NewFeedback(key, score, 1.0, weight, passed, comment)
}

// ErrorFeedback is the single feedback entry recorded for an example that
// failed to run at all.
func ErrorFeedback(err error) Feedback {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return NewFeedback(ErrorFeedbackKey, 0, 1.0, DefaultFeedbackWeight, false, msg)
}

// ErrorFeedbackKey is the key of the synthetic feedback attached to failed examples.
const ErrorFeedbackKey = "error"

// AllPassed reports whether every item passed. An empty list is vacuously true.
func AllPassed(feedback []Feedback) bool {
	for _, f := range feedback {
		if !f.Passed {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
