package metrics

// Tally counts the trials of one example.
type Tally struct {
	Passed int
	Total  int
}

// PassRate is Passed / Total, or 0 when no trials ran.
func (t Tally) PassRate() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Passed) / float64(t.Total)
}

// AnyPassed reports whether at least one trial passed.
func (t Tally) AnyPassed() bool { return t.Passed > 0 }

// AllPassed reports whether trials ran and every one of them passed.
func (t Tally) AllPassed() bool { return t.Total > 0 && t.Passed == t.Total }

// Inconsistent reports whether some, but not all, trials passed.
func (t Tally) Inconsistent() bool { return t.Passed > 0 && t.Passed < t.Total }

// TrialStats are the multi-trial metrics of a set of examples.
type TrialStats struct {
	// PassAtK is the fraction of examples with at least one passing trial.
	PassAtK float64
	// PassAllK is the fraction of examples whose every trial passed.
	PassAllK float64
	// AvgPassRate and PassRateStdDev describe the per-example pass rates.
	AvgPassRate    float64
	PassRateStdDev float64
	Inconsistent   int
	// ConsistencyRate is 1 - Inconsistent / examples.
	ConsistencyRate float64
}

// SummarizeTrials computes TrialStats over one tally per example. It
// returns the zero value for no examples.
func SummarizeTrials(tallies []Tally) TrialStats {
	var stats TrialStats
	if len(tallies) == 0 {
		return stats
	}

	rates := PassRates(tallies)
	atK, allK := 0, 0
	for _, t := range tallies {
		if t.AnyPassed() {
			atK++
		}
		if t.AllPassed() {
			allK++
		}
		if t.Inconsistent() {
			stats.Inconsistent++
		}
	}

	n := float64(len(tallies))
	stats.PassAtK = float64(atK) / n
	stats.PassAllK = float64(allK) / n
	stats.AvgPassRate = Mean(rates)
	stats.PassRateStdDev = StdDev(rates)
	stats.ConsistencyRate = 1 - float64(stats.Inconsistent)/n
	return stats
}

// PassRates returns the pass rate of each tally, in order.
func PassRates(tallies []Tally) []float64 {
	rates := make([]float64, len(tallies))
	for i, t := range tallies {
		rates[i] = t.PassRate()
	}
	return rates
}
