// Package metrics holds the statistics computed over eval results: plain
// descriptive statistics over float samples and the multi-trial metrics
// (pass@k, pass^k, consistency) over per-example trial tallies.
package metrics

import "math"

// z95 is the two-sided 95% normal quantile.
const z95 = 1.96

// Mean is the arithmetic mean of values, 0 when there are none.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance is the population variance of values, 0 when there are none.
func Variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return squaredDeviations(values) / float64(len(values))
}

// StdDev is the population standard deviation of values.
func StdDev(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// ConfidenceInterval95 is the normal-approximation 95% interval around the
// mean of values, using the sample standard deviation. With fewer than two
// values the interval collapses to the mean.
func ConfidenceInterval95(values []float64) (low, high float64) {
	m := Mean(values)
	n := len(values)
	if n < 2 {
		return m, m
	}
	sampleSD := math.Sqrt(squaredDeviations(values) / float64(n-1))
	margin := z95 * sampleSD / math.Sqrt(float64(n))
	return m - margin, m + margin
}

// IsFlaky reports whether a trial pass rate is strictly between 0 and 1.
func IsFlaky(passRate float64) bool {
	return passRate > 0 && passRate < 1
}

func squaredDeviations(values []float64) float64 {
	m := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum
}
