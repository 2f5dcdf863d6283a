package tester

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Summary condenses a run's results for end-of-run reporting. Throughput
// figures are computed over the per-result rates, not the aggregate, so
// uneven test units show up in the spread.
type Summary struct {
	TotalBytes    uint64
	TotalErrors   uint64
	TestUnits     int
	TotalDuration time.Duration

	// MeanThroughputMBs and StddevThroughputMBs describe the distribution
	// of per-unit rates in MB/s. Zero when no unit had a measurable
	// duration.
	MeanThroughputMBs   float64
	StddevThroughputMBs float64
}

// Summarize folds results into a Summary. An empty slice yields a zero
// summary; no NaNs escape from degenerate inputs.
func Summarize(results []TestResult) Summary {
	s := Summary{TestUnits: len(results)}
	if len(results) == 0 {
		return s
	}

	rates := make([]float64, 0, len(results))
	for _, r := range results {
		s.TotalBytes += r.BytesTested
		s.TotalErrors += r.ErrorsFound
		s.TotalDuration += r.Duration
		if r.Duration > 0 && r.BytesTested > 0 {
			mb := float64(r.BytesTested) / (1024 * 1024)
			rates = append(rates, mb/r.Duration.Seconds())
		}
	}

	if len(rates) > 0 {
		s.MeanThroughputMBs = stat.Mean(rates, nil)
	}
	if len(rates) > 1 {
		s.StddevThroughputMBs = stat.StdDev(rates, nil)
	}
	return s
}
