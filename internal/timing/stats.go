package timing

import (
	"math"
	"sort"
	"time"
)

// calculateStatistics computes min, max, mean, median and the population
// standard deviation of durations.
func calculateStatistics(durations []time.Duration) Statistics {
	if len(durations) == 0 {
		return Statistics{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	stats := Statistics{
		Samples: n,
		Min:     sorted[0],
		Max:     sorted[n-1],
	}

	var sum float64
	for _, d := range sorted {
		sum += float64(d)
	}
	mean := sum / float64(n)
	stats.Mean = time.Duration(mean)

	if n%2 == 0 {
		stats.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		stats.Median = sorted[n/2]
	}

	var varianceSum float64
	for _, d := range sorted {
		diff := float64(d) - mean
		varianceSum += diff * diff
	}
	stats.StdDev = time.Duration(math.Sqrt(varianceSum / float64(n)))
	return stats
}
