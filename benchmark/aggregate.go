package benchmark

import (
	"fmt"
	"sort"
)

// An AggregateFunc reduces the valid samples of one cpu-count sweep to a
// score. It never sees absent samples; those are filtered out first.
type AggregateFunc func(samples []float64) float64

var aggregations = map[string]AggregateFunc{
	"max": func(samples []float64) float64 {
		out := samples[0]
		for _, s := range samples[1:] {
			if s > out {
				out = s
			}
		}
		return out
	},
	"min": func(samples []float64) float64 {
		out := samples[0]
		for _, s := range samples[1:] {
			if s < out {
				out = s
			}
		}
		return out
	},
	"mean": func(samples []float64) float64 {
		sum := 0.0
		for _, s := range samples {
			sum += s
		}
		return sum / float64(len(samples))
	},
	"median": func(samples []float64) float64 {
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2
		}
		return sorted[mid]
	},
}

// AggregationByName looks up a registered aggregation function. The empty
// name is the default, max.
func AggregationByName(name string) (AggregateFunc, error) {
	if name == "" {
		name = "max"
	}
	f, ok := aggregations[name]
	if !ok {
		return nil, fmt.Errorf("unknown aggregation function: %s", name)
	}
	return f, nil
}

// Aggregate reduces iteration samples to one score. Absent samples (nil) are
// excluded first; if every sample is absent the score is absent too.
func Aggregate(samples []*float64, f AggregateFunc) *float64 {
	valid := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s != nil {
			valid = append(valid, *s)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	score := f(valid)
	return &score
}
