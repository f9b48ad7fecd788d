package results

import (
	"time"
)

// A ScoreRow is one normalized measurement: one (instance type, benchmark,
// cpu count) combination. Score is nil when every iteration of the sweep
// produced an unusable sample.
type ScoreRow struct {
	InstanceType  string
	CPUCount      int
	Score         *float64 `json:",omitempty"`
	BenchmarkID   string
	BenchmarkName string
	Command       string
	Timestamp     time.Time
}

// History holds prior score rows and answers freshness queries. Rows are
// never mutated; merging produces the union.
type History struct {
	Rows []ScoreRow
}

// Fresh reports whether a row for (instanceType, benchmarkID) exists that is
// younger than window. Fresh benchmarks are skipped for that instance type.
func (h *History) Fresh(instanceType, benchmarkID string, window time.Duration, now time.Time) bool {
	if h == nil {
		return false
	}
	for _, row := range h.Rows {
		if row.InstanceType != instanceType || row.BenchmarkID != benchmarkID {
			continue
		}
		if now.Sub(row.Timestamp) < window {
			return true
		}
	}
	return false
}

// Merge appends the given rows to the history.
func (h *History) Merge(rows []ScoreRow) {
	h.Rows = append(h.Rows, rows...)
}
