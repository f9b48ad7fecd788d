package results

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFresh(t *testing.T) {
	now := time.Now()
	h := &History{Rows: []ScoreRow{
		{InstanceType: "c5.large", BenchmarkID: "bench-A", Timestamp: now.Add(-10 * time.Minute)},
	}}

	require.True(t, h.Fresh("c5.large", "bench-A", 3600*time.Second, now))
	require.False(t, h.Fresh("c5.large", "bench-A", 60*time.Second, now))
	require.False(t, h.Fresh("c5.large", "bench-B", 3600*time.Second, now))
	require.False(t, h.Fresh("m5.large", "bench-A", 3600*time.Second, now))
}

func TestFreshNilHistory(t *testing.T) {
	var h *History
	require.False(t, h.Fresh("c5.large", "bench-A", time.Hour, time.Now()))
}

func TestMerge(t *testing.T) {
	h := &History{}
	h.Merge([]ScoreRow{{InstanceType: "c5.large", BenchmarkID: "bench-A"}})
	h.Merge(nil)
	h.Merge([]ScoreRow{{InstanceType: "m5.large", BenchmarkID: "bench-A"}})
	require.Len(t, h.Rows, 2)
}

func TestRenderTableAbsentScore(t *testing.T) {
	score := 42.5
	rows := []ScoreRow{
		{InstanceType: "c5.large", BenchmarkID: "bench-A", CPUCount: 1, Score: &score},
		{InstanceType: "c5.large", BenchmarkID: "bench-A", CPUCount: 2},
	}
	buf := &bytes.Buffer{}
	err := RenderTable(buf, rows)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "42.5")
	require.Contains(t, buf.String(), "-")
}
