package benchmark

import (
	"fmt"
	"sort"
	"strings"
)

// A Spec describes one containerized benchmark workload: which image to run
// per CPU architecture, the command template, and how to turn iteration
// samples into a score.
type Spec struct {
	ID   string
	Name string

	// Images maps cpu architecture (x86_64, arm64) to a container image.
	// Instances whose architecture has no mapping skip this benchmark.
	Images map[string]string

	// Cmd is the workload command; every {numcpu} is replaced with the
	// cpu count under test.
	Cmd string

	// CPUs, when set, overrides the default sweep of 1..vcpu.
	CPUs []int

	// Iterations per cpu count. Defaults to 3.
	Iterations int

	// Aggregation is the name of a registered aggregation function.
	// Defaults to max.
	Aggregation string
}

// CPUList returns the cpu-count sweep for an instance with vcpu cores, in
// ascending order.
func (s *Spec) CPUList(vcpu int) []int {
	if len(s.CPUs) > 0 {
		cpus := make([]int, len(s.CPUs))
		copy(cpus, s.CPUs)
		sort.Ints(cpus)
		return cpus
	}
	cpus := make([]int, 0, vcpu)
	for i := 1; i <= vcpu; i++ {
		cpus = append(cpus, i)
	}
	return cpus
}

// RenderCommand builds the full isolated container invocation for one cpu
// count. The workload gets no network access so results can't be skewed by
// remote traffic.
func (s *Spec) RenderCommand(img string, numcpu int) string {
	cmd := strings.ReplaceAll(s.Cmd, "{numcpu}", fmt.Sprintf("%d", numcpu))
	return fmt.Sprintf("docker run --network none --rm %s %s", img, cmd)
}

// Clone deep-copies the spec so a coordinator pass can snapshot its inputs.
func (s Spec) Clone() Spec {
	out := s
	out.Images = make(map[string]string, len(s.Images))
	for k, v := range s.Images {
		out.Images[k] = v
	}
	out.CPUs = make([]int, len(s.CPUs))
	copy(out.CPUs, s.CPUs)
	return out
}

// Snapshot clones a spec set. Pipelines run concurrently against the
// snapshot, so later mutation of the originals can't race them.
func Snapshot(specs []Spec) []Spec {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Clone())
	}
	return out
}

func (s *Spec) validate() error {
	if s.ID == "" {
		return fmt.Errorf("benchmark spec without an id")
	}
	if len(s.Images) == 0 {
		return fmt.Errorf("benchmark %s has no images", s.ID)
	}
	if s.Cmd == "" {
		return fmt.Errorf("benchmark %s has no command", s.ID)
	}
	for _, cpu := range s.CPUs {
		if cpu < 1 {
			return fmt.Errorf("benchmark %s has a cpu count < 1", s.ID)
		}
	}
	if _, err := AggregationByName(s.Aggregation); err != nil {
		return fmt.Errorf("benchmark %s: %w", s.ID, err)
	}
	return nil
}

// specFile is the on-disk format: benchmark id → spec fields.
type specFile map[string]map[string]any

// Builtin is the default benchmark set used when no spec files are given.
func Builtin() []Spec {
	return []Spec{
		{
			ID:   "stressng-cpu",
			Name: "stress-ng cpu bogo ops/s",
			Images: map[string]string{
				"x86_64": "cloudperf/stress-ng:latest",
				"arm64":  "cloudperf/stress-ng:latest-arm64",
			},
			Cmd:         "stressng-score --cpu {numcpu} --timeout 30",
			Iterations:  3,
			Aggregation: "max",
		},
		{
			ID:   "openssl-speed",
			Name: "openssl aes-256-gcm throughput",
			Images: map[string]string{
				"x86_64": "cloudperf/openssl-speed:latest",
				"arm64":  "cloudperf/openssl-speed:latest-arm64",
			},
			Cmd:         "speed-score -multi {numcpu} aes-256-gcm",
			Iterations:  3,
			Aggregation: "max",
		},
	}
}
