package pricing

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// RegionLatency probes per-region EC2 endpoints and remembers the results.
// It is an injected collaborator so the cache lifetime is owned by whoever
// constructs it, not by package state.
type RegionLatency struct {
	client *http.Client

	mu        sync.Mutex
	latencies map[string]time.Duration
}

func NewRegionLatency() *RegionLatency {
	return &RegionLatency{
		client:    &http.Client{Timeout: time.Second},
		latencies: map[string]time.Duration{},
	}
}

// Closest returns the regions sorted by measured latency, cheapest first.
// Regions that don't answer within the probe timeout sort last.
func (rl *RegionLatency) Closest(regions []string) []string {
	rl.probe(regions)

	sorted := make([]string, len(regions))
	copy(sorted, regions)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	sort.SliceStable(sorted, func(i, j int) bool {
		li, iok := rl.latencies[sorted[i]]
		lj, jok := rl.latencies[sorted[j]]
		if !iok {
			return false
		}
		if !jok {
			return true
		}
		return li < lj
	})
	return sorted
}

func (rl *RegionLatency) probe(regions []string) {
	wg := &sync.WaitGroup{}
	for _, region := range regions {
		rl.mu.Lock()
		_, done := rl.latencies[region]
		rl.mu.Unlock()
		if done {
			continue
		}

		wg.Add(1)
		go func(region string) {
			defer wg.Done()
			start := time.Now()
			resp, err := rl.client.Get(fmt.Sprintf("http://ec2.%s.amazonaws.com/ping", region))
			if err != nil {
				return
			}
			resp.Body.Close()
			elapsed := time.Since(start)

			rl.mu.Lock()
			rl.latencies[region] = elapsed
			rl.mu.Unlock()
		}(region)
	}
	wg.Wait()
}
