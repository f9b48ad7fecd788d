package fleet

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/cloudperf/fleetbench/benchmark"
	"github.com/cloudperf/fleetbench/image"
	"github.com/cloudperf/fleetbench/pricing"
	"github.com/cloudperf/fleetbench/provision"
	"github.com/cloudperf/fleetbench/results"
	"github.com/cloudperf/fleetbench/target"
)

type fakeResolver struct{ err error }

func (f *fakeResolver) Latest(_ context.Context, arch string) (image.Descriptor, error) {
	return image.Descriptor{ImageID: "ami-1", Architecture: arch}, f.err
}

// fakeProvisioner counts in-flight pipelines and terminate calls per instance.
type fakeProvisioner struct {
	mu             sync.Mutex
	inFlight       int
	maxInFlight    int
	provisioned    []provision.Request
	terminated     map[string]int
	failTypes      map[string]bool
	releaseStarted chan struct{}
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{terminated: map[string]int{}}
}

func (f *fakeProvisioner) Provision(_ context.Context, req provision.Request) (*provision.Handle, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.provisioned = append(f.provisioned, req)
	f.mu.Unlock()

	if f.releaseStarted != nil {
		// hold every pipeline in the provisioning state until released
		<-f.releaseStarted
	}

	if f.failTypes[req.Offer.InstanceType] {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		return nil, fmt.Errorf("no capacity for %s", req.Offer.InstanceType)
	}
	return &provision.Handle{
		InstanceID:     "i-" + req.Offer.InstanceType,
		PrivateAddress: "10.0.0.1",
		InstanceType:   req.Offer.InstanceType,
		VCPU:           req.Offer.VCPU,
		Architecture:   req.Offer.Architecture,
	}, nil
}

func (f *fakeProvisioner) Terminate(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.terminated[instanceID]++
	return nil
}

type fakeConnector struct {
	failAddrs map[string]bool
}

type noopSession struct{}

func (noopSession) Run(string) (int, []byte, []byte, error) { return 0, []byte("1"), nil, nil }
func (noopSession) Upload(io.Reader, string) error          { return nil }
func (noopSession) Close() error                            { return nil }

func (f *fakeConnector) Connect(address string, _ ssh.Signer) (target.Session, error) {
	if f.failAddrs[address] {
		return nil, fmt.Errorf("timed out connecting to %s", address)
	}
	return noopSession{}, nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []*provision.Handle
	fail  map[string]bool
}

func (f *fakeRunner) Execute(handle *provision.Handle, _ target.Session, specs []benchmark.Spec) []results.ScoreRow {
	f.mu.Lock()
	f.calls = append(f.calls, handle)
	f.mu.Unlock()
	if f.fail[handle.InstanceType] {
		return nil
	}
	rows := []results.ScoreRow{}
	for _, spec := range specs {
		score := 1.0
		rows = append(rows, results.ScoreRow{
			InstanceType: handle.InstanceType,
			CPUCount:     1,
			Score:        &score,
			BenchmarkID:  spec.ID,
			Timestamp:    time.Now(),
		})
	}
	return rows
}

func testSpecs() []benchmark.Spec {
	return []benchmark.Spec{
		{ID: "bench-A", Images: map[string]string{"x86_64": "img"}, Cmd: "run {numcpu}"},
		{ID: "bench-B", Images: map[string]string{"x86_64": "img"}, Cmd: "run {numcpu}"},
	}
}

func onDemand(instanceType string) pricing.Offer {
	return pricing.Offer{
		InstanceType: instanceType,
		VCPU:         2,
		MemoryGiB:    4,
		Architecture: "x86_64",
		Region:       "us-east-1",
		HourlyPrice:  0.1,
	}
}

func spot(instanceType string) pricing.Offer {
	o := onDemand(instanceType)
	o.Spot = true
	o.SpotAZ = "us-east-1a"
	o.HourlyPrice = 0.03
	return o
}

func testCoordinator(p provisioner, r runner, conn connector) *Coordinator {
	c := NewCoordinator(p, &fakeResolver{}, conn, r, nil)
	c.sleep = func(time.Duration) {}
	return c
}

func TestRunFiltersSpotAndDuplicates(t *testing.T) {
	p := newFakeProvisioner()
	c := testCoordinator(p, &fakeRunner{}, &fakeConnector{})

	offers := []pricing.Offer{
		onDemand("c5.large"),
		spot("c5.large"),
		onDemand("c5.large"), // duplicate
		onDemand("m5.large"),
	}
	rows := c.Run(context.Background(), offers, testSpecs(), &results.History{}, time.Hour)

	require.Len(t, p.provisioned, 2)
	require.Len(t, rows, 4) // 2 instance types x 2 specs

	// the spot quote enables the spot attempt, capped at the on-demand price
	var c5 provision.Request
	for _, req := range p.provisioned {
		if req.Offer.InstanceType == "c5.large" {
			c5 = req
		}
	}
	require.Equal(t, 0.1, c5.SpotMaxPrice)
}

func TestRunNoSpotQuoteDisablesSpotAttempt(t *testing.T) {
	p := newFakeProvisioner()
	c := testCoordinator(p, &fakeRunner{}, &fakeConnector{})

	c.Run(context.Background(), []pricing.Offer{onDemand("m5.large")}, testSpecs(), &results.History{}, time.Hour)
	require.Len(t, p.provisioned, 1)
	require.Equal(t, 0.0, p.provisioned[0].SpotMaxPrice)
}

func TestRunFreshnessFilter(t *testing.T) {
	now := time.Now()
	history := &results.History{Rows: []results.ScoreRow{
		{InstanceType: "c5.large", BenchmarkID: "bench-A", Timestamp: now.Add(-10 * time.Minute)},
	}}

	// bench-A fresh within an hour: only bench-B runs
	p := newFakeProvisioner()
	runner := &fakeRunner{}
	c := testCoordinator(p, runner, &fakeConnector{})
	rows := c.Run(context.Background(), []pricing.Offer{onDemand("c5.large")}, testSpecs(), history, 3600*time.Second)
	require.Len(t, rows, 1)
	require.Equal(t, "bench-B", rows[0].BenchmarkID)

	// with a 60s window the old row is stale and both run
	p = newFakeProvisioner()
	c = testCoordinator(p, &fakeRunner{}, &fakeConnector{})
	rows = c.Run(context.Background(), []pricing.Offer{onDemand("c5.large")}, testSpecs(), history, 60*time.Second)
	require.Len(t, rows, 2)
}

func TestRunDropsOfferWhenAllSpecsFresh(t *testing.T) {
	now := time.Now()
	history := &results.History{Rows: []results.ScoreRow{
		{InstanceType: "c5.large", BenchmarkID: "bench-A", Timestamp: now},
		{InstanceType: "c5.large", BenchmarkID: "bench-B", Timestamp: now},
	}}

	p := newFakeProvisioner()
	c := testCoordinator(p, &fakeRunner{}, &fakeConnector{})
	rows := c.Run(context.Background(), []pricing.Offer{onDemand("c5.large")}, testSpecs(), history, time.Hour)
	require.Empty(t, rows)
	// no pipeline was created at all
	require.Empty(t, p.provisioned)
}

func TestRunTerminatesExactlyOncePerPipeline(t *testing.T) {
	p := newFakeProvisioner()
	runner := &fakeRunner{fail: map[string]bool{"m5.large": true}}
	conn := &fakeConnector{}
	c := testCoordinator(p, runner, conn)

	offers := []pricing.Offer{
		onDemand("c5.large"), // succeeds
		onDemand("m5.large"), // runner yields nothing
	}
	rows := c.Run(context.Background(), offers, testSpecs(), &results.History{}, time.Hour)

	require.Len(t, rows, 2) // only c5.large contributed
	require.Equal(t, map[string]int{"i-c5.large": 1, "i-m5.large": 1}, p.terminated)
}

func TestRunConnectFailureTerminatesAndYieldsNoRows(t *testing.T) {
	p := newFakeProvisioner()
	runner := &fakeRunner{}
	conn := &fakeConnector{failAddrs: map[string]bool{"10.0.0.1": true}}
	c := testCoordinator(p, runner, conn)

	rows := c.Run(context.Background(), []pricing.Offer{onDemand("c5.large")}, testSpecs(), &results.History{}, time.Hour)
	require.Empty(t, rows)
	require.Empty(t, runner.calls)
	require.Equal(t, 1, p.terminated["i-c5.large"])
}

func TestRunProvisionFailureIsIsolated(t *testing.T) {
	p := newFakeProvisioner()
	p.failTypes = map[string]bool{"c5.large": true}
	c := testCoordinator(p, &fakeRunner{}, &fakeConnector{})

	offers := []pricing.Offer{onDemand("c5.large"), onDemand("m5.large")}
	rows := c.Run(context.Background(), offers, testSpecs(), &results.History{}, time.Hour)

	require.Len(t, rows, 2) // m5.large still contributed
	// the failed offer never reached running, so nothing to terminate
	require.Zero(t, p.terminated["i-c5.large"])
	require.Equal(t, 1, p.terminated["i-m5.large"])
}

func TestRunConcurrencyCeiling(t *testing.T) {
	p := newFakeProvisioner()
	p.releaseStarted = make(chan struct{})
	c := testCoordinator(p, &fakeRunner{}, &fakeConnector{})
	c.Concurrency = 32

	offers := []pricing.Offer{}
	for i := 0; i < 50; i++ {
		offers = append(offers, onDemand(fmt.Sprintf("type-%d.large", i)))
	}

	done := make(chan []results.ScoreRow)
	go func() {
		done <- c.Run(context.Background(), offers, testSpecs(), &results.History{}, time.Hour)
	}()

	// wait for the pool to saturate, then release everything
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.inFlight == 32
	}, 5*time.Second, time.Millisecond)
	close(p.releaseStarted)

	rows := <-done
	require.Len(t, rows, 100)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, 32, p.maxInFlight)
}

func TestRunZeroConcurrencyIsUnlimited(t *testing.T) {
	p := newFakeProvisioner()
	p.releaseStarted = make(chan struct{})
	c := testCoordinator(p, &fakeRunner{}, &fakeConnector{})
	c.Concurrency = 0

	offers := []pricing.Offer{}
	for i := 0; i < 5; i++ {
		offers = append(offers, onDemand(fmt.Sprintf("type-%d.large", i)))
	}

	done := make(chan []results.ScoreRow)
	go func() {
		done <- c.Run(context.Background(), offers, testSpecs(), &results.History{}, time.Hour)
	}()

	// every pipeline runs at once
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.inFlight == 5
	}, 5*time.Second, time.Millisecond)
	close(p.releaseStarted)

	rows := <-done
	require.Len(t, rows, 10)
}

func TestRunNoEligibleOffersIsEmptyNotError(t *testing.T) {
	p := newFakeProvisioner()
	c := testCoordinator(p, &fakeRunner{}, &fakeConnector{})
	rows := c.Run(context.Background(), nil, testSpecs(), &results.History{}, time.Hour)
	require.Empty(t, rows)
}

func TestRunReportsPipelineCompletions(t *testing.T) {
	p := newFakeProvisioner()
	c := testCoordinator(p, &fakeRunner{}, &fakeConnector{})
	completions := 0
	mu := sync.Mutex{}
	c.OnPipelineDone = func() {
		mu.Lock()
		completions++
		mu.Unlock()
	}

	offers := []pricing.Offer{onDemand("c5.large"), onDemand("m5.large")}
	c.Run(context.Background(), offers, testSpecs(), &results.History{}, time.Hour)
	require.Equal(t, 2, completions)
}
