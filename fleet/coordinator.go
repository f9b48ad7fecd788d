package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/alitto/pond"
	"golang.org/x/crypto/ssh"

	"github.com/cloudperf/fleetbench/benchmark"
	"github.com/cloudperf/fleetbench/image"
	"github.com/cloudperf/fleetbench/pricing"
	"github.com/cloudperf/fleetbench/provision"
	"github.com/cloudperf/fleetbench/results"
	"github.com/cloudperf/fleetbench/target"
)

type provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*provision.Handle, error)
	Terminate(ctx context.Context, instanceID string) error
}

type imageResolver interface {
	Latest(ctx context.Context, arch string) (image.Descriptor, error)
}

type connector interface {
	Connect(address string, signer ssh.Signer) (target.Session, error)
}

type runner interface {
	Execute(handle *provision.Handle, session target.Session, specs []benchmark.Spec) []results.ScoreRow
}

// Coordinator fans provision→connect→benchmark→terminate pipelines out over
// all eligible offers. Pipelines are fully independent: they share no mutable
// state, and one pipeline's failure only costs that offer its rows.
type Coordinator struct {
	Provisioner provisioner
	Resolver    imageResolver
	Connector   connector
	Runner      runner
	Signer      ssh.Signer

	// Concurrency bounds the number of in-flight pipelines. Defaults to 32.
	Concurrency int

	// OnPipelineDone, when set, is called once per finished pipeline
	// (success or failure). Used for CLI progress.
	OnPipelineDone func()

	sleep func(time.Duration)
	now   func() time.Time
}

func NewCoordinator(p provisioner, r imageResolver, c connector, run runner, signer ssh.Signer) *Coordinator {
	return &Coordinator{
		Provisioner: p,
		Resolver:    r,
		Connector:   c,
		Runner:      run,
		Signer:      signer,
		Concurrency: 32,
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

type job struct {
	offer        pricing.Offer
	spotMaxPrice float64
	specs        []benchmark.Spec
}

// Run benchmarks every offer whose specs aren't fresh yet and returns the
// merged rows. Zero eligible offers is an empty result, not an error.
func (c *Coordinator) Run(ctx context.Context, offers []pricing.Offer, specs []benchmark.Spec, history *results.History, freshness time.Duration) []results.ScoreRow {
	specs = benchmark.Snapshot(specs)
	jobs := c.eligibleJobs(offers, specs, history, freshness)
	if len(jobs) == 0 {
		slog.Info("no offers eligible for benchmarking")
		return nil
	}
	// non-positive means no limit: one worker per pipeline
	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = len(jobs)
	}
	slog.Info("dispatching benchmark pipelines",
		slog.Int("offers", len(jobs)),
		slog.Int("concurrency", concurrency),
	)

	resultCh := make(chan []results.ScoreRow, len(jobs))
	pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
	for _, j := range jobs {
		j := j
		pool.Submit(func() {
			resultCh <- c.runPipeline(ctx, j)
			if c.OnPipelineDone != nil {
				c.OnPipelineDone()
			}
		})
	}
	pool.StopAndWait()
	close(resultCh)

	merged := []results.ScoreRow{}
	for rows := range resultCh {
		merged = append(merged, rows...)
	}
	return merged
}

// eligibleJobs filters to on-demand offers, de-duplicates by instance type
// (spot quotes only inform the spot max price), and drops offers whose every
// benchmark is still fresh.
func (c *Coordinator) eligibleJobs(offers []pricing.Offer, specs []benchmark.Spec, history *results.History, freshness time.Duration) []job {
	hasSpot := map[string]bool{}
	for _, offer := range offers {
		if offer.Spot {
			hasSpot[offer.InstanceType] = true
		}
	}

	now := c.now()
	seen := map[string]bool{}
	jobs := []job{}
	for _, offer := range offers {
		if offer.Spot || seen[offer.InstanceType] {
			continue
		}
		seen[offer.InstanceType] = true

		applicable := []benchmark.Spec{}
		for _, spec := range specs {
			if history.Fresh(offer.InstanceType, spec.ID, freshness, now) {
				slog.Debug("benchmark still fresh, skipping",
					slog.String("instanceType", offer.InstanceType),
					slog.String("benchmark", spec.ID),
				)
				continue
			}
			applicable = append(applicable, spec)
		}
		if len(applicable) == 0 {
			continue
		}

		j := job{offer: offer, specs: applicable}
		if hasSpot[offer.InstanceType] {
			j.spotMaxPrice = offer.HourlyPrice
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// runPipeline owns one offer end to end. Whatever happens after provisioning
// succeeds, the instance is terminated exactly once before the pipeline
// returns.
func (c *Coordinator) runPipeline(ctx context.Context, j job) []results.ScoreRow {
	img, err := c.Resolver.Latest(ctx, j.offer.Architecture)
	if err != nil {
		slog.Error("failed to resolve image, skipping offer",
			slog.String("instanceType", j.offer.InstanceType),
			slog.String("error", err.Error()),
		)
		return nil
	}

	handle, err := c.Provisioner.Provision(ctx, provision.Request{
		Offer:        j.offer,
		Image:        img,
		SpotMaxPrice: j.spotMaxPrice,
	})
	if err != nil {
		slog.Error("failed to provision, skipping offer",
			slog.String("instanceType", j.offer.InstanceType),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer c.Provisioner.Terminate(ctx, handle.InstanceID)

	// give sshd a moment before the first dial
	c.sleep(5 * time.Second)

	session, err := c.Connector.Connect(handle.PrivateAddress, c.Signer)
	if err != nil {
		slog.Error("instance never became reachable, terminating",
			slog.String("instanceID", handle.InstanceID),
			slog.String("instanceType", handle.InstanceType),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer session.Close()

	return c.Runner.Execute(handle, session, j.specs)
}
