package provision

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cloudperf/fleetbench/image"
	"github.com/cloudperf/fleetbench/pricing"
)

// ControlPlane is the slice of the EC2 API the provisioner needs. *ec2.Client
// satisfies it; tests use counting fakes.
type ControlPlane interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// A Handle is the live identity of a provisioned instance. Whoever receives a
// handle owns it exclusively and must terminate it exactly once.
type Handle struct {
	InstanceID     string
	PrivateAddress string
	InstanceType   string
	VCPU           int
	Architecture   string
	Price          float64
}

// A Request is the build spec for one provisioning run. SpotMaxPrice > 0
// enables the spot attempt; zero goes straight to on-demand.
type Request struct {
	Offer        pricing.Offer
	Image        image.Descriptor
	SpotMaxPrice float64
}

const maxCreateAttempts = 16

// Provisioner turns offers into running instances under the cost-minimizing
// fallback policy: spot first, on-demand when spot capacity or pricing says
// no, bounded backoff on everything transient.
type Provisioner struct {
	api            ControlPlane
	keyName        string
	securityGroups []string

	waitPolls    int
	waitInterval time.Duration
	sleep        func(time.Duration)
}

func NewProvisioner(api ControlPlane, keyName string, securityGroups []string) *Provisioner {
	return &Provisioner{
		api:            api,
		keyName:        keyName,
		securityGroups: securityGroups,
		waitPolls:      120,
		waitInterval:   15 * time.Second,
		sleep:          time.Sleep,
	}
}

// Provision runs the create-attempt state machine until an instance exists or
// the run is declared failed, then waits for the instance to report running.
// The wait is best-effort: after the poll budget the handle is returned
// anyway, since the instance may still become reachable.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Handle, error) {
	base := buildRequest(req.Offer, req.Image, p.keyName, p.securityGroups)

	state := StateTryingOnDemand
	input := base
	if req.SpotMaxPrice > 0 {
		state = StateTryingSpot
		input = spotRequest(base, req.SpotMaxPrice)
	}

	var created *ec2Types.Instance
	attempt := 0
	for created == nil {
		if attempt >= maxCreateAttempts {
			return nil, fmt.Errorf("gave up creating %s after %d attempts", req.Offer.InstanceType, attempt)
		}

		resp, err := p.api.RunInstances(ctx, input)
		if err == nil {
			created = &resp.Instances[0]
			break
		}

		kind := Classify(err)
		next, action := Transition(state, kind)
		switch action {
		case ActionAbort:
			slog.Error("create request is permanently invalid",
				slog.String("instanceType", req.Offer.InstanceType),
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("can't create %s: %w", req.Offer.InstanceType, err)
		case ActionFallback:
			slog.Info("spot unavailable, falling back to on-demand",
				slog.String("instanceType", req.Offer.InstanceType),
				slog.String("kind", kind.String()),
			)
			state = next
			input = base
			attempt = 0
		case ActionRetry:
			slog.Info("create attempt failed, retrying",
				slog.String("instanceType", req.Offer.InstanceType),
				slog.String("state", state.String()),
				slog.String("kind", kind.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			p.sleep(backoff(attempt))
			attempt++
		}
	}

	handle := &Handle{
		InstanceID:   *created.InstanceId,
		InstanceType: req.Offer.InstanceType,
		VCPU:         req.Offer.VCPU,
		Architecture: req.Offer.Architecture,
		Price:        req.Offer.HourlyPrice,
	}
	if state == StateTryingSpot {
		handle.Price = req.SpotMaxPrice
	}
	if created.PrivateIpAddress != nil {
		handle.PrivateAddress = *created.PrivateIpAddress
	}

	p.waitRunning(ctx, handle)
	return handle, nil
}

// backoff grows 1.2^attempt seconds, matching the provider's suggested pacing
// for request-limit errors.
func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(1.2, float64(attempt)) * float64(time.Second))
}

func (p *Provisioner) waitRunning(ctx context.Context, handle *Handle) {
	slog.Info("waiting for instance to run",
		slog.String("instanceID", handle.InstanceID),
		slog.String("instanceType", handle.InstanceType),
	)
	for i := 0; i < p.waitPolls; i++ {
		resp, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{handle.InstanceID},
		})
		if err == nil && len(resp.Reservations) > 0 && len(resp.Reservations[0].Instances) > 0 {
			instance := resp.Reservations[0].Instances[0]
			if instance.PrivateIpAddress != nil {
				handle.PrivateAddress = *instance.PrivateIpAddress
			}
			if instance.State != nil && instance.State.Name == ec2Types.InstanceStateNameRunning {
				return
			}
		}
		if err != nil {
			slog.Debug("waiting for instance to run", slog.String("instanceID", handle.InstanceID), slog.String("error", err.Error()))
		}
		p.sleep(p.waitInterval)
	}
	// Proceed anyway: the SSH connect budget is the real gate.
	slog.Error("instance never reported running, proceeding",
		slog.String("instanceID", handle.InstanceID),
		slog.String("instanceType", handle.InstanceType),
	)
}

// Terminate destroys the instance. Callers must call it exactly once for
// every handle returned by Provision.
func (p *Provisioner) Terminate(ctx context.Context, instanceID string) error {
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		slog.Error("failed to terminate instance", slog.String("instanceID", instanceID), slog.String("error", err.Error()))
		return err
	}
	slog.Info("terminated instance", slog.String("instanceID", instanceID))
	return nil
}
