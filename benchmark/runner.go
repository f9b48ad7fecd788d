package benchmark

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/cloudperf/fleetbench/provision"
	"github.com/cloudperf/fleetbench/results"
	"github.com/cloudperf/fleetbench/retry"
	"github.com/cloudperf/fleetbench/target"
	"github.com/cloudperf/fleetbench/util"
)

// Stop everything non-essential so background services can't pollute the
// measurement. This pipeline is too quote-hostile to pass through an exec
// channel inline, so it is uploaded as a script first.
const quiesceScript = `#!/bin/sh
sudo systemctl | grep running | awk '{print $1}' | egrep -v '(auditd|dbus|docker|syslog|sshd|systemd|\.scope|network\.service)' | xargs sudo systemctl stop
`

const quiesceScriptPath = "/tmp/fleetbench-quiesce.sh"

// Runner drives the post-boot protocol against one instance: settle, quiesce,
// pull the workload image, sweep cpu counts, collect scores. Every stage is
// best-effort: a stage that exhausts its retries is logged and skipped, never
// fatal. Only transport loss abandons the protocol, and even then the rows
// collected so far are returned; the cpu count in flight when the transport
// broke still emits a row, aggregated over just the iterations that finished.
type Runner struct {
	// Stage is the shared retry policy for the quiesce and image pull stages.
	Stage retry.Policy

	// Settle is how long the instance gets to calm down before the protocol
	// starts.
	Settle time.Duration

	// MinDockerVersion, when set, is checked against the remote engine
	// before pulling images. A too-old or unparsable version is logged.
	MinDockerVersion *goversion.Version

	sleep func(time.Duration)
	now   func() time.Time
}

func NewRunner() *Runner {
	return &Runner{
		Stage:  retry.NewPolicy(4, 5*time.Second),
		Settle: 60 * time.Second,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// Execute runs every applicable spec on the instance and returns one row per
// (spec, cpu count).
func (r *Runner) Execute(handle *provision.Handle, session target.Session, specs []Spec) []results.ScoreRow {
	r.sleep(r.Settle)

	r.quiesce(handle, session)
	r.checkDockerVersion(handle, session)

	rows := []results.ScoreRow{}
	for _, spec := range specs {
		img, ok := spec.Images[handle.Architecture]
		if !ok {
			slog.Error("no workload image for architecture, skipping benchmark",
				slog.String("instanceID", handle.InstanceID),
				slog.String("benchmark", spec.ID),
				slog.String("arch", handle.Architecture),
			)
			continue
		}

		err := r.pullImage(handle, session, img)
		if err != nil {
			slog.Error("couldn't pull workload image, running anyway",
				slog.String("instanceID", handle.InstanceID),
				slog.String("image", img),
				slog.String("error", err.Error()),
			)
		}

		specRows, err := r.sweep(handle, session, spec, img)
		rows = append(rows, specRows...)
		if err != nil {
			// transport is gone, nothing more to collect on this instance
			slog.Error("session lost mid-protocol, abandoning remaining benchmarks",
				slog.String("instanceID", handle.InstanceID),
				slog.String("benchmark", spec.ID),
				slog.String("error", err.Error()),
			)
			return rows
		}
	}
	return rows
}

func (r *Runner) quiesce(handle *provision.Handle, session target.Session) {
	err := session.Upload(strings.NewReader(quiesceScript), quiesceScriptPath)
	if err != nil {
		slog.Error("couldn't upload quiesce script",
			slog.String("instanceID", handle.InstanceID),
			slog.String("error", err.Error()),
		)
		return
	}

	err = r.Stage.Do(func(attempt int) error {
		slog.Info("trying to stop services", slog.String("instanceID", handle.InstanceID), slog.Int("attempt", attempt))
		exitCode, stdout, stderr, err := session.Run(fmt.Sprintf("sudo sh %s", quiesceScriptPath))
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("exit %d: %s %s", exitCode, stdout, stderr)
		}
		return nil
	})
	if err != nil {
		// log, but don't fail
		slog.Error("couldn't stop services",
			slog.String("instanceID", handle.InstanceID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) checkDockerVersion(handle *provision.Handle, session target.Session) {
	if r.MinDockerVersion == nil {
		return
	}
	exitCode, stdout, _, err := session.Run("docker version --format '{{.Server.Version}}'")
	if err != nil || exitCode != 0 {
		slog.Error("couldn't read docker version", slog.String("instanceID", handle.InstanceID))
		return
	}
	remote, err := goversion.NewVersion(strings.TrimSpace(string(stdout)))
	if err != nil {
		slog.Error("couldn't parse docker version",
			slog.String("instanceID", handle.InstanceID),
			slog.String("output", string(stdout)),
		)
		return
	}
	if remote.LessThan(r.MinDockerVersion) {
		slog.Warn("docker engine older than expected, image pulls may fail",
			slog.String("instanceID", handle.InstanceID),
			slog.String("have", remote.String()),
			slog.String("want", r.MinDockerVersion.String()),
		)
	}
}

func (r *Runner) pullImage(handle *provision.Handle, session target.Session, img string) error {
	return r.Stage.Do(func(attempt int) error {
		slog.Info("pulling workload image",
			slog.String("instanceID", handle.InstanceID),
			slog.String("image", img),
			slog.Int("attempt", attempt),
		)
		exitCode, stdout, stderr, err := session.Run(fmt.Sprintf("docker pull %s && sync && sleep 10", img))
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("exit %d: %s %s", exitCode, stdout, stderr)
		}
		return nil
	})
}

// sweep runs the spec's cpu counts in ascending order, iterations strictly
// sequential so runs can't interfere with each other on the same instance.
// The returned error is non-nil only when the transport broke.
func (r *Runner) sweep(handle *provision.Handle, session target.Session, spec Spec, img string) ([]results.ScoreRow, error) {
	aggregate, err := AggregationByName(spec.Aggregation)
	if err != nil {
		slog.Error("unknown aggregation, using max", slog.String("benchmark", spec.ID), slog.String("error", err.Error()))
		aggregate, _ = AggregationByName("max")
	}

	iterations := spec.Iterations
	if iterations <= 0 {
		iterations = 3
	}

	rows := []results.ScoreRow{}
	for _, numcpu := range spec.CPUList(handle.VCPU) {
		cmd := spec.RenderCommand(img, numcpu)

		samples := make([]*float64, 0, iterations)
		for it := 0; it < iterations; it++ {
			slog.Info("running benchmark command",
				slog.String("instanceID", handle.InstanceID),
				slog.String("command", cmd),
				slog.Int("iteration", it),
			)
			exitCode, stdout, stderr, err := session.Run(cmd)
			if err != nil {
				rows = append(rows, r.row(handle, spec, numcpu, cmd, Aggregate(samples, aggregate)))
				return rows, err
			}
			if exitCode != 0 {
				slog.Info("non-zero exit code",
					slog.String("instanceID", handle.InstanceID),
					slog.Int("exitCode", exitCode),
					slog.String("stdout", string(stdout)),
					slog.String("stderr", string(stderr)),
				)
				samples = append(samples, nil)
				continue
			}
			score, err := strconv.ParseFloat(strings.TrimSpace(util.LastNonEmptyLine(stdout)), 64)
			if err != nil {
				slog.Info("couldn't parse benchmark output",
					slog.String("instanceID", handle.InstanceID),
					slog.String("stdout", string(stdout)),
				)
				samples = append(samples, nil)
				continue
			}
			samples = append(samples, &score)
		}

		rows = append(rows, r.row(handle, spec, numcpu, cmd, Aggregate(samples, aggregate)))
	}
	return rows, nil
}

func (r *Runner) row(handle *provision.Handle, spec Spec, numcpu int, cmd string, score *float64) results.ScoreRow {
	return results.ScoreRow{
		InstanceType:  handle.InstanceType,
		CPUCount:      numcpu,
		Score:         score,
		BenchmarkID:   spec.ID,
		BenchmarkName: spec.Name,
		Command:       cmd,
		Timestamp:     r.now(),
	}
}
