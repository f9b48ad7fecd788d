package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	goversion "github.com/hashicorp/go-version"
	"github.com/schollz/progressbar/v3"

	"github.com/cloudperf/fleetbench/benchmark"
	"github.com/cloudperf/fleetbench/fleet"
	"github.com/cloudperf/fleetbench/image"
	"github.com/cloudperf/fleetbench/pricing"
	"github.com/cloudperf/fleetbench/provision"
	"github.com/cloudperf/fleetbench/results"
	"github.com/cloudperf/fleetbench/secrets"
	"github.com/cloudperf/fleetbench/target"
)

type stringList []string

func (sl *stringList) String() string {
	return strings.Join(*sl, ",")
}

func (sl *stringList) Set(value string) error {
	*sl = append(*sl, value)
	return nil
}

func main() {
	bfiles := stringList{}
	flag.Var(&bfiles, "benchmark-file", "A benchmark spec file (JSON). Can be used multiple times; all benchmarks will be loaded. The built-in set is used when none is given.")
	filters := stringList{}
	flag.Var(&filters, "pricing-filter", "A key=value TERM_MATCH filter for the pricing API. Can be used multiple times.")
	concurrency := flag.Int("concurrency", 32, "How many instances can be benchmarked concurrently. 0 means no limit.")
	freshness := flag.Int("freshness", 86400, "Skip benchmarks whose prior result for an instance type is younger than this many seconds.")
	sshKeyName := flag.String("ssh-key-name", "batch", "The EC2 key pair name; its private key must exist in SSM under /ssh_keys/<name>.")
	sshUser := flag.String("ssh-user", "ec2-user", "The SSH login user.")
	securityGroup := flag.String("security-group", "tech-ssh", "The security group instances are launched into.")
	connectTimeout := flag.Int("connect-timeout", 600, "How many seconds to keep trying to SSH into a new instance.")
	amiGlob := flag.String("ami-name", "", "The AMI name glob to resolve boot images from. ECS-optimized Amazon Linux 2 by default.")
	minDockerVersion := flag.String("min-docker-version", "", "Warn when the remote docker engine is older than this version.")
	historyBucket := flag.String("history-bucket", "", "S3 bucket holding prior results for freshness filtering. Disabled when empty.")
	historyKey := flag.String("history-key", "fleetbench/history.json", "S3 key of the history document.")
	out := flag.String("out", "results.json", "Write the merged score rows to this file.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithEC2IMDSRegion())
	if err != nil {
		panic(err)
	}

	specs := benchmark.Builtin()
	if len(bfiles) > 0 {
		specs = nil
		for _, bf := range bfiles {
			buf, err := os.ReadFile(bf)
			if err != nil {
				panic(err)
			}
			loaded, err := benchmark.LoadSpecs(buf)
			if err != nil {
				panic(err)
			}
			specs = append(specs, loaded...)
		}
	}

	pricingFilters := map[string]string{
		"operatingSystem": "Linux",
		"tenancy":         "Shared",
		"preInstalledSw":  "NA",
		"capacitystatus":  "Used",
	}
	for _, f := range filters {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			panic(fmt.Errorf("pricing-filter must be key=value, got %q", f))
		}
		pricingFilters[k] = v
	}

	catalog := pricing.NewCatalog(cfg, pricing.NewRegionLatency())
	offers, err := catalog.ListOffers(ctx, pricingFilters)
	if err != nil {
		panic(err)
	}
	slog.Info("listed offers", slog.Int("count", len(offers)))

	ec2Client := ec2.NewFromConfig(cfg)
	resolver := image.NewResolver(ec2Client, *amiGlob)

	signer, err := secrets.NewStore(ssm.NewFromConfig(cfg)).PrivateKey(ctx, *sshKeyName)
	if err != nil {
		panic(err)
	}

	runner := benchmark.NewRunner()
	if *minDockerVersion != "" {
		v, err := goversion.NewVersion(*minDockerVersion)
		if err != nil {
			panic(fmt.Errorf("can't parse min-docker-version: %w", err))
		}
		runner.MinDockerVersion = v
	}

	history := &results.History{}
	var store *results.Store
	if *historyBucket != "" {
		store = results.NewStore(cfg, *historyBucket, *historyKey)
		history, err = store.Load(ctx)
		if err != nil {
			panic(err)
		}
	}

	coordinator := fleet.NewCoordinator(
		provision.NewProvisioner(ec2Client, *sshKeyName, []string{*securityGroup}),
		resolver,
		target.NewConnector(*sshUser, time.Duration(*connectTimeout)*time.Second),
		runner,
		signer,
	)
	coordinator.Concurrency = *concurrency
	bar := progressbar.Default(-1, "Benchmarking:")
	coordinator.OnPipelineDone = func() { bar.Add(1) }

	rows := coordinator.Run(ctx, offers, specs, history, time.Duration(*freshness)*time.Second)
	slog.Info("benchmarking finished", slog.Int("rows", len(rows)))

	if store != nil {
		history.Merge(rows)
		err = store.Save(ctx, history)
		if err != nil {
			slog.Error("failed to persist history", slog.String("error", err.Error()))
		}
	}

	err = results.WriteJSON(*out, rows)
	if err != nil {
		panic(err)
	}
	err = results.RenderTable(os.Stdout, rows)
	if err != nil {
		panic(err)
	}
}
