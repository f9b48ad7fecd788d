package provision

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cloudperf/fleetbench/image"
	"github.com/cloudperf/fleetbench/pricing"
	"github.com/cloudperf/fleetbench/util"
)

// Self-destruct in case a pipeline dies without terminating its instance.
const userDataScript = "#!/bin/sh\nshutdown +120"

var burstableRe = regexp.MustCompile(`^t[0-9]+\.`)

// buildRequest builds the on-demand launch request for an offer. The spot
// variant is the same request plus market options (see spotRequest).
func buildRequest(offer pricing.Offer, img image.Descriptor, keyName string, securityGroups []string) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		ImageId:                           aws.String(img.ImageID),
		BlockDeviceMappings:               img.BlockDeviceMappings,
		InstanceType:                      ec2Types.InstanceType(offer.InstanceType),
		KeyName:                           aws.String(keyName),
		SecurityGroups:                    securityGroups,
		Monitoring:                        &ec2Types.RunInstancesMonitoringEnabled{Enabled: aws.Bool(false)},
		InstanceInitiatedShutdownBehavior: ec2Types.ShutdownBehaviorTerminate,
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte(userDataScript))),
		TagSpecifications: []ec2Types.TagSpecification{
			{
				ResourceType: ec2Types.ResourceTypeInstance,
				Tags: []ec2Types.Tag{
					{Key: aws.String("Application"), Value: aws.String("fleetbench")},
					{Key: aws.String("Name"), Value: aws.String(fmt.Sprintf("fleetbench-%s", util.Randstring(8)))},
				},
			},
			{
				ResourceType: ec2Types.ResourceTypeVolume,
				Tags:         []ec2Types.Tag{{Key: aws.String("Application"), Value: aws.String("fleetbench")}},
			},
		},
	}

	// Unlimited credits on burstable types so credit exhaustion can't skew
	// benchmark results.
	if burstableRe.MatchString(offer.InstanceType) {
		input.CreditSpecification = &ec2Types.CreditSpecificationRequest{
			CpuCredits: aws.String("unlimited"),
		}
	}

	return input
}

// spotRequest copies the on-demand request and adds one-time spot market
// options with the offer's price as the cap.
func spotRequest(base *ec2.RunInstancesInput, maxPrice float64) *ec2.RunInstancesInput {
	spot := *base
	spot.InstanceMarketOptions = &ec2Types.InstanceMarketOptionsRequest{
		MarketType: ec2Types.MarketTypeSpot,
		SpotOptions: &ec2Types.SpotMarketOptions{
			MaxPrice:                     aws.String(strconv.FormatFloat(maxPrice, 'f', -1, 64)),
			SpotInstanceType:             ec2Types.SpotInstanceTypeOneTime,
			InstanceInterruptionBehavior: ec2Types.InstanceInterruptionBehaviorTerminate,
		},
	}
	return &spot
}
