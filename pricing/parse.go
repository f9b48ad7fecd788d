package pricing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// The pricing API reports a human-readable location instead of a region code.
var regionMap = map[string]string{
	"Asia Pacific (Mumbai)":     "ap-south-1",
	"Asia Pacific (Seoul)":      "ap-northeast-2",
	"Asia Pacific (Singapore)":  "ap-southeast-1",
	"Asia Pacific (Sydney)":     "ap-southeast-2",
	"Asia Pacific (Tokyo)":      "ap-northeast-1",
	"Canada (Central)":          "ca-central-1",
	"EU (Frankfurt)":            "eu-central-1",
	"EU (Ireland)":              "eu-west-1",
	"EU (London)":               "eu-west-2",
	"EU (Paris)":                "eu-west-3",
	"South America (Sao Paulo)": "sa-east-1",
	"US East (N. Virginia)":     "us-east-1",
	"US East (Ohio)":            "us-east-2",
	"AWS GovCloud (US)":         "us-gov-west-1",
	"AWS GovCloud (US-West)":    "us-gov-west-1",
	"AWS GovCloud (US-East)":    "us-gov-east-1",
	"US West (N. California)":   "us-west-1",
	"US West (Oregon)":          "us-west-2",
}

var (
	armInstanceRe = regexp.MustCompile(`^a[0-9]+\.`)
	gravitonRe    = regexp.MustCompile(`aws\s+(graviton|)\s*processor`)
)

type productDoc struct {
	Product struct {
		Attributes map[string]string
	}
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit map[string]string
			}
		}
	}
}

// ParseMemory converts the pricing API's memory attribute ("32 GiB",
// "1,952 GiB") into GiB. Only GiB values are returned by the API today.
func ParseMemory(memory string) (float64, error) {
	fields := strings.Fields(memory)
	if len(fields) != 2 {
		return 0, fmt.Errorf("unexpected memory attribute: %q", memory)
	}
	return strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", ""), 64)
}

// CPUArchitecture guesses the CPU architecture from the product attributes.
// The pricing API doesn't name the exact architecture, so Graviton processors
// and a*.xx instance families are detected by pattern.
func CPUArchitecture(attrs map[string]string) string {
	instanceType := strings.ToLower(attrs["instanceType"])
	physProc := strings.ToLower(attrs["physicalProcessor"])
	if armInstanceRe.MatchString(instanceType) || gravitonRe.MatchString(physProc) {
		return "arm64"
	}
	return "x86_64"
}

// parseProduct turns one pricing API document into an on-demand offer.
// Products with no usable price, vcpu, or memory are skipped (ok=false).
func parseProduct(doc string) (Offer, bool) {
	pd := productDoc{}
	err := json.Unmarshal([]byte(doc), &pd)
	if err != nil {
		return Offer{}, false
	}
	attrs := pd.Product.Attributes

	instanceType := attrs["instanceType"]
	if instanceType == "" || attrs["vcpu"] == "NA" || attrs["memory"] == "NA" {
		return Offer{}, false
	}

	var price float64
	for _, term := range pd.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			price, err = strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
			if err != nil {
				return Offer{}, false
			}
		}
	}
	if price == 0 {
		return Offer{}, false
	}

	vcpu, err := strconv.Atoi(attrs["vcpu"])
	if err != nil || vcpu <= 0 {
		return Offer{}, false
	}
	memory, err := ParseMemory(attrs["memory"])
	if err != nil {
		return Offer{}, false
	}

	return Offer{
		InstanceType: instanceType,
		VCPU:         vcpu,
		MemoryGiB:    memory,
		Architecture: CPUArchitecture(attrs),
		Region:       regionMap[attrs["location"]],
		HourlyPrice:  price,
		Spot:         false,
	}, true
}

func parseSpotPrice(item ec2Types.SpotPrice) (SpotPrice, error) {
	if item.SpotPrice == nil {
		return SpotPrice{}, fmt.Errorf("spot quote without a price")
	}
	price, err := strconv.ParseFloat(*item.SpotPrice, 64)
	if err != nil {
		return SpotPrice{}, fmt.Errorf("can't parse spot price %q: %w", *item.SpotPrice, err)
	}
	quote := SpotPrice{
		InstanceType: string(item.InstanceType),
		Price:        price,
	}
	if item.AvailabilityZone != nil {
		quote.AZ = *item.AvailabilityZone
	}
	return quote, nil
}
