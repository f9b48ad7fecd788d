package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingTypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// The pricing API is only served from a few regions; don't waste time probing
// the rest one by one.
var pricingEndpointRegions = []string{"us-east-1", "ap-south-1"}

type spotHistoryClient interface {
	ec2.DescribeSpotPriceHistoryAPIClient
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// A SpotPrice is one spot market quote for an instance type.
type SpotPrice struct {
	InstanceType string
	Price        float64
	AZ           string
	Region       string
}

// Catalog lists instance offers from the AWS billing APIs: on-demand prices
// with product attributes from the pricing API, spot quotes from the EC2 spot
// price history.
type Catalog struct {
	latency *RegionLatency

	// factories, swapped for fakes in tests
	newPricing func(region string) pricing.GetProductsAPIClient
	newEC2     func(region string) spotHistoryClient
}

func NewCatalog(cfg aws.Config, latency *RegionLatency) *Catalog {
	return &Catalog{
		latency: latency,
		newPricing: func(region string) pricing.GetProductsAPIClient {
			return pricing.NewFromConfig(cfg, func(o *pricing.Options) { o.Region = region })
		},
		newEC2: func(region string) spotHistoryClient {
			return ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Region = region })
		},
	}
}

// ListOffers returns all on-demand offers matching the given pricing API
// TERM_MATCH filters, followed by current spot quotes for the same instance
// types across every region. Spot quotes share the on-demand attributes.
func (c *Catalog) ListOffers(ctx context.Context, filters map[string]string) ([]Offer, error) {
	onDemand, err := c.listOnDemand(ctx, filters)
	if err != nil {
		return nil, err
	}
	if len(onDemand) == 0 {
		return nil, nil
	}

	offers := make([]Offer, 0, len(onDemand))
	byType := map[string]Offer{}
	instanceTypes := []string{}
	for _, offer := range onDemand {
		offers = append(offers, offer)
		if _, ok := byType[offer.InstanceType]; !ok {
			byType[offer.InstanceType] = offer
			instanceTypes = append(instanceTypes, offer.InstanceType)
		}
	}

	regions, err := c.regions(ctx)
	if err != nil {
		return nil, err
	}
	for _, region := range regions {
		quotes, err := c.ListSpotPrices(ctx, instanceTypes, region)
		if err != nil {
			slog.Error("failed to list spot prices", slog.String("region", region), slog.String("error", err.Error()))
			continue
		}
		for _, quote := range quotes {
			offer, ok := byType[quote.InstanceType]
			if !ok {
				slog.Debug("spot quote for an instance type we never asked about, skipping",
					slog.String("instanceType", quote.InstanceType),
					slog.String("region", region),
				)
				continue
			}
			offer.HourlyPrice = quote.Price
			offer.Spot = true
			offer.SpotAZ = quote.AZ
			offer.Region = quote.Region
			offers = append(offers, offer)
		}
	}

	return offers, nil
}

func (c *Catalog) listOnDemand(ctx context.Context, filters map[string]string) ([]Offer, error) {
	apiFilters := make([]pricingTypes.Filter, 0, len(filters))
	for k, v := range filters {
		apiFilters = append(apiFilters, pricingTypes.Filter{
			Type:  pricingTypes.FilterTypeTermMatch,
			Field: aws.String(k),
			Value: aws.String(v),
		})
	}

	var lastErr error
	for _, region := range c.latency.Closest(pricingEndpointRegions) {
		client := c.newPricing(region)
		paginator := pricing.NewGetProductsPaginator(client, &pricing.GetProductsInput{
			ServiceCode: aws.String("AmazonEC2"),
			Filters:     apiFilters,
			MaxResults:  aws.Int32(100),
		})

		offers := []Offer{}
		lastErr = nil
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				lastErr = err
				break
			}
			for _, doc := range page.PriceList {
				offer, ok := parseProduct(doc)
				if !ok {
					continue
				}
				offers = append(offers, offer)
			}
		}
		if lastErr == nil {
			slog.Debug("listed on-demand offers", slog.String("pricingRegion", region), slog.Int("count", len(offers)))
			return offers, nil
		}
		slog.Debug("pricing endpoint failed, trying next", slog.String("region", region), slog.String("error", lastErr.Error()))
	}
	return nil, fmt.Errorf("all pricing endpoints failed: %w", lastErr)
}

// ListSpotPrices returns the current spot quotes for the given instance types
// in one region.
func (c *Catalog) ListSpotPrices(ctx context.Context, instanceTypes []string, region string) ([]SpotPrice, error) {
	ec2Instances := make([]ec2Types.InstanceType, 0, len(instanceTypes))
	for _, it := range instanceTypes {
		ec2Instances = append(ec2Instances, ec2Types.InstanceType(it))
	}

	client := c.newEC2(region)
	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(client, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       ec2Instances,
		ProductDescriptions: []string{"Linux/UNIX (Amazon VPC)"},
		StartTime:           aws.Time(time.Now()),
		MaxResults:          aws.Int32(100),
	})

	quotes := []SpotPrice{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.SpotPriceHistory {
			price, err := parseSpotPrice(item)
			if err != nil {
				slog.Debug("skipping unparsable spot quote", slog.String("error", err.Error()))
				continue
			}
			price.Region = region
			quotes = append(quotes, price)
		}
	}
	return quotes, nil
}

func (c *Catalog) regions(ctx context.Context) ([]string, error) {
	client := c.newEC2(pricingEndpointRegions[0])
	resp, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	regions := make([]string, 0, len(resp.Regions))
	for _, region := range resp.Regions {
		regions = append(regions, *region.RegionName)
	}
	return regions, nil
}
