package pricing

// An Offer is one priced, region-scoped instance configuration. Offers are
// built by the catalog and never mutated afterwards.
type Offer struct {
	InstanceType string
	VCPU         int
	MemoryGiB    float64
	Architecture string // x86_64 or arm64
	Region       string
	HourlyPrice  float64
	Spot         bool
	SpotAZ       string
}
