package image

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// A Descriptor identifies a boot image and the block device layout launch
// requests must reuse.
type Descriptor struct {
	ImageID             string
	BlockDeviceMappings []ec2Types.BlockDeviceMapping
	Architecture        string
}

type describeImagesClient interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// Resolver finds the newest compatible boot image per CPU architecture. Each
// architecture is looked up once per resolver lifetime.
type Resolver struct {
	ec2      describeImagesClient
	nameGlob string

	mu    sync.Mutex
	cache map[string]Descriptor
}

func NewResolver(client describeImagesClient, nameGlob string) *Resolver {
	if nameGlob == "" {
		nameGlob = "amzn2-ami-ecs-hvm*ebs"
	}
	return &Resolver{
		ec2:      client,
		nameGlob: nameGlob,
		cache:    map[string]Descriptor{},
	}
}

// Latest returns the most recently created available image for the given
// architecture.
func (r *Resolver) Latest(ctx context.Context, arch string) (Descriptor, error) {
	r.mu.Lock()
	cached, ok := r.cache[arch]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	resp, err := r.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []ec2Types.Filter{
			{Name: aws.String("name"), Values: []string{r.nameGlob}},
			{Name: aws.String("description"), Values: []string{"Amazon Linux AMI*"}},
			{Name: aws.String("architecture"), Values: []string{arch}},
			{Name: aws.String("owner-alias"), Values: []string{"amazon"}},
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("root-device-type"), Values: []string{"ebs"}},
			{Name: aws.String("virtualization-type"), Values: []string{"hvm"}},
			{Name: aws.String("image-type"), Values: []string{"machine"}},
		},
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to describe images for %s: %w", arch, err)
	}

	newest, err := newestImage(resp.Images)
	if err != nil {
		return Descriptor{}, fmt.Errorf("no usable %s image: %w", arch, err)
	}

	desc := Descriptor{
		ImageID:             *newest.ImageId,
		BlockDeviceMappings: stripEncrypted(newest.BlockDeviceMappings),
		Architecture:        arch,
	}
	slog.Debug("resolved latest image", slog.String("arch", arch), slog.String("imageID", desc.ImageID))

	r.mu.Lock()
	r.cache[arch] = desc
	r.mu.Unlock()
	return desc, nil
}

// newestImage picks the image with the greatest creation date. Equal dates
// keep the earlier entry, so catalog order breaks ties.
func newestImage(images []ec2Types.Image) (ec2Types.Image, error) {
	var newest *ec2Types.Image
	var newestCreated time.Time
	for i := range images {
		img := &images[i]
		if img.ImageId == nil || img.CreationDate == nil {
			continue
		}
		created, err := time.Parse(time.RFC3339, *img.CreationDate)
		if err != nil {
			slog.Debug("skipping image with bad creation date", slog.String("imageID", *img.ImageId), slog.String("error", err.Error()))
			continue
		}
		if newest == nil || created.After(newestCreated) {
			newest = img
			newestCreated = created
		}
	}
	if newest == nil {
		return ec2Types.Image{}, fmt.Errorf("no candidates")
	}
	return *newest, nil
}

// You cannot specify the encrypted flag when a block device mapping carries a
// snapshot ID, so drop it before the mapping is reused in a launch request.
func stripEncrypted(mappings []ec2Types.BlockDeviceMapping) []ec2Types.BlockDeviceMapping {
	out := make([]ec2Types.BlockDeviceMapping, len(mappings))
	copy(out, mappings)
	for i := range out {
		if out[i].Ebs != nil && out[i].Ebs.SnapshotId != nil {
			ebs := *out[i].Ebs
			ebs.Encrypted = nil
			out[i].Ebs = &ebs
		}
	}
	return out
}
