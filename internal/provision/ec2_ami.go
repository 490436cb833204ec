package provision

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/musicapp/musicdeploy/internal/config"
)

var ErrAMILookup = fmt.Errorf("failed to resolve the latest Amazon Linux 2 AMI")

const amazonLinux2Pattern = "amzn2-ami-hvm-*-x86_64-gp2"

// resolveAMI returns the configured image, resolving "latest" to the newest
// Amazon-owned Amazon Linux 2 image.
func (p *Provisioner) resolveAMI(ctx context.Context) (string, error) {
	ami := p.Config.Instances.AMI
	if ami != config.LatestAMI {
		return ami, nil
	}

	result, err := p.Clients.EC2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{amazonLinux2Pattern}},
			{Name: aws.String("virtualization-type"), Values: []string{"hvm"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAMILookup, err)
	}
	if len(result.Images) == 0 {
		return "", fmt.Errorf("%w: no images matched %s", ErrAMILookup, amazonLinux2Pattern)
	}

	// CreationDate is ISO 8601, so lexical order is chronological.
	newest := slices.MaxFunc(result.Images, func(a, b types.Image) int {
		return strings.Compare(aws.ToString(a.CreationDate), aws.ToString(b.CreationDate))
	})
	id := aws.ToString(newest.ImageId)
	clog.FromContext(ctx).Info("resolved latest AMI", "ami", id, "name", aws.ToString(newest.Name))
	return id, nil
}
