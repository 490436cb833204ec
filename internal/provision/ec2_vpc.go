package provision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

var (
	ErrVPCLookup     = fmt.Errorf("failed to look up the default VPC")
	ErrNoDefaultVPC  = fmt.Errorf("the account has no default VPC in this region")
	ErrSubnetLookup  = fmt.Errorf("failed to list subnets")
	ErrTooFewSubnets = fmt.Errorf("a network load balancer needs at least 2 subnets")
)

// defaultVPC returns the ID of the region's default VPC.
func defaultVPC(ctx context.Context, client EC2API) (string, error) {
	result, err := client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []types.Filter{{
			Name:   aws.String("isDefault"),
			Values: []string{"true"},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrVPCLookup, err)
	}
	if len(result.Vpcs) == 0 || result.Vpcs[0].VpcId == nil {
		return "", ErrNoDefaultVPC
	}
	return *result.Vpcs[0].VpcId, nil
}

// subnetsForVPC returns the IDs of every subnet in 'vpcID'.
func subnetsForVPC(ctx context.Context, client EC2API, vpcID string) ([]string, error) {
	var ids []string
	p := ec2.NewDescribeSubnetsPaginator(client, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{{
			Name:   aws.String("vpc-id"),
			Values: []string{vpcID},
		}},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSubnetLookup, err)
		}
		for _, s := range page.Subnets {
			if s.SubnetId != nil {
				ids = append(ids, *s.SubnetId)
			}
		}
	}
	return ids, nil
}
