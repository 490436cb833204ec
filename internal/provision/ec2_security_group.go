package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

var (
	ErrSecurityGroupLookup    = fmt.Errorf("failed to look up security group")
	ErrSecurityGroupCreate    = fmt.Errorf("failed to create security group")
	ErrSecurityGroupIngress   = fmt.Errorf("failed to authorize security group ingress")
	ErrSecurityGroupRevoke    = fmt.Errorf("failed to revoke security group ingress")
	ErrSecurityGroupDelete    = fmt.Errorf("failed to delete security group")
	ErrSecurityGroupDependent = fmt.Errorf("security group still has dependent resources; retry in a few minutes or delete it manually")
)

const anywhere = "0.0.0.0/0"

// securityGroups identifies the two groups every deployment uses.
type securityGroups struct {
	VPCID string
	RDS   string
	EC2   string
}

func securityGroupDescribe(ctx context.Context, client EC2API, vpcID, name string) (types.SecurityGroup, error) {
	result, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if IsCode(err, codeGroupNotFound) {
		return types.SecurityGroup{}, ErrNotFound
	}
	if err != nil {
		return types.SecurityGroup{}, fmt.Errorf("%w: %s: %w", ErrSecurityGroupLookup, name, err)
	}
	if len(result.SecurityGroups) == 0 {
		return types.SecurityGroup{}, ErrNotFound
	}
	return result.SecurityGroups[0], nil
}

// ensureSecurityGroup gets or creates the named group in 'vpcID' and returns
// its ID.
func (p *Provisioner) ensureSecurityGroup(ctx context.Context, s *stack, vpcID, name, description string) (string, error) {
	log := clog.FromContext(ctx).With("name", name)

	describe := func(ctx context.Context) (string, error) {
		sg, err := securityGroupDescribe(ctx, p.Clients.EC2, vpcID, name)
		if err != nil {
			return "", err
		}
		return aws.ToString(sg.GroupId), nil
	}
	create := func(ctx context.Context) (string, error) {
		result, err := p.Clients.EC2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:         aws.String(name),
			Description:       aws.String(description),
			VpcId:             aws.String(vpcID),
			TagSpecifications: p.tags(named(name)).ec2Spec(types.ResourceTypeSecurityGroup),
		})
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrSecurityGroupCreate, name, err)
		}
		return aws.ToString(result.GroupId), nil
	}

	id, created, err := getOrCreate(ctx, describe, create, codeGroupDuplicate)
	if err != nil {
		return "", err
	}
	if created {
		log.Info("created security group", "id", id)
		s.Push(func(ctx context.Context) error {
			return p.deleteSecurityGroup(ctx, vpcID, name)
		})
	} else {
		log.Info("security group already exists", "id", id)
	}
	return id, nil
}

// authorize adds a single ingress rule. A rule that already exists is not an
// error.
func (p *Provisioner) authorize(ctx context.Context, groupID string, perm types.IpPermission) error {
	log := clog.FromContext(ctx).With("group", groupID, "port", aws.ToInt32(perm.FromPort))
	_, err := p.Clients.EC2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []types.IpPermission{perm},
	})
	switch {
	case IsCode(err, codePermissionDuplicate):
		log.Debug("ingress rule already exists")
		return nil
	case err != nil:
		return fmt.Errorf("%w: %s: %w", ErrSecurityGroupIngress, groupID, err)
	}
	log.Info("authorized ingress rule")
	return nil
}

func tcpFromCIDR(port int32, cidr, description string) types.IpPermission {
	r := types.IpRange{CidrIp: aws.String(cidr)}
	if description != "" {
		r.Description = aws.String(description)
	}
	return types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(port),
		ToPort:     aws.Int32(port),
		IpRanges:   []types.IpRange{r},
	}
}

func tcpFromGroup(port int32, groupID string) types.IpPermission {
	return types.IpPermission{
		IpProtocol:       aws.String("tcp"),
		FromPort:         aws.Int32(port),
		ToPort:           aws.Int32(port),
		UserIdGroupPairs: []types.UserIdGroupPair{{GroupId: aws.String(groupID)}},
	}
}

// ensureSecurityGroups creates or reuses the RDS and EC2 groups in the
// default VPC and authorizes:
//
//   - the database port on the RDS group from the EC2 group,
//   - the database port on the RDS group from the operator (for initialization),
//   - SSH and the application port on the EC2 group from anywhere.
func (p *Provisioner) ensureSecurityGroups(ctx context.Context, s *stack) (securityGroups, error) {
	vpcID, err := defaultVPC(ctx, p.Clients.EC2)
	if err != nil {
		return securityGroups{}, err
	}
	clog.FromContext(ctx).Info("found default VPC", "vpc", vpcID)

	// The RDS group references the EC2 group, so the EC2 group goes first and
	// a rollback removes them in the opposite order.
	a := p.Config.AWS
	ec2ID, err := p.ensureSecurityGroup(ctx, s, vpcID, a.EC2Group,
		"Allow SSH and application traffic to MusicApp EC2 instances")
	if err != nil {
		return securityGroups{}, err
	}
	rdsID, err := p.ensureSecurityGroup(ctx, s, vpcID, a.RDSGroup,
		"Allow PostgreSQL access for MusicApp EC2 instances and local script")
	if err != nil {
		return securityGroups{}, err
	}

	adminCIDR := p.adminCIDR(ctx)
	dbPort := p.Config.Database.Port
	rules := []struct {
		group string
		perm  types.IpPermission
	}{
		{rdsID, tcpFromGroup(dbPort, ec2ID)},
		{rdsID, tcpFromCIDR(dbPort, adminCIDR, "Database initialization from the deploying host")},
		{ec2ID, tcpFromCIDR(p.Config.Instances.SSHPort, anywhere, "")},
		{ec2ID, tcpFromCIDR(p.Config.App.Port, anywhere, "")},
	}
	for _, r := range rules {
		if err := p.authorize(ctx, r.group, r.perm); err != nil {
			return securityGroups{}, err
		}
	}

	return securityGroups{VPCID: vpcID, RDS: rdsID, EC2: ec2ID}, nil
}

// adminCIDR returns the configured operator CIDR, the detected public address
// of this host, or 0.0.0.0/0 when neither is available.
func (p *Provisioner) adminCIDR(ctx context.Context) string {
	log := clog.FromContext(ctx)
	if p.Config.AWS.AdminCIDR != "" {
		return p.Config.AWS.AdminCIDR
	}
	lookup := p.PublicAddr
	if lookup == nil {
		lookup = publicAddr
	}
	addr, err := lookup(ctx)
	if err == nil {
		var cidr string
		if cidr, err = singleAddrCIDR(addr); err == nil {
			log.Info("restricting database ingress to this host", "cidr", cidr)
			return cidr
		}
	}
	log.Warn("could not determine public IP, database ingress will allow any address", "error", err)
	return anywhere
}

// revokeAll removes every ingress rule from a group so that groups
// referencing each other can be deleted.
func (p *Provisioner) revokeAll(ctx context.Context, sg types.SecurityGroup) error {
	if len(sg.IpPermissions) == 0 {
		return nil
	}
	_, err := p.Clients.EC2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       sg.GroupId,
		IpPermissions: sg.IpPermissions,
	})
	if err != nil && !IsCode(err, codePermissionNotFound, codeGroupNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrSecurityGroupRevoke, aws.ToString(sg.GroupId), err)
	}
	clog.FromContext(ctx).Info("revoked ingress rules", "group", aws.ToString(sg.GroupId))
	return nil
}

// deleteSecurityGroup deletes the named group. A missing group is not an
// error; a group still in use yields ErrSecurityGroupDependent.
func (p *Provisioner) deleteSecurityGroup(ctx context.Context, vpcID, name string) error {
	log := clog.FromContext(ctx).With("name", name)

	sg, err := securityGroupDescribe(ctx, p.Clients.EC2, vpcID, name)
	if errors.Is(err, ErrNotFound) {
		log.Info("security group not found or already deleted")
		return nil
	}
	if err != nil {
		return err
	}

	_, err = p.Clients.EC2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: sg.GroupId,
	})
	switch {
	case IsCode(err, codeGroupNotFound):
		log.Info("security group not found or already deleted")
		return nil
	case IsCode(err, codeDependencyViolation):
		log.Warn("security group still has dependencies", "id", aws.ToString(sg.GroupId))
		return fmt.Errorf("%w: %s (%s)", ErrSecurityGroupDependent, name, aws.ToString(sg.GroupId))
	case err != nil:
		return fmt.Errorf("%w: %s: %w", ErrSecurityGroupDelete, name, err)
	}
	log.Info("deleted security group", "id", aws.ToString(sg.GroupId))
	return nil
}
