package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

var (
	ErrInstanceLookup            = fmt.Errorf("failed to look up EC2 instances")
	ErrInstanceCreate            = fmt.Errorf("failed to create EC2 instance")
	ErrInstanceCreateNoInstances = fmt.Errorf("encountered no error during " +
		"instance launch, but no instance was actually created")
	ErrInstanceWait   = fmt.Errorf("failed waiting for EC2 instances")
	ErrInstanceDelete = fmt.Errorf("failed to terminate EC2 instances")
)

// Instance is the addressing information of one launched instance.
type Instance struct {
	ID        string
	PublicIP  string
	PrivateIP string
}

func instanceFrom(i types.Instance) Instance {
	return Instance{
		ID:        aws.ToString(i.InstanceId),
		PublicIP:  aws.ToString(i.PublicIpAddress),
		PrivateIP: aws.ToString(i.PrivateIpAddress),
	}
}

// launchSpec holds what every instance of a deployment shares.
type launchSpec struct {
	AMI             string
	KeyName         string
	SecurityGroupID string
	ProfileName     string
	UserData        string
}

var liveStates = []string{
	string(types.InstanceStateNamePending),
	string(types.InstanceStateNameRunning),
}

// findInstances lists instances matching 'filters'.
func findInstances(ctx context.Context, client EC2API, filters ...types.Filter) ([]types.Instance, error) {
	var out []types.Instance
	p := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{Filters: filters})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInstanceLookup, err)
		}
		for _, r := range page.Reservations {
			out = append(out, r.Instances...)
		}
	}
	return out, nil
}

func filter(name string, values ...string) types.Filter {
	return types.Filter{Name: aws.String(name), Values: values}
}

// liveInstancesNamed lists pending or running instances tagged Name=name.
func (p *Provisioner) liveInstancesNamed(ctx context.Context, name string, states ...string) ([]types.Instance, error) {
	if len(states) == 0 {
		states = liveStates
	}
	return findInstances(ctx, p.Clients.EC2,
		filter("tag:"+tagKeyName, name),
		filter("instance-state-name", states...),
	)
}

// runInstances launches 'count' instances tagged Name=name.
//
// RunInstances is retried while the instance profile is not yet visible to
// EC2, which happens for a short while after it is created.
func (p *Provisioner) runInstances(ctx context.Context, name string, count int32, spec launchSpec) ([]types.Instance, error) {
	log := clog.FromContext(ctx).With("name", name)

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(spec.AMI),
		InstanceType:      types.InstanceType(p.Config.Instances.Type),
		MinCount:          aws.Int32(count),
		MaxCount:          aws.Int32(count),
		KeyName:           aws.String(spec.KeyName),
		SecurityGroupIds:  []string{spec.SecurityGroupID},
		TagSpecifications: p.tags(named(name)).ec2Spec(types.ResourceTypeInstance),
	}
	if spec.UserData != "" {
		input.UserData = aws.String(spec.UserData)
	}
	if spec.ProfileName != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(spec.ProfileName),
		}
	}

	var result *ec2.RunInstancesOutput
	delay := p.profileRetryDelay
	if delay == 0 {
		delay = 2 * time.Second
	}
	for attempt := 1; ; attempt++ {
		var err error
		result, err = p.Clients.EC2.RunInstances(ctx, input)
		if err == nil {
			break
		}
		if attempt >= 10 || !profileNotReady(err) {
			return nil, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
		}
		log.Debug("instance profile not ready, retrying", "attempt", attempt, "backoff", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay = min(delay*2, 30*time.Second)
		}
	}

	if len(result.Instances) == 0 {
		return nil, ErrInstanceCreateNoInstances
	}
	ids := make([]string, 0, len(result.Instances))
	for _, i := range result.Instances {
		ids = append(ids, aws.ToString(i.InstanceId))
	}
	log.Info("launched instances", "ids", ids)
	return result.Instances, nil
}

func profileNotReady(err error) bool {
	if !IsCode(err, codeInvalidParameterValue) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "instance profile") || strings.Contains(msg, "iaminstanceprofile")
}

func instanceIDs(instances []types.Instance) []string {
	ids := make([]string, 0, len(instances))
	for _, i := range instances {
		ids = append(ids, aws.ToString(i.InstanceId))
	}
	return ids
}

// waitRunning waits for 'ids' to reach the running state and returns their
// refreshed descriptions, which carry the public addresses.
func (p *Provisioner) waitRunning(ctx context.Context, ids []string) ([]types.Instance, error) {
	clog.FromContext(ctx).Info("waiting for instances to be running", "ids", ids)
	out, err := ec2.NewInstanceRunningWaiter(p.Clients.EC2).WaitForOutput(ctx,
		&ec2.DescribeInstancesInput{InstanceIds: ids},
		p.Config.Instances.WaitTimeout,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstanceWait, err)
	}
	var instances []types.Instance
	for _, r := range out.Reservations {
		instances = append(instances, r.Instances...)
	}
	return instances, nil
}

// ensureServer reuses a live server instance or launches one.
func (p *Provisioner) ensureServer(ctx context.Context, s *stack, spec launchSpec, noWait bool) (Instance, error) {
	name := p.Config.Instances.ServerName
	log := clog.FromContext(ctx).With("name", name)

	existing, err := p.liveInstancesNamed(ctx, name)
	if err != nil {
		return Instance{}, err
	}
	if len(existing) > 0 {
		server := instanceFrom(existing[0])
		log.Info("server instance already exists", "id", server.ID, "public_ip", server.PublicIP, "private_ip", server.PrivateIP)
		return server, nil
	}

	launched, err := p.runInstances(ctx, name, 1, spec)
	if err != nil {
		return Instance{}, err
	}
	ids := instanceIDs(launched)
	s.Push(func(ctx context.Context) error { return p.terminate(ctx, ids, noWait) })

	if !noWait {
		if launched, err = p.waitRunning(ctx, ids); err != nil {
			return Instance{}, err
		}
	}
	server := instanceFrom(launched[0])
	log.Info("server instance launched", "id", server.ID, "public_ip", server.PublicIP, "private_ip", server.PrivateIP)
	return server, nil
}

// ensureClients tops the live client instances up to the configured count
// and returns all of them, existing first.
func (p *Provisioner) ensureClients(ctx context.Context, s *stack, spec launchSpec, noWait bool) ([]Instance, error) {
	name := p.Config.Instances.ClientName
	log := clog.FromContext(ctx).With("name", name)

	existing, err := p.liveInstancesNamed(ctx, name)
	if err != nil {
		return nil, err
	}
	clients := make([]Instance, 0, max(len(existing), p.Config.Instances.Clients))
	for _, i := range existing {
		clients = append(clients, instanceFrom(i))
	}
	if len(existing) > 0 {
		log.Info("client instances already exist", "count", len(existing))
	}

	missing := p.Config.Instances.Clients - len(existing)
	if missing <= 0 {
		log.Info("desired client count already reached", "desired", p.Config.Instances.Clients)
		return clients, nil
	}

	launched, err := p.runInstances(ctx, name, int32(missing), spec)
	if err != nil {
		return nil, err
	}
	ids := instanceIDs(launched)
	s.Push(func(ctx context.Context) error { return p.terminate(ctx, ids, noWait) })

	if !noWait {
		if launched, err = p.waitRunning(ctx, ids); err != nil {
			return nil, err
		}
	}
	for _, i := range launched {
		clients = append(clients, instanceFrom(i))
	}
	log.Info("client instances launched", "count", len(launched))
	return clients, nil
}

// terminate terminates 'ids' and, unless 'noWait' is set, waits for them to
// be gone. Instances that no longer exist are not an error.
func (p *Provisioner) terminate(ctx context.Context, ids []string, noWait bool) error {
	if len(ids) == 0 {
		return nil
	}
	log := clog.FromContext(ctx).With("ids", ids)

	_, err := p.Clients.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	})
	if IsCode(err, codeInstanceNotFound) {
		log.Info("instances not found or already terminated")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceDelete, err)
	}
	log.Info("terminating instances")

	if noWait {
		return nil
	}
	if err := ec2.NewInstanceTerminatedWaiter(p.Clients.EC2).Wait(ctx,
		&ec2.DescribeInstancesInput{InstanceIds: ids},
		p.Config.Instances.WaitTimeout,
	); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceWait, err)
	}
	log.Info("instances terminated")
	return nil
}
