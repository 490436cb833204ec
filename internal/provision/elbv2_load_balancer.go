package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/chainguard-dev/clog"
)

var (
	ErrTargetGroupLookup  = fmt.Errorf("failed to look up target group")
	ErrTargetGroupCreate  = fmt.Errorf("failed to create target group")
	ErrTargetGroupDelete  = fmt.Errorf("failed to delete target group")
	ErrLoadBalancerLookup = fmt.Errorf("failed to look up load balancer")
	ErrLoadBalancerCreate = fmt.Errorf("failed to create load balancer")
	ErrLoadBalancerWait   = fmt.Errorf("failed waiting for load balancer")
	ErrLoadBalancerDelete = fmt.Errorf("failed to delete load balancer")
	ErrListenerLookup     = fmt.Errorf("failed to look up listeners")
	ErrListenerCreate     = fmt.Errorf("failed to create listener")
	ErrTargetRegister     = fmt.Errorf("failed to register target")
)

func targetGroupDescribe(ctx context.Context, client ELBAPI, name string) (elbtypes.TargetGroup, error) {
	result, err := client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		Names: []string{name},
	})
	if IsCode(err, codeTargetGroupNotFound) {
		return elbtypes.TargetGroup{}, ErrNotFound
	}
	if err != nil {
		return elbtypes.TargetGroup{}, fmt.Errorf("%w: %w", ErrTargetGroupLookup, err)
	}
	if len(result.TargetGroups) == 0 {
		return elbtypes.TargetGroup{}, ErrNotFound
	}
	return result.TargetGroups[0], nil
}

func loadBalancerDescribe(ctx context.Context, client ELBAPI, name string) (elbtypes.LoadBalancer, error) {
	result, err := client.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{
		Names: []string{name},
	})
	if IsCode(err, codeLoadBalancerNotFound) {
		return elbtypes.LoadBalancer{}, ErrNotFound
	}
	if err != nil {
		return elbtypes.LoadBalancer{}, fmt.Errorf("%w: %w", ErrLoadBalancerLookup, err)
	}
	if len(result.LoadBalancers) == 0 {
		return elbtypes.LoadBalancer{}, ErrNotFound
	}
	return result.LoadBalancers[0], nil
}

// ensureTargetGroup gets or creates the TCP target group with TCP health
// checks on the application port, and returns its ARN.
func (p *Provisioner) ensureTargetGroup(ctx context.Context, s *stack, vpcID string) (string, error) {
	lb := p.Config.LoadBalancer
	port := p.Config.App.Port

	describe := func(ctx context.Context) (string, error) {
		tg, err := targetGroupDescribe(ctx, p.Clients.ELB, lb.TargetGroup)
		return aws.ToString(tg.TargetGroupArn), err
	}
	create := func(ctx context.Context) (string, error) {
		result, err := p.Clients.ELB.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
			Name:                       aws.String(lb.TargetGroup),
			Protocol:                   elbtypes.ProtocolEnumTcp,
			Port:                       aws.Int32(port),
			VpcId:                      aws.String(vpcID),
			TargetType:                 elbtypes.TargetTypeEnumInstance,
			HealthCheckProtocol:        elbtypes.ProtocolEnumTcp,
			HealthCheckPort:            aws.String(strconv.Itoa(int(port))),
			HealthCheckIntervalSeconds: aws.Int32(lb.HealthInterval),
			HealthyThresholdCount:      aws.Int32(lb.HealthyThreshold),
			UnhealthyThresholdCount:    aws.Int32(lb.UnhealthyThreshold),
			Tags:                       p.tags(named(lb.TargetGroup), component("LoadBalancer")).elb(),
		})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrTargetGroupCreate, err)
		}
		if len(result.TargetGroups) == 0 {
			return "", fmt.Errorf("%w: no target group returned", ErrTargetGroupCreate)
		}
		return aws.ToString(result.TargetGroups[0].TargetGroupArn), nil
	}

	arn, created, err := getOrCreate(ctx, describe, create, codeDuplicateTargetGroup)
	if err != nil {
		return "", err
	}
	log := clog.FromContext(ctx).With("target_group", lb.TargetGroup, "arn", arn)
	if created {
		log.Info("created target group")
		s.Push(p.deleteTargetGroup)
	} else {
		log.Info("target group already exists")
	}
	return arn, nil
}

// ensureLoadBalancer gets or creates the internet-facing network load
// balancer across 'subnets' and, unless 'noWait' is set, waits for a newly
// created one to become active.
func (p *Provisioner) ensureLoadBalancer(ctx context.Context, s *stack, subnets []string, noWait bool) (elbtypes.LoadBalancer, error) {
	name := p.Config.LoadBalancer.Name

	describe := func(ctx context.Context) (elbtypes.LoadBalancer, error) {
		return loadBalancerDescribe(ctx, p.Clients.ELB, name)
	}
	create := func(ctx context.Context) (elbtypes.LoadBalancer, error) {
		result, err := p.Clients.ELB.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
			Name:    aws.String(name),
			Subnets: subnets,
			Type:    elbtypes.LoadBalancerTypeEnumNetwork,
			Scheme:  elbtypes.LoadBalancerSchemeEnumInternetFacing,
			Tags:    p.tags(named(name), component("LoadBalancer")).elb(),
		})
		if err != nil {
			return elbtypes.LoadBalancer{}, fmt.Errorf("%w: %w", ErrLoadBalancerCreate, err)
		}
		if len(result.LoadBalancers) == 0 {
			return elbtypes.LoadBalancer{}, fmt.Errorf("%w: no load balancer returned", ErrLoadBalancerCreate)
		}
		return result.LoadBalancers[0], nil
	}

	nlb, created, err := getOrCreate(ctx, describe, create, codeDuplicateLB)
	if err != nil {
		return elbtypes.LoadBalancer{}, err
	}
	arn := aws.ToString(nlb.LoadBalancerArn)
	log := clog.FromContext(ctx).With("load_balancer", name, "dns", aws.ToString(nlb.DNSName))
	if !created {
		log.Info("load balancer already exists")
		return nlb, nil
	}
	log.Info("created load balancer", "arn", arn)
	s.Push(func(ctx context.Context) error { return p.deleteLoadBalancer(ctx, noWait) })

	if noWait {
		return nlb, nil
	}
	log.Info("waiting for load balancer to become active")
	if err := elbv2.NewLoadBalancerAvailableWaiter(p.Clients.ELB).Wait(ctx,
		&elbv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{arn}},
		p.Config.LoadBalancer.WaitTimeout,
	); err != nil {
		return elbtypes.LoadBalancer{}, fmt.Errorf("%w: %w", ErrLoadBalancerWait, err)
	}
	log.Info("load balancer is active")
	return nlb, nil
}

// ensureListener gets or creates the TCP listener on the load balancer port
// forwarding to 'targetGroupARN'. Listeners are deleted with their load
// balancer, so nothing is pushed onto the stack.
func (p *Provisioner) ensureListener(ctx context.Context, lbARN, targetGroupARN string) (string, error) {
	port := p.Config.LoadBalancer.Port
	log := clog.FromContext(ctx).With("port", port)

	result, err := p.Clients.ELB.DescribeListeners(ctx, &elbv2.DescribeListenersInput{
		LoadBalancerArn: aws.String(lbARN),
	})
	if err != nil && !IsCode(err, codeLoadBalancerNotFound) {
		return "", fmt.Errorf("%w: %w", ErrListenerLookup, err)
	}
	if result != nil {
		for _, l := range result.Listeners {
			if aws.ToInt32(l.Port) == port {
				log.Info("listener already exists", "arn", aws.ToString(l.ListenerArn))
				return aws.ToString(l.ListenerArn), nil
			}
		}
	}

	created, err := p.Clients.ELB.CreateListener(ctx, &elbv2.CreateListenerInput{
		LoadBalancerArn: aws.String(lbARN),
		Protocol:        elbtypes.ProtocolEnumTcp,
		Port:            aws.Int32(port),
		DefaultActions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: aws.String(targetGroupARN),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrListenerCreate, err)
	}
	if len(created.Listeners) == 0 {
		return "", fmt.Errorf("%w: no listener returned", ErrListenerCreate)
	}
	arn := aws.ToString(created.Listeners[0].ListenerArn)
	log.Info("created listener", "arn", arn)
	return arn, nil
}

// targetHealth returns the health of 'instanceID' in the target group, or
// nil if it is not registered.
func (p *Provisioner) targetHealth(ctx context.Context, targetGroupARN, instanceID string) (*elbtypes.TargetHealth, error) {
	result, err := p.Clients.ELB.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(targetGroupARN),
	})
	if err != nil {
		return nil, err
	}
	for _, d := range result.TargetHealthDescriptions {
		if d.Target != nil && aws.ToString(d.Target.Id) == instanceID {
			if d.TargetHealth == nil {
				return &elbtypes.TargetHealth{}, nil
			}
			return d.TargetHealth, nil
		}
	}
	return nil, nil
}

// registerTarget registers the server instance unless it already is. It
// reports whether a registration was made.
func (p *Provisioner) registerTarget(ctx context.Context, targetGroupARN, instanceID string) (bool, error) {
	log := clog.FromContext(ctx).With("instance", instanceID)

	health, err := p.targetHealth(ctx, targetGroupARN, instanceID)
	if err != nil {
		log.Debug("could not read target health before registering", "error", err)
	}
	if health != nil {
		log.Info("instance already registered", "state", health.State)
		return false, nil
	}

	_, err = p.Clients.ELB.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(targetGroupARN),
		Targets: []elbtypes.TargetDescription{{
			Id:   aws.String(instanceID),
			Port: aws.Int32(p.Config.App.Port),
		}},
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrTargetRegister, err)
	}
	log.Info("registered instance in target group")
	return true, nil
}

// awaitHealthy polls the target's health a bounded number of times. Not
// becoming healthy is logged, not returned: the application may simply not
// be started yet.
func (p *Provisioner) awaitHealthy(ctx context.Context, targetGroupARN, instanceID string) bool {
	lb := p.Config.LoadBalancer
	log := clog.FromContext(ctx).With("instance", instanceID)

	for attempt := 1; attempt <= lb.HealthPolls; attempt++ {
		health, err := p.targetHealth(ctx, targetGroupARN, instanceID)
		switch {
		case err != nil:
			log.Warn("failed to check target health", "error", err)
		case health == nil:
			log.Warn("target is not registered")
		case health.State == elbtypes.TargetHealthStateEnumHealthy:
			log.Info("target is healthy")
			return true
		case health.State == elbtypes.TargetHealthStateEnumUnhealthy:
			log.Warn("target is unhealthy",
				"reason", health.Reason,
				"description", aws.ToString(health.Description))
		default:
			log.Info("target health", "state", health.State, "attempt", attempt)
		}

		if attempt == lb.HealthPolls {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(lb.HealthPollInterval):
		}
	}
	log.Warn("target did not become healthy", "waited", time.Duration(lb.HealthPolls)*lb.HealthPollInterval)
	return false
}

// deleteLoadBalancer deletes the load balancer (and with it its listeners)
// and, unless 'noWait' is set, waits until it is gone.
func (p *Provisioner) deleteLoadBalancer(ctx context.Context, noWait bool) error {
	name := p.Config.LoadBalancer.Name
	log := clog.FromContext(ctx).With("load_balancer", name)

	nlb, err := loadBalancerDescribe(ctx, p.Clients.ELB, name)
	if errors.Is(err, ErrNotFound) {
		log.Info("load balancer not found or already deleted")
		return nil
	}
	if err != nil {
		return err
	}

	arn := nlb.LoadBalancerArn
	_, err = p.Clients.ELB.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{LoadBalancerArn: arn})
	if IsCode(err, codeLoadBalancerNotFound) {
		log.Info("load balancer not found or already deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadBalancerDelete, err)
	}
	log.Info("deleted load balancer")

	if noWait {
		return nil
	}
	if err := elbv2.NewLoadBalancersDeletedWaiter(p.Clients.ELB).Wait(ctx,
		&elbv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{aws.ToString(arn)}},
		p.Config.LoadBalancer.WaitTimeout,
	); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadBalancerWait, err)
	}
	log.Info("load balancer is gone")
	return nil
}

// deleteTargetGroup deletes the target group. It fails with ResourceInUse
// while a load balancer still forwards to it.
func (p *Provisioner) deleteTargetGroup(ctx context.Context) error {
	name := p.Config.LoadBalancer.TargetGroup
	log := clog.FromContext(ctx).With("target_group", name)

	tg, err := targetGroupDescribe(ctx, p.Clients.ELB, name)
	if errors.Is(err, ErrNotFound) {
		log.Info("target group not found or already deleted")
		return nil
	}
	if err != nil {
		return err
	}
	_, err = p.Clients.ELB.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: tg.TargetGroupArn})
	if IsCode(err, codeTargetGroupNotFound) {
		log.Info("target group not found or already deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTargetGroupDelete, err)
	}
	log.Info("deleted target group")
	return nil
}
