package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/musicapp/musicdeploy/internal/inventory"
)

var ErrNoServer = fmt.Errorf("no running server instance found; run deploy first")

// LoadBalancer summarizes a successful SetupNLB.
type LoadBalancer struct {
	ARN            string
	DNSName        string
	Port           int32
	TargetGroupARN string
	ListenerARN    string
	ServerID       string
	Healthy        bool
}

// SetupNLB puts a network load balancer in front of the deployed server and
// records its address in the inventory, after which clients are configured
// to dial it instead of the server directly.
func (p *Provisioner) SetupNLB(ctx context.Context, opts Options) (_ *LoadBalancer, err error) {
	log := clog.FromContext(ctx)

	inv, err := p.Inventory.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := inv.Require(inventory.KeyServerPrivateIP, inventory.KeyServerPublicIP); err != nil {
		return nil, err
	}

	s := new(stack)
	defer func() {
		if err != nil && opts.Rollback && s.Len() > 0 {
			log.Warn("load balancer setup failed; rolling back", "count", s.Len())
			if rerr := s.Destroy(context.WithoutCancel(ctx)); rerr != nil {
				err = errors.Join(err, fmt.Errorf("%w: %w", ErrRollback, rerr))
			}
		}
	}()

	var (
		vpcID   string
		subnets []string
		lb      = &LoadBalancer{Port: p.Config.LoadBalancer.Port}
	)

	if err := p.step(ctx, "network", func(ctx context.Context) error {
		var err error
		if vpcID, err = defaultVPC(ctx, p.Clients.EC2); err != nil {
			return err
		}
		if subnets, err = subnetsForVPC(ctx, p.Clients.EC2, vpcID); err != nil {
			return err
		}
		if len(subnets) < 2 {
			return fmt.Errorf("%w: found %d in %s", ErrTooFewSubnets, len(subnets), vpcID)
		}
		clog.FromContext(ctx).Info("found subnets", "vpc", vpcID, "subnets", subnets)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.step(ctx, "server", func(ctx context.Context) error {
		servers, err := p.liveInstancesNamed(ctx, p.Config.Instances.ServerName, string(types.InstanceStateNameRunning))
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			return ErrNoServer
		}
		lb.ServerID = aws.ToString(servers[0].InstanceId)
		clog.FromContext(ctx).Info("found server instance", "id", lb.ServerID)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.step(ctx, "target-group", func(ctx context.Context) error {
		var err error
		lb.TargetGroupARN, err = p.ensureTargetGroup(ctx, s, vpcID)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.step(ctx, "load-balancer", func(ctx context.Context) error {
		nlb, err := p.ensureLoadBalancer(ctx, s, subnets, opts.NoWait)
		lb.ARN, lb.DNSName = aws.ToString(nlb.LoadBalancerArn), aws.ToString(nlb.DNSName)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.step(ctx, "listener", func(ctx context.Context) error {
		var err error
		lb.ListenerARN, err = p.ensureListener(ctx, lb.ARN, lb.TargetGroupARN)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.step(ctx, "register", func(ctx context.Context) error {
		registered, err := p.registerTarget(ctx, lb.TargetGroupARN, lb.ServerID)
		if err != nil {
			return err
		}
		if registered && !opts.QuickRegister && !opts.NoWait {
			lb.Healthy = p.awaitHealthy(ctx, lb.TargetGroupARN, lb.ServerID)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.step(ctx, "inventory", func(ctx context.Context) error {
		return p.Inventory.Update(ctx, func(inv *inventory.Inventory) error {
			inv.NLBDNS = lb.DNSName
			inv.NLBPort = lb.Port
			inv.NLBEnabled = true
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	log.Info("load balancer ready", "dns", lb.DNSName, "port", lb.Port)
	return lb, nil
}

// CleanNLB deletes the load balancer and then its target group, and removes
// the load balancer keys from the inventory. Resources that are already gone
// are skipped.
func (p *Provisioner) CleanNLB(ctx context.Context, opts Options) error {
	if err := p.step(ctx, "load-balancer", func(ctx context.Context) error {
		return p.deleteLoadBalancer(ctx, opts.NoWait)
	}); err != nil {
		return err
	}
	if err := p.step(ctx, "target-group", p.deleteTargetGroup); err != nil {
		return err
	}
	return p.step(ctx, "inventory", func(ctx context.Context) error {
		return p.Inventory.Update(ctx, func(inv *inventory.Inventory) error {
			inv.ClearNLB()
			return nil
		})
	})
}
