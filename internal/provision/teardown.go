package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
)

var ErrCleanIncomplete = fmt.Errorf("cleanup finished with errors; some resources may need manual deletion")

// Clean tears the deployment down in reverse dependency order. It is
// best-effort: every step runs even if an earlier one failed, resources that
// are already gone are skipped, and all failures are returned joined.
//
// The load balancer is not removed here; see CleanNLB.
func (p *Provisioner) Clean(ctx context.Context, opts Options) error {
	log := clog.FromContext(ctx)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"instances", func(ctx context.Context) error {
			instances, err := findInstances(ctx, p.Clients.EC2,
				filter("tag:"+tagKeyApplication, p.Config.AWS.Application),
				filter("instance-state-name", "pending", "running", "stopping", "stopped"),
			)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				clog.FromContext(ctx).Info("no instances to terminate", "application", p.Config.AWS.Application)
				return nil
			}
			return p.terminate(ctx, instanceIDs(instances), opts.NoWait)
		}},
		{"rds", func(ctx context.Context) error {
			return p.deleteDatabase(ctx, opts.NoWait)
		}},
		{"instance-profile", p.deleteInstanceProfile},
		{"queue", p.deleteQueue},
		{"topic", func(ctx context.Context) error {
			account, err := p.accountID(ctx)
			if err != nil {
				return err
			}
			return p.deleteTopic(ctx, p.topicARN(account))
		}},
		{"security-groups", p.cleanSecurityGroups},
		{"keypair", p.deleteKeyPair},
		{"inventory", func(ctx context.Context) error {
			return p.Inventory.Remove(ctx)
		}},
	}

	var errs error
	for _, st := range steps {
		if err := p.step(ctx, st.name, st.fn); err != nil {
			log.Warn("cleanup step failed, continuing", "step", st.name, "error", err)
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrCleanIncomplete, errs)
	}
	log.Info("cleanup complete")
	return nil
}

// cleanSecurityGroups revokes every ingress rule of both groups first, so
// the RDS group's reference to the EC2 group does not block deletion, then
// deletes the RDS group and the EC2 group in that order.
func (p *Provisioner) cleanSecurityGroups(ctx context.Context) error {
	vpcID, err := defaultVPC(ctx, p.Clients.EC2)
	if err != nil {
		return err
	}
	names := []string{p.Config.AWS.RDSGroup, p.Config.AWS.EC2Group}

	var errs error
	for _, name := range names {
		sg, err := securityGroupDescribe(ctx, p.Clients.EC2, vpcID, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if err := p.revokeAll(ctx, sg); err != nil {
			clog.FromContext(ctx).Warn("could not revoke ingress rules", "name", name, "error", err)
		}
	}
	for _, name := range names {
		errs = errors.Join(errs, p.deleteSecurityGroup(ctx, vpcID, name))
	}
	return errs
}
