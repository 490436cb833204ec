package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/musicapp/musicdeploy/internal/inventory"
)

var (
	ErrDatabaseInit = fmt.Errorf("failed to initialize database")
	ErrPersist      = fmt.Errorf("failed to record deployment")
	ErrRollback     = fmt.Errorf("failed to roll back partially created resources")
)

// Deploy brings the deployment to its desired state, reusing everything that
// already exists:
//
//  1. key pair
//  2. security groups
//  3. RDS instance (unless SkipRDS)
//  4. database schema and seed data (unless SkipRDS)
//  5. SNS topic and SQS queue
//  6. server instance profile
//  7. server instance
//  8. client instances
//  9. inventory
//
// If a step fails and opts.Rollback is set, resources created by this call
// are destroyed in reverse order; pre-existing ones are never touched.
func (p *Provisioner) Deploy(ctx context.Context, opts Options) (_ *Deployment, err error) {
	log := clog.FromContext(ctx)

	if !opts.SkipRDS {
		if err := p.Config.ValidateDatabase(); err != nil {
			return nil, err
		}
	}

	s := new(stack)
	defer func() {
		if err == nil || s.Len() == 0 {
			return
		}
		if !opts.Rollback {
			log.Warn("deploy failed; resources created by this run were kept, run with --clean to remove them", "count", s.Len())
			return
		}
		log.Warn("deploy failed; rolling back resources created by this run", "count", s.Len())
		if rerr := s.Destroy(context.WithoutCancel(ctx)); rerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %w", ErrRollback, rerr))
		}
	}()

	dep := new(Deployment)

	if err := p.step(ctx, "keypair", func(ctx context.Context) error {
		kp, err := p.ensureKeyPair(ctx, s)
		dep.KeyName, dep.KeyPath = kp.Name, kp.Path
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.step(ctx, "security-groups", func(ctx context.Context) error {
		sgs, err := p.ensureSecurityGroups(ctx, s)
		dep.VPCID, dep.RDSSecurityGroup, dep.EC2SecurityGroup = sgs.VPCID, sgs.RDS, sgs.EC2
		return err
	}); err != nil {
		return nil, err
	}

	if opts.SkipRDS {
		log.Info("skipping RDS instance and database initialization")
	} else {
		if err := p.step(ctx, "rds", func(ctx context.Context) error {
			endpoint, err := p.ensureDatabase(ctx, s, dep.RDSSecurityGroup, opts.NoWait)
			dep.RDSEndpoint = endpoint
			return err
		}); err != nil {
			return nil, err
		}

		if err := p.step(ctx, "database-init", func(ctx context.Context) error {
			switch {
			case p.Database == nil:
				clog.FromContext(ctx).Info("no database initializer configured")
				return nil
			case dep.RDSEndpoint == "":
				clog.FromContext(ctx).Warn("RDS instance has no endpoint yet, skipping database initialization")
				return nil
			}
			if err := p.Database(ctx, dep.RDSEndpoint); err != nil {
				return fmt.Errorf("%w: %w", ErrDatabaseInit, err)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := p.step(ctx, "notifications", func(ctx context.Context) error {
		n, err := p.ensureNotifications(ctx, s)
		dep.TopicARN, dep.QueueURL = n.TopicARN, n.QueueURL
		return err
	}); err != nil {
		return nil, err
	}

	spec := launchSpec{KeyName: dep.KeyName, SecurityGroupID: dep.EC2SecurityGroup}
	if err := p.step(ctx, "instance-profile", func(ctx context.Context) error {
		var err error
		spec.ProfileName, err = p.ensureInstanceProfile(ctx, s, dep.TopicARN)
		return err
	}); err != nil {
		return nil, err
	}
	if spec.AMI, err = p.resolveAMI(ctx); err != nil {
		return nil, err
	}
	if spec.UserData, err = p.userData(); err != nil {
		return nil, err
	}

	if err := p.step(ctx, "server", func(ctx context.Context) error {
		var err error
		dep.Server, err = p.ensureServer(ctx, s, spec, opts.NoWait)
		return err
	}); err != nil {
		return nil, err
	}

	// Only the server runs under the instance profile.
	clientSpec := spec
	clientSpec.ProfileName = ""
	if err := p.step(ctx, "clients", func(ctx context.Context) error {
		var err error
		dep.Clients, err = p.ensureClients(ctx, s, clientSpec, opts.NoWait)
		return err
	}); err != nil {
		return nil, err
	}

	if !opts.NoWait && dep.Server.PublicIP != "" {
		_ = p.step(ctx, "ssh", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, p.Config.Instances.WaitTimeout)
			defer cancel()
			if err := p.reachable(ctx, dep.Server.PublicIP, p.Config.Instances.SSHPort); err != nil {
				clog.FromContext(ctx).Warn("server SSH port is not reachable yet", "host", dep.Server.PublicIP, "error", err)
				return err
			}
			return nil
		})
	}

	if err := p.step(ctx, "inventory", func(ctx context.Context) error {
		return p.record(ctx, dep, opts)
	}); err != nil {
		return nil, err
	}

	log.Info("deploy complete",
		"server_public_ip", dep.Server.PublicIP,
		"server_private_ip", dep.Server.PrivateIP,
		"clients", len(dep.Clients),
		"rds_endpoint", dep.RDSEndpoint,
		"key_file", dep.KeyPath)
	return dep, nil
}

// record merges the deployment into the inventory. Keys owned by other
// commands, such as the load balancer's, are left alone.
func (p *Provisioner) record(ctx context.Context, dep *Deployment, opts Options) error {
	err := p.Inventory.Update(ctx, func(inv *inventory.Inventory) error {
		inv.ServerPublicIP = dep.Server.PublicIP
		inv.ServerPrivateIP = dep.Server.PrivateIP
		inv.ServerInstanceID = dep.Server.ID
		inv.ClientPublicIPs = inv.ClientPublicIPs[:0]
		inv.ClientPrivateIPs = inv.ClientPrivateIPs[:0]
		for _, c := range dep.Clients {
			inv.ClientPublicIPs = append(inv.ClientPublicIPs, c.PublicIP)
			inv.ClientPrivateIPs = append(inv.ClientPrivateIPs, c.PrivateIP)
		}
		if !opts.SkipRDS {
			inv.RDSEndpoint = dep.RDSEndpoint
			inv.DBUsername = p.Config.Database.Username
			inv.DBPassword = p.Config.Database.Password
			inv.DBName = p.Config.Database.Name
		}
		inv.KeyPairName = dep.KeyName
		inv.KeyFile = dep.KeyPath
		inv.SNSTopicARN = dep.TopicARN
		inv.SQSQueueURL = dep.QueueURL
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}
