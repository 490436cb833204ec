package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/musicapp/musicdeploy/internal/dbinit"
	"github.com/musicapp/musicdeploy/internal/provision"
)

func (a *app) provisioner(ctx context.Context) (*provision.Provisioner, error) {
	awscfg, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	return &provision.Provisioner{
		Clients:   provision.NewClients(awscfg),
		Config:    a.cfg,
		Inventory: a.inventory(),
		Database:  a.initDatabase,
		RunID:     a.runID,
	}, nil
}

// initDatabase recreates the application database on a fresh RDS instance.
func (a *app) initDatabase(ctx context.Context, endpoint string) error {
	d := a.cfg.Database
	in := &dbinit.Initializer{
		Host:           endpoint,
		Port:           d.Port,
		User:           d.Username,
		Password:       d.Password,
		Name:           d.Name,
		MasterAttempts: d.MasterAttempts,
		MasterInterval: d.MasterInterval,
		AppAttempts:    d.AppAttempts,
		AppInterval:    d.AppInterval,
	}
	return in.Run(ctx)
}

func (a *app) deployCmd() *cobra.Command {
	var (
		clean bool
		opts  provision.Options
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create (or reuse) the key pair, security groups, database, notifications and instances",
		Long: `Create every AWS resource the application needs, reusing any that already
exist, and record the endpoints in the state file.

With --clean, delete everything instead. Deleting is idempotent and keeps
going past individual failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.provisioner(ctx)
			if err != nil {
				return err
			}
			if clean {
				if err := p.Clean(ctx, opts); err != nil {
					return err
				}
				a.printf("All resources deleted.\n")
				return nil
			}

			dep, err := p.Deploy(ctx, opts)
			if err != nil {
				return err
			}
			a.printDeployment(dep)
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&clean, "clean", false, "delete every resource instead of creating them")
	f.BoolVar(&opts.SkipRDS, "nords", false, "skip the RDS instance and database initialization")
	f.BoolVar(&opts.NoWait, "no-wait", false, "do not wait for instances and the database to become ready")
	f.BoolVar(&opts.Rollback, "rollback", false, "delete what this run created if a later step fails")
	return cmd
}

func (a *app) printDeployment(dep *provision.Deployment) {
	a.printf("Deployment complete.\n\n")
	a.printf("  Key pair:        %s (%s)\n", dep.KeyName, dep.KeyPath)
	a.printf("  Security groups: %s (EC2), %s (RDS)\n", dep.EC2SecurityGroup, dep.RDSSecurityGroup)
	if dep.RDSEndpoint != "" {
		a.printf("  Database:        %s\n", dep.RDSEndpoint)
	}
	a.printf("  Server:          %s (public %s, private %s)\n", dep.Server.ID, dep.Server.PublicIP, dep.Server.PrivateIP)
	for i, c := range dep.Clients {
		a.printf("  Client %d:        %s (public %s)\n", i+1, c.ID, c.PublicIP)
	}
	if dep.TopicARN != "" {
		a.printf("  Notifications:   %s -> %s\n", dep.TopicARN, dep.QueueURL)
	}
	a.printf("\nNext: musicdeploy nlb, then musicdeploy configure.\n")
}

func (a *app) nlbCmd() *cobra.Command {
	var (
		clean bool
		opts  provision.Options
	)
	cmd := &cobra.Command{
		Use:   "nlb",
		Short: "Put a network load balancer in front of the server",
		Long: `Create (or reuse) a target group, a network load balancer spanning the
default VPC's subnets and a TCP listener, and register the server with it.
The load balancer's DNS name is recorded in the state file, and clients are
pointed at it on the next configure or update.

With --clean, delete the load balancer and target group and revert clients
to the server's public address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.provisioner(ctx)
			if err != nil {
				return err
			}
			if clean {
				if err := p.CleanNLB(ctx, opts); err != nil {
					return err
				}
				a.printf("Load balancer deleted.\n")
				return nil
			}

			lb, err := p.SetupNLB(ctx, opts)
			if err != nil {
				return err
			}
			health := "healthy"
			switch {
			case opts.QuickRegister || opts.NoWait:
				health = "not checked"
			case !lb.Healthy:
				health = "not yet healthy"
			}
			a.printf("Load balancer ready.\n\n")
			a.printf("  DNS:      %s:%d\n", lb.DNSName, lb.Port)
			a.printf("  Target:   %s (%s)\n", lb.ServerID, health)
			a.printf("  Listener: %s\n", lb.ListenerARN)
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&clean, "clean", false, "delete the load balancer and target group")
	f.BoolVar(&opts.QuickRegister, "quick-register", false, "register the server without waiting for it to become healthy")
	f.BoolVar(&opts.NoWait, "no-wait", false, "do not wait for the load balancer to become active")
	f.BoolVar(&opts.Rollback, "rollback", false, "delete what this run created if a later step fails")
	return cmd
}
