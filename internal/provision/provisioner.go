package provision

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/musicapp/musicdeploy/internal/config"
	"github.com/musicapp/musicdeploy/internal/inventory"
	ilog "github.com/musicapp/musicdeploy/internal/log"
	"github.com/musicapp/musicdeploy/internal/o11y"
)

// DatabaseInitializer loads the schema and seed data into the database
// reachable at 'endpoint'.
type DatabaseInitializer func(ctx context.Context, endpoint string) error

// Provisioner creates, reuses and tears down the deployment's AWS resources
// and records their endpoints in the inventory.
type Provisioner struct {
	Clients   Clients
	Config    *config.Config
	Inventory inventory.Store

	// Database runs after the RDS instance is available. When nil, the
	// database is left as RDS created it.
	Database DatabaseInitializer

	// RunID is tagged onto every created resource.
	RunID string

	// PublicAddr resolves this host's public IP; defaults to an HTTP lookup.
	PublicAddr func(context.Context) (string, error)
	// Reachable waits for a TCP port on a new instance; defaults to polling
	// with a dialer.
	Reachable func(ctx context.Context, host string, port int32) error

	profileRetryDelay time.Duration
}

// Options toggles the optional parts of a run.
type Options struct {
	// SkipRDS skips the database instance and its initialization.
	SkipRDS bool
	// NoWait returns as soon as resources are requested instead of waiting
	// for them to become ready.
	NoWait bool
	// QuickRegister registers the load balancer target without polling its
	// health afterwards.
	QuickRegister bool
	// Rollback destroys what this run created if a later step fails.
	Rollback bool
}

// Deployment summarizes a successful Deploy.
type Deployment struct {
	KeyName          string
	KeyPath          string
	VPCID            string
	RDSSecurityGroup string
	EC2SecurityGroup string
	RDSEndpoint      string
	Server           Instance
	Clients          []Instance
	TopicARN         string
	QueueURL         string
}

// step runs 'fn' with a logger and a span scoped to 'name'.
func (p *Provisioner) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx = ilog.Step(ctx, name)
	return o11y.Span(ctx, "provision."+name, fn,
		attribute.String(o11y.AttrRunID, p.RunID),
		attribute.String(o11y.AttrResource, name),
	)
}

func (p *Provisioner) reachable(ctx context.Context, host string, port int32) error {
	if p.Reachable != nil {
		return p.Reachable(ctx, host, port)
	}
	return waitTCP(ctx, host, port, 5*time.Second)
}
