package remote

import (
	"fmt"
	"path/filepath"

	"github.com/musicapp/musicdeploy/internal/config"
	"github.com/musicapp/musicdeploy/internal/inventory"
	"github.com/musicapp/musicdeploy/internal/javaconf"
)

// Plan is everything ConfigureAll needs, derived from a deployment.
type Plan struct {
	Server         Target
	Clients        []Target
	ServerSettings javaconf.ServerSettings
	ClientSettings javaconf.ClientSettings
}

// NewPlan builds the configuration plan for the deployment recorded in
// 'inv'. Clients dial the load balancer when one is enabled.
func NewPlan(cfg *config.Config, inv *inventory.Inventory) (*Plan, error) {
	if err := inv.Require(
		inventory.KeyServerPublicIP,
		inventory.KeyRDSEndpoint,
		inventory.KeyDBUsername,
		inventory.KeyDBPassword,
		inventory.KeyDBName,
	); err != nil {
		return nil, err
	}

	keyPath := inv.KeyFile
	if keyPath == "" {
		keyPath = filepath.Join(cfg.AWS.KeyDir, cfg.AWS.KeyPairName+".pem")
	}
	target := func(name, host string) Target {
		return Target{
			Name:     name,
			Host:     host,
			User:     cfg.Instances.SSHUser,
			KeyPath:  keyPath,
			Port:     uint16(cfg.Instances.SSHPort),
			RetryFor: cfg.Instances.SSHRetry,
		}
	}

	bind := inv.ServerPrivateIP
	if bind == "" {
		bind = "0.0.0.0"
	}
	plan := &Plan{
		Server: target("server", inv.ServerPublicIP),
		ServerSettings: javaconf.ServerSettings{
			BindHost: bind,
			Port:     cfg.App.Port,
			DBHost:   inv.RDSEndpoint,
			DBPort:   cfg.Database.Port,
			DBName:   inv.DBName,
			DBUser:   inv.DBUsername,
			DBPass:   inv.DBPassword,
		},
		ClientSettings: javaconf.ClientSettings{
			ServerHost: inv.ServerEndpoint(),
			ServerPort: cfg.App.Port,
		},
	}
	if inv.NLBEnabled && inv.NLBPort != 0 {
		plan.ClientSettings.ServerPort = inv.NLBPort
	}
	for i, ip := range inv.ClientPublicIPs {
		plan.Clients = append(plan.Clients, target(fmt.Sprintf("client-%d", i+1), ip))
	}
	return plan, nil
}
