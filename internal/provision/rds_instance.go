package provision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/chainguard-dev/clog"
)

var (
	ErrDBInstanceLookup = fmt.Errorf("failed to look up RDS instance")
	ErrDBInstanceCreate = fmt.Errorf("failed to create RDS instance")
	ErrDBInstanceWait   = fmt.Errorf("failed waiting for RDS instance")
	ErrDBInstanceDelete = fmt.Errorf("failed to delete RDS instance")
	ErrDBNoEndpoint     = fmt.Errorf("RDS instance is available but reported no endpoint")
)

const dbStatusAvailable = "available"

func dbInstanceDescribe(ctx context.Context, client RDSAPI, id string) (rdstypes.DBInstance, error) {
	result, err := client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(id),
	})
	if IsCode(err, codeDBInstanceNotFound) {
		return rdstypes.DBInstance{}, ErrNotFound
	}
	if err != nil {
		return rdstypes.DBInstance{}, fmt.Errorf("%w: %w", ErrDBInstanceLookup, err)
	}
	if len(result.DBInstances) == 0 {
		return rdstypes.DBInstance{}, ErrNotFound
	}
	return result.DBInstances[0], nil
}

func dbEndpoint(db rdstypes.DBInstance) string {
	if db.Endpoint == nil {
		return ""
	}
	return aws.ToString(db.Endpoint.Address)
}

// ensureDatabase gets or creates the RDS instance and, unless 'noWait' is
// set, waits for it to become available. The returned endpoint is empty only
// when 'noWait' is set and the instance is still being created.
func (p *Provisioner) ensureDatabase(ctx context.Context, s *stack, securityGroupID string, noWait bool) (string, error) {
	d := p.Config.Database
	log := clog.FromContext(ctx).With("db", d.Identifier)

	describe := func(ctx context.Context) (rdstypes.DBInstance, error) {
		return dbInstanceDescribe(ctx, p.Clients.RDS, d.Identifier)
	}
	create := func(ctx context.Context) (rdstypes.DBInstance, error) {
		result, err := p.Clients.RDS.CreateDBInstance(ctx, &rds.CreateDBInstanceInput{
			DBInstanceIdentifier: aws.String(d.Identifier),
			DBInstanceClass:      aws.String(d.Class),
			Engine:               aws.String(d.Engine),
			EngineVersion:        aws.String(d.EngineVersion),
			MasterUsername:       aws.String(d.Username),
			MasterUserPassword:   aws.String(d.Password),
			AllocatedStorage:     aws.Int32(d.AllocatedStorage),
			DBName:               aws.String(d.Name),
			Port:                 aws.Int32(d.Port),
			VpcSecurityGroupIds:  []string{securityGroupID},
			PubliclyAccessible:   aws.Bool(!d.Private),
			Tags:                 p.tags(named(d.Identifier), component("Database")).rds(),
		})
		if err != nil {
			return rdstypes.DBInstance{}, fmt.Errorf("%w: %w", ErrDBInstanceCreate, err)
		}
		if result.DBInstance == nil {
			return rdstypes.DBInstance{}, fmt.Errorf("%w: empty response", ErrDBInstanceCreate)
		}
		return *result.DBInstance, nil
	}

	db, created, err := getOrCreate(ctx, describe, create, codeDBInstanceAlreadyExists)
	if err != nil {
		return "", err
	}
	status := aws.ToString(db.DBInstanceStatus)
	if created {
		log.Info("RDS instance creation started")
		s.Push(func(ctx context.Context) error { return p.deleteDatabase(ctx, noWait) })
	} else {
		log.Info("RDS instance already exists", "status", status)
	}

	if status != dbStatusAvailable {
		if noWait {
			log.Warn("not waiting for RDS instance to become available", "status", status)
			return dbEndpoint(db), nil
		}
		log.Info("waiting for RDS instance to become available", "timeout", d.WaitTimeout)
		out, err := rds.NewDBInstanceAvailableWaiter(p.Clients.RDS).WaitForOutput(ctx,
			&rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(d.Identifier)},
			d.WaitTimeout,
		)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrDBInstanceWait, err)
		}
		if len(out.DBInstances) > 0 {
			db = out.DBInstances[0]
		}
	}

	endpoint := dbEndpoint(db)
	if endpoint == "" {
		return "", ErrDBNoEndpoint
	}
	log.Info("RDS instance is available", "endpoint", endpoint)
	return endpoint, nil
}

// deleteDatabase deletes the RDS instance without a final snapshot and,
// unless 'noWait' is set, waits until it is gone. A missing instance is not
// an error.
func (p *Provisioner) deleteDatabase(ctx context.Context, noWait bool) error {
	d := p.Config.Database
	log := clog.FromContext(ctx).With("db", d.Identifier)

	_, err := p.Clients.RDS.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier:   aws.String(d.Identifier),
		SkipFinalSnapshot:      aws.Bool(true),
		DeleteAutomatedBackups: aws.Bool(true),
	})
	switch {
	case IsCode(err, codeDBInstanceNotFound):
		log.Info("RDS instance not found or already deleted")
		return nil
	case IsCode(err, codeInvalidDBInstanceState):
		log.Info("RDS instance is already being deleted")
	case err != nil:
		return fmt.Errorf("%w: %w", ErrDBInstanceDelete, err)
	default:
		log.Info("RDS instance deletion started")
	}

	if noWait {
		return nil
	}
	err = rds.NewDBInstanceDeletedWaiter(p.Clients.RDS).Wait(ctx,
		&rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(d.Identifier)},
		d.WaitTimeout,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDBInstanceWait, err)
	}
	log.Info("RDS instance deleted")
	return nil
}
