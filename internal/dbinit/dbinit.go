package dbinit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/musicapp/musicdeploy/internal/log"
)

var (
	//go:embed schema.sql
	Schema string
	//go:embed seed.sql
	Seed string
)

// maintenanceDB is the database every PostgreSQL server has, used while the
// target database is dropped and recreated.
const maintenanceDB = "postgres"

var (
	ErrConnect     = errors.New("failed to connect to database")
	ErrTerminate   = errors.New("failed to terminate existing connections")
	ErrDropCreate  = errors.New("failed to recreate database")
	ErrApplySchema = errors.New("failed to apply schema")
	ErrApplySeed   = errors.New("failed to apply seed data")
)

// Conn is the subset of *pgx.Conn the initializer needs.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// ConnectFunc opens a connection to 'dsn'.
type ConnectFunc func(ctx context.Context, dsn string) (Conn, error)

// PGXConnect is the ConnectFunc used outside of tests.
func PGXConnect(ctx context.Context, dsn string) (Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Initializer recreates an application database and loads its schema and
// seed data.
type Initializer struct {
	Host     string
	Port     int32
	User     string
	Password string
	Name     string

	// The server may report "available" some time before it accepts
	// connections, so both connections are retried at a fixed interval.
	MasterAttempts int
	MasterInterval time.Duration
	AppAttempts    int
	AppInterval    time.Duration

	// Schema and Seed default to the embedded payloads when empty.
	Schema string
	Seed   string

	// Connect defaults to PGXConnect.
	Connect ConnectFunc
}

// Run drops and recreates the target database, then applies the schema and
// seed payloads to it. Any existing data is lost.
func (in *Initializer) Run(ctx context.Context) error {
	in.applyDefaults()
	ctx = log.With(ctx, "db_host", in.Host, "db_name", in.Name)

	log.Info(ctx, "connecting to maintenance database", "database", maintenanceDB)
	master, err := in.connectWithRetry(ctx, DSN(in.Host, in.Port, in.User, in.Password, maintenanceDB), in.MasterAttempts, in.MasterInterval)
	if err != nil {
		return err
	}
	if err := in.recreate(ctx, master); err != nil {
		_ = master.Close(ctx)
		return err
	}
	if err := master.Close(ctx); err != nil {
		log.Warn(ctx, "failed to close maintenance connection", "error", err)
	}

	log.Info(ctx, "connecting to application database")
	app, err := in.connectWithRetry(ctx, DSN(in.Host, in.Port, in.User, in.Password, in.Name), in.AppAttempts, in.AppInterval)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(ctx); err != nil {
			log.Warn(ctx, "failed to close application connection", "error", err)
		}
	}()

	log.Info(ctx, "applying schema")
	if _, err := app.Exec(ctx, in.Schema); err != nil {
		return fmt.Errorf("%w: %w", ErrApplySchema, err)
	}

	log.Info(ctx, "applying seed data")
	if _, err := app.Exec(ctx, in.Seed); err != nil {
		return fmt.Errorf("%w: %w", ErrApplySeed, err)
	}

	log.Info(ctx, "database initialized")
	return nil
}

func (in *Initializer) recreate(ctx context.Context, conn Conn) error {
	tag, err := conn.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		in.Name,
	)
	if err != nil {
		// The target may not exist yet, or the role may lack the privilege.
		log.Warn(ctx, "could not terminate existing connections", "error", fmt.Errorf("%w: %w", ErrTerminate, err))
	} else {
		log.Debug(ctx, "terminated existing connections", "count", tag.RowsAffected())
	}

	ident := pgx.Identifier{in.Name}.Sanitize()

	log.Info(ctx, "dropping database if it exists")
	if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+ident); err != nil {
		return fmt.Errorf("%w: drop: %w", ErrDropCreate, err)
	}

	log.Info(ctx, "creating database")
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		return fmt.Errorf("%w: create: %w", ErrDropCreate, err)
	}
	return nil
}

// connectWithRetry tries to connect up to 'attempts' times, sleeping
// 'interval' between failures.
func (in *Initializer) connectWithRetry(ctx context.Context, dsn string, attempts int, interval time.Duration) (Conn, error) {
	attempt := 0
	conn, err := backoff.Retry(ctx,
		func() (Conn, error) {
			attempt++
			return in.Connect(ctx, dsn)
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(ctx, "connection attempt failed", "attempt", attempt, "of", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnect, attempt, err)
	}
	return conn, nil
}

func (in *Initializer) applyDefaults() {
	if in.Port == 0 {
		in.Port = 5432
	}
	if in.MasterAttempts < 1 {
		in.MasterAttempts = 1
	}
	if in.AppAttempts < 1 {
		in.AppAttempts = 1
	}
	if in.Schema == "" {
		in.Schema = Schema
	}
	if in.Seed == "" {
		in.Seed = Seed
	}
	if in.Connect == nil {
		in.Connect = PGXConnect
	}
}

// DSN builds a postgres:// connection URL with escaped credentials.
func DSN(host string, port int32, user, password, db string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(int(port))),
		Path:     "/" + db,
		RawQuery: "connect_timeout=10",
	}
	return u.String()
}
