// Package cli implements the musicdeploy command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/musicapp/musicdeploy/internal/config"
	"github.com/musicapp/musicdeploy/internal/inventory"
	ilog "github.com/musicapp/musicdeploy/internal/log"
	"github.com/musicapp/musicdeploy/internal/o11y"
	"github.com/musicapp/musicdeploy/internal/remote"
)

// viperKey is the flag annotation naming the configuration key a flag sets.
const viperKey = "musicdeploy/viper-key"

// app carries the state shared by every command for one invocation.
type app struct {
	v     *viper.Viper
	cfg   *config.Config
	runID string
	out   io.Writer

	configFile string
	envFile    string
	logLevel   string
	logDir     string

	// Seams replaced in tests.
	awsConfig func(ctx context.Context, region string) (aws.Config, error)
	dial      remote.Dialer

	closers []func()
}

// Execute runs the command line 'args' (without the program name).
func Execute(ctx context.Context, args []string) error {
	a := &app{
		v:         viper.New(),
		out:       os.Stdout,
		awsConfig: loadAWSConfig,
		dial:      remote.DialSSH,
	}
	defer a.teardown()

	root := newRoot(a)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "musicdeploy",
		Short: "Provision and operate the music database query app on AWS",
		Long: `musicdeploy provisions the AWS resources behind the music database query
application (EC2 instances, security groups, a PostgreSQL RDS instance, an
optional network load balancer and SNS/SQS audit notifications), configures
the Java server and clients over SSH, and keeps the repository's deploy
workflow in sync.

State is recorded in deploy_config.json and read by every follow-up command.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default: ./musicdeploy.{yaml,json,toml} when present)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded into the environment and searched for GITHUB_TOKEN")
	pf.StringVar(&a.logLevel, "log-level", "info", "console log level (debug, info, warn, error)")
	pf.StringVar(&a.logDir, "log-dir", "", "also write a JSON log of the run to this directory")
	pf.String("state", "", "deployment state file (default: deploy_config.json)")
	pf.String("region", "", "AWS region (default: us-east-1)")
	bindKey(pf, "state", "state")
	bindKey(pf, "region", "aws.region")
	bindKey(pf, "env-file", "github.env_file")

	root.AddCommand(
		a.deployCmd(),
		a.nlbCmd(),
		a.configureCmd(),
		a.updateCmd(),
		a.secretsCmd(),
		a.monitorCmd(),
	)
	return root
}

// bindKey marks flag 'name' as setting the configuration key 'key'.
func bindKey(fs *pflag.FlagSet, name, key string) {
	_ = fs.SetAnnotation(name, viperKey, []string{key})
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.runID = uuid.NewString()
	ctx := a.logger(cmd.Context(), cmd.CommandPath())

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[viperKey]; len(keys) > 0 && bindErr == nil {
			bindErr = a.v.BindPFlag(keys[0], f)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.Load(a.v, a.configFile, a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	clog.FromContext(ctx).Debug("configuration loaded", "state", cfg.StatePath, "region", cfg.AWS.Region)
	cmd.SetContext(ctx)
	return nil
}

// logger installs the console handler, fanned out to the OTLP log exporter
// and the run file when they are configured.
func (a *app) logger(ctx context.Context, command string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	handlers := []slog.Handler{ilog.NewConsoleHandler(os.Stderr, a.logLevel)}

	otelHandler, shutdown, err := o11y.SetupLogs(ctx)
	switch {
	case err != nil:
		clog.WarnContext(ctx, "failed to set up log export", "error", err)
	case otelHandler != nil:
		handlers = append(handlers, otelHandler)
		a.closers = append(a.closers, func() { _ = shutdown(context.WithoutCancel(ctx)) })
	}

	logger := clog.New(slogmulti.Fanout(handlers...)).With(o11y.AttrRunID, a.runID, o11y.AttrCommand, command)
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)

	ctx, closeFile := ilog.WithRunFile(ctx, a.logDir, command, a.runID)
	a.closers = append(a.closers, closeFile)
	return ctx
}

func (a *app) teardown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) inventory() inventory.Store {
	return inventory.NewFile(a.cfg.StatePath)
}

func (a *app) aws(ctx context.Context) (aws.Config, error) {
	awscfg, err := a.awsConfig(ctx, a.cfg.AWS.Region)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return awscfg, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
