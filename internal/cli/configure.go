package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/musicapp/musicdeploy/internal/gitops"
	"github.com/musicapp/musicdeploy/internal/javaconf"
	"github.com/musicapp/musicdeploy/internal/remote"
)

var ErrNothingRewritten = fmt.Errorf("no application config files found")

// plan reads the state file and derives the configuration plan from it.
func (a *app) plan(ctx context.Context) (*remote.Plan, error) {
	inv, err := a.inventory().Load(ctx)
	if err != nil {
		return nil, err
	}
	return remote.NewPlan(a.cfg, inv)
}

func (a *app) configureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure and rebuild the Java server and clients over SSH",
		Long: `Connect to every instance recorded in the state file, point the server at
the database and the clients at the server (or the load balancer), and
rebuild each Maven module. The server is configured first; clients follow
after the settle delay, in parallel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			plan, err := a.plan(ctx)
			if err != nil {
				return err
			}
			ac := a.cfg.App
			c := &remote.Configurer{
				Dial:         a.dial,
				RemoteRoot:   ac.RemoteRoot,
				ServerModule: ac.ServerModule,
				ClientModule: ac.ClientModule,
				BuildCommand: ac.BuildCommand,
				SettleDelay:  ac.SettleDelay,
			}
			if err := c.ConfigureAll(ctx, plan.Server, plan.ServerSettings, plan.Clients, plan.ClientSettings); err != nil {
				return err
			}
			a.printf("Configured the server and %d client(s); clients use %s:%d.\n",
				len(plan.Clients), plan.ClientSettings.ServerHost, plan.ClientSettings.ServerPort)
			return nil
		},
	}
	cmd.Flags().Duration("settle", 0, "delay between configuring the server and the clients (default 15s)")
	bindKey(cmd.Flags(), "settle", "app.settle_delay")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var (
		message string
		noPush  bool
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Rewrite the local Java config from the state file, then commit and push it",
		Long: `Rewrite the server and client configuration in the local checkout with the
endpoints recorded in the state file, then commit and push the result so the
repository's deploy workflow rolls it out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			plan, err := a.plan(ctx)
			if err != nil {
				return err
			}
			if err := a.rewriteLocal(ctx, plan); err != nil {
				return err
			}

			repo, err := gitops.Open(a.cfg.App.LocalRoot)
			if err != nil {
				return err
			}
			changed, err := repo.Status(ctx)
			if err != nil {
				return err
			}
			if len(changed) == 0 {
				a.printf("No changes to commit.\n")
				return nil
			}
			committed, err := repo.CommitAndPush(ctx, message, !noPush)
			if err != nil {
				return err
			}
			switch {
			case !committed:
				a.printf("No changes to commit.\n")
			case noPush:
				a.printf("Committed %d change(s); not pushed.\n", len(changed))
			default:
				a.printf("Committed and pushed %d change(s).\n", len(changed))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&message, "message", "m", gitops.DefaultMessage, "commit message")
	f.BoolVar(&noPush, "no-push", false, "commit without pushing")
	return cmd
}

// rewriteLocal applies the plan's rules to the checkout under LocalRoot.
// Missing files are skipped, but at least one must exist.
func (a *app) rewriteLocal(ctx context.Context, plan *remote.Plan) error {
	log := clog.FromContext(ctx)
	ac := a.cfg.App

	files := javaconf.ServerFiles(ac.ServerModule, plan.ServerSettings)
	maps.Copy(files, javaconf.ClientFiles(ac.ClientModule, plan.ClientSettings))

	found := 0
	for _, rel := range slices.Sorted(maps.Keys(files)) {
		path := filepath.Join(ac.LocalRoot, filepath.FromSlash(rel))
		report, err := javaconf.RewriteFile(path, files[rel])
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("config file not found, skipping", "path", path)
			continue
		}
		if err != nil {
			return err
		}
		found++
		if unmatched := report.Unmatched(); len(unmatched) > 0 {
			log.Warn("config entries not found", "path", path, "entries", unmatched)
		}
		log.Info("config rewritten", "path", path, "changed", report.Changed)
	}
	if found == 0 {
		return fmt.Errorf("%w under %s", ErrNothingRewritten, ac.LocalRoot)
	}
	return nil
}
