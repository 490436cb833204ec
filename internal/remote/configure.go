package remote

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/musicapp/musicdeploy/internal/javaconf"
	ilog "github.com/musicapp/musicdeploy/internal/log"
	"github.com/musicapp/musicdeploy/internal/o11y"
)

var (
	ErrMissingSource = fmt.Errorf("application source not found on instance")
	ErrBuild         = fmt.Errorf("application build failed")
	ErrConfigure     = fmt.Errorf("failed to configure instance")
)

// Configurer rewrites the application config on each instance and rebuilds
// the affected Maven module.
type Configurer struct {
	Dial Dialer

	// RemoteRoot is the repository checkout on the instances.
	RemoteRoot   string
	ServerModule string
	ClientModule string
	BuildCommand string
	// SettleDelay separates server and client configuration, giving the
	// rebuilt server time to come up.
	SettleDelay time.Duration
}

// ConfigureServer points the server module at the database and rebuilds it.
func (c *Configurer) ConfigureServer(ctx context.Context, t Target, s javaconf.ServerSettings) error {
	defaults := map[string]string{
		path.Join(c.ServerModule, javaconf.ServerPropertiesPath): javaconf.DefaultProperties(s),
	}
	return c.configure(ctx, t, c.ServerModule, javaconf.ServerFiles(c.ServerModule, s), defaults)
}

// ConfigureClient points the client module at 's' and rebuilds it.
func (c *Configurer) ConfigureClient(ctx context.Context, t Target, s javaconf.ClientSettings) error {
	return c.configure(ctx, t, c.ClientModule, javaconf.ClientFiles(c.ClientModule, s), nil)
}

// ConfigureAll configures the server, waits SettleDelay, then configures the
// clients concurrently. A client failure does not stop the others.
func (c *Configurer) ConfigureAll(ctx context.Context, server Target, s javaconf.ServerSettings, clients []Target, cs javaconf.ClientSettings) error {
	if err := c.ConfigureServer(ctx, server, s); err != nil {
		return err
	}
	if len(clients) == 0 {
		return nil
	}

	if c.SettleDelay > 0 {
		clog.FromContext(ctx).Info("waiting for the server to settle", "delay", c.SettleDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.SettleDelay):
		}
	}

	var g errgroup.Group
	errs := make([]error, len(clients))
	for i, t := range clients {
		g.Go(func() error {
			errs[i] = c.ConfigureClient(ctx, t, cs)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Configurer) configure(ctx context.Context, t Target, module string, files map[string][]javaconf.Rule, defaults map[string]string) error {
	ctx = ilog.With(ctx, "target", t.Name, "host", t.Host)
	return o11y.Span(ctx, "configure."+t.Name, func(ctx context.Context) error {
		log := clog.FromContext(ctx)

		r, err := c.Dial(ctx, t)
		if err != nil {
			return err
		}
		defer r.Close()

		for _, rel := range slices.Sorted(maps.Keys(files)) {
			if err := c.rewrite(ctx, r, rel, files[rel], defaults[rel]); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrConfigure, t.Name, err)
			}
		}

		dir := path.Join(c.RemoteRoot, module)
		log.Info("building module", "dir", dir, "cmd", c.BuildCommand)
		if _, err := r.Run(ctx, dir, c.BuildCommand); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrBuild, t.Name, err)
		}
		log.Info("instance configured")
		return nil
	}, attribute.String(o11y.AttrResource, t.Host))
}

// rewrite applies 'rules' to one remote file. A missing file is created from
// 'fallback' when one is given.
func (c *Configurer) rewrite(ctx context.Context, r Runner, rel string, rules []javaconf.Rule, fallback string) error {
	log := clog.FromContext(ctx)
	full := path.Join(c.RemoteRoot, rel)

	exists, err := r.FileExists(ctx, full)
	if err != nil {
		return err
	}
	if !exists {
		if fallback == "" {
			return fmt.Errorf("%w: %s", ErrMissingSource, full)
		}
		log.Warn("config file missing, writing defaults", "path", full)
		return r.WriteFile(ctx, full, []byte(fallback))
	}

	data, err := r.ReadFile(ctx, full)
	if err != nil {
		return err
	}
	out, report := javaconf.Rewrite(string(data), rules)
	if unmatched := report.Unmatched(); len(unmatched) > 0 {
		log.Warn("config entries not found", "path", full, "entries", unmatched)
	}
	if !report.Changed {
		log.Info("config already up to date", "path", full)
		return nil
	}
	log.Info("updating config", "path", full)
	return r.WriteFile(ctx, full, []byte(out))
}
