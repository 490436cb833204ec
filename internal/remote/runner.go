// Package remote configures the Java application on the deployed instances
// over SSH.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/musicapp/musicdeploy/internal/ssh"
)

var (
	ErrDial    = fmt.Errorf("failed to connect to instance")
	ErrCommand = fmt.Errorf("remote command failed")
)

// Target is one instance to configure.
type Target struct {
	// Name labels the instance in logs, e.g. "server" or "client-1".
	Name    string
	Host    string
	User    string
	KeyPath string
	Port    uint16
	// RetryFor is how long to keep retrying the connection while sshd
	// comes up.
	RetryFor time.Duration
}

// Runner executes commands and moves files on a single host.
type Runner interface {
	// Run executes 'cmd' in 'dir' and returns its standard output.
	Run(ctx context.Context, dir, cmd string) (string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces 'path' as root, creating parent directories.
	WriteFile(ctx context.Context, path string, content []byte) error
	// FileExists reports whether 'path' is a regular file. An error means
	// the check itself failed.
	FileExists(ctx context.Context, path string) (bool, error)
	Close() error
}

// Dialer opens a Runner for a target.
type Dialer func(ctx context.Context, t Target) (Runner, error)

// DialSSH connects to 't' with its private key. Host keys are not verified;
// the instances are created moments before and their keys are unknown.
func DialSSH(ctx context.Context, t Target) (Runner, error) {
	signer, err := ssh.LoadKeyFile(t.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, t.Name, err)
	}
	client, err := ssh.Dial(ctx, ssh.Config{
		Host:     t.Host,
		Port:     t.Port,
		User:     t.User,
		Signer:   signer,
		RetryFor: t.RetryFor,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, t.Name, err)
	}
	clog.FromContext(ctx).Debug("connected", "target", t.Name, "addr", client.Addr())
	return &sshRunner{client: client}, nil
}

type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, dir, cmd string) (string, error) {
	log := clog.FromContext(ctx)
	log.Debug("running", "dir", dir, "cmd", cmd)

	res, err := r.client.RunIn(ctx, dir, cmd)
	if s := strings.TrimSpace(res.Stdout); s != "" {
		log.Debug("stdout", "cmd", cmd, "output", s)
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		log.Debug("stderr", "cmd", cmd, "output", s)
	}
	if err != nil {
		return res.Stdout, fmt.Errorf("%w: %s: %w: %s", ErrCommand, cmd, err, lastLines(res.Stdout+res.Stderr, 20))
	}
	return res.Stdout, nil
}

func (r *sshRunner) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return r.client.ReadFile(ctx, path, true)
}

func (r *sshRunner) WriteFile(ctx context.Context, path string, content []byte) error {
	return r.client.WriteFile(ctx, path, content, true)
}

func (r *sshRunner) FileExists(ctx context.Context, path string) (bool, error) {
	return r.client.FileExists(ctx, path)
}

func (r *sshRunner) Close() error { return r.client.Close() }

// lastLines keeps the tail of a build log for error messages.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
