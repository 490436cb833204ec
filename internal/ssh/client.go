// Package ssh is a thin client over 'x/crypto/ssh' for configuring freshly
// launched instances: key generation and loading, connection with retry
// while sshd starts, command execution bound to a context, and file reads
// and writes through the remote shell.
//
// Errors returned by this package wrap one of its Err* values.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chainguard-dev/clog"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultPort = 22
	// EC2 hosts are reached over the public internet.
	defaultTimeout = 15 * time.Second
)

var (
	ErrDial    = fmt.Errorf("failed to connect over SSH")
	ErrHostKey = fmt.Errorf("host key not accepted")
	ErrSession = fmt.Errorf("failed to open SSH session")
	ErrCommand = fmt.Errorf("remote command failed")
)

// Config describes how to reach one host.
type Config struct {
	Host   string
	Port   uint16
	User   string
	Signer ssh.Signer
	// HostKeys restricts the host keys accepted. When empty any key is
	// accepted.
	HostKeys []ssh.PublicKey
	// Timeout bounds each connection attempt, handshake included.
	Timeout time.Duration
	// RetryFor keeps retrying failed connection attempts for up to this
	// long. Zero means a single attempt.
	RetryFor time.Duration
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(int(port)))
}

// checkHostKey accepts any key when HostKeys is empty.
func (c Config) checkHostKey(key ssh.PublicKey) error {
	if len(c.HostKeys) == 0 {
		return nil
	}
	for _, k := range c.HostKeys {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostKey, ssh.FingerprintSHA256(key))
}

// Client is an open SSH connection.
type Client struct {
	conn *ssh.Client
	addr string
}

// Dial connects and authenticates to the host described by cfg. A host key
// mismatch is not retried.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("%w: no private key", ErrDial)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	addr := cfg.addr()
	var rejected error
	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			rejected = cfg.checkHostKey(key)
			return rejected
		},
		Timeout: timeout,
	}

	attempt := func() (*ssh.Client, error) {
		rejected = nil
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		// NewClientConn ignores ClientConfig.Timeout.
		_ = conn.SetDeadline(time.Now().Add(timeout))
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			conn.Close()
			if rejected != nil {
				return nil, backoff.Permanent(rejected)
			}
			return nil, err
		}
		_ = conn.SetDeadline(time.Time{})
		return ssh.NewClient(c, chans, reqs), nil
	}

	var (
		conn *ssh.Client
		err  error
	)
	if cfg.RetryFor <= 0 {
		conn, err = attempt()
	} else {
		log := clog.FromContext(ctx)
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		conn, err = backoff.Retry(ctx, attempt,
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(cfg.RetryFor),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Debug("ssh not ready, retrying", "addr", addr, "in", next, "error", err)
			}),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, addr, err)
	}
	return &Client{conn: conn, addr: addr}, nil
}

// Addr is the host:port the client is connected to.
func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error { return c.conn.Close() }

// Result is the captured output of a command.
type Result struct {
	Stdout string
	Stderr string
}

// Run executes cmd through the remote user's shell, feeding it stdin when
// non-nil. Cancelling ctx closes the session. A non-zero exit is returned
// as an error alongside whatever output was captured.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (Result, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSession, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		session.Close()
		<-done
		err = ctx.Err()
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrCommand, err)
	}
	return res, nil
}

// ExitStatus extracts the remote exit status from an error returned by Run.
func ExitStatus(err error) (int, bool) {
	var exit *ssh.ExitError
	if errors.As(err, &exit) {
		return exit.ExitStatus(), true
	}
	return 0, false
}
