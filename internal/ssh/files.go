package ssh

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
)

var (
	ErrFileRead  = fmt.Errorf("failed to read remote file")
	ErrFileWrite = fmt.Errorf("failed to write remote file")
	ErrFileStat  = fmt.Errorf("failed to check remote file")
)

// RunIn is Run without stdin, from working directory dir. cmd is passed to
// the shell unquoted.
func (c *Client) RunIn(ctx context.Context, dir, cmd string) (Result, error) {
	if dir != "" {
		cmd = "cd " + shellquote.Join(dir) + " && " + cmd
	}
	return c.Run(ctx, cmd, nil)
}

// ReadFile returns the content of the remote file p, read as root when
// sudo is set.
func (c *Client) ReadFile(ctx context.Context, p string, sudo bool) ([]byte, error) {
	res, err := c.Run(ctx, quote(sudo, "cat", "--", p), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w: %s", ErrFileRead, p, err, strings.TrimSpace(res.Stderr))
	}
	return []byte(res.Stdout), nil
}

// WriteFile replaces the remote file p with content, creating its parent
// directory. Streams through tee so that sudo applies to the write.
func (c *Client) WriteFile(ctx context.Context, p string, content []byte, sudo bool) error {
	cmd := quote(sudo, "tee", "--", p) + " > /dev/null"
	if dir := path.Dir(p); dir != "." && dir != "/" {
		cmd = quote(sudo, "mkdir", "-p", "--", dir) + " && " + cmd
	}
	res, err := c.Run(ctx, cmd, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("%w: %s: %w: %s", ErrFileWrite, p, err, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// FileExists reports whether p is a regular file. Only a failure to run
// the check is an error.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := c.Run(ctx, quote(false, "test", "-f", p), nil)
	if err == nil {
		return true, nil
	}
	if status, ok := ExitStatus(err); ok && status == 1 {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s: %w", ErrFileStat, p, err)
}

func quote(sudo bool, args ...string) string {
	if sudo {
		args = append([]string{"sudo"}, args...)
	}
	return shellquote.Join(args...)
}
