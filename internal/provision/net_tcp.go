package provision

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
)

// waitTCP waits for a TCP port to become reachable on 'host', polling every
// 'interval'.
//
// If an error is returned by this function it will be 'context.DeadlineExceeded'
// or 'context.Canceled'.
func waitTCP(ctx context.Context, host string, port int32, interval time.Duration) error {
	log := clog.FromContext(ctx).With("host", host, "port", port)
	log.Debug("waiting for port to become reachable")
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	for {
		if tcpPortOpen(ctx, target) {
			log.Debug("port is reachable")
			return nil
		}
		select {
		case <-ctx.Done():
			log.Debug("gave up waiting for port")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

var dialer = &net.Dialer{
	Timeout: 3 * time.Second,
}

func tcpPortOpen(ctx context.Context, target string) bool {
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return false
	}
	if err := conn.Close(); err != nil {
		clog.FromContext(ctx).Warn("encountered error closing TCP connection", "error", err)
	}
	return true
}
