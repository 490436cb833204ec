package ssh

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execution is one command received by testServer.
type execution struct {
	Cmd   string
	Stdin string
}

// handler serves a command and returns its exit status. done closes when
// the client goes away.
type handler func(e execution, stdout, stderr io.Writer, done <-chan struct{}) uint32

// testServer is an in-process SSH server that accepts one user key and
// answers "exec" requests with a handler.
type testServer struct {
	Host    string
	Port    uint16
	HostKey ssh.PublicKey

	handle handler
	// drop closes this many incoming connections before the handshake.
	drop     atomic.Int32
	accepted atomic.Int32

	mu    sync.Mutex
	execs []execution
}

func newTestServer(t *testing.T, user ssh.PublicKey, handle handler) *testServer {
	t.Helper()
	hostKey, err := GenerateKey()
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), user.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	cfg.AddHostKey(hostKey.Signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.ParseUint(port, 10, 16)
	require.NoError(t, err)

	s := &testServer{Host: host, Port: uint16(p), HostKey: hostKey.PublicKey(), handle: handle}
	go s.serve(ln, cfg)
	return s
}

func (s *testServer) Executions() []execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execution(nil), s.execs...)
}

func (s *testServer) serve(ln net.Listener, cfg *ssh.ServerConfig) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		if s.drop.Add(-1) >= 0 {
			conn.Close()
			continue
		}
		go s.serveConn(conn, cfg)
	}
}

func (s *testServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *testServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	done := make(chan struct{})
	cmds := make(chan string, 1)
	go func() {
		defer close(done)
		for req := range reqs {
			var msg struct{ Command string }
			if req.Type != "exec" || ssh.Unmarshal(req.Payload, &msg) != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			select {
			case cmds <- msg.Command:
			default:
			}
		}
	}()

	var cmd string
	select {
	case cmd = <-cmds:
	case <-done:
		return
	}
	stdin, _ := io.ReadAll(ch)
	e := execution{Cmd: cmd, Stdin: string(stdin)}
	s.mu.Lock()
	s.execs = append(s.execs, e)
	s.mu.Unlock()

	status := s.handle(e, ch, ch.Stderr(), done)
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}
