package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHServer is an in-process SSH server for tests. It listens on a random
// loopback port and answers exec requests with a small scripted shell:
//
//	echo TEXT     print TEXT and exit 0
//	exit N        exit with status N
//	sleep D       wait D (a Go duration or seconds) then exit 0
//	lines N       print "line 1" through "line N" and exit 0
//	stderr TEXT   print TEXT on stderr and exit 1
//	noexit        close the channel without an exit status
//
// Anything else prints an error on stderr and exits 127.
type SSHServer struct {
	Addr       string
	Host       string
	Port       int
	HostSigner ssh.Signer

	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	conns    map[*ssh.ServerConn]struct{}
	commands []string

	accepted atomic.Int64
	wg       sync.WaitGroup
	closed   atomic.Bool
}

type sshServerOptions struct {
	hostSigner    ssh.Signer
	user          string
	password      string
	authorizedKey ssh.PublicKey
}

// SSHServerOption configures NewSSHServer.
type SSHServerOption func(*sshServerOptions)

// WithHostSigner sets the host key the server presents.
func WithHostSigner(s ssh.Signer) SSHServerOption {
	return func(o *sshServerOptions) { o.hostSigner = s }
}

// WithPassword requires password authentication as user.
func WithPassword(user, password string) SSHServerOption {
	return func(o *sshServerOptions) {
		o.user = user
		o.password = password
	}
}

// WithAuthorizedKey requires public key authentication as user with key.
func WithAuthorizedKey(user string, key ssh.PublicKey) SSHServerOption {
	return func(o *sshServerOptions) {
		o.user = user
		o.authorizedKey = key
	}
}

// NewSSHServer starts a server and stops it when the test ends. Without
// WithPassword or WithAuthorizedKey any client is accepted.
func NewSSHServer(t testing.TB, opts ...SSHServerOption) *SSHServer {
	t.Helper()

	var o sshServerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.hostSigner == nil {
		o.hostSigner = NewSigner(t)
	}

	cfg := &ssh.ServerConfig{}
	switch {
	case o.password == "" && o.authorizedKey == nil:
		cfg.NoClientAuth = true
	default:
		if o.password != "" {
			cfg.PasswordCallback = func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
				if c.User() == o.user && string(pass) == o.password {
					return nil, nil
				}
				return nil, fmt.Errorf("password rejected for %q", c.User())
			}
		}
		if o.authorizedKey != nil {
			want := o.authorizedKey.Marshal()
			cfg.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
				if c.User() == o.user && bytes.Equal(key.Marshal(), want) {
					return nil, nil
				}
				return nil, fmt.Errorf("unknown public key for %q", c.User())
			}
		}
	}
	cfg.AddHostKey(o.hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcp := ln.Addr().(*net.TCPAddr)
	s := &SSHServer{
		Addr:       ln.Addr().String(),
		Host:       tcp.IP.String(),
		Port:       tcp.Port,
		HostSigner: o.hostSigner,
		listener:   ln,
		config:     cfg,
		conns:      make(map[*ssh.ServerConn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Connections returns how many SSH connections completed the handshake.
func (s *SSHServer) Connections() int {
	return int(s.accepted.Load())
}

// Commands returns the exec payloads received so far, in order.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// DropConnections closes every open connection, leaving the listener up.
func (s *SSHServer) DropConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the listener and all connections.
func (s *SSHServer) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *SSHServer) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

func (s *SSHServer) handleConn(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		_ = nc.Close()
		return
	}
	s.accepted.Add(1)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	var sessions sync.WaitGroup
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.handleSession(ch, chReqs)
		}()
	}
	sessions.Wait()
}

func (s *SSHServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	gone := make(chan struct{})
	started := make(chan string, 1)
	go func() {
		defer close(gone)
		execSeen := false
		for req := range reqs {
			switch req.Type {
			case "exec":
				var payload struct{ Command string }
				if execSeen || ssh.Unmarshal(req.Payload, &payload) != nil {
					_ = req.Reply(false, nil)
					continue
				}
				execSeen = true
				_ = req.Reply(true, nil)
				started <- payload.Command
			case "env":
				_ = req.Reply(true, nil)
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}()

	var command string
	select {
	case command = <-started:
	case <-gone:
		return
	}

	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	status, ok := runScript(ch, command, gone)
	if !ok {
		return
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

// runScript executes command against ch. It reports false when no exit
// status should be sent.
func runScript(ch ssh.Channel, command string, gone <-chan struct{}) (int, bool) {
	name, rest, _ := strings.Cut(strings.TrimSpace(command), " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "echo":
		_, _ = io.WriteString(ch, rest+"\n")
		return 0, true
	case "exit":
		n, err := strconv.Atoi(rest)
		if err != nil {
			_, _ = io.WriteString(ch.Stderr(), "exit: bad status\n")
			return 2, true
		}
		return n, true
	case "sleep":
		d, err := parseSleep(rest)
		if err != nil {
			_, _ = io.WriteString(ch.Stderr(), "sleep: bad duration\n")
			return 2, true
		}
		select {
		case <-time.After(d):
			return 0, true
		case <-gone:
			return 0, false
		}
	case "lines":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return 2, true
		}
		for i := 1; i <= n; i++ {
			if _, err := fmt.Fprintf(ch, "line %d\n", i); err != nil {
				return 0, false
			}
		}
		return 0, true
	case "stderr":
		_, _ = io.WriteString(ch.Stderr(), rest+"\n")
		return 1, true
	case "noexit":
		return 0, false
	default:
		_, _ = fmt.Fprintf(ch.Stderr(), "%s: command not found\n", name)
		return 127, true
	}
}

func parseSleep(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.New("invalid duration")
	}
	return time.Duration(secs * float64(time.Second)), nil
}
