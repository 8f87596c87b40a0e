package sshpool

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/gateerr"
	"github.com/xdg/cmdgate/internal/hostkey"
)

// DialFunc opens a new authenticated client for target.
type DialFunc func(ctx context.Context, target catalog.RemoteTarget) (*ssh.Client, error)

// defaultIdentities are tried, in order, when a target has no credentials.
var defaultIdentities = []string{"id_rsa", "id_ed25519", "id_ecdsa", "id_dsa"}

// Dialer connects and authenticates to remote hosts.
type Dialer struct {
	// ConnectTimeout bounds the TCP connect and the SSH handshake.
	ConnectTimeout time.Duration
	// KeepaliveInterval, when positive, sends keepalive@openssh.com
	// requests on every connection at that interval.
	KeepaliveInterval time.Duration
	// HostKeys verifies host identities. Nil disables host key checking.
	HostKeys *hostkey.Verifier

	// Fs is where identity files and ~/.ssh/config are read from.
	Fs afero.Fs
	// HomeDir locates ~/.ssh. Empty means the user's home directory.
	HomeDir string
	// AgentSocket is the ssh-agent socket. Empty disables the agent.
	AgentSocket string
}

// NewDialer returns a Dialer configured from cfg. Host keys are checked
// through verifier when cfg.HostKeyCheck is set.
func NewDialer(cfg Config, verifier *hostkey.Verifier) *Dialer {
	d := &Dialer{
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Fs:                afero.NewOsFs(),
		AgentSocket:       os.Getenv("SSH_AUTH_SOCK"),
	}
	if cfg.HostKeyCheck {
		d.HostKeys = verifier
	}
	return d
}

// Dial connects to target and authenticates. Credentials are used in order:
// the private key, else the password, else default identity material (the
// ssh-agent, IdentityFile from ~/.ssh/config, then the standard key files).
func (d *Dialer) Dial(ctx context.Context, target catalog.RemoteTarget) (*ssh.Client, error) {
	addr := target.Addr()

	auth, cleanup, err := d.authMethods(target)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cb := ssh.InsecureIgnoreHostKey()
	if d.HostKeys != nil {
		cb = d.HostKeys.Callback(target.EffectivePort())
	} else {
		clog.Debug("sshpool: host key checking disabled for %s", addr)
	}

	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: cb,
		Timeout:         d.ConnectTimeout,
	}

	nd := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.HandshakeFailed, err, "connect to %s", addr)
	}
	if d.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, gateerr.Wrap(gateerr.HandshakeFailed, err, "ssh handshake with %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	if d.KeepaliveInterval > 0 {
		go keepalive(client, d.KeepaliveInterval)
	}
	clog.Debug("sshpool: connected to %s", target.Label())
	return client, nil
}

func (d *Dialer) authMethods(target catalog.RemoteTarget) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}

	if strings.TrimSpace(target.PrivateKey) != "" {
		signer, err := parseKey([]byte(target.PrivateKey), target.Passphrase)
		if err != nil {
			return nil, noop, gateerr.Wrap(gateerr.HandshakeFailed, err, "load private key for %s", target.Label())
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil
	}

	if target.Password != "" {
		password := target.Password
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(password), ssh.KeyboardInteractive(answer)}, noop, nil
	}

	var methods []ssh.AuthMethod
	cleanup := noop
	if d.AgentSocket != "" {
		if conn, err := net.Dial("unix", d.AgentSocket); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			cleanup = func() { _ = conn.Close() }
		} else {
			clog.Debug("sshpool: ssh-agent unavailable: %v", err)
		}
	}
	if signers := d.identitySigners(target.Host); len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		clog.Warn("sshpool: no credentials or default identity for %s", target.Label())
	}
	return methods, cleanup, nil
}

// identitySigners loads unencrypted default identities for host.
func (d *Dialer) identitySigners(host string) []ssh.Signer {
	sshDir := filepath.Join(d.homeDir(), ".ssh")

	var paths []string
	if p := d.configIdentityFile(host, sshDir); p != "" {
		paths = append(paths, p)
	}
	for _, name := range defaultIdentities {
		paths = append(paths, filepath.Join(sshDir, name))
	}

	var signers []ssh.Signer
	seen := make(map[string]bool)
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		data, err := afero.ReadFile(d.fs(), p)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				clog.Debug("sshpool: skipping encrypted identity %s", p)
			} else {
				clog.Debug("sshpool: skipping identity %s: %v", p, err)
			}
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}

func (d *Dialer) configIdentityFile(host, sshDir string) string {
	data, err := afero.ReadFile(d.fs(), filepath.Join(sshDir, "config"))
	if err != nil {
		return ""
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(data))
	if err != nil {
		clog.Debug("sshpool: parse ssh config: %v", err)
		return ""
	}
	p, err := cfg.Get(host, "IdentityFile")
	if err != nil || p == "" {
		return ""
	}
	if p == "~" {
		return d.homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(d.homeDir(), p[2:])
	}
	return p
}

func (d *Dialer) fs() afero.Fs {
	if d.Fs == nil {
		return afero.NewOsFs()
	}
	return d.Fs
}

func (d *Dialer) homeDir() string {
	if d.HomeDir != "" {
		return d.HomeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func parseKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(pemBytes)
}

// keepalive pings client until the connection closes.
func keepalive(client *ssh.Client, interval time.Duration) {
	done := make(chan struct{})
	go func() {
		_ = client.Wait()
		close(done)
	}()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}
