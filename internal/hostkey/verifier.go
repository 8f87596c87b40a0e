package hostkey

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/xdg/cmdgate/internal/audit"
	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/gateerr"
)

// Verifier applies trust-on-first-use to presented host keys.
type Verifier struct {
	store Store
	audit *audit.Logger
	now   func() time.Time
}

// NewVerifier creates a Verifier over store. auditLog may be nil.
func NewVerifier(store Store, auditLog *audit.Logger) *Verifier {
	return &Verifier{store: store, audit: auditLog, now: time.Now}
}

// Store returns the underlying store.
func (v *Verifier) Store() Store {
	return v.store
}

// Verify decides whether key may be accepted for host:port.
//
//   - unknown key type for the host: recorded as trusted, accepted
//   - record marked untrusted: refused
//   - same key as recorded: last-seen updated, accepted
//   - different key: record marked untrusted, refused
//
// Refusals fail with HandshakeFailed. When the store itself fails the key
// is accepted with a warning so a store outage does not stop all remote
// execution.
func (v *Verifier) Verify(ctx context.Context, host string, port int, key ssh.PublicKey) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	keyType := key.Type()
	now := v.now()

	rec, err := v.store.Lookup(ctx, host, port, keyType)
	if err != nil {
		clog.Warn("hostkey: lookup %s (%s) failed, accepting key: %v", addr, keyType, err)
		return nil
	}

	if rec == nil {
		nr := NewRecord(host, port, key, now)
		if err := v.store.Save(ctx, nr); err != nil {
			clog.Warn("hostkey: record %s (%s) failed, accepting key: %v", addr, keyType, err)
			return nil
		}
		clog.Info("hostkey: first connection to %s, trusting %s key %s", addr, keyType, nr.SHA256)
		return nil
	}

	if !rec.Trusted {
		clog.Warn("hostkey: %s key for %s is marked untrusted", keyType, addr)
		return gateerr.New(gateerr.HandshakeFailed, "host key for %s is not trusted", addr)
	}

	if fp := Fingerprint(key); rec.Fingerprint == fp {
		touched, err := v.store.Touch(ctx, host, port, keyType, fp, now)
		if err != nil {
			clog.Warn("hostkey: update last seen for %s failed: %v", addr, err)
			return nil
		}
		if !touched {
			// Marked untrusted, replaced or forgotten since the lookup.
			clog.Warn("hostkey: %s key for %s changed during verification", keyType, addr)
			return gateerr.New(gateerr.HandshakeFailed, "host key for %s is not trusted", addr)
		}
		clog.Debug("hostkey: verified %s key for %s", keyType, addr)
		return nil
	}

	sha := ssh.FingerprintSHA256(key)
	remark := fmt.Sprintf("Key mismatch detected at %s. New key SHA-256: %s", now.Format(time.RFC3339), sha)
	if err := v.store.MarkUntrusted(ctx, host, port, keyType, remark); err != nil {
		clog.Warn("hostkey: mark %s untrusted failed: %v", addr, err)
	}
	clog.Error("hostkey: HOST KEY MISMATCH for %s (%s): stored %s, presented %s", addr, keyType, rec.SHA256, sha)
	if err := v.audit.LogHostKeyMismatch(host, port, keyType, sha); err != nil {
		clog.Warn("hostkey: audit: %v", err)
	}
	return gateerr.New(gateerr.HandshakeFailed, "host key mismatch for %s", addr)
}

// Callback adapts Verify to ssh.ClientConfig.HostKeyCallback. The host is
// taken from the dial address; port is the configured port.
func (v *Verifier) Callback(port int) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		host := hostname
		if h, _, err := net.SplitHostPort(hostname); err == nil {
			host = h
		}
		return v.Verify(context.Background(), host, port, key)
	}
}

// Trust marks a record trusted again after an operator has checked the host.
func (v *Verifier) Trust(ctx context.Context, host string, port int, keyType string) error {
	rec, err := v.store.Lookup(ctx, host, port, keyType)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	rec.Trusted = true
	rec.Remark = ""
	if err := v.store.Save(ctx, rec); err != nil {
		return err
	}
	clog.Info("hostkey: %s key for %s:%d trusted by operator", keyType, host, port)
	if err := v.audit.LogHostKeyTrust(host, port, keyType, rec.SHA256); err != nil {
		clog.Warn("hostkey: audit: %v", err)
	}
	return nil
}

// Forget deletes records for host:port. An empty keyType deletes all of them.
func (v *Verifier) Forget(ctx context.Context, host string, port int, keyType string) error {
	if err := v.store.Delete(ctx, host, port, keyType); err != nil {
		return err
	}
	if err := v.audit.LogHostKeyForget(host, port, keyType); err != nil {
		clog.Warn("hostkey: audit: %v", err)
	}
	return nil
}

// KnownHostsLines renders trusted records in OpenSSH known_hosts format.
// Untrusted records are skipped.
func KnownHostsLines(records []Record) ([]string, error) {
	var lines []string
	for i := range records {
		r := &records[i]
		if !r.Trusted {
			continue
		}
		key, err := r.PublicKey()
		if err != nil {
			return nil, err
		}
		addr := knownhosts.Normalize(net.JoinHostPort(r.Host, strconv.Itoa(r.Port)))
		lines = append(lines, knownhosts.Line([]string{addr}, key))
	}
	return lines, nil
}
