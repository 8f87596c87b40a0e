package hostkey

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/xdg/cmdgate/internal/audit"
	"github.com/xdg/cmdgate/internal/gateerr"
	"github.com/xdg/cmdgate/internal/testutil"
)

func newTestVerifier(t *testing.T) (*Verifier, *MemoryStore, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	store := NewMemoryStore()
	v := NewVerifier(store, audit.NewLogger(&buf))
	clock := seen
	v.now = func() time.Time { return clock }
	return v, store, &buf
}

func TestVerify_FirstUseTrusts(t *testing.T) {
	ctx := context.Background()
	v, store, _ := newTestVerifier(t)
	key := testutil.NewSigner(t).PublicKey()

	require.NoError(t, v.Verify(ctx, "db1", 22, key))

	rec, err := store.Lookup(ctx, "db1", 22, key.Type())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Trusted)
	require.Equal(t, ssh.FingerprintSHA256(key), rec.SHA256)
	require.True(t, rec.FirstSeen.Equal(seen))
}

func TestVerify_MatchUpdatesLastSeen(t *testing.T) {
	ctx := context.Background()
	v, store, _ := newTestVerifier(t)
	key := testutil.NewSigner(t).PublicKey()

	require.NoError(t, v.Verify(ctx, "db1", 22, key))
	later := seen.Add(2 * time.Hour)
	v.now = func() time.Time { return later }
	require.NoError(t, v.Verify(ctx, "db1", 22, key))

	rec, err := store.Lookup(ctx, "db1", 22, key.Type())
	require.NoError(t, err)
	require.True(t, rec.FirstSeen.Equal(seen))
	require.True(t, rec.LastSeen.Equal(later))
}

func TestVerify_MismatchRefusesAndMarks(t *testing.T) {
	ctx := context.Background()
	v, store, auditBuf := newTestVerifier(t)
	original := testutil.NewSigner(t).PublicKey()
	impostor := testutil.NewSigner(t).PublicKey()

	require.NoError(t, v.Verify(ctx, "db1", 22, original))

	err := v.Verify(ctx, "db1", 22, impostor)
	require.ErrorIs(t, err, gateerr.HandshakeFailed)
	require.Contains(t, err.Error(), "db1:22")

	rec, err := store.Lookup(ctx, "db1", 22, original.Type())
	require.NoError(t, err)
	require.False(t, rec.Trusted)
	require.Equal(t, Fingerprint(original), rec.Fingerprint, "stored key must not be replaced")
	wantRemark := "Key mismatch detected at 2025-03-01T09:00:00Z. New key SHA-256: " + ssh.FingerprintSHA256(impostor)
	require.Equal(t, wantRemark, rec.Remark)

	require.Contains(t, auditBuf.String(), "HOSTKEY MISMATCH host=db1:22 key_type=ssh-ed25519")

	// Once untrusted, even the original key is refused.
	err = v.Verify(ctx, "db1", 22, original)
	require.ErrorIs(t, err, gateerr.HandshakeFailed)
	require.Contains(t, err.Error(), "not trusted")
}

// pausingStore holds the first matching Lookup until release is closed, so
// a second handshake can run between lookup and last-seen update.
type pausingStore struct {
	*MemoryStore
	held    atomic.Bool
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) Lookup(ctx context.Context, host string, port int, keyType string) (*Record, error) {
	rec, err := s.MemoryStore.Lookup(ctx, host, port, keyType)
	if rec != nil && s.held.CompareAndSwap(false, true) {
		close(s.paused)
		<-s.release
	}
	return rec, err
}

func TestVerify_ConcurrentMismatchIsNotReverted(t *testing.T) {
	ctx := context.Background()
	store := &pausingStore{
		MemoryStore: NewMemoryStore(),
		paused:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	original := testutil.NewSigner(t).PublicKey()
	require.NoError(t, store.Save(ctx, NewRecord("db1", 22, original, seen)))
	v := NewVerifier(store, nil)

	done := make(chan error, 1)
	go func() { done <- v.Verify(ctx, "db1", 22, original) }()
	<-store.paused

	err := v.Verify(ctx, "db1", 22, testutil.NewSigner(t).PublicKey())
	require.ErrorIs(t, err, gateerr.HandshakeFailed)
	require.Contains(t, err.Error(), "mismatch")

	close(store.release)
	require.ErrorIs(t, <-done, gateerr.HandshakeFailed)

	rec, err := store.MemoryStore.Lookup(ctx, "db1", 22, original.Type())
	require.NoError(t, err)
	require.False(t, rec.Trusted)
	require.Contains(t, rec.Remark, "Key mismatch detected")
	require.True(t, rec.LastSeen.Equal(seen))
}

func TestVerify_StoreFailureAccepts(t *testing.T) {
	v := NewVerifier(failingStore{}, nil)
	key := testutil.NewSigner(t).PublicKey()
	require.NoError(t, v.Verify(context.Background(), "db1", 22, key))
}

func TestVerifier_Trust(t *testing.T) {
	ctx := context.Background()
	v, store, auditBuf := newTestVerifier(t)
	key := testutil.NewSigner(t).PublicKey()

	require.ErrorIs(t, v.Trust(ctx, "db1", 22, key.Type()), ErrNotFound)

	require.NoError(t, v.Verify(ctx, "db1", 22, key))
	require.Error(t, v.Verify(ctx, "db1", 22, testutil.NewSigner(t).PublicKey()))

	require.NoError(t, v.Trust(ctx, "db1", 22, key.Type()))
	rec, err := store.Lookup(ctx, "db1", 22, key.Type())
	require.NoError(t, err)
	require.True(t, rec.Trusted)
	require.Empty(t, rec.Remark)
	require.NoError(t, v.Verify(ctx, "db1", 22, key))
	require.Contains(t, auditBuf.String(), "HOSTKEY TRUST host=db1:22")
}

func TestVerifier_ForgetAllowsNewKey(t *testing.T) {
	ctx := context.Background()
	v, _, auditBuf := newTestVerifier(t)

	require.NoError(t, v.Verify(ctx, "db1", 22, testutil.NewSigner(t).PublicKey()))
	require.NoError(t, v.Forget(ctx, "db1", 22, ""))
	require.Contains(t, auditBuf.String(), "HOSTKEY FORGET host=db1:22")

	require.NoError(t, v.Verify(ctx, "db1", 22, testutil.NewSigner(t).PublicKey()))
	require.ErrorIs(t, v.Forget(ctx, "db9", 22, ""), ErrNotFound)
}

func TestVerifier_Callback(t *testing.T) {
	ctx := context.Background()
	v, store, _ := newTestVerifier(t)
	key := testutil.NewSigner(t).PublicKey()

	cb := v.Callback(2222)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 2222}
	require.NoError(t, cb("db1:2222", addr, key))

	rec, err := store.Lookup(ctx, "db1", 2222, key.Type())
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestVerifier_WithSSHServer(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	srv := testutil.NewSSHServer(t)

	dial := func() error {
		cfg := &ssh.ClientConfig{
			User:            "tester",
			HostKeyCallback: v.Callback(srv.Port),
			Timeout:         5 * time.Second,
		}
		c, err := ssh.Dial("tcp", srv.Addr, cfg)
		if err != nil {
			return err
		}
		return c.Close()
	}
	require.NoError(t, dial())
	require.NoError(t, dial())

	records, err := v.Store().List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, srv.Host, records[0].Host)
	require.Equal(t, srv.Port, records[0].Port)
	require.Equal(t, Fingerprint(srv.HostSigner.PublicKey()), records[0].Fingerprint)
}

func TestKnownHostsLines(t *testing.T) {
	ed := NewRecord("db1", 22, testutil.NewSigner(t).PublicKey(), seen)
	odd := NewRecord("db2", 2222, testutil.NewSigner(t).PublicKey(), seen)
	bad := NewRecord("db3", 22, testutil.NewSigner(t).PublicKey(), seen)
	bad.Trusted = false

	lines, err := KnownHostsLines([]Record{*ed, *odd, *bad})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "db1 ssh-ed25519 "), lines[0])
	require.True(t, strings.HasPrefix(lines[1], "[db2]:2222 ssh-ed25519 "), lines[1])
}
