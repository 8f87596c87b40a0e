// Package hostkey records SSH host identities and verifies them with
// trust-on-first-use semantics.
//
// The first key seen for a (host, port, key type) is stored as trusted. A
// later connection presenting a different key marks the record untrusted and
// is refused until an operator re-trusts it; mismatches are never resolved
// automatically.
package hostkey

import (
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrNotFound is returned by operations on a record that does not exist.
var ErrNotFound = errors.New("host key not found")

// Record is a remembered host identity.
type Record struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	KeyType string `yaml:"key_type"`
	// Fingerprint is the base64 encoding of the key in SSH wire format.
	Fingerprint string `yaml:"fingerprint"`
	// SHA256 is "SHA256:" followed by the unpadded base64 SHA-256 digest.
	SHA256    string    `yaml:"sha256"`
	Trusted   bool      `yaml:"trusted"`
	FirstSeen time.Time `yaml:"first_seen"`
	LastSeen  time.Time `yaml:"last_seen"`
	Remark    string    `yaml:"remark,omitempty"`
}

// PublicKey decodes the stored key.
func (r *Record) PublicKey() (ssh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(r.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("decode host key for %s:%d: %w", r.Host, r.Port, err)
	}
	key, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse host key for %s:%d: %w", r.Host, r.Port, err)
	}
	return key, nil
}

// Fingerprint returns the base64 encoding of key in SSH wire format.
func Fingerprint(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}

// NewRecord returns a trusted record for key first seen at now.
func NewRecord(host string, port int, key ssh.PublicKey, now time.Time) *Record {
	return &Record{
		Host:        host,
		Port:        port,
		KeyType:     key.Type(),
		Fingerprint: Fingerprint(key),
		SHA256:      ssh.FingerprintSHA256(key),
		Trusted:     true,
		FirstSeen:   now,
		LastSeen:    now,
	}
}

// Store persists host identity records.
type Store interface {
	// Lookup returns the record, or nil and no error when absent.
	Lookup(ctx context.Context, host string, port int, keyType string) (*Record, error)
	// Save inserts or replaces the record with the same host, port and key type.
	Save(ctx context.Context, r *Record) error
	// MarkUntrusted clears the trusted flag and sets the remark.
	MarkUntrusted(ctx context.Context, host string, port int, keyType, remark string) error
	// Touch sets LastSeen only while the record is still trusted and holds
	// fingerprint, and reports whether it did. It never changes trust.
	Touch(ctx context.Context, host string, port int, keyType, fingerprint string, seen time.Time) (bool, error)
	// List returns every record ordered by host, port and key type.
	List(ctx context.Context) ([]Record, error)
	// Delete removes a record. An empty keyType removes every key for host:port.
	Delete(ctx context.Context, host string, port int, keyType string) error
}

type recordKey struct {
	host    string
	port    int
	keyType string
}

func keyOf(r *Record) recordKey {
	return recordKey{host: r.Host, port: r.Port, keyType: r.KeyType}
}

func sortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Or(
			cmp.Compare(a.Host, b.Host),
			cmp.Compare(a.Port, b.Port),
			cmp.Compare(a.KeyType, b.KeyType),
		)
	})
}

// MemoryStore is a Store held in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

func (s *MemoryStore) Lookup(_ context.Context, host string, port int, keyType string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey{host, port, keyType}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) Save(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[keyOf(r)] = *r
	return nil
}

func (s *MemoryStore) MarkUntrusted(_ context.Context, host string, port int, keyType, remark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{host, port, keyType}
	r, ok := s.records[k]
	if !ok {
		return ErrNotFound
	}
	r.Trusted = false
	r.Remark = remark
	s.records[k] = r
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, host string, port int, keyType, fingerprint string, seen time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{host, port, keyType}
	r, ok := s.records[k]
	if !ok || !r.Trusted || r.Fingerprint != fingerprint {
		return false, nil
	}
	r.LastSeen = seen
	s.records[k] = r
	return true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, host string, port int, keyType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k := range s.records {
		if k.host == host && k.port == port && (keyType == "" || k.keyType == keyType) {
			delete(s.records, k)
			removed++
		}
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}
