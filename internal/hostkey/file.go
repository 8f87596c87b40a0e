package hostkey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	Hosts []Record `yaml:"hosts"`
}

// FileStore is a Store persisted as a YAML file. Every operation reads and
// rewrites the whole file; it is meant for tens of hosts, not thousands.
// The file is replaced atomically through a temporary file and rename.
type FileStore struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// NewFileStore creates a FileStore at path on fs. The file is created on
// the first write.
func NewFileStore(fs afero.Fs, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() ([]Record, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read host keys: %w", err)
	}
	var doc fileDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse host keys %s: %w", s.path, err)
	}
	return doc.Hosts, nil
}

func (s *FileStore) store(records []Record) error {
	sortRecords(records)
	data, err := yaml.Marshal(fileDocument{Hosts: records})
	if err != nil {
		return fmt.Errorf("marshal host keys: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create host key directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write host keys: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace host keys: %w", err)
	}
	return nil
}

func (s *FileStore) Lookup(_ context.Context, host string, port int, keyType string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	want := recordKey{host, port, keyType}
	for i := range records {
		if keyOf(&records[i]) == want {
			return &records[i], nil
		}
	}
	return nil, nil
}

func (s *FileStore) Save(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	k := keyOf(r)
	records = slices.DeleteFunc(records, func(x Record) bool { return keyOf(&x) == k })
	return s.store(append(records, *r))
}

func (s *FileStore) MarkUntrusted(_ context.Context, host string, port int, keyType, remark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	want := recordKey{host, port, keyType}
	i := slices.IndexFunc(records, func(x Record) bool { return keyOf(&x) == want })
	if i < 0 {
		return ErrNotFound
	}
	records[i].Trusted = false
	records[i].Remark = remark
	return s.store(records)
}

func (s *FileStore) Touch(_ context.Context, host string, port int, keyType, fingerprint string, seen time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return false, err
	}
	want := recordKey{host, port, keyType}
	i := slices.IndexFunc(records, func(x Record) bool { return keyOf(&x) == want })
	if i < 0 || !records[i].Trusted || records[i].Fingerprint != fingerprint {
		return false, nil
	}
	records[i].LastSeen = seen
	return true, s.store(records)
}

func (s *FileStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}

func (s *FileStore) Delete(_ context.Context, host string, port int, keyType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	n := len(records)
	records = slices.DeleteFunc(records, func(x Record) bool {
		return x.Host == host && x.Port == port && (keyType == "" || x.KeyType == keyType)
	})
	if len(records) == n {
		return ErrNotFound
	}
	return s.store(records)
}
