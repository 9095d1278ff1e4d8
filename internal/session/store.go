// Package session persists the credential that opens the transport session
// and runs the first-run interactive login.
//
// The credential file is YAML with mode 0600. Its content is never logged.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"intelrelay/internal/transport"
)

// ErrNoCredential is returned by Load when nothing has been stored yet.
var ErrNoCredential = errors.New("no stored credential")

type fileRecord struct {
	Token   string    `yaml:"token"`
	SavedAt time.Time `yaml:"saved_at"`
}

// Store reads and writes the credential file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

func (s *Store) Path() string { return s.path }

// Exists reports whether a credential file is present.
func (s *Store) Exists() bool {
	if s == nil || s.path == "" {
		return false
	}
	_, err := os.Stat(s.path)
	return err == nil
}

// Load returns the stored credential or ErrNoCredential.
func (s *Store) Load() (transport.Credential, error) {
	if s == nil || s.path == "" {
		return transport.Credential{}, ErrNoCredential
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return transport.Credential{}, ErrNoCredential
	}
	if err != nil {
		return transport.Credential{}, fmt.Errorf("read credential %s: %w", s.path, err)
	}
	var rec fileRecord
	if err := yaml.Unmarshal(b, &rec); err != nil {
		// Do not wrap: the decoder error may quote file content.
		return transport.Credential{}, fmt.Errorf("credential file %s is malformed", s.path)
	}
	if strings.TrimSpace(rec.Token) == "" {
		return transport.Credential{}, ErrNoCredential
	}
	return transport.Credential{Token: strings.TrimSpace(rec.Token)}, nil
}

// Save writes cred atomically (temp file + rename) with mode 0600.
func (s *Store) Save(cred transport.Credential) error {
	if s == nil || s.path == "" {
		return errors.New("credential path is empty")
	}
	if strings.TrimSpace(cred.Token) == "" {
		return errors.New("refusing to store an empty credential")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credential dir: %w", err)
	}
	b, err := yaml.Marshal(fileRecord{Token: strings.TrimSpace(cred.Token), SavedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("credential temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}
