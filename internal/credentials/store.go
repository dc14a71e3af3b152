// Package credentials keeps the signed-in user's bearer token between runs.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Credential is what a successful sign-in leaves behind.
type Credential struct {
	Username    string    `json:"username"`
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Store loads, saves and forgets the current credential.
type Store interface {
	Load() (Credential, bool, error)
	Save(Credential) error
	Clear() error
}

// FileStore keeps the credential as a 0600 JSON file.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load() (Credential, bool, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("read credentials: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credential{}, false, fmt.Errorf("decode credentials %s: %w", s.Path, err)
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return Credential{}, false, nil
	}
	return c, true, nil
}

// Save replaces the token file atomically through a temp file and rename.
func (s *FileStore) Save(c Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".token-*")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// MemoryStore holds the credential in process only.
type MemoryStore struct {
	cred Credential
	set  bool
}

func (s *MemoryStore) Load() (Credential, bool, error) { return s.cred, s.set, nil }

func (s *MemoryStore) Save(c Credential) error {
	s.cred, s.set = c, true
	return nil
}

func (s *MemoryStore) Clear() error {
	s.cred, s.set = Credential{}, false
	return nil
}
