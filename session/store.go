package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrNotFound = errors.New("session snapshot not found")
	ErrParse    = errors.New("session snapshot unreadable")
)

// Credential is one browser cookie as captured from an authenticated session
type Credential struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Secure   bool       `json:"secure"`
	HTTPOnly bool       `json:"httpOnly"`
	SameSite string     `json:"sameSite,omitempty"`
	Expiry   *time.Time `json:"expiry,omitempty"`
}

// Validate checks the fields a browser needs to accept the cookie
func (c Credential) Validate() error {
	if c.Name == "" {
		return errors.New("credential name is empty")
	}
	if c.Domain == "" {
		return fmt.Errorf("credential %q has no domain", c.Name)
	}
	return nil
}

// CredentialSet is an ordered collection of credentials
type CredentialSet []Credential

// Store persists one credential set in a JSON file. Saves replace the file
// atomically; concurrent writers are not coordinated.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Save replaces the stored snapshot with set
func (s *Store) Save(set CredentialSet) error {
	for _, c := range set {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("refusing to save session: %w", err)
		}
	}
	if set == nil {
		set = CredentialSet{}
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// Load returns the stored snapshot. ErrNotFound when nothing was saved,
// ErrParse when the content is corrupt or holds invalid credentials.
func (s *Store) Load() (CredentialSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session %s: %w", s.path, err)
	}

	var set CredentialSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for i, c := range set {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrParse, i, err)
		}
	}
	return set, nil
}

// Clear removes the snapshot. Missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session %s: %w", s.path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
