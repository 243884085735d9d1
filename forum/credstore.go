package forum

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

// Well-known keys under which the session credential is persisted.
const (
	keyToken     = "token"
	keyTokenType = "token_type"
)

// DefaultTokenType is stored when the login response carries no token type.
const DefaultTokenType = "bearer"

// Credential is the bearer token issued at login.
type Credential struct {
	Token string
	Type  string
}

// CredentialStore holds at most one credential across process restarts.
// Implementations carry no network or validation logic.
type CredentialStore interface {
	Get() (Credential, bool, error)
	Set(Credential) error
	Clear() error
}

// PebbleCredentialStore persists the credential in a PebbleDB directory.
type PebbleCredentialStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// OpenCredentialStore opens (or creates) the credential database at dir.
func OpenCredentialStore(dir string) (*PebbleCredentialStore, error) {
	if dir == "" {
		return nil, errors.New("credential store: empty data path")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data path: %w", err)
	}
	db, err := pebble.Open(filepath.Join(filepath.Clean(dir), "credentials"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &PebbleCredentialStore{db: db}, nil
}

func (s *PebbleCredentialStore) Get() (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, err := s.read(keyToken)
	if err != nil || token == "" {
		return Credential{}, false, err
	}
	typ, err := s.read(keyTokenType)
	if err != nil {
		return Credential{}, false, err
	}
	if typ == "" {
		typ = DefaultTokenType
	}
	return Credential{Token: token, Type: typ}, true, nil
}

func (s *PebbleCredentialStore) read(key string) (string, error) {
	b, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	defer closer.Close()
	return string(b), nil
}

// Set overwrites any previously stored credential.
func (s *PebbleCredentialStore) Set(c Credential) error {
	if c.Token == "" {
		return errors.New("credential store: empty token")
	}
	if c.Type == "" {
		c.Type = DefaultTokenType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(keyToken), []byte(c.Token), nil); err != nil {
		return err
	}
	if err := b.Set([]byte(keyTokenType), []byte(c.Type), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(keyToken), nil); err != nil {
		return err
	}
	if err := b.Delete([]byte(keyTokenType), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleCredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MemoryCredentialStore keeps the credential for the life of the process only.
type MemoryCredentialStore struct {
	mu   sync.Mutex
	cred *Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore { return &MemoryCredentialStore{} }

func (s *MemoryCredentialStore) Get() (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return Credential{}, false, nil
	}
	return *s.cred, true, nil
}

func (s *MemoryCredentialStore) Set(c Credential) error {
	if c.Token == "" {
		return errors.New("credential store: empty token")
	}
	if c.Type == "" {
		c.Type = DefaultTokenType
	}
	s.mu.Lock()
	s.cred = &c
	s.mu.Unlock()
	return nil
}

func (s *MemoryCredentialStore) Clear() error {
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()
	return nil
}
