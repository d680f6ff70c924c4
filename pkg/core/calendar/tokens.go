package calendar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
)

// FileTokenStore persists the operator's OAuth token as a JSON file. One
// token, one operator calendar; multi-account storage is out of scope.
type FileTokenStore struct {
	path string

	mu    sync.Mutex
	token *oauth2.Token
}

// NewFileTokenStore creates a store backed by the given path. The file is
// read lazily on first Load.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Save persists the token. The file is written with owner-only permissions.
func (s *FileTokenStore) Save(tok *oauth2.Token) error {
	if tok == nil {
		return errors.New("nil token")
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	s.token = tok
	return nil
}

// Load returns the stored token, reading the file on first use.
func (s *FileTokenStore) Load() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil {
		return s.token, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.New("no stored token")
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	s.token = &tok
	return s.token, nil
}

// Authenticated reports whether a token with a refresh credential is stored.
func (s *FileTokenStore) Authenticated() bool {
	tok, err := s.Load()
	return err == nil && (tok.RefreshToken != "" || tok.Valid())
}

// Clear removes the stored token.
func (s *FileTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
