package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Session is the authenticated identity context. All authenticated calls and
// the event stream read it; only the login flow writes it.
// Issued is the raw issuance timestamp reported by the auth endpoint; the
// factor listing call echoes it back verbatim, so it is kept untranslated.
type Session struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Issued int64  `json:"issued,omitempty"`
	MFA    bool   `json:"mfa"`
}

// Valid reports whether the session carries a usable token.
func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}

// Store holds the current session with thread-safe access and optional
// persistence to a JSON file.
type Store struct {
	mu      sync.RWMutex
	session Session
	path    string // empty disables persistence
}

// NewStore creates a session store. If path is non-empty, Set persists the
// session there and Load restores it.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Session returns the current session.
func (s *Store) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Set replaces the current session and persists it when a path is configured.
func (s *Store) Set(sess Session) error {
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("session: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("session: write %s: %w", s.path, err)
	}
	return nil
}

// Clear wipes the session and removes the persisted file if present.
func (s *Store) Clear() {
	s.mu.Lock()
	s.session = Session{}
	s.mu.Unlock()

	if s.path != "" {
		os.Remove(s.path)
	}
}

// Load restores a previously persisted session. A missing file is not an
// error; the store is simply left empty.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: read %s: %w", s.path, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return fmt.Errorf("session: parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	return nil
}
