package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// State is the part of the configuration the daemon writes back: the last
// user that logged in and the session they chose.
type State struct {
	LastUser    string `yaml:"last_user"`
	LastSession string `yaml:"last_session"`
}

// Store is the process-wide configuration shared by every display. Reads
// take a read lock and mutations a write lock; Save persists State.
type Store struct {
	mu    sync.RWMutex
	cfg   Config
	state State
}

// NewStore wraps cfg and loads the state file. A missing state file is not
// an error.
func NewStore(cfg *Config) (*Store, error) {
	s := &Store{cfg: *cfg}
	st, err := readState(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	s.state = st
	return s, nil
}

// Config returns a copy of the loaded configuration.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// AuthDir is where per-display authority files are written.
func (s *Store) AuthDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.EffectiveAuthDir()
}

// ThemesDir holds the greeter themes.
func (s *Store) ThemesDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.ThemesDir
}

// CurrentTheme is the theme directory name inside ThemesDir.
func (s *Store) CurrentTheme() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.CurrentTheme
}

// AutoUser is the account logged in without a greeter, or "".
func (s *Store) AutoUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoUser
}

// AutoRelogin reports whether autologin repeats after the session ends.
func (s *Store) AutoRelogin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoRelogin
}

// LastUser is the last account that logged in.
func (s *Store) LastUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastUser
}

// LastSession is the session chosen at the last login.
func (s *Store) LastSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSession
}

// SetLastUser updates LastUser in memory; Save persists it.
func (s *Store) SetLastUser(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastUser = user
}

// SetLastSession updates LastSession in memory; Save persists it.
func (s *Store) SetLastSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastSession = session
}

// Save writes the state file atomically: a temp file in the same directory
// is synced and renamed over the previous one.
func (s *Store) Save() error {
	s.mu.RLock()
	path := s.cfg.StateFile
	st := s.state
	s.mu.RUnlock()

	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("config: encode state: %w", err)
	}
	return writeAtomic(path, data, 0644)
}

func readState(path string) (State, error) {
	var st State
	if path == "" {
		return st, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("config: read state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("config: parse state %s: %w", path, err)
	}
	return st, nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp state: %w", err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("config: write state: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fmt.Errorf("config: chmod state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("config: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("config: rename state: %w", err)
	}
	ok = true
	return nil
}
