package config

import (
	"fmt"
	"sync"
	"time"
)

// Store is the typed settings surface the orchestrator reads at each turn.
type Store interface {
	Settings() Config

	WindowSize() int
	SetWindowSize(n int) error

	Retention() RetentionConfig
	SetRetention(r RetentionConfig) error

	InactivityTimeout() time.Duration
	SetInactivityTimeout(d time.Duration) error

	InactivityEnabled() bool
	SetInactivityEnabled(enabled bool) error

	Mode() Mode
	SetMode(m Mode) error
}

// MemoryStore keeps settings in memory only.
type MemoryStore struct {
	mu      sync.RWMutex
	cfg     Config
	persist func(Config) error
}

func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{cfg: cfg}
}

// FileStore writes the whole config back to its TOML file after every successful set.
type FileStore struct {
	*MemoryStore
	path string
}

func NewFileStore(path string, cfg Config) *FileStore {
	store := &FileStore{MemoryStore: NewMemoryStore(cfg), path: path}
	store.persist = func(c Config) error {
		if err := write(path, c); err != nil {
			return fmt.Errorf("persist settings to %s: %w", path, err)
		}
		return nil
	}
	return store
}

// OpenFileStore loads path (creating it with defaults when missing) and applies env overrides.
func OpenFileStore(path string) (*FileStore, error) {
	cfg, err := LoadOrCreate(path)
	if err != nil {
		return nil, err
	}
	return NewFileStore(path, ApplyEnv(cfg)), nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *MemoryStore) Settings() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *MemoryStore) WindowSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Context.WindowSize
}

func (s *MemoryStore) SetWindowSize(n int) error {
	if err := ValidateWindowSize(n); err != nil {
		return err
	}
	return s.update(func(c *Config) { c.Context.WindowSize = n })
}

func (s *MemoryStore) Retention() RetentionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Retention
}

func (s *MemoryStore) SetRetention(r RetentionConfig) error {
	if err := ValidateRetention(r); err != nil {
		return err
	}
	return s.update(func(c *Config) { c.Retention = r })
}

func (s *MemoryStore) InactivityTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.cfg.Inactivity.TimeoutSeconds) * time.Second
}

func (s *MemoryStore) SetInactivityTimeout(d time.Duration) error {
	if err := ValidateInactivityTimeout(d); err != nil {
		return err
	}
	return s.update(func(c *Config) { c.Inactivity.TimeoutSeconds = int(d / time.Second) })
}

func (s *MemoryStore) InactivityEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Inactivity.Enabled
}

func (s *MemoryStore) SetInactivityEnabled(enabled bool) error {
	return s.update(func(c *Config) { c.Inactivity.Enabled = enabled })
}

func (s *MemoryStore) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Backend.Mode
}

func (s *MemoryStore) SetMode(m Mode) error {
	if err := ValidateMode(m); err != nil {
		return err
	}
	return s.update(func(c *Config) { c.Backend.Mode = m })
}

// update applies fn and persists; on persist failure the previous value is kept.
func (s *MemoryStore) update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	fn(&next)

	if s.persist != nil {
		if err := s.persist(next); err != nil {
			return err
		}
	}

	s.cfg = next
	return nil
}
