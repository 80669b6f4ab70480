package config

import (
	"fmt"
	"sync/atomic"
)

// Store holds the active configuration and swaps it atomically on reload.
// Readers take a snapshot with Filter and pass it down explicitly, so an
// in-flight event never sees a half-applied reload.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// NewStore loads path and returns a Store holding it.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// NewStaticStore wraps an already built config. Reload is a no-op error.
func NewStaticStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current returns the active configuration.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Filter returns the active moderation policy.
func (s *Store) Filter() *FilterConfig {
	return &s.current.Load().Filter
}

// Reload re-reads the file. On error the previous configuration stays
// active. Bot connection settings are read but only take effect on restart.
func (s *Store) Reload() (*Config, error) {
	if s.path == "" {
		return nil, fmt.Errorf("config: reload: store has no backing file")
	}
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	return cfg, nil
}
