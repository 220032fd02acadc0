package config

import "sync/atomic"

// Store publishes an immutable SignalConfig snapshot. Writers swap in a
// full copy; readers load once per handler call and never see a partial
// update.
type Store struct {
	current atomic.Pointer[SignalConfig]
}

// NewStore creates a store seeded with the given snapshot.
func NewStore(cfg SignalConfig) *Store {
	s := &Store{}
	s.current.Store(&cfg)
	return s
}

// Snapshot returns the current configuration. The returned pointer must be
// treated as read-only.
func (s *Store) Snapshot() *SignalConfig {
	return s.current.Load()
}

// Update validates and publishes a new snapshot.
func (s *Store) Update(cfg SignalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(&cfg)
	return nil
}
