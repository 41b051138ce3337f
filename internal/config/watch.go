package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/audiolibrelab/blackbox/internal/writer"
	"github.com/fsnotify/fsnotify"
)

// SnapshotStore holds the rotation settings the writer picks up on its next
// file rotation. Safe for one writer and any number of updaters.
type SnapshotStore struct {
	p atomic.Pointer[writer.Snapshot]
}

// NewSnapshotStore seeds the store from cfg.
func NewSnapshotStore(cfg *Config) (*SnapshotStore, error) {
	s := &SnapshotStore{}
	if err := s.Update(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Load returns the latest snapshot, or nil if none was stored.
func (s *SnapshotStore) Load() *writer.Snapshot {
	return s.p.Load()
}

// Update replaces the snapshot. An invalid cfg leaves the previous one in place.
func (s *SnapshotStore) Update(cfg *Config) error {
	snap, err := cfg.Snapshot()
	if err != nil {
		return err
	}
	s.p.Store(snap)
	return nil
}

// Watch reloads the config file whenever it changes and stores the result in
// store. overrides, when set, is applied to every reloaded config before it is
// stored, so settings given on the command line survive file edits. Reload
// failures are logged and the previous snapshot is kept. It is a no-op when
// the loader has no file.
func (l *Loader) Watch(store *SnapshotStore, overrides func(*Config) error) {
	if l.file == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.reload(store, overrides)
		if err != nil {
			slog.Warn("Ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		slog.Info("Configuration reloaded, applying at next rotation",
			"file", e.Name,
			"channels", cfg.Audio.Channels,
			"mode", cfg.Output.Mode,
			"silence_threshold", cfg.Recording.SilenceThreshold)
	})
	l.v.WatchConfig()
}

// reload reads the file again, applies overrides and updates store.
func (l *Loader) reload(store *SnapshotStore, overrides func(*Config) error) (*Config, error) {
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		if err := overrides(cfg); err != nil {
			return nil, err
		}
	}
	if err := store.Update(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
