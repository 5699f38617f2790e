package config

import (
	"fmt"
	"os"
	"slices"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// RuntimeSettings are the registry scan settings that may change while the
// server runs. Every field participates in the repository list checksum.
type RuntimeSettings struct {
	CacheRepositoryList bool     `yaml:"cache_repository_list"`
	OnlyBare            bool     `yaml:"only_bare"`
	SearchSubfolders    bool     `yaml:"search_subfolders"`
	SearchDepth         int      `yaml:"search_depth"`
	Exclusions          []string `yaml:"exclusions"`
	CalculateSize       bool     `yaml:"calculate_size"`
}

// Equal reports whether two settings values are identical.
func (s RuntimeSettings) Equal(o RuntimeSettings) bool {
	return s.CacheRepositoryList == o.CacheRepositoryList &&
		s.OnlyBare == o.OnlyBare &&
		s.SearchSubfolders == o.SearchSubfolders &&
		s.SearchDepth == o.SearchDepth &&
		s.CalculateSize == o.CalculateSize &&
		slices.Equal(s.Exclusions, o.Exclusions)
}

// LoadSettingsFile overlays the yaml file at path onto base. Keys missing
// from the file keep the value from base.
func LoadSettingsFile(path string, base RuntimeSettings) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read settings file %s: %w", path, err)
	}
	out := base
	out.Exclusions = slices.Clone(base.Exclusions)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return out, nil
}

// SettingsStore publishes the current RuntimeSettings. Readers always see a
// complete value; Store swaps the pointer atomically.
type SettingsStore struct {
	current atomic.Pointer[RuntimeSettings]
}

// NewSettingsStore creates a store holding initial.
func NewSettingsStore(initial RuntimeSettings) *SettingsStore {
	s := &SettingsStore{}
	s.Store(initial)
	return s
}

// Load returns a copy of the current settings.
func (s *SettingsStore) Load() RuntimeSettings {
	cur := s.current.Load()
	out := *cur
	out.Exclusions = slices.Clone(cur.Exclusions)
	return out
}

// Store replaces the current settings.
func (s *SettingsStore) Store(settings RuntimeSettings) {
	settings.Exclusions = slices.Clone(settings.Exclusions)
	s.current.Store(&settings)
}
