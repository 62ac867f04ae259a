package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MimeLyc/video-product-extractor/internal/catalog"
	"github.com/MimeLyc/video-product-extractor/internal/product"
)

const DefaultRuntimeSettingsFile = "/app/config/settings.json"

// RuntimeSettings are the matching knobs editable through the API without a restart.
type RuntimeSettings struct {
	Threshold     float64 `json:"threshold"`
	PrimaryMarket string  `json:"primary_market"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.PrimaryMarket) == "" {
		return fmt.Errorf("primary_market is required")
	}
	return s.Matching().Validate()
}

func (s RuntimeSettings) Matching() catalog.Settings {
	return catalog.Settings{
		Threshold:     s.Threshold,
		PrimaryMarket: product.Market(strings.ToLower(strings.TrimSpace(s.PrimaryMarket))),
	}
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		Threshold:     c.Pipeline.Threshold,
		PrimaryMarket: c.Pipeline.PrimaryMarket,
	}
}

// WithRuntimeSettings overrides env values with a saved settings file. Invalid fields are ignored.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		m := settings.Matching()
		if settings.Threshold > 0 && settings.Threshold <= 1 {
			c.Pipeline.Threshold = settings.Threshold
		}
		if m.PrimaryMarket.Valid() {
			c.Pipeline.PrimaryMarket = string(m.PrimaryMarket)
		}
	}
}

// LoadRuntimeSettingsFile reads a settings file. A missing file returns an error wrapping os.ErrNotExist.
func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

// LoadOrInit keeps a saved file's values when one exists and otherwise starts from fallback.
func LoadOrInit(path string, fallback RuntimeSettings) (*RuntimeSettingsStore, error) {
	saved, err := LoadRuntimeSettingsFile(path)
	switch {
	case err == nil:
		if verr := saved.Validate(); verr == nil {
			return NewRuntimeSettingsStore(path, saved)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	return NewRuntimeSettingsStore(path, fallback)
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	next.PrimaryMarket = string(next.Matching().PrimaryMarket)
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}

// Matching returns the current settings in the form the matcher consumes.
func (s *RuntimeSettingsStore) Matching() catalog.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Matching()
}
