// Package settings manages the global, user-editable settings file
// (~/.localllama/settings.json by default).
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultModel       = "llama3.1:latest"
	DefaultTemperature = 0.5
)

// Settings are the global defaults applied to chats.
type Settings struct {
	DefaultModel        string  `json:"defaultModel"`
	DefaultTemperature  float64 `json:"defaultTemperature"`
	DefaultSystemPrompt string  `json:"defaultSystemPrompt"`
	OllamaHost          string  `json:"ollamaHost"`

	// DefaultOllamaHost is derived from the environment on every load and
	// is never taken from the file.
	DefaultOllamaHost string `json:"defaultOllamaHost"`
}

// Defaults returns the settings used when no file exists.
func Defaults(defaultHost string) Settings {
	return Settings{
		DefaultModel:       DefaultModel,
		DefaultTemperature: DefaultTemperature,
		OllamaHost:         defaultHost,
		DefaultOllamaHost:  defaultHost,
	}
}

// Patch is a partial update. Nil fields are left unchanged; an empty
// OllamaHost falls back to the default host.
type Patch struct {
	DefaultModel        *string  `json:"defaultModel,omitempty"`
	DefaultTemperature  *float64 `json:"defaultTemperature,omitempty"`
	DefaultSystemPrompt *string  `json:"defaultSystemPrompt,omitempty"`
	OllamaHost          *string  `json:"ollamaHost,omitempty"`
}

// Store holds the current settings and writes changes back to the file.
type Store struct {
	path        string
	defaultHost string
	logger      *zap.Logger

	mu      sync.RWMutex
	current Settings
}

// NewStore loads the settings file at path. A missing file yields defaults.
func NewStore(path, defaultHost string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:        path,
		defaultHost: defaultHost,
		logger:      logger,
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the settings file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Host returns the Ollama host to send requests to.
func (s *Store) Host() string {
	return s.Get().OllamaHost
}

// Reload re-reads the settings file.
func (s *Store) Reload() error {
	loaded, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return nil
}

// Update merges patch into the current settings and persists the result.
func (s *Store) Update(patch Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if patch.DefaultModel != nil {
		next.DefaultModel = *patch.DefaultModel
	}
	if patch.DefaultTemperature != nil {
		next.DefaultTemperature = *patch.DefaultTemperature
	}
	if patch.DefaultSystemPrompt != nil {
		next.DefaultSystemPrompt = *patch.DefaultSystemPrompt
	}
	if patch.OllamaHost != nil {
		next.OllamaHost = *patch.OllamaHost
	}
	next = s.normalize(next)

	if err := s.write(next); err != nil {
		return Settings{}, err
	}
	s.current = next
	return next, nil
}

// Replace persists settings as a whole, discarding the current values.
func (s *Store) Replace(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings = s.normalize(settings)
	if err := s.write(settings); err != nil {
		return err
	}
	s.current = settings
	return nil
}

// Watch reloads the settings whenever the file changes on disk, until ctx
// is done. A file that fails to parse is logged and the previous settings
// are kept.
func (s *Store) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file rather than write it, so watch the directory.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if err := s.Reload(); err != nil {
				s.logger.Warn("failed to reload settings",
					zap.String("path", s.path),
					zap.Error(err),
				)
				continue
			}
			s.logger.Debug("settings reloaded", zap.String("path", s.path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}

func (s *Store) read() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(s.defaultHost), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}

	// Fields missing from the file keep their defaults.
	loaded := Defaults(s.defaultHost)
	loaded.OllamaHost = ""
	if err := json.Unmarshal(data, &loaded); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings %s: %w", s.path, err)
	}

	return s.normalize(loaded), nil
}

func (s *Store) write(settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func (s *Store) normalize(settings Settings) Settings {
	settings.DefaultOllamaHost = s.defaultHost
	if settings.OllamaHost == "" {
		settings.OllamaHost = s.defaultHost
	}
	return settings
}
