// Package config loads the server configuration from
// ~/.localllama/config.toml. Command-line flags override it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/papercomputeco/localllama/pkg/ollama"
)

const (
	DefaultListenAddr = "127.0.0.1:3000"
	DefaultStreamTTL  = 2 * time.Minute

	dirName = ".localllama"
)

// Config is the server configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `toml:"listen_addr"`

	// DBPath is the SQLite database file. ":memory:" keeps history in memory.
	DBPath string `toml:"db_path"`

	// OllamaHost is the host used when the settings file doesn't name one.
	OllamaHost string `toml:"ollama_host"`

	// SettingsPath is the global settings JSON file.
	SettingsPath string `toml:"settings_path"`

	// StreamTTL is how long an opened stream waits to be claimed.
	StreamTTL Duration `toml:"stream_ttl"`

	Debug   bool `toml:"debug"`
	LogJSON bool `toml:"log_json"`
}

// Duration is a time.Duration written as a string such as "90s" in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Dir returns ~/.localllama.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

// DefaultPath returns ~/.localllama/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Default returns the configuration used when no file exists.
// OLLAMA_HOST, when set, replaces the default Ollama host.
func Default() *Config {
	cfg := &Config{
		ListenAddr: DefaultListenAddr,
		OllamaHost: ollama.DefaultHost,
		StreamTTL:  Duration(DefaultStreamTTL),
	}

	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.OllamaHost = host
	}

	if dir, err := Dir(); err == nil {
		cfg.DBPath = filepath.Join(dir, "db.sqlite")
		cfg.SettingsPath = filepath.Join(dir, "settings.json")
	}

	return cfg
}

// Load reads the TOML file at path over the defaults. An empty path means
// DefaultPath. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	if err := cfg.expand(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen_addr must be set")
	case c.DBPath == "":
		return errors.New("db_path must be set")
	case c.SettingsPath == "":
		return errors.New("settings_path must be set")
	case c.OllamaHost == "":
		return errors.New("ollama_host must be set")
	case c.StreamTTL <= 0:
		return fmt.Errorf("stream_ttl must be positive, got %s", time.Duration(c.StreamTTL))
	}
	return nil
}

func (c *Config) expand() error {
	var err error
	if c.DBPath, err = ExpandHome(c.DBPath); err != nil {
		return err
	}
	if c.SettingsPath, err = ExpandHome(c.SettingsPath); err != nil {
		return err
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
