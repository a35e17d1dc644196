// Package config implements the client's local bookmark file: the
// {endpoint, token} pair recorded per cache server name by `attic login`
// and consulted by `attic push` and `attic use` (spec supplement, grounded
// on the original's client/src/command/login.rs and use.rs).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrServerNotFound is returned when a referenced server name has no
// bookmark.
var ErrServerNotFound = errors.New("config: no such server")

// Server is one bookmarked cache server.
type Server struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
}

// Config is the on-disk shape of the client config file: a named set of
// bookmarked servers plus which one is the default.
type Config struct {
	DefaultServer string            `toml:"default-server,omitempty"`
	Servers       map[string]Server `toml:"servers"`
}

// Path returns the default config file location, $XDG_CONFIG_HOME (or
// os.UserConfigDir) /attic/config.toml.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: error determining user config directory: %w", err)
	}

	return filepath.Join(dir, "attic", "config.toml"), nil
}

// Load reads the config file at path, returning an empty Config if it does
// not yet exist.
func Load(path string) (*Config, error) {
	cfg := &Config{Servers: map[string]Server{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("config: error reading %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: error parsing %q: %w", path, err)
	}

	if cfg.Servers == nil {
		cfg.Servers = map[string]Server{}
	}

	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: error creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: error opening %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: error writing %q: %w", path, err)
	}

	return nil
}

// Get returns the named server's bookmark, or falls back to
// DefaultServer when name is empty.
func (c *Config) Get(name string) (Server, error) {
	if name == "" {
		name = c.DefaultServer
	}

	s, ok := c.Servers[name]
	if !ok {
		return Server{}, fmt.Errorf("%w: %q", ErrServerNotFound, name)
	}

	return s, nil
}

// Set bookmarks a server under name, making it the default if it is the
// first one configured.
func (c *Config) Set(name string, s Server) {
	if c.Servers == nil {
		c.Servers = map[string]Server{}
	}

	c.Servers[name] = s

	if c.DefaultServer == "" {
		c.DefaultServer = name
	}
}
