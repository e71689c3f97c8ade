// Package config loads and validates the server configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harborview/ledgersync/internal/identity"
)

// Defaults applied by Load when the file omits a field.
const (
	DefaultListen        = "127.0.0.1:8480"
	DefaultIntentExpiry  = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP listen address for the request surface.
	Listen string `yaml:"listen"`

	// Database is the path to the SQLite metadata database.
	// Empty selects the in-memory store (state lost on restart).
	Database string `yaml:"database,omitempty"`

	// IntentExpiry bounds how long an unconfirmed intent is retained
	// before the orphan sweep drops it.
	IntentExpiry time.Duration `yaml:"intent_expiry"`

	// SweepInterval is how often the orphan sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Actors is the closed set of provisioned actor identities.
	Actors []identity.Actor `yaml:"actors"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates config bytes. Split from Load for tests.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{
		Listen:        DefaultListen,
		IntentExpiry:  DefaultIntentExpiry,
		SweepInterval: DefaultSweepInterval,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.IntentExpiry <= 0 {
		return fmt.Errorf("config: intent_expiry must be positive, got %s", c.IntentExpiry)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if len(c.Actors) == 0 {
		return fmt.Errorf("config: at least one actor must be provisioned")
	}

	seen := make(map[string]string, len(c.Actors))
	for i, a := range c.Actors {
		if a.Name == "" {
			return fmt.Errorf("config: actors[%d]: name must not be empty", i)
		}
		if a.Credential == "" {
			return fmt.Errorf("config: actors[%d] (%s): credential must not be empty", i, a.Name)
		}
		norm := identity.Normalize(a.Name)
		if prev, dup := seen[norm]; dup {
			return fmt.Errorf("config: actors %q and %q are the same identity after normalization", prev, a.Name)
		}
		seen[norm] = a.Name
	}
	return nil
}

// Registry builds the actor registry from the provisioned list.
func (c *Config) Registry() *identity.Registry {
	return identity.NewRegistry(c.Actors)
}
