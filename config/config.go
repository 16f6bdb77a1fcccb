// Package config defines the caller-facing configuration of a plugin host
// instance, with struct validation, JSON schema generation, and TOML loading.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// validate is the shared validator instance. validator.Validate caches struct
// metadata, so a single instance is reused.
var validate = validator.New()

// Config describes one plugin host instance. Zero-value fields fall back to
// the defaults applied by Normalize.
type Config struct {
	// ServerExecutable is the path to the plugin server binary. Required
	// for Spawn; Attach runs against a connection the caller established.
	ServerExecutable string `json:"server_executable,omitempty" toml:"server_executable"`

	// SocketPath is the unix socket the server binds. Defaults to a
	// per-instance path under the temp directory.
	SocketPath string `json:"socket_path,omitempty" toml:"socket_path"`

	// Channels is the channel count of both the input and output regions.
	Channels int `json:"channels" toml:"channels" validate:"min=1,max=64"`

	// MaxBlockSize is the largest frames-per-cycle the instance will be
	// asked to process. The shared region is sized from it.
	MaxBlockSize int `json:"max_block_size" toml:"max_block_size" validate:"min=1,max=65536"`

	// PreferFloat64 requests 64-bit processing when the plugin supports it.
	PreferFloat64 bool `json:"prefer_float64,omitempty" toml:"prefer_float64"`

	// StartupTimeout bounds spawn plus handshake.
	StartupTimeout time.Duration `json:"startup_timeout,omitempty" toml:"startup_timeout"`

	// LoadTimeout bounds a single plugin load.
	LoadTimeout time.Duration `json:"load_timeout,omitempty" toml:"load_timeout"`

	// ProcessDeadline bounds one process cycle. When zero it is derived
	// from the block size and sample rate at each Load.
	ProcessDeadline time.Duration `json:"process_deadline,omitempty" toml:"process_deadline"`
}

// Default returns the stock configuration for a stereo instance.
func Default() Config {
	return Config{
		Channels:       2,
		MaxBlockSize:   8192,
		StartupTimeout: 5 * time.Second,
		LoadTimeout:    10 * time.Second,
	}
}

// Normalize fills zero-value fields with defaults.
func (c *Config) Normalize() {
	d := Default()
	if c.Channels == 0 {
		c.Channels = d.Channels
	}
	if c.MaxBlockSize == 0 {
		c.MaxBlockSize = d.MaxBlockSize
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = d.LoadTimeout
	}
}

// Validate normalizes the config and checks its constraints.
func (c *Config) Validate() error {
	c.Normalize()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid host config: %w", err)
	}
	return nil
}

// FromFile loads and validates a TOML config file.
func FromFile(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Schema returns the JSON Schema (Draft 2020-12) for Config, for editors and
// external tooling that generate host configuration.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Config{})

	jsonBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return jsonBytes, nil
}
