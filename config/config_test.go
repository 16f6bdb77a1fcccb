package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.Validate())
	assert.Equal(t, 2, c.Channels)
	assert.Equal(t, 8192, c.MaxBlockSize)
	assert.Equal(t, 5*time.Second, c.StartupTimeout)
	assert.Equal(t, 10*time.Second, c.LoadTimeout)
	assert.False(t, c.PreferFloat64)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"too many channels", func(c *Config) { c.Channels = 65 }},
		{"negative channels", func(c *Config) { c.Channels = -1 }},
		{"block size too large", func(c *Config) { c.MaxBlockSize = 1 << 17 }},
		{"negative block size", func(c *Config) { c.MaxBlockSize = -8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mod(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_executable = "/usr/lib/tutti/tutti-plugin-server"
channels = 4
max_block_size = 2048
prefer_float64 = true
`), 0o600))

	c, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/tutti/tutti-plugin-server", c.ServerExecutable)
	assert.Equal(t, 4, c.Channels)
	assert.Equal(t, 2048, c.MaxBlockSize)
	assert.True(t, c.PreferFloat64)
	// Defaults still applied to omitted fields.
	assert.Equal(t, 5*time.Second, c.StartupTimeout)
}

func TestFromFileErrors(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`channels = 200`), 0o600))
	_, err = FromFile(path)
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "server_executable")
	assert.Contains(t, string(data), "max_block_size")
	assert.Contains(t, string(data), "prefer_float64")
}
