package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/vita/engine/core"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vita.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
frames_in_flight = 3
transient_ring_size = 1048576
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.FramesInFlight)
	require.Equal(t, uint64(1048576), cfg.TransientRingSize)
	// Untouched keys keep their defaults.
	require.Equal(t, Default().UploadQueueCapacity, cfg.UploadQueueCapacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorIs(t, err, core.ErrConfiguration)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vita.toml")
	require.NoError(t, os.WriteFile(path, []byte("frames_in_flight = {"), 0o644))
	_, err := Load(path)
	require.ErrorIs(t, err, core.ErrConfiguration)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"frames too low", func(c *Config) { c.FramesInFlight = 0 }},
		{"frames too high", func(c *Config) { c.FramesInFlight = 4 }},
		{"zero ring", func(c *Config) { c.TransientRingSize = 0 }},
		{"non power of two alignment", func(c *Config) { c.TransientRingAlignment = 24 }},
		{"zero alignment", func(c *Config) { c.TransientRingAlignment = 0 }},
		{"ring upload cutoff above ring", func(c *Config) { c.MaxRingUploadSize = c.TransientRingSize + 1 }},
		{"zero upload queue", func(c *Config) { c.UploadQueueCapacity = 0 }},
		{"zero frame timeout", func(c *Config) { c.FrameWaitTimeoutMs = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), core.ErrConfiguration)
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vita.toml")
	require.NoError(t, os.WriteFile(path, []byte("frames_in_flight = 7"), 0o644))
	_, err := Load(path)
	require.ErrorIs(t, err, core.ErrConfiguration)
}
