package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/vita/engine/core"
)

// Config carries every lifecycle constant of the engine. FramesInFlight is
// the single process-wide value; components receive it from here at
// construction and must never redefine it locally. Two subsystems disagreeing
// on it is a correctness bug, not a tuning mistake.
type Config struct {
	// Maximum number of frames whose GPU work may be outstanding at once.
	FramesInFlight int `toml:"frames_in_flight"`
	// Per-slot transient ring region size in bytes, used for uniform data,
	// dynamic vertex data and upload staging. Fixed; exhaustion is fatal.
	TransientRingSize uint64 `toml:"transient_ring_size"`
	// Ring allocations smaller than this alignment are rounded up to it.
	TransientRingAlignment uint64 `toml:"transient_ring_alignment"`
	// Upload requests larger than this bypass the ring and get a dedicated
	// one-off staging buffer.
	MaxRingUploadSize uint64 `toml:"max_ring_upload_size"`
	// Capacity of the image upload queue.
	UploadQueueCapacity int `toml:"upload_queue_capacity"`
	// Bounded wait for the per-frame GPU completion wait, in milliseconds.
	FrameWaitTimeoutMs uint64 `toml:"frame_wait_timeout_ms"`
}

func Default() *Config {
	return &Config{
		FramesInFlight:         2,
		TransientRingSize:      8 * 1024 * 1024,
		TransientRingAlignment: 256,
		MaxRingUploadSize:      2 * 1024 * 1024,
		UploadQueueCapacity:    256,
		FrameWaitTimeoutMs:     5000,
	}
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrapf(core.ErrConfiguration, "reading config file %s: %v", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, core.Wrapf(core.ErrConfiguration, "parsing config file %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate is called once at startup. Configuration errors are fatal at this
// boundary and never surface as runtime-recoverable conditions.
func (c *Config) Validate() error {
	if c.FramesInFlight < 1 || c.FramesInFlight > 3 {
		return core.Wrapf(core.ErrConfiguration, "frames_in_flight must be in [1,3], got %d", c.FramesInFlight)
	}
	if c.TransientRingSize == 0 {
		return core.Wrapf(core.ErrConfiguration, "transient_ring_size must be > 0")
	}
	if c.TransientRingAlignment == 0 || c.TransientRingAlignment&(c.TransientRingAlignment-1) != 0 {
		return core.Wrapf(core.ErrConfiguration, "transient_ring_alignment must be a power of two, got %d", c.TransientRingAlignment)
	}
	if c.MaxRingUploadSize > c.TransientRingSize {
		return core.Wrapf(core.ErrConfiguration, "max_ring_upload_size %d exceeds transient_ring_size %d", c.MaxRingUploadSize, c.TransientRingSize)
	}
	if c.UploadQueueCapacity < 1 {
		return core.Wrapf(core.ErrConfiguration, "upload_queue_capacity must be > 0, got %d", c.UploadQueueCapacity)
	}
	if c.FrameWaitTimeoutMs == 0 {
		return core.Wrapf(core.ErrConfiguration, "frame_wait_timeout_ms must be > 0")
	}
	return nil
}
