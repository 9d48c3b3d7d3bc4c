package harness

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Config is the fixed setup of a harness run.
type Config struct {
	Width, Height int
	BufferCount   int
	Format        gpu.Format

	// AdapterHint selects the first adapter whose description contains
	// it. An empty hint, or no match, falls back to the first hardware
	// adapter and then to the first adapter.
	AdapterHint string

	ClearColor   [4]float32
	SyncInterval int

	// Frames stops the loop after this many frames. Zero runs until
	// the window asks to close.
	Frames int

	// StatsInterval is how often frame timing statistics are logged.
	// Zero disables them.
	StatsInterval time.Duration
}

// DefaultConfig returns the reference configuration: a 1280×720
// two-buffer R8G8B8A8 swap chain cleared to yellow, presented with
// vsync.
func DefaultConfig() Config {
	return Config{
		Width:         1280,
		Height:        720,
		BufferCount:   2,
		Format:        gpu.FormatR8G8B8A8Unorm,
		AdapterHint:   "NVIDIA",
		ClearColor:    [4]float32{1, 1, 0, 1},
		SyncInterval:  1,
		StatsInterval: 5 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return errors.Newf("harness: invalid surface size %dx%d", c.Width, c.Height)
	case c.BufferCount != 2:
		return errors.Newf("harness: buffer count must be 2, got %d", c.BufferCount)
	case c.Format != gpu.FormatR8G8B8A8Unorm:
		return errors.Newf("harness: unsupported back buffer format %s", c.Format)
	case c.SyncInterval < 0 || c.SyncInterval > 4:
		return errors.Newf("harness: sync interval %d out of range [0, 4]", c.SyncInterval)
	case c.Frames < 0:
		return errors.Newf("harness: negative frame count %d", c.Frames)
	}
	return nil
}
