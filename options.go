package tilestream

import (
	"log/slog"

	"github.com/gogpu/tilestream/backend"
	"github.com/gogpu/tilestream/gfx"
)

// Default manager limits.
const (
	// DefaultFrameDepth is the assumed number of GPU frames in flight;
	// it sets the eviction delay.
	DefaultFrameDepth = 2

	// MaxFrameDepth caps the eviction delay.
	MaxFrameDepth = 8

	// DefaultMaxTilesPerCycle bounds one resource's loads in a single
	// streaming cycle.
	DefaultMaxTilesPerCycle = 64

	// DefaultMaxEvictionsPerCycle bounds one resource's evictions in a
	// single streaming cycle.
	DefaultMaxEvictionsPerCycle = 128

	// DefaultMaxUpdateLists bounds in-flight batches across resources.
	DefaultMaxUpdateLists = 128

	// DefaultStagingSlots bounds in-flight tile copies across resources.
	DefaultStagingSlots = 256
)

// Config holds construction parameters for a TileUpdateManager.
type Config struct {
	// Device is the graphics collaborator. Required.
	Device gfx.Device

	// Backend names the file-streaming backend ("worker", "asyncio").
	// Empty selects the best registered backend; if none is registered,
	// the worker backend package must be imported for its side effect.
	Backend string

	// Streamer overrides Backend with a concrete instance, mostly for
	// tests. The manager takes ownership and closes it.
	Streamer backend.FileStreamer

	// FrameDepth is the number of GPU frames that may be in flight.
	// Clamped to [1, MaxFrameDepth]; defaults to DefaultFrameDepth
	// if <= 0.
	FrameDepth int

	// MaxTilesPerCycle bounds loads per resource per streaming cycle.
	// Defaults to DefaultMaxTilesPerCycle if <= 0.
	MaxTilesPerCycle int

	// MaxEvictionsPerCycle bounds evictions per resource per cycle.
	// Defaults to DefaultMaxEvictionsPerCycle if <= 0.
	MaxEvictionsPerCycle int

	// MaxUpdateLists bounds in-flight batches.
	// Defaults to DefaultMaxUpdateLists if <= 0.
	MaxUpdateLists int

	// StagingSlots bounds in-flight tile copies.
	// Defaults to DefaultStagingSlots if <= 0.
	StagingSlots int

	// Workers is passed to the worker backend; QueueDepth to asyncio.
	Workers    int
	QueueDepth int

	// Logger overrides the package logger for this manager.
	Logger *slog.Logger
}

// withDefaults returns the config with unset fields filled in and
// out-of-range fields clamped.
func (c Config) withDefaults() Config {
	if c.FrameDepth <= 0 {
		c.FrameDepth = DefaultFrameDepth
	}
	if c.FrameDepth > MaxFrameDepth {
		c.FrameDepth = MaxFrameDepth
	}
	if c.MaxTilesPerCycle <= 0 {
		c.MaxTilesPerCycle = DefaultMaxTilesPerCycle
	}
	if c.MaxEvictionsPerCycle <= 0 {
		c.MaxEvictionsPerCycle = DefaultMaxEvictionsPerCycle
	}
	if c.MaxUpdateLists <= 0 {
		c.MaxUpdateLists = DefaultMaxUpdateLists
	}
	if c.StagingSlots <= 0 {
		c.StagingSlots = DefaultStagingSlots
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	return c
}
