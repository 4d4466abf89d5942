// Package gfx defines the boundary between the streaming engine and the
// graphics API.
//
// The engine never talks to a GPU directly. Everything it needs from the
// graphics stack (reserved-texture tile mapping, copy-queue writes,
// fences, and sampler-feedback resolves) is expressed on the Device
// interface. Package gfx also ships a software Device used by tests and
// headless tools; gfx/wgpu provides a GPU-backed Device on gogpu/wgpu.
package gfx

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// Device errors.
var (
	// ErrDeviceLost is returned once the underlying device is lost.
	// The condition is terminal: no further batches may be issued.
	ErrDeviceLost = errors.New("gfx: device lost")

	// ErrDeviceClosed is returned when operating on a closed device.
	ErrDeviceClosed = errors.New("gfx: device closed")

	// ErrUnknownTexture is returned for an unknown texture handle.
	ErrUnknownTexture = errors.New("gfx: unknown texture")

	// ErrUnknownHeap is returned for an unknown tile heap handle.
	ErrUnknownHeap = errors.New("gfx: unknown tile heap")

	// ErrUnknownBuffer is returned for an unknown buffer handle.
	ErrUnknownBuffer = errors.New("gfx: unknown buffer")

	// ErrTileNotMapped is returned when writing a tile slot that has no
	// mapping established. The mapping-commit path must run first.
	ErrTileNotMapped = errors.New("gfx: tile slot is not mapped")

	// ErrMappingMismatch is returned when coords and slots disagree in length.
	ErrMappingMismatch = errors.New("gfx: coords and slots length mismatch")
)

// FeedbackNotRequested is the value a resolved feedback entry holds for
// a tile footprint the hardware did not sample at all this frame.
const FeedbackNotRequested = 0xFF

// TextureID identifies a reserved (tiled) texture on a Device.
type TextureID uint32

// HeapID identifies a tile memory pool on a Device.
type HeapID uint32

// BufferID identifies a CPU-writable buffer on a Device, used for the
// shared min-mip residency buffer consumed by shaders.
type BufferID uint32

// TileCoord addresses one tile within a reserved texture: a tile grid
// position within one mip level.
type TileCoord struct {
	// X is the horizontal tile index within the mip level.
	X uint16
	// Y is the vertical tile index within the mip level.
	Y uint16
	// Mip is the mip level.
	Mip uint8
}

// TiledTextureDesc describes a reserved texture to create.
type TiledTextureDesc struct {
	// Label is an optional debug name.
	Label string

	// Size is the mip-0 extent in texels.
	Size gputypes.Extent3D

	// Format is the texel format.
	Format gputypes.TextureFormat

	// MipLevels is the total mip count, packed mips included.
	MipLevels uint32

	// TileTexelWidth and TileTexelHeight give the texel footprint of one
	// 64KB tile for Format.
	TileTexelWidth  uint32
	TileTexelHeight uint32
}

// Device is the capability surface the streaming engine requires from a
// graphics API.
//
// Ordering contract: MapTiles must be visible to the copy queue before a
// WriteTile targeting the mapped slot, and writes must be visible to
// sampling before the frame fence for the frame that uses them retires.
// UnmapTiles for a slot must only be issued after the eviction delay has
// guaranteed no in-flight frame samples it.
//
// Implementations must be safe for concurrent use: the engine calls the
// mapping and copy paths from its pipeline goroutines while the render
// thread executes command batches.
type Device interface {
	// CreateTiledTexture creates a reserved texture with no tiles mapped.
	CreateTiledTexture(desc TiledTextureDesc) (TextureID, error)

	// DestroyTexture releases a reserved texture.
	DestroyTexture(tex TextureID) error

	// CreateTileHeap creates a pool of physical 64KB tile slots.
	CreateTileHeap(capacityTiles int) (HeapID, error)

	// DestroyTileHeap releases a tile pool.
	DestroyTileHeap(h HeapID) error

	// CreateBuffer creates a CPU-writable buffer of the given size.
	CreateBuffer(size int) (BufferID, error)

	// WriteBuffer writes data into a buffer at offset.
	WriteBuffer(b BufferID, offset int, data []byte) error

	// MapTiles binds heap slots to virtual tile coordinates.
	// coords[i] is backed by slots[i] after the call.
	MapTiles(tex TextureID, h HeapID, coords []TileCoord, slots []uint32) error

	// UnmapTiles removes the bindings for the given coordinates.
	UnmapTiles(tex TextureID, coords []TileCoord) error

	// MapPackedMips binds the packed-mip region of tex to heap slots.
	MapPackedMips(tex TextureID, h HeapID, slots []uint32) error

	// WriteTile copies one 64KB tile of data into a mapped heap slot via
	// the copy queue.
	WriteTile(h HeapID, slot uint32, data []byte) error

	// WritePackedMips copies the packed-mip payload of tex.
	WritePackedMips(tex TextureID, data []byte) error

	// TransitionPackedMips inserts the barrier that makes freshly copied
	// packed mips sampling-safe. Recorded into the pre-draw batch.
	TransitionPackedMips(tex TextureID) error

	// ClearFeedback resets the sampler-feedback state of tex.
	ClearFeedback(tex TextureID) error

	// ResolveFeedback queues a resolve of the hardware feedback of tex
	// into a CPU-readable buffer. The result is readable once the frame
	// fence for the resolving frame has retired.
	ResolveFeedback(tex TextureID) error

	// ReadFeedback copies the most recent resolved feedback of tex into
	// dst: one byte per mip-0 tile footprint holding the minimum mip the
	// hardware wants, or FeedbackNotRequested. Returns entries written.
	ReadFeedback(tex TextureID, dst []uint8) (int, error)

	// SignalFrameFence signals the monotonically increasing frame fence.
	// Called (via the post-draw command batch) once per frame after draws.
	SignalFrameFence(value uint64) error

	// CompletedFrameFence returns the highest retired frame fence value.
	CompletedFrameFence() uint64

	// Err reports a terminal device condition (ErrDeviceLost), or nil.
	Err() error

	// Close releases the device.
	Close() error
}
