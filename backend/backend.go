package backend

import (
	"errors"
	"io"
	"log/slog"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/upload"
	"github.com/gogpu/tilestream/texfile"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrClosed is returned when streaming through a closed backend.
	ErrClosed = errors.New("backend: closed")
)

// Backend names for Register/Get.
const (
	// BackendWorker streams through a pool of copy goroutines doing
	// blocking file reads.
	BackendWorker = "worker"

	// BackendAsyncIO streams through a bounded request queue that
	// completes reads out of order, like a hardware I/O queue.
	BackendAsyncIO = "asyncio"
)

// TileFile is an open container file serving tile payloads and
// describing its tiled layout.
type TileFile interface {
	upload.TileSource
	io.Closer

	// Size returns the mip-0 extent in texels.
	Size() gputypes.Extent3D

	// Format returns the texel format.
	Format() gputypes.TextureFormat

	// MipDims returns the tile-grid dimensions of the standard mips.
	MipDims() []texfile.MipDim

	// NumPackedMips returns how many mips live in the packed region.
	NumPackedMips() int

	// PackedTileCount returns the heap slots the packed region occupies.
	PackedTileCount() int
}

// FileStreamer is the capability a streaming backend provides: open
// container files, execute batches of tile copies, and expose a
// monotonically increasing completion fence.
//
// StreamTiles is called from a single goroutine; Signal is called by
// that same goroutine right after StreamTiles accepts a batch.
// GetCompleted may be polled from any goroutine. A fence value v is
// completed only when every batch accepted before Signal returned v has
// fully executed, so the frontier advances in submission order even
// when the backend finishes work out of order internally.
type FileStreamer interface {
	// OpenFile opens a tile container for streaming.
	OpenFile(path string) (TileFile, error)

	// StreamTiles schedules the reads and device writes for the batch.
	// Per-tile read failures are recorded on the batch, not returned.
	StreamTiles(l *upload.UpdateList) error

	// Signal inserts a fence after everything streamed so far.
	Signal() uint64

	// GetCompleted returns the highest completed fence value.
	GetCompleted() uint64

	// Close drains accepted work and releases the backend.
	Close() error
}

// Config holds construction parameters shared by the backends.
type Config struct {
	// Device receives the tile writes. Required.
	Device gfx.Device

	// Workers is the copy goroutine count for the worker backend.
	// Defaults to GOMAXPROCS if <= 0.
	Workers int

	// QueueDepth bounds in-flight requests for the asyncio backend.
	// Defaults to DefaultQueueDepth if <= 0.
	QueueDepth int

	// Logger receives backend diagnostics. Silent when nil.
	Logger *slog.Logger
}

// DefaultQueueDepth is the asyncio request queue capacity when
// Config.QueueDepth is unset.
const DefaultQueueDepth = 64
