// Package upload implements the tile data movement pipeline: pooled
// batch descriptors (UpdateLists), bounded staging memory, submission to
// a pluggable file-streaming backend, and in-order completion dispatch.
//
// The pipeline guarantees at most MaxUpdateLists batches and at most
// StagingSlots tile copies in flight, and drains completions strictly
// in submission order.
package upload

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/tilestream/gfx"
)

// Pipeline errors.
var (
	// ErrBadListState reports an UpdateList lifecycle violation.
	ErrBadListState = errors.New("upload: update list is in the wrong state")

	// ErrListNotEmpty is returned when FreeEmptyUpdateList is handed a
	// list that has work recorded.
	ErrListNotEmpty = errors.New("upload: update list is not empty")

	// ErrStagingExhausted is returned when a submission asks for more
	// staging slots than are free. Callers bound their batches by
	// StagingAvailable to avoid it.
	ErrStagingExhausted = errors.New("upload: staging slots exhausted")

	// ErrClosed is returned when operating on a closed uploader.
	ErrClosed = errors.New("upload: uploader is closed")
)

// ListState is the lifecycle state of an UpdateList.
type ListState int32

const (
	// ListFree: in the pool, no owner.
	ListFree ListState = iota

	// ListAllocated: owned by a streaming cycle, collecting work.
	ListAllocated

	// ListSubmitted: handed to the streaming backend, fence pending.
	ListSubmitted

	// ListCompleted: fence retired, notifications being dispatched.
	ListCompleted
)

// String returns a human-readable name for the state.
func (s ListState) String() string {
	switch s {
	case ListFree:
		return "Free"
	case ListAllocated:
		return "Allocated"
	case ListSubmitted:
		return "Submitted"
	case ListCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// Notifier receives completion callbacks for one resource. Implemented
// by the residency engine; the pipeline holds only this capability, not
// the resource itself.
type Notifier interface {
	NotifyCopyComplete(coords []gfx.TileCoord)
	NotifyCopyFailed(coords []gfx.TileCoord, cause error)
	NotifyEvicted(coords []gfx.TileCoord)
	NotifyPackedMips()
}

// TileSource supplies tile payloads for one resource, usually a texfile
// reader. Implementations must be safe for concurrent ReadTile calls.
type TileSource interface {
	// ReadTile reads the (decompressed) payload of one tile into dst,
	// which is at least gfx.TileBytes long.
	ReadTile(c gfx.TileCoord, dst []byte) (int, error)

	// ReadPackedMips reads the packed-mip payload into dst.
	ReadPackedMips(dst []byte) (int, error)

	// PackedMipByteCount returns the packed-mip payload size.
	PackedMipByteCount() int
}

// Target names where a resource's tiles land on the device.
type Target struct {
	Texture gfx.TextureID
	Heap    gfx.HeapID
}

// TileLoad is one tile copy: a coordinate, the heap slot reserved for
// it, and the staging slot carrying the payload.
type TileLoad struct {
	Coord    gfx.TileCoord
	HeapSlot uint32

	staging uint32
	failed  bool
	err     error
}

// UpdateList is one streaming cycle's batch for one resource: tiles to
// load, tiles to evict, and optionally the packed-mip request.
//
// Lifecycle: Free -> Allocated -> Submitted -> Completed -> Free. A
// list that collected no work is recycled via FreeEmptyUpdateList
// without being submitted.
type UpdateList struct {
	poolIndex uint32
	state     atomic.Int32

	notifier Notifier
	source   TileSource
	target   Target

	loads     []TileLoad
	evictions []gfx.TileCoord
	packedMip bool
	packedErr error

	arena *stagingArena
	fence uint64
}

func (l *UpdateList) reset(n Notifier, src TileSource, tgt Target) {
	l.notifier = n
	l.source = src
	l.target = tgt
	l.loads = l.loads[:0]
	l.evictions = l.evictions[:0]
	l.packedMip = false
	l.packedErr = nil
	l.fence = 0
}

// State returns the lifecycle state.
func (l *UpdateList) State() ListState {
	return ListState(l.state.Load())
}

func (l *UpdateList) transition(from, to ListState) error {
	if !l.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s, currently %s", ErrBadListState, from, to, l.State())
	}
	return nil
}

// AddUpdate records one tile load.
func (l *UpdateList) AddUpdate(c gfx.TileCoord, heapSlot uint32) {
	l.loads = append(l.loads, TileLoad{Coord: c, HeapSlot: heapSlot})
}

// AddEviction records one tile eviction.
func (l *UpdateList) AddEviction(c gfx.TileCoord) {
	l.evictions = append(l.evictions, c)
}

// AddPackedMipRequest records the once-only packed-mip copy.
func (l *UpdateList) AddPackedMipRequest() {
	l.packedMip = true
}

// Empty reports whether the list carries no work.
func (l *UpdateList) Empty() bool {
	return len(l.loads) == 0 && len(l.evictions) == 0 && !l.packedMip
}

// Fence returns the backend fence guarding this list's copies.
func (l *UpdateList) Fence() uint64 {
	return l.fence
}

// Target returns the device destination of the batch.
func (l *UpdateList) Target() Target {
	return l.target
}

// Source returns the tile payload source.
func (l *UpdateList) Source() TileSource {
	return l.source
}

// NumLoads returns the number of tile loads in the batch.
func (l *UpdateList) NumLoads() int {
	return len(l.loads)
}

// Load returns the i-th tile load.
func (l *UpdateList) Load(i int) TileLoad {
	return l.loads[i]
}

// HasPackedMipRequest reports whether the batch carries the packed-mip
// copy.
func (l *UpdateList) HasPackedMipRequest() bool {
	return l.packedMip
}

// MarkFailed records a per-tile read failure. The tile is reported via
// NotifyCopyFailed at completion; the rest of the batch proceeds.
func (l *UpdateList) MarkFailed(i int, err error) {
	l.loads[i].failed = true
	l.loads[i].err = err
}

// MarkPackedFailed records a packed-mip read failure.
func (l *UpdateList) MarkPackedFailed(err error) {
	l.packedErr = err
}
