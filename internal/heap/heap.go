// Package heap implements the fixed-capacity pool of physical tile-sized
// memory slots shared by streaming resources.
//
// The heap does not own any GPU memory itself; it is the bookkeeping
// layer that decides which slot index a tile occupies. The graphics
// device maps slot indices to physical tile memory.
package heap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/tilestream/internal/alloc"
)

// Heap errors.
var (
	// ErrInvalidCapacity is returned when creating a heap with capacity < 1.
	ErrInvalidCapacity = errors.New("heap: capacity must be at least 1")

	// ErrHeapClosed is returned when operating on a closed heap.
	ErrHeapClosed = errors.New("heap: heap is closed")
)

// Stats contains a snapshot of heap occupancy.
type Stats struct {
	// CapacityTiles is the total number of tile slots.
	CapacityTiles int

	// AllocatedTiles is the number of slots currently holding a tile.
	AllocatedTiles int

	// AvailableTiles is the number of free slots.
	AvailableTiles int

	// PeakAllocatedTiles is the high-water mark of allocated slots.
	PeakAllocatedTiles int

	// TotalAllocs counts successful allocations over the heap lifetime.
	TotalAllocs uint64

	// TotalFrees counts frees over the heap lifetime.
	TotalFrees uint64
}

// String returns a human-readable string of heap stats.
func (s Stats) String() string {
	return fmt.Sprintf("Heap[%d/%d tiles, peak %d, %d allocs, %d frees]",
		s.AllocatedTiles, s.CapacityTiles, s.PeakAllocatedTiles, s.TotalAllocs, s.TotalFrees)
}

// Heap is a fixed-capacity pool of tile slots. One slot holds exactly
// one tile at a time. Slots are shared across all resources bound to
// the heap, which keeps fragmentation at zero: every slot fits every
// tile.
//
// Heap is safe for concurrent use. Allocation happens on the
// feedback-processing goroutine while frees arrive from the upload
// pipeline's completion path, so the underlying single-threaded
// free list is guarded by a mutex.
type Heap struct {
	mu sync.Mutex

	slots *alloc.FreeList

	// atlasWidth is the width in tiles of the debug atlas addressing
	// surface. Purely a visualization aid; carries no allocation
	// semantics.
	atlasWidth int

	peak        int
	totalAllocs uint64
	totalFrees  uint64

	closed bool
}

// New creates a heap with the given tile capacity.
func New(capacityTiles int) (*Heap, error) {
	if capacityTiles < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacityTiles)
	}

	slots, err := alloc.NewFreeList(capacityTiles)
	if err != nil {
		return nil, err
	}

	// Square-ish atlas layout for visualization.
	w := 1
	for w*w < capacityTiles {
		w++
	}

	return &Heap{
		slots:      slots,
		atlasWidth: w,
	}, nil
}

// Allocate reserves a free tile slot. The second result is false when
// the heap is full or closed; callers retry on a later cycle.
func (h *Heap) Allocate() (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, false
	}

	idx, ok := h.slots.Allocate()
	if !ok {
		return 0, false
	}

	h.totalAllocs++
	if n := h.slots.Allocated(); n > h.peak {
		h.peak = n
	}
	return idx, true
}

// Free returns a slot to the pool. Double free and out-of-range
// indices are invariant violations and are reported as errors.
func (h *Heap) Free(idx uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHeapClosed
	}

	if err := h.slots.Free(idx); err != nil {
		return err
	}
	h.totalFrees++
	return nil
}

// Capacity returns the total number of tile slots.
func (h *Heap) Capacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slots.Capacity()
}

// Allocated returns the number of slots currently in use.
func (h *Heap) Allocated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slots.Allocated()
}

// Available returns the number of free slots.
func (h *Heap) Available() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slots.Available()
}

// Stats returns a snapshot of heap occupancy.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{
		CapacityTiles:      h.slots.Capacity(),
		AllocatedTiles:     h.slots.Allocated(),
		AvailableTiles:     h.slots.Available(),
		PeakAllocatedTiles: h.peak,
		TotalAllocs:        h.totalAllocs,
		TotalFrees:         h.totalFrees,
	}
}

// AtlasWidth returns the width in tiles of the debug atlas surface.
func (h *Heap) AtlasWidth() int {
	return h.atlasWidth
}

// SlotCoord returns the (x, y) tile coordinate of a heap slot on the
// debug atlas surface. Visualization only.
func (h *Heap) SlotCoord(idx uint32) (x, y int) {
	return int(idx) % h.atlasWidth, int(idx) / h.atlasWidth
}

// Occupancy returns a per-slot allocated snapshot. Visualization only.
func (h *Heap) Occupancy() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]bool, h.slots.Capacity())
	for i := range out {
		out[i] = h.slots.InUse(uint32(i))
	}
	return out
}

// Close marks the heap closed. Further allocations fail softly and
// frees return ErrHeapClosed.
func (h *Heap) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}
