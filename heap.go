package tilestream

import (
	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/heap"
)

// StreamingHeap is a fixed pool of physical 64KB tile slots shared by
// any number of streaming resources. Sharing one heap keeps
// fragmentation at zero: every slot fits every tile.
type StreamingHeap struct {
	hp  *heap.Heap
	id  gfx.HeapID
	mgr *TileUpdateManager
}

// HeapStats is a snapshot of heap occupancy.
type HeapStats = heap.Stats

// Capacity returns the total number of tile slots.
func (h *StreamingHeap) Capacity() int {
	return h.hp.Capacity()
}

// Allocated returns the number of slots currently holding a tile.
func (h *StreamingHeap) Allocated() int {
	return h.hp.Allocated()
}

// Stats returns a snapshot of heap occupancy.
func (h *StreamingHeap) Stats() HeapStats {
	return h.hp.Stats()
}

// DeviceHeap returns the graphics-device handle of the pool.
func (h *StreamingHeap) DeviceHeap() gfx.HeapID {
	return h.id
}

// AtlasWidth returns the width in tiles of the debug atlas surface used
// by the occupancy visualization.
func (h *StreamingHeap) AtlasWidth() int {
	return h.hp.AtlasWidth()
}
