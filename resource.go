package tilestream

import (
	"github.com/gogpu/tilestream/backend"
	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/residency"
)

// MinMipUnknown marks a footprint with no resident data at all in the
// min-mip map. It only appears before the packed mips land.
const MinMipUnknown = residency.MinMipUnknown

// ResourceStats is a snapshot of a resource's streaming counters.
type ResourceStats = residency.Stats

// StreamingResource is the public handle of one streamed tiled texture.
//
// The handle is created by TileUpdateManager.CreateStreamingResource and
// stays valid until the manager closes. All methods are safe for
// concurrent use.
type StreamingResource struct {
	name string
	res  *residency.Resource
	file backend.TileFile
	tex  gfx.TextureID
	heap *StreamingHeap

	// minMipOffset is this resource's byte offset in the shared
	// min-mip residency buffer uploaded each frame.
	minMipOffset int

	// feedbackBuf is the CPU-side scratch for resolved feedback, one
	// byte per mip-0 tile footprint.
	feedbackBuf []uint8

	// minMipUploaded is the min-mip version last written to the
	// residency buffer. Guarded by the manager mutex.
	minMipUploaded uint64

	// nextCycleFence paces streaming cycles to retired frames: the next
	// cycle waits until the completed fence reaches it. Touched only by
	// the feedback-processing goroutine.
	nextCycleFence uint64
}

// Name returns the container file name the resource streams from.
func (r *StreamingResource) Name() string {
	return r.name
}

// Texture returns the graphics-device handle of the reserved texture.
func (r *StreamingResource) Texture() gfx.TextureID {
	return r.tex
}

// Heap returns the heap the resource's tiles live in.
func (r *StreamingResource) Heap() *StreamingHeap {
	return r.heap
}

// GetNumTilesVirtual returns the total virtual tile count, packed
// region included.
func (r *StreamingResource) GetNumTilesVirtual() int {
	return r.res.NumTilesVirtual()
}

// GetPackedMipsResident reports whether the packed mips are
// sampling-safe. Draw work for the resource should wait until then.
func (r *StreamingResource) GetPackedMipsResident() bool {
	return r.res.PackedMipsResident()
}

// GetMinMipMap returns a copy of the per-footprint minimum-resident-mip
// buffer, one byte per mip-0 tile footprint.
func (r *StreamingResource) GetMinMipMap() []uint8 {
	return r.res.MinMipMap()
}

// MinMipMapLen returns the min-mip buffer length in bytes.
func (r *StreamingResource) MinMipMapLen() int {
	return r.res.MinMipMapLen()
}

// MinMipMapOffset returns the resource's byte offset within the shared
// residency buffer uploaded by EndFrame.
func (r *StreamingResource) MinMipMapOffset() int {
	return r.minMipOffset
}

// QueueEviction flags the resource so the next feedback cycle treats
// every tile as unreferenced. Used when the owning object leaves
// visibility. Packed mips stay resident.
func (r *StreamingResource) QueueEviction() {
	r.res.QueueEviction()
}

// Stats returns a snapshot of the streaming counters.
func (r *StreamingResource) Stats() ResourceStats {
	return r.res.Stats()
}

// Err returns the first invariant violation or permanent load failure
// recorded for the resource, or nil.
func (r *StreamingResource) Err() error {
	return r.res.Err()
}
