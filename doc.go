// Package tilestream streams fixed-size 64KB tiles of very large
// textures into a bounded pool of GPU tile memory, driven by sampler
// feedback.
//
// A TileUpdateManager tracks any number of StreamingResources (tiled
// textures backed by container files) over shared StreamingHeaps
// (fixed pools of physical tile slots). Each frame, the renderer
// brackets its draws with the manager's BeginFrame/EndFrame and queues
// sampler feedback for a subset of resources; a background goroutine
// waits for the frame fence, turns the feedback into per-tile
// reference counts, and streams tiles in and out through a pluggable
// file backend.
//
// Key properties:
//
//   - Residency is a strict per-tile state machine
//     (NotResident -> Loading -> Resident -> Evicting) with no skipped
//     transitions; a load never overlaps an eviction of the same tile.
//   - Evictions are delayed by the number of frames that may still be
//     in flight on the GPU, and a tile re-referenced during the delay
//     is rescued instead of evicted and reloaded.
//   - Mips too small to fill a tile are streamed once as a packed
//     region and are never evicted.
//   - All pipeline pools are bounded; exhaustion defers work to a later
//     cycle instead of failing.
//
// Basic usage:
//
//	dev := gfx.NewSoftwareDevice()
//	mgr, err := tilestream.New(tilestream.Config{Device: dev})
//	if err != nil { ... }
//	defer mgr.Close()
//
//	heap, _ := mgr.CreateStreamingHeap(1024)
//	res, _ := mgr.CreateStreamingResource("terrain.xet", heap)
//
//	for frame := 0; ; frame++ {
//		mgr.BeginFrame(minMipBuffer)
//		mgr.QueueFeedback(res)
//		pre, post, _ := mgr.EndFrame()
//		pre.Execute(dev)
//		// ... draw using res.Texture() and the min-mip buffer ...
//		post.Execute(dev)
//	}
package tilestream
