package residency

import "github.com/gogpu/tilestream/gfx"

// delayQueue is the eviction delay: a ring of per-frame pending lists.
//
// A tile appended at some frame is only returned by Advance after the
// ring has advanced depth times, where depth is the number of frames
// that may still be in flight on the GPU. Freeing a heap slot earlier
// could rip data out from under a frame that still samples it.
//
// Not safe for concurrent use; the owning Resource serializes access.
type delayQueue struct {
	frames  [][]gfx.TileCoord
	cur     int
	pending int
}

func newDelayQueue(depth int) *delayQueue {
	if depth < 1 {
		depth = 1
	}
	return &delayQueue{frames: make([][]gfx.TileCoord, depth)}
}

// Append queues a tile for eviction depth frames from now.
func (d *delayQueue) Append(c gfx.TileCoord) {
	d.frames[d.cur] = append(d.frames[d.cur], c)
	d.pending++
}

// Advance moves to the next frame and returns the tiles whose delay has
// expired. The returned slice is owned by the caller; the ring slot is
// reset for reuse.
func (d *delayQueue) Advance() []gfx.TileCoord {
	d.cur = (d.cur + 1) % len(d.frames)
	ready := d.frames[d.cur]
	d.frames[d.cur] = nil
	d.pending -= len(ready)
	return ready
}

// Pending returns the number of tiles waiting out their delay.
func (d *delayQueue) Pending() int {
	return d.pending
}

// Depth returns the configured delay in frames.
func (d *delayQueue) Depth() int {
	return len(d.frames)
}
