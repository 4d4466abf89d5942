package upload

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/alloc"
)

// Default pipeline limits.
const (
	// DefaultMaxUpdateLists bounds the number of batches in flight.
	DefaultMaxUpdateLists = 128

	// DefaultStagingSlots bounds the number of tile copies in flight.
	DefaultStagingSlots = 256

	// completionPollInterval is how often the completion goroutine
	// re-checks the backend fence.
	completionPollInterval = 50 * time.Microsecond
)

// Streamer is the pluggable file-streaming backend: either a
// worker-goroutine synchronous copy or an asynchronous I/O queue.
//
// StreamTiles may only be called from one goroutine; completion is
// observed by a different goroutine through Signal/GetCompleted. A
// batch accepted by StreamTiles is always executed; there is no
// cancellation.
type Streamer interface {
	// StreamTiles schedules the reads and device writes for the batch.
	StreamTiles(l *UpdateList) error

	// Signal inserts a fence after everything streamed so far and
	// returns its value. Values increase monotonically from 1.
	Signal() uint64

	// GetCompleted returns the highest fence value whose prior work has
	// all finished.
	GetCompleted() uint64

	// Close waits for accepted work to drain and releases the backend.
	Close() error
}

// Config holds construction parameters for an Uploader.
type Config struct {
	// Device receives mapping updates and tile writes.
	Device gfx.Device

	// Streamer executes the file reads. Required.
	Streamer Streamer

	// MaxUpdateLists bounds in-flight batches.
	// Defaults to DefaultMaxUpdateLists if <= 0.
	MaxUpdateLists int

	// StagingSlots bounds in-flight tile copies.
	// Defaults to DefaultStagingSlots if <= 0.
	StagingSlots int

	// Logger receives pipeline diagnostics. Silent when nil.
	Logger *slog.Logger
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	ListsSubmitted uint64
	ListsRecycled  uint64
	TilesCopied    uint64
	TilesFailed    uint64
	TilesEvicted   uint64
	PackedCopies   uint64

	// ListsFree and StagingFree are current pool levels.
	ListsFree   int
	StagingFree int
}

// String returns a human-readable string of the stats.
func (s Stats) String() string {
	return fmt.Sprintf("Upload[%d lists, %d tiles copied, %d failed, %d evicted]",
		s.ListsSubmitted, s.TilesCopied, s.TilesFailed, s.TilesEvicted)
}

// stagingArena is the bounded staging memory for in-flight tile copies.
// Slot indices come from a lock-free SPSC ring: the submitting goroutine
// allocates, the completion goroutine frees.
type stagingArena struct {
	arena []byte
	ring  *alloc.Ring
}

func newStagingArena(slots int) (*stagingArena, error) {
	ring, err := alloc.NewRing(slots)
	if err != nil {
		return nil, err
	}
	return &stagingArena{
		arena: make([]byte, slots*gfx.TileBytes),
		ring:  ring,
	}, nil
}

func (a *stagingArena) buffer(slot uint32) []byte {
	off := int(slot) * gfx.TileBytes
	return a.arena[off : off+gfx.TileBytes]
}

// StagingBuffer returns the staging memory of the i-th load. Only valid
// between submission and completion; streamers fill it before writing
// the tile to the device.
func (l *UpdateList) StagingBuffer(i int) []byte {
	return l.arena.buffer(l.loads[i].staging)
}

// Uploader owns the UpdateList pool and the staging arena, submits
// batches to the streaming backend, and dispatches completion
// notifications in submission order.
//
// Concurrency: AllocateUpdateList, FreeEmptyUpdateList and
// SubmitUpdateList are called from the feedback-processing goroutine.
// A dedicated completion goroutine drains retired batches FIFO and is
// the only caller of the Notifier methods.
type Uploader struct {
	device   gfx.Device
	streamer Streamer
	log      *slog.Logger

	mu        sync.Mutex
	lists     []*UpdateList
	freeLists *alloc.FreeList

	staging *stagingArena

	// pending preserves submission order; capacity MaxUpdateLists so
	// sends never block.
	pending chan *UpdateList

	wg     sync.WaitGroup
	closed atomic.Bool

	listsSubmitted atomic.Uint64
	listsRecycled  atomic.Uint64
	tilesCopied    atomic.Uint64
	tilesFailed    atomic.Uint64
	tilesEvicted   atomic.Uint64
	packedCopies   atomic.Uint64
}

// New creates an uploader and starts its completion goroutine.
func New(cfg Config) (*Uploader, error) {
	if cfg.Device == nil || cfg.Streamer == nil {
		return nil, fmt.Errorf("upload: device and streamer are required")
	}
	maxLists := cfg.MaxUpdateLists
	if maxLists <= 0 {
		maxLists = DefaultMaxUpdateLists
	}
	slots := cfg.StagingSlots
	if slots <= 0 {
		slots = DefaultStagingSlots
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	freeLists, err := alloc.NewFreeList(maxLists)
	if err != nil {
		return nil, err
	}
	staging, err := newStagingArena(slots)
	if err != nil {
		return nil, err
	}

	u := &Uploader{
		device:    cfg.Device,
		streamer:  cfg.Streamer,
		log:       log,
		lists:     make([]*UpdateList, maxLists),
		freeLists: freeLists,
		staging:   staging,
		pending:   make(chan *UpdateList, maxLists),
	}
	for i := range u.lists {
		u.lists[i] = &UpdateList{poolIndex: uint32(i)}
	}

	u.wg.Add(1)
	go u.completionLoop()
	return u, nil
}

// AllocateUpdateList pulls a list from the pool for one resource's
// cycle. Soft-fails (ok == false) when the pool is exhausted; the
// caller retries on a later cycle.
func (u *Uploader) AllocateUpdateList(n Notifier, src TileSource, tgt Target) (*UpdateList, bool) {
	if u.closed.Load() {
		return nil, false
	}

	u.mu.Lock()
	idx, ok := u.freeLists.Allocate()
	u.mu.Unlock()
	if !ok {
		return nil, false
	}

	l := u.lists[idx]
	l.reset(n, src, tgt)
	l.arena = u.staging
	if err := l.transition(ListFree, ListAllocated); err != nil {
		u.log.Error("update list pool corruption", "err", err)
		return nil, false
	}
	return l, true
}

// FreeEmptyUpdateList recycles a list whose cycle produced no work,
// without submitting it.
func (u *Uploader) FreeEmptyUpdateList(l *UpdateList) error {
	if !l.Empty() {
		return ErrListNotEmpty
	}
	if err := l.transition(ListAllocated, ListFree); err != nil {
		return err
	}
	return u.recycle(l)
}

// StagingAvailable returns the number of free staging slots; callers
// bound their batches by it so SubmitUpdateList never over-asks.
func (u *Uploader) StagingAvailable() int {
	return u.staging.ring.Available()
}

// SubmitUpdateList hands a batch to the streaming backend.
//
// Ordering: tile mappings are committed before the backend may execute
// any copy of this batch, so a copy never targets an unmapped slot.
// Evictions were delayed by the in-flight frame depth upstream, so
// their slots are unmapped here immediately.
func (u *Uploader) SubmitUpdateList(l *UpdateList) error {
	if u.closed.Load() {
		return ErrClosed
	}
	if err := u.device.Err(); err != nil {
		// Terminal: stop issuing batches, surface upward.
		return err
	}

	if err := l.transition(ListAllocated, ListSubmitted); err != nil {
		return err
	}

	if len(l.evictions) > 0 {
		if err := u.device.UnmapTiles(l.target.Texture, l.evictions); err != nil {
			u.abandon(l)
			return fmt.Errorf("upload: unmap failed: %w", err)
		}
	}

	if n := len(l.loads); n > 0 {
		// Only this goroutine allocates staging slots, so the
		// availability check cannot race with another allocator.
		if u.staging.ring.Available() < n {
			err := fmt.Errorf("%w: need %d, have %d", ErrStagingExhausted, n, u.staging.ring.Available())
			u.abandon(l)
			return err
		}

		coords := make([]gfx.TileCoord, n)
		slots := make([]uint32, n)
		for i := range l.loads {
			s, _ := u.staging.ring.Allocate()
			l.loads[i].staging = s
			coords[i] = l.loads[i].Coord
			slots[i] = l.loads[i].HeapSlot
		}

		if err := u.device.MapTiles(l.target.Texture, l.target.Heap, coords, slots); err != nil {
			u.failAndRetire(l, err)
			return fmt.Errorf("upload: map failed: %w", err)
		}
	}

	if err := u.streamer.StreamTiles(l); err != nil {
		u.failAndRetire(l, err)
		return fmt.Errorf("upload: stream failed: %w", err)
	}
	l.fence = u.streamer.Signal()

	u.listsSubmitted.Add(1)
	u.pending <- l
	return nil
}

// abandon recycles a list whose submission failed before any staging
// slot was taken. The batch's tile states are left to the caller's
// error handling.
func (u *Uploader) abandon(l *UpdateList) {
	if err := l.transition(ListSubmitted, ListCompleted); err != nil {
		u.log.Error("update list state corruption", "err", err)
		return
	}
	if err := l.transition(ListCompleted, ListFree); err != nil {
		u.log.Error("update list state corruption", "err", err)
		return
	}
	if err := u.recycle(l); err != nil {
		u.log.Error("update list pool corruption", "err", err)
	}
}

// failAndRetire marks every load failed and retires the list through
// the completion goroutine, which owns the staging frees and the
// failure notifications. Keeps a transient submit failure from bleeding
// pool capacity or leaving tiles stuck in Loading.
func (u *Uploader) failAndRetire(l *UpdateList, cause error) {
	for i := range l.loads {
		if !l.loads[i].failed {
			l.loads[i].failed = true
			l.loads[i].err = cause
		}
	}
	if l.packedMip && l.packedErr == nil {
		l.packedErr = cause
	}
	l.fence = u.streamer.Signal()
	u.pending <- l
}

// completionLoop drains submitted batches strictly in submission order,
// waits for each batch's backend fence, dispatches notifications, and
// recycles pool resources.
func (u *Uploader) completionLoop() {
	defer u.wg.Done()

	for l := range u.pending {
		for u.streamer.GetCompleted() < l.fence {
			time.Sleep(completionPollInterval)
		}

		if err := l.transition(ListSubmitted, ListCompleted); err != nil {
			u.log.Error("update list state corruption", "err", err)
			continue
		}

		u.dispatch(l)

		// Return staging slots (consumer side of the SPSC ring).
		for i := range l.loads {
			if err := u.staging.ring.Free(l.loads[i].staging); err != nil {
				u.log.Error("staging slot corruption", "err", err)
			}
		}

		if err := l.transition(ListCompleted, ListFree); err != nil {
			u.log.Error("update list state corruption", "err", err)
			continue
		}
		if err := u.recycle(l); err != nil {
			u.log.Error("update list pool corruption", "err", err)
		}
	}
}

func (u *Uploader) dispatch(l *UpdateList) {
	var done, failed []gfx.TileCoord
	var cause error
	for i := range l.loads {
		ld := &l.loads[i]
		if ld.failed {
			failed = append(failed, ld.Coord)
			if cause == nil {
				cause = ld.err
			}
			continue
		}
		done = append(done, ld.Coord)
	}

	if len(done) > 0 {
		u.tilesCopied.Add(uint64(len(done)))
		l.notifier.NotifyCopyComplete(done)
	}
	if len(failed) > 0 {
		u.tilesFailed.Add(uint64(len(failed)))
		l.notifier.NotifyCopyFailed(failed, cause)
	}
	if len(l.evictions) > 0 {
		u.tilesEvicted.Add(uint64(len(l.evictions)))
		l.notifier.NotifyEvicted(l.evictions)
	}
	if l.packedMip {
		if l.packedErr != nil {
			u.log.Error("packed mip copy failed", "err", l.packedErr)
			l.notifier.NotifyCopyFailed(nil, l.packedErr)
		} else {
			u.packedCopies.Add(1)
			l.notifier.NotifyPackedMips()
		}
	}
}

func (u *Uploader) recycle(l *UpdateList) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.listsRecycled.Add(1)
	return u.freeLists.Free(l.poolIndex)
}

// Stats returns a snapshot of the pipeline counters.
func (u *Uploader) Stats() Stats {
	u.mu.Lock()
	listsFree := u.freeLists.Available()
	u.mu.Unlock()

	return Stats{
		ListsSubmitted: u.listsSubmitted.Load(),
		ListsRecycled:  u.listsRecycled.Load(),
		TilesCopied:    u.tilesCopied.Load(),
		TilesFailed:    u.tilesFailed.Load(),
		TilesEvicted:   u.tilesEvicted.Load(),
		PackedCopies:   u.packedCopies.Load(),
		ListsFree:      listsFree,
		StagingFree:    u.staging.ring.Available(),
	}
}

// Drain blocks until every submitted batch has completed and been
// recycled, or the timeout elapses. Returns true when fully drained.
func (u *Uploader) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		u.mu.Lock()
		free := u.freeLists.Available() == u.freeLists.Capacity()
		u.mu.Unlock()
		if free {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(completionPollInterval)
	}
}

// Close stops accepting batches, waits for in-flight work to drain, and
// shuts the backend down.
func (u *Uploader) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	close(u.pending)
	u.wg.Wait()
	return u.streamer.Close()
}
