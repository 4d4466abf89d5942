package residency

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/heap"
)

// Residency errors.
var (
	// ErrInvalidDesc is returned when a resource description is unusable.
	ErrInvalidDesc = errors.New("residency: invalid resource description")

	// ErrRefUnderflow reports a reference-count decrement below zero.
	ErrRefUnderflow = errors.New("residency: tile reference count underflow")

	// ErrBadTransition reports a notification that does not match the
	// tile's current state.
	ErrBadTransition = errors.New("residency: illegal tile state transition")
)

// MinMipUnknown is exported for footprints with no resident data at all.
// It only appears before the packed mips land; the coordinator does not
// hand out draw work for a resource until PackedMipsResident reports true.
const MinMipUnknown = 0xFF

// Desc describes the tiled layout of one streaming resource.
type Desc struct {
	// Name is a debug label (usually the file name).
	Name string

	// MipTiles holds the tile-grid dimensions of each standard mip,
	// finest first. Packed mips are not listed.
	MipTiles []MipDim

	// PackedTileCount is the number of heap tiles the packed-mip region
	// occupies (0 or 1 for almost all textures).
	PackedTileCount int

	// NumPackedMips is the number of mip levels bundled into the packed
	// region.
	NumPackedMips int
}

// LoadOp pairs a tile coordinate with the heap slot reserved for it.
type LoadOp struct {
	Coord    gfx.TileCoord
	HeapSlot uint32
}

// Batch is one streaming cycle's decisions for a resource: tiles to
// load, tiles to evict, and at most one packed-mip request over the
// resource lifetime.
type Batch struct {
	Loads            []LoadOp
	Evictions        []gfx.TileCoord
	PackedMipRequest bool
}

// Empty reports whether the batch carries no work.
func (b *Batch) Empty() bool {
	return len(b.Loads) == 0 && len(b.Evictions) == 0 && !b.PackedMipRequest
}

// Stats is a snapshot of a resource's streaming counters.
type Stats struct {
	// TilesLoaded counts completed tile loads.
	TilesLoaded uint64

	// TilesEvicted counts completed evictions.
	TilesEvicted uint64

	// TilesRescued counts tiles re-referenced while waiting out the
	// eviction delay.
	TilesRescued uint64

	// LoadsDeferred counts load attempts postponed by heap or pool
	// exhaustion.
	LoadsDeferred uint64

	// LoadsFailed counts tiles marked permanently unloadable after a
	// read failure.
	LoadsFailed uint64

	// ResidentTiles is the number of standard tiles currently resident.
	ResidentTiles int

	// PendingLoads is the number of tiles waiting for a load to be
	// issued or completed.
	PendingLoads int

	// PendingEvictions is the number of tiles waiting out the eviction
	// delay.
	PendingEvictions int
}

// String returns a human-readable string of the stats.
func (s Stats) String() string {
	return fmt.Sprintf("Residency[%d resident, %d loaded, %d evicted, %d rescued, %d deferred]",
		s.ResidentTiles, s.TilesLoaded, s.TilesEvicted, s.TilesRescued, s.LoadsDeferred)
}

// Resource is the tile-residency state machine for one tiled texture.
//
// Concurrency model: the feedback-processing goroutine drives
// ProcessFeedback, QueueTiles and UpdateMinMipMap; the upload pipeline's
// completion goroutine drives the Notify methods; the render thread
// reads the min-mip map. The tile grid and pending lists are guarded by
// a mutex. Cross-thread flags (residency-changed, force-zero-refcount)
// are one-way atomics: any goroutine sets them, exactly one consumer
// clears them.
type Resource struct {
	mu sync.Mutex

	desc Desc
	hp   *heap.Heap
	log  *slog.Logger

	grid *tileMap

	// tileRefs tracks, per mip-0 tile footprint, the min mip currently
	// requested (== len(desc.MipTiles) when only packed mips are
	// wanted).
	tileRefs []uint8

	// pendingLoads holds candidate coordinates whose refcount went
	// 0 -> 1; entries are filtered on every QueueTiles scan.
	pendingLoads []gfx.TileCoord

	delay *delayQueue

	// minMip is the exported minimum-resident-mip buffer, one byte per
	// mip-0 tile footprint.
	minMip []uint8

	// minMipVersion counts recomputes of minMip. Guarded by mu;
	// consumers compare it against the version they last uploaded.
	minMipVersion uint64

	// residencyChanged is set whenever a notification alters residency
	// and consumed by UpdateMinMipMap.
	residencyChanged atomic.Bool

	// forceZero requests that the next feedback cycle treat every tile
	// as zero-referenced (visibility loss). Consumed by exactly one
	// cycle; later rescues win.
	forceZero atomic.Bool

	feedbackPending bool
	feedbackFence   uint64

	packedStatus atomic.Int32

	// packedClaim serializes InitPackedMips: the winner of the claim
	// allocates and publishes HeapReserved; a soft-fail releases the
	// claim for a later cycle.
	packedClaim atomic.Bool

	packedSlots []uint32

	loadsInFlight  int
	evictsInFlight int
	resident       int

	tilesLoaded   uint64
	tilesEvicted  uint64
	tilesRescued  uint64
	loadsDeferred uint64
	loadsFailed   uint64

	firstErr error
}

// New creates a residency tracker for one resource.
// frameDepth is the number of frames that may be in flight on the GPU;
// it sets the eviction delay.
func New(desc Desc, hp *heap.Heap, frameDepth int, log *slog.Logger) (*Resource, error) {
	if len(desc.MipTiles) == 0 && desc.NumPackedMips == 0 {
		return nil, fmt.Errorf("%w: no mips", ErrInvalidDesc)
	}
	for i, d := range desc.MipTiles {
		if d.WidthTiles < 1 || d.HeightTiles < 1 {
			return nil, fmt.Errorf("%w: mip %d is %dx%d tiles", ErrInvalidDesc, i, d.WidthTiles, d.HeightTiles)
		}
	}
	if hp == nil {
		return nil, fmt.Errorf("%w: nil heap", ErrInvalidDesc)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	r := &Resource{
		desc:  desc,
		hp:    hp,
		log:   log,
		grid:  newTileMap(desc.MipTiles),
		delay: newDelayQueue(frameDepth),
	}

	if len(desc.MipTiles) > 0 {
		n := desc.MipTiles[0].WidthTiles * desc.MipTiles[0].HeightTiles
		r.tileRefs = make([]uint8, n)
		r.minMip = make([]uint8, n)
		for i := range n {
			r.tileRefs[i] = uint8(len(desc.MipTiles))
			r.minMip[i] = MinMipUnknown
		}
	}

	if desc.NumPackedMips == 0 && desc.PackedTileCount == 0 {
		// Nothing packed to stream; the one-way chain collapses.
		r.packedStatus.Store(int32(PackedMipsResident))
	}

	r.residencyChanged.Store(true)
	return r, nil
}

// Desc returns the resource description.
func (r *Resource) Desc() Desc {
	return r.desc
}

// NumStandardMips returns the count of individually streamed mips.
func (r *Resource) NumStandardMips() int {
	return len(r.desc.MipTiles)
}

// NumTilesVirtual returns the total virtual tile count of the resource,
// packed region included.
func (r *Resource) NumTilesVirtual() int {
	return r.grid.numStandardTiles() + r.desc.PackedTileCount
}

// ============================================================
// Packed mips
// ============================================================

// InitPackedMips reserves heap slots for the packed-mip region. The
// returned slots must be mapped by the caller before the packed request
// is submitted. Soft-fails (ok == false) when the heap cannot provide
// the slots yet; call again on a later cycle.
//
// Safe for concurrent callers: the claim is taken before any slot is
// allocated, so exactly one caller reserves and the rest back off.
// HeapReserved is only published after the slots are visible through
// PackedSlots.
func (r *Resource) InitPackedMips() (slots []uint32, ok bool) {
	if PackedMipStatus(r.packedStatus.Load()) != PackedMipsUninitialized {
		return nil, false
	}
	if !r.packedClaim.CompareAndSwap(false, true) {
		return nil, false
	}

	slots = make([]uint32, 0, r.desc.PackedTileCount)
	for range r.desc.PackedTileCount {
		idx, got := r.hp.Allocate()
		if !got {
			for _, s := range slots {
				if err := r.hp.Free(s); err != nil {
					r.recordErr(err)
				}
			}
			r.packedClaim.Store(false)
			return nil, false
		}
		slots = append(slots, idx)
	}

	r.mu.Lock()
	r.packedSlots = slots
	r.mu.Unlock()
	r.packedStatus.Store(int32(PackedMipsHeapReserved))
	return slots, true
}

// PackedStatus returns the packed-mip lifecycle status.
func (r *Resource) PackedStatus() PackedMipStatus {
	return PackedMipStatus(r.packedStatus.Load())
}

// PackedMipsResident reports whether the packed mips are sampling-safe.
func (r *Resource) PackedMipsResident() bool {
	return r.PackedStatus() == PackedMipsResident
}

// PackedSlots returns the heap slots reserved for the packed region.
func (r *Resource) PackedSlots() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.packedSlots...)
}

// NotifyPackedMips is invoked by the upload pipeline when the packed-mip
// copy has completed. The region still needs its sampling barrier.
func (r *Resource) NotifyPackedMips() {
	if !r.packedStatus.CompareAndSwap(int32(PackedMipsRequested), int32(PackedMipsNeedsTransition)) {
		r.recordErr(fmt.Errorf("%w: packed mips completed in status %s",
			ErrBadTransition, r.PackedStatus()))
	}
}

// TakePackedMipTransition advances NeedsTransition -> Resident and
// reports whether the caller must record the sampling barrier this
// frame.
func (r *Resource) TakePackedMipTransition() bool {
	if !r.packedStatus.CompareAndSwap(int32(PackedMipsNeedsTransition), int32(PackedMipsResident)) {
		return false
	}
	r.residencyChanged.Store(true)
	return true
}

// ============================================================
// Feedback
// ============================================================

// MarkFeedbackQueued records that feedback for this resource was
// resolved during the frame guarded by fence.
func (r *Resource) MarkFeedbackQueued(fence uint64) {
	r.mu.Lock()
	r.feedbackPending = true
	r.feedbackFence = fence
	r.mu.Unlock()
}

// QueueEviction flags the resource so the next feedback cycle treats
// every tile as zero-referenced. Used when the owning object leaves
// visibility. Packed mips are unaffected.
func (r *Resource) QueueEviction() {
	r.forceZero.Store(true)
}

// HasWork reports whether a streaming cycle would make progress given
// the completed frame fence.
func (r *Resource) HasWork(completedFence uint64) bool {
	if r.forceZero.Load() {
		return true
	}
	st := r.PackedStatus()
	if st == PackedMipsUninitialized || st == PackedMipsHeapReserved {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feedbackPending && r.feedbackFence <= completedFence {
		return true
	}
	return len(r.pendingLoads) > 0 || r.delay.Pending() > 0
}

// ProcessFeedback consumes resolved feedback once its guard fence has
// retired. fb holds one byte per mip-0 tile footprint: the minimum mip
// the hardware wants, or gfx.FeedbackNotRequested. Returns false when
// nothing was consumed (fence not retired, nothing pending).
//
// When the force-zero flag is set, this cycle ignores fb entirely and
// dereferences every tile instead; the flag is consumed.
func (r *Resource) ProcessFeedback(completedFence uint64, fb []uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	numStandard := uint8(len(r.desc.MipTiles))

	if r.forceZero.Swap(false) {
		// Visibility loss: one cycle of zero refcounts. Pending
		// feedback from the visible frames is stale; drop it.
		r.feedbackPending = false
		for i := range r.tileRefs {
			x, y := r.footprintCoord(i)
			r.setMinMipLocked(i, x, y, numStandard)
		}
		return true
	}

	if !r.feedbackPending || r.feedbackFence > completedFence {
		return false
	}
	r.feedbackPending = false

	for i := range r.tileRefs {
		if i >= len(fb) {
			break
		}
		want := fb[i]
		if want == gfx.FeedbackNotRequested || want > numStandard {
			want = numStandard
		}
		x, y := r.footprintCoord(i)
		r.setMinMipLocked(i, x, y, want)
	}
	return true
}

func (r *Resource) footprintCoord(i int) (x, y int) {
	w := r.desc.MipTiles[0].WidthTiles
	return i % w, i / w
}

// scaled clamps a mip-0 tile coordinate shifted to the given mip into
// that mip's grid. Grids shrink by ceil-halving of texel extents, so the
// shifted coordinate can land one past the edge on odd-sized levels.
func (r *Resource) scaled(mip, x, y int) (int, int) {
	d := r.desc.MipTiles[mip]
	sx := x >> mip
	sy := y >> mip
	if sx >= d.WidthTiles {
		sx = d.WidthTiles - 1
	}
	if sy >= d.HeightTiles {
		sy = d.HeightTiles - 1
	}
	return sx, sy
}

// setMinMipLocked moves one footprint's tracked min mip from its current
// value to want, adjusting reference counts on every mip in between.
// Refcounts are held on every mip >= the tracked min, which is what
// keeps the coarsening invariant: a referenced tile implies referenced
// coarser tiles over the same footprint.
func (r *Resource) setMinMipLocked(i, x, y int, want uint8) {
	have := r.tileRefs[i]
	if want == have {
		return
	}

	for m := int(want); m < int(have); m++ {
		sx, sy := r.scaled(m, x, y)
		r.addRefLocked(m, sx, sy)
	}
	for m := int(have); m < int(want); m++ {
		sx, sy := r.scaled(m, x, y)
		r.decRefLocked(m, sx, sy)
	}
	r.tileRefs[i] = want
}

func (r *Resource) addRefLocked(mip, x, y int) {
	t := r.grid.at(mip, x, y)
	t.refcount++
	if t.refcount != 1 || t.failed {
		return
	}

	switch t.state {
	case TileNotResident, TileEvicting:
		// Needs a load: immediately for NotResident, after the in-flight
		// eviction drains for Evicting.
		r.pendingLoads = append(r.pendingLoads, gfx.TileCoord{
			X: uint16(x), Y: uint16(y), Mip: uint8(mip),
		})
	case TileResident, TileLoading:
		// Already on the way in; a Resident tile waiting out the
		// eviction delay will be rescued when the delay drains.
	}
}

func (r *Resource) decRefLocked(mip, x, y int) {
	t := r.grid.at(mip, x, y)
	if t.refcount == 0 {
		if !t.failed {
			r.recordErrLocked(fmt.Errorf("%w: mip %d tile (%d,%d)", ErrRefUnderflow, mip, x, y))
		}
		return
	}

	t.refcount--
	if t.refcount != 0 {
		return
	}

	switch t.state {
	case TileResident, TileLoading:
		// Queue for delayed eviction. A tile still loading rides the
		// delay too and is re-queued until the load lands.
		r.delay.Append(gfx.TileCoord{X: uint16(x), Y: uint16(y), Mip: uint8(mip)})
	case TileNotResident, TileEvicting:
		// No load was ever issued, or the eviction is already in
		// flight. Nothing to queue.
	}
}

// ============================================================
// Streaming cycle
// ============================================================

// QueueTiles runs one streaming cycle: it advances the eviction delay,
// turns expired dereferenced tiles into evictions, and turns pending
// references into loads, allocating heap slots as it goes.
//
// maxLoads and maxEvictions bound the batch; whatever does not fit is
// deferred to a later cycle. Heap exhaustion likewise defers loads; it
// is not an error.
func (r *Resource) QueueTiles(maxLoads, maxEvictions int) Batch {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b Batch

	// Expired eviction candidates first: evicting before loading gives
	// the heap slots back before we ask for new ones.
	for _, c := range r.delay.Advance() {
		t := r.grid.atCoord(c)
		switch {
		case t.refcount > 0:
			// Rescued: re-referenced before the delay expired.
			r.tilesRescued++

		case t.state == TileLoading:
			// Load still in flight; try again a full delay from now.
			r.delay.Append(c)

		case t.state == TileResident:
			if maxEvictions >= 0 && len(b.Evictions) >= maxEvictions {
				r.delay.Append(c)
				continue
			}
			t.state = TileEvicting
			r.evictsInFlight++
			b.Evictions = append(b.Evictions, c)

		default:
			// NotResident or already Evicting: stale entry, drop.
		}
	}

	// Pending loads. Entries are candidates; filter against the current
	// refcounts and states, defer what cannot be issued.
	keep := r.pendingLoads[:0]
	for _, c := range r.pendingLoads {
		t := r.grid.atCoord(c)

		if t.refcount == 0 || t.failed {
			continue
		}

		switch t.state {
		case TileLoading, TileResident:
			// Already on the way in or resident (rescued earlier).
			continue

		case TileEvicting:
			// A load must not overlap the in-flight eviction; wait for
			// NotifyEvicted to drain it.
			keep = append(keep, c)
			continue
		}

		if maxLoads >= 0 && len(b.Loads) >= maxLoads {
			keep = append(keep, c)
			r.loadsDeferred++
			continue
		}

		slot, ok := r.hp.Allocate()
		if !ok {
			keep = append(keep, c)
			r.loadsDeferred++
			continue
		}

		t.heapSlot = slot
		t.state = TileLoading
		r.loadsInFlight++
		b.Loads = append(b.Loads, LoadOp{Coord: c, HeapSlot: slot})
	}
	r.pendingLoads = keep

	if r.packedStatus.CompareAndSwap(int32(PackedMipsHeapReserved), int32(PackedMipsRequested)) {
		b.PackedMipRequest = true
	}

	return b
}

// ============================================================
// Completion notifications (upload pipeline goroutine)
// ============================================================

// NotifyCopyComplete transitions freshly copied tiles Loading -> Resident.
func (r *Resource) NotifyCopyComplete(coords []gfx.TileCoord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range coords {
		t := r.grid.atCoord(c)
		if t.state != TileLoading {
			r.recordErrLocked(fmt.Errorf("%w: copy complete for %s tile %v", ErrBadTransition, t.state, c))
			continue
		}
		t.state = TileResident
		r.loadsInFlight--
		r.resident++
		r.tilesLoaded++
	}
	r.residencyChanged.Store(true)
}

// NotifyCopyFailed marks tiles whose read failed as permanently
// not-resident. Their heap slots return to the pool and they are never
// requested again. The first failure is retained and surfaced via Err.
func (r *Resource) NotifyCopyFailed(coords []gfx.TileCoord, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range coords {
		t := r.grid.atCoord(c)
		if t.state != TileLoading {
			r.recordErrLocked(fmt.Errorf("%w: copy failed for %s tile %v", ErrBadTransition, t.state, c))
			continue
		}
		t.state = TileNotResident
		t.failed = true
		r.loadsInFlight--
		r.loadsFailed++
		if err := r.hp.Free(t.heapSlot); err != nil {
			r.recordErrLocked(err)
		}
		r.log.Warn("tile load failed; tile disabled",
			"resource", r.desc.Name, "mip", c.Mip, "x", c.X, "y", c.Y, "err", cause)
	}

	if cause != nil {
		r.recordErrLocked(fmt.Errorf("residency: %s: tile load failed: %w", r.desc.Name, cause))
	}
	r.residencyChanged.Store(true)
}

// NotifyEvicted transitions unmapped tiles Evicting -> NotResident and
// returns their heap slots to the pool.
func (r *Resource) NotifyEvicted(coords []gfx.TileCoord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range coords {
		t := r.grid.atCoord(c)
		if t.state != TileEvicting {
			r.recordErrLocked(fmt.Errorf("%w: evicted notification for %s tile %v", ErrBadTransition, t.state, c))
			continue
		}
		t.state = TileNotResident
		r.evictsInFlight--
		r.resident--
		r.tilesEvicted++
		if err := r.hp.Free(t.heapSlot); err != nil {
			r.recordErrLocked(err)
		}
	}
	r.residencyChanged.Store(true)
}

// ============================================================
// Min-mip map
// ============================================================

// UpdateMinMipMap recomputes the exported per-footprint minimum-resident
// mip buffer. Early-exits unless residency changed since the last call.
// Returns true when the buffer was recomputed.
func (r *Resource) UpdateMinMipMap() bool {
	if !r.residencyChanged.Swap(false) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	numStandard := len(r.desc.MipTiles)
	packedValue := uint8(numStandard)
	if !r.packedMipsUsableLocked() {
		packedValue = MinMipUnknown
	}

	for i := range r.minMip {
		x, y := r.footprintCoord(i)
		v := packedValue

		for m := int(r.tileRefs[i]); m < numStandard; m++ {
			sx, sy := r.scaled(m, x, y)
			if r.grid.at(m, sx, sy).state == TileResident {
				v = uint8(m)
				break
			}
		}
		r.minMip[i] = v
	}
	r.minMipVersion++
	return true
}

// MinMipVersion returns the recompute generation of the exported
// buffer, starting at 0 before the first recompute.
func (r *Resource) MinMipVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minMipVersion
}

func (r *Resource) packedMipsUsableLocked() bool {
	return PackedMipStatus(r.packedStatus.Load()) == PackedMipsResident
}

// MinMipMap returns a copy of the exported minimum-resident-mip buffer.
// The buffer is recomputed first when residency changed since the last
// recompute, so completions landing between frames are always visible
// to readers.
func (r *Resource) MinMipMap() []uint8 {
	r.UpdateMinMipMap()
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint8(nil), r.minMip...)
}

// WriteMinMipMap copies the exported buffer into dst and returns the
// number of bytes written. Recomputes first, like MinMipMap.
func (r *Resource) WriteMinMipMap(dst []byte) int {
	r.UpdateMinMipMap()
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(dst, r.minMip)
}

// MinMipMapLen returns the exported buffer length in bytes.
func (r *Resource) MinMipMapLen() int {
	return len(r.minMip)
}

// ============================================================
// Introspection
// ============================================================

// TileState returns the residency state of one standard tile.
func (r *Resource) TileState(c gfx.TileCoord) TileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grid.atCoord(c).state
}

// TileRefCount returns the reference count of one standard tile.
func (r *Resource) TileRefCount(c gfx.TileCoord) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grid.atCoord(c).refcount
}

// InFlight reports whether any loads or evictions are outstanding.
func (r *Resource) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadsInFlight > 0 || r.evictsInFlight > 0 ||
		r.PackedStatus() == PackedMipsRequested
}

// Stats returns a snapshot of the streaming counters.
func (r *Resource) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TilesLoaded:      r.tilesLoaded,
		TilesEvicted:     r.tilesEvicted,
		TilesRescued:     r.tilesRescued,
		LoadsDeferred:    r.loadsDeferred,
		LoadsFailed:      r.loadsFailed,
		ResidentTiles:    r.resident,
		PendingLoads:     len(r.pendingLoads),
		PendingEvictions: r.delay.Pending(),
	}
}

// Err returns the first recorded invariant violation or load failure.
func (r *Resource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

func (r *Resource) recordErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordErrLocked(err)
}

func (r *Resource) recordErrLocked(err error) {
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.log.Error("residency invariant", "resource", r.desc.Name, "err", err)
}
