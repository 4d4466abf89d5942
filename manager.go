package tilestream

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/tilestream/backend"
	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/heap"
	"github.com/gogpu/tilestream/internal/residency"
	"github.com/gogpu/tilestream/internal/upload"
	"github.com/gogpu/tilestream/texfile"
)

// Stats aggregates manager-wide streaming counters.
type Stats struct {
	// Frames counts completed BeginFrame/EndFrame brackets.
	Frames uint64

	// Resources and Heaps are current object counts.
	Resources int
	Heaps     int

	// TilesLoaded, TilesEvicted and TilesRescued sum the per-resource
	// counters.
	TilesLoaded  uint64
	TilesEvicted uint64
	TilesRescued uint64

	// Upload is the pipeline snapshot.
	Upload upload.Stats
}

// String returns a human-readable string of the stats.
func (s Stats) String() string {
	return fmt.Sprintf("TileStream[%d frames, %d resources, %d loaded, %d evicted, %d rescued]",
		s.Frames, s.Resources, s.TilesLoaded, s.TilesEvicted, s.TilesRescued)
}

// TileUpdateManager is the per-frame driver of tile streaming.
//
// Concurrency model: the render thread calls BeginFrame, QueueFeedback,
// EndFrame and executes the returned command batches; a background
// feedback-processing goroutine waits for the frame fence and drives
// each resource's streaming cycle; the upload pipeline's completion
// goroutine delivers residency notifications. Factories must be called
// outside a frame bracket.
type TileUpdateManager struct {
	cfg      Config
	device   gfx.Device
	streamer backend.FileStreamer
	uploader *upload.Uploader
	log      *slog.Logger

	mu        sync.Mutex
	heaps     []*StreamingHeap
	resources []*StreamingResource

	// feedbackQueued holds the resources whose feedback resolves this
	// frame; reset at EndFrame.
	feedbackQueued []*StreamingResource

	// residencyBuffer is this frame's min-mip upload target.
	residencyBuffer gfx.BufferID

	// lastResidencyBuffer is the previous frame's target; a change
	// forces a full min-mip rewrite so callers rotating per-frame
	// buffers always sample a current map.
	lastResidencyBuffer gfx.BufferID

	// minMipBytes is the total shared residency buffer size.
	minMipBytes int

	// inFrame is a checked invariant, not a lock: factories refuse to
	// run inside a frame bracket.
	inFrame atomic.Bool

	// nextFence numbers frames; the post-draw batch signals it.
	nextFence atomic.Uint64

	frames  atomic.Uint64
	vizMode atomic.Int32

	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a manager and starts its feedback-processing goroutine.
func New(cfg Config) (*TileUpdateManager, error) {
	cfg = cfg.withDefaults()
	if cfg.Device == nil {
		return nil, fmt.Errorf("tilestream: a device is required")
	}

	streamer := cfg.Streamer
	if streamer == nil {
		bcfg := backend.Config{
			Device:     cfg.Device,
			Workers:    cfg.Workers,
			QueueDepth: cfg.QueueDepth,
			Logger:     cfg.Logger,
		}
		var err error
		if cfg.Backend != "" {
			streamer, err = backend.Get(cfg.Backend, bcfg)
		} else {
			streamer, err = backend.Default(bcfg)
		}
		if err != nil {
			return nil, fmt.Errorf("tilestream: backend %q: %w", cfg.Backend, err)
		}
	}

	uploader, err := upload.New(upload.Config{
		Device:         cfg.Device,
		Streamer:       streamer,
		MaxUpdateLists: cfg.MaxUpdateLists,
		StagingSlots:   cfg.StagingSlots,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	m := &TileUpdateManager{
		cfg:      cfg,
		device:   cfg.Device,
		streamer: streamer,
		uploader: uploader,
		log:      cfg.Logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.feedbackLoop()

	m.log.Info("tile update manager created",
		"frameDepth", cfg.FrameDepth, "maxTilesPerCycle", cfg.MaxTilesPerCycle)
	return m, nil
}

// CreateStreamingHeap creates a pool of physical tile slots. Forbidden
// inside a frame bracket.
func (m *TileUpdateManager) CreateStreamingHeap(capacityTiles int) (*StreamingHeap, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if m.inFrame.Load() {
		return nil, ErrFrameOpen
	}

	hp, err := heap.New(capacityTiles)
	if err != nil {
		return nil, err
	}
	id, err := m.device.CreateTileHeap(capacityTiles)
	if err != nil {
		hp.Close()
		return nil, fmt.Errorf("tilestream: create tile heap: %w", err)
	}

	sh := &StreamingHeap{hp: hp, id: id, mgr: m}
	m.mu.Lock()
	m.heaps = append(m.heaps, sh)
	m.mu.Unlock()

	m.log.Info("streaming heap created", "capacityTiles", capacityTiles)
	return sh, nil
}

// CreateStreamingResource opens a container file and registers its
// texture for streaming into the given heap. Forbidden inside a frame
// bracket.
func (m *TileUpdateManager) CreateStreamingResource(filename string, sh *StreamingHeap) (*StreamingResource, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if m.inFrame.Load() {
		return nil, ErrFrameOpen
	}
	if sh == nil || sh.mgr != m {
		return nil, fmt.Errorf("tilestream: heap does not belong to this manager")
	}

	file, err := m.streamer.OpenFile(filename)
	if err != nil {
		return nil, err
	}

	dims := file.MipDims()
	mips := make([]residency.MipDim, len(dims))
	for i, d := range dims {
		mips[i] = residency.MipDim{WidthTiles: int(d.WidthTiles), HeightTiles: int(d.HeightTiles)}
	}

	tex, err := m.device.CreateTiledTexture(gfx.TiledTextureDesc{
		Label:           filename,
		Size:            file.Size(),
		Format:          file.Format(),
		MipLevels:       uint32(len(dims) + file.NumPackedMips()),
		TileTexelWidth:  texfile.TileTexelWidth,
		TileTexelHeight: texfile.TileTexelHeight,
	})
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("tilestream: create tiled texture: %w", err)
	}

	res, err := residency.New(residency.Desc{
		Name:            filename,
		MipTiles:        mips,
		PackedTileCount: file.PackedTileCount(),
		NumPackedMips:   file.NumPackedMips(),
	}, sh.hp, m.cfg.FrameDepth, m.log)
	if err != nil {
		m.device.DestroyTexture(tex)
		file.Close()
		return nil, err
	}

	sr := &StreamingResource{
		name:        filename,
		res:         res,
		file:        file,
		tex:         tex,
		heap:        sh,
		feedbackBuf: make([]uint8, res.MinMipMapLen()),
	}

	m.mu.Lock()
	sr.minMipOffset = m.minMipBytes
	m.minMipBytes += res.MinMipMapLen()
	m.resources = append(m.resources, sr)
	m.mu.Unlock()

	// The feedback loop reserves and binds the packed-mip heap slots on
	// its next cycle; waking it makes that immediate.
	m.signalWork()
	m.log.Info("streaming resource created",
		"file", filename, "standardMips", len(mips), "packedMips", file.NumPackedMips(),
		"virtualTiles", res.NumTilesVirtual())
	return sr, nil
}

// tryInitPackedMips reserves packed-mip heap slots and binds them on
// the device. Runs only on the feedback-processing goroutine, so the
// binding always precedes the packed-mip request taken by QueueTiles.
// Soft-fails when the heap is full; retried each cycle.
func (m *TileUpdateManager) tryInitPackedMips(sr *StreamingResource) {
	if sr.res.PackedStatus() != residency.PackedMipsUninitialized {
		return
	}
	slots, ok := sr.res.InitPackedMips()
	if !ok {
		return
	}
	if len(slots) > 0 {
		if err := m.device.MapPackedMips(sr.tex, sr.heap.id, slots); err != nil {
			m.log.Error("packed mip mapping failed", "resource", sr.name, "err", err)
		}
	}
}

// MinMipBufferLen returns the byte size the shared residency buffer
// passed to BeginFrame must have.
func (m *TileUpdateManager) MinMipBufferLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minMipBytes
}

// BeginFrame opens a frame bracket. residencyBufferTarget receives
// every resource's min-mip map in the pre-draw batch; the shader reads
// each resource's slice at its MinMipMapOffset.
func (m *TileUpdateManager) BeginFrame(residencyBufferTarget gfx.BufferID) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.inFrame.Swap(true) {
		return fmt.Errorf("%w: BeginFrame called twice", ErrFrameOpen)
	}

	m.mu.Lock()
	m.residencyBuffer = residencyBufferTarget
	m.feedbackQueued = m.feedbackQueued[:0]
	m.mu.Unlock()

	m.nextFence.Add(1)
	return nil
}

// QueueFeedback marks a resource's sampler feedback for resolution this
// frame. The caller bounds how many resources it queues per frame; the
// manager resolves exactly what was queued.
func (m *TileUpdateManager) QueueFeedback(r *StreamingResource) error {
	if !m.inFrame.Load() {
		return ErrFrameNotOpen
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	owned := false
	for _, sr := range m.resources {
		if sr == r {
			owned = true
			break
		}
	}
	if !owned {
		return ErrUnknownResource
	}

	for _, sr := range m.feedbackQueued {
		if sr == r {
			return nil
		}
	}
	m.feedbackQueued = append(m.feedbackQueued, r)
	return nil
}

// EndFrame closes the frame bracket and returns the two command
// batches bracketing the caller's draws. The pre-draw batch carries
// packed-mip transition barriers, feedback clears and the residency
// buffer upload; the post-draw batch carries feedback resolves and the
// frame fence signal.
func (m *TileUpdateManager) EndFrame() (pre, post *CommandBatch, err error) {
	if !m.inFrame.Load() {
		return nil, nil, ErrFrameNotOpen
	}

	pre = &CommandBatch{}
	post = &CommandBatch{}
	fence := m.nextFence.Load()

	m.mu.Lock()
	bufferChanged := m.residencyBuffer != m.lastResidencyBuffer
	for _, sr := range m.resources {
		if sr.res.TakePackedMipTransition() {
			pre.transitionPackedMips(sr.tex)
		}
		sr.res.UpdateMinMipMap()
		if v := sr.res.MinMipVersion(); bufferChanged || v != sr.minMipUploaded {
			pre.writeBuffer(m.residencyBuffer, sr.minMipOffset, sr.res.MinMipMap())
			sr.minMipUploaded = v
		}
	}
	m.lastResidencyBuffer = m.residencyBuffer
	for _, sr := range m.feedbackQueued {
		pre.clearFeedback(sr.tex)
		post.resolveFeedback(sr.tex)
		sr.res.MarkFeedbackQueued(fence)
	}
	m.feedbackQueued = m.feedbackQueued[:0]
	m.mu.Unlock()

	post.signalFence(fence)

	m.frames.Add(1)
	m.inFrame.Store(false)
	m.signalWork()
	return pre, post, nil
}

// ClearAllocations forces every tracked tile of every resource to
// evict, except packed mips. Used on level unload.
func (m *TileUpdateManager) ClearAllocations() {
	m.mu.Lock()
	resources := append([]*StreamingResource(nil), m.resources...)
	m.mu.Unlock()

	for _, sr := range resources {
		sr.res.QueueEviction()
	}
	m.signalWork()
}

// SetVisualizationMode selects what Snapshot renders.
func (m *TileUpdateManager) SetVisualizationMode(mode VizMode) {
	m.vizMode.Store(int32(mode))
}

// VisualizationMode returns the current visualization mode.
func (m *TileUpdateManager) VisualizationMode() VizMode {
	return VizMode(m.vizMode.Load())
}

// Stats returns a manager-wide snapshot.
func (m *TileUpdateManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Frames:    m.frames.Load(),
		Resources: len(m.resources),
		Heaps:     len(m.heaps),
		Upload:    m.uploader.Stats(),
	}
	for _, sr := range m.resources {
		rs := sr.res.Stats()
		s.TilesLoaded += rs.TilesLoaded
		s.TilesEvicted += rs.TilesEvicted
		s.TilesRescued += rs.TilesRescued
	}
	return s
}

// signalWork nudges the feedback loop without blocking.
func (m *TileUpdateManager) signalWork() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close stops the feedback loop, drains the upload pipeline, and
// releases every resource and heap. The device itself stays open; the
// caller owns it.
func (m *TileUpdateManager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.done)
	m.wg.Wait()

	// Uploader close drains in-flight batches and closes the backend.
	err := m.uploader.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sr := range m.resources {
		sr.file.Close()
		m.device.DestroyTexture(sr.tex)
	}
	for _, sh := range m.heaps {
		m.device.DestroyTileHeap(sh.id)
		sh.hp.Close()
	}
	m.resources = nil
	m.heaps = nil
	return err
}
