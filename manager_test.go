package tilestream

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/tilestream/backend"
	"github.com/gogpu/tilestream/backend/worker"
	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/texfile"
)

// packTestFile writes a 512x512 gradient container: mip 0 is 4x4
// tiles, mip 1 is 2x2, mip 2 is 1x1; mips 64 and below are packed.
func packTestFile(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 512, 512))
	for y := 0; y < 512; y++ {
		for x := 0; x < 512; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "terrain.xet")
	if err := texfile.Write(path, img, texfile.WriteOptions{Compress: true}); err != nil {
		t.Fatalf("texfile.Write: %v", err)
	}
	return path
}

type testRig struct {
	dev *gfx.SoftwareDevice
	mgr *TileUpdateManager
	hp  *StreamingHeap
	res *StreamingResource
	buf gfx.BufferID
}

func newTestRig(t *testing.T, heapTiles int) *testRig {
	t.Helper()

	dev := gfx.NewSoftwareDevice()
	fs, err := worker.New(backend.Config{Device: dev, Workers: 2})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	mgr, err := New(Config{Device: dev, Streamer: fs, FrameDepth: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	hp, err := mgr.CreateStreamingHeap(heapTiles)
	if err != nil {
		t.Fatalf("CreateStreamingHeap: %v", err)
	}
	res, err := mgr.CreateStreamingResource(packTestFile(t), hp)
	if err != nil {
		t.Fatalf("CreateStreamingResource: %v", err)
	}

	buf, err := dev.CreateBuffer(mgr.MinMipBufferLen())
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	return &testRig{dev: dev, mgr: mgr, hp: hp, res: res, buf: buf}
}

// runFrame drives one full frame: bracket, batches, synthetic feedback
// between the clear and the resolve.
func (rig *testRig) runFrame(t *testing.T, fb []uint8) {
	t.Helper()

	if err := rig.mgr.BeginFrame(rig.buf); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	if err := rig.mgr.QueueFeedback(rig.res); err != nil {
		t.Fatalf("QueueFeedback: %v", err)
	}
	pre, post, err := rig.mgr.EndFrame()
	if err != nil {
		t.Fatalf("EndFrame: %v", err)
	}
	if err := pre.Execute(rig.dev); err != nil {
		t.Fatalf("pre batch: %v", err)
	}
	if fb != nil {
		if err := rig.dev.SetFeedback(rig.res.Texture(), fb); err != nil {
			t.Fatalf("SetFeedback: %v", err)
		}
	}
	if err := post.Execute(rig.dev); err != nil {
		t.Fatalf("post batch: %v", err)
	}
}

// pumpUntil runs frames with the given feedback until cond holds.
func (rig *testRig) pumpUntil(t *testing.T, fb []uint8, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met; stats: %v", rig.res.Stats())
		}
		rig.runFrame(t, fb)
		time.Sleep(2 * time.Millisecond)
	}
}

func uniform(n int, v uint8) []uint8 {
	fb := make([]uint8, n)
	for i := range fb {
		fb[i] = v
	}
	return fb
}

func TestManagerLifecycle(t *testing.T) {
	rig := newTestRig(t, 64)

	if rig.res.GetNumTilesVirtual() != 4*4+2*2+1+1 {
		t.Errorf("virtual tiles = %d", rig.res.GetNumTilesVirtual())
	}
	if got := rig.mgr.MinMipBufferLen(); got != 16 {
		t.Errorf("MinMipBufferLen = %d, want 16", got)
	}
	if rig.res.Heap() != rig.hp {
		t.Error("resource not bound to its heap")
	}

	st := rig.mgr.Stats()
	if st.Resources != 1 || st.Heaps != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestFactoriesForbiddenInFrame(t *testing.T) {
	rig := newTestRig(t, 16)

	if err := rig.mgr.BeginFrame(rig.buf); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	if _, err := rig.mgr.CreateStreamingHeap(8); !errors.Is(err, ErrFrameOpen) {
		t.Errorf("CreateStreamingHeap in frame: %v", err)
	}
	if _, err := rig.mgr.CreateStreamingResource("x.xet", rig.hp); !errors.Is(err, ErrFrameOpen) {
		t.Errorf("CreateStreamingResource in frame: %v", err)
	}
	if err := rig.mgr.BeginFrame(rig.buf); !errors.Is(err, ErrFrameOpen) {
		t.Errorf("nested BeginFrame: %v", err)
	}
	if _, _, err := rig.mgr.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %v", err)
	}

	if _, _, err := rig.mgr.EndFrame(); !errors.Is(err, ErrFrameNotOpen) {
		t.Errorf("EndFrame outside frame: %v", err)
	}
	if err := rig.mgr.QueueFeedback(rig.res); !errors.Is(err, ErrFrameNotOpen) {
		t.Errorf("QueueFeedback outside frame: %v", err)
	}
}

func TestPackedMipsBecomeResident(t *testing.T) {
	rig := newTestRig(t, 64)

	// The packed mips stream without any feedback at all.
	rig.pumpUntil(t, nil, rig.res.GetPackedMipsResident)

	if n := rig.dev.PackedMipTransitions(rig.res.Texture()); n != 1 {
		t.Errorf("packed transition recorded %d times, want 1", n)
	}
	if got := rig.dev.PackedMipData(rig.res.Texture()); len(got) == 0 {
		t.Error("packed payload never reached the device")
	}
}

func TestStreamingEndToEnd(t *testing.T) {
	rig := newTestRig(t, 64)

	// Hardware wants mip 0 everywhere: all 21 standard tiles load.
	fb := uniform(16, 0)
	rig.pumpUntil(t, fb, func() bool {
		return rig.res.Stats().ResidentTiles == 21
	})

	mm := rig.res.GetMinMipMap()
	for i, v := range mm {
		if v != 0 {
			t.Errorf("footprint %d min mip = %d, want 0", i, v)
		}
	}

	// 21 standard + 1 packed slot.
	if got := rig.hp.Allocated(); got != 22 {
		t.Errorf("heap allocated = %d, want 22", got)
	}
	if got := rig.dev.MappedTileCount(rig.res.Texture()); got != 21 {
		t.Errorf("device mapped tiles = %d, want 21", got)
	}
	if err := rig.res.Err(); err != nil {
		t.Errorf("resource error: %v", err)
	}

	// The uploaded residency buffer matches the min-mip map after a
	// further frame.
	rig.runFrame(t, fb)
	data := rig.dev.BufferData(rig.buf)
	if !bytes.Equal(data[:16], mm) {
		t.Error("residency buffer does not match the min-mip map")
	}
}

// Callers may rotate per-frame residency buffers; every newly targeted
// buffer must receive the full min-mip map even when residency has not
// changed since the previous frame.
func TestRotatingResidencyBuffers(t *testing.T) {
	rig := newTestRig(t, 64)

	fb := uniform(16, 0)
	rig.pumpUntil(t, fb, func() bool {
		return rig.res.Stats().ResidentTiles == 21
	})

	bufA := rig.buf
	bufB, err := rig.dev.CreateBuffer(rig.mgr.MinMipBufferLen())
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	// Residency is stable now; alternate the upload target across two
	// quiet frames.
	rig.runFrame(t, fb)
	mm := rig.res.GetMinMipMap()

	rig.buf = bufB
	rig.runFrame(t, fb)
	rig.buf = bufA
	rig.runFrame(t, fb)

	if got := rig.dev.BufferData(bufB); !bytes.Equal(got[:16], mm) {
		t.Error("rotated buffer missed the min-mip upload")
	}
	if got := rig.dev.BufferData(bufA); !bytes.Equal(got[:16], mm) {
		t.Error("original buffer missed the min-mip upload")
	}
}

func TestEvictionAfterFeedbackDrops(t *testing.T) {
	rig := newTestRig(t, 64)

	fb := uniform(16, 0)
	rig.pumpUntil(t, fb, func() bool {
		return rig.res.Stats().ResidentTiles == 21
	})

	// Feedback stops requesting anything: everything drains after the
	// eviction delay.
	idle := uniform(16, gfx.FeedbackNotRequested)
	rig.pumpUntil(t, idle, func() bool {
		return rig.res.Stats().ResidentTiles == 0
	})

	// Only the packed slot stays.
	if got := rig.hp.Allocated(); got != 1 {
		t.Errorf("heap allocated = %d, want 1", got)
	}
	if got := rig.dev.MappedTileCount(rig.res.Texture()); got != 0 {
		t.Errorf("device mapped tiles = %d, want 0", got)
	}

	// Min-mip map falls back to the packed mips.
	for i, v := range rig.res.GetMinMipMap() {
		if v != 3 {
			t.Errorf("footprint %d min mip = %d, want 3 (packed)", i, v)
		}
	}

	st := rig.res.Stats()
	if st.TilesEvicted != 21 {
		t.Errorf("TilesEvicted = %d, want 21", st.TilesEvicted)
	}
}

func TestCoarseFeedbackLoadsMipChain(t *testing.T) {
	rig := newTestRig(t, 64)

	// Hardware wants mip 1: mips 1 and 2 load, mip 0 does not.
	fb := uniform(16, 1)
	rig.pumpUntil(t, fb, func() bool {
		return rig.res.Stats().ResidentTiles == 5
	})

	for _, v := range rig.res.GetMinMipMap() {
		if v != 1 {
			t.Errorf("min mip = %d, want 1", v)
		}
	}
}

func TestClearAllocations(t *testing.T) {
	rig := newTestRig(t, 64)

	fb := uniform(16, 0)
	rig.pumpUntil(t, fb, func() bool {
		return rig.res.Stats().ResidentTiles == 21
	})

	rig.mgr.ClearAllocations()
	// Keep pumping frames with stale mip-0 feedback: the force-zero
	// cycle discards it, and idle frames afterwards let the delay run
	// out.
	idle := uniform(16, gfx.FeedbackNotRequested)
	rig.pumpUntil(t, idle, func() bool {
		return rig.res.Stats().ResidentTiles == 0
	})

	if !rig.res.GetPackedMipsResident() {
		t.Error("packed mips evicted by ClearAllocations")
	}
}

func TestHeapExhaustionDefers(t *testing.T) {
	// 8 slots: 1 packed + 7 tiles; 21 wanted.
	rig := newTestRig(t, 8)

	fb := uniform(16, 0)
	rig.pumpUntil(t, fb, func() bool {
		return rig.res.Stats().ResidentTiles == 7
	})

	if err := rig.res.Err(); err != nil {
		t.Errorf("heap exhaustion surfaced as error: %v", err)
	}
	if rig.res.Stats().LoadsDeferred == 0 {
		t.Error("expected deferred loads under heap exhaustion")
	}

	// Capacity stays exhausted; nothing ever exceeds it.
	rig.runFrame(t, fb)
	time.Sleep(5 * time.Millisecond)
	if got := rig.hp.Allocated(); got != 8 {
		t.Errorf("heap allocated = %d, want 8", got)
	}
}

func TestSnapshotModes(t *testing.T) {
	rig := newTestRig(t, 64)

	if img := rig.mgr.Snapshot(rig.res, 4); img != nil {
		t.Error("VizNone produced an image")
	}

	rig.mgr.SetVisualizationMode(VizMinMip)
	img := rig.mgr.Snapshot(rig.res, 4)
	if img == nil {
		t.Fatal("VizMinMip produced no image")
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Errorf("min-mip snapshot is %dx%d, want 16x16", b.Dx(), b.Dy())
	}

	rig.mgr.SetVisualizationMode(VizOccupancy)
	if img = rig.mgr.Snapshot(rig.res, 1); img == nil {
		t.Fatal("VizOccupancy produced no image")
	}
	if rig.mgr.VisualizationMode() != VizOccupancy {
		t.Error("mode not sticky")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rig := newTestRig(t, 16)
	if err := rig.mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rig.mgr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := rig.mgr.BeginFrame(rig.buf); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginFrame after close: %v", err)
	}
	if _, err := rig.mgr.CreateStreamingHeap(4); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateStreamingHeap after close: %v", err)
	}
}

func TestQueueFeedbackUnknownResource(t *testing.T) {
	rig := newTestRig(t, 16)
	other := &StreamingResource{}

	if err := rig.mgr.BeginFrame(rig.buf); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	defer rig.mgr.EndFrame()

	if err := rig.mgr.QueueFeedback(other); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("foreign resource: %v", err)
	}
}

func TestStatsAggregate(t *testing.T) {
	rig := newTestRig(t, 64)

	fb := uniform(16, 0)
	rig.pumpUntil(t, fb, func() bool {
		return rig.res.Stats().ResidentTiles == 21
	})

	st := rig.mgr.Stats()
	if st.TilesLoaded != 21 {
		t.Errorf("TilesLoaded = %d, want 21", st.TilesLoaded)
	}
	if st.Frames == 0 {
		t.Error("frame counter never advanced")
	}
	if st.Upload.ListsSubmitted == 0 {
		t.Error("no update lists submitted")
	}
	if s := st.String(); s == "" {
		t.Error("empty stats string")
	}
}
