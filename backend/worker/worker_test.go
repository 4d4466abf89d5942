package worker

import (
	"bytes"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/tilestream/backend"
	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/upload"
	"github.com/gogpu/tilestream/texfile"
)

func packTestFile(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "tiles.xet")
	if err := texfile.Write(path, img, texfile.WriteOptions{Compress: true}); err != nil {
		t.Fatalf("texfile.Write: %v", err)
	}
	return path
}

type countingNotifier struct {
	mu       sync.Mutex
	complete []gfx.TileCoord
	failed   []gfx.TileCoord
	packed   int
}

func (n *countingNotifier) NotifyCopyComplete(coords []gfx.TileCoord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete = append(n.complete, coords...)
}

func (n *countingNotifier) NotifyCopyFailed(coords []gfx.TileCoord, cause error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, coords...)
}

func (n *countingNotifier) NotifyEvicted(coords []gfx.TileCoord) {}

func (n *countingNotifier) NotifyPackedMips() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.packed++
}

func (n *countingNotifier) counts() (int, int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.complete), len(n.failed), n.packed
}

func TestStreamTilesEndToEnd(t *testing.T) {
	fs, err := New(backend.Config{Device: gfx.NewSoftwareDevice(), Workers: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// The pipeline device must be the one the backend writes into.
	u, dev, src, tgt := setupPipelineWithBackendDevice(t, fs)

	n := &countingNotifier{}
	l, ok := u.AllocateUpdateList(n, src, tgt)
	if !ok {
		t.Fatal("AllocateUpdateList failed")
	}
	coords := []gfx.TileCoord{
		{X: 0, Y: 0, Mip: 0}, {X: 1, Y: 0, Mip: 0},
		{X: 0, Y: 1, Mip: 0}, {X: 1, Y: 1, Mip: 0},
		{X: 0, Y: 0, Mip: 1},
	}
	for i, c := range coords {
		l.AddUpdate(c, uint32(i))
	}
	l.AddPackedMipRequest()

	if err := u.SubmitUpdateList(l); err != nil {
		t.Fatalf("SubmitUpdateList: %v", err)
	}
	if !u.Drain(5 * time.Second) {
		t.Fatal("pipeline did not drain")
	}

	done, failed, packed := n.counts()
	if done != len(coords) || failed != 0 || packed != 1 {
		t.Fatalf("complete=%d failed=%d packed=%d", done, failed, packed)
	}

	// The device payload matches the container payload.
	want := make([]byte, gfx.TileBytes)
	if _, err := src.ReadTile(coords[1], want); err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if got := dev.TileData(tgt.Heap, 1); !bytes.Equal(got, want) {
		t.Error("device tile payload differs from container payload")
	}
	if got := dev.PackedMipData(tgt.Texture); len(got) != src.PackedMipByteCount() {
		t.Errorf("packed payload %d bytes, want %d", len(got), src.PackedMipByteCount())
	}
}

// setupPipelineWithBackendDevice wires a pipeline whose uploader and
// backend share one device.
func setupPipelineWithBackendDevice(t *testing.T, fs *Streamer) (*upload.Uploader, *gfx.SoftwareDevice, backend.TileFile, upload.Target) {
	t.Helper()

	dev := fs.device
	soft, ok := dev.(*gfx.SoftwareDevice)
	if !ok {
		t.Fatal("test backend needs the software device")
	}
	src, err := fs.OpenFile(packTestFile(t))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	tex, err := dev.CreateTiledTexture(gfx.TiledTextureDesc{
		Label:           "worker-test",
		Size:            gputypes.Extent3D{Width: 256, Height: 256, DepthOrArrayLayers: 1},
		Format:          gputypes.TextureFormatRGBA8Unorm,
		MipLevels:       9,
		TileTexelWidth:  texfile.TileTexelWidth,
		TileTexelHeight: texfile.TileTexelHeight,
	})
	if err != nil {
		t.Fatalf("CreateTiledTexture: %v", err)
	}
	hp, err := dev.CreateTileHeap(16)
	if err != nil {
		t.Fatalf("CreateTileHeap: %v", err)
	}
	if err := dev.MapPackedMips(tex, hp, []uint32{15}); err != nil {
		t.Fatalf("MapPackedMips: %v", err)
	}

	u, err := upload.New(upload.Config{Device: dev, Streamer: fs, MaxUpdateLists: 8, StagingSlots: 16})
	if err != nil {
		t.Fatalf("upload.New: %v", err)
	}
	t.Cleanup(func() { u.Close() })

	return u, soft, src, upload.Target{Texture: tex, Heap: hp}
}

func TestFenceAdvancesPerBatch(t *testing.T) {
	fs, err := New(backend.Config{Device: gfx.NewSoftwareDevice(), Workers: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, _, src, tgt := setupPipelineWithBackendDevice(t, fs)

	n := &countingNotifier{}
	for i := 0; i < 3; i++ {
		l, ok := u.AllocateUpdateList(n, src, tgt)
		if !ok {
			t.Fatalf("allocate %d failed", i)
		}
		l.AddUpdate(gfx.TileCoord{X: uint16(i % 2), Y: uint16(i / 2), Mip: 0}, uint32(i))
		if err := u.SubmitUpdateList(l); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if !u.Drain(5 * time.Second) {
		t.Fatal("pipeline did not drain")
	}
	if got := fs.GetCompleted(); got != 3 {
		t.Errorf("GetCompleted = %d, want 3", got)
	}
}

func TestReadFailureReportedPerTile(t *testing.T) {
	fs, err := New(backend.Config{Device: gfx.NewSoftwareDevice(), Workers: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, _, src, tgt := setupPipelineWithBackendDevice(t, fs)

	n := &countingNotifier{}
	l, _ := u.AllocateUpdateList(n, src, tgt)
	l.AddUpdate(gfx.TileCoord{X: 0, Y: 0, Mip: 0}, 0) // fine
	l.AddUpdate(gfx.TileCoord{X: 7, Y: 7, Mip: 0}, 1) // outside the grid

	if err := u.SubmitUpdateList(l); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !u.Drain(5 * time.Second) {
		t.Fatal("pipeline did not drain")
	}

	done, failed, _ := n.counts()
	if done != 1 || failed != 1 {
		t.Errorf("complete=%d failed=%d, want 1/1", done, failed)
	}
}

func TestCloseDrains(t *testing.T) {
	fs, err := New(backend.Config{Device: gfx.NewSoftwareDevice(), Workers: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := fs.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := fs.StreamTiles(nil); err != backend.ErrClosed {
		t.Errorf("StreamTiles after close: %v", err)
	}
}
