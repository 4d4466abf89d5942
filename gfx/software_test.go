package gfx

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func testDevice(t *testing.T) (*SoftwareDevice, TextureID, HeapID) {
	t.Helper()
	d := NewSoftwareDevice()
	t.Cleanup(func() { d.Close() })

	tex, err := d.CreateTiledTexture(TiledTextureDesc{
		Label:           "test",
		Size:            gputypes.Extent3D{Width: 512, Height: 512, DepthOrArrayLayers: 1},
		Format:          gputypes.TextureFormatRGBA8Unorm,
		MipLevels:       10,
		TileTexelWidth:  128,
		TileTexelHeight: 128,
	})
	if err != nil {
		t.Fatalf("CreateTiledTexture: %v", err)
	}
	hp, err := d.CreateTileHeap(8)
	if err != nil {
		t.Fatalf("CreateTileHeap: %v", err)
	}
	return d, tex, hp
}

func TestWriteRequiresMapping(t *testing.T) {
	d, tex, hp := testDevice(t)

	payload := bytes.Repeat([]byte{0xAB}, TileBytes)
	if err := d.WriteTile(hp, 3, payload); !errors.Is(err, ErrTileNotMapped) {
		t.Fatalf("write before map: %v", err)
	}

	c := TileCoord{X: 1, Y: 2, Mip: 0}
	if err := d.MapTiles(tex, hp, []TileCoord{c}, []uint32{3}); err != nil {
		t.Fatalf("MapTiles: %v", err)
	}
	if err := d.WriteTile(hp, 3, payload); err != nil {
		t.Fatalf("write after map: %v", err)
	}
	if got := d.TileData(hp, 3); !bytes.Equal(got, payload) {
		t.Error("tile payload mismatch")
	}

	slot, mapped := d.MappedSlot(tex, c)
	if !mapped || slot != 3 {
		t.Errorf("MappedSlot = %d, %v", slot, mapped)
	}

	// Unmapping reverts the slot to unwritable.
	if err := d.UnmapTiles(tex, []TileCoord{c}); err != nil {
		t.Fatalf("UnmapTiles: %v", err)
	}
	if err := d.WriteTile(hp, 3, payload); !errors.Is(err, ErrTileNotMapped) {
		t.Errorf("write after unmap: %v", err)
	}
	if got := d.MappedTileCount(tex); got != 0 {
		t.Errorf("MappedTileCount = %d, want 0", got)
	}
}

func TestMapTilesValidatesArguments(t *testing.T) {
	d, tex, hp := testDevice(t)

	err := d.MapTiles(tex, hp, []TileCoord{{}}, []uint32{0, 1})
	if !errors.Is(err, ErrMappingMismatch) {
		t.Errorf("length mismatch: %v", err)
	}
	if err := d.MapTiles(tex+99, hp, nil, nil); !errors.Is(err, ErrUnknownTexture) {
		t.Errorf("unknown texture: %v", err)
	}
	if err := d.MapTiles(tex, hp+99, nil, nil); !errors.Is(err, ErrUnknownHeap) {
		t.Errorf("unknown heap: %v", err)
	}
	if err := d.MapTiles(tex, hp, []TileCoord{{}}, []uint32{42}); err == nil {
		t.Error("out-of-range slot accepted")
	}
}

func TestRemapMovesSlot(t *testing.T) {
	d, tex, hp := testDevice(t)
	c := TileCoord{X: 0, Y: 0, Mip: 1}

	if err := d.MapTiles(tex, hp, []TileCoord{c}, []uint32{1}); err != nil {
		t.Fatalf("MapTiles: %v", err)
	}
	if err := d.MapTiles(tex, hp, []TileCoord{c}, []uint32{5}); err != nil {
		t.Fatalf("remap: %v", err)
	}

	// The old slot lost its only binding.
	if err := d.WriteTile(hp, 1, make([]byte, TileBytes)); !errors.Is(err, ErrTileNotMapped) {
		t.Errorf("write to stale slot: %v", err)
	}
	if err := d.WriteTile(hp, 5, make([]byte, TileBytes)); err != nil {
		t.Errorf("write to new slot: %v", err)
	}
}

func TestPackedMipLifecycle(t *testing.T) {
	d, tex, hp := testDevice(t)
	payload := []byte{1, 2, 3, 4}

	if err := d.WritePackedMips(tex, payload); !errors.Is(err, ErrTileNotMapped) {
		t.Fatalf("packed write before map: %v", err)
	}
	if err := d.MapPackedMips(tex, hp, []uint32{7}); err != nil {
		t.Fatalf("MapPackedMips: %v", err)
	}
	if err := d.WritePackedMips(tex, payload); err != nil {
		t.Fatalf("WritePackedMips: %v", err)
	}
	if got := d.PackedMipData(tex); !bytes.Equal(got, payload) {
		t.Error("packed payload mismatch")
	}

	if err := d.TransitionPackedMips(tex); err != nil {
		t.Fatalf("TransitionPackedMips: %v", err)
	}
	if err := d.TransitionPackedMips(tex); err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if got := d.PackedMipTransitions(tex); got != 2 {
		t.Errorf("transitions = %d, want 2", got)
	}
}

func TestFeedbackPipeline(t *testing.T) {
	d, tex, _ := testDevice(t)

	// Nothing resolved yet.
	dst := make([]uint8, 16)
	if n, err := d.ReadFeedback(tex, dst); err != nil || n != 0 {
		t.Fatalf("ReadFeedback before resolve = %d, %v", n, err)
	}

	fb := []uint8{0, 1, 2, 3}
	if err := d.SetFeedback(tex, fb); err != nil {
		t.Fatalf("SetFeedback: %v", err)
	}
	if err := d.ResolveFeedback(tex); err != nil {
		t.Fatalf("ResolveFeedback: %v", err)
	}
	n, err := d.ReadFeedback(tex, dst)
	if err != nil || n != len(fb) {
		t.Fatalf("ReadFeedback = %d, %v", n, err)
	}
	if !bytes.Equal(dst[:n], fb) {
		t.Errorf("resolved = %v, want %v", dst[:n], fb)
	}

	// Clearing resets pending feedback to the sentinel; the resolved
	// copy only changes on the next resolve.
	if err := d.ClearFeedback(tex); err != nil {
		t.Fatalf("ClearFeedback: %v", err)
	}
	if n, _ = d.ReadFeedback(tex, dst); n != len(fb) {
		t.Fatalf("resolved copy lost on clear")
	}
	if err := d.ResolveFeedback(tex); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	n, _ = d.ReadFeedback(tex, dst)
	for i := 0; i < n; i++ {
		if dst[i] != FeedbackNotRequested {
			t.Fatalf("entry %d = %d after clear, want %#x", i, dst[i], FeedbackNotRequested)
		}
	}
}

func TestFrameFenceRetiresImmediately(t *testing.T) {
	d, _, _ := testDevice(t)

	if got := d.CompletedFrameFence(); got != 0 {
		t.Fatalf("initial fence = %d", got)
	}
	for v := uint64(1); v <= 3; v++ {
		if err := d.SignalFrameFence(v); err != nil {
			t.Fatalf("SignalFrameFence(%d): %v", v, err)
		}
	}
	if got := d.CompletedFrameFence(); got != 3 {
		t.Errorf("fence = %d, want 3", got)
	}
}

func TestBufferWrites(t *testing.T) {
	d, _, _ := testDevice(t)

	b, err := d.CreateBuffer(8)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if err := d.WriteBuffer(b, 2, []byte{9, 8, 7}); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	want := []byte{0, 0, 9, 8, 7, 0, 0, 0}
	if got := d.BufferData(b); !bytes.Equal(got, want) {
		t.Errorf("buffer = %v, want %v", got, want)
	}

	if err := d.WriteBuffer(b, 6, []byte{1, 2, 3}); err == nil {
		t.Error("out-of-range write accepted")
	}
	if err := d.WriteBuffer(b+99, 0, nil); !errors.Is(err, ErrUnknownBuffer) {
		t.Errorf("unknown buffer: %v", err)
	}
}

func TestDeviceLossIsTerminal(t *testing.T) {
	d, tex, hp := testDevice(t)

	d.LoseDevice()
	if !errors.Is(d.Err(), ErrDeviceLost) {
		t.Fatalf("Err = %v", d.Err())
	}
	if err := d.WriteTile(hp, 0, make([]byte, TileBytes)); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("WriteTile on lost device: %v", err)
	}
	if err := d.ClearFeedback(tex); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("ClearFeedback on lost device: %v", err)
	}
	if _, err := d.CreateTileHeap(1); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("CreateTileHeap on lost device: %v", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	d, tex, _ := testDevice(t)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := d.CreateBuffer(4); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CreateBuffer after close: %v", err)
	}
	if err := d.ResolveFeedback(tex); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("ResolveFeedback after close: %v", err)
	}
}
