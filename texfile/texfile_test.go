package texfile

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/tilestream/gfx"
)

// testImage builds a deterministic gradient so tile payloads are
// predictable.
func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func writeTestFile(t *testing.T, img image.Image, opts WriteOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.xet")
	if err := Write(path, img, opts); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return path
}

func TestWriteOpenRoundTrip(t *testing.T) {
	img := testImage(256, 256)
	path := writeTestFile(t, img, WriteOptions{})

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if got := r.Size(); got.Width != 256 || got.Height != 256 {
		t.Errorf("Size = %dx%d, want 256x256", got.Width, got.Height)
	}
	if r.Format() != gputypes.TextureFormatRGBA8Unorm {
		t.Errorf("Format = %v", r.Format())
	}

	// 256 -> 2x2 tiles, 128 -> 1x1; 64 down to 1 are packed.
	dims := r.MipDims()
	want := []MipDim{{2, 2}, {1, 1}}
	if len(dims) != len(want) {
		t.Fatalf("MipDims = %v, want %v", dims, want)
	}
	for i := range want {
		if dims[i] != want[i] {
			t.Errorf("mip %d dims = %v, want %v", i, dims[i], want[i])
		}
	}
	if got := r.NumPackedMips(); got != 7 {
		t.Errorf("NumPackedMips = %d, want 7", got)
	}

	// Packed payload: sum of w*h*4 for 64..1.
	wantPacked := 4 * (64*64 + 32*32 + 16*16 + 8*8 + 4*4 + 2*2 + 1)
	if got := r.PackedMipByteCount(); got != wantPacked {
		t.Errorf("PackedMipByteCount = %d, want %d", got, wantPacked)
	}
	if got := r.PackedTileCount(); got != 1 {
		t.Errorf("PackedTileCount = %d, want 1", got)
	}
}

func TestReadTilePayload(t *testing.T) {
	img := testImage(256, 256)
	path := writeTestFile(t, img, WriteOptions{})

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	// Tile (1,0) of mip 0 covers texels x in [128,256), y in [0,128).
	dst := make([]byte, gfx.TileBytes)
	n, err := r.ReadTile(gfx.TileCoord{X: 1, Y: 0, Mip: 0}, dst)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if n != gfx.TileBytes {
		t.Fatalf("ReadTile returned %d bytes", n)
	}

	for _, probe := range []struct{ x, y int }{{0, 0}, {127, 0}, {64, 100}} {
		off := (probe.y*TileTexelWidth + probe.x) * 4
		sx, sy := 128+probe.x, probe.y
		want := color.RGBA{R: uint8(sx), G: uint8(sy), B: uint8(sx ^ sy), A: 255}
		got := color.RGBA{R: dst[off], G: dst[off+1], B: dst[off+2], A: dst[off+3]}
		if got != want {
			t.Errorf("texel (%d,%d): got %v, want %v", sx, sy, got, want)
		}
	}
}

func TestCompressedMatchesUncompressed(t *testing.T) {
	img := testImage(256, 256)
	plain := writeTestFile(t, img, WriteOptions{})
	packed := writeTestFile(t, img, WriteOptions{Compress: true})

	pi, _ := os.Stat(plain)
	ci, _ := os.Stat(packed)
	if ci.Size() >= pi.Size() {
		t.Errorf("compression did not shrink the gradient: %d >= %d", ci.Size(), pi.Size())
	}

	rp, err := Open(plain)
	if err != nil {
		t.Fatalf("Open plain: %v", err)
	}
	defer rp.Close()
	rc, err := Open(packed)
	if err != nil {
		t.Fatalf("Open compressed: %v", err)
	}
	defer rc.Close()

	a := make([]byte, gfx.TileBytes)
	b := make([]byte, gfx.TileBytes)
	for _, c := range []gfx.TileCoord{
		{X: 0, Y: 0, Mip: 0}, {X: 1, Y: 1, Mip: 0}, {X: 0, Y: 0, Mip: 1},
	} {
		if _, err := rp.ReadTile(c, a); err != nil {
			t.Fatalf("plain ReadTile %v: %v", c, err)
		}
		if _, err := rc.ReadTile(c, b); err != nil {
			t.Fatalf("compressed ReadTile %v: %v", c, err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("tile %v differs between plain and compressed containers", c)
		}
	}

	pa := make([]byte, rp.PackedMipByteCount())
	pb := make([]byte, rc.PackedMipByteCount())
	if _, err := rp.ReadPackedMips(pa); err != nil {
		t.Fatalf("plain ReadPackedMips: %v", err)
	}
	if _, err := rc.ReadPackedMips(pb); err != nil {
		t.Fatalf("compressed ReadPackedMips: %v", err)
	}
	if !bytes.Equal(pa, pb) {
		t.Error("packed region differs between containers")
	}
}

func TestNonSquareGrid(t *testing.T) {
	// 300x140 -> mip 0 is 3x2 tiles with padded edges.
	img := testImage(300, 140)
	path := writeTestFile(t, img, WriteOptions{})

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	dims := r.MipDims()
	if dims[0].WidthTiles != 3 || dims[0].HeightTiles != 2 {
		t.Fatalf("mip 0 dims = %v, want 3x2", dims[0])
	}

	// The bottom-right edge tile covers texels x in [256,300), y in
	// [128,140); everything past the image edge is zero.
	dst := make([]byte, gfx.TileBytes)
	if _, err := r.ReadTile(gfx.TileCoord{X: 2, Y: 1, Mip: 0}, dst); err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	inside := (0*TileTexelWidth + 0) * 4 // texel (256,128)
	if dst[inside+3] != 255 {
		t.Error("texel inside the image was not written")
	}
	padCol := (0*TileTexelWidth + 44) * 4 // texel (300,128), past the edge
	if dst[padCol] != 0 || dst[padCol+3] != 0 {
		t.Error("padding right of the image is not zero")
	}
	padRow := (12*TileTexelWidth + 0) * 4 // texel (256,140), past the edge
	if dst[padRow] != 0 || dst[padRow+3] != 0 {
		t.Error("padding below the image is not zero")
	}
}

func TestReadTileOutOfRange(t *testing.T) {
	path := writeTestFile(t, testImage(256, 256), WriteOptions{})
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	dst := make([]byte, gfx.TileBytes)
	cases := []gfx.TileCoord{
		{X: 2, Y: 0, Mip: 0},
		{X: 0, Y: 2, Mip: 0},
		{X: 0, Y: 0, Mip: 9},
	}
	for _, c := range cases {
		if _, err := r.ReadTile(c, dst); !errors.Is(err, ErrTileOutOfRange) {
			t.Errorf("ReadTile(%v): got %v, want ErrTileOutOfRange", c, err)
		}
	}

	// An out-of-range read leaves the reader usable.
	if _, err := r.ReadTile(gfx.TileCoord{X: 0, Y: 0, Mip: 0}, dst); err != nil {
		t.Errorf("reader unusable after range error: %v", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	badMagic := filepath.Join(dir, "bad.xet")
	os.WriteFile(badMagic, append([]byte("NOPE"), make([]byte, 64)...), 0o644)
	if _, err := Open(badMagic); !errors.Is(err, ErrBadMagic) {
		t.Errorf("bad magic: got %v", err)
	}

	truncated := filepath.Join(dir, "short.xet")
	os.WriteFile(truncated, []byte(magic), 0o644)
	if _, err := Open(truncated); err == nil {
		t.Error("truncated header accepted")
	}

	if _, err := Open(filepath.Join(dir, "missing.xet")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestWriteRejectsTinyImage(t *testing.T) {
	if err := Write(filepath.Join(t.TempDir(), "t.xet"), testImage(64, 64), WriteOptions{}); err == nil {
		t.Error("image smaller than a tile accepted")
	}
}

func TestReadAfterClose(t *testing.T) {
	path := writeTestFile(t, testImage(256, 256), WriteOptions{})
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Close()

	dst := make([]byte, gfx.TileBytes)
	if _, err := r.ReadTile(gfx.TileCoord{}, dst); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
	if _, err := r.ReadPackedMips(dst); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}
