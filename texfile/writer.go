package texfile

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"image"
	"os"

	"golang.org/x/image/draw"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/tilestream/gfx"
)

// WriteOptions control container creation.
type WriteOptions struct {
	// Compress deflates each tile. A tile that does not shrink is
	// stored raw; readers tell the two apart by the stored length.
	Compress bool

	// Scaler downsamples between mip levels.
	// Defaults to draw.CatmullRom.
	Scaler draw.Scaler
}

// Write builds a container from an image: the full mip chain down to
// 1x1, standard mips split into 64KB tiles, and the mips smaller than
// one tile concatenated into the packed region. The texel format is
// RGBA8.
func Write(path string, img image.Image, opts WriteOptions) error {
	scaler := opts.Scaler
	if scaler == nil {
		scaler = draw.CatmullRom
	}

	b := img.Bounds()
	if b.Dx() < TileTexelWidth || b.Dy() < TileTexelHeight {
		return fmt.Errorf("texfile: image %dx%d is smaller than one %dx%d tile",
			b.Dx(), b.Dy(), TileTexelWidth, TileTexelHeight)
	}

	chain := buildMipChain(img, scaler)

	// Mips at least one tile wide or tall are tiled; the rest are
	// packed.
	split := len(chain)
	for i, m := range chain {
		if m.Bounds().Dx() < TileTexelWidth && m.Bounds().Dy() < TileTexelHeight {
			split = i
			break
		}
	}
	standard, packed := chain[:split], chain[split:]
	if len(standard) == 0 {
		return fmt.Errorf("texfile: no standard mips")
	}

	dims := make([]MipDim, len(standard))
	for i, m := range standard {
		dims[i] = MipDim{
			WidthTiles:  uint32((m.Bounds().Dx() + TileTexelWidth - 1) / TileTexelWidth),
			HeightTiles: uint32((m.Bounds().Dy() + TileTexelHeight - 1) / TileTexelHeight),
		}
	}

	// Compress tiles up front so the table offsets are known before
	// anything is written.
	var tileData [][]byte
	for _, m := range standard {
		for _, t := range splitTiles(m) {
			tileData = append(tileData, encodeTile(t, opts.Compress))
		}
	}

	var packedRegion bytes.Buffer
	for _, m := range packed {
		packedRegion.Write(rawPixels(m))
	}

	dataStart := uint64(headerBytes + len(dims)*mipDimBytes + len(tileData)*tileEntryBytes)
	entries := make([]tileEntry, len(tileData))
	off := dataStart
	for i, d := range tileData {
		entries[i] = tileEntry{offset: off, length: uint32(len(d))}
		off += uint64(len(d))
	}
	packedOffset := off

	var out bytes.Buffer
	out.Grow(int(packedOffset) + packedRegion.Len())

	out.WriteString(magic)
	writeU32(&out, version)
	writeU32(&out, uint32(gputypes.TextureFormatRGBA8Unorm))
	writeU32(&out, uint32(b.Dx()))
	writeU32(&out, uint32(b.Dy()))
	writeU32(&out, uint32(len(dims)))
	writeU32(&out, uint32(len(packed)))
	writeU64(&out, packedOffset)
	writeU64(&out, uint64(packedRegion.Len()))

	for _, d := range dims {
		writeU32(&out, d.WidthTiles)
		writeU32(&out, d.HeightTiles)
	}
	for _, e := range entries {
		writeU64(&out, e.offset)
		writeU32(&out, e.length)
	}
	for _, d := range tileData {
		out.Write(d)
	}
	out.Write(packedRegion.Bytes())

	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("texfile: write %s: %w", path, err)
	}
	return nil
}

// buildMipChain returns the image and every half-size downscale of it,
// down to 1x1.
func buildMipChain(img image.Image, scaler draw.Scaler) []*image.RGBA {
	b := img.Bounds()
	mip0 := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(mip0, mip0.Bounds(), img, b.Min, draw.Src)

	chain := []*image.RGBA{mip0}
	w, h := b.Dx(), b.Dy()
	for w > 1 || h > 1 {
		w = max(w/2, 1)
		h = max(h/2, 1)
		next := image.NewRGBA(image.Rect(0, 0, w, h))
		scaler.Scale(next, next.Bounds(), chain[len(chain)-1], chain[len(chain)-1].Bounds(), draw.Src, nil)
		chain = append(chain, next)
	}
	return chain
}

// splitTiles cuts a mip into 64KB tile payloads, row-major. Edge tiles
// are zero-padded to the full tile footprint.
func splitTiles(m *image.RGBA) [][]byte {
	w, h := m.Bounds().Dx(), m.Bounds().Dy()
	tx := (w + TileTexelWidth - 1) / TileTexelWidth
	ty := (h + TileTexelHeight - 1) / TileTexelHeight

	tiles := make([][]byte, 0, tx*ty)
	for y := 0; y < ty; y++ {
		for x := 0; x < tx; x++ {
			tile := make([]byte, gfx.TileBytes)
			for row := 0; row < TileTexelHeight; row++ {
				sy := y*TileTexelHeight + row
				if sy >= h {
					break
				}
				sx := x * TileTexelWidth
				n := min(TileTexelWidth, w-sx)
				src := m.Pix[sy*m.Stride+sx*4 : sy*m.Stride+(sx+n)*4]
				copy(tile[row*TileTexelWidth*4:], src)
			}
			tiles = append(tiles, tile)
		}
	}
	return tiles
}

// encodeTile optionally deflates a tile payload. Incompressible tiles
// stay raw; the stored length distinguishes the two.
func encodeTile(tile []byte, compress bool) []byte {
	if !compress {
		return tile
	}
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return tile
	}
	if _, err := fw.Write(tile); err != nil {
		return tile
	}
	if err := fw.Close(); err != nil {
		return tile
	}
	if buf.Len() >= gfx.TileBytes {
		return tile
	}
	return buf.Bytes()
}

// rawPixels returns the tightly packed RGBA bytes of an image.
func rawPixels(m *image.RGBA) []byte {
	w, h := m.Bounds().Dx(), m.Bounds().Dy()
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		copy(out[y*w*4:], m.Pix[y*m.Stride:y*m.Stride+w*4])
	}
	return out
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
