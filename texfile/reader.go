package texfile

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/tilestream/gfx"
)

// Reader serves tile payloads from an open container file.
//
// The header and tile table are loaded once at Open; tile reads use
// ReadAt and are safe for concurrent use. A failed tile read reports an
// error for that tile only; the reader stays usable.
type Reader struct {
	f      *os.File
	hdr    header
	tiles  []tileEntry
	closed atomic.Bool
}

// Open opens a container file and parses its header and tile table.
// Header-level failures are hard errors; nothing is retried.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("texfile: open %s: %w", path, err)
	}
	r := &Reader{f: f}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	buf := make([]byte, headerBytes)
	if _, err := io.ReadFull(r.f, buf); err != nil {
		return fmt.Errorf("texfile: read header: %w", err)
	}
	if string(buf[:4]) != magic {
		return ErrBadMagic
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != version {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}

	r.hdr.format = gputypes.TextureFormat(binary.LittleEndian.Uint32(buf[8:]))
	r.hdr.width = binary.LittleEndian.Uint32(buf[12:])
	r.hdr.height = binary.LittleEndian.Uint32(buf[16:])
	mipLevels := binary.LittleEndian.Uint32(buf[20:])
	r.hdr.packedMips = binary.LittleEndian.Uint32(buf[24:])
	r.hdr.packedOffset = binary.LittleEndian.Uint64(buf[28:])
	r.hdr.packedBytes = binary.LittleEndian.Uint64(buf[36:])

	if mipLevels == 0 || mipLevels > 16 {
		return fmt.Errorf("%w: %d mip levels", ErrCorrupt, mipLevels)
	}

	dims := make([]byte, int(mipLevels)*mipDimBytes)
	if _, err := io.ReadFull(r.f, dims); err != nil {
		return fmt.Errorf("texfile: read mip dims: %w", err)
	}
	r.hdr.mips = make([]MipDim, mipLevels)
	for i := range r.hdr.mips {
		r.hdr.mips[i] = MipDim{
			WidthTiles:  binary.LittleEndian.Uint32(dims[i*mipDimBytes:]),
			HeightTiles: binary.LittleEndian.Uint32(dims[i*mipDimBytes+4:]),
		}
		if r.hdr.mips[i].WidthTiles == 0 || r.hdr.mips[i].HeightTiles == 0 {
			return fmt.Errorf("%w: empty mip %d", ErrCorrupt, i)
		}
	}

	n := r.hdr.numStandardTiles()
	table := make([]byte, n*tileEntryBytes)
	if _, err := io.ReadFull(r.f, table); err != nil {
		return fmt.Errorf("texfile: read tile table: %w", err)
	}
	r.tiles = make([]tileEntry, n)
	for i := range r.tiles {
		r.tiles[i] = tileEntry{
			offset: binary.LittleEndian.Uint64(table[i*tileEntryBytes:]),
			length: binary.LittleEndian.Uint32(table[i*tileEntryBytes+8:]),
		}
		if r.tiles[i].length > gfx.TileBytes {
			return fmt.Errorf("%w: tile %d stores %d bytes", ErrCorrupt, i, r.tiles[i].length)
		}
	}
	return nil
}

// ReadTile reads the decompressed payload of one tile into dst, which
// must be at least gfx.TileBytes long.
func (r *Reader) ReadTile(c gfx.TileCoord, dst []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if len(dst) < gfx.TileBytes {
		return 0, fmt.Errorf("texfile: dst holds %d bytes, need %d", len(dst), gfx.TileBytes)
	}

	idx, err := r.hdr.tileIndex(c)
	if err != nil {
		return 0, err
	}
	e := r.tiles[idx]

	if e.length == gfx.TileBytes {
		// Uncompressed, read straight into place.
		if _, err := r.f.ReadAt(dst[:gfx.TileBytes], int64(e.offset)); err != nil {
			return 0, fmt.Errorf("texfile: read tile %v: %w", c, err)
		}
		return gfx.TileBytes, nil
	}

	packed := make([]byte, e.length)
	if _, err := r.f.ReadAt(packed, int64(e.offset)); err != nil {
		return 0, fmt.Errorf("texfile: read tile %v: %w", c, err)
	}
	fr := flate.NewReader(bytes.NewReader(packed))
	defer fr.Close()
	n, err := io.ReadFull(fr, dst[:gfx.TileBytes])
	if err != nil {
		return n, fmt.Errorf("texfile: inflate tile %v: %w", c, err)
	}
	return n, nil
}

// ReadPackedMips reads the raw packed-mip payload into dst.
func (r *Reader) ReadPackedMips(dst []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	n := int(r.hdr.packedBytes)
	if len(dst) < n {
		return 0, fmt.Errorf("texfile: dst holds %d bytes, need %d", len(dst), n)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := r.f.ReadAt(dst[:n], int64(r.hdr.packedOffset)); err != nil {
		return 0, fmt.Errorf("texfile: read packed mips: %w", err)
	}
	return n, nil
}

// PackedMipByteCount returns the raw packed-mip payload size.
func (r *Reader) PackedMipByteCount() int {
	return int(r.hdr.packedBytes)
}

// PackedTileCount returns the heap slots the packed region occupies.
func (r *Reader) PackedTileCount() int {
	return packedTileCount(r.hdr.packedBytes)
}

// NumPackedMips returns how many mips live in the packed region.
func (r *Reader) NumPackedMips() int {
	return int(r.hdr.packedMips)
}

// MipDims returns the tile-grid dimensions of the standard mips.
func (r *Reader) MipDims() []MipDim {
	out := make([]MipDim, len(r.hdr.mips))
	copy(out, r.hdr.mips)
	return out
}

// Size returns the mip-0 extent in texels.
func (r *Reader) Size() gputypes.Extent3D {
	return gputypes.Extent3D{Width: r.hdr.width, Height: r.hdr.height, DepthOrArrayLayers: 1}
}

// Format returns the texel format.
func (r *Reader) Format() gputypes.TextureFormat {
	return r.hdr.format
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.f.Close()
}
