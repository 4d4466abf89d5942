// Package texfile reads and writes the tile container format: a fixed
// header, per-mip tile dimensions, a per-tile (offset, byteCount)
// table, the tile data region, and a packed-mip region for the mips
// smaller than one tile.
//
// Every standard tile occupies gfx.TileBytes (64KB) when decompressed.
// A stored byte count equal to gfx.TileBytes denotes an uncompressed
// tile consumed as-is; any smaller count denotes a deflate stream.
package texfile

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/tilestream/gfx"
)

// Container format errors.
var (
	// ErrBadMagic is returned when a file does not start with the
	// container magic.
	ErrBadMagic = errors.New("texfile: bad magic")

	// ErrBadVersion is returned for an unsupported container version.
	ErrBadVersion = errors.New("texfile: unsupported version")

	// ErrCorrupt is returned when header fields are inconsistent with
	// the file contents.
	ErrCorrupt = errors.New("texfile: corrupt container")

	// ErrTileOutOfRange is returned for a tile coordinate outside the
	// container's mip grids.
	ErrTileOutOfRange = errors.New("texfile: tile out of range")

	// ErrClosed is returned when reading through a closed reader.
	ErrClosed = errors.New("texfile: reader is closed")
)

const (
	// magic identifies a tile container file.
	magic = "XETF"

	// version is the current container version.
	version = 1

	// TileTexelWidth and TileTexelHeight are the texel footprint of one
	// 64KB tile at 4 bytes per texel.
	TileTexelWidth  = 128
	TileTexelHeight = 128

	// headerBytes is the fixed-size portion before the mip dimension
	// list: magic, version, format, width, height, mipLevels,
	// packedMips, packedOffset, packedBytes.
	headerBytes = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 8

	// tileEntryBytes is one tile table entry: offset u64, length u32.
	tileEntryBytes = 8 + 4

	// mipDimBytes is one mip dimension record: widthTiles u32,
	// heightTiles u32.
	mipDimBytes = 4 + 4
)

// MipDim is the tile-grid dimension of one standard mip level.
type MipDim struct {
	WidthTiles  uint32
	HeightTiles uint32
}

// tileEntry locates one stored tile.
type tileEntry struct {
	offset uint64
	length uint32
}

// header is the decoded container header.
type header struct {
	format       gputypes.TextureFormat
	width        uint32
	height       uint32
	mips         []MipDim
	packedMips   uint32
	packedOffset uint64
	packedBytes  uint64
}

// numStandardTiles returns the total standard tile count across mips.
func (h *header) numStandardTiles() int {
	n := 0
	for _, m := range h.mips {
		n += int(m.WidthTiles) * int(m.HeightTiles)
	}
	return n
}

// tileIndex flattens a coordinate into the tile table, mip-major then
// row-major.
func (h *header) tileIndex(c gfx.TileCoord) (int, error) {
	if int(c.Mip) >= len(h.mips) {
		return 0, fmt.Errorf("%w: mip %d of %d", ErrTileOutOfRange, c.Mip, len(h.mips))
	}
	base := 0
	for _, m := range h.mips[:c.Mip] {
		base += int(m.WidthTiles) * int(m.HeightTiles)
	}
	m := h.mips[c.Mip]
	if uint32(c.X) >= m.WidthTiles || uint32(c.Y) >= m.HeightTiles {
		return 0, fmt.Errorf("%w: (%d,%d) in %dx%d grid at mip %d",
			ErrTileOutOfRange, c.X, c.Y, m.WidthTiles, m.HeightTiles, c.Mip)
	}
	return base + int(c.Y)*int(m.WidthTiles) + int(c.X), nil
}

// PackedTileCount returns the heap slots the packed region occupies
// when resident: its raw bytes rounded up to whole tiles.
func packedTileCount(packedBytes uint64) int {
	return int((packedBytes + gfx.TileBytes - 1) / gfx.TileBytes)
}
