package residency

import (
	"fmt"

	"github.com/gogpu/tilestream/gfx"
)

// MipDim is the tile-grid dimension of one standard (non-packed) mip.
type MipDim struct {
	WidthTiles  int
	HeightTiles int
}

// tileInfo is the per-tile bookkeeping entry.
type tileInfo struct {
	refcount uint32
	heapSlot uint32
	state    TileState

	// failed marks a tile whose load failed permanently; it is never
	// requested again.
	failed bool
}

// tileMap is the 3D residency table indexed by (mip, y, x) for the
// standard mips of one resource. Not safe for concurrent use; the
// owning Resource serializes access.
type tileMap struct {
	mips  []MipDim
	tiles [][]tileInfo // per mip, row-major
}

func newTileMap(mips []MipDim) *tileMap {
	m := &tileMap{
		mips:  append([]MipDim(nil), mips...),
		tiles: make([][]tileInfo, len(mips)),
	}
	for i, d := range mips {
		m.tiles[i] = make([]tileInfo, d.WidthTiles*d.HeightTiles)
	}
	return m
}

// at returns the entry for a tile coordinate. Panics on out-of-range
// coordinates; callers derive coordinates from the same dimensions the
// map was built from.
func (m *tileMap) at(mip, x, y int) *tileInfo {
	d := m.mips[mip]
	if x < 0 || x >= d.WidthTiles || y < 0 || y >= d.HeightTiles {
		panic(fmt.Sprintf("residency: tile (%d,%d) out of range for mip %d (%dx%d)",
			x, y, mip, d.WidthTiles, d.HeightTiles))
	}
	return &m.tiles[mip][y*d.WidthTiles+x]
}

func (m *tileMap) atCoord(c gfx.TileCoord) *tileInfo {
	return m.at(int(c.Mip), int(c.X), int(c.Y))
}

// numStandardTiles returns the total tile count across standard mips.
func (m *tileMap) numStandardTiles() int {
	n := 0
	for _, d := range m.mips {
		n += d.WidthTiles * d.HeightTiles
	}
	return n
}
