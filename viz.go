package tilestream

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// VizMode selects what Snapshot renders.
type VizMode int32

const (
	// VizNone disables snapshots.
	VizNone VizMode = iota

	// VizMinMip renders the per-footprint minimum-resident-mip map.
	VizMinMip

	// VizOccupancy renders heap slot occupancy on the debug atlas.
	VizOccupancy
)

// String returns a human-readable name for the mode.
func (m VizMode) String() string {
	switch m {
	case VizNone:
		return "None"
	case VizMinMip:
		return "MinMip"
	case VizOccupancy:
		return "Occupancy"
	default:
		return "Unknown"
	}
}

// mipPaletteSize covers every mip level a 16-bit texture extent can
// produce.
const mipPaletteSize = 16

// mipPalette colors mip levels hot (fine, red) to cold (coarse, blue).
// Computed once at startup; read-only afterwards.
var mipPalette [mipPaletteSize]color.RGBA

// unknownColor marks footprints with nothing resident.
var unknownColor = color.RGBA{R: 24, G: 24, B: 24, A: 255}

// occupancy colors.
var (
	slotFreeColor = color.RGBA{R: 32, G: 32, B: 32, A: 255}
	slotUsedColor = color.RGBA{R: 64, G: 200, B: 96, A: 255}
)

func init() {
	for i := range mipPalette {
		t := float64(i) / float64(mipPaletteSize-1)
		mipPalette[i] = color.RGBA{
			R: uint8(255 * (1 - t)),
			G: uint8(96 * (1 - t)),
			B: uint8(255 * t),
			A: 255,
		}
	}
}

// Snapshot renders the current visualization for a resource as an
// image, scaled up by scale (tiles to pixels). Returns nil when the
// mode is VizNone.
func (m *TileUpdateManager) Snapshot(r *StreamingResource, scale int) image.Image {
	if scale < 1 {
		scale = 1
	}
	switch m.VisualizationMode() {
	case VizMinMip:
		return minMipImage(r, scale)
	case VizOccupancy:
		return occupancyImage(r.heap, scale)
	default:
		return nil
	}
}

// minMipImage colors each mip-0 tile footprint by its minimum resident
// mip.
func minMipImage(r *StreamingResource, scale int) image.Image {
	mm := r.GetMinMipMap()
	w := r.res.Desc().MipTiles[0].WidthTiles
	h := r.res.Desc().MipTiles[0].HeightTiles

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, v := range mm {
		c := unknownColor
		if v != MinMipUnknown {
			if int(v) >= mipPaletteSize {
				v = mipPaletteSize - 1
			}
			c = mipPalette[v]
		}
		img.SetRGBA(i%w, i/w, c)
	}
	return scaleImage(img, scale)
}

// occupancyImage colors each heap slot on the debug atlas surface.
func occupancyImage(h *StreamingHeap, scale int) image.Image {
	occ := h.hp.Occupancy()
	w := h.hp.AtlasWidth()
	rows := (len(occ) + w - 1) / w

	img := image.NewRGBA(image.Rect(0, 0, w, rows))
	for i, used := range occ {
		c := slotFreeColor
		if used {
			c = slotUsedColor
		}
		x, y := h.hp.SlotCoord(uint32(i))
		img.SetRGBA(x, y, c)
	}
	return scaleImage(img, scale)
}

// scaleImage blows tiles up to visible pixels. Nearest neighbor keeps
// the tile boundaries crisp.
func scaleImage(src *image.RGBA, scale int) image.Image {
	if scale == 1 {
		return src
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
