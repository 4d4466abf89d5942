// Package residency implements the per-texture tile-residency state
// machine: reference counting up the mip chain, minimum-mip tracking,
// delayed eviction, and the packed-mip lifecycle.
//
// The package decides which tiles should move; it never moves data
// itself. Load and evict decisions are handed to the upload pipeline as
// batches, and the pipeline reports back through the notify methods.
package residency

import "fmt"

// TileState is the 2-bit residency code of one tile.
//
// The two bits are orthogonal: bit 1 means the tile is mapped to
// physical memory, bit 0 means a load or evict is in flight. Legal
// transitions form a single cycle with no skips:
//
//	NotResident -> Loading -> Resident -> Evicting -> NotResident
type TileState uint8

const (
	// TileNotResident: unmapped, nothing in flight.
	TileNotResident TileState = 0b00

	// TileLoading: unmapped, load in flight.
	TileLoading TileState = 0b01

	// TileResident: mapped, nothing in flight, sampling-safe.
	TileResident TileState = 0b10

	// TileEvicting: mapped, evict in flight.
	TileEvicting TileState = 0b11
)

// String returns a human-readable name for the state.
func (s TileState) String() string {
	switch s {
	case TileNotResident:
		return "NotResident"
	case TileLoading:
		return "Loading"
	case TileResident:
		return "Resident"
	case TileEvicting:
		return "Evicting"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// PackedMipStatus tracks the one-way, once-only packed-mip lifecycle.
// Packed mips never enter the per-tile grid and are never evicted.
type PackedMipStatus int32

const (
	// PackedMipsUninitialized: no heap slots reserved yet.
	PackedMipsUninitialized PackedMipStatus = iota

	// PackedMipsHeapReserved: heap slots reserved and mapped, data not
	// requested yet.
	PackedMipsHeapReserved

	// PackedMipsRequested: the packed-mip copy is in flight.
	PackedMipsRequested

	// PackedMipsNeedsTransition: data copied, the sampling barrier has
	// not run yet.
	PackedMipsNeedsTransition

	// PackedMipsResident: sampling-safe, permanent.
	PackedMipsResident
)

// String returns a human-readable name for the status.
func (s PackedMipStatus) String() string {
	switch s {
	case PackedMipsUninitialized:
		return "Uninitialized"
	case PackedMipsHeapReserved:
		return "HeapReserved"
	case PackedMipsRequested:
		return "Requested"
	case PackedMipsNeedsTransition:
		return "NeedsTransition"
	case PackedMipsResident:
		return "Resident"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}
