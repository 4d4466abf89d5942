package alloc

import (
	"fmt"
	"sync/atomic"
)

// Ring is a lock-free single-producer/single-consumer slot-index
// allocator.
//
// The ring starts full: slots[i] == i for all i, so indices are handed
// out in allocation order. One goroutine (the producer) calls Allocate,
// a different goroutine (the consumer of the allocated work) calls Free
// when it is done with an index. Any other threading arrangement is a
// misuse.
//
// Memory ordering: Free stores the recycled index into the slot array
// before advancing the freed counter, and Allocate reads the freed
// counter before loading the slot. Go's sync/atomic operations are
// sequentially consistent, which gives the required release/acquire
// pairing; the counter advance is the publication point in both
// directions.
type Ring struct {
	slots []uint32

	// allocated counts Allocate calls; allocated % len(slots) is the
	// ring position of the next index to hand out. Written only by the
	// allocating goroutine.
	allocated atomic.Uint64

	// freed counts Free calls; freed % len(slots) is the ring position
	// the next recycled index is written to, offset by capacity.
	// Written only by the freeing goroutine.
	freed atomic.Uint64
}

// NewRing creates a ring allocator handing out indices in [0, capacity).
func NewRing(capacity int) (*Ring, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}

	r := &Ring{slots: make([]uint32, capacity)}
	for i := range r.slots {
		r.slots[i] = uint32(i)
	}
	return r, nil
}

// Allocate returns the next available index. The second result is false
// when every index is outstanding. Must only be called from the
// producer goroutine.
func (r *Ring) Allocate() (uint32, bool) {
	alloc := r.allocated.Load()
	freed := r.freed.Load()

	if alloc-freed >= uint64(len(r.slots)) {
		return 0, false
	}

	idx := r.slots[alloc%uint64(len(r.slots))]
	r.allocated.Store(alloc + 1)
	return idx, true
}

// Free recycles an index. Must only be called from the consumer
// goroutine. Over-freeing or freeing an out-of-range index is an
// invariant violation and returns an error without modifying the ring.
func (r *Ring) Free(idx uint32) error {
	if int(idx) >= len(r.slots) {
		return fmt.Errorf("%w: %d (capacity %d)", ErrIndexOutOfRange, idx, len(r.slots))
	}

	freed := r.freed.Load()
	if freed >= r.allocated.Load() {
		return fmt.Errorf("%w: freed %d", ErrOverFree, freed)
	}

	// Position freed%capacity is one full lap behind the allocation
	// cursor (freed < allocated), so Allocate has already consumed it
	// and it is safe to overwrite.
	r.slots[freed%uint64(len(r.slots))] = idx
	r.freed.Store(freed + 1)
	return nil
}

// Capacity returns the total number of indices managed by the ring.
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Allocated returns the number of indices currently outstanding.
// Safe to call from either goroutine; the result is a snapshot.
func (r *Ring) Allocated() int {
	return int(r.allocated.Load() - r.freed.Load())
}

// Available returns the number of indices currently free.
// Safe to call from either goroutine; the result is a snapshot.
func (r *Ring) Available() int {
	return len(r.slots) - r.Allocated()
}
