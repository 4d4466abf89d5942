package alloc

import (
	"errors"
	"fmt"
)

// Allocator errors.
var (
	// ErrInvalidCapacity is returned when constructing with capacity < 1.
	ErrInvalidCapacity = errors.New("alloc: capacity must be at least 1")

	// ErrIndexOutOfRange is returned when freeing an index >= capacity.
	ErrIndexOutOfRange = errors.New("alloc: index out of range")

	// ErrDoubleFree is returned when freeing an index that is not allocated.
	ErrDoubleFree = errors.New("alloc: index is not allocated")

	// ErrOverFree is returned when more indices are freed than were allocated.
	ErrOverFree = errors.New("alloc: more frees than allocations")
)

// FreeList is a fixed-capacity free-list allocator of slot indices.
//
// Allocate and Free are O(1). FreeList is not safe for concurrent use;
// it is intended for paths where a single goroutine owns both sides
// (heap slot bookkeeping on the feedback-processing goroutine).
type FreeList struct {
	// free is a stack of available indices.
	free []uint32

	// inUse tracks allocated indices for double-free detection.
	inUse []bool
}

// NewFreeList creates a free-list allocator handing out indices in
// [0, capacity). All indices start available.
func NewFreeList(capacity int) (*FreeList, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}

	f := &FreeList{
		free:  make([]uint32, capacity),
		inUse: make([]bool, capacity),
	}

	// Stack order: index 0 is allocated first.
	for i := range f.free {
		f.free[i] = uint32(capacity - 1 - i)
	}

	return f, nil
}

// Allocate returns an available index. The second result is false when
// the pool is exhausted; exhaustion is a soft condition, not an error.
func (f *FreeList) Allocate() (uint32, bool) {
	n := len(f.free)
	if n == 0 {
		return 0, false
	}

	idx := f.free[n-1]
	f.free = f.free[:n-1]
	f.inUse[idx] = true
	return idx, true
}

// Free returns an index to the pool.
// Freeing an out-of-range or not-allocated index is an invariant
// violation and returns an error without modifying the pool.
func (f *FreeList) Free(idx uint32) error {
	if int(idx) >= len(f.inUse) {
		return fmt.Errorf("%w: %d (capacity %d)", ErrIndexOutOfRange, idx, len(f.inUse))
	}
	if !f.inUse[idx] {
		return fmt.Errorf("%w: %d", ErrDoubleFree, idx)
	}

	f.inUse[idx] = false
	f.free = append(f.free, idx)
	return nil
}

// Capacity returns the total number of indices managed by the allocator.
func (f *FreeList) Capacity() int {
	return len(f.inUse)
}

// Available returns the number of indices currently free.
func (f *FreeList) Available() int {
	return len(f.free)
}

// Allocated returns the number of indices currently handed out.
// Allocated() + Available() == Capacity() at every observation point.
func (f *FreeList) Allocated() int {
	return len(f.inUse) - len(f.free)
}

// InUse reports whether an index is currently allocated.
// Out-of-range indices report false.
func (f *FreeList) InUse(idx uint32) bool {
	return int(idx) < len(f.inUse) && f.inUse[idx]
}
