// Package alloc provides fixed-capacity slot-index allocators used by the
// tile heap and the upload pipeline.
//
// Two allocators are provided:
//
//   - FreeList: a single-threaded O(1) allocator for code paths where one
//     goroutine both allocates and frees (the per-resource heap bookkeeping).
//   - Ring: a lock-free single-producer/single-consumer allocator for the
//     pipeline stages where one goroutine allocates slots and a different
//     goroutine returns them (UpdateList and upload-buffer recycling).
//
// Both hand out indices in [0, capacity). Exhaustion is not an error: the
// streaming engine treats an empty pool as "try again next cycle". Misuse
// (double free, out-of-range free, over-free) is reported as an explicit
// error so callers can surface invariant violations instead of corrupting
// pool state.
package alloc
