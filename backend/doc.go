// Package backend provides a pluggable file-streaming backend abstraction.
//
// A backend opens tile container files and executes batches of tile
// copies (file read, staging copy, device write), exposing completion
// through a monotonically increasing fence. Two implementations exist:
//
//   - "worker": a pool of copy goroutines doing blocking reads, one
//     batch at a time in submission order.
//   - "asyncio": a bounded request queue that overlaps reads and
//     completes them out of order, with a contiguous fence frontier.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime:
//
//	import (
//		_ "github.com/gogpu/tilestream/backend/asyncio"
//		_ "github.com/gogpu/tilestream/backend/worker"
//	)
//
// # Backend Selection
//
// Use Default() for the best available backend, or Get() to request a
// specific one by name:
//
//	fs, err := backend.Default(backend.Config{Device: dev})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer fs.Close()
//
// # Fence Contract
//
// StreamTiles then Signal are called from one goroutine; GetCompleted
// may be polled from any goroutine. A fence value is completed only
// when every batch accepted before it has fully executed, regardless of
// the order the backend finishes work internally.
package backend
