// Package worker implements the file-streaming backend that copies
// tiles on a pool of goroutines doing blocking reads.
//
// Batches execute strictly in submission order: a dispatch goroutine
// fans each batch's tiles out to the pool, waits for them, and only
// then starts the next batch. The completion fence therefore advances
// one batch at a time.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gogpu/tilestream/backend"
	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/upload"
	"github.com/gogpu/tilestream/texfile"
)

func init() {
	backend.Register(backend.BackendWorker, func(cfg backend.Config) (backend.FileStreamer, error) {
		return New(cfg)
	})
}

// batchQueueDepth bounds batches waiting for the dispatcher. The
// uploader's own list pool is the real bound; this only has to be deep
// enough that submission never blocks under it.
const batchQueueDepth = 256

type copyTask struct {
	list *upload.UpdateList
	idx  int
	wg   *sync.WaitGroup
}

// Streamer is the worker-pool backend.
type Streamer struct {
	device gfx.Device
	log    *slog.Logger

	batches chan *upload.UpdateList
	tasks   chan copyTask

	// signaled counts fences handed out; batchesDone counts batches
	// fully executed. Fence v is complete when batchesDone >= v.
	signaled    atomic.Uint64
	batchesDone atomic.Uint64

	closed     atomic.Bool
	dispatchWG sync.WaitGroup
	workerWG   sync.WaitGroup
}

// New creates a worker backend and starts its goroutines.
func New(cfg backend.Config) (*Streamer, error) {
	if cfg.Device == nil {
		return nil, errors.New("worker: device is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &Streamer{
		device:  cfg.Device,
		log:     log,
		batches: make(chan *upload.UpdateList, batchQueueDepth),
		tasks:   make(chan copyTask, workers*4),
	}

	s.dispatchWG.Add(1)
	go s.dispatch()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s, nil
}

// OpenFile implements backend.FileStreamer.
func (s *Streamer) OpenFile(path string) (backend.TileFile, error) {
	return texfile.Open(path)
}

// StreamTiles implements backend.FileStreamer.
func (s *Streamer) StreamTiles(l *upload.UpdateList) error {
	if s.closed.Load() {
		return backend.ErrClosed
	}
	s.batches <- l
	return nil
}

// Signal implements backend.FileStreamer.
func (s *Streamer) Signal() uint64 {
	return s.signaled.Add(1)
}

// GetCompleted implements backend.FileStreamer.
func (s *Streamer) GetCompleted() uint64 {
	done := s.batchesDone.Load()
	if sig := s.signaled.Load(); sig < done {
		return sig
	}
	return done
}

// dispatch executes batches one at a time in arrival order.
func (s *Streamer) dispatch() {
	defer s.dispatchWG.Done()

	for l := range s.batches {
		if n := l.NumLoads(); n > 0 {
			var wg sync.WaitGroup
			wg.Add(n)
			for i := 0; i < n; i++ {
				s.tasks <- copyTask{list: l, idx: i, wg: &wg}
			}
			wg.Wait()
		}

		// The packed-mip payload is one contiguous read; no fan-out.
		if l.HasPackedMipRequest() {
			s.copyPackedMips(l)
		}

		s.batchesDone.Add(1)
	}
}

func (s *Streamer) worker() {
	defer s.workerWG.Done()
	for t := range s.tasks {
		s.copyTile(t.list, t.idx)
		t.wg.Done()
	}
}

func (s *Streamer) copyTile(l *upload.UpdateList, i int) {
	ld := l.Load(i)
	buf := l.StagingBuffer(i)

	if _, err := l.Source().ReadTile(ld.Coord, buf); err != nil {
		s.log.Warn("tile read failed", "coord", ld.Coord, "err", err)
		l.MarkFailed(i, fmt.Errorf("worker: read tile %v: %w", ld.Coord, err))
		return
	}
	if err := s.device.WriteTile(l.Target().Heap, ld.HeapSlot, buf); err != nil {
		l.MarkFailed(i, fmt.Errorf("worker: write tile %v: %w", ld.Coord, err))
	}
}

func (s *Streamer) copyPackedMips(l *upload.UpdateList) {
	buf := make([]byte, l.Source().PackedMipByteCount())
	if _, err := l.Source().ReadPackedMips(buf); err != nil {
		l.MarkPackedFailed(fmt.Errorf("worker: read packed mips: %w", err))
		return
	}
	if err := s.device.WritePackedMips(l.Target().Texture, buf); err != nil {
		l.MarkPackedFailed(fmt.Errorf("worker: write packed mips: %w", err))
	}
}

// Close implements backend.FileStreamer. It drains accepted batches and
// stops the pool.
func (s *Streamer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	// The dispatcher drains remaining batches before exiting; only then
	// is the task channel quiet and safe to close.
	close(s.batches)
	s.dispatchWG.Wait()
	close(s.tasks)
	s.workerWG.Wait()
	return nil
}
