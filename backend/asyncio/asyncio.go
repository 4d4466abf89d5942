// Package asyncio implements the file-streaming backend modeled on a
// hardware I/O queue: every tile read is an independent request on a
// bounded queue, requests complete out of order, and the fence frontier
// advances only over contiguously finished batches.
package asyncio

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
	backend.Register(backend.BackendAsyncIO, func(cfg backend.Config) (backend.FileStreamer, error) {
		return New(cfg)
	})
}

// request is one queue entry: a single tile read or the packed-mip
// read of its batch.
type request struct {
	list   *upload.UpdateList
	idx    int
	packed bool

	seq       uint64
	remaining *atomic.Int32
}

// Streamer is the async-queue backend.
type Streamer struct {
	device gfx.Device
	log    *slog.Logger

	// queue is the bounded request queue. Submission blocks when it is
	// full, which is the queue-depth backpressure of the model.
	queue chan request

	// nextSeq numbers batches in submission order; only the submitting
	// goroutine touches it.
	nextSeq uint64

	signaled atomic.Uint64

	// mu guards the completion frontier. Batches can finish out of
	// order; frontier only advances over a contiguous done prefix.
	mu       sync.Mutex
	finished map[uint64]struct{}
	frontier uint64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates an asyncio backend and starts its completion goroutines.
func New(cfg backend.Config) (*Streamer, error) {
	if cfg.Device == nil {
		return nil, errors.New("asyncio: device is required")
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = backend.DefaultQueueDepth
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &Streamer{
		device:   cfg.Device,
		log:      log,
		queue:    make(chan request, depth),
		finished: make(map[uint64]struct{}),
	}

	// One consumer per CPU keeps reads overlapped without modeling
	// per-channel hardware lanes.
	consumers := runtime.GOMAXPROCS(0)
	s.wg.Add(consumers)
	for i := 0; i < consumers; i++ {
		go s.consume()
	}
	return s, nil
}

// OpenFile implements backend.FileStreamer.
func (s *Streamer) OpenFile(path string) (backend.TileFile, error) {
	return texfile.Open(path)
}

// StreamTiles implements backend.FileStreamer. Each tile becomes an
// independent queue request; the batch is finished when its last
// request retires.
func (s *Streamer) StreamTiles(l *upload.UpdateList) error {
	if s.closed.Load() {
		return backend.ErrClosed
	}

	s.nextSeq++
	seq := s.nextSeq

	total := l.NumLoads()
	if l.HasPackedMipRequest() {
		total++
	}
	if total == 0 {
		// Eviction-only batch: no I/O, finished on arrival.
		s.finishBatch(seq)
		return nil
	}

	remaining := new(atomic.Int32)
	remaining.Store(int32(total))

	for i := 0; i < l.NumLoads(); i++ {
		s.queue <- request{list: l, idx: i, seq: seq, remaining: remaining}
	}
	if l.HasPackedMipRequest() {
		s.queue <- request{list: l, packed: true, seq: seq, remaining: remaining}
	}
	return nil
}

// Signal implements backend.FileStreamer.
func (s *Streamer) Signal() uint64 {
	return s.signaled.Add(1)
}

// GetCompleted implements backend.FileStreamer.
func (s *Streamer) GetCompleted() uint64 {
	s.mu.Lock()
	frontier := s.frontier
	s.mu.Unlock()

	if sig := s.signaled.Load(); sig < frontier {
		return sig
	}
	return frontier
}

func (s *Streamer) consume() {
	defer s.wg.Done()
	for req := range s.queue {
		if req.packed {
			s.copyPackedMips(req.list)
		} else {
			s.copyTile(req.list, req.idx)
		}
		if req.remaining.Add(-1) == 0 {
			s.finishBatch(req.seq)
		}
	}
}

func (s *Streamer) copyTile(l *upload.UpdateList, i int) {
	ld := l.Load(i)
	buf := l.StagingBuffer(i)

	if _, err := l.Source().ReadTile(ld.Coord, buf); err != nil {
		s.log.Warn("tile read failed", "coord", ld.Coord, "err", err)
		l.MarkFailed(i, fmt.Errorf("asyncio: read tile %v: %w", ld.Coord, err))
		return
	}
	if err := s.device.WriteTile(l.Target().Heap, ld.HeapSlot, buf); err != nil {
		l.MarkFailed(i, fmt.Errorf("asyncio: write tile %v: %w", ld.Coord, err))
	}
}

func (s *Streamer) copyPackedMips(l *upload.UpdateList) {
	buf := make([]byte, l.Source().PackedMipByteCount())
	if _, err := l.Source().ReadPackedMips(buf); err != nil {
		l.MarkPackedFailed(fmt.Errorf("asyncio: read packed mips: %w", err))
		return
	}
	if err := s.device.WritePackedMips(l.Target().Texture, buf); err != nil {
		l.MarkPackedFailed(fmt.Errorf("asyncio: write packed mips: %w", err))
	}
}

// finishBatch marks seq done and advances the frontier across every
// contiguously finished batch.
func (s *Streamer) finishBatch(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finished[seq] = struct{}{}
	for {
		if _, ok := s.finished[s.frontier+1]; !ok {
			return
		}
		delete(s.finished, s.frontier+1)
		s.frontier++
	}
}

// Close implements backend.FileStreamer. It drains queued requests and
// stops the consumers.
func (s *Streamer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.queue)
	s.wg.Wait()
	return nil
}
