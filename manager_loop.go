package tilestream

import (
	"errors"
	"time"

	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/internal/upload"
)

// loopPollInterval is the retry cadence for deferred work (heap or pool
// exhaustion, fences not yet retired) when no frame wakes the loop.
const loopPollInterval = 500 * time.Microsecond

// feedbackLoop is the background goroutine driving the streaming
// cycles: wait for the frame fence, consume resolved feedback, decide
// loads and evictions, and submit the batches.
func (m *TileUpdateManager) feedbackLoop() {
	defer m.wg.Done()

	timer := time.NewTimer(loopPollInterval)
	defer timer.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		case <-timer.C:
		}

		m.runCycles()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(loopPollInterval)
	}
}

// runCycles runs one streaming cycle for every resource with work.
func (m *TileUpdateManager) runCycles() {
	completed := m.device.CompletedFrameFence()

	m.mu.Lock()
	resources := append([]*StreamingResource(nil), m.resources...)
	m.mu.Unlock()

	for _, sr := range resources {
		if m.closed.Load() {
			return
		}
		m.tryInitPackedMips(sr)

		// One cycle per retired frame: the eviction delay advances once
		// per QueueTiles call, so running cycles faster than frames
		// would shrink the delay below the in-flight frame depth.
		if completed < sr.nextCycleFence {
			continue
		}
		if !sr.res.HasWork(completed) {
			continue
		}
		sr.nextCycleFence = completed + 1

		if err := m.runCycle(sr, completed); err != nil {
			if errors.Is(err, gfx.ErrDeviceLost) || errors.Is(err, gfx.ErrDeviceClosed) {
				// Terminal: the device is gone, stop streaming entirely.
				m.log.Error("device lost; streaming stopped", "err", err)
				return
			}
			m.log.Warn("streaming cycle failed", "resource", sr.name, "err", err)
		}
	}
}

// runCycle consumes a resource's feedback and submits one batch.
func (m *TileUpdateManager) runCycle(sr *StreamingResource, completed uint64) error {
	if n, err := m.device.ReadFeedback(sr.tex, sr.feedbackBuf); err == nil && n > 0 {
		sr.res.ProcessFeedback(completed, sr.feedbackBuf[:n])
	} else {
		// No resolved feedback on the device; still consume a pending
		// force-zero request.
		sr.res.ProcessFeedback(completed, nil)
	}

	// Grab the list before deciding tiles: QueueTiles commits state
	// transitions that must reach the pipeline, so a pool soft-failure
	// has to defer the whole cycle instead.
	l, ok := m.uploader.AllocateUpdateList(sr.res, sr.file, upload.Target{
		Texture: sr.tex,
		Heap:    sr.heap.id,
	})
	if !ok {
		m.log.Debug("update list pool exhausted; cycle deferred", "resource", sr.name)
		return nil
	}

	maxLoads := m.cfg.MaxTilesPerCycle
	if avail := m.uploader.StagingAvailable(); avail < maxLoads {
		maxLoads = avail
	}

	b := sr.res.QueueTiles(maxLoads, m.cfg.MaxEvictionsPerCycle)
	if b.Empty() {
		return m.uploader.FreeEmptyUpdateList(l)
	}

	for _, op := range b.Loads {
		l.AddUpdate(op.Coord, op.HeapSlot)
	}
	for _, c := range b.Evictions {
		l.AddEviction(c)
	}
	if b.PackedMipRequest {
		l.AddPackedMipRequest()
	}

	m.log.Debug("batch submitted",
		"resource", sr.name, "loads", len(b.Loads), "evictions", len(b.Evictions),
		"packed", b.PackedMipRequest)
	return m.uploader.SubmitUpdateList(l)
}
