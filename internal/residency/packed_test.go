package residency

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/tilestream/internal/heap"
)

func newPackedResource(t *testing.T, heapCapacity int) (*Resource, *heap.Heap) {
	t.Helper()

	hp, _ := heap.New(heapCapacity)
	r, err := New(Desc{
		Name: "packed",
		MipTiles: []MipDim{
			{WidthTiles: 2, HeightTiles: 2},
		},
		PackedTileCount: 1,
		NumPackedMips:   5,
	}, hp, 2, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, hp
}

func TestPackedMipLifecycle(t *testing.T) {
	r, hp := newPackedResource(t, 8)

	if got := r.PackedStatus(); got != PackedMipsUninitialized {
		t.Fatalf("expected Uninitialized, got %s", got)
	}

	slots, ok := r.InitPackedMips()
	if !ok || len(slots) != 1 {
		t.Fatalf("InitPackedMips: ok=%v slots=%v", ok, slots)
	}
	if got := r.PackedStatus(); got != PackedMipsHeapReserved {
		t.Fatalf("expected HeapReserved, got %s", got)
	}
	if hp.Allocated() != 1 {
		t.Errorf("expected 1 heap slot reserved, got %d", hp.Allocated())
	}

	// Re-init is a no-op.
	if _, ok := r.InitPackedMips(); ok {
		t.Error("second InitPackedMips should refuse")
	}

	b := r.QueueTiles(noLimit, noLimit)
	if !b.PackedMipRequest {
		t.Fatal("expected packed-mip request in the first batch")
	}
	if got := r.PackedStatus(); got != PackedMipsRequested {
		t.Fatalf("expected Requested, got %s", got)
	}

	// The request appears exactly once.
	if b = r.QueueTiles(noLimit, noLimit); b.PackedMipRequest {
		t.Error("packed-mip request repeated")
	}

	r.NotifyPackedMips()
	if got := r.PackedStatus(); got != PackedMipsNeedsTransition {
		t.Fatalf("expected NeedsTransition, got %s", got)
	}

	if !r.TakePackedMipTransition() {
		t.Fatal("expected a pending transition")
	}
	if got := r.PackedStatus(); got != PackedMipsResident {
		t.Fatalf("expected Resident, got %s", got)
	}
	if r.TakePackedMipTransition() {
		t.Error("transition taken twice")
	}
	if !r.PackedMipsResident() {
		t.Error("PackedMipsResident should report true")
	}
}

// TestScenarioC: packed mips never enter the per-tile grid or the
// eviction path; once resident they are never evicted.
func TestScenarioC(t *testing.T) {
	r, hp := newPackedResource(t, 8)

	slots, _ := r.InitPackedMips()
	r.QueueTiles(noLimit, noLimit)
	r.NotifyPackedMips()
	r.TakePackedMipTransition()

	// Standard grid holds only the 2x2 mip: packed tiles are absent.
	if got := r.NumTilesVirtual(); got != 5 { // 4 standard + 1 packed
		t.Errorf("expected 5 virtual tiles, got %d", got)
	}

	// Force everything to zero refs and run the delay out several times
	// over: no eviction batch ever names a packed slot, and the packed
	// heap slot stays allocated.
	r.QueueEviction()
	r.ProcessFeedback(0, nil)
	for i := 0; i < 6; i++ {
		b := r.QueueTiles(noLimit, noLimit)
		if len(b.Evictions) != 0 {
			t.Fatalf("cycle %d: evictions on a resource with nothing resident", i)
		}
	}

	if hp.Allocated() != len(slots) {
		t.Errorf("packed heap slots were released: %d allocated, want %d",
			hp.Allocated(), len(slots))
	}
	if got := r.PackedStatus(); got != PackedMipsResident {
		t.Errorf("packed status regressed to %s", got)
	}
}

// Concurrent InitPackedMips callers must reserve the packed region
// exactly once; a lost race must not leak heap slots.
func TestInitPackedMipsConcurrent(t *testing.T) {
	for iter := 0; iter < 200; iter++ {
		hp, _ := heap.New(32)
		r, err := New(Desc{
			Name:            "packed",
			MipTiles:        []MipDim{{WidthTiles: 2, HeightTiles: 2}},
			PackedTileCount: 8,
			NumPackedMips:   5,
		}, hp, 2, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		var successes atomic.Int32
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok := r.InitPackedMips(); ok {
					successes.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := successes.Load(); got != 1 {
			t.Fatalf("iter %d: %d successful reservations, want 1", iter, got)
		}
		if got := hp.Allocated(); got != 8 {
			t.Fatalf("iter %d: heap allocated %d, want 8", iter, got)
		}
		if got := r.PackedStatus(); got != PackedMipsHeapReserved {
			t.Fatalf("iter %d: status %s, want HeapReserved", iter, got)
		}
	}
}

func TestInitPackedMipsHeapExhaustion(t *testing.T) {
	hp, _ := heap.New(1)
	hp.Allocate() // fill the heap

	r, err := New(Desc{
		Name:            "packed",
		MipTiles:        []MipDim{{WidthTiles: 1, HeightTiles: 1}},
		PackedTileCount: 1,
		NumPackedMips:   3,
	}, hp, 2, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, ok := r.InitPackedMips(); ok {
		t.Fatal("expected soft failure on exhausted heap")
	}
	if got := r.PackedStatus(); got != PackedMipsUninitialized {
		t.Fatalf("soft failure advanced status to %s", got)
	}

	// Retry succeeds once capacity frees up.
	if err := hp.Free(0); err != nil {
		t.Fatalf("free failed: %v", err)
	}
	if _, ok := r.InitPackedMips(); !ok {
		t.Error("expected retry to succeed")
	}
}
