package gfx

import (
	"fmt"
	"sync"
)

// TileBytes is the size of one tile: the minimum (de)allocation
// granularity of GPU tile memory.
const TileBytes = 64 * 1024

// SoftwareDevice is a CPU implementation of Device.
//
// Tile memory is plain byte slices, fences retire as soon as they are
// signaled, and feedback is injected by the caller instead of being
// produced by sampling hardware. It exists so the engine can run and be
// tested without a GPU, and it enforces the same ordering rules a real
// device would: writing an unmapped slot is an error.
//
// SoftwareDevice is safe for concurrent use.
type SoftwareDevice struct {
	mu sync.Mutex

	textures map[TextureID]*softTexture
	heaps    map[HeapID]*softHeap
	buffers  map[BufferID][]byte

	nextTexture TextureID
	nextHeap    HeapID
	nextBuffer  BufferID

	frameFence uint64

	lost   bool
	closed bool
}

type softTexture struct {
	desc TiledTextureDesc

	// mappings binds virtual tile coordinates to heap slots.
	mappings map[TileCoord]softMapping

	packedHeap  HeapID
	packedSlots []uint32
	packedData  []byte
	transitions int

	// feedback is the pending hardware feedback (injected by tests or
	// the demo); resolved is the CPU-readable copy produced by
	// ResolveFeedback.
	feedback []uint8
	resolved []uint8
}

type softMapping struct {
	heap HeapID
	slot uint32
}

type softHeap struct {
	slots [][]byte // lazily sized to TileBytes on first write

	// mappedRefs counts, per slot, how many virtual tiles are bound to
	// it. WriteTile requires at least one binding.
	mappedRefs []int
}

// NewSoftwareDevice creates an empty software device.
func NewSoftwareDevice() *SoftwareDevice {
	return &SoftwareDevice{
		textures: make(map[TextureID]*softTexture),
		heaps:    make(map[HeapID]*softHeap),
		buffers:  make(map[BufferID][]byte),
	}
}

// CreateTiledTexture implements Device.
func (d *SoftwareDevice) CreateTiledTexture(desc TiledTextureDesc) (TextureID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}

	d.nextTexture++
	id := d.nextTexture
	d.textures[id] = &softTexture{
		desc:     desc,
		mappings: make(map[TileCoord]softMapping),
	}
	return id, nil
}

// DestroyTexture implements Device.
func (d *SoftwareDevice) DestroyTexture(tex TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[tex]; !ok {
		return ErrUnknownTexture
	}
	delete(d.textures, tex)
	return nil
}

// CreateTileHeap implements Device.
func (d *SoftwareDevice) CreateTileHeap(capacityTiles int) (HeapID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}

	d.nextHeap++
	id := d.nextHeap
	d.heaps[id] = &softHeap{
		slots:      make([][]byte, capacityTiles),
		mappedRefs: make([]int, capacityTiles),
	}
	return id, nil
}

// DestroyTileHeap implements Device.
func (d *SoftwareDevice) DestroyTileHeap(h HeapID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.heaps[h]; !ok {
		return ErrUnknownHeap
	}
	delete(d.heaps, h)
	return nil
}

// CreateBuffer implements Device.
func (d *SoftwareDevice) CreateBuffer(size int) (BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}

	d.nextBuffer++
	id := d.nextBuffer
	d.buffers[id] = make([]byte, size)
	return id, nil
}

// WriteBuffer implements Device.
func (d *SoftwareDevice) WriteBuffer(b BufferID, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}

	buf, ok := d.buffers[b]
	if !ok {
		return ErrUnknownBuffer
	}
	if offset < 0 || offset+len(data) > len(buf) {
		return fmt.Errorf("gfx: buffer write out of range: offset %d len %d cap %d",
			offset, len(data), len(buf))
	}
	copy(buf[offset:], data)
	return nil
}

// MapTiles implements Device.
func (d *SoftwareDevice) MapTiles(tex TextureID, h HeapID, coords []TileCoord, slots []uint32) error {
	if len(coords) != len(slots) {
		return ErrMappingMismatch
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}

	t, ok := d.textures[tex]
	if !ok {
		return ErrUnknownTexture
	}
	hp, ok := d.heaps[h]
	if !ok {
		return ErrUnknownHeap
	}

	for i, c := range coords {
		slot := slots[i]
		if int(slot) >= len(hp.slots) {
			return fmt.Errorf("gfx: heap slot %d out of range (capacity %d)", slot, len(hp.slots))
		}
		if old, mapped := t.mappings[c]; mapped {
			d.heaps[old.heap].mappedRefs[old.slot]--
		}
		t.mappings[c] = softMapping{heap: h, slot: slot}
		hp.mappedRefs[slot]++
	}
	return nil
}

// UnmapTiles implements Device.
func (d *SoftwareDevice) UnmapTiles(tex TextureID, coords []TileCoord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}

	t, ok := d.textures[tex]
	if !ok {
		return ErrUnknownTexture
	}

	for _, c := range coords {
		m, mapped := t.mappings[c]
		if !mapped {
			continue
		}
		if hp, ok := d.heaps[m.heap]; ok {
			hp.mappedRefs[m.slot]--
		}
		delete(t.mappings, c)
	}
	return nil
}

// MapPackedMips implements Device.
func (d *SoftwareDevice) MapPackedMips(tex TextureID, h HeapID, slots []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}

	t, ok := d.textures[tex]
	if !ok {
		return ErrUnknownTexture
	}
	hp, ok := d.heaps[h]
	if !ok {
		return ErrUnknownHeap
	}

	for _, slot := range slots {
		if int(slot) >= len(hp.slots) {
			return fmt.Errorf("gfx: heap slot %d out of range (capacity %d)", slot, len(hp.slots))
		}
		hp.mappedRefs[slot]++
	}
	t.packedHeap = h
	t.packedSlots = append([]uint32(nil), slots...)
	return nil
}

// WriteTile implements Device.
func (d *SoftwareDevice) WriteTile(h HeapID, slot uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}

	hp, ok := d.heaps[h]
	if !ok {
		return ErrUnknownHeap
	}
	if int(slot) >= len(hp.slots) {
		return fmt.Errorf("gfx: heap slot %d out of range (capacity %d)", slot, len(hp.slots))
	}
	if hp.mappedRefs[slot] == 0 {
		return fmt.Errorf("%w: heap slot %d", ErrTileNotMapped, slot)
	}

	if hp.slots[slot] == nil {
		hp.slots[slot] = make([]byte, TileBytes)
	}
	copy(hp.slots[slot], data)
	return nil
}

// WritePackedMips implements Device.
func (d *SoftwareDevice) WritePackedMips(tex TextureID, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}

	t, ok := d.textures[tex]
	if !ok {
		return ErrUnknownTexture
	}
	if len(t.packedSlots) == 0 {
		return fmt.Errorf("%w: packed mips", ErrTileNotMapped)
	}
	t.packedData = append(t.packedData[:0], data...)
	return nil
}

// TransitionPackedMips implements Device.
func (d *SoftwareDevice) TransitionPackedMips(tex TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return ErrUnknownTexture
	}
	t.transitions++
	return nil
}

// ClearFeedback implements Device.
func (d *SoftwareDevice) ClearFeedback(tex TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return ErrUnknownTexture
	}
	for i := range t.feedback {
		t.feedback[i] = FeedbackNotRequested
	}
	return nil
}

// ResolveFeedback implements Device.
func (d *SoftwareDevice) ResolveFeedback(tex TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return ErrUnknownTexture
	}
	t.resolved = append(t.resolved[:0], t.feedback...)
	return nil
}

// ReadFeedback implements Device.
func (d *SoftwareDevice) ReadFeedback(tex TextureID, dst []uint8) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return 0, ErrUnknownTexture
	}
	return copy(dst, t.resolved), nil
}

// SignalFrameFence implements Device. Fences retire immediately.
func (d *SoftwareDevice) SignalFrameFence(value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if value > d.frameFence {
		d.frameFence = value
	}
	return nil
}

// CompletedFrameFence implements Device.
func (d *SoftwareDevice) CompletedFrameFence() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameFence
}

// Err implements Device.
func (d *SoftwareDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return ErrDeviceLost
	}
	return nil
}

// Close implements Device.
func (d *SoftwareDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *SoftwareDevice) usableLocked() error {
	if d.closed {
		return ErrDeviceClosed
	}
	if d.lost {
		return ErrDeviceLost
	}
	return nil
}

// ============================================================
// Test and tooling hooks (not part of the Device interface)
// ============================================================

// SetFeedback injects synthetic hardware feedback for tex: one byte per
// mip-0 tile footprint. The next ResolveFeedback snapshots it.
func (d *SoftwareDevice) SetFeedback(tex TextureID, minMips []uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return ErrUnknownTexture
	}
	t.feedback = append(t.feedback[:0], minMips...)
	return nil
}

// LoseDevice simulates device loss. All subsequent operations fail with
// ErrDeviceLost.
func (d *SoftwareDevice) LoseDevice() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
}

// TileData returns a copy of the contents of a heap slot, or nil if the
// slot has never been written.
func (d *SoftwareDevice) TileData(h HeapID, slot uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	hp, ok := d.heaps[h]
	if !ok || int(slot) >= len(hp.slots) || hp.slots[slot] == nil {
		return nil
	}
	return append([]byte(nil), hp.slots[slot]...)
}

// MappedSlot reports the heap slot a tile coordinate is bound to.
func (d *SoftwareDevice) MappedSlot(tex TextureID, c TileCoord) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return 0, false
	}
	m, mapped := t.mappings[c]
	return m.slot, mapped
}

// MappedTileCount returns the number of currently bound tile coordinates.
func (d *SoftwareDevice) MappedTileCount(tex TextureID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return 0
	}
	return len(t.mappings)
}

// PackedMipData returns a copy of the packed-mip payload of tex.
func (d *SoftwareDevice) PackedMipData(tex TextureID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return nil
	}
	return append([]byte(nil), t.packedData...)
}

// PackedMipTransitions returns how many packed-mip barriers ran for tex.
func (d *SoftwareDevice) PackedMipTransitions(tex TextureID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return 0
	}
	return t.transitions
}

// BufferData returns a copy of a buffer's contents.
func (d *SoftwareDevice) BufferData(b BufferID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return nil
	}
	return append([]byte(nil), buf...)
}
