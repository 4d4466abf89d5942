package wgpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/tilestream/gfx"
)

// Device errors.
var (
	// ErrNoAdapter is returned by New when no GPU adapter is available.
	ErrNoAdapter = errors.New("wgpu: no GPU adapter available")
)

// invalidSlot marks an unmapped page table entry.
const invalidSlot = 0xFFFFFFFF

// kernelTimeout bounds how long a feedback kernel submission may take.
const kernelTimeout = 5 * time.Second

// Options configures a Device.
type Options struct {
	// Logger receives structured diagnostics. nil discards them.
	Logger *slog.Logger
}

// Device implements gfx.Device on gogpu/wgpu.
//
// See the package documentation for the emulation model. Device is safe
// for concurrent use.
type Device struct {
	hal   hal.Device
	queue hal.Queue
	log   *slog.Logger

	// instance is owned by the standalone New path; nil when the HAL
	// device was adopted through NewFromHAL.
	instance hal.Instance
	ownsHAL  bool

	kernels *feedbackKernels

	frameFence hal.Fence
	opFence    hal.Fence

	// signaled and completed cache the frame fence frontier.
	signaled  atomic.Uint64
	completed atomic.Uint64

	mu       sync.Mutex
	opValue  uint64
	textures map[gfx.TextureID]*tiledTexture
	heaps    map[gfx.HeapID]*tileHeap
	buffers  map[gfx.BufferID]hal.Buffer

	// pendingCmds holds frame fence command buffers until their fence
	// value retires.
	pendingCmds []pendingCmd

	nextTexture gfx.TextureID
	nextHeap    gfx.HeapID
	nextBuffer  gfx.BufferID

	closed bool
}

type pendingCmd struct {
	value uint64
	buf   hal.CommandBuffer
}

type tileHeap struct {
	buf      hal.Buffer
	capacity int
}

// mipGrid is the tile grid of one standard mip level.
type mipGrid struct {
	widthTiles  int
	heightTiles int

	// offset is the mip's first index in the page table.
	offset int
}

type tiledTexture struct {
	desc gfx.TiledTextureDesc

	mips             []mipGrid
	numStandardTiles int

	// footprints is the mip-0 tile count, one feedback entry each.
	footprints    int
	resolvedWords int

	// pageTable is the CPU mirror of pageTableBuf: one heap slot (or
	// invalidSlot) per standard virtual tile, mip-major, row-major.
	pageTable    []uint32
	pageTableBuf hal.Buffer

	// feedbackBuf holds one u32 per footprint, written by the sampling
	// shader with atomicMin. resolvedBuf is its byte-packed form,
	// readbackBuf the CPU-readable staging copy.
	feedbackBuf hal.Buffer
	resolvedBuf hal.Buffer
	readbackBuf hal.Buffer
	paramsBuf   hal.Buffer

	// packedBuf lists the packed-mip heap slots for the sampling shader.
	packedBuf   hal.Buffer
	packedHeap  *tileHeap
	packedSlots []uint32

	resolveDone bool
}

// New creates a standalone Device on the first usable Vulkan adapter,
// preferring discrete over integrated GPUs.
func New(opts Options) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not compiled in", ErrNoAdapter)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		for i := range adapters {
			if adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
				selected = &adapters[i]
				break
			}
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	d, err := NewFromHAL(openDev.Device, openDev.Queue, opts)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance
	d.ownsHAL = true
	d.log.Info("wgpu device created", "adapter", selected.Info.Name)
	return d, nil
}

// NewFromHAL wraps an externally owned HAL device and queue. The caller
// keeps ownership of both; Close releases only the Device's own objects.
func NewFromHAL(device hal.Device, queue hal.Queue, opts Options) (*Device, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	kernels, err := newFeedbackKernels(device)
	if err != nil {
		return nil, err
	}
	frameFence, err := device.CreateFence()
	if err != nil {
		kernels.destroy()
		return nil, fmt.Errorf("wgpu: create frame fence: %w", err)
	}
	opFence, err := device.CreateFence()
	if err != nil {
		device.DestroyFence(frameFence)
		kernels.destroy()
		return nil, fmt.Errorf("wgpu: create op fence: %w", err)
	}

	return &Device{
		hal:        device,
		queue:      queue,
		log:        log,
		kernels:    kernels,
		frameFence: frameFence,
		opFence:    opFence,
		textures:   make(map[gfx.TextureID]*tiledTexture),
		heaps:      make(map[gfx.HeapID]*tileHeap),
		buffers:    make(map[gfx.BufferID]hal.Buffer),
	}, nil
}

func (d *Device) usableLocked() error {
	if d.closed {
		return gfx.ErrDeviceClosed
	}
	return nil
}

// standardMips derives the standard-mip tile grids from a texture
// descriptor. Mips smaller than one tile in both axes are packed and do
// not appear in the page table.
func standardMips(desc gfx.TiledTextureDesc) ([]mipGrid, int) {
	dx, dy := desc.Size.Width, desc.Size.Height
	tw, th := desc.TileTexelWidth, desc.TileTexelHeight

	var mips []mipGrid
	offset := 0
	for level := uint32(0); level < desc.MipLevels; level++ {
		if dx < tw && dy < th {
			break
		}
		g := mipGrid{
			widthTiles:  int((dx + tw - 1) / tw),
			heightTiles: int((dy + th - 1) / th),
			offset:      offset,
		}
		mips = append(mips, g)
		offset += g.widthTiles * g.heightTiles

		dx = max(dx/2, 1)
		dy = max(dy/2, 1)
	}
	return mips, offset
}

// tileIndex maps a tile coordinate to its page table index.
func (t *tiledTexture) tileIndex(c gfx.TileCoord) (int, error) {
	if int(c.Mip) >= len(t.mips) {
		return 0, fmt.Errorf("wgpu: tile %+v: mip out of range", c)
	}
	g := t.mips[c.Mip]
	if int(c.X) >= g.widthTiles || int(c.Y) >= g.heightTiles {
		return 0, fmt.Errorf("wgpu: tile %+v: outside %dx%d grid", c, g.widthTiles, g.heightTiles)
	}
	return g.offset + int(c.Y)*g.widthTiles + int(c.X), nil
}

// bufferBytes returns a buffer size with the minimum binding guarantee.
func bufferBytes(n int) uint64 {
	if n < 4 {
		n = 4
	}
	return uint64(n)
}

// CreateTiledTexture implements gfx.Device.
func (d *Device) CreateTiledTexture(desc gfx.TiledTextureDesc) (gfx.TextureID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}

	mips, numTiles := standardMips(desc)
	t := &tiledTexture{
		desc:             desc,
		mips:             mips,
		numStandardTiles: numTiles,
		pageTable:        make([]uint32, numTiles),
	}
	if len(mips) > 0 {
		t.footprints = mips[0].widthTiles * mips[0].heightTiles
	}
	t.resolvedWords = (t.footprints + 3) / 4
	for i := range t.pageTable {
		t.pageTable[i] = invalidSlot
	}

	label := desc.Label
	if label == "" {
		label = "tiled_texture"
	}
	specs := []struct {
		target *hal.Buffer
		suffix string
		size   uint64
		usage  gputypes.BufferUsage
	}{
		{&t.pageTableBuf, "_page_table", bufferBytes(numTiles * 4),
			gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst},
		{&t.feedbackBuf, "_feedback", bufferBytes(t.footprints * 4),
			gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst},
		{&t.resolvedBuf, "_resolved", bufferBytes(t.resolvedWords * 4),
			gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc},
		{&t.readbackBuf, "_readback", bufferBytes(t.resolvedWords * 4),
			gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst},
		{&t.paramsBuf, "_params", 16,
			gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst},
	}
	for _, s := range specs {
		buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
			Label: label + s.suffix,
			Size:  s.size,
			Usage: s.usage,
		})
		if err != nil {
			d.destroyTextureLocked(t)
			return 0, fmt.Errorf("wgpu: create %s buffer: %w", s.suffix, err)
		}
		*s.target = buf
	}

	params := make([]byte, 16)
	binary.LittleEndian.PutUint32(params, uint32(t.footprints))
	d.queue.WriteBuffer(t.paramsBuf, 0, params)
	d.queue.WriteBuffer(t.pageTableBuf, 0, u32Bytes(t.pageTable))

	d.nextTexture++
	id := d.nextTexture
	d.textures[id] = t

	d.log.Debug("tiled texture created", "label", label,
		"standardMips", len(mips), "standardTiles", numTiles, "footprints", t.footprints)
	return id, nil
}

// DestroyTexture implements gfx.Device.
func (d *Device) DestroyTexture(tex gfx.TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return gfx.ErrUnknownTexture
	}
	d.destroyTextureLocked(t)
	delete(d.textures, tex)
	return nil
}

func (d *Device) destroyTextureLocked(t *tiledTexture) {
	for _, buf := range []hal.Buffer{
		t.pageTableBuf, t.feedbackBuf, t.resolvedBuf, t.readbackBuf, t.paramsBuf, t.packedBuf,
	} {
		if buf != nil {
			d.hal.DestroyBuffer(buf)
		}
	}
}

// CreateTileHeap implements gfx.Device.
func (d *Device) CreateTileHeap(capacityTiles int) (gfx.HeapID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}

	buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: "tile_pool",
		Size:  uint64(capacityTiles) * gfx.TileBytes,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create tile pool: %w", err)
	}

	d.nextHeap++
	id := d.nextHeap
	d.heaps[id] = &tileHeap{buf: buf, capacity: capacityTiles}
	return id, nil
}

// DestroyTileHeap implements gfx.Device.
func (d *Device) DestroyTileHeap(h gfx.HeapID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hp, ok := d.heaps[h]
	if !ok {
		return gfx.ErrUnknownHeap
	}
	d.hal.DestroyBuffer(hp.buf)
	delete(d.heaps, h)
	return nil
}

// CreateBuffer implements gfx.Device.
func (d *Device) CreateBuffer(size int) (gfx.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}

	buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: "residency",
		Size:  bufferBytes(size),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create buffer: %w", err)
	}

	d.nextBuffer++
	id := d.nextBuffer
	d.buffers[id] = buf
	return id, nil
}

// WriteBuffer implements gfx.Device.
func (d *Device) WriteBuffer(b gfx.BufferID, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	buf, ok := d.buffers[b]
	if !ok {
		return gfx.ErrUnknownBuffer
	}
	d.queue.WriteBuffer(buf, uint64(offset), data)
	return nil
}

// MapTiles implements gfx.Device.
func (d *Device) MapTiles(tex gfx.TextureID, h gfx.HeapID, coords []gfx.TileCoord, slots []uint32) error {
	if len(coords) != len(slots) {
		return gfx.ErrMappingMismatch
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	t, ok := d.textures[tex]
	if !ok {
		return gfx.ErrUnknownTexture
	}
	hp, ok := d.heaps[h]
	if !ok {
		return gfx.ErrUnknownHeap
	}

	for i, c := range coords {
		idx, err := t.tileIndex(c)
		if err != nil {
			return err
		}
		if int(slots[i]) >= hp.capacity {
			return fmt.Errorf("wgpu: slot %d exceeds pool capacity %d", slots[i], hp.capacity)
		}
		t.pageTable[idx] = slots[i]
		d.writeTableEntry(t, idx)
	}
	return nil
}

// UnmapTiles implements gfx.Device.
func (d *Device) UnmapTiles(tex gfx.TextureID, coords []gfx.TileCoord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	t, ok := d.textures[tex]
	if !ok {
		return gfx.ErrUnknownTexture
	}

	for _, c := range coords {
		idx, err := t.tileIndex(c)
		if err != nil {
			return err
		}
		t.pageTable[idx] = invalidSlot
		d.writeTableEntry(t, idx)
	}
	return nil
}

func (d *Device) writeTableEntry(t *tiledTexture, idx int) {
	var entry [4]byte
	binary.LittleEndian.PutUint32(entry[:], t.pageTable[idx])
	d.queue.WriteBuffer(t.pageTableBuf, uint64(idx)*4, entry[:])
}

// MapPackedMips implements gfx.Device.
func (d *Device) MapPackedMips(tex gfx.TextureID, h gfx.HeapID, slots []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	t, ok := d.textures[tex]
	if !ok {
		return gfx.ErrUnknownTexture
	}
	hp, ok := d.heaps[h]
	if !ok {
		return gfx.ErrUnknownHeap
	}

	if t.packedBuf == nil {
		buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
			Label: t.desc.Label + "_packed_slots",
			Size:  bufferBytes(len(slots) * 4),
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create packed slot table: %w", err)
		}
		t.packedBuf = buf
	}
	t.packedHeap = hp
	t.packedSlots = append(t.packedSlots[:0], slots...)
	if len(slots) > 0 {
		d.queue.WriteBuffer(t.packedBuf, 0, u32Bytes(slots))
	}
	return nil
}

// WriteTile implements gfx.Device.
func (d *Device) WriteTile(h gfx.HeapID, slot uint32, data []byte) error {
	if len(data) != gfx.TileBytes {
		return fmt.Errorf("wgpu: tile payload is %d bytes, want %d", len(data), gfx.TileBytes)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	hp, ok := d.heaps[h]
	if !ok {
		return gfx.ErrUnknownHeap
	}
	if int(slot) >= hp.capacity {
		return fmt.Errorf("wgpu: slot %d exceeds pool capacity %d", slot, hp.capacity)
	}

	d.queue.WriteBuffer(hp.buf, uint64(slot)*gfx.TileBytes, data)
	return nil
}

// WritePackedMips implements gfx.Device.
func (d *Device) WritePackedMips(tex gfx.TextureID, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	t, ok := d.textures[tex]
	if !ok {
		return gfx.ErrUnknownTexture
	}
	if len(t.packedSlots) == 0 {
		return gfx.ErrTileNotMapped
	}

	for i, slot := range t.packedSlots {
		off := i * gfx.TileBytes
		if off >= len(data) {
			break
		}
		end := min(off+gfx.TileBytes, len(data))
		d.queue.WriteBuffer(t.packedHeap.buf, uint64(slot)*gfx.TileBytes, data[off:end])
	}
	return nil
}

// TransitionPackedMips implements gfx.Device.
//
// Queue submission order already serializes the packed-mip copies
// against later render passes, so no barrier has to be recorded.
func (d *Device) TransitionPackedMips(tex gfx.TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if _, ok := d.textures[tex]; !ok {
		return gfx.ErrUnknownTexture
	}
	return nil
}

// ClearFeedback implements gfx.Device.
func (d *Device) ClearFeedback(tex gfx.TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	t, ok := d.textures[tex]
	if !ok {
		return gfx.ErrUnknownTexture
	}
	if t.footprints == 0 {
		return nil
	}

	wgCount := uint32((t.footprints + kernelWGSize - 1) / kernelWGSize)
	return d.submitKernelLocked(kernelClear, wgCount, nil, t.paramsBuf, t.feedbackBuf)
}

// ResolveFeedback implements gfx.Device.
func (d *Device) ResolveFeedback(tex gfx.TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	t, ok := d.textures[tex]
	if !ok {
		return gfx.ErrUnknownTexture
	}
	if t.footprints == 0 {
		return nil
	}

	wgCount := uint32((t.resolvedWords + kernelWGSize - 1) / kernelWGSize)
	cp := &kernelCopy{
		src:    t.resolvedBuf,
		dst:    t.readbackBuf,
		region: hal.BufferCopy{Size: uint64(t.resolvedWords) * 4},
	}
	err := d.submitKernelLocked(kernelResolve, wgCount, cp,
		t.paramsBuf, t.feedbackBuf, t.resolvedBuf)
	if err != nil {
		return err
	}
	t.resolveDone = true
	return nil
}

// kernelCopy is a buffer copy appended after a kernel's compute pass.
type kernelCopy struct {
	src, dst hal.Buffer
	region   hal.BufferCopy
}

// submitKernelLocked records one kernel dispatch, submits it, and waits
// for completion so the transient objects can be released.
func (d *Device) submitKernelLocked(k feedbackKernel, wgCount uint32, cp *kernelCopy, bufs ...hal.Buffer) error {
	encoder, err := d.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: k.String()})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(k.String()); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	bg, err := d.kernels.bindGroup(k, bufs...)
	if err != nil {
		encoder.DiscardEncoding()
		return fmt.Errorf("wgpu: create bind group for %s: %w", k, err)
	}
	defer d.hal.DestroyBindGroup(bg)

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: k.String()})
	pass.SetPipeline(d.kernels.pipelines[k])
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(wgCount, 1, 1)
	pass.End()

	if cp != nil {
		encoder.CopyBufferToBuffer(cp.src, cp.dst, []hal.BufferCopy{cp.region})
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.hal.FreeCommandBuffer(cmdBuf)

	d.opValue++
	v := d.opValue
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, d.opFence, v); err != nil {
		return fmt.Errorf("wgpu: submit %s: %w", k, err)
	}
	ok, err := d.hal.Wait(d.opFence, v, kernelTimeout)
	if err != nil {
		return fmt.Errorf("wgpu: wait for %s: %w", k, err)
	}
	if !ok {
		return fmt.Errorf("wgpu: %s timed out after %v", k, kernelTimeout)
	}
	return nil
}

// ReadFeedback implements gfx.Device.
func (d *Device) ReadFeedback(tex gfx.TextureID, dst []uint8) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	t, ok := d.textures[tex]
	if !ok {
		return 0, gfx.ErrUnknownTexture
	}
	if !t.resolveDone || t.footprints == 0 {
		return 0, nil
	}

	tmp := make([]byte, t.resolvedWords*4)
	if err := d.queue.ReadBuffer(t.readbackBuf, 0, tmp); err != nil {
		return 0, fmt.Errorf("wgpu: feedback readback: %w", err)
	}
	return copy(dst, tmp[:min(len(tmp), t.footprints)]), nil
}

// SignalFrameFence implements gfx.Device.
func (d *Device) SignalFrameFence(value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}

	encoder, err := d.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "frame_fence"})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("frame_fence"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, d.frameFence, value); err != nil {
		d.hal.FreeCommandBuffer(cmdBuf)
		return fmt.Errorf("wgpu: signal frame fence: %w", err)
	}
	// The command buffer outlives the submission; it is freed once its
	// fence value retires.
	d.pendingCmds = append(d.pendingCmds, pendingCmd{value: value, buf: cmdBuf})
	if value > d.signaled.Load() {
		d.signaled.Store(value)
	}
	return nil
}

// CompletedFrameFence implements gfx.Device.
func (d *Device) CompletedFrameFence() uint64 {
	for {
		next := d.completed.Load() + 1
		if next > d.signaled.Load() {
			break
		}
		// Zero timeout: poll without blocking.
		ok, err := d.hal.Wait(d.frameFence, next, 0)
		if err != nil || !ok {
			break
		}
		d.completed.Store(next)
	}
	completed := d.completed.Load()

	d.mu.Lock()
	kept := d.pendingCmds[:0]
	for _, pc := range d.pendingCmds {
		if pc.value <= completed {
			d.hal.FreeCommandBuffer(pc.buf)
			continue
		}
		kept = append(kept, pc)
	}
	d.pendingCmds = kept
	d.mu.Unlock()

	return completed
}

// Err implements gfx.Device.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gfx.ErrDeviceClosed
	}
	return nil
}

// Close implements gfx.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	for _, pc := range d.pendingCmds {
		d.hal.FreeCommandBuffer(pc.buf)
	}
	d.pendingCmds = nil
	for _, t := range d.textures {
		d.destroyTextureLocked(t)
	}
	d.textures = nil
	for _, hp := range d.heaps {
		d.hal.DestroyBuffer(hp.buf)
	}
	d.heaps = nil
	for _, buf := range d.buffers {
		d.hal.DestroyBuffer(buf)
	}
	d.buffers = nil

	d.kernels.destroy()
	d.hal.DestroyFence(d.frameFence)
	d.hal.DestroyFence(d.opFence)

	if d.ownsHAL {
		d.hal.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	return nil
}

// TilePool returns the storage buffer backing a tile heap, for render
// pass bind groups.
func (d *Device) TilePool(h gfx.HeapID) (hal.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hp, ok := d.heaps[h]
	if !ok {
		return nil, gfx.ErrUnknownHeap
	}
	return hp.buf, nil
}

// PageTable returns the page table buffer of a tiled texture: one u32
// heap slot per standard virtual tile, mip-major, row-major.
func (d *Device) PageTable(tex gfx.TextureID) (hal.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return nil, gfx.ErrUnknownTexture
	}
	return t.pageTableBuf, nil
}

// FeedbackBuffer returns the feedback buffer of a tiled texture: one u32
// per mip-0 tile footprint, written by the sampling shader via atomicMin.
func (d *Device) FeedbackBuffer(tex gfx.TextureID) (hal.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return nil, gfx.ErrUnknownTexture
	}
	return t.feedbackBuf, nil
}

// ResidencyBuffer returns the HAL buffer behind a gfx.BufferID.
func (d *Device) ResidencyBuffer(b gfx.BufferID) (hal.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return nil, gfx.ErrUnknownBuffer
	}
	return buf, nil
}

// u32Bytes serializes a u32 slice to little-endian bytes.
func u32Bytes(values []uint32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}
