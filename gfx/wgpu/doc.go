// Package wgpu implements gfx.Device on gogpu/wgpu.
//
// WebGPU has neither reserved (tiled) textures nor sampler feedback, so
// both are emulated:
//
//   - A tile heap is one large storage buffer of 64KB tile slots.
//     WriteTile is a queue write at slot granularity.
//   - A tiled texture is a page table buffer holding, per virtual tile,
//     the heap slot backing it (or an invalid sentinel). The sampling
//     shader indirects texel fetches through the page table into the
//     tile pool; MapTiles and UnmapTiles edit the table.
//   - Sampler feedback is a storage buffer the sampling shader writes
//     wanted mips into with atomicMin. ClearFeedback and ResolveFeedback
//     run small compute kernels (WGSL compiled through naga) that reset
//     the buffer and pack it into a CPU-readable staging copy.
//
// The buffers behind the emulation are exposed through TilePool,
// PageTable and FeedbackBuffer so render passes can bind them.
package wgpu
