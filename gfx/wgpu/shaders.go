package wgpu

import (
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// shaderClearFeedback resets every feedback entry to the not-requested
// sentinel. One invocation per mip-0 tile footprint.
const shaderClearFeedback = `
struct Params {
    count: u32,
    _pad0: u32,
    _pad1: u32,
    _pad2: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read_write> feedback: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x >= params.count) {
        return;
    }
    feedback[gid.x] = 0xffu;
}
`

// shaderResolveFeedback packs the u32-per-footprint feedback buffer into
// bytes, four entries per output word. One invocation per output word.
const shaderResolveFeedback = `
struct Params {
    count: u32,
    _pad0: u32,
    _pad1: u32,
    _pad2: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> feedback: array<u32>;
@group(0) @binding(2) var<storage, read_write> resolved: array<u32>;

fn entry(idx: u32) -> u32 {
    if (idx >= params.count) {
        return 0xffu;
    }
    return min(feedback[idx], 0xffu);
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let base = gid.x * 4u;
    if (base >= params.count) {
        return;
    }
    // Unrolled: naga's SPIR-V path miscompiles short loops (bug #5).
    var word = entry(base);
    word = word | (entry(base + 1u) << 8u);
    word = word | (entry(base + 2u) << 16u);
    word = word | (entry(base + 3u) << 24u);
    resolved[gid.x] = word;
}
`

// compileShader compiles WGSL to SPIR-V words and wraps them in a HAL
// shader module.
func compileShader(device hal.Device, label, wgsl string) (hal.ShaderModule, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile %s: %w", label, err)
	}

	// SPIR-V is little-endian 32-bit words.
	spirv := make([]uint32, len(spirvBytes)/4)
	for i := range spirv {
		spirv[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	return device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: label,
		Source: hal.ShaderSource{
			SPIRV: spirv,
		},
	})
}
