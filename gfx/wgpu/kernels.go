package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// feedbackKernel identifies one of the feedback compute kernels.
type feedbackKernel int

const (
	kernelClear feedbackKernel = iota
	kernelResolve
	kernelCount
)

// String returns the kernel's shader label.
func (k feedbackKernel) String() string {
	switch k {
	case kernelClear:
		return "feedback_clear"
	case kernelResolve:
		return "feedback_resolve"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// kernelWGSize is the workgroup size of both kernels. It matches the
// @workgroup_size attribute in the WGSL sources.
const kernelWGSize = 64

// feedbackKernels holds the compiled feedback compute pipelines.
type feedbackKernels struct {
	device hal.Device

	modules   [kernelCount]hal.ShaderModule
	bgLayouts [kernelCount]hal.BindGroupLayout
	layouts   [kernelCount]hal.PipelineLayout
	pipelines [kernelCount]hal.ComputePipeline
}

// kernelLayoutEntries returns the bind group layout of a kernel. The
// entries match the @group(0) @binding(N) annotations in the WGSL.
func kernelLayoutEntries(k feedbackKernel) []gputypes.BindGroupLayoutEntry {
	uniform := gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	}
	storageRO := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}
	}
	storageRW := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}

	switch k {
	case kernelClear:
		// @binding(0) uniform params
		// @binding(1) storage(read_write) feedback
		return []gputypes.BindGroupLayoutEntry{uniform, storageRW(1)}
	case kernelResolve:
		// @binding(0) uniform params
		// @binding(1) storage(read) feedback
		// @binding(2) storage(read_write) resolved
		return []gputypes.BindGroupLayoutEntry{uniform, storageRO(1), storageRW(2)}
	default:
		return nil
	}
}

// newFeedbackKernels compiles both kernels and builds their pipelines.
func newFeedbackKernels(device hal.Device) (*feedbackKernels, error) {
	fk := &feedbackKernels{device: device}
	sources := [kernelCount]string{
		kernelClear:   shaderClearFeedback,
		kernelResolve: shaderResolveFeedback,
	}

	for k := feedbackKernel(0); k < kernelCount; k++ {
		module, err := compileShader(device, k.String(), sources[k])
		if err != nil {
			fk.destroy()
			return nil, err
		}
		fk.modules[k] = module

		bgLayout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   k.String() + "_bgl",
			Entries: kernelLayoutEntries(k),
		})
		if err != nil {
			fk.destroy()
			return nil, fmt.Errorf("wgpu: create bind group layout for %s: %w", k, err)
		}
		fk.bgLayouts[k] = bgLayout

		layout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            k.String() + "_pl",
			BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
		})
		if err != nil {
			fk.destroy()
			return nil, fmt.Errorf("wgpu: create pipeline layout for %s: %w", k, err)
		}
		fk.layouts[k] = layout

		pipeline, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  k.String(),
			Layout: layout,
			Compute: hal.ComputeState{
				Module:     module,
				EntryPoint: "main",
			},
		})
		if err != nil {
			fk.destroy()
			return nil, fmt.Errorf("wgpu: create compute pipeline for %s: %w", k, err)
		}
		fk.pipelines[k] = pipeline
	}
	return fk, nil
}

// bindGroup builds a bind group for one dispatch of a kernel.
func (fk *feedbackKernels) bindGroup(k feedbackKernel, bufs ...hal.Buffer) (hal.BindGroup, error) {
	entries := make([]gputypes.BindGroupEntry, len(bufs))
	for i, buf := range bufs {
		entries[i] = gputypes.BindGroupEntry{
			Binding: uint32(i),
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: 0,
				Size:   0, // 0 = entire buffer
			},
		}
	}
	return fk.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   k.String() + "_bg",
		Layout:  fk.bgLayouts[k],
		Entries: entries,
	})
}

// destroy releases every pipeline object, tolerating partial init.
func (fk *feedbackKernels) destroy() {
	for k := feedbackKernel(0); k < kernelCount; k++ {
		if fk.pipelines[k] != nil {
			fk.device.DestroyComputePipeline(fk.pipelines[k])
			fk.pipelines[k] = nil
		}
		if fk.layouts[k] != nil {
			fk.device.DestroyPipelineLayout(fk.layouts[k])
			fk.layouts[k] = nil
		}
		if fk.bgLayouts[k] != nil {
			fk.device.DestroyBindGroupLayout(fk.bgLayouts[k])
			fk.bgLayouts[k] = nil
		}
		if fk.modules[k] != nil {
			fk.device.DestroyShaderModule(fk.modules[k])
			fk.modules[k] = nil
		}
	}
}
