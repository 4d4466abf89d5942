package tilestream

import (
	"fmt"

	"github.com/gogpu/tilestream/gfx"
)

// commandKind discriminates recorded device commands.
type commandKind int

const (
	cmdTransitionPackedMips commandKind = iota
	cmdClearFeedback
	cmdResolveFeedback
	cmdWriteBuffer
	cmdSignalFence
)

// command is one recorded device operation.
type command struct {
	kind   commandKind
	tex    gfx.TextureID
	buf    gfx.BufferID
	offset int
	data   []byte
	fence  uint64
}

// CommandBatch is a recorded list of device operations the render
// thread executes around its draw calls. EndFrame returns two: the
// pre-draw batch carries packed-mip transition barriers, feedback
// clears and the residency buffer upload; the post-draw batch carries
// feedback resolves and the frame fence signal.
//
// A batch is single-use and not safe for concurrent execution.
type CommandBatch struct {
	cmds []command
}

// Len returns the number of recorded commands.
func (b *CommandBatch) Len() int {
	return len(b.cmds)
}

// Empty reports whether the batch records no commands.
func (b *CommandBatch) Empty() bool {
	return len(b.cmds) == 0
}

// Execute replays the batch against a device. The first failing
// command aborts execution and its error is returned.
func (b *CommandBatch) Execute(dev gfx.Device) error {
	for _, c := range b.cmds {
		var err error
		switch c.kind {
		case cmdTransitionPackedMips:
			err = dev.TransitionPackedMips(c.tex)
		case cmdClearFeedback:
			err = dev.ClearFeedback(c.tex)
		case cmdResolveFeedback:
			err = dev.ResolveFeedback(c.tex)
		case cmdWriteBuffer:
			err = dev.WriteBuffer(c.buf, c.offset, c.data)
		case cmdSignalFence:
			err = dev.SignalFrameFence(c.fence)
		default:
			err = fmt.Errorf("tilestream: unknown command %d", c.kind)
		}
		if err != nil {
			return fmt.Errorf("tilestream: batch command failed: %w", err)
		}
	}
	return nil
}

func (b *CommandBatch) transitionPackedMips(tex gfx.TextureID) {
	b.cmds = append(b.cmds, command{kind: cmdTransitionPackedMips, tex: tex})
}

func (b *CommandBatch) clearFeedback(tex gfx.TextureID) {
	b.cmds = append(b.cmds, command{kind: cmdClearFeedback, tex: tex})
}

func (b *CommandBatch) resolveFeedback(tex gfx.TextureID) {
	b.cmds = append(b.cmds, command{kind: cmdResolveFeedback, tex: tex})
}

func (b *CommandBatch) writeBuffer(buf gfx.BufferID, offset int, data []byte) {
	b.cmds = append(b.cmds, command{kind: cmdWriteBuffer, buf: buf, offset: offset, data: data})
}

func (b *CommandBatch) signalFence(v uint64) {
	b.cmds = append(b.cmds, command{kind: cmdSignalFence, fence: v})
}
