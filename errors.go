package tilestream

import "errors"

// Package errors.
var (
	// ErrClosed is returned when operating on a closed manager.
	ErrClosed = errors.New("tilestream: manager is closed")

	// ErrFrameOpen is returned when the resource list is mutated inside
	// a BeginFrame/EndFrame bracket.
	ErrFrameOpen = errors.New("tilestream: operation forbidden inside a frame")

	// ErrFrameNotOpen is returned when EndFrame or QueueFeedback is
	// called without a matching BeginFrame.
	ErrFrameNotOpen = errors.New("tilestream: no frame is open")

	// ErrUnknownResource is returned when a handle does not belong to
	// this manager.
	ErrUnknownResource = errors.New("tilestream: unknown resource")
)
