package overlay

import "errors"

// Failure taxonomy. Every operation returns one of these sentinels wrapped
// with context; only ErrGraphicsInit halts the renderer as a whole.
var (
	// ErrGraphicsInit is returned when the GPU device or shader pipeline
	// cannot be initialized. Fatal: the renderer will not retry.
	ErrGraphicsInit = errors.New("overlay: graphics initialization failed")

	// ErrInvalidData is returned for a malformed mask payload. The previous
	// mask, if any, stays loaded and visible.
	ErrInvalidData = errors.New("overlay: invalid mask data")

	// ErrSizeExceeded is returned when a mask does not fit the memory budget
	// even at the minimum level of detail.
	ErrSizeExceeded = errors.New("overlay: mask exceeds memory budget at minimum detail")

	// ErrUnknownClass is returned for interaction calls naming a class id
	// that is not in the palette. State is left unchanged.
	ErrUnknownClass = errors.New("overlay: unknown class id")

	// ErrExportTimeout is returned when an export readback exceeds its
	// bounded wait. The caller may retry.
	ErrExportTimeout = errors.New("overlay: export readback timed out")

	// ErrDisposed is returned for any operation after Dispose.
	ErrDisposed = errors.New("overlay: renderer disposed")
)
