package gfx

import (
	"errors"
	"sync/atomic"
)

// Usage bits declare how a buffer's memory will be touched. A queue allocates
// its buffers with the union of the usages its producer and consumer need.
type Usage uint64

const (
	// UsageSoftwareRead allows CPU-side readback through Lock.
	UsageSoftwareRead Usage = 1 << iota
	// UsageHardwareRender marks the buffer as a compositor render target.
	UsageHardwareRender
	// UsageVideoEncode marks the buffer as encoder input.
	UsageVideoEncode
	// UsageSoftwareWrite allows CPU-side writes through Lock.
	UsageSoftwareWrite
)

var (
	// ErrNotLockable is returned by Lock on buffers lacking the requested
	// software usage.
	ErrNotLockable = errors.New("gfx: buffer not allocated for software access")
	// ErrAlreadyLocked is returned by Lock while a previous lock is held.
	ErrAlreadyLocked = errors.New("gfx: buffer already locked")
	// ErrNotLocked is returned by Unlock without a matching Lock.
	ErrNotLocked = errors.New("gfx: buffer not locked")
)

var nextBufferID uint64

// Buffer is one RGBA graphics buffer. Pixel memory is reached through Lock
// for CPU paths; ownership of the buffer itself moves between queues via
// attach/detach, never by copying.
type Buffer struct {
	ID     uint64
	Width  int
	Height int
	Stride int // pixels per row
	Usage  Usage

	pix    []byte
	locked bool
}

// NewBuffer allocates a buffer with tightly packed rows.
func NewBuffer(width, height int, usage Usage) *Buffer {
	return &Buffer{
		ID:     atomic.AddUint64(&nextBufferID, 1),
		Width:  width,
		Height: height,
		Stride: width,
		Usage:  usage,
		pix:    make([]byte, width*height*4),
	}
}

// Lock maps the buffer for CPU access and returns the pixel bytes
// (RGBA, Stride*4 bytes per row). Callers must Unlock when done.
func (b *Buffer) Lock(usage Usage) ([]byte, error) {
	if sw := usage & (UsageSoftwareRead | UsageSoftwareWrite); sw&^b.Usage != 0 {
		return nil, ErrNotLockable
	}
	if b.locked {
		return nil, ErrAlreadyLocked
	}
	b.locked = true
	return b.pix, nil
}

// Unlock releases a previous Lock.
func (b *Buffer) Unlock() error {
	if !b.locked {
		return ErrNotLocked
	}
	b.locked = false
	return nil
}
