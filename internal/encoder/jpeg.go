package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
)

// JPEGBackend compresses each capture buffer to a standalone JPEG image on
// the calling goroutine. Every frame decodes on its own, so there is no
// codec underneath and no encode loop; Submit pushes the finished frame
// directly.
type JPEGBackend struct {
	mu      sync.Mutex
	queue   *frame.Queue
	timer   *frame.Timer
	running bool

	orientationCheck func()
}

// NewJPEGBackend returns a stopped backend.
func NewJPEGBackend() *JPEGBackend {
	return &JPEGBackend{}
}

// BufferUsage requests render targets readable from the CPU.
func (b *JPEGBackend) BufferUsage() gfx.Usage {
	return gfx.UsageSoftwareRead | gfx.UsageHardwareRender | gfx.UsageVideoEncode
}

// Configure is a no-op; JPEG compression carries no stream-level state.
func (b *JPEGBackend) Configure(format Format) error {
	return nil
}

// SetOrientationCheck installs the hook Submit runs before each frame. With
// no encode loop, the submit path is this backend's encode cadence. Must be
// called before Start.
func (b *JPEGBackend) SetOrientationCheck(check func()) {
	b.orientationCheck = check
}

// Start records the queue Submit pushes into.
func (b *JPEGBackend) Start(q *frame.Queue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("encoder: already started")
	}
	b.queue = q
	b.timer = frame.NewTimer("encode")
	b.running = true
	return nil
}

// Submit compresses the buffer and pushes one keyframe carrying its capture
// timestamp.
func (b *JPEGBackend) Submit(item gfx.BufferItem) error {
	b.mu.Lock()
	q := b.queue
	timer := b.timer
	running := b.running
	b.mu.Unlock()
	if !running {
		return errors.New("encoder: not started")
	}

	if b.orientationCheck != nil {
		b.orientationCheck()
	}

	pixels, err := item.Buffer.Lock(gfx.UsageSoftwareRead)
	if err != nil {
		return fmt.Errorf("failed to lock buffer: %w", err)
	}
	defer item.Buffer.Unlock()

	img := &image.RGBA{
		Pix:    pixels,
		Stride: item.Buffer.Stride * 4,
		Rect:   image.Rect(0, 0, item.Buffer.Width, item.Buffer.Height),
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}

	q.Push(frame.Frame{Payload: buf.Bytes(), Kind: frame.Keyframe, Timestamp: item.Timestamp})
	timer.Tick(1)
	return nil
}

// Stop halts frame production. Buffers submitted afterwards are refused.
func (b *JPEGBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
}

// Release has nothing to free.
func (b *JPEGBackend) Release() error {
	return nil
}
