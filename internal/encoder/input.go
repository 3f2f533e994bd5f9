package encoder

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
)

// maxInputSlots bounds buffers in flight inside a codec's input pool.
const maxInputSlots = 4

// inputPool is the producer-side buffer pool of an asynchronous codec.
// Buffers detached from the capture queue are attached here, queued with
// their metadata, and replayed through the consume function on the
// submitting goroutine; the slot is retired once the pixels have been
// handed to the encoder, so the pool never outgrows its slot budget.
type inputPool struct {
	queue   *gfx.BufferQueue
	consume func(gfx.BufferItem) error

	mu  sync.Mutex
	err error
}

func newInputPool(width, height int, consume func(gfx.BufferItem) error) (*inputPool, error) {
	p := &inputPool{
		queue:   gfx.NewBufferQueue(width, height, gfx.UsageSoftwareRead, maxInputSlots),
		consume: consume,
	}
	if err := p.queue.ConnectProducer(nil); err != nil {
		return nil, err
	}
	if err := p.queue.ConnectConsumer(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Submit adopts a detached capture buffer and queues it for encoding. The
// queue dispatches its listener before Queue returns, so any consume
// failure surfaces here.
func (p *inputPool) Submit(item gfx.BufferItem) error {
	key, err := p.queue.Attach(item.Buffer)
	if err != nil {
		return fmt.Errorf("failed to attach buffer: %w", err)
	}
	if err := p.queue.Queue(key, item.Timestamp, item.Crop, item.Transform); err != nil {
		return fmt.Errorf("failed to queue buffer: %w", err)
	}

	p.mu.Lock()
	err = p.err
	p.err = nil
	p.mu.Unlock()
	return err
}

// OnFrameAvailable drains the queued buffer into the encoder.
func (p *inputPool) OnFrameAvailable() { p.drain() }

// OnFrameReplaced consumes the replacement like any other frame.
func (p *inputPool) OnFrameReplaced() { p.drain() }

func (p *inputPool) OnBuffersReleased() {}

func (p *inputPool) OnDisconnect() {}

func (p *inputPool) drain() {
	item, err := p.queue.Acquire()
	if err != nil {
		p.record(fmt.Errorf("failed to acquire input buffer: %w", err))
		return
	}

	err = p.consume(item)
	if derr := p.queue.Detach(item.Slot); derr != nil && err == nil {
		err = fmt.Errorf("failed to retire input slot: %w", derr)
	}
	if err != nil {
		p.record(err)
	}
}

func (p *inputPool) record(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

// Close disconnects both sides of the pool. Submits after Close fail.
func (p *inputPool) Close() {
	p.queue.DisconnectProducer()
	p.queue.DisconnectConsumer()
}
