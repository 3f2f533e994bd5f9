package encoder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
)

// dequeueTimeout bounds one wait for codec output so the encode loop keeps
// noticing stop requests.
const dequeueTimeout = 250 * time.Millisecond

// H264Backend drives an asynchronous H.264 codec. Capture buffers are queued
// into the codec as they arrive; a dedicated goroutine drains encoded output
// into the frame queue, joining each parameter-set buffer onto the picture
// that follows it so every delivered frame decodes from its own bytes.
type H264Backend struct {
	codec Codec

	mu               sync.Mutex
	running          bool
	stop             chan struct{}
	done             chan struct{}
	orientationCheck func()
}

// NewH264Backend wraps a codec in the hardware-style encode loop.
func NewH264Backend(codec Codec) *H264Backend {
	return &H264Backend{codec: codec}
}

// SetOrientationCheck installs a hook the encode loop calls after each codec
// output, used by the capture surface to poll for display rotation. Must be
// set before Start.
func (b *H264Backend) SetOrientationCheck(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orientationCheck = fn
}

// BufferUsage requests render targets the codec can read back for encoding.
func (b *H264Backend) BufferUsage() gfx.Usage {
	return gfx.UsageSoftwareRead | gfx.UsageHardwareRender | gfx.UsageVideoEncode
}

// Configure passes the stream format through to the codec.
func (b *H264Backend) Configure(format Format) error {
	return b.codec.Configure(format)
}

// Start launches the codec and the encode loop filling q.
func (b *H264Backend) Start(q *frame.Queue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("encoder: already started")
	}
	if err := b.codec.Start(); err != nil {
		return fmt.Errorf("failed to start codec: %w", err)
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.encodeLoop(q, b.orientationCheck, b.stop, b.done)
	return nil
}

// Submit queues one capture buffer for encoding.
func (b *H264Backend) Submit(item gfx.BufferItem) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return errors.New("encoder: not started")
	}
	return b.codec.Queue(item)
}

// Stop signals the encode loop, waits for it to exit, and stops the codec.
// Safe to call more than once.
func (b *H264Backend) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stop, done := b.stop, b.done
	b.mu.Unlock()

	close(stop)
	<-done
	if err := b.codec.Stop(); err != nil {
		logger.WithComponent("h264").Warn().Err(err).Msg("Failed to stop codec")
	}
}

// Release frees the codec. Stop first.
func (b *H264Backend) Release() error {
	return b.codec.Release()
}

// encodeLoop drains the codec into q until stopped or the codec fails. A
// parameter-set output is stashed rather than pushed; the next data output
// carries it as a prefix, so the stream never delivers configuration the
// decoder cannot yet apply.
func (b *H264Backend) encodeLoop(q *frame.Queue, checkOrientation func(), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	log := logger.WithComponent("h264")
	timer := frame.NewTimer("encode")
	var partial []byte

	for {
		select {
		case <-stop:
			return
		default:
		}

		out, err := b.codec.Dequeue(dequeueTimeout)
		switch {
		case errors.Is(err, ErrTryAgain):
			continue
		case errors.Is(err, ErrOutputFormatChanged):
			log.Debug().Msg("Encoder output format changed")
			continue
		case errors.Is(err, ErrOutputBuffersChanged):
			log.Debug().Msg("Encoder output buffers changed")
			continue
		case errors.Is(err, ErrEndOfStream):
			log.Info().Msg("Encoder reached end of stream")
			q.Close()
			return
		case err != nil:
			log.Error().Err(err).Msg("Encoder failed")
			q.Close()
			return
		}

		if checkOrientation != nil {
			checkOrientation()
		}

		if out.Flags&FlagEndOfStream != 0 {
			log.Info().Msg("Encoder reached end of stream")
			q.Close()
			return
		}

		if out.Flags&FlagCodecConfig != 0 {
			partial = append(partial, out.Data...)
			continue
		}

		payload := make([]byte, 0, len(partial)+len(out.Data))
		payload = append(payload, partial...)
		payload = append(payload, out.Data...)
		partial = partial[:0]

		kind := frame.Interframe
		if out.Flags&FlagKeyFrame != 0 {
			kind = frame.Keyframe
		}
		q.Push(frame.Frame{Payload: payload, Kind: kind, Timestamp: out.Timestamp})
		timer.Tick(1)
	}
}
