// Package encoder turns captured graphics buffers into encoded frames.
package encoder

import (
	"errors"
	"time"

	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
)

// Format describes the stream an encoder is configured to produce. Bitrate
// is in bits per second.
type Format struct {
	Width     int
	Height    int
	Framerate int
	Bitrate   int
}

// OutputFlags annotate a buffer leaving a codec.
type OutputFlags uint32

const (
	// FlagCodecConfig marks a buffer carrying parameter sets rather than
	// picture data.
	FlagCodecConfig OutputFlags = 1 << iota
	// FlagKeyFrame marks an independently decodable picture.
	FlagKeyFrame
	// FlagEndOfStream marks the last buffer the codec will produce.
	FlagEndOfStream
)

// Output is one encoded buffer, stamped with the capture timestamp of the
// input it came from, in microseconds.
type Output struct {
	Data      []byte
	Flags     OutputFlags
	Timestamp int64
}

// Dequeue results that are part of normal operation rather than failures.
var (
	// ErrTryAgain means no output arrived within the timeout.
	ErrTryAgain = errors.New("encoder: no output available")
	// ErrOutputFormatChanged means the codec renegotiated its output format.
	ErrOutputFormatChanged = errors.New("encoder: output format changed")
	// ErrOutputBuffersChanged means the codec replaced its output buffer set.
	ErrOutputBuffersChanged = errors.New("encoder: output buffers changed")
	// ErrEndOfStream means the codec has drained after end of stream.
	ErrEndOfStream = errors.New("encoder: end of stream")
)

// Codec is the device seam under backends that drive an asynchronous
// encoder: input buffers go in through Queue, encoded outputs come back
// through Dequeue in encode order.
type Codec interface {
	Configure(format Format) error
	Start() error
	Queue(item gfx.BufferItem) error
	Dequeue(timeout time.Duration) (Output, error)
	Stop() error
	Release() error
}

// Backend is one encoding strategy behind a capture session. The session
// configures it, hands it the frame queue to fill, and submits every buffer
// the capture surface produces. Stop halts frame production and joins any
// internal goroutine; Release frees the underlying encoder. Both are safe
// to call after a partial setup.
type Backend interface {
	// BufferUsage returns the usage bits capture buffers must be allocated
	// with for Submit to accept them.
	BufferUsage() gfx.Usage
	Configure(format Format) error
	// SetOrientationCheck installs a hook the backend invokes on its encode
	// cadence so the session can notice display rotation. Must be called
	// before Start.
	SetOrientationCheck(check func())
	Start(q *frame.Queue) error
	Submit(item gfx.BufferItem) error
	Stop()
	Release() error
}
