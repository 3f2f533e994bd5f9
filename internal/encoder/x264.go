package encoder

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// x264 treats this key-int-max as an infinite keyframe interval: only the
// first picture is an IDR, later ones arrive on demand.
const keyIntervalInfinite = 1 << 30

// X264Codec encodes RGBA capture buffers into an H.264 byte stream through a
// GStreamer software pipeline. It has the shape of an asynchronous hardware
// encoder: Queue feeds input buffers, Dequeue drains encoded access units.
// Parameter sets surface as separate FlagCodecConfig outputs ahead of the
// picture they arrived with.
type X264Codec struct {
	mu       sync.Mutex
	format   Format
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
	input    *inputPool
	started  bool

	pending []int64  // capture timestamps of queued inputs, oldest first
	ready   []Output // outputs split off an access unit, not yet dequeued
}

// NewX264Codec returns an unconfigured codec.
func NewX264Codec() *X264Codec {
	return &X264Codec{}
}

// Configure builds the encoding pipeline for the given stream format.
func (c *X264Codec) Configure(format Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline != nil {
		return fmt.Errorf("codec already configured")
	}
	if format.Width <= 0 || format.Height <= 0 {
		return fmt.Errorf("invalid video size %dx%d", format.Width, format.Height)
	}
	if format.Framerate <= 0 {
		format.Framerate = 30
	}
	if format.Bitrate <= 0 {
		format.Bitrate = 10_000_000
	}

	log := logger.WithComponent("x264")

	gst.Init(nil)

	// Pipeline: appsrc -> RGBA caps -> videoconvert -> x264 CBR realtime
	// encode -> Main 4.1 -> byte-stream access units -> appsink.
	pipelineStr := fmt.Sprintf(
		"appsrc name=src is-live=true format=time do-timestamp=true ! "+
			"video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1 ! "+
			"videoconvert ! "+
			"x264enc name=enc pass=cbr bitrate=%d tune=zerolatency speed-preset=ultrafast bframes=0 key-int-max=%d ! "+
			"video/x-h264,profile=main,level=(string)4.1 ! "+
			"h264parse ! "+
			"video/x-h264,stream-format=byte-stream,alignment=au ! "+
			"appsink name=sink emit-signals=false sync=false max-buffers=8 drop=false",
		format.Width, format.Height, format.Framerate,
		format.Bitrate/1000, keyIntervalInfinite,
	)

	log.Debug().Str("pipeline", pipelineStr).Msg("Creating encoder pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	srcElement, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsrc: %w", err)
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsink: %w", err)
	}

	input, err := newInputPool(format.Width, format.Height, c.encodeInput)
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to create input pool: %w", err)
	}

	c.format = format
	c.pipeline = pipeline
	c.src = app.SrcFromElement(srcElement)
	c.sink = app.SinkFromElement(sinkElement)
	c.input = input
	return nil
}

// Start moves the pipeline to playing.
func (c *X264Codec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil {
		return fmt.Errorf("codec not configured")
	}
	if c.started {
		return fmt.Errorf("codec already started")
	}
	if err := c.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	c.started = true
	return nil
}

// Queue adopts one detached capture buffer into the codec's input pool.
// The buffer is encoded and its slot retired before Queue returns; it does
// not go back to the caller.
func (c *X264Codec) Queue(item gfx.BufferItem) error {
	c.mu.Lock()
	input := c.input
	started := c.started
	c.mu.Unlock()

	if !started || input == nil {
		return fmt.Errorf("codec not started")
	}
	return input.Submit(item)
}

// encodeInput pushes one pooled buffer into the pipeline. The appsrc copies
// the pixels into its own buffer, so the lock is held only for the push.
func (c *X264Codec) encodeInput(item gfx.BufferItem) error {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()

	pixels, err := item.Buffer.Lock(gfx.UsageSoftwareRead)
	if err != nil {
		return fmt.Errorf("failed to lock buffer: %w", err)
	}

	c.mu.Lock()
	c.pending = append(c.pending, item.Timestamp)
	c.mu.Unlock()

	ret := src.PushBuffer(gst.NewBufferFromBytes(pixels))
	item.Buffer.Unlock()
	if ret != gst.FlowOK {
		c.mu.Lock()
		if n := len(c.pending); n > 0 {
			c.pending = c.pending[:n-1]
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to push buffer: flow %v", ret)
	}
	return nil
}

// Dequeue returns the next encoder output, waiting up to timeout. With
// nothing to deliver it returns ErrTryAgain; pipeline failure and end of
// stream surface as their sentinel errors.
func (c *X264Codec) Dequeue(timeout time.Duration) (Output, error) {
	c.mu.Lock()
	if len(c.ready) > 0 {
		out := c.ready[0]
		c.ready = c.ready[1:]
		c.mu.Unlock()
		return out, nil
	}
	sink := c.sink
	pipeline := c.pipeline
	started := c.started
	c.mu.Unlock()

	if !started {
		return Output{}, fmt.Errorf("codec not started")
	}

	sample := sink.TryPullSample(timeout)
	if sample == nil {
		if err := drainBus(pipeline); err != nil {
			return Output{}, err
		}
		return Output{}, ErrTryAgain
	}

	outs := c.splitSample(sample)
	if len(outs) == 0 {
		return Output{}, ErrTryAgain
	}
	c.mu.Lock()
	c.ready = append(c.ready, outs[1:]...)
	c.mu.Unlock()
	return outs[0], nil
}

// Stop drains the source and halts the pipeline. Input queued but not yet
// dequeued is discarded.
func (c *X264Codec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil || !c.started {
		return nil
	}
	c.started = false
	c.src.EndStream()
	if err := c.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	return nil
}

// Release frees the pipeline. Stop first.
func (c *X264Codec) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil {
		return nil
	}
	if c.started {
		c.started = false
		c.pipeline.SetState(gst.StateNull)
	}
	if c.input != nil {
		c.input.Close()
		c.input = nil
	}
	c.pipeline.Unref()
	c.pipeline = nil
	c.src = nil
	c.sink = nil
	c.pending = nil
	c.ready = nil
	return nil
}

// splitSample converts one access unit into codec outputs, separating a
// leading parameter-set run into its own FlagCodecConfig output.
func (c *X264Codec) splitSample(sample *gst.Sample) []Output {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil
	}
	defer buffer.Unmap()

	au := mapInfo.Bytes()
	ts := c.popTimestamp()

	config, data := splitParameterSets(au)
	var outs []Output
	if len(config) > 0 {
		outs = append(outs, Output{
			Data:      append([]byte(nil), config...),
			Flags:     FlagCodecConfig,
			Timestamp: ts,
		})
	}
	if len(data) > 0 {
		var flags OutputFlags
		if containsIDR(data) {
			flags = FlagKeyFrame
		}
		outs = append(outs, Output{
			Data:      append([]byte(nil), data...),
			Flags:     flags,
			Timestamp: ts,
		})
	}
	return outs
}

// popTimestamp takes the oldest capture timestamp recorded by Queue. The
// encoder runs with zero lookahead and no B-frames, so outputs drain in
// input order and the head of the list belongs to the access unit at hand.
func (c *X264Codec) popTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0
	}
	ts := c.pending[0]
	c.pending = c.pending[1:]
	return ts
}

// drainBus surfaces pipeline errors and end of stream after an empty pull.
func drainBus(pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return ErrEndOfStream
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error: %s", gerr.Error())
		}
	}
}
