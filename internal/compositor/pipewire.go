package compositor

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/ScreenWire/internal/logger"
)

// pipeWirePipeline pulls RGBA frames from a PipeWire node through GStreamer
// and hands each one to onFrame on the poll goroutine. Samples are polled
// rather than signalled to keep CGO callbacks out of the frame path.
type pipeWirePipeline struct {
	nodeID  uint32
	onFrame func(*image.RGBA)

	mu       sync.Mutex
	pipeline *gst.Pipeline
	appsink  *app.Sink
	running  bool
	stop     chan struct{}
	done     chan struct{}

	// scratch is touched only by the poll goroutine.
	scratch *image.RGBA
}

func newPipeWirePipeline(nodeID uint32, onFrame func(*image.RGBA)) *pipeWirePipeline {
	return &pipeWirePipeline{nodeID: nodeID, onFrame: onFrame}
}

// Start builds and plays the capture pipeline.
func (p *pipeWirePipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pipeline already running")
	}

	log := logger.WithComponent("pipewire")

	gst.Init(nil)

	pipelineStr := fmt.Sprintf(
		"pipewiresrc path=%d do-timestamp=true ! "+
			"videoconvert ! "+
			"video/x-raw,format=RGBA ! "+
			"appsink name=sink emit-signals=false max-buffers=2 drop=true",
		p.nodeID,
	)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsink: %w", err)
	}
	p.appsink = app.SinkFromElement(sinkElement)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	p.pipeline = pipeline
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.pollSamples(p.stop, p.done)

	log.Info().Uint32("node_id", p.nodeID).Msg("PipeWire pipeline started")
	return nil
}

// Stop joins the poll goroutine and tears the pipeline down.
func (p *pipeWirePipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done

	p.mu.Lock()
	if p.pipeline != nil {
		p.pipeline.SetState(gst.StateNull)
		p.pipeline.Unref()
		p.pipeline = nil
		p.appsink = nil
	}
	p.mu.Unlock()

	logger.WithComponent("pipewire").Info().Msg("PipeWire pipeline stopped")
}

func (p *pipeWirePipeline) pollSamples(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			appsink := p.appsink
			p.mu.Unlock()
			if appsink == nil {
				continue
			}

			sample := appsink.TryPullSample(time.Millisecond)
			if sample == nil {
				continue
			}
			if img := p.frameFromSample(sample); img != nil {
				p.onFrame(img)
			}
		}
	}
}

// frameFromSample copies a sample's pixels into the reusable scratch image.
// Anything malformed is dropped.
func (p *pipeWirePipeline) frameFromSample(sample *gst.Sample) *image.RGBA {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil
	}
	caps := sample.GetCaps()
	if caps == nil {
		return nil
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return nil
	}
	h, ok := height.(int)
	if !ok {
		return nil
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil
	}
	defer buffer.Unmap()

	data := mapInfo.Bytes()
	n := w * h * 4
	if len(data) < n {
		return nil
	}

	if p.scratch == nil || p.scratch.Bounds().Dx() != w || p.scratch.Bounds().Dy() != h {
		p.scratch = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	copy(p.scratch.Pix, data[:n])
	return p.scratch
}
