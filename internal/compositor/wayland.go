package compositor

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
)

// PortalCompositor mirrors a Wayland desktop through the xdg-desktop-portal
// ScreenCast interface. The portal handshake runs once at open; bound
// virtual displays read the resulting PipeWire node. The portal reports no
// orientation, so state polls always return the cached value and projection
// re-binds only follow layer-stack changes.
type PortalCompositor struct {
	cast *screenCast

	mu       sync.Mutex
	displays map[string]*portalDisplay
	closed   bool

	sizeWarn sync.Once
}

// NewPortalCompositor opens the portal session. The user may be prompted to
// pick a screen unless a restore token from an earlier run still holds.
func NewPortalCompositor(cfg *config.Config) (*PortalCompositor, error) {
	cast, err := openScreenCast()
	if err != nil {
		return nil, err
	}
	if err := cast.Start(); err != nil {
		cast.Close()
		return nil, fmt.Errorf("failed to start screen cast: %w", err)
	}

	return &PortalCompositor{
		cast:     cast,
		displays: make(map[string]*portalDisplay),
	}, nil
}

func (c *PortalCompositor) streamBounds() image.Rectangle {
	size := c.cast.streamSize
	if size.X <= 0 || size.Y <= 0 {
		c.sizeWarn.Do(func() {
			logger.WithComponent("portal-compositor").Warn().
				Msg("Portal did not report a stream size, assuming 1920x1080")
		})
		size = image.Pt(1920, 1080)
	}
	return image.Rectangle{Max: size}
}

// DisplayState reports the shared stream's node as the layer stack and its
// size as the content rect.
func (c *PortalCompositor) DisplayState() (DisplayState, error) {
	return DisplayState{
		LayerStack:  c.cast.nodeID,
		Orientation: OrientationNormal,
		Bounds:      c.streamBounds(),
	}, nil
}

// DisplayMode reports the stream size. The portal exposes no refresh rate,
// so a common panel rate stands in.
func (c *PortalCompositor) DisplayMode() (DisplayMode, error) {
	return DisplayMode{
		Size:        c.streamBounds().Max,
		RefreshRate: 60,
	}, nil
}

// CreateVirtualDisplay registers a named render target. Production starts
// once a transaction binds it to a queue and a projection.
func (c *PortalCompositor) CreateVirtualDisplay(name string) (VirtualDisplay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("compositor closed")
	}
	if _, ok := c.displays[name]; ok {
		return nil, fmt.Errorf("virtual display %q already exists", name)
	}

	d := &portalDisplay{comp: c, name: name}
	c.displays[name] = d

	logger.WithComponent("portal-compositor").Info().
		Str("name", name).
		Msg("Virtual display created")
	return d, nil
}

// NewTransaction starts an atomic batch of display updates.
func (c *PortalCompositor) NewTransaction() Transaction {
	return newTransaction(c)
}

// Close releases every virtual display and ends the portal session.
func (c *PortalCompositor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	displays := make([]*portalDisplay, 0, len(c.displays))
	for _, d := range c.displays {
		displays = append(displays, d)
	}
	c.mu.Unlock()

	for _, d := range displays {
		d.Release()
	}
	err := c.cast.Close()

	logger.WithComponent("portal-compositor").Info().Msg("Portal session closed")
	return err
}

func (c *PortalCompositor) removeDisplay(name string) {
	c.mu.Lock()
	delete(c.displays, name)
	c.mu.Unlock()
}

type portalDisplay struct {
	comp *PortalCompositor
	name string

	mu         sync.Mutex
	queue      *gfx.BufferQueue
	projection *projection
	layerStack uint32
	released   bool
	pipeline   *pipeWirePipeline
	scratch    *image.RGBA
	timer      *frame.Timer
	epoch      time.Time
}

// Name returns the name the display was created with.
func (d *portalDisplay) Name() string { return d.name }

func (d *portalDisplay) owner() Compositor { return d.comp }

// OnBufferReleased implements gfx.ProducerListener. Production is paced by
// the stream, so returned buffers wait for the next frame.
func (d *portalDisplay) OnBufferReleased() {}

// Release stops the capture pipeline, disconnects the bound queue's
// producer side, and retires the display.
func (d *portalDisplay) Release() error {
	d.comp.removeDisplay(d.name)

	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	pipeline := d.pipeline
	d.pipeline = nil
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if queue != nil {
		queue.DisconnectProducer()
	}

	logger.WithComponent("portal-compositor").Info().
		Str("name", d.name).
		Msg("Virtual display released")
	return nil
}

// applyUpdate commits one transaction's updates for this display. Each
// pipeline instance is tied to the queue it was started for, so a rebind
// can never leak frames from the old pipeline into the new queue.
func (d *portalDisplay) applyUpdate(u *displayUpdate) error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return fmt.Errorf("virtual display %q released", d.name)
	}

	if u.setLayer {
		d.layerStack = u.layerStack
	}
	if u.setProj {
		p := u.proj
		d.projection = &p
	}

	var stopPipeline *pipeWirePipeline
	var disconnect *gfx.BufferQueue
	if u.setQueue && u.queue != d.queue {
		if u.queue != nil {
			if err := u.queue.ConnectProducer(d); err != nil {
				d.mu.Unlock()
				return fmt.Errorf("failed to bind display surface: %w", err)
			}
		}
		disconnect = d.queue
		stopPipeline = d.pipeline
		d.pipeline = nil
		d.queue = u.queue
		d.scratch = nil
	}

	var startPipeline *pipeWirePipeline
	if d.queue != nil && d.projection != nil && d.pipeline == nil {
		queue := d.queue
		startPipeline = newPipeWirePipeline(d.comp.cast.nodeID, func(img *image.RGBA) {
			d.handleFrame(queue, img)
		})
		d.pipeline = startPipeline
		d.timer = frame.NewTimer("compose")
		d.epoch = time.Now()
	}
	d.mu.Unlock()

	if stopPipeline != nil {
		stopPipeline.Stop()
	}
	if disconnect != nil {
		disconnect.DisconnectProducer()
	}
	if startPipeline != nil {
		if err := startPipeline.Start(); err != nil {
			d.mu.Lock()
			if d.pipeline == startPipeline {
				d.pipeline = nil
			}
			d.mu.Unlock()
			return fmt.Errorf("failed to start capture pipeline: %w", err)
		}
	}
	return nil
}

// handleFrame composes one stream frame into a queue buffer. Runs on the
// pipeline's poll goroutine.
func (d *portalDisplay) handleFrame(queue *gfx.BufferQueue, src *image.RGBA) {
	d.mu.Lock()
	proj := d.projection
	timer := d.timer
	epoch := d.epoch
	d.mu.Unlock()
	if proj == nil {
		return
	}

	log := logger.WithComponent("portal-compositor")

	var content image.Image = src
	if rect := proj.contentRect.Intersect(src.Bounds()); !rect.Empty() && rect != src.Bounds() {
		content = src.SubImage(rect)
	}

	key, buf, err := queue.Dequeue()
	if err != nil {
		if !errors.Is(err, gfx.ErrDisconnected) {
			log.Debug().Err(err).Str("name", d.name).Msg("Frame skipped")
		}
		return
	}

	d.mu.Lock()
	if d.scratch == nil || d.scratch.Bounds().Dx() != buf.Width || d.scratch.Bounds().Dy() != buf.Height {
		d.scratch = image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	}
	scratch := d.scratch
	d.mu.Unlock()

	renderFrame(scratch, content, proj.displayRect)

	if err := fillBuffer(buf, scratch); err != nil {
		queue.Cancel(key)
		log.Debug().Err(err).Str("name", d.name).Msg("Frame skipped")
		return
	}

	ts := time.Since(epoch).Microseconds()
	if err := queue.Queue(key, ts, image.Rect(0, 0, buf.Width, buf.Height), gfx.TransformNone); err != nil {
		log.Debug().Err(err).Str("name", d.name).Msg("Frame skipped")
		return
	}
	timer.Tick(1)
}
