package compositor

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
)

// X11Compositor mirrors the X root window. Display state comes from the
// RandR extension; each bound virtual display runs a produce loop that
// samples the root at the configured framerate and composes the result into
// queue buffers.
type X11Compositor struct {
	conn         *xgb.Conn
	root         xproto.Window
	screen       *xproto.ScreenInfo
	randrEnabled bool
	fps          int
	preview      bool

	mu       sync.Mutex
	displays map[string]*x11Display
	closed   bool
}

// NewX11Compositor connects to the X server named by the capture config,
// falling back to $DISPLAY when unset.
func NewX11Compositor(cfg *config.Config) (*X11Compositor, error) {
	conn, err := xgb.NewConnDisplay(cfg.Capture.Display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	fps := cfg.Video.Framerate
	if fps <= 0 {
		fps = 30
	}

	c := &X11Compositor{
		conn:     conn,
		root:     screen.Root,
		screen:   screen,
		fps:      fps,
		preview:  cfg.Capture.Preview,
		displays: make(map[string]*x11Display),
	}

	log := logger.WithComponent("x11-compositor")
	if err := randr.Init(conn); err != nil {
		log.Warn().
			Err(err).
			Msg("RandR extension not available - orientation and refresh rate fall back to core protocol values")
	} else {
		c.randrEnabled = true
	}

	log.Info().
		Int("width", int(screen.WidthInPixels)).
		Int("height", int(screen.HeightInPixels)).
		Int("fps", fps).
		Msg("Connected to X server")

	return c, nil
}

// DisplayState reports the root window's layer stack, rotation, and oriented
// content rect.
func (c *X11Compositor) DisplayState() (DisplayState, error) {
	state := DisplayState{
		LayerStack: uint32(c.root),
		Bounds:     image.Rect(0, 0, int(c.screen.WidthInPixels), int(c.screen.HeightInPixels)),
	}
	if !c.randrEnabled {
		return state, nil
	}

	info, err := randr.GetScreenInfo(c.conn, c.root).Reply()
	if err != nil {
		return DisplayState{}, fmt.Errorf("failed to query screen info: %w", err)
	}

	state.Orientation = orientationFromRotation(info.Rotation)
	if int(info.SizeID) < len(info.Sizes) {
		size := info.Sizes[info.SizeID]
		w, h := int(size.WidthInPixels), int(size.HeightInPixels)
		if state.Orientation == Orientation90 || state.Orientation == Orientation270 {
			w, h = h, w
		}
		state.Bounds = image.Rect(0, 0, w, h)
	}
	return state, nil
}

// DisplayMode reports the unrotated panel resolution and refresh rate.
func (c *X11Compositor) DisplayMode() (DisplayMode, error) {
	mode := DisplayMode{
		Size:        image.Pt(int(c.screen.WidthInPixels), int(c.screen.HeightInPixels)),
		RefreshRate: 60,
	}
	if !c.randrEnabled {
		return mode, nil
	}

	info, err := randr.GetScreenInfo(c.conn, c.root).Reply()
	if err != nil {
		return DisplayMode{}, fmt.Errorf("failed to query screen info: %w", err)
	}

	if int(info.SizeID) < len(info.Sizes) {
		size := info.Sizes[info.SizeID]
		mode.Size = image.Pt(int(size.WidthInPixels), int(size.HeightInPixels))
	}
	if info.Rate > 0 {
		mode.RefreshRate = float32(info.Rate)
	}
	return mode, nil
}

func orientationFromRotation(rotation uint16) Orientation {
	switch {
	case rotation&randr.RotationRotate90 != 0:
		return Orientation90
	case rotation&randr.RotationRotate180 != 0:
		return Orientation180
	case rotation&randr.RotationRotate270 != 0:
		return Orientation270
	default:
		return OrientationNormal
	}
}

// CreateVirtualDisplay registers a named render target. Production starts
// once a transaction binds it to a queue and a projection.
func (c *X11Compositor) CreateVirtualDisplay(name string) (VirtualDisplay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("compositor closed")
	}
	if _, ok := c.displays[name]; ok {
		return nil, fmt.Errorf("virtual display %q already exists", name)
	}

	d := &x11Display{comp: c, name: name}
	c.displays[name] = d

	logger.WithComponent("x11-compositor").Info().
		Str("name", name).
		Msg("Virtual display created")
	return d, nil
}

// NewTransaction starts an atomic batch of display updates.
func (c *X11Compositor) NewTransaction() Transaction {
	return newTransaction(c)
}

// Close releases every virtual display and the X server connection.
func (c *X11Compositor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	displays := make([]*x11Display, 0, len(c.displays))
	for _, d := range c.displays {
		displays = append(displays, d)
	}
	c.mu.Unlock()

	for _, d := range displays {
		d.Release()
	}
	c.conn.Close()

	logger.WithComponent("x11-compositor").Info().Msg("X server connection closed")
	return nil
}

func (c *X11Compositor) removeDisplay(name string) {
	c.mu.Lock()
	delete(c.displays, name)
	c.mu.Unlock()
}

type x11Display struct {
	comp *X11Compositor
	name string

	mu            sync.Mutex
	queue         *gfx.BufferQueue
	projection    *projection
	layerStack    uint32
	released      bool
	running       bool
	stop          chan struct{}
	done          chan struct{}
	scratch       *image.RGBA
	preview       *PreviewWindow
	previewFailed bool
}

// Name returns the name the display was created with.
func (d *x11Display) Name() string { return d.name }

func (d *x11Display) owner() Compositor { return d.comp }

// OnBufferReleased implements gfx.ProducerListener. Production is paced by
// the frame ticker, so returned buffers wait for the next dequeue.
func (d *x11Display) OnBufferReleased() {}

// Release stops the produce loop, disconnects the bound queue's producer
// side, and retires the display.
func (d *x11Display) Release() error {
	d.comp.removeDisplay(d.name)

	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	var stopCh, doneCh chan struct{}
	if d.running {
		stopCh, doneCh = d.stop, d.done
		d.running = false
	}
	queue := d.queue
	d.queue = nil
	preview := d.preview
	d.preview = nil
	d.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
	if queue != nil {
		queue.DisconnectProducer()
	}
	if preview != nil {
		preview.Close()
	}

	logger.WithComponent("x11-compositor").Info().
		Str("name", d.name).
		Msg("Virtual display released")
	return nil
}

// applyUpdate commits one transaction's updates for this display. The
// produce loop owns its queue for its whole lifetime; rebinding joins the
// old loop before the new one starts so no two loops ever feed the same
// queue.
func (d *x11Display) applyUpdate(u *displayUpdate) error {
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

	var stopCh, doneCh chan struct{}
	var disconnect *gfx.BufferQueue
	if u.setQueue && u.queue != d.queue {
		if u.queue != nil {
			if err := u.queue.ConnectProducer(d); err != nil {
				d.mu.Unlock()
				return fmt.Errorf("failed to bind display surface: %w", err)
			}
		}
		disconnect = d.queue
		if d.running {
			stopCh, doneCh = d.stop, d.done
			d.running = false
		}
		d.queue = u.queue
		d.scratch = nil
	}

	var startQueue *gfx.BufferQueue
	var startStop, startDone chan struct{}
	if d.queue != nil && d.projection != nil && !d.running {
		d.running = true
		d.stop = make(chan struct{})
		d.done = make(chan struct{})
		startQueue, startStop, startDone = d.queue, d.stop, d.done
	}
	d.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
	if disconnect != nil {
		disconnect.DisconnectProducer()
	}
	if startQueue != nil {
		go d.produceLoop(startQueue, startStop, startDone)
	}
	return nil
}

func (d *x11Display) produceLoop(queue *gfx.BufferQueue, stop, done chan struct{}) {
	defer close(done)

	log := logger.WithComponent("x11-compositor")
	interval := time.Second / time.Duration(d.comp.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timer := frame.NewTimer("compose")
	epoch := time.Now()

	log.Info().
		Str("name", d.name).
		Int("fps", d.comp.fps).
		Msg("Produce loop started")

	for {
		select {
		case <-stop:
			log.Debug().Str("name", d.name).Msg("Produce loop stopped")
			return
		case <-ticker.C:
			if err := d.produce(queue, epoch, timer); err != nil {
				if errors.Is(err, gfx.ErrDisconnected) {
					return
				}
				log.Debug().Err(err).Str("name", d.name).Msg("Frame skipped")
			}
		}
	}
}

// produce samples the root window, composes the projection, and queues one
// buffer. Capture errors are transient: a rotation can shrink the root
// between the state poll and the grab.
func (d *x11Display) produce(queue *gfx.BufferQueue, epoch time.Time, timer *frame.Timer) error {
	d.mu.Lock()
	proj := d.projection
	d.mu.Unlock()
	if proj == nil {
		return nil
	}

	rect := proj.contentRect
	reply, err := xproto.GetImage(
		d.comp.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(d.comp.root),
		int16(rect.Min.X), int16(rect.Min.Y),
		uint16(rect.Dx()), uint16(rect.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return fmt.Errorf("failed to get image: %w", err)
	}

	src := convertZPixmap(reply.Data, rect.Dx(), rect.Dy())

	key, buf, err := queue.Dequeue()
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.scratch == nil || d.scratch.Bounds().Dx() != buf.Width || d.scratch.Bounds().Dy() != buf.Height {
		d.scratch = image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	}
	scratch := d.scratch
	d.mu.Unlock()

	renderFrame(scratch, src, proj.displayRect)

	if err := fillBuffer(buf, scratch); err != nil {
		queue.Cancel(key)
		return err
	}

	ts := time.Since(epoch).Microseconds()
	if err := queue.Queue(key, ts, image.Rect(0, 0, buf.Width, buf.Height), gfx.TransformNone); err != nil {
		return err
	}
	timer.Tick(1)

	if d.comp.preview {
		d.presentPreview(scratch)
	}
	return nil
}

// presentPreview mirrors the composed frame into a local window. The window
// is created on first use; a failed creation disables the preview for the
// display's lifetime.
func (d *x11Display) presentPreview(img *image.RGBA) {
	d.mu.Lock()
	p := d.preview
	failed := d.previewFailed
	d.mu.Unlock()

	if failed {
		return
	}
	if p == nil {
		np, err := NewPreviewWindow("ScreenWire - "+d.name, img.Bounds().Dx(), img.Bounds().Dy())
		if err != nil {
			logger.WithComponent("x11-compositor").Warn().
				Err(err).
				Msg("Preview window unavailable")
			d.mu.Lock()
			d.previewFailed = true
			d.mu.Unlock()
			return
		}

		d.mu.Lock()
		if d.released {
			d.mu.Unlock()
			np.Close()
			return
		}
		d.preview = np
		p = np
		d.mu.Unlock()
	}
	p.Present(img)
}
