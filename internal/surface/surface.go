// Package surface owns the virtual display a capture session renders into
// and the buffer hand-off from compositor to encoder.
package surface

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenWire/internal/compositor"
	"github.com/bryanchriswhite/ScreenWire/internal/encoder"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
)

// displayName is the label virtual displays are created under.
const displayName = "screenwire"

// maxBufferSlots bounds the buffer pool between compositor and encoder.
const maxBufferSlots = 4

// disconnectTimeout bounds the wait for the compositor to drop the producer
// side of the queue during Destroy.
const disconnectTimeout = 2 * time.Second

// Surface is the capture half of a video session: a virtual display the
// compositor mirrors the screen into, the buffer queue it renders through,
// and the encoder backend every produced buffer is submitted to. Setup runs
// in discrete steps so the session can unwind a partial Initialize in
// reverse order.
type Surface struct {
	comp    compositor.Compositor
	backend encoder.Backend

	mu          sync.Mutex
	display     compositor.VirtualDisplay
	queue       *gfx.BufferQueue
	state       compositor.DisplayState
	mode        compositor.DisplayMode
	videoWidth  int
	videoHeight int
	destroyed   bool

	exec         *executor
	disconnected chan struct{}
	discOnce     sync.Once
}

// New prepares a surface for the given compositor and encoder backend. A
// zero video dimension is derived from the display size by
// FetchDisplayParameters.
func New(comp compositor.Compositor, backend encoder.Backend, videoWidth, videoHeight int) *Surface {
	return &Surface{
		comp:         comp,
		backend:      backend,
		videoWidth:   videoWidth,
		videoHeight:  videoHeight,
		exec:         newExecutor(4),
		disconnected: make(chan struct{}),
	}
}

// FetchDisplayParameters queries the physical display and fills in any
// video dimension left at zero with half the display size, floored to even
// before halving.
func (s *Surface) FetchDisplayParameters() error {
	state, err := s.comp.DisplayState()
	if err != nil {
		return fmt.Errorf("failed to get display state: %w", err)
	}
	mode, err := s.comp.DisplayMode()
	if err != nil {
		return fmt.Errorf("failed to get display mode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.mode = mode
	if s.videoWidth == 0 {
		s.videoWidth = (state.Bounds.Dx() &^ 1) / 2
	}
	if s.videoHeight == 0 {
		s.videoHeight = (state.Bounds.Dy() &^ 1) / 2
	}

	logger.WithComponent("surface").Debug().
		Int("width", s.videoWidth).
		Int("height", s.videoHeight).
		Str("orientation", s.state.Orientation.String()).
		Float32("refresh_rate", s.mode.RefreshRate).
		Msg("Display parameters fetched")
	return nil
}

// VideoSize returns the configured or derived capture size.
func (s *Surface) VideoSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoWidth, s.videoHeight
}

// CreateVirtualDisplay allocates the render target and the buffer queue
// between it and the encoder. The surface registers as the queue's
// consumer.
func (s *Surface) CreateVirtualDisplay() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("surface destroyed")
	}
	if s.display != nil {
		return fmt.Errorf("virtual display already created")
	}
	if s.videoWidth <= 0 || s.videoHeight <= 0 {
		return fmt.Errorf("invalid video size %dx%d", s.videoWidth, s.videoHeight)
	}

	display, err := s.comp.CreateVirtualDisplay(displayName)
	if err != nil {
		return fmt.Errorf("failed to create virtual display: %w", err)
	}

	queue := gfx.NewBufferQueue(s.videoWidth, s.videoHeight,
		s.backend.BufferUsage()|gfx.UsageSoftwareWrite, maxBufferSlots)
	if err := queue.ConnectConsumer(s); err != nil {
		display.Release()
		return fmt.Errorf("failed to connect consumer: %w", err)
	}

	s.display = display
	s.queue = queue
	return nil
}

// PrepareVirtualDisplay binds surface, projection, and layer stack to the
// virtual display in one atomic transaction. Production starts when it
// applies.
func (s *Surface) PrepareVirtualDisplay() error {
	s.mu.Lock()
	display := s.display
	queue := s.queue
	state := s.state
	vw, vh := s.videoWidth, s.videoHeight
	s.mu.Unlock()

	if display == nil {
		return fmt.Errorf("virtual display not created")
	}

	t := s.comp.NewTransaction()
	t.SetDisplaySurface(display, queue)
	t.SetDisplayProjection(display, compositor.OrientationNormal,
		state.Bounds, projectDisplayRect(state.Bounds, vw, vh))
	t.SetDisplayLayerStack(display, state.LayerStack)
	if err := t.Apply(); err != nil {
		return fmt.Errorf("failed to prepare virtual display: %w", err)
	}
	return nil
}

// CheckOrientation re-queries the display and, when its orientation or
// layer stack has changed, updates the cache and posts a projection rebind.
// The rebind runs on the surface's task executor so the calling goroutine
// never blocks on a display transaction. Query failures keep the previous
// projection.
func (s *Surface) CheckOrientation() {
	s.mu.Lock()
	if s.destroyed || s.display == nil {
		s.mu.Unlock()
		return
	}
	current := s.state
	s.mu.Unlock()

	log := logger.WithComponent("surface")

	state, err := s.comp.DisplayState()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to query display state")
		return
	}
	if state.Orientation == current.Orientation && state.LayerStack == current.LayerStack {
		return
	}

	log.Info().
		Str("from", current.Orientation.String()).
		Str("to", state.Orientation.String()).
		Uint32("layer_stack", state.LayerStack).
		Msg("Display state changed")

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	if !s.exec.post(s.rebindProjection) {
		log.Warn().Msg("Projection rebind dropped, executor saturated")
	}
}

// rebindProjection re-applies the projection and layer-stack assignment
// against the current display state.
func (s *Surface) rebindProjection() {
	s.mu.Lock()
	if s.destroyed || s.display == nil {
		s.mu.Unlock()
		return
	}
	display := s.display
	state := s.state
	vw, vh := s.videoWidth, s.videoHeight
	s.mu.Unlock()

	t := s.comp.NewTransaction()
	t.SetDisplayProjection(display, compositor.OrientationNormal,
		state.Bounds, projectDisplayRect(state.Bounds, vw, vh))
	t.SetDisplayLayerStack(display, state.LayerStack)
	if err := t.Apply(); err != nil {
		logger.WithComponent("surface").Warn().Err(err).Msg("Failed to rebind projection")
	}
}

// OnFrameAvailable takes the queued buffer out of the queue and submits it
// to the encoder backend. Detach transfers ownership: the hardware backend
// attaches the buffer into its own input pool, the software backend reads
// it once and lets it go.
func (s *Surface) OnFrameAvailable() {
	s.mu.Lock()
	if s.destroyed || s.queue == nil {
		s.mu.Unlock()
		return
	}
	queue := s.queue
	backend := s.backend
	s.mu.Unlock()

	log := logger.WithComponent("surface")

	item, err := queue.Acquire()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to acquire buffer")
		return
	}

	if err := queue.Detach(item.Slot); err != nil {
		log.Warn().Err(err).Msg("Failed to detach buffer")
		queue.Release(item.Slot)
		return
	}

	if err := backend.Submit(item); err != nil {
		log.Warn().Err(err).Msg("Failed to submit buffer")
	}
}

// OnFrameReplaced handles a queued buffer displacing an unacquired one; the
// replacement is consumed like any other frame.
func (s *Surface) OnFrameReplaced() {
	s.OnFrameAvailable()
}

// OnBuffersReleased fires when the queue retires its slot table.
func (s *Surface) OnBuffersReleased() {
	logger.WithComponent("surface").Debug().Msg("Display buffers released")
}

// OnDisconnect records that the producer side is gone so Destroy can stop
// waiting for it.
func (s *Surface) OnDisconnect() {
	s.discOnce.Do(func() { close(s.disconnected) })
}

// Mode returns the physical display mode captured by the last parameter
// fetch.
func (s *Surface) Mode() compositor.DisplayMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Destroy stops the rebind executor, releases the virtual display, waits
// for the compositor to drop its side of the queue, and disconnects the
// consumer. Idempotent.
func (s *Surface) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	display := s.display
	queue := s.queue
	s.display = nil
	s.queue = nil
	s.mu.Unlock()

	s.exec.close()

	log := logger.WithComponent("surface")
	if display != nil {
		if err := display.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to release virtual display")
		}
		select {
		case <-s.disconnected:
		case <-time.After(disconnectTimeout):
			log.Warn().Msg("Timed out waiting for display disconnect")
		}
	}
	if queue != nil {
		queue.DisconnectConsumer()
	}
}

// projectDisplayRect maps a display of the given bounds into a
// videoW x videoH render target, preserving the display's aspect ratio and
// centering the result. The shorter-fitting axis letterboxes the other.
func projectDisplayRect(content image.Rectangle, videoW, videoH int) image.Rectangle {
	aspect := float64(content.Dy()) / float64(content.Dx())

	var outW, outH int
	if float64(videoH) > float64(videoW)*aspect {
		// width binds; bars above and below
		outW = videoW
		outH = int(float64(videoW) * aspect)
	} else {
		// height binds; bars at the sides
		outH = videoH
		outW = int(float64(videoH) / aspect)
	}

	offX := (videoW - outW) / 2
	offY := (videoH - outH) / 2
	return image.Rect(offX, offY, offX+outW, offY+outH)
}
