// Package compositor mirrors a physical display into off-screen render
// targets. A backend owns the connection to the windowing system, answers
// display state queries, and fills the buffer queue a virtual display was
// bound to with composed frames.
package compositor

import (
	"fmt"
	"image"
	"os"

	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
)

// Orientation is the physical display's rotation in quarter turns.
type Orientation int

const (
	OrientationNormal Orientation = iota
	Orientation90
	Orientation180
	Orientation270
)

// String returns the rotation in degrees.
func (o Orientation) String() string {
	switch o {
	case Orientation90:
		return "90"
	case Orientation180:
		return "180"
	case Orientation270:
		return "270"
	default:
		return "0"
	}
}

// DisplayState is the mutable state of the mirrored physical display.
// Bounds is the oriented content rect: width and height swap when the
// orientation is a quarter turn.
type DisplayState struct {
	LayerStack  uint32
	Orientation Orientation
	Bounds      image.Rectangle
}

// DisplayMode is the active mode of the mirrored physical display. Size is
// the unrotated panel resolution.
type DisplayMode struct {
	Size        image.Point
	RefreshRate float32
}

// Compositor is a connection to a windowing system backend.
type Compositor interface {
	// DisplayState queries the current state of the physical display.
	DisplayState() (DisplayState, error)

	// DisplayMode queries the active mode of the physical display.
	DisplayMode() (DisplayMode, error)

	// CreateVirtualDisplay allocates an off-screen render target. The
	// display produces nothing until a transaction binds it to a buffer
	// queue and a projection.
	CreateVirtualDisplay(name string) (VirtualDisplay, error)

	// NewTransaction starts an atomic batch of display updates.
	NewTransaction() Transaction

	// Close releases every virtual display and the backend connection.
	Close() error
}

// VirtualDisplay is a handle to an off-screen render target.
type VirtualDisplay interface {
	// Name returns the name the display was created with.
	Name() string

	// Release stops production, disconnects the producer side of the
	// bound queue, and retires the render target.
	Release() error
}

// Transaction batches display updates that take effect together on Apply.
// The setters return the transaction for chaining; a setter given a display
// from another backend poisons the transaction and Apply reports it.
type Transaction interface {
	// SetDisplaySurface binds the producer side of queue to the display.
	// A nil queue unbinds it and stops production.
	SetDisplaySurface(display VirtualDisplay, queue *gfx.BufferQueue) Transaction

	// SetDisplayProjection maps the physical display's contentRect into
	// displayRect within the render target, letterboxed on black.
	SetDisplayProjection(display VirtualDisplay, orientation Orientation, contentRect, displayRect image.Rectangle) Transaction

	// SetDisplayLayerStack assigns the layer stack the display mirrors.
	SetDisplayLayerStack(display VirtualDisplay, layerStack uint32) Transaction

	// Apply commits the batched updates.
	Apply() error
}

// projection maps the physical display's content rect into a rect within
// the render target.
type projection struct {
	orientation Orientation
	contentRect image.Rectangle
	displayRect image.Rectangle
}

// displayUpdate is one display's pending state within a transaction.
type displayUpdate struct {
	setQueue   bool
	queue      *gfx.BufferQueue
	setProj    bool
	proj       projection
	setLayer   bool
	layerStack uint32
}

// displayApplier is the backend side of a VirtualDisplay.
type displayApplier interface {
	VirtualDisplay
	owner() Compositor
	applyUpdate(*displayUpdate) error
}

// transaction batches per-display updates and commits them on Apply. Both
// backends use it; only applyUpdate differs.
type transaction struct {
	comp    Compositor
	err     error
	updates map[displayApplier]*displayUpdate
	order   []displayApplier
}

func newTransaction(comp Compositor) *transaction {
	return &transaction{comp: comp, updates: make(map[displayApplier]*displayUpdate)}
}

func (t *transaction) update(display VirtualDisplay) *displayUpdate {
	if display == nil {
		if t.err == nil {
			t.err = fmt.Errorf("nil virtual display")
		}
		return nil
	}
	d, ok := display.(displayApplier)
	if !ok || d.owner() != t.comp {
		if t.err == nil {
			t.err = fmt.Errorf("display %q does not belong to this compositor", display.Name())
		}
		return nil
	}
	u, ok := t.updates[d]
	if !ok {
		u = &displayUpdate{}
		t.updates[d] = u
		t.order = append(t.order, d)
	}
	return u
}

func (t *transaction) SetDisplaySurface(display VirtualDisplay, queue *gfx.BufferQueue) Transaction {
	if u := t.update(display); u != nil {
		u.setQueue = true
		u.queue = queue
	}
	return t
}

func (t *transaction) SetDisplayProjection(display VirtualDisplay, orientation Orientation, contentRect, displayRect image.Rectangle) Transaction {
	if u := t.update(display); u != nil {
		u.setProj = true
		u.proj = projection{orientation: orientation, contentRect: contentRect, displayRect: displayRect}
	}
	return t
}

func (t *transaction) SetDisplayLayerStack(display VirtualDisplay, layerStack uint32) Transaction {
	if u := t.update(display); u != nil {
		u.setLayer = true
		u.layerStack = layerStack
	}
	return t
}

func (t *transaction) Apply() error {
	if t.err != nil {
		return t.err
	}
	for _, d := range t.order {
		if err := d.applyUpdate(t.updates[d]); err != nil {
			return err
		}
	}
	return nil
}

// Open connects the backend named by the capture config. Backend "auto"
// picks the Wayland portal when the session type says so and X11 otherwise.
func Open(cfg *config.Config) (Compositor, error) {
	backend := cfg.Capture.Backend
	if backend == config.BackendAuto {
		if os.Getenv("XDG_SESSION_TYPE") == "wayland" {
			backend = config.BackendPortal
		} else {
			backend = config.BackendX11
		}
	}

	switch backend {
	case config.BackendX11:
		return NewX11Compositor(cfg)
	case config.BackendPortal:
		return NewPortalCompositor(cfg)
	default:
		return nil, fmt.Errorf("unknown capture backend: %q", backend)
	}
}
