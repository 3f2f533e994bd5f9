package surface

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/ScreenWire/internal/compositor"
	"github.com/bryanchriswhite/ScreenWire/internal/encoder"
	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
)

// fakeDisplay is a virtual display handle that, like the real backends,
// drops the producer side of its bound queue on Release.
type fakeDisplay struct {
	mu       sync.Mutex
	name     string
	queue    *gfx.BufferQueue
	released int
}

func (d *fakeDisplay) Name() string { return d.name }

func (d *fakeDisplay) Release() error {
	d.mu.Lock()
	d.released++
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()
	if queue != nil {
		queue.DisconnectProducer()
	}
	return nil
}

// appliedTransaction is the record of one committed transaction.
type appliedTransaction struct {
	boundQueue  *gfx.BufferQueue
	setSurface  bool
	contentRect image.Rectangle
	displayRect image.Rectangle
	setProj     bool
	layerStack  uint32
	setLayer    bool
}

type fakeTransaction struct {
	comp    *fakeCompositor
	display *fakeDisplay
	applied appliedTransaction
}

func (t *fakeTransaction) SetDisplaySurface(display compositor.VirtualDisplay, queue *gfx.BufferQueue) compositor.Transaction {
	t.display = display.(*fakeDisplay)
	t.applied.boundQueue = queue
	t.applied.setSurface = true
	return t
}

func (t *fakeTransaction) SetDisplayProjection(display compositor.VirtualDisplay, _ compositor.Orientation, contentRect, displayRect image.Rectangle) compositor.Transaction {
	t.display = display.(*fakeDisplay)
	t.applied.contentRect = contentRect
	t.applied.displayRect = displayRect
	t.applied.setProj = true
	return t
}

func (t *fakeTransaction) SetDisplayLayerStack(display compositor.VirtualDisplay, layerStack uint32) compositor.Transaction {
	t.display = display.(*fakeDisplay)
	t.applied.layerStack = layerStack
	t.applied.setLayer = true
	return t
}

func (t *fakeTransaction) Apply() error {
	if t.applied.setSurface && t.applied.boundQueue != nil {
		t.display.mu.Lock()
		t.display.queue = t.applied.boundQueue
		t.display.mu.Unlock()
		if err := t.applied.boundQueue.ConnectProducer(nil); err != nil {
			return err
		}
	}
	t.comp.mu.Lock()
	t.comp.transactions = append(t.comp.transactions, t.applied)
	t.comp.mu.Unlock()
	return nil
}

// fakeCompositor serves scripted display state and records every committed
// transaction.
type fakeCompositor struct {
	mu           sync.Mutex
	state        compositor.DisplayState
	mode         compositor.DisplayMode
	stateErr     error
	displays     []*fakeDisplay
	transactions []appliedTransaction
}

func (c *fakeCompositor) DisplayState() (compositor.DisplayState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateErr != nil {
		return compositor.DisplayState{}, c.stateErr
	}
	return c.state, nil
}

func (c *fakeCompositor) DisplayMode() (compositor.DisplayMode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, nil
}

func (c *fakeCompositor) CreateVirtualDisplay(name string) (compositor.VirtualDisplay, error) {
	d := &fakeDisplay{name: name}
	c.mu.Lock()
	c.displays = append(c.displays, d)
	c.mu.Unlock()
	return d, nil
}

func (c *fakeCompositor) NewTransaction() compositor.Transaction {
	return &fakeTransaction{comp: c}
}

func (c *fakeCompositor) Close() error { return nil }

func (c *fakeCompositor) transactionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transactions)
}

func (c *fakeCompositor) lastTransaction() appliedTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactions[len(c.transactions)-1]
}

// fakeBackend records submitted buffers.
type fakeBackend struct {
	mu        sync.Mutex
	submitted []gfx.BufferItem
}

func (b *fakeBackend) BufferUsage() gfx.Usage { return gfx.UsageSoftwareRead }

func (b *fakeBackend) Configure(format encoder.Format) error { return nil }

func (b *fakeBackend) SetOrientationCheck(check func()) {}

func (b *fakeBackend) Start(q *frame.Queue) error { return nil }

func (b *fakeBackend) Stop() {}

func (b *fakeBackend) Release() error { return nil }

func (b *fakeBackend) Submit(item gfx.BufferItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, item)
	return nil
}

func (b *fakeBackend) submittedItems() []gfx.BufferItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gfx.BufferItem(nil), b.submitted...)
}

func newFakeCompositor(w, h int) *fakeCompositor {
	return &fakeCompositor{
		state: compositor.DisplayState{
			LayerStack:  7,
			Orientation: compositor.OrientationNormal,
			Bounds:      image.Rect(0, 0, w, h),
		},
		mode: compositor.DisplayMode{Size: image.Pt(w, h), RefreshRate: 60},
	}
}

// TestProjectDisplayRectPortraitHalf validates the aspect-preservation
// property: a 1080x2400 display mapped into a 540x1200 target fills it to
// within integer rounding, centered.
func TestProjectDisplayRectPortraitHalf(t *testing.T) {
	r := projectDisplayRect(image.Rect(0, 0, 1080, 2400), 540, 1200)

	if r.Dy() != 1200 {
		t.Errorf("height = %d, want 1200", r.Dy())
	}
	if r.Dx() < 539 || r.Dx() > 540 {
		t.Errorf("width = %d, want 540 within rounding", r.Dx())
	}
	if r.Min.X != (540-r.Dx())/2 {
		t.Errorf("x offset = %d, want centered", r.Min.X)
	}
	if r.Min.Y != (1200-r.Dy())/2 {
		t.Errorf("y offset = %d, want centered", r.Min.Y)
	}
}

// TestProjectDisplayRectLetterbox validates that a wide display inside a
// tall target is pinned to full width and vertically centered.
func TestProjectDisplayRectLetterbox(t *testing.T) {
	r := projectDisplayRect(image.Rect(0, 0, 1920, 1080), 540, 1200)

	want := image.Rect(0, 448, 540, 751)
	if r != want {
		t.Errorf("rect = %v, want %v", r, want)
	}
}

// TestProjectDisplayRectPillarbox validates that a tall display inside a
// wide target is pinned to full height and horizontally centered.
func TestProjectDisplayRectPillarbox(t *testing.T) {
	r := projectDisplayRect(image.Rect(0, 0, 1080, 1920), 640, 480)

	if r.Dy() != 480 {
		t.Errorf("height = %d, want 480", r.Dy())
	}
	if r.Dx() < 269 || r.Dx() > 270 {
		t.Errorf("width = %d, want 270 within rounding", r.Dx())
	}
	if r.Min.X != (640-r.Dx())/2 {
		t.Errorf("x offset = %d, want centered", r.Min.X)
	}
}

// TestFetchDisplayParametersDefaultSize validates that zero video
// dimensions derive from the display as half its size, floored to even
// before halving, while explicit dimensions are kept.
func TestFetchDisplayParametersDefaultSize(t *testing.T) {
	comp := newFakeCompositor(1083, 601)
	s := New(comp, &fakeBackend{}, 0, 0)
	defer s.Destroy()

	if err := s.FetchDisplayParameters(); err != nil {
		t.Fatalf("FetchDisplayParameters() failed: %v", err)
	}
	w, h := s.VideoSize()
	if w != 541 || h != 300 {
		t.Errorf("derived size = %dx%d, want 541x300", w, h)
	}

	explicit := New(comp, &fakeBackend{}, 640, 360)
	defer explicit.Destroy()
	if err := explicit.FetchDisplayParameters(); err != nil {
		t.Fatalf("FetchDisplayParameters() failed: %v", err)
	}
	w, h = explicit.VideoSize()
	if w != 640 || h != 360 {
		t.Errorf("explicit size = %dx%d, want 640x360", w, h)
	}
}

// TestPrepareVirtualDisplayTransaction validates the single-transaction
// bind: surface, projection over the full display bounds, and layer stack
// all land in one Apply.
func TestPrepareVirtualDisplayTransaction(t *testing.T) {
	comp := newFakeCompositor(1920, 1080)
	s := New(comp, &fakeBackend{}, 960, 540)
	defer s.Destroy()

	if err := s.FetchDisplayParameters(); err != nil {
		t.Fatalf("FetchDisplayParameters() failed: %v", err)
	}
	if err := s.CreateVirtualDisplay(); err != nil {
		t.Fatalf("CreateVirtualDisplay() failed: %v", err)
	}
	if err := s.PrepareVirtualDisplay(); err != nil {
		t.Fatalf("PrepareVirtualDisplay() failed: %v", err)
	}

	if n := comp.transactionCount(); n != 1 {
		t.Fatalf("applied %d transactions, want 1", n)
	}
	applied := comp.lastTransaction()
	if !applied.setSurface || applied.boundQueue == nil {
		t.Error("transaction did not bind the buffer queue")
	}
	if !applied.setProj || applied.contentRect != image.Rect(0, 0, 1920, 1080) {
		t.Errorf("content rect = %v, want full display bounds", applied.contentRect)
	}
	if applied.displayRect != image.Rect(0, 0, 960, 540) {
		t.Errorf("display rect = %v, want 960x540 at origin", applied.displayRect)
	}
	if !applied.setLayer || applied.layerStack != 7 {
		t.Errorf("layer stack = %d, want 7", applied.layerStack)
	}
}

// TestOnFrameAvailableSubmitsDetachedBuffer validates the hand-off: a
// buffer queued by the producer is acquired, detached from the queue, and
// submitted to the backend with its metadata.
func TestOnFrameAvailableSubmitsDetachedBuffer(t *testing.T) {
	comp := newFakeCompositor(1920, 1080)
	backend := &fakeBackend{}
	s := New(comp, backend, 320, 180)
	defer s.Destroy()

	if err := s.FetchDisplayParameters(); err != nil {
		t.Fatalf("FetchDisplayParameters() failed: %v", err)
	}
	if err := s.CreateVirtualDisplay(); err != nil {
		t.Fatalf("CreateVirtualDisplay() failed: %v", err)
	}
	if err := s.PrepareVirtualDisplay(); err != nil {
		t.Fatalf("PrepareVirtualDisplay() failed: %v", err)
	}

	queue := comp.lastTransaction().boundQueue
	key, _, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	if err := queue.Queue(key, 4242, image.Rect(0, 0, 320, 180), gfx.TransformNone); err != nil {
		t.Fatalf("Queue() failed: %v", err)
	}

	items := backend.submittedItems()
	if len(items) != 1 {
		t.Fatalf("submitted %d buffers, want 1", len(items))
	}
	if items[0].Timestamp != 4242 {
		t.Errorf("timestamp = %d, want 4242", items[0].Timestamp)
	}
	if n := queue.PendingCount(); n != 0 {
		t.Errorf("queue still has %d pending buffers", n)
	}
}

// TestCheckOrientationRebind validates the rotation path: a state query
// reporting a new orientation posts exactly one projection rebind against
// the rotated bounds, while an unchanged or failing query leaves the
// projection alone.
func TestCheckOrientationRebind(t *testing.T) {
	comp := newFakeCompositor(1920, 1080)
	s := New(comp, &fakeBackend{}, 960, 540)
	defer s.Destroy()

	if err := s.FetchDisplayParameters(); err != nil {
		t.Fatalf("FetchDisplayParameters() failed: %v", err)
	}
	if err := s.CreateVirtualDisplay(); err != nil {
		t.Fatalf("CreateVirtualDisplay() failed: %v", err)
	}
	if err := s.PrepareVirtualDisplay(); err != nil {
		t.Fatalf("PrepareVirtualDisplay() failed: %v", err)
	}

	s.CheckOrientation()
	if n := comp.transactionCount(); n != 1 {
		t.Fatalf("unchanged orientation applied %d transactions, want 1", n)
	}

	comp.mu.Lock()
	comp.stateErr = errors.New("display gone")
	comp.mu.Unlock()
	s.CheckOrientation()
	if n := comp.transactionCount(); n != 1 {
		t.Fatalf("failed query applied %d transactions, want 1", n)
	}

	comp.mu.Lock()
	comp.stateErr = nil
	comp.state.Orientation = compositor.Orientation90
	comp.state.Bounds = image.Rect(0, 0, 1080, 1920)
	comp.mu.Unlock()
	s.CheckOrientation()

	deadline := time.Now().Add(2 * time.Second)
	for comp.transactionCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("orientation change never applied a rebind transaction")
		}
		time.Sleep(time.Millisecond)
	}
	applied := comp.lastTransaction()
	if applied.contentRect != image.Rect(0, 0, 1080, 1920) {
		t.Errorf("rebind content rect = %v, want rotated bounds", applied.contentRect)
	}
	if !applied.setLayer || applied.layerStack != 7 {
		t.Errorf("rebind layer stack = %d (set=%v), want 7", applied.layerStack, applied.setLayer)
	}
	if applied.setSurface {
		t.Error("rebind touched the surface binding")
	}
}

// TestCheckOrientationLayerStackChange validates that a layer-stack move
// with unchanged orientation still rebinds, carrying the new layer stack
// alongside the projection.
func TestCheckOrientationLayerStackChange(t *testing.T) {
	comp := newFakeCompositor(1920, 1080)
	s := New(comp, &fakeBackend{}, 960, 540)
	defer s.Destroy()

	if err := s.FetchDisplayParameters(); err != nil {
		t.Fatalf("FetchDisplayParameters() failed: %v", err)
	}
	if err := s.CreateVirtualDisplay(); err != nil {
		t.Fatalf("CreateVirtualDisplay() failed: %v", err)
	}
	if err := s.PrepareVirtualDisplay(); err != nil {
		t.Fatalf("PrepareVirtualDisplay() failed: %v", err)
	}

	comp.mu.Lock()
	comp.state.LayerStack = 9
	comp.mu.Unlock()
	s.CheckOrientation()

	deadline := time.Now().Add(2 * time.Second)
	for comp.transactionCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("layer stack change never applied a rebind transaction")
		}
		time.Sleep(time.Millisecond)
	}
	applied := comp.lastTransaction()
	if !applied.setLayer || applied.layerStack != 9 {
		t.Errorf("rebind layer stack = %d (set=%v), want 9", applied.layerStack, applied.setLayer)
	}
	if !applied.setProj || applied.contentRect != image.Rect(0, 0, 1920, 1080) {
		t.Errorf("rebind content rect = %v, want display bounds", applied.contentRect)
	}

	// A second poll against the now-cached state is a no-op.
	s.CheckOrientation()
	time.Sleep(10 * time.Millisecond)
	if n := comp.transactionCount(); n != 2 {
		t.Errorf("unchanged state applied %d transactions, want 2", n)
	}
}

// TestDestroyIdempotent validates that Destroy releases the display once
// and later calls are no-ops.
func TestDestroyIdempotent(t *testing.T) {
	comp := newFakeCompositor(1920, 1080)
	s := New(comp, &fakeBackend{}, 960, 540)

	if err := s.FetchDisplayParameters(); err != nil {
		t.Fatalf("FetchDisplayParameters() failed: %v", err)
	}
	if err := s.CreateVirtualDisplay(); err != nil {
		t.Fatalf("CreateVirtualDisplay() failed: %v", err)
	}
	if err := s.PrepareVirtualDisplay(); err != nil {
		t.Fatalf("PrepareVirtualDisplay() failed: %v", err)
	}

	s.Destroy()
	s.Destroy()

	comp.mu.Lock()
	display := comp.displays[0]
	comp.mu.Unlock()
	display.mu.Lock()
	released := display.released
	display.mu.Unlock()
	if released != 1 {
		t.Errorf("display released %d times, want 1", released)
	}

	if err := s.CreateVirtualDisplay(); err == nil {
		t.Error("CreateVirtualDisplay() after Destroy() did not fail")
	}
}
