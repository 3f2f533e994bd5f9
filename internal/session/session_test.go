package session

import (
	"bytes"
	"errors"
	"image"
	"io"
	"sync"
	"testing"

	"github.com/bryanchriswhite/ScreenWire/internal/compositor"
	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/encoder"
	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
)

// callLog records teardown-relevant calls across the fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) index(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c == name {
			return i
		}
	}
	return -1
}

func (l *callLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == name {
			n++
		}
	}
	return n
}

type sessionFakeDisplay struct {
	log   *callLog
	mu    sync.Mutex
	queue *gfx.BufferQueue
}

func (d *sessionFakeDisplay) Name() string { return "fake" }

func (d *sessionFakeDisplay) Release() error {
	d.log.add("display-release")
	d.mu.Lock()
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()
	if queue != nil {
		queue.DisconnectProducer()
	}
	return nil
}

type sessionFakeTransaction struct {
	display *sessionFakeDisplay
	queue   *gfx.BufferQueue
	bind    bool
}

func (t *sessionFakeTransaction) SetDisplaySurface(display compositor.VirtualDisplay, queue *gfx.BufferQueue) compositor.Transaction {
	t.display = display.(*sessionFakeDisplay)
	t.queue = queue
	t.bind = true
	return t
}

func (t *sessionFakeTransaction) SetDisplayProjection(compositor.VirtualDisplay, compositor.Orientation, image.Rectangle, image.Rectangle) compositor.Transaction {
	return t
}

func (t *sessionFakeTransaction) SetDisplayLayerStack(compositor.VirtualDisplay, uint32) compositor.Transaction {
	return t
}

func (t *sessionFakeTransaction) Apply() error {
	if t.bind && t.queue != nil {
		t.display.mu.Lock()
		t.display.queue = t.queue
		t.display.mu.Unlock()
		return t.queue.ConnectProducer(nil)
	}
	return nil
}

type sessionFakeCompositor struct {
	log      *callLog
	stateErr error
}

func (c *sessionFakeCompositor) DisplayState() (compositor.DisplayState, error) {
	if c.stateErr != nil {
		return compositor.DisplayState{}, c.stateErr
	}
	return compositor.DisplayState{
		LayerStack: 1,
		Bounds:     image.Rect(0, 0, 1920, 1080),
	}, nil
}

func (c *sessionFakeCompositor) DisplayMode() (compositor.DisplayMode, error) {
	return compositor.DisplayMode{Size: image.Pt(1920, 1080), RefreshRate: 60}, nil
}

func (c *sessionFakeCompositor) CreateVirtualDisplay(name string) (compositor.VirtualDisplay, error) {
	return &sessionFakeDisplay{log: c.log}, nil
}

func (c *sessionFakeCompositor) NewTransaction() compositor.Transaction {
	return &sessionFakeTransaction{}
}

func (c *sessionFakeCompositor) Close() error {
	c.log.add("comp-close")
	return nil
}

type sessionFakeBackend struct {
	log          *callLog
	configureErr error
	startErr     error

	mu     sync.Mutex
	format encoder.Format
	check  func()
	queue  *frame.Queue
}

func (b *sessionFakeBackend) BufferUsage() gfx.Usage { return gfx.UsageSoftwareRead }

func (b *sessionFakeBackend) Configure(format encoder.Format) error {
	b.log.add("configure")
	b.mu.Lock()
	b.format = format
	b.mu.Unlock()
	return b.configureErr
}

func (b *sessionFakeBackend) SetOrientationCheck(check func()) {
	b.log.add("hook")
	b.mu.Lock()
	b.check = check
	b.mu.Unlock()
}

func (b *sessionFakeBackend) Start(q *frame.Queue) error {
	b.log.add("start")
	if b.startErr != nil {
		return b.startErr
	}
	b.mu.Lock()
	b.queue = q
	b.mu.Unlock()
	return nil
}

func (b *sessionFakeBackend) Submit(item gfx.BufferItem) error { return nil }

func (b *sessionFakeBackend) Stop() { b.log.add("stop") }

func (b *sessionFakeBackend) Release() error {
	b.log.add("release")
	return nil
}

func (b *sessionFakeBackend) startedQueue() *frame.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue
}

func newTestSession(log *callLog, backend *sessionFakeBackend) *VideoSession {
	comp := &sessionFakeCompositor{log: log}
	return newVideoSession("video/h264", comp, backend, config.Defaults())
}

// TestResolveCapabilityDispatch validates the path-to-variant mapping:
// h264 paths yield the hardware-style backend, jpeg paths the software one,
// and reserved or unknown paths yield nothing.
func TestResolveCapabilityDispatch(t *testing.T) {
	c, err := resolveCapability("/video/h264/stream")
	if err != nil {
		t.Fatalf("resolveCapability(h264) failed: %v", err)
	}
	if c.kind != "video/h264" {
		t.Errorf("kind = %q, want video/h264", c.kind)
	}
	if _, ok := c.newBackend().(*encoder.H264Backend); !ok {
		t.Errorf("backend = %T, want *encoder.H264Backend", c.newBackend())
	}

	c, err = resolveCapability("/video/jpeg/stream")
	if err != nil {
		t.Fatalf("resolveCapability(jpeg) failed: %v", err)
	}
	if c.kind != "video/jpeg" {
		t.Errorf("kind = %q, want video/jpeg", c.kind)
	}
	if _, ok := c.newBackend().(*encoder.JPEGBackend); !ok {
		t.Errorf("backend = %T, want *encoder.JPEGBackend", c.newBackend())
	}

	for _, path := range []string{"/audio/mic", "/input/touch", "/video/av1/x", "/shell", "video/h264/x"} {
		if _, err := resolveCapability(path); err == nil {
			t.Errorf("resolveCapability(%q) did not fail", path)
		}
	}
}

// TestInitializeChain validates the setup order and its outputs: the
// encoder is configured with the derived video size before the display
// exists, the orientation hook lands before Start, and Start receives the
// descriptor-emitting frame queue.
func TestInitializeChain(t *testing.T) {
	log := &callLog{}
	backend := &sessionFakeBackend{log: log}
	sess := newTestSession(log, backend)
	defer sess.Destroy()

	if err := sess.initialize(); err != nil {
		t.Fatalf("initialize() failed: %v", err)
	}

	backend.mu.Lock()
	format := backend.format
	check := backend.check
	backend.mu.Unlock()
	want := encoder.Format{Width: 960, Height: 540, Framerate: 30, Bitrate: 10_000_000}
	if format != want {
		t.Errorf("format = %+v, want %+v", format, want)
	}
	if check == nil {
		t.Error("orientation hook was not installed")
	}
	if log.index("hook") > log.index("start") {
		t.Error("orientation hook installed after Start")
	}

	q := backend.startedQueue()
	if q == nil {
		t.Fatal("Start received no queue")
	}
	q.Push(frame.Frame{Payload: []byte("frame"), Kind: frame.Keyframe, Timestamp: 7})
	items, err := sess.Read()
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(items) != 2 || !items[0].OOB || items[1].OOB {
		t.Fatalf("Read() returned %d items, want description then frame", len(items))
	}
	if want := `{"type":"key","timestamp": 7}`; string(items[0].Data) != want {
		t.Errorf("description = %q, want %q", items[0].Data, want)
	}
	if !bytes.Equal(items[1].Data, []byte("frame")) {
		t.Errorf("payload = %q, want %q", items[1].Data, "frame")
	}
}

// TestDestroyOrder validates the fixed teardown sequence: stop the encoder,
// release the display, release the encoder device, close the compositor;
// afterwards every Read returns end of stream and a second Destroy changes
// nothing.
func TestDestroyOrder(t *testing.T) {
	log := &callLog{}
	backend := &sessionFakeBackend{log: log}
	sess := newTestSession(log, backend)

	if err := sess.initialize(); err != nil {
		t.Fatalf("initialize() failed: %v", err)
	}
	sess.Destroy()

	stop := log.index("stop")
	displayRelease := log.index("display-release")
	release := log.index("release")
	compClose := log.index("comp-close")
	if stop == -1 || displayRelease == -1 || release == -1 || compClose == -1 {
		t.Fatalf("teardown calls missing: %v", log.calls)
	}
	if !(stop < displayRelease && displayRelease < release && release < compClose) {
		t.Errorf("teardown order = %v", log.calls)
	}

	for i := 0; i < 3; i++ {
		if _, err := sess.Read(); !errors.Is(err, io.EOF) {
			t.Fatalf("Read() after Destroy = %v, want io.EOF", err)
		}
	}

	sess.Destroy()
	if n := log.count("display-release"); n != 1 {
		t.Errorf("display released %d times, want 1", n)
	}
	if n := log.count("comp-close"); n != 1 {
		t.Errorf("compositor closed %d times, want 1", n)
	}
}

// TestDestroyWakesBlockedReader validates that a reader blocked in Read is
// released with end of stream when the session is destroyed.
func TestDestroyWakesBlockedReader(t *testing.T) {
	log := &callLog{}
	backend := &sessionFakeBackend{log: log}
	sess := newTestSession(log, backend)

	if err := sess.initialize(); err != nil {
		t.Fatalf("initialize() failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := sess.Read()
		errs <- err
	}()

	sess.Destroy()
	if err := <-errs; !errors.Is(err, io.EOF) {
		t.Fatalf("blocked Read() returned %v, want io.EOF", err)
	}
}

// TestInitializeFailureUnwinds validates that a failure partway through the
// chain leaves nothing behind once the session is destroyed: the display
// created before the failing step is released and the compositor closed.
func TestInitializeFailureUnwinds(t *testing.T) {
	log := &callLog{}
	backend := &sessionFakeBackend{log: log, startErr: errors.New("codec refused")}
	sess := newTestSession(log, backend)

	if err := sess.initialize(); err == nil {
		t.Fatal("initialize() did not fail")
	}
	sess.Destroy()

	if n := log.count("display-release"); n != 1 {
		t.Errorf("display released %d times, want 1", n)
	}
	if n := log.count("comp-close"); n != 1 {
		t.Errorf("compositor closed %d times, want 1", n)
	}
	if _, err := sess.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("Read() after failed initialize = %v, want io.EOF", err)
	}
}

// TestInitializeFetchFailure validates that unavailable display parameters
// abort the chain before the encoder is touched.
func TestInitializeFetchFailure(t *testing.T) {
	log := &callLog{}
	backend := &sessionFakeBackend{log: log}
	comp := &sessionFakeCompositor{log: log, stateErr: errors.New("display gone")}
	sess := newVideoSession("video/h264", comp, backend, config.Defaults())

	if err := sess.initialize(); err == nil {
		t.Fatal("initialize() did not fail")
	}
	sess.Destroy()

	if n := log.count("configure"); n != 0 {
		t.Errorf("encoder configured %d times, want 0", n)
	}
	if n := log.count("comp-close"); n != 1 {
		t.Errorf("compositor closed %d times, want 1", n)
	}
}

// TestInitializeConfigureFailureStopsEarly validates that a configure
// rejection aborts before any display is created.
func TestInitializeConfigureFailureStopsEarly(t *testing.T) {
	log := &callLog{}
	backend := &sessionFakeBackend{log: log, configureErr: errors.New("bad format")}
	sess := newTestSession(log, backend)

	if err := sess.initialize(); err == nil {
		t.Fatal("initialize() did not fail")
	}
	sess.Destroy()

	if n := log.count("display-release"); n != 0 {
		t.Errorf("display released %d times, want 0", n)
	}
	if n := log.count("comp-close"); n != 1 {
		t.Errorf("compositor closed %d times, want 1", n)
	}
}

// TestCapabilityQueries validates the fixed capability surface of capture
// sessions.
func TestCapabilityQueries(t *testing.T) {
	log := &callLog{}
	sess := newTestSession(log, &sessionFakeBackend{log: log})
	defer sess.Destroy()

	if sess.Kind() != "video/h264" {
		t.Errorf("Kind() = %q, want video/h264", sess.Kind())
	}
	if !sess.SupportsRead() {
		t.Error("SupportsRead() = false, want true")
	}
	if sess.SupportsWrite() {
		t.Error("SupportsWrite() = true, want false")
	}
}
