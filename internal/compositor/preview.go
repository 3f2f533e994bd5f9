package compositor

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/ScreenWire/internal/logger"
)

// PreviewWindow mirrors composed frames into a local X window on its own
// server connection. Present never blocks the producer: frames land in a
// one-deep mailbox and a painter goroutine uploads the latest one.
type PreviewWindow struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext
	width  int
	height int

	mu     sync.Mutex
	latest *image.RGBA
	closed bool

	dirty chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewPreviewWindow creates and maps a titled window of the given size.
func NewPreviewWindow(title string, width, height int) (*PreviewWindow, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	windowID, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		windowID,
		screen.Root,
		0, 0,
		uint16(width), uint16(height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create window: %w", err)
	}

	p := &PreviewWindow{
		conn:   conn,
		screen: screen,
		window: windowID,
		width:  width,
		height: height,
		dirty:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	log := logger.WithComponent("preview")
	if err := p.setWindowTitle(title); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := p.setWindowClass("screenwire", "ScreenWire"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(conn, windowID).Check(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to map window: %w", err)
	}
	conn.Sync()

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	p.gc = gc
	err = xproto.CreateGCChecked(
		conn,
		gc,
		xproto.Drawable(windowID),
		0,
		nil,
	).Check()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create graphics context: %w", err)
	}

	go p.paintLoop()

	log.Info().
		Int("width", width).
		Int("height", height).
		Uint32("window_id", uint32(windowID)).
		Msg("Preview window created")
	return p, nil
}

// Present stores a copy of img as the next frame to paint.
func (p *PreviewWindow) Present(img *image.RGBA) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.latest == nil || p.latest.Bounds() != img.Bounds() {
		p.latest = image.NewRGBA(img.Bounds())
	}
	copy(p.latest.Pix, img.Pix)
	p.mu.Unlock()

	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// Close destroys the window and its server connection.
func (p *PreviewWindow) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	xproto.FreeGC(p.conn, p.gc)
	xproto.DestroyWindow(p.conn, p.window)
	p.conn.Sync()
	p.conn.Close()

	logger.WithComponent("preview").Info().Msg("Preview window closed")
}

func (p *PreviewWindow) paintLoop() {
	defer close(p.done)
	log := logger.WithComponent("preview")

	for {
		select {
		case <-p.stop:
			return
		case <-p.dirty:
			p.mu.Lock()
			img := p.latest
			p.latest = nil
			p.mu.Unlock()
			if img == nil {
				continue
			}
			if err := p.putImage(img); err != nil {
				log.Debug().Err(err).Msg("Preview paint failed")
			}
		}
	}
}

// putImage uploads a frame in horizontal bands. The core protocol caps
// request length, so a full frame cannot always go up in one PutImage.
func (p *PreviewWindow) putImage(img *image.RGBA) error {
	bounds := img.Bounds()
	imgWidth := bounds.Dx()
	imgHeight := bounds.Dy()
	if imgWidth != p.width || imgHeight != p.height {
		return fmt.Errorf("image size mismatch: got %dx%d, want %dx%d",
			imgWidth, imgHeight, p.width, p.height)
	}

	depth := p.screen.RootDepth
	setup := xproto.Setup(p.conn)

	var bitsPerPixel, scanlinePad uint8
	for _, format := range setup.PixmapFormats {
		if format.Depth == depth {
			bitsPerPixel = format.BitsPerPixel
			scanlinePad = format.ScanlinePad
			break
		}
	}
	if bitsPerPixel == 0 {
		return fmt.Errorf("no pixmap format for depth %d", depth)
	}

	bytesPerPixel := int(bitsPerPixel) / 8
	if bytesPerPixel != 4 {
		return fmt.Errorf("unsupported bits per pixel: %d", bitsPerPixel)
	}
	padBytes := int(scanlinePad) / 8
	stride := ((imgWidth*bytesPerPixel + padBytes - 1) / padBytes) * padBytes

	data := make([]byte, stride*imgHeight)
	for y := 0; y < imgHeight; y++ {
		srcRow := y * img.Stride
		dstRow := y * stride
		for x := 0; x < imgWidth; x++ {
			si := srcRow + x*4
			di := dstRow + x*4
			data[di] = img.Pix[si+2]
			data[di+1] = img.Pix[si+1]
			data[di+2] = img.Pix[si]
			if depth == 32 {
				data[di+3] = img.Pix[si+3]
			}
		}
	}

	rowsPerBand := (maxPutImageBytes / stride)
	if rowsPerBand < 1 {
		rowsPerBand = 1
	}
	for y := 0; y < imgHeight; y += rowsPerBand {
		rows := rowsPerBand
		if y+rows > imgHeight {
			rows = imgHeight - y
		}
		err := xproto.PutImageChecked(
			p.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(p.window),
			p.gc,
			uint16(imgWidth),
			uint16(rows),
			0, int16(y),
			0,
			depth,
			data[y*stride:(y+rows)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image band at row %d: %w", y, err)
		}
	}

	p.conn.Sync()
	return nil
}

// maxPutImageBytes keeps each PutImage under the core protocol's 2^18-unit
// request ceiling with room for the header.
const maxPutImageBytes = 1 << 16

func (p *PreviewWindow) setWindowTitle(title string) error {
	titleAtom, err := p.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := p.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		p.conn,
		xproto.PropModeReplace,
		p.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (p *PreviewWindow) setWindowClass(instance, class string) error {
	classAtom, err := p.getAtom("WM_CLASS")
	if err != nil {
		return err
	}

	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		p.conn,
		xproto.PropModeReplace,
		p.window,
		classAtom,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

func (p *PreviewWindow) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(p.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
