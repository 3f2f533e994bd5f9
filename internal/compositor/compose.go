package compositor

import (
	"fmt"
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"github.com/bryanchriswhite/ScreenWire/internal/gfx"
)

// renderFrame composes src into dst: the area outside displayRect is filled
// black and src is scaled into displayRect.
func renderFrame(dst *image.RGBA, src image.Image, displayRect image.Rectangle) {
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	target := displayRect.Intersect(dst.Bounds())
	if target.Empty() || src.Bounds().Empty() {
		return
	}
	xdraw.ApproxBiLinear.Scale(dst, target, src, src.Bounds(), xdraw.Src, nil)
}

// fillBuffer copies a composed frame into a dequeued buffer.
func fillBuffer(buf *gfx.Buffer, frame *image.RGBA) error {
	if frame.Bounds().Dx() != buf.Width || frame.Bounds().Dy() != buf.Height {
		return fmt.Errorf("frame size mismatch: got %dx%d, want %dx%d",
			frame.Bounds().Dx(), frame.Bounds().Dy(), buf.Width, buf.Height)
	}

	pix, err := buf.Lock(gfx.UsageSoftwareWrite)
	if err != nil {
		return err
	}
	defer buf.Unlock()

	rowBytes := buf.Width * 4
	for y := 0; y < buf.Height; y++ {
		copy(pix[y*buf.Stride*4:y*buf.Stride*4+rowBytes], frame.Pix[y*frame.Stride:y*frame.Stride+rowBytes])
	}
	return nil
}

// convertZPixmap rewrites 32-bit ZPixmap rows (BGRx byte order) into an RGBA
// image. Truncated server replies leave the remaining pixels zeroed.
func convertZPixmap(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	n := width * height * 4
	if len(data) < n {
		n = len(data) &^ 3
	}
	for i := 0; i+3 < n; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 0xff
	}
	return img
}
