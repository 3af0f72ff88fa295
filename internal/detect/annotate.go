package detect

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	roadColor     = color.RGBA{0, 255, 0, 255}
	standardColor = color.RGBA{0, 255, 255, 255}
)

// Annotator renders detection overlays onto JPEG frames and bounds the
// payload size by scaling frames down to a maximum width.
type Annotator struct {
	MaxWidth    int
	JPEGQuality int
}

// NewAnnotator returns an Annotator with the given output bounds.
func NewAnnotator(maxWidth, quality int) *Annotator {
	if maxWidth <= 0 {
		maxWidth = 720
	}
	if quality <= 0 || quality > 100 {
		quality = 55
	}
	return &Annotator{MaxWidth: maxWidth, JPEGQuality: quality}
}

// Render draws the detections over the frame, scales it to fit MaxWidth and
// re-encodes it. On any decode/encode failure the original frame is
// returned so delivery never stalls on a bad frame.
func (a *Annotator) Render(jpegData []byte, result *Result) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	if result != nil {
		for _, det := range result.Detections {
			c := standardColor
			if det.Model == ModelRoad {
				c = roadColor
			}
			x := int(det.BBox.X1)
			y := int(det.BBox.Y1)
			w := int(det.BBox.Width())
			h := int(det.BBox.Height())
			drawBox(rgba, x, y, w, h, c, 2)
			drawLabel(rgba, x, y-5, det.Category, c)
			if det.DistanceM != nil {
				drawLabel(rgba, x, y-20, fmt.Sprintf("%.1fm", *det.DistanceM), roadColor)
			}
		}
	}

	out := a.scale(rgba)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: a.JPEGQuality}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

// Resize scales a raw JPEG down to fit MaxWidth without annotations.
func (a *Annotator) Resize(jpegData []byte) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}
	if img.Bounds().Dx() <= a.MaxWidth {
		return jpegData
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, a.scale(img), &jpeg.Options{Quality: a.JPEGQuality}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

// scale shrinks img to MaxWidth preserving aspect; no-op when already
// within bounds.
func (a *Annotator) scale(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() <= a.MaxWidth {
		return img
	}
	ratio := float64(a.MaxWidth) / float64(b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, a.MaxWidth, int(float64(b.Dy())*ratio)))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// drawBox draws a rectangle outline on the image.
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+t >= 0 && y+t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+t, c)
			}
			if y+h-t >= 0 && y+h-t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+h-t, c)
			}
		}
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+t >= 0 && x+t < bounds.Max.X && j >= 0 {
				img.Set(x+t, j, c)
			}
			if x+w-t >= 0 && x+w-t < bounds.Max.X && j >= 0 {
				img.Set(x+w-t, j, c)
			}
		}
	}
}

// drawLabel draws text with a dark backing rectangle.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
