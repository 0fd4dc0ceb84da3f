// Package overlay draws the detected skeleton and the posture label onto a
// frame and encodes it as JPEG for subscribers.
package overlay

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

const DefaultQuality = 75

var ErrInvalidFrame = errors.New("overlay: invalid frame")

var (
	colorGood     = color.RGBA{R: 40, G: 200, B: 80, A: 255}
	colorBad      = color.RGBA{R: 230, G: 50, B: 50, A: 255}
	colorUnknown  = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	colorSkeleton = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	colorLabelBG  = color.RGBA{A: 255}
)

// Renderer is stateless and safe for concurrent use
type Renderer struct {
	quality int
}

// New returns a renderer encoding at quality (1-100)
func New(quality int) *Renderer {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Renderer{quality: quality}
}

// Render draws det and the posture label over frame and returns the JPEG
func (r *Renderer) Render(frame *types.Frame, det types.Detection, posture types.PostureState) ([]byte, error) {
	if !frame.Valid() {
		return nil, ErrInvalidFrame
	}

	img := toRGBA(frame)
	labelColor := stateColor(posture)
	if det.UserPresent && det.Landmarks != nil {
		drawSkeleton(img, det.Landmarks, labelColor)
	}
	drawLabel(img, label(posture, det.UserPresent), labelColor)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toRGBA(f *types.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < len(f.BGR); i, j = i+3, j+4 {
		img.Pix[j] = f.BGR[i+2]
		img.Pix[j+1] = f.BGR[i+1]
		img.Pix[j+2] = f.BGR[i]
		img.Pix[j+3] = 255
	}
	return img
}

func stateColor(posture types.PostureState) color.RGBA {
	switch posture {
	case types.PostureGood:
		return colorGood
	case types.PostureBad:
		return colorBad
	default:
		return colorUnknown
	}
}

func label(posture types.PostureState, present bool) string {
	switch {
	case !present:
		return "NO USER"
	case posture == types.PostureGood:
		return "GOOD POSTURE"
	case posture == types.PostureBad:
		return "BAD POSTURE"
	default:
		return "POSTURE UNKNOWN"
	}
}

func drawSkeleton(img *image.RGBA, l *types.Landmarks, jointColor color.RGBA) {
	b := img.Bounds()
	px := func(p types.Point) image.Point {
		return image.Pt(int(p.X*float64(b.Dx())), int(p.Y*float64(b.Dy())))
	}
	mid := func(a, c types.Point) image.Point {
		return px(types.Point{X: (a.X + c.X) / 2, Y: (a.Y + c.Y) / 2})
	}

	shoulders := mid(l.LeftShoulder, l.RightShoulder)
	drawLine(img, px(l.LeftShoulder), px(l.RightShoulder), colorSkeleton)
	drawLine(img, shoulders, px(l.Nose), colorSkeleton)
	joints := []types.Point{l.Nose, l.LeftShoulder, l.RightShoulder}

	if l.HasHips() {
		drawLine(img, px(l.LeftHip), px(l.RightHip), colorSkeleton)
		drawLine(img, mid(l.LeftHip, l.RightHip), shoulders, colorSkeleton)
		joints = append(joints, l.LeftHip, l.RightHip)
	}
	for _, j := range joints {
		c := px(j)
		draw.Draw(img, image.Rect(c.X-3, c.Y-3, c.X+4, c.Y+4), image.NewUniform(jointColor), image.Point{}, draw.Src)
	}
}

// drawLine is Bresenham with a 2px brush
func drawLine(img *image.RGBA, a, b image.Point, c color.RGBA) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	e := dx + dy
	for {
		img.SetRGBA(a.X, a.Y, c)
		img.SetRGBA(a.X+1, a.Y, c)
		img.SetRGBA(a.X, a.Y+1, c)
		if a == b {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			a.X += sx
		}
		if e2 <= dx {
			e += dx
			a.Y += sy
		}
	}
}

func drawLabel(img *image.RGBA, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(c), Face: face}
	width := d.MeasureString(text).Ceil()

	const pad = 4
	bg := image.Rect(0, 0, width+2*pad, face.Height+2*pad).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(colorLabelBG), image.Point{}, draw.Src)

	d.Dot = fixed.P(pad, pad+face.Ascent)
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
