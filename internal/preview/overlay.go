package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/vitals-bridge/internal/landmarks"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

var (
	textColor      = color.RGBA{R: 0, G: 255, B: 255, A: 255} // cyan
	textBackground = color.RGBA{A: 160}
	pointColor     = color.RGBA{R: 255, G: 255, B: 0, A: 255} // yellow
	contourColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

const (
	pointRadius = 2
	textLeft    = 10
	textTop     = 8
	lineHeight  = 18
)

// hudLines returns the text block drawn in the top-left corner.
func hudLines(ov types.Overlay) []string {
	talking := "NO"
	if ov.Vitals.Talking {
		talking = "YES"
	}
	lines := []string{
		"Talking: " + talking,
		fmt.Sprintf("Landmarks: %d", len(ov.Dense)),
		"Pulse: " + rateText(ov.Vitals.PulseRate, "bpm"),
		"Breathing: " + rateText(ov.Vitals.BreathingRate, "rpm"),
	}
	if ov.Status != "" {
		lines = append(lines, "Status: "+ov.Status)
	}
	return lines
}

func rateText(v int, unit string) string {
	if v <= 0 {
		return "--"
	}
	return fmt.Sprintf("%d %s", v, unit)
}

// Render draws the overlay onto a copy of src. src is not modified.
func Render(src *image.RGBA, ov types.Overlay) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	drawContours(dst, ov.Canonical)
	for _, p := range ov.Dense {
		if x, y, ok := pixel(p, b); ok {
			fillCircle(dst, x, y, pointRadius, pointColor)
		}
	}
	drawText(dst, hudLines(ov))
	return dst
}

// Encode renders and JPEG-encodes a frame.
func Encode(frame *types.Frame, ov types.Overlay, quality int) ([]byte, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("no frame to encode")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Render(frame.Image, ov), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode preview frame: %w", err)
	}
	return buf.Bytes(), nil
}

func drawText(dst *image.RGBA, lines []string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(textColor), Face: face}
	ascent := face.Metrics().Ascent.Ceil()
	height := face.Metrics().Height.Ceil()

	for i, line := range lines {
		top := dst.Rect.Min.Y + textTop + i*lineHeight
		left := dst.Rect.Min.X + textLeft
		width := font.MeasureString(face, line).Ceil()
		bg := image.Rect(left-3, top-2, left+width+3, top+height+2)
		draw.Draw(dst, bg, image.NewUniform(textBackground), image.Point{}, draw.Over)

		d.Dot = fixed.P(left, top+ascent)
		d.DrawString(line)
	}
}

// drawContours outlines every canonical region. Sets not produced by the
// IBUG68 topology are ignored.
func drawContours(dst *image.RGBA, canonical []types.Point2D) {
	b := dst.Bounds()
	for _, seg := range landmarks.IBUG68.Segments {
		pts := landmarks.IBUG68.Region(canonical, seg.Region)
		if len(pts) < 2 {
			continue
		}
		for i := 1; i < len(pts); i++ {
			line(dst, b, pts[i-1], pts[i])
		}
		if seg.Region.Closed() {
			line(dst, b, pts[len(pts)-1], pts[0])
		}
	}
}

func line(dst *image.RGBA, b image.Rectangle, from, to types.Point2D) {
	x0, y0, ok0 := pixel(from, b)
	x1, y1, ok1 := pixel(to, b)
	if !ok0 || !ok1 {
		return
	}

	// Bresenham
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		dst.SetRGBA(x0, y0, contourColor)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func fillCircle(dst *image.RGBA, cx, cy, r int, c color.RGBA) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				dst.SetRGBA(cx+x, cy+y, c)
			}
		}
	}
}

// pixel rounds a landmark to a pixel. Points that are not finite or lie
// far outside the frame are rejected so a bad landmark cannot stall a
// line walk.
func pixel(p types.Point2D, b image.Rectangle) (int, int, bool) {
	fx, fy := float64(p.X), float64(p.Y)
	if math.IsNaN(fx) || math.IsNaN(fy) || math.IsInf(fx, 0) || math.IsInf(fy, 0) {
		return 0, 0, false
	}
	w, h := float64(b.Dx()), float64(b.Dy())
	if fx < float64(b.Min.X)-w || fx > float64(b.Max.X)+w ||
		fy < float64(b.Min.Y)-h || fy > float64(b.Max.Y)+h {
		return 0, 0, false
	}
	return int(math.Round(fx)), int(math.Round(fy)), true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
