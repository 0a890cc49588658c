package inference

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorLive     = color.RGBA{0, 255, 0, 255}
	colorDead     = color.RGBA{255, 0, 0, 255}
	colorText     = color.RGBA{255, 255, 255, 255}
	colorBackdrop = color.RGBA{0, 0, 0, 160}
)

const (
	boxThickness = 2
	lineHeight   = 15
)

// Annotate returns a copy of src with boxes, labels and the count overlay
// drawn on it. src is never modified.
func Annotate(src *image.RGBA, dets []Detection, deadLabel string, live, dead int, ts time.Time) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)

	for _, d := range dets {
		col := colorLive
		if d.Label == deadLabel {
			col = colorDead
		}
		box := d.Box.Intersect(dst.Bounds())
		drawRect(dst, box, col, boxThickness)

		y := box.Min.Y - 4
		if y < dst.Bounds().Min.Y+lineHeight {
			y = box.Min.Y + lineHeight
		}
		drawText(dst, fmt.Sprintf("%s %.2f", d.Label, d.Confidence), box.Min.X, y, col)
	}

	drawOverlay(dst, []string{
		ts.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("Live: %d", live),
		fmt.Sprintf("Dead: %d", dead),
	})
	return dst
}

func drawRect(img *image.RGBA, r image.Rectangle, col color.RGBA, thickness int) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(col)
	for i := 0; i < thickness; i++ {
		inner := r.Inset(i)
		if inner.Empty() {
			return
		}
		edges := []image.Rectangle{
			image.Rect(inner.Min.X, inner.Min.Y, inner.Max.X, inner.Min.Y+1),
			image.Rect(inner.Min.X, inner.Max.Y-1, inner.Max.X, inner.Max.Y),
			image.Rect(inner.Min.X, inner.Min.Y, inner.Min.X+1, inner.Max.Y),
			image.Rect(inner.Max.X-1, inner.Min.Y, inner.Max.X, inner.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(img, e, src, image.Point{}, draw.Src)
		}
	}
}

func drawText(img *image.RGBA, text string, x, y int, col color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.Int26_6(x * 64), Y: fixed.Int26_6(y * 64)},
	}
	d.DrawString(text)
}

func drawOverlay(img *image.RGBA, lines []string) {
	width := 0
	for _, l := range lines {
		if w := font.MeasureString(basicfont.Face7x13, l).Ceil(); w > width {
			width = w
		}
	}
	b := img.Bounds()
	backdrop := image.Rect(b.Min.X, b.Min.Y, b.Min.X+width+12, b.Min.Y+len(lines)*lineHeight+8).Intersect(b)
	draw.Draw(img, backdrop, image.NewUniform(colorBackdrop), image.Point{}, draw.Over)

	for i, l := range lines {
		drawText(img, l, b.Min.X+6, b.Min.Y+(i+1)*lineHeight, colorText)
	}
}
