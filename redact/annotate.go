package redact

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Tutortoise/plate-privacy-service/models"
)

const (
	HighConfidence   = 0.8
	MediumConfidence = 0.5

	boxThickness = 3
	labelPadding = 5

	// lightLabelL is the CIE L* (0..1) above which a label background takes dark text.
	lightLabelL = 0.6
)

var (
	tierHigh   = toNRGBA(colorful.Hsv(120, 1, 1))
	tierMedium = toNRGBA(colorful.Hsv(60, 1, 1))
	tierLow    = toNRGBA(colorful.Hsv(0, 1, 1))
	darkText   = color.NRGBA{A: 255}
	lightText  = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// TierColor picks the box color for a confidence: green, yellow or red.
func TierColor(conf float32) color.NRGBA {
	switch {
	case conf >= HighConfidence:
		return tierHigh
	case conf >= MediumConfidence:
		return tierMedium
	default:
		return tierLow
	}
}

// LabelTextColor picks dark or light text by the perceptual lightness of the label background.
func LabelTextColor(bg color.NRGBA) color.NRGBA {
	c, ok := colorful.MakeColor(bg)
	if !ok {
		return darkText
	}
	l, _, _ := c.Lab()
	if l > lightLabelL {
		return darkText
	}
	return lightText
}

// Label is the caption drawn next to the i-th (0-based) detection.
func Label(i int, conf float32) string {
	return fmt.Sprintf("Plate #%d: %.1f%%", i+1, conf*100)
}

// Annotate returns a copy of img with a rectangle and a label per detection.
func Annotate(img image.Image, dets []models.Detection) *image.NRGBA {
	out := imaging.Clone(img)
	face := basicfont.Face7x13

	for i, det := range dets {
		col := TierColor(det.Confidence)
		r := det.Box().Rect().Intersect(out.Bounds())
		if r.Empty() {
			continue
		}
		drawFrame(out, r, col, boxThickness)

		label := Label(i, det.Confidence)
		textW := font.MeasureString(face, label).Ceil()
		textH := face.Metrics().Ascent.Ceil()

		baseline := r.Min.Y - 10
		if r.Min.Y <= 30 {
			baseline = r.Max.Y + textH + 10
		}
		bg := image.Rect(r.Min.X, baseline-textH-labelPadding, r.Min.X+textW+2*labelPadding, baseline+labelPadding)
		draw.Draw(out, bg.Intersect(out.Bounds()), image.NewUniform(col), image.Point{}, draw.Src)

		d := &font.Drawer{
			Dst:  out,
			Src:  image.NewUniform(LabelTextColor(col)),
			Face: face,
			Dot:  fixed.Point26_6{X: fixed.I(r.Min.X + labelPadding), Y: fixed.I(baseline)},
		}
		d.DrawString(label)
	}

	return out
}

func drawFrame(dst draw.Image, r image.Rectangle, col color.Color, thickness int) {
	src := image.NewUniform(col)
	bounds := dst.Bounds()
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r).Intersect(bounds), src, image.Point{}, draw.Src)
	}
}

func toNRGBA(c colorful.Color) color.NRGBA {
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}
