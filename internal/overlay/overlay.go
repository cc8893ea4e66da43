// Package overlay draws detection boxes and labels onto JPEG frames.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

var (
	colorWeapon = color.RGBA{R: 255, G: 40, B: 40, A: 255}
	colorPerson = color.RGBA{R: 40, G: 220, B: 90, A: 255}
	colorText   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const lineWidth = 2

// Annotator renders boxes onto JPEG frames at a fixed quality
type Annotator struct {
	quality int
	face    font.Face
}

// New creates an annotator. quality is the JPEG quality (1-100).
func New(quality int) *Annotator {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Annotator{quality: quality, face: basicfont.Face7x13}
}

// Annotate decodes src, draws every box with its label and re-encodes it.
func (a *Annotator) Annotate(src []byte, boxes []types.Detection) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	canvas := image.NewRGBA(img.Bounds())
	draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)

	for _, b := range boxes {
		c := colorPerson
		if b.Category == types.CategoryWeapon {
			c = colorWeapon
		}
		r := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Intersect(canvas.Bounds())
		if r.Empty() {
			continue
		}
		strokeRect(canvas, r, c)
		a.label(canvas, r, b.Label, c)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, canvas, &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out.Bytes(), nil
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	fill := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineWidth),
		image.Rect(r.Min.X, r.Max.Y-lineWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineWidth, r.Max.Y),
		image.Rect(r.Max.X-lineWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}

// label draws text on a filled tag above the box, or inside it at the top edge.
func (a *Annotator) label(dst *image.RGBA, r image.Rectangle, text string, bg color.Color) {
	if text == "" {
		return
	}
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(colorText), Face: a.face}
	m := a.face.Metrics()
	h := (m.Ascent + m.Descent).Ceil() + 2
	w := d.MeasureString(text).Ceil() + 4

	top := r.Min.Y - h
	if top < dst.Bounds().Min.Y {
		top = r.Min.Y
	}
	tag := image.Rect(r.Min.X, top, r.Min.X+w, top+h).Intersect(dst.Bounds())
	draw.Draw(dst, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.Point26_6{
		X: fixed.I(tag.Min.X + 2),
		Y: fixed.I(tag.Min.Y+1) + m.Ascent,
	}
	d.DrawString(text)
}
