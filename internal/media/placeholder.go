package media

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var placeholderBackground = color.RGBA{R: 0x40, G: 0x40, B: 0x40, A: 0xff}

// Placeholder renders the stand-in thumbnail for images that cannot be
// decoded: a dark square with the format label above "Not Supported".
func Placeholder(size int, label string) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderBackground), image.Point{}, draw.Src)

	mid := size / 2
	labelScale := max(size/100, 1)
	subScale := max(labelScale/2, 1)
	drawCentered(img, label, labelScale, mid-10)
	drawCentered(img, "Not Supported", subScale, mid+25)
	return img
}

// drawCentered draws s horizontally centered with its baseline at y,
// enlarging the bitmap face by an integer factor.
func drawCentered(dst *image.RGBA, s string, scale, y int) {
	face := basicfont.Face7x13
	d := &font.Drawer{Src: image.NewUniform(color.White), Face: face}
	w := d.MeasureString(s).Ceil()
	if w == 0 {
		return
	}
	h := face.Height

	text := image.NewRGBA(image.Rect(0, 0, w, h))
	d.Dst = text
	d.Dot = fixed.P(0, face.Ascent)
	d.DrawString(s)

	sw, sh := w*scale, h*scale
	if sw > dst.Bounds().Dx() {
		scale = max(dst.Bounds().Dx()/w, 1)
		sw, sh = w*scale, h*scale
	}
	x0 := (dst.Bounds().Dx() - sw) / 2
	y0 := y - face.Ascent*scale
	r := image.Rect(x0, y0, x0+sw, y0+sh)
	draw.NearestNeighbor.Scale(dst, r, text, text.Bounds(), draw.Over, nil)
}
