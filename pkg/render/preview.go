package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"

	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/window"
)

// DefaultPreviewSide caps the longest preview edge in pixels.
const DefaultPreviewSide = 512

// Palette is a color ramp sampled at evenly spaced stops from low to high.
type Palette struct {
	Name  string
	Stops []color.RGBA
}

// Ramps used for the mask previews: 5y red, 2y blue, 3m green, change grids gray.
var (
	Reds = Palette{Name: "Reds", Stops: []color.RGBA{
		{0xff, 0xf5, 0xf0, 0xff}, {0xfb, 0x6a, 0x4a, 0xff}, {0x67, 0x00, 0x0d, 0xff},
	}}
	Blues = Palette{Name: "Blues", Stops: []color.RGBA{
		{0xf7, 0xfb, 0xff, 0xff}, {0x6b, 0xae, 0xd6, 0xff}, {0x08, 0x30, 0x6b, 0xff},
	}}
	Greens = Palette{Name: "Greens", Stops: []color.RGBA{
		{0xf7, 0xfc, 0xf5, 0xff}, {0x74, 0xc4, 0x76, 0xff}, {0x00, 0x44, 0x1b, 0xff},
	}}
	Gray = Palette{Name: "gray", Stops: []color.RGBA{
		{0x00, 0x00, 0x00, 0xff}, {0xff, 0xff, 0xff, 0xff},
	}}
)

// WindowPalette returns the ramp used for a window's mask.
func WindowPalette(w window.Window) Palette {
	switch w {
	case window.FiveYear:
		return Reds
	case window.TwoYear:
		return Blues
	case window.ThreeMonth:
		return Greens
	}
	return Gray
}

// At maps t in [0,1] onto the ramp.
func (p Palette) At(t float64) color.RGBA {
	if len(p.Stops) == 0 {
		return color.RGBA{A: 0xff}
	}
	if len(p.Stops) == 1 || t <= 0 || math.IsNaN(t) {
		return p.Stops[0]
	}
	if t >= 1 {
		return p.Stops[len(p.Stops)-1]
	}
	pos := t * float64(len(p.Stops)-1)
	i := int(pos)
	f := pos - float64(i)
	a, b := p.Stops[i], p.Stops[i+1]
	lerp := func(x, y uint8) uint8 { return uint8(math.Round(float64(x) + (float64(y)-float64(x))*f)) }
	return color.RGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 0xff}
}

// Colorize stretches the raster values between their min and max onto p.
// Nodata cells are transparent.
func Colorize(r *raster.Raster, p Palette) *image.RGBA {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range r.Values {
		f := float64(v)
		if math.IsNaN(f) || (r.HasNoData && f == r.NoData) {
			continue
		}
		lo, hi = math.Min(lo, f), math.Max(hi, f)
	}
	span := hi - lo

	img := image.NewRGBA(image.Rect(0, 0, r.Cols, r.Rows))
	for i, v := range r.Values {
		f := float64(v)
		if math.IsNaN(f) || (r.HasNoData && f == r.NoData) {
			continue
		}
		t := 0.0
		if span > 0 {
			t = (f - lo) / span
		}
		img.SetRGBA(i%r.Cols, i/r.Cols, p.At(t))
	}
	return img
}

// Fit scales img down so its longest side is at most maxSide.
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}
	scale := float64(maxSide) / float64(max(w, h))
	dw, dh := max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// PreviewPNG writes a colorized, downscaled PNG of r.
func PreviewPNG(w io.Writer, r *raster.Raster, p Palette, maxSide int) error {
	if r.Rows == 0 || r.Cols == 0 {
		return fmt.Errorf("preview: %w", raster.ErrEmptyRaster)
	}
	return png.Encode(w, Fit(Colorize(r, p), maxSide))
}

// ImagePNG writes any image (the overlay) as a downscaled PNG.
func ImagePNG(w io.Writer, img image.Image, maxSide int) error {
	return png.Encode(w, Fit(img, maxSide))
}
