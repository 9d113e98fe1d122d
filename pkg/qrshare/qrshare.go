// Package qrshare renders share links as QR codes with a map-pin badge in
// the middle. Error correction is High so the badge never breaks decoding.
package qrshare

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	qrcode "github.com/skip2/go-qrcode"
	xdraw "golang.org/x/image/draw"
)

// MaxPayload bounds the URL length accepted for encoding.
const MaxPayload = 1024

var ErrPayloadTooLong = errors.New("qr payload too long")

type Options struct {
	// SizePx is the output edge in pixels, 1024 by default.
	SizePx int

	Fg    color.RGBA // modules
	Bg    color.RGBA // background and quiet zone
	Badge color.RGBA // pin color when no logo is given

	// BadgeFrac is the central box edge relative to the image, clamped to 0.18..0.30.
	BadgeFrac float64
	// Padding keeps a logo away from the box edge.
	Padding int
}

func (o *Options) defaults() {
	if o.SizePx <= 0 {
		o.SizePx = 1024
	}
	if o.Padding < 0 {
		o.Padding = 0
	}
	switch {
	case o.BadgeFrac <= 0:
		o.BadgeFrac = 0.24
	case o.BadgeFrac < 0.18:
		o.BadgeFrac = 0.18
	case o.BadgeFrac > 0.30:
		o.BadgeFrac = 0.30
	}
	if (o.Fg == color.RGBA{}) {
		o.Fg = color.RGBA{0x1b, 0x1b, 0x1b, 0xff}
	}
	if (o.Bg == color.RGBA{}) {
		o.Bg = color.RGBA{0xff, 0xff, 0xff, 0xff}
	}
	if (o.Badge == color.RGBA{}) {
		o.Badge = color.RGBA{0xd7, 0x30, 0x27, 0xff}
	}
}

// EncodePNG writes the QR code for data. logoPNG, when it decodes, replaces
// the drawn pin.
func EncodePNG(w io.Writer, data []byte, logoPNG []byte, opt Options) error {
	if len(data) == 0 {
		return errors.New("empty qr payload")
	}
	if len(data) > MaxPayload {
		return ErrPayloadTooLong
	}
	opt.defaults()

	qr, err := qrcode.New(string(data), qrcode.Highest)
	if err != nil {
		return err
	}
	qr.ForegroundColor = opt.Fg
	qr.BackgroundColor = opt.Bg

	src := qr.Image(opt.SizePx)
	b := src.Bounds()
	W, H := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, W, H))
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Src)

	box := int(opt.BadgeFrac * float64(min(W, H)))
	box -= box % 2
	cx, cy := W/2, H/2
	fillRect(dst, cx-box/2, cy-box/2, box, box, opt.Bg)

	drawn := false
	if len(logoPNG) > 0 {
		if logo, err := png.Decode(bytes.NewReader(logoPNG)); err == nil {
			inner := box - 2*opt.Padding
			if inner > 0 {
				sw, sh := fitRect(logo.Bounds().Dx(), logo.Bounds().Dy(), inner, inner)
				rect := image.Rect(cx-sw/2, cy-sh/2, cx-sw/2+sw, cy-sh/2+sh)
				xdraw.CatmullRom.Scale(dst, rect, logo, logo.Bounds(), xdraw.Over, nil)
				drawn = true
			}
		}
	}
	if !drawn {
		drawPin(dst, cx, cy, box, opt.Badge, opt.Bg)
	}

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, dst)
}

// drawPin draws a map marker: a round head with a hole and a point below.
func drawPin(dst *image.RGBA, cx, cy, box int, col, hole color.RGBA) {
	half := float64(box) / 2
	r := 0.52 * half
	headY := float64(cy) - 0.22*half
	tipY := float64(cy) + 0.90*half

	// Tangent points from the tip to the head circle bound the point.
	d := tipY - headY
	if d <= r {
		return
	}
	sinA := r / d
	halfWidthAt := func(y float64) float64 {
		// Width of the cone between the tangents at height y.
		return (tipY - y) * sinA / math.Sqrt(1-sinA*sinA)
	}
	tangentY := headY + r*sinA

	bnds := dst.Bounds()
	for y := int(headY - r); y <= int(tipY); y++ {
		if y < bnds.Min.Y || y >= bnds.Max.Y {
			continue
		}
		fy := float64(y) + 0.5
		for x := cx - int(r) - 1; x <= cx+int(r)+1; x++ {
			fx := float64(x) + 0.5
			dx, dy := fx-float64(cx), fy-headY
			in := dx*dx+dy*dy <= r*r
			if !in && fy >= tangentY {
				in = math.Abs(dx) <= halfWidthAt(fy)
			}
			if in {
				dst.Set(x, y, col)
			}
		}
	}
	fillCircle(dst, cx, int(headY), int(0.42*r), hole)
}

func fitRect(w, h, maxW, maxH int) (int, int) {
	if w == 0 || h == 0 {
		return maxW, maxH
	}
	s := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	return max(1, int(math.Floor(float64(w)*s))), max(1, int(math.Floor(float64(h)*s)))
}

func fillRect(img *image.RGBA, x, y, w, h int, col color.RGBA) {
	for yy := y; yy < y+h; yy++ {
		for xx := x; xx < x+w; xx++ {
			img.SetRGBA(xx, yy, col)
		}
	}
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	if r <= 0 {
		return
	}
	b := img.Bounds()
	for y := max(cy-r, b.Min.Y); y <= min(cy+r, b.Max.Y-1); y++ {
		dy := y - cy
		xx := int(math.Sqrt(float64(r*r - dy*dy)))
		for x := max(cx-xx, b.Min.X); x <= min(cx+xx, b.Max.X-1); x++ {
			img.SetRGBA(x, y, col)
		}
	}
}
