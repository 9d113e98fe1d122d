package render

import (
	"bytes"
	"encoding/json"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/window"
)

var pair = window.Pair{Earlier: window.TwoYear, Later: window.ThreeMonth}

func TestEmptyLayer(t *testing.T) {
	t.Parallel()

	l := NewLayer(pair, feature.Cleaned, nil)
	if len(l.Markers) != 0 || l.Color != "green" || l.ID != "2y-3m:CLEANED" {
		t.Fatalf("unexpected layer %+v", l)
	}
	data, err := json.Marshal(l)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"markers":[]`) {
		t.Fatalf("empty layer must encode markers as []: %s", data)
	}
}

func TestLayerDoesNotMutateFeatures(t *testing.T) {
	t.Parallel()

	fs := []feature.Feature{
		{Kind: feature.New, Point: &feature.LonLat{Lon: 10, Lat: 20}, Row: 1, Col: 2, Value: 3, HasValue: true},
		{Kind: feature.New, Row: 5, Col: 5},
	}
	before := *fs[0].Point

	l := NewLayer(pair, feature.New, fs)
	if len(l.Markers) != 1 || l.Skipped != 1 {
		t.Fatalf("markers=%d skipped=%d", len(l.Markers), l.Skipped)
	}
	m := l.Markers[0]
	if m.Lat != 20 || m.Lon != 10 || m.Value == nil || *m.Value != 3 || l.Color != "red" {
		t.Fatalf("marker %+v", m)
	}
	*m.Value = 99
	if *fs[0].Point != before || fs[0].Value != 3 {
		t.Fatal("features were mutated")
	}
}

func TestNewView(t *testing.T) {
	t.Parallel()

	b := raster.Bounds{MinLon: 10, MinLat: 40, MaxLon: 12, MaxLat: 44}
	v := NewView(b, nil, ViewOptions{TileToken: "tok"})
	if v.Center != [2]float64{42, 11} {
		t.Fatalf("center %v", v.Center)
	}
	if v.Bounds != [2][2]float64{{40, 10}, {44, 12}} {
		t.Fatalf("bounds %v", v.Bounds)
	}
	if v.Zoom != DefaultZoom || v.Layers == nil {
		t.Fatalf("zoom %d layers %v", v.Zoom, v.Layers)
	}
	if last := v.BaseLayers[len(v.BaseLayers)-1]; !strings.HasSuffix(last.URL, "access_token=tok") {
		t.Fatalf("token layer missing: %+v", last)
	}
	if n := len(BaseLayers("")); n != 3 {
		t.Fatalf("%d base layers without token", n)
	}
}

func TestPaletteEnds(t *testing.T) {
	t.Parallel()

	if got := Reds.At(0); got != (color.RGBA{0xff, 0xf5, 0xf0, 0xff}) {
		t.Fatalf("Reds(0)=%v", got)
	}
	if got := Gray.At(1); got != (color.RGBA{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("gray(1)=%v", got)
	}
	if got := Gray.At(0.5); got.R != 0x80 {
		t.Fatalf("gray(0.5)=%v", got)
	}
	if WindowPalette(window.TwoYear).Name != "Blues" {
		t.Fatal("2y should use Blues")
	}
}

func TestPreviewPNG(t *testing.T) {
	t.Parallel()

	m := raster.NewMask(600, 1200)
	m.Set(10, 10, true)
	r := raster.FromMask(m, raster.Identity(), "")

	var buf bytes.Buffer
	if err := PreviewPNG(&buf, r, Gray, 300); err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 300 || b.Dy() != 150 {
		t.Fatalf("preview size %v", b)
	}

	small := raster.FromMask(raster.NewMask(4, 4), raster.Identity(), "")
	buf.Reset()
	if err := PreviewPNG(&buf, small, Reds, 300); err != nil {
		t.Fatal(err)
	}
	img, err = png.Decode(&buf)
	if err != nil || img.Bounds().Dx() != 4 {
		t.Fatalf("small preview %v, %v", img, err)
	}
}
