// Package render builds the data the map page draws: one marker-cluster
// layer per (pair, kind), the initial view and PNG previews of masks.
package render

import (
	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/window"
)

// DefaultZoom matches the zoom the dashboard opens at.
const DefaultZoom = 12

// MarkerRadius is the circle marker radius in pixels.
const MarkerRadius = 2

// Marker is one point of a layer.
type Marker struct {
	Lat   float64      `json:"lat"`
	Lon   float64      `json:"lon"`
	Row   int          `json:"row"`
	Col   int          `json:"col"`
	Value *float64     `json:"value,omitempty"`
	Ring  [][2]float64 `json:"ring,omitempty"` // [lat, lon] corners
}

// Layer is a marker-cluster layer of one kind for one pair.
type Layer struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Pair    string       `json:"pair"`
	Kind    feature.Kind `json:"kind"`
	Color   string       `json:"color"`
	Radius  int          `json:"radius"`
	Markers []Marker     `json:"markers"`
	// Skipped counts features that had no coordinates.
	Skipped int          `json:"skipped,omitempty"`
}

// NewLayer converts features into a layer. The features are not modified;
// an empty slice gives an empty layer.
func NewLayer(pair window.Pair, kind feature.Kind, features []feature.Feature) Layer {
	l := Layer{
		ID:      pair.String() + ":" + string(kind),
		Title:   string(kind) + " (" + pair.Title() + ")",
		Pair:    pair.String(),
		Kind:    kind,
		Color:   kind.Color(),
		Radius:  MarkerRadius,
		Markers: make([]Marker, 0, len(features)),
	}
	for _, f := range features {
		if !f.Located() {
			l.Skipped++
			continue
		}
		m := Marker{Lat: f.Point.Lat, Lon: f.Point.Lon, Row: f.Row, Col: f.Col}
		if f.HasValue {
			v := f.Value
			m.Value = &v
		}
		if len(f.Ring) > 0 {
			m.Ring = make([][2]float64, len(f.Ring))
			for i, p := range f.Ring {
				m.Ring[i] = [2]float64{p.Lat, p.Lon}
			}
		}
		l.Markers = append(l.Markers, m)
	}
	return l
}

// BaseLayer is a tile source offered in the layer switcher.
type BaseLayer struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Attribution string `json:"attribution"`
	MaxZoom     int    `json:"maxZoom"`
}

// BaseLayers lists the tile providers. The token enables the Mapbox
// satellite layer.
func BaseLayers(tileToken string) []BaseLayer {
	out := []BaseLayer{
		{
			Name:        "OpenStreetMap",
			URL:         "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
			Attribution: "&copy; OpenStreetMap contributors",
			MaxZoom:     19,
		},
		{
			Name:        "Google Satellite",
			URL:         "https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}",
			Attribution: "&copy; Google",
			MaxZoom:     20,
		},
		{
			Name:        "Esri World Imagery",
			URL:         "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			Attribution: "Tiles &copy; Esri",
			MaxZoom:     19,
		},
	}
	if tileToken != "" {
		out = append(out, BaseLayer{
			Name:        "Mapbox Satellite",
			URL:         "https://api.mapbox.com/styles/v1/mapbox/satellite-v9/tiles/{z}/{x}/{y}?access_token=" + tileToken,
			Attribution: "&copy; Mapbox &copy; OpenStreetMap",
			MaxZoom:     20,
		})
	}
	return out
}

// Overlay places an image (the RGB scene) over the map.
type Overlay struct {
	URL     string        `json:"url"`
	Bounds  [2][2]float64 `json:"bounds"`
	Opacity float64       `json:"opacity"`
}

// View is everything the page needs to draw one comparison.
type View struct {
	Center       [2]float64    `json:"center"` // lat, lon
	Bounds       [2][2]float64 `json:"bounds"` // [[south, west], [north, east]]
	Zoom         int           `json:"zoom"`
	DefaultLayer string        `json:"defaultLayer"`
	BaseLayers   []BaseLayer   `json:"baseLayers"`
	Layers       []Layer       `json:"layers"`
	Overlay      *Overlay      `json:"overlay,omitempty"`
}

// ViewOptions tunes NewView.
type ViewOptions struct {
	Zoom         int
	DefaultLayer string
	TileToken    string
	Overlay      *Overlay
}

// NewView centers the map on b, normally the later raster's bounds.
func NewView(b raster.Bounds, layers []Layer, opts ViewOptions) View {
	lat, lon := b.Center()
	if opts.Zoom <= 0 {
		opts.Zoom = DefaultZoom
	}
	if opts.DefaultLayer == "" {
		opts.DefaultLayer = "OpenStreetMap"
	}
	if layers == nil {
		layers = []Layer{}
	}
	return View{
		Center:       [2]float64{lat, lon},
		Bounds:       LeafletBounds(b),
		Zoom:         opts.Zoom,
		DefaultLayer: opts.DefaultLayer,
		BaseLayers:   BaseLayers(opts.TileToken),
		Layers:       layers,
		Overlay:      opts.Overlay,
	}
}

// LeafletBounds orders a box as [[south, west], [north, east]].
func LeafletBounds(b raster.Bounds) [2][2]float64 {
	return [2][2]float64{{b.MinLat, b.MinLon}, {b.MaxLat, b.MaxLon}}
}
