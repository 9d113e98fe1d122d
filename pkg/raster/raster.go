// Package raster loads single-band GeoTIFF masks into memory together with
// the affine transform and CRS needed to place every cell on a map.
//
// A Raster is immutable once loaded. Cells are kept row-major as float32 so
// integer and floating point masks share one representation; a cell counts
// as "trash" when its value is positive and differs from the nodata value.
package raster

import (
	"errors"
	"fmt"
	"math"
)

// LoadError reports a raster that could not be opened, parsed or decoded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load raster: %v", e.Err)
	}
	return fmt.Sprintf("load raster %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

var (
	ErrEmptyRaster   = errors.New("raster has zero size")
	ErrNotSingleBand = errors.New("not a single-band raster")
	ErrNotTIFF       = errors.New("not a TIFF file")
	ErrTooLarge      = errors.New("raster too large")
	ErrTruncated     = errors.New("pixel data shorter than the image")
)

// MaxCells caps rows*cols of a loaded raster (4 GiB of float32 values).
const MaxCells = 1 << 30

// Raster is a loaded mask.
type Raster struct {
	Path      string
	Rows      int
	Cols      int
	Values    []float32
	Transform Affine
	CRS       CRS
	NoData    float64
	HasNoData bool
}

// New wraps values into a raster, checking the grid size.
func New(rows, cols int, values []float32, t Affine, crs CRS) (*Raster, error) {
	if rows <= 0 || cols <= 0 {
		return nil, &LoadError{Err: ErrEmptyRaster}
	}
	if len(values) != rows*cols {
		return nil, &LoadError{Err: fmt.Errorf("have %d values for a %dx%d grid", len(values), rows, cols)}
	}
	return &Raster{Rows: rows, Cols: cols, Values: values, Transform: t, CRS: crs}, nil
}

// FromMask builds a 0/1 raster from a mask, mostly for tests and tooling.
func FromMask(m *Mask, t Affine, crs CRS) *Raster {
	values := make([]float32, len(m.Cells))
	for i, v := range m.Cells {
		if v {
			values[i] = 1
		}
	}
	return &Raster{Rows: m.Rows, Cols: m.Cols, Values: values, Transform: t, CRS: crs}
}

// At returns the raw cell value.
func (r *Raster) At(row, col int) float32 { return r.Values[row*r.Cols+col] }

// IsTrash reports whether the cell marks detected trash.
func (r *Raster) IsTrash(row, col int) bool {
	return r.isTrashValue(r.Values[row*r.Cols+col])
}

func (r *Raster) isTrashValue(v float32) bool {
	if r.HasNoData && float64(v) == r.NoData {
		return false
	}
	return v > 0
}

// Mask returns the trash mask of the raster.
func (r *Raster) Mask() *Mask {
	m := NewMask(r.Rows, r.Cols)
	for i, v := range r.Values {
		m.Cells[i] = r.isTrashValue(v)
	}
	return m
}

// SameShape reports whether both rasters have identical dimensions.
func (r *Raster) SameShape(o *Raster) bool {
	return r.Rows == o.Rows && r.Cols == o.Cols
}

// Bounds returns the lon/lat box covering the four raster corners.
func (r *Raster) Bounds() (Bounds, error) {
	return boundsOf(r.Transform, r.CRS, r.Rows, r.Cols)
}

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	MinLon float64 `json:"minLon"`
	MinLat float64 `json:"minLat"`
	MaxLon float64 `json:"maxLon"`
	MaxLat float64 `json:"maxLat"`
}

// Center returns the midpoint as (lat, lon), the order map libraries expect.
func (b Bounds) Center() (lat, lon float64) {
	return (b.MinLat + b.MaxLat) / 2, (b.MinLon + b.MaxLon) / 2
}

// Contains reports whether the point lies inside the box (edges included).
func (b Bounds) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

func boundsOf(t Affine, crs CRS, rows, cols int) (Bounds, error) {
	b := Bounds{MinLon: math.Inf(1), MinLat: math.Inf(1), MaxLon: math.Inf(-1), MaxLat: math.Inf(-1)}
	corners := [][2]float64{{0, 0}, {float64(cols), 0}, {float64(cols), float64(rows)}, {0, float64(rows)}}
	for _, c := range corners {
		x, y := t.Apply(c[0], c[1])
		lon, lat, err := crs.ToLonLat(x, y)
		if err != nil {
			return Bounds{}, err
		}
		b.MinLon = math.Min(b.MinLon, lon)
		b.MaxLon = math.Max(b.MaxLon, lon)
		b.MinLat = math.Min(b.MinLat, lat)
		b.MaxLat = math.Max(b.MaxLat, lat)
	}
	return b, nil
}

// Mask is a binary grid, row-major.
type Mask struct {
	Rows  int
	Cols  int
	Cells []bool
}

// NewMask allocates an all-false mask.
func NewMask(rows, cols int) *Mask {
	return &Mask{Rows: rows, Cols: cols, Cells: make([]bool, rows*cols)}
}

// MaskFromRows builds a mask from nested rows; all rows must have the same length.
func MaskFromRows(rows [][]bool) *Mask {
	if len(rows) == 0 {
		return NewMask(0, 0)
	}
	m := NewMask(len(rows), len(rows[0]))
	for r, row := range rows {
		copy(m.Cells[r*m.Cols:(r+1)*m.Cols], row)
	}
	return m
}

func (m *Mask) At(row, col int) bool { return m.Cells[row*m.Cols+col] }

func (m *Mask) Set(row, col int, v bool) { m.Cells[row*m.Cols+col] = v }

// Count returns the number of true cells.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Cells {
		if v {
			n++
		}
	}
	return n
}

// Any reports whether at least one cell is set.
func (m *Mask) Any() bool {
	for _, v := range m.Cells {
		if v {
			return true
		}
	}
	return false
}
