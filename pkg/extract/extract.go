// Package extract turns change grids into map features by sampling cells on
// a regular stride.
package extract

import (
	"errors"
	"fmt"
	"strings"

	"trash-change-map/pkg/change"
	"trash-change-map/pkg/feature"
)

const (
	DefaultStep      = 8
	DefaultMaxPoints = 50000
)

// Geometry selects what each feature carries besides its center point.
type Geometry string

const (
	Point Geometry = "point"
	Cell  Geometry = "cell"
)

// ErrInvalidParameter is wrapped by every InvalidParameterError.
var ErrInvalidParameter = errors.New("invalid parameter")

// InvalidParameterError reports a rejected extraction option.
type InvalidParameterError struct {
	Name   string
	Value  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Name, e.Value, e.Reason)
}

func (e *InvalidParameterError) Unwrap() error { return ErrInvalidParameter }

// Options configures Extract. MaxPoints 0 means no cap.
type Options struct {
	Step      int
	MaxPoints int
	Geometry  Geometry
}

// DefaultOptions matches the dashboard defaults.
func DefaultOptions() Options {
	return Options{Step: DefaultStep, MaxPoints: DefaultMaxPoints, Geometry: Point}
}

// ValidateStep rejects non-positive strides.
func ValidateStep(step int) error {
	if step <= 0 {
		return &InvalidParameterError{Name: "step", Value: fmt.Sprint(step), Reason: "must be a positive integer"}
	}
	return nil
}

// ParseGeometry accepts "point" or "cell"; empty means point.
func ParseGeometry(s string) (Geometry, error) {
	switch g := Geometry(strings.ToLower(strings.TrimSpace(s))); g {
	case "", Point:
		return Point, nil
	case Cell:
		return Cell, nil
	}
	return "", &InvalidParameterError{Name: "geometry", Value: s, Reason: "expected point or cell"}
}

// Validate checks every option.
func (o Options) Validate() error {
	if err := ValidateStep(o.Step); err != nil {
		return err
	}
	if o.MaxPoints < 0 {
		return &InvalidParameterError{Name: "max points", Value: fmt.Sprint(o.MaxPoints), Reason: "must be zero (unlimited) or positive"}
	}
	if _, err := ParseGeometry(string(o.Geometry)); err != nil {
		return err
	}
	return nil
}

// Bound is the largest number of features a rows x cols grid can yield at step.
func Bound(rows, cols, step int) int {
	if step <= 0 {
		return 0
	}
	return ceilDiv(rows, step) * ceilDiv(cols, step)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Sampled counts the set cells on the stride lattice, ignoring MaxPoints.
func Sampled(g *change.Grid, step int) (int, error) {
	if err := ValidateStep(step); err != nil {
		return 0, err
	}
	n := 0
	for r := 0; r < g.Rows(); r += step {
		for c := 0; c < g.Cols(); c += step {
			if g.Mask.At(r, c) {
				n++
			}
		}
	}
	return n, nil
}

// Extract scans g at stride opts.Step from (0,0) in row-major order and emits
// one feature per set cell, located at the cell center. It stops after
// opts.MaxPoints features when a cap is set.
//
// A cell whose coordinates cannot be converted to lon/lat still yields a
// feature, without a Point; exporters reject such features.
func Extract(g *change.Grid, opts Options) ([]feature.Feature, error) {
	if opts.Geometry == "" {
		opts.Geometry = Point
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	geom, _ := ParseGeometry(string(opts.Geometry))

	out := make([]feature.Feature, 0, min(64, Bound(g.Rows(), g.Cols(), opts.Step)))
	pair := g.Pair.String()
	for r := 0; r < g.Rows(); r += opts.Step {
		for c := 0; c < g.Cols(); c += opts.Step {
			if !g.Mask.At(r, c) {
				continue
			}
			if opts.MaxPoints > 0 && len(out) >= opts.MaxPoints {
				return out, nil
			}

			f := feature.Feature{Kind: g.Kind, Pair: pair, Row: r, Col: c}
			x, y := g.Transform.CellCenter(r, c)
			if lon, lat, err := g.CRS.ToLonLat(x, y); err == nil {
				f.Point = &feature.LonLat{Lon: lon, Lat: lat}
			}
			if geom == Cell {
				f.Ring = cellRing(g, r, c)
			}
			if src := g.Source; src != nil && src.Rows == g.Rows() && src.Cols == g.Cols() {
				f.Value, f.HasValue = float64(src.At(r, c)), true
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// cellRing returns the closed footprint of a cell, or nil when a corner
// cannot be converted.
func cellRing(g *change.Grid, r, c int) []feature.LonLat {
	corners := g.Transform.CellCorners(r, c)
	ring := make([]feature.LonLat, 0, 5)
	for _, p := range corners {
		lon, lat, err := g.CRS.ToLonLat(p[0], p[1])
		if err != nil {
			return nil
		}
		ring = append(ring, feature.LonLat{Lon: lon, Lat: lat})
	}
	return append(ring, ring[0])
}
