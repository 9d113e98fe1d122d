// Package change derives NEW and CLEANED grids from two aligned trash masks.
package change

import (
	"errors"
	"fmt"

	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/window"
)

// ShapeMismatchError is returned when the two rasters have different dimensions.
type ShapeMismatchError struct {
	EarlierRows, EarlierCols int
	LaterRows, LaterCols     int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("raster shapes differ: earlier %dx%d, later %dx%d",
		e.EarlierRows, e.EarlierCols, e.LaterRows, e.LaterCols)
}

func (e *ShapeMismatchError) Unwrap() error { return ErrShapeMismatch }

// ErrShapeMismatch is the sentinel wrapped by ShapeMismatchError.
var ErrShapeMismatch = errors.New("shape mismatch")

// Grid is a binary change grid. It keeps the rasters it came from so the
// extractor can report cell values and coordinates.
type Grid struct {
	Kind      feature.Kind
	Pair      window.Pair
	Mask      *raster.Mask
	Transform raster.Affine
	CRS       raster.CRS
	// Source holds the values reported for each set cell: the later raster
	// for NEW, the earlier one for CLEANED.
	Source    *raster.Raster
}

// Rows and Cols mirror the mask dimensions.
func (g *Grid) Rows() int { return g.Mask.Rows }
func (g *Grid) Cols() int { return g.Mask.Cols }

// Count is the number of changed cells.
func (g *Grid) Count() int { return g.Mask.Count() }

// Result holds both grids of one comparison.
type Result struct {
	Pair    window.Pair
	New     *Grid
	Cleaned *Grid
}

// Grid returns the grid of the given kind.
func (r *Result) Grid(k feature.Kind) *Grid {
	if k == feature.Cleaned {
		return r.Cleaned
	}
	return r.New
}

// Counts reports changed cells per kind.
func (r *Result) Counts() map[feature.Kind]int {
	return map[feature.Kind]int{
		feature.New:     r.New.Count(),
		feature.Cleaned: r.Cleaned.Count(),
	}
}

// Detect compares earlier against later cell by cell.
//
//	NEW[i,j]     = later is trash and earlier is not
//	CLEANED[i,j] = earlier is trash and later is not
//
// Both grids carry the later raster's transform and CRS.
func Detect(earlier, later *raster.Raster, pair window.Pair) (*Result, error) {
	if !earlier.SameShape(later) {
		return nil, &ShapeMismatchError{
			EarlierRows: earlier.Rows, EarlierCols: earlier.Cols,
			LaterRows: later.Rows, LaterCols: later.Cols,
		}
	}

	added := raster.NewMask(later.Rows, later.Cols)
	cleaned := raster.NewMask(later.Rows, later.Cols)
	for i := range later.Values {
		was := earlier.IsTrash(i/later.Cols, i%later.Cols)
		is := later.IsTrash(i/later.Cols, i%later.Cols)
		added.Cells[i] = is && !was
		cleaned.Cells[i] = was && !is
	}

	return &Result{
		Pair: pair,
		New: &Grid{
			Kind: feature.New, Pair: pair, Mask: added,
			Transform: later.Transform, CRS: later.CRS, Source: later,
		},
		Cleaned: &Grid{
			Kind: feature.Cleaned, Pair: pair, Mask: cleaned,
			Transform: later.Transform, CRS: later.CRS, Source: earlier,
		},
	}, nil
}

// Aligned reports whether the two rasters share CRS and transform. Detect
// does not require it; callers log a warning when it is false.
func Aligned(a, b *raster.Raster) bool {
	return a.CRS == b.CRS && a.Transform.Equal(b.Transform, 1e-9)
}

// AsRaster turns a grid into a 0/1 raster for writing or previewing.
func (g *Grid) AsRaster() *raster.Raster {
	return raster.FromMask(g.Mask, g.Transform, g.CRS)
}
