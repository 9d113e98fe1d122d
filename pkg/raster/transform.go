package raster

import "math"

// Affine maps grid positions to map coordinates:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
//
// (col, row) = (0, 0) is the outer corner of the upper-left cell.
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Identity maps grid positions onto themselves.
func Identity() Affine { return Affine{A: 1, E: 1} }

// NorthUp builds the usual transform for an unrotated raster with the given
// upper-left corner and cell size.
func NorthUp(originX, originY, cellW, cellH float64) Affine {
	return Affine{A: cellW, C: originX, E: -cellH, F: originY}
}

// Apply transforms a fractional grid position.
func (t Affine) Apply(col, row float64) (x, y float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

// CellCenter returns the coordinates of the center of cell (row, col).
func (t Affine) CellCenter(row, col int) (x, y float64) {
	return t.Apply(float64(col)+0.5, float64(row)+0.5)
}

// CellCorners returns the corners of cell (row, col) clockwise from the
// upper-left one.
func (t Affine) CellCorners(row, col int) [4][2]float64 {
	c, r := float64(col), float64(row)
	var out [4][2]float64
	for i, p := range [4][2]float64{{c, r}, {c + 1, r}, {c + 1, r + 1}, {c, r + 1}} {
		out[i][0], out[i][1] = t.Apply(p[0], p[1])
	}
	return out
}

// Rotated reports whether the transform has rotation or shear terms.
func (t Affine) Rotated() bool { return t.B != 0 || t.D != 0 }

// PixelSize returns the cell width and height in map units.
func (t Affine) PixelSize() (w, h float64) {
	return math.Hypot(t.A, t.D), math.Hypot(t.B, t.E)
}

// Equal compares two transforms within tol on every term.
func (t Affine) Equal(o Affine, tol float64) bool {
	d := []float64{t.A - o.A, t.B - o.B, t.C - o.C, t.D - o.D, t.E - o.E, t.F - o.F}
	for _, v := range d {
		if math.Abs(v) > tol {
			return false
		}
	}
	return true
}
