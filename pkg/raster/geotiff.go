package raster

import (
	"fmt"
	"strconv"
)

// GeoKey ids.
const (
	keyModelType    = 1024
	keyRasterType   = 1025
	keyGeographic   = 2048
	keyProjected    = 3072
	rasterPixelIsPt = 2
	modelProjected  = 1
	modelGeographic = 2
	userDefinedEPSG = 32767
)

// georef is what the GeoTIFF tags say about placing the grid.
type georef struct {
	transform  Affine
	crs        CRS
	nodata     float64
	hasNoData  bool
	referenced bool
}

func readGeoref(d *directory) (georef, error) {
	g := georef{transform: Identity()}

	keys, err := geoKeys(d)
	if err != nil {
		return g, err
	}
	switch {
	case validCode(keys[keyProjected]):
		g.crs = EPSG(int(keys[keyProjected]))
	case validCode(keys[keyGeographic]):
		g.crs = EPSG(int(keys[keyGeographic]))
	}

	matrix, err := d.floats(tagModelTransform)
	if err != nil {
		return g, err
	}
	tie, err := d.floats(tagModelTiepoint)
	if err != nil {
		return g, err
	}
	scale, err := d.floats(tagModelPixelScale)
	if err != nil {
		return g, err
	}

	switch {
	case len(matrix) >= 16:
		g.transform = Affine{A: matrix[0], B: matrix[1], C: matrix[3], D: matrix[4], E: matrix[5], F: matrix[7]}
		g.referenced = true
	case len(tie) >= 6 && len(scale) >= 2:
		i, j, x, y := tie[0], tie[1], tie[3], tie[4]
		sx, sy := scale[0], scale[1]
		g.transform = Affine{A: sx, C: x - i*sx, E: -sy, F: y + j*sy}
		g.referenced = true
	}

	// PixelIsPoint tiepoints name the cell center, so move back to the corner.
	if g.referenced && keys[keyRasterType] == rasterPixelIsPt {
		t := &g.transform
		t.C -= 0.5 * (t.A + t.B)
		t.F -= 0.5 * (t.D + t.E)
	}

	if s := d.ascii(tagGDALNoData); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return g, fmt.Errorf("GDAL_NODATA %q: %w", s, err)
		}
		g.nodata, g.hasNoData = v, true
	}
	return g, nil
}

func validCode(v uint64) bool { return v > 0 && v < userDefinedEPSG }

// geoKeys flattens the GeoKeyDirectory into key -> inline SHORT value.
// Keys stored in the double or ASCII params tags are skipped.
func geoKeys(d *directory) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64)
	vals, err := d.uints(tagGeoKeyDirectory)
	if err != nil {
		return nil, fmt.Errorf("geokey directory: %w", err)
	}
	if len(vals) < 4 {
		return out, nil
	}
	n := int(vals[3])
	for k := 0; k < n; k++ {
		base := 4 + 4*k
		if base+3 >= len(vals) {
			return nil, fmt.Errorf("geokey directory truncated at key %d of %d", k, n)
		}
		id, loc, count, value := vals[base], vals[base+1], vals[base+2], vals[base+3]
		if loc == 0 && count == 1 {
			out[id] = value
		}
	}
	return out, nil
}

// geoKeyDirectory builds the SHORT array written by WriteGeoTIFF.
func geoKeyDirectory(crs CRS) []uint16 {
	keys := [][2]uint16{{keyRasterType, 1}}
	if code, ok := crs.Code(); ok && code < userDefinedEPSG {
		if isGeographic(code) {
			keys = append([][2]uint16{{keyModelType, modelGeographic}}, keys...)
			keys = append(keys, [2]uint16{keyGeographic, uint16(code)})
		} else {
			keys = append([][2]uint16{{keyModelType, modelProjected}}, keys...)
			keys = append(keys, [2]uint16{keyProjected, uint16(code)})
		}
	}
	out := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		out = append(out, k[0], 0, 1, k[1])
	}
	return out
}
