package raster

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	UTM "github.com/im7mortal/UTM"
)

// CRS identifies a coordinate reference system as "EPSG:<code>".
// The zero value means the raster carried no georeferencing.
type CRS string

// ErrUnsupportedCRS marks projections we cannot convert to lon/lat.
var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

const webMercatorRadius = 6378137.0

// EPSG formats an EPSG code.
func EPSG(code int) CRS { return CRS("EPSG:" + strconv.Itoa(code)) }

// Code returns the numeric EPSG code.
func (c CRS) Code() (int, bool) {
	s := strings.TrimSpace(string(c))
	if !strings.HasPrefix(strings.ToUpper(s), "EPSG:") {
		return 0, false
	}
	code, err := strconv.Atoi(s[5:])
	if err != nil {
		return 0, false
	}
	return code, true
}

// Supported reports whether ToLonLat understands the system.
func (c CRS) Supported() bool {
	if c == "" {
		return true
	}
	code, ok := c.Code()
	if !ok {
		return false
	}
	_, _, isUTM := utmZone(code)
	return isGeographic(code) || isWebMercator(code) || isUTM
}

// ToLonLat converts map coordinates in c to degrees.
// Rasters without a CRS and geographic systems pass through unchanged.
func (c CRS) ToLonLat(x, y float64) (lon, lat float64, err error) {
	if c == "" {
		return x, y, nil
	}
	code, ok := c.Code()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnsupportedCRS, string(c))
	}
	switch {
	case isGeographic(code):
		return x, y, nil
	case isWebMercator(code):
		lon = x / webMercatorRadius * 180 / math.Pi
		lat = (2*math.Atan(math.Exp(y/webMercatorRadius)) - math.Pi/2) * 180 / math.Pi
		return lon, lat, nil
	}
	if zone, northern, ok := utmZone(code); ok {
		lat, lon, err = UTM.ToLatLon(x, y, zone, "", northern)
		if err != nil {
			return 0, 0, fmt.Errorf("utm zone %d: %w", zone, err)
		}
		return lon, lat, nil
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedCRS, c)
}

// EPSG geographic 2D systems live in the 4000-4999 block (WGS84 is 4326).
func isGeographic(code int) bool { return code >= 4000 && code < 5000 }

func isWebMercator(code int) bool { return code == 3857 || code == 3785 || code == 900913 }

// utmZone decodes the WGS84 UTM blocks 326zz (north) and 327zz (south).
func utmZone(code int) (zone int, northern bool, ok bool) {
	switch {
	case code >= 32601 && code <= 32660:
		return code - 32600, true, true
	case code >= 32701 && code <= 32760:
		return code - 32700, false, true
	}
	return 0, false, false
}
