package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"trash-change-map/pkg/feature"
)

// Collection builds the GeoJSON FeatureCollection for features. Cell
// footprints become polygons; their center stays in the latitude/longitude
// properties.
func Collection(features []feature.Feature) (*geojson.FeatureCollection, error) {
	if err := checkLocated(GeoJSON, features); err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		var geom orb.Geometry = orb.Point{f.Point.Lon, f.Point.Lat}
		if len(f.Ring) >= 4 {
			ring := make(orb.Ring, len(f.Ring))
			for i, p := range f.Ring {
				ring[i] = orb.Point{p.Lon, p.Lat}
			}
			geom = orb.Polygon{ring}
		}

		gf := geojson.NewFeature(geom)
		gf.Properties["kind"] = string(f.Kind)
		gf.Properties["pair"] = f.Pair
		gf.Properties["row"] = f.Row
		gf.Properties["col"] = f.Col
		gf.Properties["latitude"] = f.Point.Lat
		gf.Properties["longitude"] = f.Point.Lon
		gf.Properties["color"] = f.Kind.Color()
		if f.HasValue {
			gf.Properties["value"] = f.Value
		}
		fc.Append(gf)
	}
	return fc, nil
}

// WriteGeoJSON writes a FeatureCollection. An empty collection is still a
// valid document.
func WriteGeoJSON(w io.Writer, features []feature.Feature) error {
	fc, err := Collection(features)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return &SerializationError{Format: GeoJSON, Index: -1, Err: err}
	}
	if _, err := w.Write(data); err != nil {
		return &SerializationError{Format: GeoJSON, Index: -1, Err: err}
	}
	return nil
}

// ReadGeoJSON parses a FeatureCollection written by WriteGeoJSON, or any
// collection of points and polygons carrying a "kind" property.
func ReadGeoJSON(r io.Reader) ([]feature.Feature, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	out := make([]feature.Feature, 0, len(fc.Features))
	for i, gf := range fc.Features {
		kind, err := feature.ParseKind(gf.Properties.MustString("kind", ""))
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		f := feature.Feature{
			Kind: kind,
			Pair: gf.Properties.MustString("pair", ""),
			Row:  gf.Properties.MustInt("row", 0),
			Col:  gf.Properties.MustInt("col", 0),
		}
		if v, ok := gf.Properties["value"].(float64); ok {
			f.Value, f.HasValue = v, true
		}

		switch g := gf.Geometry.(type) {
		case orb.Point:
			f.Point = &feature.LonLat{Lon: g.Lon(), Lat: g.Lat()}
		case orb.Polygon:
			if len(g) == 0 {
				return nil, fmt.Errorf("feature %d: empty polygon", i)
			}
			for _, p := range g[0] {
				f.Ring = append(f.Ring, feature.LonLat{Lon: p.Lon(), Lat: p.Lat()})
			}
			lat, latOK := gf.Properties["latitude"].(float64)
			lon, lonOK := gf.Properties["longitude"].(float64)
			if !latOK || !lonOK {
				c := g.Bound().Center()
				lon, lat = c.Lon(), c.Lat()
			}
			f.Point = &feature.LonLat{Lon: lon, Lat: lat}
		default:
			return nil, fmt.Errorf("feature %d: unsupported geometry %T", i, gf.Geometry)
		}
		out = append(out, f)
	}
	return out, nil
}
