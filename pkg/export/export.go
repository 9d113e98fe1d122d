// Package export serializes feature collections to CSV, GeoJSON and KML.
package export

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"trash-change-map/pkg/feature"
)

// Format is an export file format.
type Format string

const (
	CSV     Format = "csv"
	GeoJSON Format = "geojson"
	KML     Format = "kml"
)

// ErrNoCoordinates marks a feature that cannot be placed on a map.
var ErrNoCoordinates = errors.New("feature has no coordinates")

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown export format")

// SerializationError reports a collection that could not be written.
// Index is the offending feature, or -1 when the failure is not tied to one.
type SerializationError struct {
	Format Format
	Index  int
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s export: feature %d: %v", e.Format, e.Index, e.Err)
	}
	return fmt.Sprintf("%s export: %v", e.Format, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Formats lists the supported formats.
func Formats() []Format { return []Format{CSV, GeoJSON, KML} }

// ParseFormat accepts "csv", "geojson" (or "json") and "kml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return CSV, nil
	case "geojson", "json":
		return GeoJSON, nil
	case "kml":
		return KML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Ext is the file extension without the dot.
func (f Format) Ext() string { return string(f) }

// ContentType is the MIME type used for downloads.
func (f Format) ContentType() string {
	switch f {
	case CSV:
		return "text/csv; charset=utf-8"
	case GeoJSON:
		return "application/geo+json"
	case KML:
		return "application/vnd.google-earth.kml+xml"
	}
	return "application/octet-stream"
}

// FileName builds the download name, e.g. "new_5y_→_2y_points.csv".
func FileName(kind feature.Kind, pairTag string, f Format) string {
	return fmt.Sprintf("%s_%s_points.%s", strings.ToLower(string(kind)), pairTag, f.Ext())
}

// Write serializes features in the given format.
func Write(w io.Writer, f Format, features []feature.Feature) error {
	switch f {
	case CSV:
		return WriteCSV(w, features)
	case GeoJSON:
		return WriteGeoJSON(w, features)
	case KML:
		return WriteKML(w, features)
	}
	return &SerializationError{Format: f, Index: -1, Err: ErrUnknownFormat}
}

// checkLocated fails on the first feature without coordinates.
func checkLocated(f Format, features []feature.Feature) error {
	for i, ft := range features {
		if !ft.Located() {
			return &SerializationError{Format: f, Index: i, Err: ErrNoCoordinates}
		}
	}
	return nil
}
