package export

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"trash-change-map/pkg/feature"
)

// kmlColors are aabbggrr styles matching the map markers.
var kmlColors = map[feature.Kind]string{
	feature.New:     "ff0000ff",
	feature.Cleaned: "ff00aa00",
}

// WriteKML writes one Placemark per feature, styled by kind.
func WriteKML(w io.Writer, features []feature.Feature) error {
	if err := checkLocated(KML, features); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if err := writeKML(bw, features); err != nil {
		return &SerializationError{Format: KML, Index: -1, Err: err}
	}
	if err := bw.Flush(); err != nil {
		return &SerializationError{Format: KML, Index: -1, Err: err}
	}
	return nil
}

func writeKML(w *bufio.Writer, features []feature.Feature) error {
	if _, err := fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "<kml xmlns=\"http://www.opengis.net/kml/2.2\">\n  <Document>\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "    <name>Trash changes (%d features)</name>\n", len(features)); err != nil {
		return err
	}
	for _, k := range feature.Kinds() {
		if _, err := fmt.Fprintf(w, "    <Style id=\"%s\"><IconStyle><color>%s</color></IconStyle><PolyStyle><color>%s</color></PolyStyle></Style>\n",
			k, kmlColors[k], "7f"+kmlColors[k][2:]); err != nil {
			return err
		}
	}

	for _, f := range features {
		if _, err := fmt.Fprintf(w, "    <Placemark>\n"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "      <name>%s %s (%d, %d)</name>\n", f.Kind, xmlEscape(f.Pair), f.Row, f.Col); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "      <styleUrl>#%s</styleUrl>\n", f.Kind); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "      <ExtendedData>\n        <Data name=\"kind\"><value>%s</value></Data>\n        <Data name=\"pair\"><value>%s</value></Data>\n", f.Kind, xmlEscape(f.Pair)); err != nil {
			return err
		}
		if f.HasValue {
			if _, err := fmt.Fprintf(w, "        <Data name=\"value\"><value>%g</value></Data>\n", f.Value); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "      </ExtendedData>\n"); err != nil {
			return err
		}
		if len(f.Ring) >= 4 {
			if _, err := fmt.Fprintf(w, "      <MultiGeometry>\n"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "      <Point><coordinates>%.7f,%.7f,0</coordinates></Point>\n", f.Point.Lon, f.Point.Lat); err != nil {
			return err
		}
		if len(f.Ring) >= 4 {
			coords := make([]string, len(f.Ring))
			for i, p := range f.Ring {
				coords[i] = fmt.Sprintf("%.7f,%.7f,0", p.Lon, p.Lat)
			}
			if _, err := fmt.Fprintf(w, "      <Polygon><outerBoundaryIs><LinearRing><coordinates>%s</coordinates></LinearRing></outerBoundaryIs></Polygon>\n      </MultiGeometry>\n", strings.Join(coords, " ")); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "    </Placemark>\n"); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "  </Document>\n</kml>\n")
	return err
}

// xmlEscape escapes a string for XML text nodes.
func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
