package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"trash-change-map/pkg/feature"
)

// CSVHeader is the first line of every CSV export.
var CSVHeader = []string{"kind", "pair", "latitude", "longitude", "row", "col", "value"}

// WriteCSV writes one line per feature after the header. An empty
// collection produces a header-only file.
func WriteCSV(w io.Writer, features []feature.Feature) error {
	if err := checkLocated(CSV, features); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return &SerializationError{Format: CSV, Index: -1, Err: err}
	}
	rec := make([]string, len(CSVHeader))
	for i, f := range features {
		rec[0] = string(f.Kind)
		rec[1] = f.Pair
		rec[2] = formatCoord(f.Point.Lat)
		rec[3] = formatCoord(f.Point.Lon)
		rec[4] = strconv.Itoa(f.Row)
		rec[5] = strconv.Itoa(f.Col)
		rec[6] = ""
		if f.HasValue {
			rec[6] = strconv.FormatFloat(f.Value, 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return &SerializationError{Format: CSV, Index: i, Err: err}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return &SerializationError{Format: CSV, Index: -1, Err: err}
	}
	return nil
}

func formatCoord(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
