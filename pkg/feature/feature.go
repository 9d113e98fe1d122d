// Package feature holds the change features extracted from NEW and CLEANED
// grids and shared by rendering, export and the run history.
package feature

import (
	"fmt"
	"strings"
)

// Kind tags a change feature as newly appeared or cleaned up.
type Kind string

const (
	New     Kind = "NEW"
	Cleaned Kind = "CLEANED"
)

// Kinds lists both kinds in display order.
func Kinds() []Kind { return []Kind{New, Cleaned} }

// ParseKind accepts "new"/"cleaned" in any case.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case New:
		return New, nil
	case Cleaned:
		return Cleaned, nil
	}
	return "", fmt.Errorf("unknown feature kind %q", s)
}

// Color is the marker color the dashboard uses for the kind.
func (k Kind) Color() string {
	if k == Cleaned {
		return "green"
	}
	return "red"
}

// LonLat is a geographic position in degrees.
type LonLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Feature is one extracted change location.
// Point is nil only for malformed features; exporters reject those.
type Feature struct {
	Kind     Kind     `json:"kind"`
	Pair     string   `json:"pair,omitempty"`
	Point    *LonLat  `json:"point,omitempty"`
	Ring     []LonLat `json:"ring,omitempty"` // closed cell footprint, set in cell geometry mode
	Row      int      `json:"row"`
	Col      int      `json:"col"`
	Value    float64  `json:"value"`
	HasValue bool     `json:"hasValue"`
}

// Located reports whether the feature carries coordinates.
func (f Feature) Located() bool { return f.Point != nil }

// Count returns how many features of each kind a collection holds.
func Count(features []Feature) map[Kind]int {
	out := map[Kind]int{New: 0, Cleaned: 0}
	for _, f := range features {
		out[f.Kind]++
	}
	return out
}
