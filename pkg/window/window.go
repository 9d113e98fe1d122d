// Package window describes the fixed comparison periods a dashboard session
// works with and the ordered pairs used for change detection.
package window

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Window is one of the historical comparison periods.
type Window string

const (
	FiveYear   Window = "5y"
	TwoYear    Window = "2y"
	ThreeMonth Window = "3m"
)

// ErrUnknownWindow is returned for names outside the fixed window set.
var ErrUnknownWindow = errors.New("unknown time window")

// ErrUnorderedPair is returned when the earlier window is not older than the later one.
var ErrUnorderedPair = errors.New("pair must go from an older window to a newer one")

// order lists windows from the oldest to the most recent.
var order = []Window{FiveYear, TwoYear, ThreeMonth}

var labels = map[Window]string{
	FiveYear:   "5-year",
	TwoYear:    "2-year",
	ThreeMonth: "3-month",
}

// All returns the windows in chronological order.
func All() []Window {
	out := make([]Window, len(order))
	copy(out, order)
	return out
}

// Parse accepts "5y", "2y", "3m" in any case.
func Parse(s string) (Window, error) {
	w := Window(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := labels[w]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownWindow, s)
	}
	return w, nil
}

// Label is the human readable period name.
func (w Window) Label() string { return labels[w] }

func (w Window) rank() int {
	for i, o := range order {
		if o == w {
			return i
		}
	}
	return -1
}

// Before reports whether a is chronologically older than b.
func Before(a, b Window) bool {
	ra, rb := a.rank(), b.rank()
	return ra >= 0 && rb >= 0 && ra < rb
}

// Pair is an ordered comparison between an earlier and a later window.
type Pair struct {
	Earlier Window
	Later   Window
}

// NewPair validates the chronological order of the two windows.
func NewPair(earlier, later Window) (Pair, error) {
	if earlier.rank() < 0 {
		return Pair{}, fmt.Errorf("%w: %q", ErrUnknownWindow, earlier)
	}
	if later.rank() < 0 {
		return Pair{}, fmt.Errorf("%w: %q", ErrUnknownWindow, later)
	}
	if !Before(earlier, later) {
		return Pair{}, fmt.Errorf("%w: %s → %s", ErrUnorderedPair, earlier, later)
	}
	return Pair{Earlier: earlier, Later: later}, nil
}

// ParsePair reads "5y-2y", "5y_2y", "5y→2y" or "5y->2y".
func ParsePair(s string) (Pair, error) {
	norm := strings.NewReplacer("→", "-", "->", "-", "_", "-", " ", "").Replace(strings.TrimSpace(s))
	parts := strings.Split(norm, "-")
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("%w: malformed pair %q", ErrUnknownWindow, s)
	}
	a, err := Parse(parts[0])
	if err != nil {
		return Pair{}, err
	}
	b, err := Parse(parts[1])
	if err != nil {
		return Pair{}, err
	}
	return NewPair(a, b)
}

// String is the URL-safe key, e.g. "5y-2y".
func (p Pair) String() string { return string(p.Earlier) + "-" + string(p.Later) }

// Title is the display form used by the dashboard, e.g. "5y → 2y".
func (p Pair) Title() string { return string(p.Earlier) + " → " + string(p.Later) }

// FileTag is the pair as it appears in download names, e.g. "5y_→_2y".
func (p Pair) FileTag() string { return strings.ReplaceAll(p.Title(), " ", "_") }

// DefaultPairs are the consecutive comparisons shown without explicit selection.
func DefaultPairs() []Pair {
	return []Pair{
		{Earlier: FiveYear, Later: TwoYear},
		{Earlier: TwoYear, Later: ThreeMonth},
	}
}

// Available returns every ordered pair whose windows are both present.
// Consecutive pairs come first, followed by the long 5y → 3m comparison.
func Available(loaded map[Window]bool) []Pair {
	var out []Pair
	for _, p := range DefaultPairs() {
		if loaded[p.Earlier] && loaded[p.Later] {
			out = append(out, p)
		}
	}
	if loaded[FiveYear] && loaded[ThreeMonth] {
		out = append(out, Pair{Earlier: FiveYear, Later: ThreeMonth})
	}
	return out
}

// OverlayKeyword marks the optional RGB overlay in file names.
const OverlayKeyword = "rgb"

// Guess picks, per window, the first file (in sorted order) whose lower-cased
// name contains the window keyword. Files named with the overlay keyword are
// never masks; the first of them is returned as the overlay.
func Guess(files []string) (map[Window]string, string) {
	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.Strings(sorted)

	picked := make(map[Window]string)
	overlay := ""
	for _, w := range order {
		for _, f := range sorted {
			name := strings.ToLower(f)
			if strings.Contains(name, OverlayKeyword) {
				continue
			}
			if strings.Contains(name, string(w)) {
				picked[w] = f
				break
			}
		}
	}
	for _, f := range sorted {
		if strings.Contains(strings.ToLower(f), OverlayKeyword) {
			overlay = f
			break
		}
	}
	return picked, overlay
}
