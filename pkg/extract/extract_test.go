package extract

import (
	"errors"
	"math/rand"
	"testing"

	"trash-change-map/pkg/change"
	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/window"
)

func gridOf(m *raster.Mask, t raster.Affine, crs raster.CRS) *change.Grid {
	return &change.Grid{
		Kind:      feature.New,
		Pair:      window.Pair{Earlier: window.FiveYear, Later: window.TwoYear},
		Mask:      m,
		Transform: t,
		CRS:       crs,
	}
}

func fullMask(rows, cols int) *raster.Mask {
	m := raster.NewMask(rows, cols)
	for i := range m.Cells {
		m.Cells[i] = true
	}
	return m
}

func TestStepScenario(t *testing.T) {
	t.Parallel()

	g := gridOf(fullMask(10, 10), raster.Identity(), "")
	cases := []struct {
		step int
		want int
	}{
		{1, 100},
		{2, 25},
		{3, 16},
		{8, 4},
		{10, 1},
		{25, 1},
	}
	for _, tc := range cases {
		fs, err := Extract(g, Options{Step: tc.step})
		if err != nil {
			t.Fatalf("step %d: %v", tc.step, err)
		}
		if len(fs) != tc.want {
			t.Fatalf("step %d: %d features want %d", tc.step, len(fs), tc.want)
		}
	}
}

func TestInvalidStep(t *testing.T) {
	t.Parallel()

	g := gridOf(fullMask(3, 3), raster.Identity(), "")
	for _, opts := range []Options{{Step: 0}, {Step: -4}, {Step: 2, MaxPoints: -1}, {Step: 2, Geometry: "hexagon"}} {
		_, err := Extract(g, opts)
		var ipe *InvalidParameterError
		if !errors.As(err, &ipe) {
			t.Fatalf("Extract(%+v) expected InvalidParameterError, got %v", opts, err)
		}
		if !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("Extract(%+v) should unwrap to ErrInvalidParameter", opts)
		}
	}
}

func TestBoundAndMonotonicity(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))

	for n := 0; n < 150; n++ {
		rows, cols := 1+rng.Intn(40), 1+rng.Intn(40)
		m := raster.NewMask(rows, cols)
		for i := range m.Cells {
			m.Cells[i] = rng.Intn(2) == 0
		}
		g := gridOf(m, raster.Identity(), "")

		counts := map[int]int{}
		for _, s := range []int{1, 2, 3, 4, 6, 8, 12, 16, 24} {
			fs, err := Extract(g, Options{Step: s})
			if err != nil {
				t.Fatal(err)
			}
			if len(fs) > Bound(rows, cols, s) {
				t.Fatalf("step %d: %d features exceed bound %d", s, len(fs), Bound(rows, cols, s))
			}
			counts[s] = len(fs)
		}
		// nested lattices: every s2 sample point is also an s1 sample point
		for _, p := range [][2]int{{1, 2}, {2, 4}, {4, 8}, {8, 16}, {1, 3}, {3, 6}, {6, 12}, {12, 24}, {2, 6}, {4, 12}, {8, 24}} {
			if counts[p[1]] > counts[p[0]] {
				t.Fatalf("case %d: step %d gave %d > step %d gave %d", n, p[1], counts[p[1]], p[0], counts[p[0]])
			}
		}
	}
}

func TestRowMajorAndCap(t *testing.T) {
	t.Parallel()

	g := gridOf(fullMask(4, 4), raster.Identity(), "")
	all, err := Extract(g, Options{Step: 1})
	if err != nil {
		t.Fatal(err)
	}
	for i, f := range all {
		if f.Row != i/4 || f.Col != i%4 {
			t.Fatalf("feature %d at (%d,%d), not row-major", i, f.Row, f.Col)
		}
	}

	capped, err := Extract(g, Options{Step: 1, MaxPoints: 6})
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 6 {
		t.Fatalf("capped to %d features", len(capped))
	}
	for i := range capped {
		if capped[i].Row != all[i].Row || capped[i].Col != all[i].Col {
			t.Fatalf("cap must keep the row-major prefix, feature %d differs", i)
		}
	}
}

func TestCoordinatesAndValues(t *testing.T) {
	t.Parallel()

	m := raster.NewMask(3, 3)
	m.Set(1, 2, true)
	src, err := raster.New(3, 3, []float32{0, 0, 0, 0, 0, 4, 0, 0, 0}, raster.NorthUp(10, 50, 0.5, 0.5), raster.EPSG(4326))
	if err != nil {
		t.Fatal(err)
	}
	g := gridOf(m, src.Transform, src.CRS)
	g.Source = src

	fs, err := Extract(g, Options{Step: 1, Geometry: Cell})
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 {
		t.Fatalf("%d features", len(fs))
	}
	f := fs[0]
	if f.Point == nil || f.Point.Lon != 11.25 || f.Point.Lat != 49.25 {
		t.Fatalf("point %+v", f.Point)
	}
	if !f.HasValue || f.Value != 4 {
		t.Fatalf("value %v (has=%v)", f.Value, f.HasValue)
	}
	if f.Pair != "5y-2y" || f.Kind != feature.New {
		t.Fatalf("pair %q kind %q", f.Pair, f.Kind)
	}
	if len(f.Ring) != 5 || f.Ring[0] != f.Ring[4] || f.Ring[0] != (feature.LonLat{Lon: 11, Lat: 49.5}) {
		t.Fatalf("ring %v", f.Ring)
	}
}

func TestUnconvertibleCellHasNoPoint(t *testing.T) {
	t.Parallel()

	m := raster.NewMask(1, 1)
	m.Set(0, 0, true)
	// easting far outside any UTM zone
	g := gridOf(m, raster.NorthUp(5, 5, 1, 1), raster.EPSG(32633))

	fs, err := Extract(g, Options{Step: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 || fs[0].Located() {
		t.Fatalf("expected one unlocated feature, got %+v", fs)
	}
}
