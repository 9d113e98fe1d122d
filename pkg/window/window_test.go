package window

import (
	"errors"
	"testing"
)

func TestParsePair(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Pair
		wantErr error
	}{
		{in: "5y-2y", want: Pair{FiveYear, TwoYear}},
		{in: "2Y_3M", want: Pair{TwoYear, ThreeMonth}},
		{in: "5y → 3m", want: Pair{FiveYear, ThreeMonth}},
		{in: "5y->2y", want: Pair{FiveYear, TwoYear}},
		{in: "2y-5y", wantErr: ErrUnorderedPair},
		{in: "3m-3m", wantErr: ErrUnorderedPair},
		{in: "1y-2y", wantErr: ErrUnknownWindow},
		{in: "5y", wantErr: ErrUnknownWindow},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePair(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("ParsePair(%q) err=%v want %v", tc.in, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePair(%q) unexpected error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParsePair(%q)=%v want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestPairNames(t *testing.T) {
	t.Parallel()

	p := Pair{FiveYear, TwoYear}
	if p.String() != "5y-2y" {
		t.Fatalf("String()=%q", p.String())
	}
	if p.Title() != "5y → 2y" {
		t.Fatalf("Title()=%q", p.Title())
	}
	if p.FileTag() != "5y_→_2y" {
		t.Fatalf("FileTag()=%q", p.FileTag())
	}
}

func TestGuess(t *testing.T) {
	t.Parallel()

	files := []string{"trash_3m.tif", "RGB_scene.tif", "trash_5Y_v2.tif", "trash_5y.tif", "notes.tif"}
	picked, overlay := Guess(files)

	if picked[FiveYear] != "trash_5Y_v2.tif" {
		// sorted order: "RGB_scene.tif", "notes.tif", "trash_3m.tif", "trash_5Y_v2.tif", "trash_5y.tif"
		t.Fatalf("5y picked %q", picked[FiveYear])
	}
	if _, ok := picked[TwoYear]; ok {
		t.Fatalf("2y should stay unselected, got %q", picked[TwoYear])
	}
	if picked[ThreeMonth] != "trash_3m.tif" {
		t.Fatalf("3m picked %q", picked[ThreeMonth])
	}
	if overlay != "RGB_scene.tif" {
		t.Fatalf("overlay %q", overlay)
	}
}

func TestGuessKeepsOverlayOutOfMasks(t *testing.T) {
	t.Parallel()

	picked, overlay := Guess([]string{"area_rgb_5y.tif", "mask_5y.tif", "rgb_2y.tif"})
	if picked[FiveYear] != "mask_5y.tif" {
		t.Fatalf("5y picked %q", picked[FiveYear])
	}
	if name, ok := picked[TwoYear]; ok {
		t.Fatalf("2y picked the overlay %q", name)
	}
	if overlay != "area_rgb_5y.tif" {
		t.Fatalf("overlay %q", overlay)
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()

	got := Available(map[Window]bool{FiveYear: true, TwoYear: true, ThreeMonth: true})
	want := []Pair{{FiveYear, TwoYear}, {TwoYear, ThreeMonth}, {FiveYear, ThreeMonth}}
	if len(got) != len(want) {
		t.Fatalf("Available()=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Available()[%d]=%v want %v", i, got[i], want[i])
		}
	}

	if got := Available(map[Window]bool{FiveYear: true, ThreeMonth: true}); len(got) != 1 || got[0] != (Pair{FiveYear, ThreeMonth}) {
		t.Fatalf("Available(5y,3m)=%v", got)
	}
	if got := Available(map[Window]bool{TwoYear: true}); len(got) != 0 {
		t.Fatalf("Available(2y)=%v", got)
	}
}
