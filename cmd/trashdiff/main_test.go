package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"trash-change-map/pkg/extract"
	"trash-change-map/pkg/raster"
)

func writeMask(t *testing.T, dir, name string, trash ...[2]int) {
	t.Helper()
	const rows, cols = 3, 4
	values := make([]float32, rows*cols)
	for _, rc := range trash {
		values[rc[0]*cols+rc[1]] = 1
	}
	r, err := raster.New(rows, cols, values, raster.NorthUp(500000, 4600000, 10, 10), raster.EPSG(32633))
	if err != nil {
		t.Fatal(err)
	}
	if err := raster.SaveGeoTIFF(filepath.Join(dir, name), r, raster.WriteOptions{Type: raster.Uint8}); err != nil {
		t.Fatal(err)
	}
}

func TestRunWritesFeaturesAndMasks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	writeMask(t, dir, "site_5y.tif", [2]int{0, 0})
	writeMask(t, dir, "site_3m.tif", [2]int{1, 2}, [2]int{2, 3})

	var stdout bytes.Buffer
	args := []string{"-dir", dir, "-earlier", "5y", "-later", "3m", "-step", "1", "-format", "csv", "-out", out, "-masks", "-no-memory-check"}
	if err := run(context.Background(), args, &stdout, io.Discard); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	var csvs, tifs int
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".csv":
			csvs++
		case ".tif":
			tifs++
		}
	}
	if csvs != 2 || tifs != 2 {
		t.Fatalf("output files %v", entries)
	}

	newCSV, err := os.ReadFile(filepath.Join(out, "new_5y_→_3m_points.csv"))
	if err != nil {
		t.Fatalf("%v (stdout %s)", err, stdout.String())
	}
	if lines := strings.Split(strings.TrimSpace(string(newCSV)), "\n"); len(lines) != 3 {
		t.Fatalf("NEW csv:\n%s", newCSV)
	}

	mask, err := raster.Load(filepath.Join(out, "cleaned_5y_→_3m_mask.tif"))
	if err != nil {
		t.Fatal(err)
	}
	if mask.Mask().Count() != 1 || mask.Values[0] != 1 {
		t.Fatalf("cleaned mask %v", mask.Values)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeMask(t, dir, "a.tif")
	writeMask(t, dir, "b.tif")

	cases := []struct {
		name string
		args []string
		want error
	}{
		{"zero step", []string{"-dir", dir, "-step", "0"}, extract.ErrInvalidParameter},
		{"too many points", []string{"-dir", dir, "-max", "999999999"}, extract.ErrInvalidParameter},
		{"no keyword", []string{"-dir", dir, "-earlier", "a.tif", "-later", "b.tif"}, extract.ErrInvalidParameter},
		{"missing window", []string{"-dir", dir, "-earlier", "5y", "-later", "2y"}, nil},
		{"stray argument", []string{"-dir", dir, "extra"}, errUsage},
	}
	for _, tc := range cases {
		err := run(context.Background(), append(tc.args, "-no-memory-check", "-out", t.TempDir()), io.Discard, io.Discard)
		if err == nil {
			t.Fatalf("%s: expected an error", tc.name)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestRunWithExplicitPair(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := t.TempDir()
	writeMask(t, dir, "before.tif", [2]int{0, 1})
	writeMask(t, dir, "after.tif")

	args := []string{"-dir", dir, "-earlier", "before.tif", "-later", "after.tif", "-pair", "2y-3m", "-format", "geojson", "-step", "1", "-out", out, "-no-memory-check"}
	if err := run(context.Background(), args, io.Discard, io.Discard); err != nil {
		t.Fatal(err)
	}
	doc, err := os.ReadFile(filepath.Join(out, "cleaned_2y_→_3m_points.geojson"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(doc), `"Feature"`) != 1 {
		t.Fatalf("geojson %s", doc)
	}
}
