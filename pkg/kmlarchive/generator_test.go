package kmlarchive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trash-change-map/pkg/database"
	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
)

type fakeStore struct {
	runs     []database.Run
	features map[int64][]feature.Feature
}

func (f fakeStore) ListRuns(context.Context, int) ([]database.Run, error) { return f.runs, nil }

func (f fakeStore) RunFeatures(_ context.Context, id int64, _ feature.Kind, _ *raster.Bounds) ([]feature.Feature, error) {
	return f.features[id], nil
}

func TestArchiveContainsOneKMLPerRun(t *testing.T) {
	t.Parallel()

	store := fakeStore{
		runs: []database.Run{
			{ID: 7, Pair: "5y-2y", CreatedAt: 1700000000},
			{ID: 9, Pair: "2y-3m", CreatedAt: 1700000100},
		},
		features: map[int64][]feature.Feature{
			7: {{Kind: feature.New, Pair: "5y-2y", Point: &feature.LonLat{Lon: 1, Lat: 2}}},
		},
	}
	dest := filepath.Join(t.TempDir(), "archive", "runs.tar.gz")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := Start(ctx, store, dest, time.Hour, t.Logf)

	info, err := g.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if info.Path != dest || info.Runs != 2 {
		t.Fatalf("info %+v", info)
	}

	f, err := os.Open(info.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)

	contents := map[string]string{}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		contents[h.Name] = string(data)
	}
	if len(contents) != 2 {
		t.Fatalf("entries %v", contents)
	}
	if doc := contents["run-7-5y-2y.kml"]; !strings.Contains(doc, "<Placemark>") {
		t.Fatalf("run 7 KML:\n%s", doc)
	}
	if doc, ok := contents["run-9-2y-3m.kml"]; !ok || strings.Contains(doc, "<Placemark>") {
		t.Fatalf("run 9 KML:\n%s", doc)
	}
}

func TestRunFilename(t *testing.T) {
	t.Parallel()

	if got := RunFilename(database.Run{ID: 3, Pair: "5y → 2y"}); got != "run-3-5y---2y.kml" {
		t.Fatalf("RunFilename=%q", got)
	}
	if got := RunFilename(database.Run{ID: 4}); got != "run-4-pair.kml" {
		t.Fatalf("RunFilename=%q", got)
	}
}
