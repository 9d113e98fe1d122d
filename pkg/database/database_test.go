package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
)

func openSQLite(t *testing.T, path string) *Database {
	t.Helper()
	db, err := NewDatabase(Config{DBType: "sqlite", DBPath: path})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func sampleFeatures() []feature.Feature {
	return []feature.Feature{
		{Kind: feature.New, Pair: "5y-2y", Point: &feature.LonLat{Lon: 15.0, Lat: 41.5}, Row: 0, Col: 8, Value: 1, HasValue: true},
		{Kind: feature.New, Pair: "5y-2y", Point: &feature.LonLat{Lon: 15.2, Lat: 41.7}, Row: 8, Col: 0, Value: 2, HasValue: true},
		{Kind: feature.Cleaned, Pair: "5y-2y", Point: &feature.LonLat{Lon: 15.1, Lat: 41.6}, Row: 16, Col: 16},
		{Kind: feature.Cleaned, Pair: "5y-2y", Row: 24, Col: 24}, // no coordinates: not stored
	}
}

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openSQLite(t, filepath.Join(t.TempDir(), "history.sqlite"))
	defer db.Close()

	run := Run{SessionID: "s-1", Folder: "/data", Pair: "5y-2y", Step: 8, MaxPoints: 50000, Geometry: "point", NewCells: 10, CleanedCells: 7}
	id, err := db.SaveRun(ctx, &run, sampleFeatures())
	if err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if id == 0 || run.NewPoints != 2 || run.CleanedPoints != 2 || run.CreatedAt == 0 {
		t.Fatalf("saved run %+v", run)
	}

	got, err := db.GetRun(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got != run {
		t.Fatalf("GetRun=%+v\nwant %+v", got, run)
	}

	all, err := db.RunFeatures(ctx, id, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("%d features stored", len(all))
	}
	first := all[0]
	if first.Kind != feature.New || first.Pair != "5y-2y" || first.Point.Lat != 41.5 || first.Col != 8 || !first.HasValue || first.Value != 1 {
		t.Fatalf("first feature %+v", first)
	}
	if all[2].HasValue {
		t.Fatalf("value flag not preserved: %+v", all[2])
	}

	cleaned, err := db.RunFeatures(ctx, id, feature.Cleaned, nil)
	if err != nil || len(cleaned) != 1 || cleaned[0].Row != 16 {
		t.Fatalf("cleaned %v, %v", cleaned, err)
	}
	box := &raster.Bounds{MinLon: 15.05, MinLat: 41.55, MaxLon: 15.3, MaxLat: 41.8}
	inBox, err := db.RunFeatures(ctx, id, feature.New, box)
	if err != nil || len(inBox) != 1 || inBox[0].Row != 8 {
		t.Fatalf("bbox %v, %v", inBox, err)
	}

	runs, err := db.ListRuns(ctx, 10)
	if err != nil || len(runs) != 1 || runs[0].ID != id {
		t.Fatalf("ListRuns %v, %v", runs, err)
	}
	if n, err := db.CountRuns(ctx); err != nil || n != 1 {
		t.Fatalf("CountRuns %d, %v", n, err)
	}

	if err := db.DeleteRun(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetRun(ctx, id); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("after delete err=%v", err)
	}
	if _, err := db.RunFeatures(ctx, id, "", nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("features after delete err=%v", err)
	}
	if err := db.DeleteRun(ctx, id); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestIDGeneratorResumesAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.sqlite")

	db := openSQLite(t, path)
	run := Run{SessionID: "a", Pair: "2y-3m"}
	first, err := db.SaveRun(ctx, &run, sampleFeatures())
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db = openSQLite(t, path)
	defer db.Close()
	run2 := Run{SessionID: "b", Pair: "2y-3m"}
	second, err := db.SaveRun(ctx, &run2, nil)
	if err != nil {
		t.Fatal(err)
	}
	// one id for the run plus three for the located features
	if second != first+4 {
		t.Fatalf("second id %d, first %d", second, first)
	}
}

func TestShortLinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openSQLite(t, filepath.Join(t.TempDir(), "history.sqlite"))
	defer db.Close()

	target := "/?session=abc&pair=5y-2y"
	code, err := db.ShortLink(ctx, target, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != defaultShortCodeLength || !isBase62(code) {
		t.Fatalf("code %q", code)
	}
	again, err := db.ShortLink(ctx, target, time.Now())
	if err != nil || again != code {
		t.Fatalf("second call %q, %v", again, err)
	}
	if got, err := db.ResolveShortLink(ctx, code); err != nil || got != target {
		t.Fatalf("resolve %q, %v", got, err)
	}
	if got, _ := db.ResolveShortLink(ctx, "../etc"); got != "" {
		t.Fatalf("bad code resolved to %q", got)
	}
	for _, bad := range []string{"  ", "https://evil.example/", "//evil.example/x", "/\\evil.example", "relative/path", "/a\nLocation: x"} {
		if _, err := db.ShortLink(ctx, bad, time.Now()); !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("target %q err=%v", bad, err)
		}
	}
}

func TestRedactDSN(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"postgres://u:secret@h:5432/db?sslmode=prefer": "postgres://u:***@h:5432/db?sslmode=prefer",
		"history-8765.sqlite":                          "history-8765.sqlite",
		"postgres://u@h/db":                            "postgres://u@h/db",
	}
	for in, want := range cases {
		if got := redactDSN(in); got != want {
			t.Fatalf("redactDSN(%q)=%q want %q", in, got, want)
		}
	}
}
