package session

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/image/tiff"

	"trash-change-map/pkg/extract"
	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/sysinfo"
	"trash-change-map/pkg/window"
)

const rows, cols = 4, 6

func writeMask(t *testing.T, dir, name string, trash ...[2]int) {
	t.Helper()
	values := make([]float32, rows*cols)
	for _, rc := range trash {
		values[rc[0]*cols+rc[1]] = 1
	}
	r, err := raster.New(rows, cols, values, raster.NorthUp(500000, 4600000, 10, 10), raster.EPSG(32633))
	if err != nil {
		t.Fatal(err)
	}
	if err := raster.SaveGeoTIFF(filepath.Join(dir, name), r, raster.WriteOptions{Type: raster.Uint8, Deflate: true}); err != nil {
		t.Fatal(err)
	}
}

func writeRGB(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := tiff.Encode(f, image.NewRGBA(image.Rect(0, 0, cols, rows)), nil); err != nil {
		t.Fatal(err)
	}
}

func threeWindows(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeMask(t, dir, "trash_5y.tif", [2]int{0, 0}, [2]int{1, 1})
	writeMask(t, dir, "trash_2y.tif", [2]int{1, 1}, [2]int{2, 3})
	writeMask(t, dir, "trash_3m.tif", [2]int{2, 3})
	writeRGB(t, dir, "scene_rgb.tif")
	return dir
}

func TestOpenGuessesAndLoads(t *testing.T) {
	t.Parallel()

	dir := threeWindows(t)
	s, err := Open(context.Background(), Options{Folder: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Files) != 4 || len(s.Rasters) != 3 || len(s.LoadErrors) != 0 {
		t.Fatalf("files=%v rasters=%d errors=%v", s.Files, len(s.Rasters), s.LoadErrors)
	}
	if s.Overlay == nil || s.OverlayErr != nil {
		t.Fatalf("overlay %v, %v", s.Overlay, s.OverlayErr)
	}
	pairs := s.Pairs()
	if len(pairs) != 3 || pairs[0].String() != "5y-2y" || pairs[1].String() != "2y-3m" || pairs[2].String() != "5y-3m" {
		t.Fatalf("pairs %v", pairs)
	}

	p := window.Pair{Earlier: window.FiveYear, Later: window.TwoYear}
	first, err := s.Compare(p)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := s.Compare(p)
	if first != again {
		t.Fatal("Compare result not cached")
	}
	if c := first.Counts(); c[feature.New] != 1 || c[feature.Cleaned] != 1 {
		t.Fatalf("counts %v", c)
	}

	sum := s.Summary()
	if sum.ID == "" || sum.Selected["3m"] != "trash_3m.tif" || sum.Overlay != "scene_rgb.tif" || sum.Bounds == nil {
		t.Fatalf("summary %+v", sum)
	}
}

func TestOpenExplicitSelection(t *testing.T) {
	t.Parallel()

	dir := threeWindows(t)
	s, err := Open(context.Background(), Options{
		Folder:    dir,
		NoGuess:   true,
		Selection: map[window.Window]string{window.FiveYear: "trash_5y.tif", window.ThreeMonth: filepath.Join(dir, "trash_3m.tif")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Rasters) != 2 || s.Overlay != nil {
		t.Fatalf("rasters=%d overlay=%v", len(s.Rasters), s.Overlay)
	}
	if _, err := s.Compare(window.Pair{Earlier: window.FiveYear, Later: window.TwoYear}); !errors.Is(err, ErrWindowNotLoaded) {
		t.Fatalf("missing window err=%v", err)
	}
	fs, err := s.Extract(window.Pair{Earlier: window.FiveYear, Later: window.ThreeMonth}, feature.New, extract.Options{Step: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 || fs[0].Row != 2 || fs[0].Col != 3 || !fs[0].Located() {
		t.Fatalf("features %+v", fs)
	}
}

func TestOpenFolderErrors(t *testing.T) {
	t.Parallel()

	var le *raster.LoadError
	if _, err := Open(context.Background(), Options{Folder: filepath.Join(t.TempDir(), "missing")}); !errors.As(err, &le) {
		t.Fatalf("missing folder err=%v", err)
	}

	empty := t.TempDir()
	if err := os.WriteFile(filepath.Join(empty, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), Options{Folder: empty}); !errors.As(err, &le) || !errors.Is(err, ErrNoRasters) {
		t.Fatalf("empty folder err=%v", err)
	}
}

func TestOpenRecordsSingleFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeMask(t, dir, "a_5y.tif", [2]int{0, 0})
	writeMask(t, dir, "c_3m.tif")
	if err := os.WriteFile(filepath.Join(dir, "b_2y.tif"), []byte("not a tiff"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(context.Background(), Options{Folder: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var le *raster.LoadError
	if !errors.As(s.LoadErrors[window.TwoYear], &le) {
		t.Fatalf("2y error %v", s.LoadErrors[window.TwoYear])
	}
	if pairs := s.Pairs(); len(pairs) != 1 || pairs[0].String() != "5y-3m" {
		t.Fatalf("pairs %v", pairs)
	}
	if sum := s.Summary(); sum.Errors["2y"] == "" {
		t.Fatalf("summary errors %v", sum.Errors)
	}
}

func TestOpenKeepsSessionWhenEveryWindowFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a_5y.tif", "b_2y.tif"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("not a tiff"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s, err := Open(context.Background(), Options{Folder: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Rasters) != 0 || len(s.LoadErrors) != 2 || len(s.Pairs()) != 0 {
		t.Fatalf("rasters=%d errors=%v", len(s.Rasters), s.LoadErrors)
	}
	if _, err := s.Compare(window.Pair{Earlier: window.FiveYear, Later: window.TwoYear}); !errors.Is(err, ErrWindowNotLoaded) {
		t.Fatalf("compare err=%v", err)
	}
}

func TestOpenRefusesWhenMemoryShort(t *testing.T) {
	t.Parallel()

	dir := threeWindows(t)
	probe := func(context.Context) (uint64, error) { return 100, nil }
	_, err := Open(context.Background(), Options{Folder: dir, MemoryProbe: probe})
	var le *raster.LoadError
	if !errors.As(err, &le) || !errors.Is(err, sysinfo.ErrInsufficientMemory) {
		t.Fatalf("err=%v", err)
	}

	plenty := func(context.Context) (uint64, error) { return 1 << 30, nil }
	if _, err := Open(context.Background(), Options{Folder: dir, MemoryProbe: plenty}); err != nil {
		t.Fatalf("plenty of memory: %v", err)
	}
}

func TestManagerSerializesPerSession(t *testing.T) {
	t.Parallel()

	m := NewManager(time.Hour, nil)
	defer m.Stop()
	ctx := context.Background()

	sum, err := m.Open(ctx, Options{Folder: threeWindows(t)})
	if err != nil {
		t.Fatal(err)
	}

	var inFlight, overlaps atomic.Int32
	calls := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Do(ctx, sum.ID, func(s *Session) error {
				if inFlight.Add(1) != 1 {
					overlaps.Add(1)
				}
				calls++
				_, err := s.Compare(window.Pair{Earlier: window.TwoYear, Later: window.ThreeMonth})
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return err
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Fatalf("%d overlapping jobs", overlaps.Load())
	}
	if calls != 32 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestManagerReloadAndClose(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	defer m.Stop()
	ctx := context.Background()
	dir := threeWindows(t)

	sum, err := m.Open(ctx, Options{Folder: dir})
	if err != nil {
		t.Fatal(err)
	}
	next, err := m.Reload(ctx, sum.ID, Options{Folder: dir, NoGuess: true, Selection: map[window.Window]string{window.TwoYear: "trash_2y.tif"}})
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != sum.ID || next.Generation != 1 || len(next.Loaded) != 1 {
		t.Fatalf("reloaded %+v", next)
	}

	if _, err := m.Reload(ctx, sum.ID, Options{Folder: filepath.Join(dir, "gone")}); err == nil {
		t.Fatal("reload of missing folder succeeded")
	}
	err = m.Do(ctx, sum.ID, func(s *Session) error {
		if s.Generation != 1 {
			t.Errorf("failed reload replaced state: generation %d", s.Generation)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if ok, err := m.Close(ctx, sum.ID); !ok || err != nil {
		t.Fatalf("Close=%v, %v", ok, err)
	}
	if err := m.Do(ctx, sum.ID, func(*Session) error { return nil }); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("closed session err=%v", err)
	}
	if n, _ := m.Count(ctx); n != 0 {
		t.Fatalf("count=%d", n)
	}
}

func TestManagerExpiresIdleSessions(t *testing.T) {
	t.Parallel()

	var offset atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	m := newManager(time.Hour, nil, now)
	defer m.Stop()
	ctx := context.Background()

	sum, err := m.Open(ctx, Options{Folder: threeWindows(t)})
	if err != nil {
		t.Fatal(err)
	}
	offset.Store(int64(30 * time.Minute))
	if n, _ := m.sweep(ctx); n != 0 {
		t.Fatalf("expired too early: %d", n)
	}
	if err := m.Do(ctx, sum.ID, func(*Session) error { return nil }); err != nil {
		t.Fatal(err)
	}

	offset.Store(int64(30*time.Minute + time.Hour + time.Second))
	if n, _ := m.sweep(ctx); n != 1 {
		t.Fatalf("expired %d sessions", n)
	}
	if err := m.Do(ctx, sum.ID, func(*Session) error { return nil }); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expired session err=%v", err)
	}
}
