// Package kmlarchive keeps a tar.gz of every stored run exported as KML,
// rebuilt periodically in the background.
package kmlarchive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trash-change-map/pkg/database"
	"trash-change-map/pkg/export"
	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
)

// MaxRuns caps how many of the newest runs go into one archive.
const MaxRuns = 1000

// RunStore is the part of the history the archive reads.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]database.Run, error)
	RunFeatures(ctx context.Context, runID int64, kind feature.Kind, bounds *raster.Bounds) ([]feature.Feature, error)
}

// Info describes the current archive snapshot. Handlers stream the file
// from Path.
type Info struct {
	Path    string
	ModTime time.Time
	Runs    int
}

// Generator owns the archive file. Builds happen in one goroutine and a
// coordinator goroutine answers Fetch calls, so no state is shared.
type Generator struct {
	requests chan chan result
	rebuild  chan struct{}
	done     chan struct{}
}

type result struct {
	info Info
	err  error
}

// Start builds the archive once synchronously, then rebuilds it every
// refreshInterval and whenever Invalidate is called.
func Start(
	ctx context.Context,
	store RunStore,
	destPath string,
	refreshInterval time.Duration,
	logf func(string, ...any),
) *Generator {
	g := &Generator{
		requests: make(chan chan result),
		rebuild:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	buildRequests := make(chan struct{}, 1)
	buildResults := make(chan result, 1)
	destPath = filepath.Clean(destPath)
	if logf == nil {
		logf = func(string, ...any) {}
	}

	triggerBuild := func() {
		select {
		case buildRequests <- struct{}{}:
		default:
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-buildRequests:
				res := runBuild(ctx, store, destPath)
				if res.err != nil {
					logf("kml archive rebuild failed: %v", res.err)
				} else {
					logf("kml archive ready: %s (%d runs)", res.info.Path, res.info.Runs)
				}
				select {
				case <-ctx.Done():
					return
				case buildResults <- res:
				}
			}
		}
	}()

	initial := runBuild(ctx, store, destPath)
	if initial.err != nil {
		logf("kml archive initial build failed: %v", initial.err)
	}

	go func() {
		defer close(g.done)

		if refreshInterval <= 0 {
			refreshInterval = time.Hour
		}
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		current := initial
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				triggerBuild()
			case <-g.rebuild:
				triggerBuild()
			case res := <-buildResults:
				current = res
			case ch := <-g.requests:
				if current.err != nil || current.info.Path == "" {
					triggerBuild()
					select {
					case <-ctx.Done():
						ch <- result{err: ctx.Err()}
						return
					case res := <-buildResults:
						current = res
					}
				}
				ch <- current
			}
		}
	}()

	return g
}

// Invalidate asks for a rebuild, e.g. after a run was stored or deleted.
func (g *Generator) Invalidate() {
	if g == nil {
		return
	}
	select {
	case g.rebuild <- struct{}{}:
	default:
	}
}

// Fetch returns the current archive, building it on demand after a failure.
func (g *Generator) Fetch(ctx context.Context) (Info, error) {
	respCh := make(chan result, 1)

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-g.done:
		return Info{}, errors.New("archive generator stopped")
	case g.requests <- respCh:
	}

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-g.done:
		return Info{}, errors.New("archive generator stopped")
	case res := <-respCh:
		return res.info, res.err
	}
}

func runBuild(ctx context.Context, store RunStore, destPath string) result {
	info, err := buildArchive(ctx, store, destPath)
	if err != nil {
		return result{err: err}
	}
	return result{info: info}
}

// buildArchive writes every run into a temporary tar.gz and only then
// replaces the destination, so readers never see a partial archive.
func buildArchive(ctx context.Context, store RunStore, destPath string) (Info, error) {
	runs, err := store.ListRuns(ctx, MaxRuns)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Info{}, fmt.Errorf("create archive directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "kml-*.tar.gz")
	if err != nil {
		return Info{}, fmt.Errorf("tmp archive: %w", err)
	}
	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
	}

	gz := gzip.NewWriter(tmpFile)
	tarw := tar.NewWriter(gz)

	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			tarw.Close()
			gz.Close()
			cleanup()
			return Info{}, err
		}
		if err := appendRun(ctx, tarw, store, run); err != nil {
			tarw.Close()
			gz.Close()
			cleanup()
			return Info{}, err
		}
	}

	if err := tarw.Close(); err != nil {
		gz.Close()
		cleanup()
		return Info{}, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return Info{}, fmt.Errorf("close gzip: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return Info{}, fmt.Errorf("close archive file: %w", err)
	}
	if err := replaceFile(tmpFile.Name(), destPath); err != nil {
		cleanup()
		return Info{}, err
	}

	st, err := os.Stat(destPath)
	if err != nil {
		return Info{}, fmt.Errorf("stat archive: %w", err)
	}
	return Info{Path: destPath, ModTime: st.ModTime(), Runs: len(runs)}, nil
}

// appendRun spools one run's KML to a temp file so the tar header can
// carry its size without holding the document in memory.
func appendRun(ctx context.Context, tw *tar.Writer, store RunStore, run database.Run) error {
	features, err := store.RunFeatures(ctx, run.ID, "", nil)
	if err != nil {
		return fmt.Errorf("run %d features: %w", run.ID, err)
	}

	tmp, err := os.CreateTemp("", "run-*.kml")
	if err != nil {
		return fmt.Errorf("tmp run %d: %w", run.ID, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	if err := export.WriteKML(w, features); err != nil {
		tmp.Close()
		return fmt.Errorf("write run %d: %w", run.ID, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush run %d: %w", run.ID, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return fmt.Errorf("rewind run %d: %w", run.ID, err)
	}
	st, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("stat run %d: %w", run.ID, err)
	}

	header := &tar.Header{
		Name:    RunFilename(run),
		Mode:    0o644,
		Size:    st.Size(),
		ModTime: time.Unix(run.CreatedAt, 0),
	}
	if err := tw.WriteHeader(header); err != nil {
		tmp.Close()
		return fmt.Errorf("tar header run %d: %w", run.ID, err)
	}
	if _, err := io.Copy(tw, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("tar copy run %d: %w", run.ID, err)
	}
	return tmp.Close()
}

// RunFilename is run-<id>-<pair>.kml with the pair reduced to safe
// characters.
func RunFilename(run database.Run) string {
	var b strings.Builder
	for _, r := range run.Pair {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "pair"
	}
	return fmt.Sprintf("run-%d-%s.kml", run.ID, name)
}

// replaceFile atomically replaces the destination with the temporary file.
func replaceFile(tmpPath, destPath string) error {
	if err := os.Rename(tmpPath, destPath); err != nil {
		if removeErr := os.Remove(destPath); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove old archive: %w", removeErr)
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			return fmt.Errorf("replace archive: %w", err)
		}
	}
	return nil
}
