// Package session holds everything one user works with: the chosen folder,
// the mask loaded per time window and the change results computed so far.
//
// A Session is not safe for concurrent use. The Manager gives every session
// its own worker goroutine so interactions on it run one after another.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trash-change-map/pkg/change"
	"trash-change-map/pkg/extract"
	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/logger"
	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/sysinfo"
	"trash-change-map/pkg/window"
)

var (
	// ErrNoRasters means the folder holds no .tif files.
	ErrNoRasters = errors.New("no .tif files in folder")
	// ErrWindowNotLoaded is returned when a pair needs a window without a raster.
	ErrWindowNotLoaded = errors.New("time window not loaded")
)

// MemoryProbe reports the bytes currently available on the host.
type MemoryProbe func(ctx context.Context) (uint64, error)

// Options describe which folder and files to open.
type Options struct {
	Folder string
	// Selection maps windows to file names inside Folder or absolute paths.
	// Windows missing here are guessed from file names unless NoGuess is set.
	Selection map[window.Window]string
	Overlay   string
	NoGuess   bool
	// MemoryProbe is consulted before decoding; nil skips the check.
	MemoryProbe MemoryProbe
}

type Session struct {
	ID         string
	Folder     string
	Files      []string                          // .tif names found in Folder
	Selected   map[window.Window]string          // resolved paths
	Rasters    map[window.Window]*raster.Raster
	LoadErrors map[window.Window]error
	Warnings   []string
	Overlay    *raster.Overlay
	OverlayErr error
	Generation int
	Created    time.Time

	results map[window.Pair]*change.Result
}

// ListTIFFs returns the sorted .tif/.tiff names in folder.
func ListTIFFs(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, &raster.LoadError{Path: folder, Err: err}
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff":
			out = append(out, e.Name())
		}
	}
	if len(out) == 0 {
		return nil, &raster.LoadError{Path: folder, Err: ErrNoRasters}
	}
	sort.Strings(out)
	return out, nil
}

// Open scans the folder, resolves the selection and loads the selected
// windows concurrently. A window that fails to load is recorded in
// LoadErrors; only folder problems, memory exhaustion and cancellation fail
// the whole call.
func Open(ctx context.Context, opts Options) (*Session, error) {
	return open(ctx, uuid.NewString(), opts)
}

func open(ctx context.Context, id string, opts Options) (*Session, error) {
	folder := filepath.Clean(strings.TrimSpace(opts.Folder))
	files, err := ListTIFFs(folder)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:         id,
		Folder:     folder,
		Files:      files,
		Selected:   make(map[window.Window]string),
		Rasters:    make(map[window.Window]*raster.Raster),
		LoadErrors: make(map[window.Window]error),
		Created:    time.Now(),
		results:    make(map[window.Pair]*change.Result),
	}

	guessed, guessedOverlay := window.Guess(files)
	if !opts.NoGuess {
		for w, name := range guessed {
			s.Selected[w] = s.resolve(name)
		}
	}
	for w, name := range opts.Selection {
		if strings.TrimSpace(name) != "" {
			s.Selected[w] = s.resolve(name)
		}
	}
	overlay := opts.Overlay
	if overlay == "" && !opts.NoGuess {
		overlay = guessedOverlay
	}
	if overlay != "" {
		overlay = s.resolve(overlay)
	}

	logger.Begin(id, "Session")
	logger.Appendf(id, "folder %s: %d tif files", folder, len(files))

	if err := s.checkMemory(ctx, opts.MemoryProbe); err != nil {
		logger.FlushError(id, err)
		return nil, err
	}

	if err := s.load(ctx, overlay); err != nil {
		logger.FlushError(id, err)
		return nil, err
	}
	s.checkAlignment()

	if len(s.LoadErrors) > 0 {
		logger.FlushError(id, s.loadErrorSummary())
	} else {
		logger.Success(id, fmt.Sprintf("%s: %d windows loaded, pairs %v", folder, len(s.Rasters), s.Pairs()))
	}
	return s, nil
}

func (s *Session) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.Folder, name)
}

// checkMemory adds up the header footprints of the selected windows and
// refuses the load when it would not fit. Windows whose header cannot be
// read are dropped here and reported as load errors.
func (s *Session) checkMemory(ctx context.Context, probe MemoryProbe) error {
	var need uint64
	for _, w := range window.All() {
		path, ok := s.Selected[w]
		if !ok {
			continue
		}
		h, err := raster.Stat(path)
		if err != nil {
			s.LoadErrors[w] = err
			delete(s.Selected, w)
			continue
		}
		if h.Samples != 1 {
			s.LoadErrors[w] = &raster.LoadError{Path: path, Err: fmt.Errorf("%w: %d samples per pixel", raster.ErrNotSingleBand, h.Samples)}
			delete(s.Selected, w)
			continue
		}
		logger.Appendf(s.ID, "%s: %s (%dx%d, %s)", w, filepath.Base(path), h.Cols, h.Rows, sysinfo.Bytes(h.Footprint()))
		need += h.Footprint()
	}
	if probe == nil || need == 0 {
		return nil
	}
	have, err := probe(ctx)
	if err != nil {
		log.Printf("[Session] memory probe failed, loading anyway: %v", err)
		return nil
	}
	if err := sysinfo.Check(need, have); err != nil {
		return &raster.LoadError{Path: s.Folder, Err: err}
	}
	return nil
}

// load decodes the selected windows and the overlay in parallel, each into
// its own slot, and joins before returning.
func (s *Session) load(ctx context.Context, overlayPath string) error {
	windows := make([]window.Window, 0, len(s.Selected))
	for _, w := range window.All() {
		if _, ok := s.Selected[w]; ok {
			windows = append(windows, w)
		}
	}
	rasters := make([]*raster.Raster, len(windows))
	errs := make([]error, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range windows {
		i, path := i, s.Selected[w]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rasters[i], errs[i] = raster.Load(path)
			return nil
		})
	}
	var overlay *raster.Overlay
	var overlayErr error
	if overlayPath != "" {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			overlay, overlayErr = raster.LoadOverlay(overlayPath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, w := range windows {
		if errs[i] != nil {
			s.LoadErrors[w] = errs[i]
			logger.Appendf(s.ID, "%s failed: %v", w, errs[i])
			continue
		}
		s.Rasters[w] = rasters[i]
	}
	s.Overlay, s.OverlayErr = overlay, overlayErr
	if overlayErr != nil {
		s.Warnings = append(s.Warnings, fmt.Sprintf("overlay: %v", overlayErr))
	}
	return nil
}

// checkAlignment records a warning for every comparable pair whose rasters
// disagree on CRS, transform or shape. Nothing is reprojected.
func (s *Session) checkAlignment() {
	for _, p := range s.Pairs() {
		a, b := s.Rasters[p.Earlier], s.Rasters[p.Later]
		switch {
		case !a.SameShape(b):
			s.Warnings = append(s.Warnings, fmt.Sprintf("%s: shapes differ (%dx%d vs %dx%d)", p.Title(), a.Rows, a.Cols, b.Rows, b.Cols))
		case !change.Aligned(a, b):
			s.Warnings = append(s.Warnings, fmt.Sprintf("%s: CRS or transform differ (%q vs %q), using the later raster's georeference", p.Title(), a.CRS, b.CRS))
		}
	}
	for _, w := range s.Warnings {
		log.Printf("[Session] %s warning: %s", s.ID, w)
	}
}

func (s *Session) loadErrorSummary() error {
	var errs []error
	for _, w := range window.All() {
		if err := s.LoadErrors[w]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w, err))
		}
	}
	return errors.Join(errs...)
}

// Loaded reports which windows have a raster.
func (s *Session) Loaded() map[window.Window]bool {
	out := make(map[window.Window]bool, len(s.Rasters))
	for w := range s.Rasters {
		out[w] = true
	}
	return out
}

// Pairs lists the pairs whose windows are both loaded.
func (s *Session) Pairs() []window.Pair { return window.Available(s.Loaded()) }

// Compare returns the change result for pair, computing it once.
func (s *Session) Compare(pair window.Pair) (*change.Result, error) {
	if res, ok := s.results[pair]; ok {
		return res, nil
	}
	earlier, ok := s.Rasters[pair.Earlier]
	if !ok {
		return nil, fmt.Errorf("%s: %w", pair.Earlier, ErrWindowNotLoaded)
	}
	later, ok := s.Rasters[pair.Later]
	if !ok {
		return nil, fmt.Errorf("%s: %w", pair.Later, ErrWindowNotLoaded)
	}
	res, err := change.Detect(earlier, later, pair)
	if err != nil {
		return nil, err
	}
	s.results[pair] = res
	return res, nil
}

// Extract compares pair and samples the grid of kind.
func (s *Session) Extract(pair window.Pair, kind feature.Kind, opts extract.Options) ([]feature.Feature, error) {
	res, err := s.Compare(pair)
	if err != nil {
		return nil, err
	}
	return extract.Extract(res.Grid(kind), opts)
}

// Bounds returns the lon/lat box of the newest loaded window, where the map
// is centered.
func (s *Session) Bounds() (raster.Bounds, bool) {
	all := window.All()
	for i := len(all) - 1; i >= 0; i-- {
		if r, ok := s.Rasters[all[i]]; ok {
			b, err := r.Bounds()
			if err != nil {
				return raster.Bounds{}, false
			}
			return b, true
		}
	}
	return raster.Bounds{}, false
}

// Summary is the JSON view of a session.
type Summary struct {
	ID         string            `json:"id"`
	Folder     string            `json:"folder"`
	Files      []string          `json:"files"`
	Selected   map[string]string `json:"selected"`
	Loaded     []string          `json:"loaded"`
	Errors     map[string]string `json:"errors,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Pairs      []string          `json:"pairs"`
	Overlay    string            `json:"overlay,omitempty"`
	Bounds     *raster.Bounds    `json:"bounds,omitempty"`
	Generation int               `json:"generation"`
	Created    time.Time         `json:"created"`
}

func (s *Session) Summary() Summary {
	sum := Summary{
		ID:         s.ID,
		Folder:     s.Folder,
		Files:      s.Files,
		Selected:   make(map[string]string, len(s.Selected)),
		Loaded:     []string{},
		Pairs:      []string{},
		Warnings:   s.Warnings,
		Generation: s.Generation,
		Created:    s.Created,
	}
	for w, p := range s.Selected {
		sum.Selected[string(w)] = filepath.Base(p)
	}
	for _, w := range window.All() {
		if _, ok := s.Rasters[w]; ok {
			sum.Loaded = append(sum.Loaded, string(w))
		}
		if err := s.LoadErrors[w]; err != nil {
			if sum.Errors == nil {
				sum.Errors = make(map[string]string)
			}
			sum.Errors[string(w)] = err.Error()
		}
	}
	for _, p := range s.Pairs() {
		sum.Pairs = append(sum.Pairs, p.String())
	}
	if s.Overlay != nil {
		sum.Overlay = filepath.Base(s.Overlay.Path)
	}
	if b, ok := s.Bounds(); ok {
		sum.Bounds = &b
	}
	return sum
}
