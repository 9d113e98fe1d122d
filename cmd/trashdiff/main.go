// Command trashdiff compares two trash masks without the dashboard and
// writes the NEW and CLEANED features (and optionally the change masks)
// to a folder.
//
//	trashdiff -dir ./masks -earlier 5y -later 3m -step 4 -format geojson -out ./out -masks
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"trash-change-map/pkg/change"
	"trash-change-map/pkg/config"
	"trash-change-map/pkg/export"
	"trash-change-map/pkg/extract"
	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/logger"
	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/session"
	"trash-change-map/pkg/sysinfo"
	"trash-change-map/pkg/window"
)

var errUsage = errors.New("usage")

type options struct {
	dir       string
	earlier   string
	later     string
	pair      string
	step      int
	maxPoints int
	geometry  string
	format    string
	out       string
	masks     bool
	noMemory  bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	def := config.Default()
	var o options

	fs := flag.NewFlagSet("trashdiff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.dir, "dir", ".", "Folder with the mask GeoTIFFs")
	fs.StringVar(&o.earlier, "earlier", string(window.FiveYear), "Earlier window (5y, 2y, 3m) or a .tif path")
	fs.StringVar(&o.later, "later", string(window.TwoYear), "Later window (5y, 2y, 3m) or a .tif path")
	fs.StringVar(&o.pair, "pair", "", "Pair label when the paths carry no window keyword, e.g. 5y-3m")
	fs.IntVar(&o.step, "step", def.Step, "Sampling step")
	fs.IntVar(&o.maxPoints, "max", def.MaxPoints, "Maximum features per kind, 0 means unlimited")
	fs.StringVar(&o.geometry, "geometry", def.Geometry, `"point" or "cell"`)
	fs.StringVar(&o.format, "format", string(export.CSV), "Output format: csv, geojson or kml")
	fs.StringVar(&o.out, "out", ".", "Output folder")
	fs.BoolVar(&o.masks, "masks", false, "Also write the NEW and CLEANED masks as GeoTIFF")
	fs.BoolVar(&o.noMemory, "no-memory-check", false, "Skip the host memory check before loading")
	if err := fs.Parse(args); err != nil {
		return o, errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return o, errUsage
	}
	if o.maxPoints < 0 || o.maxPoints > config.MaxPointsLimit {
		return o, &extract.InvalidParameterError{Name: "max points", Value: fmt.Sprint(o.maxPoints), Reason: fmt.Sprintf("expected 0..%d", config.MaxPointsLimit)}
	}
	return o, nil
}

// source resolves -earlier/-later: a window name is looked up among the
// folder's files, anything else is a path (relative to -dir unless absolute).
func source(dir, arg string, files []string) (string, window.Window, error) {
	if w, err := window.Parse(arg); err == nil {
		picked, _ := window.Guess(files)
		name, ok := picked[w]
		if !ok {
			return "", "", &raster.LoadError{Path: dir, Err: fmt.Errorf("no file for window %s", w)}
		}
		return filepath.Join(dir, name), w, nil
	}
	path := arg
	if !filepath.IsAbs(path) {
		if _, err := os.Stat(path); err != nil {
			path = filepath.Join(dir, arg)
		}
	}
	picked, _ := window.Guess([]string{filepath.Base(path)})
	for _, w := range window.All() {
		if _, ok := picked[w]; ok {
			return path, w, nil
		}
	}
	return path, "", nil
}

func isWindow(s string) bool {
	_, err := window.Parse(s)
	return err == nil
}

func resolvePair(o options, a, b window.Window) (window.Pair, error) {
	if o.pair != "" {
		return window.ParsePair(o.pair)
	}
	if a == "" || b == "" {
		return window.Pair{}, &extract.InvalidParameterError{Name: "pair", Value: "", Reason: "file names carry no window keyword; set -pair"}
	}
	return window.NewPair(a, b)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	geometry, err := extract.ParseGeometry(o.geometry)
	if err != nil {
		return err
	}
	opts := extract.Options{Step: o.step, MaxPoints: o.maxPoints, Geometry: geometry}
	if err := opts.Validate(); err != nil {
		return err
	}
	format, err := export.ParseFormat(o.format)
	if err != nil {
		return err
	}

	var files []string
	if isWindow(o.earlier) || isWindow(o.later) {
		if files, err = session.ListTIFFs(o.dir); err != nil {
			return err
		}
	}
	earlierPath, ew, err := source(o.dir, o.earlier, files)
	if err != nil {
		return err
	}
	laterPath, lw, err := source(o.dir, o.later, files)
	if err != nil {
		return err
	}
	pair, err := resolvePair(o, ew, lw)
	if err != nil {
		return err
	}

	job := "cli-" + pair.String()
	logger.Begin(job, "Diff")
	defer logger.Sync()

	if !o.noMemory {
		if err := checkMemory(ctx, earlierPath, laterPath); err != nil {
			logger.FlushError(job, err)
			return err
		}
	}

	earlier, err := raster.Load(earlierPath)
	if err != nil {
		logger.FlushError(job, err)
		return err
	}
	logger.Appendf(job, "%s: %s (%dx%d, %s)", pair.Earlier, earlierPath, earlier.Rows, earlier.Cols, earlier.CRS)
	later, err := raster.Load(laterPath)
	if err != nil {
		logger.FlushError(job, err)
		return err
	}
	logger.Appendf(job, "%s: %s (%dx%d, %s)", pair.Later, laterPath, later.Rows, later.Cols, later.CRS)
	if !change.Aligned(earlier, later) {
		log.Printf("[Diff] warning: %s and %s differ in CRS or transform; using the later georeference", earlierPath, laterPath)
	}

	res, err := change.Detect(earlier, later, pair)
	if err != nil {
		logger.FlushError(job, err)
		return err
	}
	if err := os.MkdirAll(o.out, 0o755); err != nil {
		logger.FlushError(job, err)
		return err
	}

	for _, kind := range feature.Kinds() {
		features, err := extract.Extract(res.Grid(kind), opts)
		if err != nil {
			logger.FlushError(job, err)
			return err
		}
		name := filepath.Join(o.out, export.FileName(kind, pair.FileTag(), format))
		if err := writeFile(name, func(w io.Writer) error { return export.Write(w, format, features) }); err != nil {
			logger.FlushError(job, err)
			return err
		}
		fmt.Fprintf(stdout, "%s\t%d cells\t%d features\t%s\n", kind, res.Grid(kind).Count(), len(features), name)

		if o.masks {
			maskName := filepath.Join(o.out, fmt.Sprintf("%s_%s_mask.tif", strings.ToLower(string(kind)), pair.FileTag()))
			if err := raster.SaveGeoTIFF(maskName, res.Grid(kind).AsRaster(), raster.WriteOptions{Type: raster.Uint8, Deflate: true}); err != nil {
				logger.FlushError(job, err)
				return err
			}
			fmt.Fprintf(stdout, "%s\tmask\t%s\n", kind, maskName)
		}
	}
	counts := res.Counts()
	logger.Success(job, fmt.Sprintf("%s: %d new, %d cleaned cells", pair.Title(), counts[feature.New], counts[feature.Cleaned]))
	return nil
}

func checkMemory(ctx context.Context, paths ...string) error {
	var need uint64
	for _, p := range paths {
		h, err := raster.Stat(p)
		if err != nil {
			return err
		}
		need += h.Footprint()
	}
	have, err := sysinfo.AvailableMemory(ctx)
	if err != nil {
		log.Printf("[Diff] memory check skipped: %v", err)
		return nil
	}
	return sysinfo.Check(need, have)
}

// writeFile writes through a temp file so a failed export leaves no
// truncated output behind.
func writeFile(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".trashdiff-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		log.Fatalf("trashdiff: %v", err)
	}
}
