package raster

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"golang.org/x/image/tiff"
)

// Load reads a single-band GeoTIFF mask.
func Load(path string) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if st.IsDir() {
		return nil, &LoadError{Path: path, Err: errors.New("is a directory")}
	}

	r, err := decode(f, st.Size())
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	r.Path = path
	return r, nil
}

// Decode reads a GeoTIFF from memory or any random access source.
func Decode(r io.ReaderAt, size int64) (*Raster, error) {
	out, err := decode(r, size)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	return out, nil
}

func decode(r io.ReaderAt, size int64) (*Raster, error) {
	tf, off, err := openTIFF(r, size)
	if err != nil {
		return nil, err
	}
	dir, err := tf.readDirectory(off)
	if err != nil {
		return nil, err
	}
	l, err := readLayout(dir)
	if err != nil {
		return nil, err
	}
	if l.samples != 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel", ErrNotSingleBand, l.samples)
	}
	if err := l.checkData(size); err != nil {
		return nil, err
	}
	geo, err := readGeoref(dir)
	if err != nil {
		return nil, err
	}

	var values []float32
	if l.viaImagePackage(tf.big) {
		var w, h int
		values, w, h, err = decodeImage(io.NewSectionReader(r, 0, size))
		if err == nil && (w != l.width || h != l.height) {
			err = fmt.Errorf("decoded %dx%d, header says %dx%d", w, h, l.width, l.height)
		}
		if err != nil && l.bits >= 8 {
			values, err = decodeSamples(tf, l)
		}
	} else {
		values, err = decodeSamples(tf, l)
	}
	if err != nil {
		return nil, err
	}

	return &Raster{
		Rows:      l.height,
		Cols:      l.width,
		Values:    values,
		Transform: geo.transform,
		CRS:       geo.crs,
		NoData:    geo.nodata,
		HasNoData: geo.hasNoData,
	}, nil
}

// Overlay is a decoded (usually RGB) image placed on the map next to the masks.
type Overlay struct {
	Path      string
	Image     image.Image
	Transform Affine
	CRS       CRS
}

// Bounds returns the lon/lat box of the overlay.
func (o *Overlay) Bounds() (Bounds, error) {
	b := o.Image.Bounds()
	return boundsOf(o.Transform, o.CRS, b.Dy(), b.Dx())
}

// LoadOverlay decodes any TIFF x/image/tiff understands, keeping its georeference.
func LoadOverlay(path string) (*Overlay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	tf, off, err := openTIFF(f, st.Size())
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if tf.big {
		return nil, &LoadError{Path: path, Err: errors.New("BigTIFF overlays are not supported")}
	}
	dir, err := tf.readDirectory(off)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	geo, err := readGeoref(dir)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	img, err := tiff.Decode(io.NewSectionReader(f, 0, st.Size()))
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return &Overlay{Path: path, Image: img, Transform: geo.transform, CRS: geo.crs}, nil
}

// Header is what Stat learns from the first image directory without
// decoding any pixels.
type Header struct {
	Rows    int
	Cols    int
	Samples int
	Bits    int
	CRS     CRS
}

// Footprint estimates the bytes a loaded raster occupies: float32 values
// plus one mask byte per cell for each derived change grid.
func (h Header) Footprint() uint64 {
	return uint64(h.Rows) * uint64(h.Cols) * (4 + 2)
}

// Stat reads the image header of path.
func Stat(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Header{}, &LoadError{Path: path, Err: err}
	}
	tf, off, err := openTIFF(f, st.Size())
	if err != nil {
		return Header{}, &LoadError{Path: path, Err: err}
	}
	dir, err := tf.readDirectory(off)
	if err != nil {
		return Header{}, &LoadError{Path: path, Err: err}
	}
	l, err := readLayout(dir)
	if err != nil {
		return Header{}, &LoadError{Path: path, Err: err}
	}
	geo, err := readGeoref(dir)
	if err != nil {
		return Header{}, &LoadError{Path: path, Err: err}
	}
	return Header{Rows: l.height, Cols: l.width, Samples: l.samples, Bits: l.bits, CRS: geo.crs}, nil
}
