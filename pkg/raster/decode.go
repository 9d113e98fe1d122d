package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"golang.org/x/image/tiff"
	"golang.org/x/image/tiff/lzw"
)

const (
	compNone     = 1
	compLZW      = 5
	compDeflate  = 8
	compPackBits = 32773
	compDeflateZ = 32946

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3

	predictorNone       = 1
	predictorHorizontal = 2
	predictorFloat      = 3

	// Upper bound on the decompressed/compressed size ratio any supported
	// codec reaches; LZW with 12-bit codes stays below it.
	maxExpansion = 4096
)

// layout is the pixel storage description of an IFD.
type layout struct {
	width, height int
	bits          int
	format        int
	samples       int
	compression   int
	predictor     int
	planar        int
	tiled         bool
	tileW, tileH  int
	rowsPerStrip  int
	offsets       []uint64
	counts        []uint64
}

func readLayout(d *directory) (layout, error) {
	var l layout
	get := func(tag uint16, def uint64) int {
		v, err := d.first(tag, def)
		if err != nil || v > math.MaxInt32 {
			return -1
		}
		return int(v)
	}
	l.width = get(tagImageWidth, 0)
	l.height = get(tagImageLength, 0)
	l.bits = get(tagBitsPerSample, 1)
	l.format = get(tagSampleFormat, sampleUint)
	l.samples = get(tagSamplesPerPixel, 1)
	l.compression = get(tagCompression, compNone)
	l.predictor = get(tagPredictor, predictorNone)
	l.planar = get(tagPlanarConfig, 1)
	for _, v := range []int{l.width, l.height, l.bits, l.format, l.samples, l.compression, l.predictor, l.planar} {
		if v < 0 {
			return l, errors.New("malformed image structure tags")
		}
	}
	if l.bits > 64 || l.samples > 64 {
		return l, fmt.Errorf("malformed image structure: %d samples of %d bits", l.samples, l.bits)
	}
	if l.width == 0 || l.height == 0 {
		return l, ErrEmptyRaster
	}
	if uint64(l.width)*uint64(l.height) > MaxCells {
		return l, fmt.Errorf("%w: %dx%d", ErrTooLarge, l.width, l.height)
	}

	var err error
	if d.has(tagTileWidth) {
		l.tiled = true
		l.tileW = get(tagTileWidth, 0)
		l.tileH = get(tagTileLength, 0)
		if l.tileW <= 0 || l.tileH <= 0 {
			return l, errors.New("bad tile size")
		}
		if uint64(l.tileW)*uint64(l.tileH) > MaxCells {
			return l, fmt.Errorf("%w: %dx%d tiles", ErrTooLarge, l.tileW, l.tileH)
		}
		if l.offsets, err = d.uints(tagTileOffsets); err != nil {
			return l, err
		}
		if l.counts, err = d.uints(tagTileByteCounts); err != nil {
			return l, err
		}
	} else {
		l.rowsPerStrip = get(tagRowsPerStrip, uint64(l.height))
		if l.rowsPerStrip <= 0 || l.rowsPerStrip > l.height {
			l.rowsPerStrip = l.height
		}
		if l.offsets, err = d.uints(tagStripOffsets); err != nil {
			return l, err
		}
		if l.counts, err = d.uints(tagStripByteCounts); err != nil {
			return l, err
		}
	}
	if len(l.offsets) == 0 || len(l.offsets) != len(l.counts) {
		return l, fmt.Errorf("have %d data offsets and %d byte counts", len(l.offsets), len(l.counts))
	}
	return l, nil
}

// checkData verifies the strips or tiles can hold the image: every chunk
// lies inside the file and the compressed total can expand to the pixel
// bytes the header promises. Runs before any pixel buffer is allocated.
func (l layout) checkData(fileSize int64) error {
	var total uint64
	for i, n := range l.counts {
		if l.offsets[i] > uint64(fileSize) || n > uint64(fileSize)-l.offsets[i] {
			return fmt.Errorf("%w: chunk %d of %d bytes at %d is past the end of the file", ErrTruncated, i, n, l.offsets[i])
		}
		total += n
	}
	bits := uint64(max(l.bits, 1)) * uint64(max(l.samples, 1))
	need := uint64(l.height) * ((uint64(l.width)*bits + 7) / 8)
	if l.compression != compNone {
		need = (need + maxExpansion - 1) / maxExpansion
	}
	if need > total {
		return fmt.Errorf("%w: %dx%d needs %d bytes, chunks hold %d", ErrTruncated, l.width, l.height, need, total)
	}
	return nil
}

// viaImagePackage reports whether x/image/tiff can decode the layout.
func (l layout) viaImagePackage(big bool) bool {
	return !big && l.format == sampleUint && l.bits <= 16 && l.predictor != predictorFloat
}

func (l layout) bytesPerSample() (int, error) {
	switch {
	case l.format == sampleFloat && (l.bits == 32 || l.bits == 64):
	case (l.format == sampleUint || l.format == sampleInt) && (l.bits == 8 || l.bits == 16 || l.bits == 32 || l.bits == 64):
	default:
		return 0, fmt.Errorf("unsupported sample layout: %d-bit format %d", l.bits, l.format)
	}
	return l.bits / 8, nil
}

// decodeImage runs the x/image/tiff decoder and keeps the single band.
func decodeImage(r io.Reader) ([]float32, int, int, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, 0, 0, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, w*h)
	switch m := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := m.Pix[y*m.Stride : y*m.Stride+w]
			for x, v := range row {
				out[y*w+x] = float32(v)
			}
		}
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = float32(m.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Paletted:
		for y := 0; y < h; y++ {
			row := m.Pix[y*m.Stride : y*m.Stride+w]
			for x, v := range row {
				out[y*w+x] = float32(v)
			}
		}
	default:
		return nil, 0, 0, fmt.Errorf("%w: decoded as %T", ErrNotSingleBand, img)
	}
	return out, w, h, nil
}

// decodeSamples reads strips or tiles directly. It covers what x/image/tiff
// does not: signed and wide integers, floats, predictor 3 and BigTIFF.
func decodeSamples(tf *tiffFile, l layout) ([]float32, error) {
	bps, err := l.bytesPerSample()
	if err != nil {
		return nil, err
	}
	if l.predictor != predictorNone && l.predictor != predictorHorizontal && l.predictor != predictorFloat {
		return nil, fmt.Errorf("unsupported predictor %d", l.predictor)
	}

	out := make([]float32, l.width*l.height)
	sampleOrder := tf.order
	if l.predictor == predictorFloat {
		sampleOrder = binary.BigEndian
	}

	if l.tiled {
		across := (l.width + l.tileW - 1) / l.tileW
		down := (l.height + l.tileH - 1) / l.tileH
		if len(l.offsets) < across*down {
			return nil, fmt.Errorf("have %d tiles, need %d", len(l.offsets), across*down)
		}
		rowBytes := l.tileW * bps
		for t := 0; t < across*down; t++ {
			data, err := readChunk(tf, l, t, rowBytes*l.tileH)
			if err != nil {
				return nil, fmt.Errorf("tile %d: %w", t, err)
			}
			x0, y0 := (t%across)*l.tileW, (t/across)*l.tileH
			for ty := 0; ty < l.tileH && y0+ty < l.height; ty++ {
				row := data[ty*rowBytes : (ty+1)*rowBytes]
				if err := unpredict(row, l.tileW, bps, l.predictor, tf.order); err != nil {
					return nil, err
				}
				for tx := 0; tx < l.tileW && x0+tx < l.width; tx++ {
					out[(y0+ty)*l.width+x0+tx] = sampleAt(row, tx, bps, l.format, sampleOrder)
				}
			}
		}
		return out, nil
	}

	strips := (l.height + l.rowsPerStrip - 1) / l.rowsPerStrip
	if len(l.offsets) < strips {
		return nil, fmt.Errorf("have %d strips, need %d", len(l.offsets), strips)
	}
	rowBytes := l.width * bps
	for s := 0; s < strips; s++ {
		y0 := s * l.rowsPerStrip
		rows := min(l.rowsPerStrip, l.height-y0)
		data, err := readChunk(tf, l, s, rowBytes*rows)
		if err != nil {
			return nil, fmt.Errorf("strip %d: %w", s, err)
		}
		for r := 0; r < rows; r++ {
			row := data[r*rowBytes : (r+1)*rowBytes]
			if err := unpredict(row, l.width, bps, l.predictor, tf.order); err != nil {
				return nil, err
			}
			for x := 0; x < l.width; x++ {
				out[(y0+r)*l.width+x] = sampleAt(row, x, bps, l.format, sampleOrder)
			}
		}
	}
	return out, nil
}

// readChunk returns the decompressed bytes of strip or tile i, at least want long.
func readChunk(tf *tiffFile, l layout, i, want int) ([]byte, error) {
	raw, err := tf.readAt(l.offsets[i], int(l.counts[i]))
	if err != nil {
		return nil, err
	}

	var data []byte
	switch l.compression {
	case compNone:
		data = raw
	case compLZW:
		rc := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		data, err = io.ReadAll(io.LimitReader(rc, int64(want)))
		rc.Close()
	case compDeflate, compDeflateZ:
		var zr io.ReadCloser
		zr, err = zlib.NewReader(bytes.NewReader(raw))
		if err == nil {
			data, err = io.ReadAll(io.LimitReader(zr, int64(want)))
			zr.Close()
		}
	case compPackBits:
		data, err = unpackBits(raw)
	default:
		return nil, fmt.Errorf("unsupported compression %d", l.compression)
	}
	// Some LZW writers end the stream without an EOI code.
	if err != nil && !(l.compression == compLZW && len(data) >= want) {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(data) < want {
		return nil, fmt.Errorf("short data: %d of %d bytes", len(data), want)
	}
	return data, nil
}

func unpackBits(src []byte) ([]byte, error) {
	var dst []byte
	for i := 0; i < len(src); {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return dst, io.ErrUnexpectedEOF
			}
			dst = append(dst, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return dst, io.ErrUnexpectedEOF
			}
			for k := 0; k < 1-n; k++ {
				dst = append(dst, src[i])
			}
			i++
		}
	}
	return dst, nil
}

// unpredict undoes the TIFF predictor on one row of width samples in place.
func unpredict(row []byte, width, bps, predictor int, order binary.ByteOrder) error {
	switch predictor {
	case predictorNone:
		return nil
	case predictorHorizontal:
		for x := 1; x < width; x++ {
			cur, prev := row[x*bps:], row[(x-1)*bps:]
			switch bps {
			case 1:
				cur[0] += prev[0]
			case 2:
				order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
			case 4:
				order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
			case 8:
				order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
			}
		}
		return nil
	case predictorFloat:
		// Bytes are differenced as one stream, then stored as byte planes
		// from the most significant byte down.
		n := width * bps
		for i := 1; i < n; i++ {
			row[i] += row[i-1]
		}
		planes := make([]byte, n)
		copy(planes, row[:n])
		for x := 0; x < width; x++ {
			for b := 0; b < bps; b++ {
				row[x*bps+b] = planes[b*width+x]
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported predictor %d", predictor)
}

func sampleAt(row []byte, x, bps, format int, order binary.ByteOrder) float32 {
	p := row[x*bps:]
	switch format {
	case sampleFloat:
		if bps == 4 {
			return math.Float32frombits(order.Uint32(p))
		}
		return float32(math.Float64frombits(order.Uint64(p)))
	case sampleInt:
		switch bps {
		case 1:
			return float32(int8(p[0]))
		case 2:
			return float32(int16(order.Uint16(p)))
		case 4:
			return float32(int32(order.Uint32(p)))
		default:
			return float32(int64(order.Uint64(p)))
		}
	default:
		switch bps {
		case 1:
			return float32(p[0])
		case 2:
			return float32(order.Uint16(p))
		case 4:
			return float32(order.Uint32(p))
		default:
			return float32(order.Uint64(p))
		}
	}
}
