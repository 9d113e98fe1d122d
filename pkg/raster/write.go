package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
)

// SampleType selects the on-disk sample format of WriteGeoTIFF.
type SampleType int

const (
	Uint8 SampleType = iota
	Float32
)

// WriteOptions controls GeoTIFF output.
type WriteOptions struct {
	Type    SampleType
	Deflate bool
}

type tiffEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// WriteGeoTIFF writes r as a little-endian, single-strip, single-band GeoTIFF.
// Uint8 output rounds and clamps values to 0..255.
func WriteGeoTIFF(w io.Writer, r *Raster, opts WriteOptions) error {
	if r.Rows <= 0 || r.Cols <= 0 {
		return ErrEmptyRaster
	}
	le := binary.LittleEndian

	var pix []byte
	bits, format := uint16(8), uint16(sampleUint)
	switch opts.Type {
	case Uint8:
		pix = make([]byte, len(r.Values))
		for i, v := range r.Values {
			pix[i] = uint8(math.Max(0, math.Min(255, math.Round(float64(v)))))
		}
	case Float32:
		bits, format = 32, sampleFloat
		pix = make([]byte, 4*len(r.Values))
		for i, v := range r.Values {
			le.PutUint32(pix[4*i:], math.Float32bits(v))
		}
	default:
		return fmt.Errorf("unknown sample type %d", opts.Type)
	}

	compression := uint16(compNone)
	if opts.Deflate {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(pix); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		pix = buf.Bytes()
		compression = compDeflate
	}

	const pixOffset = 8
	shorts := func(v ...uint16) []byte {
		b := make([]byte, 2*len(v))
		for i, x := range v {
			le.PutUint16(b[2*i:], x)
		}
		return b
	}
	longs := func(v ...uint32) []byte {
		b := make([]byte, 4*len(v))
		for i, x := range v {
			le.PutUint32(b[4*i:], x)
		}
		return b
	}
	doubles := func(v ...float64) []byte {
		b := make([]byte, 8*len(v))
		for i, x := range v {
			le.PutUint64(b[8*i:], math.Float64bits(x))
		}
		return b
	}

	entries := []tiffEntry{
		{tagImageWidth, dtLong, 1, longs(uint32(r.Cols))},
		{tagImageLength, dtLong, 1, longs(uint32(r.Rows))},
		{tagBitsPerSample, dtShort, 1, shorts(bits)},
		{tagCompression, dtShort, 1, shorts(compression)},
		{tagPhotometric, dtShort, 1, shorts(1)},
		{tagStripOffsets, dtLong, 1, longs(pixOffset)},
		{tagSamplesPerPixel, dtShort, 1, shorts(1)},
		{tagRowsPerStrip, dtLong, 1, longs(uint32(r.Rows))},
		{tagStripByteCounts, dtLong, 1, longs(uint32(len(pix)))},
		{tagPlanarConfig, dtShort, 1, shorts(1)},
		{tagSampleFormat, dtShort, 1, shorts(format)},
	}

	t := r.Transform
	if t.Rotated() {
		entries = append(entries, tiffEntry{tagModelTransform, dtDouble, 16, doubles(
			t.A, t.B, 0, t.C,
			t.D, t.E, 0, t.F,
			0, 0, 0, 0,
			0, 0, 0, 1,
		)})
	} else {
		entries = append(entries,
			tiffEntry{tagModelPixelScale, dtDouble, 3, doubles(t.A, -t.E, 0)},
			tiffEntry{tagModelTiepoint, dtDouble, 6, doubles(0, 0, 0, t.C, t.F, 0)},
		)
	}
	keys := geoKeyDirectory(r.CRS)
	entries = append(entries, tiffEntry{tagGeoKeyDirectory, dtShort, uint32(len(keys)), shorts(keys...)})
	if r.HasNoData {
		s := strconv.FormatFloat(r.NoData, 'g', -1, 64) + "\x00"
		entries = append(entries, tiffEntry{tagGDALNoData, dtASCII, uint32(len(s)), []byte(s)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Layout: header, pixels, out-of-line tag values, IFD.
	extraStart := pixOffset + len(pix)
	extraStart += extraStart & 1
	var extra bytes.Buffer
	valueOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			valueOffsets[i] = uint32(extraStart + extra.Len())
			extra.Write(e.data)
			if extra.Len()&1 == 1 {
				extra.WriteByte(0)
			}
		}
	}
	ifdOffset := extraStart + extra.Len()

	var out bytes.Buffer
	out.WriteString("II")
	out.Write(shorts(42))
	out.Write(longs(uint32(ifdOffset)))
	out.Write(pix)
	for out.Len() < extraStart {
		out.WriteByte(0)
	}
	out.Write(extra.Bytes())

	out.Write(shorts(uint16(len(entries))))
	for i, e := range entries {
		out.Write(shorts(e.tag, e.typ))
		out.Write(longs(e.count))
		if len(e.data) > 4 {
			out.Write(longs(valueOffsets[i]))
			continue
		}
		inline := make([]byte, 4)
		copy(inline, e.data)
		out.Write(inline)
	}
	out.Write(longs(0))

	_, err := w.Write(out.Bytes())
	return err
}

// SaveGeoTIFF writes r to path, replacing any existing file.
func SaveGeoTIFF(path string, r *Raster, opts WriteOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteGeoTIFF(f, r, opts); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
