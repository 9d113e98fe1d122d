package raster

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// TIFF tags read by the loader.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagModelTransform  = 34264
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113
)

// Field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
	dtIFD       = 13
	dtLong8     = 16
	dtSLong8    = 17
	dtIFD8      = 18
)

// maxEntries guards against garbage directories.
const maxEntries = 4096

func typeSize(typ uint16) int {
	switch typ {
	case dtByte, dtASCII, dtSByte, dtUndefined:
		return 1
	case dtShort, dtSShort:
		return 2
	case dtLong, dtSLong, dtFloat, dtIFD:
		return 4
	case dtRational, dtSRational, dtDouble, dtLong8, dtSLong8, dtIFD8:
		return 8
	}
	return 0
}

type tiffFile struct {
	r     io.ReaderAt
	size  int64
	order binary.ByteOrder
	big   bool
}

type field struct {
	typ   uint16
	count uint64
	raw   []byte
}

// directory is one parsed IFD keyed by tag.
type directory struct {
	order  binary.ByteOrder
	fields map[uint16]field
}

// openTIFF validates the header and returns the offset of the first IFD.
func openTIFF(r io.ReaderAt, size int64) (*tiffFile, uint64, error) {
	if size < 8 {
		return nil, 0, ErrNotTIFF
	}
	head := make([]byte, 16)
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	head = head[:n]

	tf := &tiffFile{r: r, size: size}
	switch string(head[:2]) {
	case "II":
		tf.order = binary.LittleEndian
	case "MM":
		tf.order = binary.BigEndian
	default:
		return nil, 0, ErrNotTIFF
	}

	switch tf.order.Uint16(head[2:4]) {
	case 42:
		return tf, uint64(tf.order.Uint32(head[4:8])), nil
	case 43:
		if len(head) < 16 || tf.order.Uint16(head[4:6]) != 8 {
			return nil, 0, fmt.Errorf("%w: bad BigTIFF header", ErrNotTIFF)
		}
		tf.big = true
		return tf, tf.order.Uint64(head[8:16]), nil
	}
	return nil, 0, ErrNotTIFF
}

func (tf *tiffFile) readAt(off uint64, n int) ([]byte, error) {
	if n < 0 || off > uint64(tf.size) || uint64(n) > uint64(tf.size)-off {
		return nil, fmt.Errorf("read of %d bytes at %d past end of file", n, off)
	}
	buf := make([]byte, n)
	if _, err := tf.r.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// readDirectory parses the IFD at off. Only the first image is used.
func (tf *tiffFile) readDirectory(off uint64) (*directory, error) {
	countSize, entrySize, inline := 2, 12, 4
	if tf.big {
		countSize, entrySize, inline = 8, 20, 8
	}

	head, err := tf.readAt(off, countSize)
	if err != nil {
		return nil, fmt.Errorf("ifd header: %w", err)
	}
	var n uint64
	if tf.big {
		n = tf.order.Uint64(head)
	} else {
		n = uint64(tf.order.Uint16(head))
	}
	if n == 0 || n > maxEntries {
		return nil, fmt.Errorf("ifd with %d entries", n)
	}

	body, err := tf.readAt(off+uint64(countSize), int(n)*entrySize)
	if err != nil {
		return nil, fmt.Errorf("ifd entries: %w", err)
	}

	dir := &directory{order: tf.order, fields: make(map[uint16]field, n)}
	for i := 0; i < int(n); i++ {
		e := body[i*entrySize : (i+1)*entrySize]
		tag := tf.order.Uint16(e[0:2])
		typ := tf.order.Uint16(e[2:4])
		var count uint64
		var value []byte
		if tf.big {
			count = tf.order.Uint64(e[4:12])
			value = e[12:20]
		} else {
			count = uint64(tf.order.Uint32(e[4:8]))
			value = e[8:12]
		}

		sz := typeSize(typ)
		if sz == 0 {
			continue
		}
		if count > uint64(tf.size) {
			return nil, fmt.Errorf("tag %d: count %d exceeds file size", tag, count)
		}
		total := int(count) * sz
		var raw []byte
		if total <= inline {
			raw = append([]byte(nil), value[:total]...)
		} else {
			var at uint64
			if tf.big {
				at = tf.order.Uint64(value)
			} else {
				at = uint64(tf.order.Uint32(value))
			}
			raw, err = tf.readAt(at, total)
			if err != nil {
				return nil, fmt.Errorf("tag %d: %w", tag, err)
			}
		}
		dir.fields[tag] = field{typ: typ, count: count, raw: raw}
	}
	return dir, nil
}

func (d *directory) has(tag uint16) bool {
	_, ok := d.fields[tag]
	return ok
}

// uints returns an integer-typed field.
func (d *directory) uints(tag uint16) ([]uint64, error) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, nil
	}
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case dtByte, dtUndefined:
			out[i] = uint64(f.raw[i])
		case dtShort:
			out[i] = uint64(d.order.Uint16(f.raw[i*2:]))
		case dtLong, dtIFD:
			out[i] = uint64(d.order.Uint32(f.raw[i*4:]))
		case dtLong8, dtIFD8:
			out[i] = d.order.Uint64(f.raw[i*8:])
		default:
			return nil, fmt.Errorf("tag %d: type %d is not an unsigned integer", tag, f.typ)
		}
	}
	return out, nil
}

// first returns the first value of an integer field or def when absent.
func (d *directory) first(tag uint16, def uint64) (uint64, error) {
	vals, err := d.uints(tag)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return def, nil
	}
	return vals[0], nil
}

// floats returns a numeric field as float64 values.
func (d *directory) floats(tag uint16) ([]float64, error) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, nil
	}
	out := make([]float64, f.count)
	for i := range out {
		switch f.typ {
		case dtDouble:
			out[i] = math.Float64frombits(d.order.Uint64(f.raw[i*8:]))
		case dtFloat:
			out[i] = float64(math.Float32frombits(d.order.Uint32(f.raw[i*4:])))
		case dtRational:
			num, den := d.order.Uint32(f.raw[i*8:]), d.order.Uint32(f.raw[i*8+4:])
			if den != 0 {
				out[i] = float64(num) / float64(den)
			}
		case dtByte, dtShort, dtLong, dtLong8:
			vals, err := d.uints(tag)
			if err != nil {
				return nil, err
			}
			for j, v := range vals {
				out[j] = float64(v)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("tag %d: type %d is not numeric", tag, f.typ)
		}
	}
	return out, nil
}

// ascii returns a string field without its trailing NULs.
func (d *directory) ascii(tag uint16) string {
	f, ok := d.fields[tag]
	if !ok || f.typ != dtASCII {
		return ""
	}
	return strings.TrimRight(string(f.raw), "\x00 ")
}
