package exchange

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/tiff"

	"tomorecon/internal/models"
)

// Dtypes accepted by WriteTiffStack.
const (
	Float32 = "float32"
	Uint8   = "uint8"
	Uint16  = "uint16"
)

// TiffOptions control WriteTiffStack.
type TiffOptions struct {
	// Dtype is float32 (default), uint8 or uint16. Integer types are
	// rounded and clamped to their range.
	Dtype string

	// Overwrite allows replacing existing files.
	Overwrite bool
}

// TiffName returns the file name of slice index for prefix fname.
func TiffName(fname string, index int) string {
	return fmt.Sprintf("%s_%05d.tiff", fname, index)
}

// WriteTiffStack writes every slice along the first axis of vol to its own
// TIFF file and returns the file names in slice order.
func WriteTiffStack(vol *models.Volume, fname string, opts TiffOptions) ([]string, error) {
	if vol == nil || vol.Depth == 0 {
		return nil, fmt.Errorf("empty volume")
	}
	encode, err := encoderFor(opts.Dtype)
	if err != nil {
		return nil, err
	}

	names := make([]string, vol.Depth)
	for z := range names {
		names[z] = TiffName(fname, z)
		if opts.Overwrite {
			continue
		}
		if _, err := os.Stat(names[z]); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrExists, names[z])
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to check %s: %w", names[z], err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(fname), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var buf bytes.Buffer
	for z, name := range names {
		buf.Reset()
		if err := encode(&buf, vol.Plane(z), vol.Width, vol.Height); err != nil {
			return nil, fmt.Errorf("failed to encode slice %d: %w", z, err)
		}
		if err := atomicwriter.WriteFile(name, buf.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"prefix": fname,
		"files":  len(names),
		"dtype":  opts.Dtype,
	}).Debug("Wrote TIFF stack")
	return names, nil
}

type encodeFunc func(w io.Writer, plane []float64, width, height int) error

func encoderFor(dtype string) (encodeFunc, error) {
	switch dtype {
	case "", Float32:
		return encodeFloat32, nil
	case Uint8:
		return func(w io.Writer, plane []float64, width, height int) error {
			img := image.NewGray(image.Rect(0, 0, width, height))
			for i, v := range plane {
				img.Pix[i] = uint8(clampRound(v, math.MaxUint8))
			}
			return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Uncompressed})
		}, nil
	case Uint16:
		return func(w io.Writer, plane []float64, width, height int) error {
			img := image.NewGray16(image.Rect(0, 0, width, height))
			for i, v := range plane {
				img.SetGray16(i%width, i/width, color.Gray16{Y: uint16(clampRound(v, math.MaxUint16))})
			}
			return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Uncompressed})
		}, nil
	default:
		return nil, fmt.Errorf("unsupported output dtype %q", dtype)
	}
}

func clampRound(v, hi float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= hi {
		return hi
	}
	return math.Round(v)
}

// TIFF tags used by the float encoder and decoder.
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
	tagSampleFormat    = 339

	typeShort = 3
	typeLong  = 4

	sampleFormatFloat = 3
)

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	value    uint32
}

// encodeFloat32 writes a single-strip little-endian IEEE float TIFF.
func encodeFloat32(w io.Writer, plane []float64, width, height int) error {
	entries := []ifdEntry{
		{tagImageWidth, typeLong, 1, uint32(width)},
		{tagImageLength, typeLong, 1, uint32(height)},
		{tagBitsPerSample, typeShort, 1, 32},
		{tagCompression, typeShort, 1, 1},
		{tagPhotometric, typeShort, 1, 1},
		{tagStripOffsets, typeLong, 1, 0},
		{tagSamplesPerPixel, typeShort, 1, 1},
		{tagRowsPerStrip, typeLong, 1, uint32(height)},
		{tagStripByteCounts, typeLong, 1, uint32(4 * width * height)},
		{tagSampleFormat, typeShort, 1, sampleFormatFloat},
	}
	dataOffset := 8 + 2 + 12*len(entries) + 4
	entries[5].value = uint32(dataOffset)

	le := binary.LittleEndian
	hdr := make([]byte, 0, dataOffset)
	hdr = append(hdr, 'I', 'I')
	hdr = le.AppendUint16(hdr, 42)
	hdr = le.AppendUint32(hdr, 8)
	hdr = le.AppendUint16(hdr, uint16(len(entries)))
	for _, e := range entries {
		hdr = le.AppendUint16(hdr, e.tag)
		hdr = le.AppendUint16(hdr, e.typ)
		hdr = le.AppendUint32(hdr, e.count)
		if e.typ == typeShort {
			hdr = le.AppendUint16(hdr, uint16(e.value))
			hdr = le.AppendUint16(hdr, 0)
		} else {
			hdr = le.AppendUint32(hdr, e.value)
		}
	}
	hdr = le.AppendUint32(hdr, 0)
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	pix := make([]byte, 4*len(plane))
	for i, v := range plane {
		le.PutUint32(pix[4*i:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(pix)
	return err
}

// ReadTiff reads a single-image TIFF into a volume of depth 1. Float files
// written by WriteTiffStack are decoded directly. Anything else goes
// through x/image/tiff and yields its gray levels.
func ReadTiff(fname string) (*models.Volume, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fname, err)
	}
	if vol, ok := decodeFloat32(raw); ok {
		return vol, nil
	}

	img, err := tiff.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", fname, err)
	}
	b := img.Bounds()
	vol := models.NewVolume(1, b.Dy(), b.Dx())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v float64
			switch px := img.At(x, y).(type) {
			case color.Gray:
				v = float64(px.Y)
			case color.Gray16:
				v = float64(px.Y)
			default:
				v = float64(color.Gray16Model.Convert(px).(color.Gray16).Y)
			}
			vol.Set(0, y-b.Min.Y, x-b.Min.X, v)
		}
	}
	return vol, nil
}

// decodeFloat32 parses little-endian single-strip float TIFFs. It reports
// false for anything else.
func decodeFloat32(raw []byte) (*models.Volume, bool) {
	if len(raw) < 8 || raw[0] != 'I' || raw[1] != 'I' {
		return nil, false
	}
	le := binary.LittleEndian
	off := int(le.Uint32(raw[4:]))
	if off+2 > len(raw) {
		return nil, false
	}
	n := int(le.Uint16(raw[off:]))
	if off+2+12*n > len(raw) {
		return nil, false
	}

	tags := make(map[uint16]uint32, n)
	counts := make(map[uint16]uint32, n)
	for i := 0; i < n; i++ {
		e := raw[off+2+12*i:]
		tag, typ := le.Uint16(e), le.Uint16(e[2:])
		counts[tag] = le.Uint32(e[4:])
		switch typ {
		case typeShort:
			tags[tag] = uint32(le.Uint16(e[8:]))
		case typeLong:
			tags[tag] = le.Uint32(e[8:])
		}
	}
	if tags[tagSampleFormat] != sampleFormatFloat || tags[tagBitsPerSample] != 32 ||
		tags[tagCompression] != 1 || counts[tagStripOffsets] != 1 {
		return nil, false
	}

	width, height := int(tags[tagImageWidth]), int(tags[tagImageLength])
	start := int(tags[tagStripOffsets])
	if width <= 0 || height <= 0 || start+4*width*height > len(raw) {
		return nil, false
	}
	vol := models.NewVolume(1, height, width)
	for i := range vol.Data {
		vol.Data[i] = float64(math.Float32frombits(le.Uint32(raw[start+4*i:])))
	}
	return vol, true
}
