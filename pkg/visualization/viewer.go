// Package visualization renders reconstructed volumes and center searches
// as images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"tomorecon/internal/models"
)

// Viewer extracts grayscale sections of a reconstructed volume.
//
// Intensities are windowed to the volume's own [min, max] range so that
// reconstructions in arbitrary units produce visible images.
type Viewer struct {
	vol *models.Volume

	// display window
	lo, hi float64
}

// NewViewer creates a viewer windowed to the value range of vol.
func NewViewer(vol *models.Volume) *Viewer {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vol.Data {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if !(hi > lo) {
		lo, hi = 0, 1
	}
	return &Viewer{vol: vol, lo: lo, hi: hi}
}

func (v *Viewer) gray(val float64) color.Gray16 {
	f := (val - v.lo) / (v.hi - v.lo)
	if math.IsNaN(f) {
		f = 0
	}
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(f*65535))))}
}

// ExtractSlice returns a section of the volume. Axis "z" cuts across the
// first dimension (a reconstructed slice), "y" the second and "x" the third.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.vol

	switch axis {
	case "z", "Z":
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.gray(vol.At(position, y, x)))
			}
		}
		return img, nil

	case "y", "Y":
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.gray(vol.At(z, position, x)))
			}
		}
		return img, nil

	case "x", "X":
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Height, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for y := 0; y < vol.Height; y++ {
				img.SetGray16(y, z, v.gray(vol.At(z, y, position)))
			}
		}
		return img, nil

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// SaveSlice writes img as a PNG file.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return f.Close()
}

// SavePreview writes the middle reconstructed slice to filename.
func (v *Viewer) SavePreview(filename string) error {
	img, err := v.ExtractSlice("z", v.vol.Depth/2)
	if err != nil {
		return err
	}
	return v.SaveSlice(img, filename)
}

// SaveSliceSequence writes every section along axis to outputDir.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	var count int
	switch axis {
	case "x", "X":
		count = v.vol.Width
	case "y", "Y":
		count = v.vol.Height
	case "z", "Z":
		count = v.vol.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for i := 0; i < count; i++ {
		img, err := v.ExtractSlice(axis, i)
		if err != nil {
			return fmt.Errorf("failed to extract slice %d: %w", i, err)
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, i))
		if err := v.SaveSlice(img, filename); err != nil {
			return fmt.Errorf("failed to save slice %d: %w", i, err)
		}
	}
	return nil
}
