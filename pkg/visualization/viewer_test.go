package visualization

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomorecon/internal/models"
)

func gradientVolume(depth, height, width int) *models.Volume {
	vol := models.NewVolume(depth, height, width)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Set(z, y, x, float64(x+y+z)-3)
			}
		}
	}
	return vol
}

func TestExtractSliceDimensions(t *testing.T) {
	viewer := NewViewer(gradientVolume(5, 6, 7))

	tests := []struct {
		axis string
		w, h int
	}{
		{"z", 7, 6},
		{"y", 7, 5},
		{"x", 6, 5},
	}
	for _, tc := range tests {
		img, err := viewer.ExtractSlice(tc.axis, 2)
		require.NoError(t, err, tc.axis)
		assert.Equal(t, image.Rect(0, 0, tc.w, tc.h), img.Bounds(), tc.axis)
	}
}

func TestExtractSliceWindowsToVolumeRange(t *testing.T) {
	vol := gradientVolume(2, 3, 3)
	viewer := NewViewer(vol)

	img, err := viewer.ExtractSlice("z", 0)
	require.NoError(t, err)
	g := img.(*image.Gray16)
	assert.Equal(t, uint16(0), g.Gray16At(0, 0).Y)

	img, err = viewer.ExtractSlice("z", 1)
	require.NoError(t, err)
	g = img.(*image.Gray16)
	assert.Equal(t, uint16(65535), g.Gray16At(2, 2).Y)
}

func TestExtractSliceErrors(t *testing.T) {
	viewer := NewViewer(gradientVolume(2, 2, 2))

	_, err := viewer.ExtractSlice("w", 0)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice("z", -1)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice("z", 2)
	assert.Error(t, err)
}

func TestConstantVolumeDoesNotDivideByZero(t *testing.T) {
	viewer := NewViewer(models.NewVolume(1, 2, 2))
	img, err := viewer.ExtractSlice("z", 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), img.(*image.Gray16).Gray16At(1, 1).Y)
}

func TestSavePreview(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "preview", "middle.png")
	require.NoError(t, NewViewer(gradientVolume(3, 8, 8)).SavePreview(filename))

	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestSaveSliceSequence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewViewer(gradientVolume(4, 3, 3)).SaveSliceSequence("z", dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.FileExists(t, filepath.Join(dir, "slice_z_003.png"))

	assert.Error(t, NewViewer(gradientVolume(1, 1, 1)).SaveSliceSequence("q", dir))
}

func TestPlotCenterSearch(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "center.png")
	evals := []Evaluation{{33, 2.1}, {31, 2.6}, {32, 2.3}, {34, 2.4}}
	require.NoError(t, PlotCenterSearch(evals, filename))

	info, err := os.Stat(filename)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	assert.Error(t, PlotCenterSearch(nil, filename))
}
