package exchange

import (
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/robert-malhotra/go-hdf5/hdf5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomorecon/internal/models"
)

func testDataset(angles, rows, cols int) *models.Dataset {
	proj := models.NewVolume(angles, rows, cols)
	for i := range proj.Data {
		proj.Data[i] = float64(i % 97)
	}
	flat := models.NewVolume(2, rows, cols)
	dark := models.NewVolume(2, rows, cols)
	for i := range flat.Data {
		flat.Data[i] = 100
		dark.Data[i] = 2
	}
	theta := make([]float64, angles)
	for i := range theta {
		theta[i] = math.Pi * float64(i) / float64(angles-1)
	}
	return &models.Dataset{Projections: proj, Flat: flat, Dark: dark, Theta: theta}
}

func TestWriteAndReadAPS32ID(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "scan.h5")
	want := testDataset(7, 4, 5)
	require.NoError(t, WriteAPS32ID(fname, want, false))

	got, err := ReadAPS32ID(fname)
	require.NoError(t, err)

	assert.Equal(t, got.Projections.Depth, len(got.Theta))
	assert.Equal(t, want.Projections.Shape(), got.Projections.Shape())
	assert.InDeltaSlice(t, want.Projections.Data, got.Projections.Data, 1e-4)
	assert.InDeltaSlice(t, want.Theta, got.Theta, 1e-9)
	require.NotNil(t, got.Flat)
	require.NotNil(t, got.Dark)
	assert.Equal(t, [3]int{2, 4, 5}, got.Flat.Shape())
	assert.Equal(t, 2.0, got.Dark.At(1, 3, 4))
}

func TestPhantomTravelsWithSelectedRows(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "scan.h5")
	ds := testDataset(4, 6, 3)
	ds.Phantom = models.NewVolume(6, 3, 3)
	for i := range ds.Phantom.Data {
		ds.Phantom.Data[i] = float64(i)
	}
	require.NoError(t, WriteAPS32ID(fname, ds, false))

	got, err := ReadAPS32ID(fname, WithSinograms(2, 4))
	require.NoError(t, err)
	require.NotNil(t, got.Phantom)
	assert.Equal(t, [3]int{2, 3, 3}, got.Phantom.Shape())
	assert.Equal(t, ds.Phantom.At(3, 1, 2), got.Phantom.At(1, 1, 2))

	plain := filepath.Join(t.TempDir(), "plain.h5")
	require.NoError(t, WriteAPS32ID(plain, testDataset(4, 6, 3), false))
	got, err = ReadAPS32ID(plain)
	require.NoError(t, err)
	assert.Nil(t, got.Phantom)
}

func TestWriteAPS32IDRefusesExisting(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "scan.h5")
	ds := testDataset(3, 2, 2)
	require.NoError(t, WriteAPS32ID(fname, ds, false))
	assert.ErrorIs(t, WriteAPS32ID(fname, ds, false), ErrExists)
	assert.NoError(t, WriteAPS32ID(fname, ds, true))
}

func TestReadAPS32IDSelections(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "scan.h5")
	ds := testDataset(10, 6, 3)
	require.NoError(t, WriteAPS32ID(fname, ds, false))

	got, err := ReadAPS32ID(fname, WithProjections(1, 9, 3), WithSinograms(2, 4))
	require.NoError(t, err)

	assert.Equal(t, [3]int{3, 2, 3}, got.Projections.Shape())
	assert.InDeltaSlice(t, []float64{ds.Theta[1], ds.Theta[4], ds.Theta[7]}, got.Theta, 1e-9)
	assert.Equal(t, ds.Projections.At(4, 3, 1), got.Projections.At(1, 1, 1))
	assert.Equal(t, [3]int{2, 2, 3}, got.Flat.Shape())
}

func TestReadAPS32IDGeneratesMissingAngles(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "bare.h5")
	f, err := hdf5.Create(fname)
	require.NoError(t, err)
	grp, err := f.Root().CreateGroup("exchange")
	require.NoError(t, err)
	_, err = grp.CreateDataset("data", make([]float32, 5*2*3), hdf5.WithAttribute(dimsAttr, []int64{5, 2, 3}))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ds, err := ReadAPS32ID(fname)
	require.NoError(t, err)
	assert.Nil(t, ds.Flat)
	assert.Nil(t, ds.Dark)
	assert.InDeltaSlice(t, []float64{0, math.Pi / 4, math.Pi / 2, 3 * math.Pi / 4, math.Pi}, ds.Theta, 1e-12)
}

func TestReadAPS32IDMissingProjections(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "empty.h5")
	f, err := hdf5.Create(fname)
	require.NoError(t, err)
	_, err = f.Root().CreateGroup("exchange")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ReadAPS32ID(fname)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadAPS32IDMissingFile(t *testing.T) {
	_, err := ReadAPS32ID(filepath.Join(t.TempDir(), "absent.h5"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestReadAPS32IDNotHDF5(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "notes.h5")
	require.NoError(t, os.WriteFile(fname, []byte("plain text, not a hierarchy"), 0o644))

	_, err := ReadAPS32ID(fname)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWriteTiffStackNamesAndRoundTrip(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "out", "recon")
	vol := models.NewVolume(3, 4, 5)
	for i := range vol.Data {
		vol.Data[i] = float64(i) - 10.25
	}

	names, err := WriteTiffStack(vol, prefix, TiffOptions{Dtype: Float32})
	require.NoError(t, err)
	require.Equal(t, []string{prefix + "_00000.tiff", prefix + "_00001.tiff", prefix + "_00002.tiff"}, names)

	for z, name := range names {
		got, err := ReadTiff(name)
		require.NoError(t, err)
		assert.Equal(t, [3]int{1, 4, 5}, got.Shape())
		assert.Equal(t, vol.Plane(z), got.Data)
	}
}

func TestWriteTiffStackIntegerTypes(t *testing.T) {
	vol := models.NewVolume(1, 2, 3)
	copy(vol.Data, []float64{-5, 0, 1.4, 1.6, 300, 70000})

	for _, tc := range []struct {
		dtype string
		want  []float64
	}{
		{Uint8, []float64{0, 0, 1, 2, 255, 255}},
		{Uint16, []float64{0, 0, 1, 2, 300, 65535}},
	} {
		t.Run(tc.dtype, func(t *testing.T) {
			names, err := WriteTiffStack(vol, filepath.Join(t.TempDir(), "s"), TiffOptions{Dtype: tc.dtype})
			require.NoError(t, err)
			got, err := ReadTiff(names[0])
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Data)
		})
	}
}

func TestWriteTiffStackOverwrite(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "recon")
	vol := models.NewVolume(2, 2, 2)

	_, err := WriteTiffStack(vol, prefix, TiffOptions{})
	require.NoError(t, err)

	// remove one target so a refusal must happen before any file is written
	require.NoError(t, os.Remove(TiffName(prefix, 0)))
	_, err = WriteTiffStack(vol, prefix, TiffOptions{})
	assert.ErrorIs(t, err, ErrExists)
	assert.NoFileExists(t, TiffName(prefix, 0))

	vol.Data[0] = 42
	_, err = WriteTiffStack(vol, prefix, TiffOptions{Overwrite: true})
	require.NoError(t, err)
	got, err := ReadTiff(TiffName(prefix, 0))
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.Data[0])
}

func TestWriteTiffStackRejectsUnknownDtype(t *testing.T) {
	_, err := WriteTiffStack(models.NewVolume(1, 1, 1), filepath.Join(t.TempDir(), "x"), TiffOptions{Dtype: "int64"})
	assert.Error(t, err)
}
