// Package exchange reads and writes tomography data in the APS data-exchange
// HDF5 layout and writes reconstructions as TIFF stacks.
package exchange

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/robert-malhotra/go-hdf5/hdf5"
	"github.com/sirupsen/logrus"

	"tomorecon/internal/models"
)

var (
	// ErrMalformed is returned when a file is not a usable data-exchange file.
	ErrMalformed = errors.New("malformed data-exchange file")

	// ErrExists is returned when an output file exists and overwriting is off.
	ErrExists = errors.New("output file exists")
)

// Dataset paths of the APS 32-ID layout.
const (
	pathData  = "/exchange/data"
	pathWhite = "/exchange/data_white"
	pathDark  = "/exchange/data_dark"
	pathTheta = "/exchange/theta"

	// written by simulations only
	pathPhantom = "/exchange/phantom"

	dimsAttr  = "dims"
)

// span selects [start, end) with a stride. end <= 0 means the full axis.
type span struct {
	start, end, step int
}

func (s span) resolve(n int) (start, end, step int, err error) {
	start, end, step = s.start, s.end, s.step
	if step <= 0 {
		step = 1
	}
	if end <= 0 || end > n {
		end = n
	}
	if start < 0 || start >= end {
		return 0, 0, 0, fmt.Errorf("range [%d, %d) is empty for axis of length %d", s.start, s.end, n)
	}
	return start, end, step, nil
}

func (s span) count(n int) int {
	start, end, step, err := s.resolve(n)
	if err != nil {
		return 0
	}
	return (end - start + step - 1) / step
}

type loadOptions struct {
	proj span
	sino span
}

// LoadOption narrows what ReadAPS32ID loads.
type LoadOption func(*loadOptions)

// WithProjections keeps projections start, start+step, ... below end.
func WithProjections(start, end, step int) LoadOption {
	return func(o *loadOptions) {
		o.proj = span{start: start, end: end, step: step}
	}
}

// WithSinograms keeps detector rows in [start, end).
func WithSinograms(start, end int) LoadOption {
	return func(o *loadOptions) {
		o.sino = span{start: start, end: end, step: 1}
	}
}

// ReadAPS32ID loads projections, flat and dark fields and rotation angles
// from an APS 32-ID data-exchange file. Angles are returned in radians.
//
// Flat and dark fields are optional and left nil when absent. When the file
// has no angles, n angles evenly spaced over [0, 180] degrees are generated.
func ReadAPS32ID(fname string, opts ...LoadOption) (*models.Dataset, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := os.Stat(fname); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fname, err)
	}
	f, err := hdf5.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, fname, err)
	}
	defer f.Close()

	data, err := readVolume(f, pathData)
	if err != nil {
		return nil, err
	}
	nproj := data.Depth

	proj, err := crop(data, o.proj, o.sino)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, pathData, err)
	}

	ds := &models.Dataset{Projections: proj}
	for _, c := range []struct {
		path string
		dst  **models.Volume
	}{
		{pathWhite, &ds.Flat},
		{pathDark, &ds.Dark},
	} {
		vol, err := readVolume(f, c.path)
		switch {
		case errors.Is(err, hdf5.ErrNotFound):
			logrus.WithField("dataset", c.path).Warn("Calibration frames missing")
			continue
		case err != nil:
			return nil, err
		}
		if *c.dst, err = crop(vol, span{}, o.sino); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, c.path, err)
		}
	}

	phantom, err := readVolume(f, pathPhantom)
	switch {
	case errors.Is(err, hdf5.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if ds.Phantom, err = crop(phantom, o.sino, span{}); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, pathPhantom, err)
		}
	}

	theta, err := readTheta(f, nproj)
	if err != nil {
		return nil, err
	}
	start, end, step, _ := o.proj.resolve(nproj)
	for i := start; i < end; i += step {
		ds.Theta = append(ds.Theta, theta[i])
	}

	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	logrus.WithFields(logrus.Fields{
		"file":        fname,
		"projections": proj.Shape(),
		"angles":      len(ds.Theta),
	}).Debug("Loaded data-exchange file")
	return ds, nil
}

// readTheta returns the angles in radians, generating them when the file
// has none.
func readTheta(f *hdf5.File, nproj int) ([]float64, error) {
	d, err := f.OpenDataset(pathTheta)
	if errors.Is(err, hdf5.ErrNotFound) {
		logrus.WithField("projections", nproj).Warn("No angles in file, assuming equally spaced over 180 degrees")
		theta := make([]float64, nproj)
		for i := range theta {
			if nproj > 1 {
				theta[i] = 180 * float64(i) / float64(nproj-1)
			}
		}
		return degreesToRadians(theta), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, pathTheta, err)
	}

	var theta []float64
	if err := d.Read(&theta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, pathTheta, err)
	}
	if len(theta) != nproj {
		return nil, fmt.Errorf("%w: %d angles for %d projections", ErrMalformed, len(theta), nproj)
	}
	return degreesToRadians(theta), nil
}

func degreesToRadians(deg []float64) []float64 {
	for i := range deg {
		deg[i] *= math.Pi / 180
	}
	return deg
}

// readVolume reads a 3-D dataset, either stored with a 3-D dataspace or
// flat with a dims attribute.
func readVolume(f *hdf5.File, path string) (*models.Volume, error) {
	d, err := f.OpenDataset(path)
	if err != nil {
		if errors.Is(err, hdf5.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, path, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}

	var shape [3]int
	switch d.Rank() {
	case 3:
		for i, n := range d.Shape() {
			shape[i] = int(n)
		}
	case 1:
		attr := d.Attr(dimsAttr)
		if attr == nil {
			return nil, fmt.Errorf("%w: %s is 1-D without a %q attribute", ErrMalformed, path, dimsAttr)
		}
		dims, err := attr.ReadInt64()
		if err != nil || len(dims) != 3 {
			return nil, fmt.Errorf("%w: %s has an invalid %q attribute", ErrMalformed, path, dimsAttr)
		}
		for i, n := range dims {
			shape[i] = int(n)
		}
	default:
		return nil, fmt.Errorf("%w: %s has rank %d, want 3", ErrMalformed, path, d.Rank())
	}

	var data []float64
	if err := d.Read(&data); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformed, path, err)
	}
	vol, err := models.NewVolumeFromData(data, shape[0], shape[1], shape[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return vol, nil
}

// crop keeps the selected frames along the first axis and rows along the second.
func crop(vol *models.Volume, frames, rows span) (*models.Volume, error) {
	fs, fe, fstep, err := frames.resolve(vol.Depth)
	if err != nil {
		return nil, err
	}
	rs, re, _, err := rows.resolve(vol.Height)
	if err != nil {
		return nil, err
	}
	if fs == 0 && fe == vol.Depth && fstep == 1 && rs == 0 && re == vol.Height {
		return vol, nil
	}

	out := models.NewVolume(frames.count(vol.Depth), re-rs, vol.Width)
	for z, src := 0, fs; src < fe; z, src = z+1, src+fstep {
		for y := rs; y < re; y++ {
			copy(out.Data[out.Index(z, y-rs, 0):out.Index(z, y-rs, 0)+vol.Width],
				vol.Data[vol.Index(src, y, 0):vol.Index(src, y, 0)+vol.Width])
		}
	}
	return out, nil
}
