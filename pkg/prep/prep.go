// Package prep implements the corrections applied to projections before
// reconstruction.
package prep

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/models"
)

var (
	// ErrInvalidAxis is returned for an axis outside {0, 1, 2}.
	ErrInvalidAxis = errors.New("invalid axis")

	// ErrInvalidSize is returned for a filter size below 1.
	ErrInvalidSize = errors.New("invalid filter size")
)

// MedianFilter applies a size x size median filter to every plane
// orthogonal to axis: axis 0 filters projection images, axis 1 sinograms
// and axis 2 column planes. Samples beyond the edges repeat the nearest one.
// The input is left untouched.
func MedianFilter(vol *models.Volume, size int, axis int) (*models.Volume, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAxis, axis)
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if vol == nil {
		return nil, fmt.Errorf("nil volume")
	}

	out := models.NewVolume(vol.Depth, vol.Height, vol.Width)
	dims := vol.Shape()

	// u and v are the two axes spanning each filtered plane
	u, v := (axis+1)%3, (axis+2)%3
	if u > v {
		u, v = v, u
	}
	lo := -(size - 1) / 2
	hi := size / 2
	window := make(stats.Float64Data, 0, size*size)

	var idx [3]int
	for p := 0; p < dims[axis]; p++ {
		idx[axis] = p
		for a := 0; a < dims[u]; a++ {
			for b := 0; b < dims[v]; b++ {
				window = window[:0]
				for da := lo; da <= hi; da++ {
					idx[u] = clamp(a+da, dims[u])
					for db := lo; db <= hi; db++ {
						idx[v] = clamp(b+db, dims[v])
						window = append(window, vol.At(idx[0], idx[1], idx[2]))
					}
				}
				m, err := stats.Median(window)
				if err != nil {
					return nil, fmt.Errorf("median at (%d, %d, %d): %w", p, a, b, err)
				}
				idx[u], idx[v] = a, b
				out.Set(idx[0], idx[1], idx[2], m)
			}
		}
	}

	logrus.WithFields(logrus.Fields{"size": size, "axis": axis}).Debug("Median filter applied")
	return out, nil
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Normalize applies flat and dark field correction:
// (proj - dark) / (flat - dark), with dark and flat averaged over their
// frames. Denominators below 1e-6 are raised to 1e-6. A positive cutoff
// caps the result.
func Normalize(proj, flat, dark *models.Volume, cutoff float64) (*models.Volume, error) {
	if proj == nil || flat == nil || dark == nil {
		return nil, fmt.Errorf("normalization needs projections, flat and dark fields")
	}
	if flat.Height != proj.Height || flat.Width != proj.Width ||
		dark.Height != proj.Height || dark.Width != proj.Width {
		return nil, fmt.Errorf("calibration frames %v and %v do not match projections %v",
			flat.Shape(), dark.Shape(), proj.Shape())
	}

	flatMean := frameMean(flat)
	darkMean := frameMean(dark)

	out := models.NewVolume(proj.Depth, proj.Height, proj.Width)
	n := proj.Height * proj.Width
	for a := 0; a < proj.Depth; a++ {
		src, dst := proj.Plane(a), out.Plane(a)
		for i := 0; i < n; i++ {
			den := flatMean[i] - darkMean[i]
			if den < 1e-6 {
				den = 1e-6
			}
			v := (src[i] - darkMean[i]) / den
			if cutoff > 0 && v > cutoff {
				v = cutoff
			}
			dst[i] = v
		}
	}
	return out, nil
}

// frameMean averages a stack of frames pixel by pixel.
func frameMean(vol *models.Volume) []float64 {
	n := vol.Height * vol.Width
	mean := make([]float64, n)
	samples := make([]float64, vol.Depth)
	for i := 0; i < n; i++ {
		for z := 0; z < vol.Depth; z++ {
			samples[z] = vol.Data[z*n+i]
		}
		mean[i] = stat.Mean(samples, nil)
	}
	return mean
}

const logFloor = 1e-6

// MinusLog returns -ln(x) for every sample, treating values below 1e-6 as 1e-6.
func MinusLog(vol *models.Volume) *models.Volume {
	out := models.NewVolume(vol.Depth, vol.Height, vol.Width)
	for i, v := range vol.Data {
		if v < logFloor || math.IsNaN(v) {
			v = logFloor
		}
		out.Data[i] = -math.Log(v)
	}
	return out
}
