package tomo

import (
	"fmt"
	"math"

	"tomorecon/internal/models"
)

type ellipse struct {
	value      float64
	a, b       float64
	x0, y0     float64
	phiDegrees float64
}

// modified Shepp-Logan head (Toft), in coordinates normalized to [-1, 1]
var sheppLogan = []ellipse{
	{1.0, .6900, .9200, 0, 0, 0},
	{-.80, .6624, .8740, 0, -.0184, 0},
	{-.20, .1100, .3100, .22, 0, -18},
	{-.20, .1600, .4100, -.22, 0, 18},
	{.10, .2100, .2500, 0, .35, 0},
	{.10, .0460, .0460, 0, .1, 0},
	{.10, .0460, .0460, 0, -.1, 0},
	{.10, .0460, .0230, -.08, -.605, 0},
	{.10, .0230, .0230, 0, -.606, 0},
	{.10, .0230, .0460, .06, -.605, 0},
}

// Phantom returns a (depth, size, size) Shepp-Logan volume whose ellipses
// shrink toward the top and bottom slices.
func Phantom(size, depth int) *models.Volume {
	vol := models.NewVolume(depth, size, size)
	half := float64(size) / 2
	for z := 0; z < depth; z++ {
		scale := 1.0
		if depth > 1 {
			zn := 2*float64(z)/float64(depth-1) - 1
			scale = math.Sqrt(1 - 0.5*zn*zn)
		}
		plane := vol.Plane(z)
		for i := 0; i < size; i++ {
			y := -(float64(i) + 0.5 - half) / half
			for j := 0; j < size; j++ {
				x := (float64(j) + 0.5 - half) / half
				plane[i*size+j] = sheppValue(x/scale, y/scale)
			}
		}
	}
	return vol
}

func sheppValue(x, y float64) float64 {
	var v float64
	for _, e := range sheppLogan {
		phi := e.phiDegrees * math.Pi / 180
		c, s := math.Cos(phi), math.Sin(phi)
		dx, dy := x-e.x0, y-e.y0
		u := (dx*c + dy*s) / e.a
		w := (-dx*s + dy*c) / e.b
		if u*u+w*w <= 1 {
			v += e.value
		}
	}
	return v
}

// Angles returns n angles evenly spaced over [0, pi], both ends included.
func Angles(n int) []float64 {
	theta := make([]float64, n)
	if n == 1 {
		return theta
	}
	for i := range theta {
		theta[i] = math.Pi * float64(i) / float64(n-1)
	}
	return theta
}

// SimOptions describe a synthetic acquisition.
type SimOptions struct {
	Size   int
	Slices int
	Angles int

	// CenterOffset shifts the rotation axis from Size/2.
	CenterOffset float64

	// Intensity stores flat*exp(-p)+dark instead of line integrals.
	Intensity bool

	// FlatValue and DarkValue are the calibration frame levels.
	FlatValue float64
	DarkValue float64

	// Frames is the number of flat and dark frames.
	Frames int
}

// Simulate projects a phantom and returns the dataset along with the
// phantom and the rotation center used.
func Simulate(opts SimOptions) (*models.Dataset, *models.Volume, float64, error) {
	if opts.Size < 2 || opts.Slices < 1 || opts.Angles < 2 {
		return nil, nil, 0, fmt.Errorf("invalid simulation size %d, slices %d, angles %d", opts.Size, opts.Slices, opts.Angles)
	}
	if opts.Frames < 1 {
		opts.Frames = 1
	}
	if opts.FlatValue == 0 {
		opts.FlatValue = 1
	}

	phantom := Phantom(opts.Size, opts.Slices)
	theta := Angles(opts.Angles)
	center := float64(opts.Size)/2 + opts.CenterOffset

	proj, err := Project(phantom, theta, center)
	if err != nil {
		return nil, nil, 0, err
	}

	flat := models.NewVolume(opts.Frames, opts.Slices, opts.Size)
	dark := models.NewVolume(opts.Frames, opts.Slices, opts.Size)
	for i := range flat.Data {
		flat.Data[i] = opts.FlatValue
		dark.Data[i] = opts.DarkValue
	}

	if opts.Intensity {
		// line integrals are in pixel units; scale so a full chord keeps some signal
		mu := 4 / float64(opts.Size)
		for i, v := range proj.Data {
			proj.Data[i] = (opts.FlatValue-opts.DarkValue)*math.Exp(-mu*v) + opts.DarkValue
		}
	}

	ds := &models.Dataset{Projections: proj, Flat: flat, Dark: dark, Theta: theta, Phantom: phantom}
	return ds, phantom, center, nil
}
