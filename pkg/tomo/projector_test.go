package tomo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestProjectorIsTransposeOfBackProjector(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, center := range []float64{16, 15.5, 18.25} {
		p := newProjector(Angles(23), 32, center)

		x := make([]float64, p.n*p.n)
		for i := range x {
			x[i] = rng.Float64()
		}
		y := make([]float64, p.angles*p.width)
		for i := range y {
			y[i] = rng.NormFloat64()
		}

		ax := make([]float64, len(y))
		p.forward(x, ax)
		aty := make([]float64, len(x))
		p.back(y, 1, aty)

		lhs := floats.Dot(ax, y)
		rhs := floats.Dot(x, aty)
		assert.InDelta(t, lhs, rhs, 1e-9*math.Max(1, math.Abs(lhs)), "center %g", center)
	}
}

func TestForwardOverwritesOutput(t *testing.T) {
	p := newProjector(Angles(5), 8, 4)
	img := make([]float64, 64)
	img[27] = 1

	sino := make([]float64, 40)
	for i := range sino {
		sino[i] = 99
	}
	p.forward(img, sino)

	// one unit pixel spreads exactly one unit over each angle's row
	for a := 0; a < p.angles; a++ {
		assert.InDelta(t, 1, floats.Sum(sino[a*8:(a+1)*8]), 1e-12)
	}
}

func TestRowAndColumnSumsAgree(t *testing.T) {
	p := newProjector(Angles(12), 16, 8)
	assert.InDelta(t, floats.Sum(p.rowSums()), floats.Sum(p.colSums()), 1e-9)
}

func TestProjectShape(t *testing.T) {
	vol := Phantom(16, 3)
	theta := Angles(10)

	proj, err := Project(vol, theta, 0)
	require.NoError(t, err)
	assert.Equal(t, [3]int{10, 3, 16}, proj.Shape())

	_, err = Project(vol, nil, 0)
	assert.ErrorIs(t, err, ErrShape)
}

func TestPhantomIsSymmetricInDepth(t *testing.T) {
	vol := Phantom(32, 5)
	assert.Equal(t, vol.Plane(0), vol.Plane(4))
	assert.Greater(t, floats.Sum(vol.Plane(2)), floats.Sum(vol.Plane(0)))
}

func TestAngles(t *testing.T) {
	theta := Angles(181)
	require.Len(t, theta, 181)
	assert.Equal(t, 0.0, theta[0])
	assert.InDelta(t, math.Pi, theta[180], 1e-15)
	assert.InDelta(t, math.Pi/180, theta[1], 1e-15)
}
