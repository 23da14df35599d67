package prep

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomorecon/internal/models"
)

func ramp(d, h, w int) *models.Volume {
	vol := models.NewVolume(d, h, w)
	for i := range vol.Data {
		vol.Data[i] = float64(i)
	}
	return vol
}

func TestMedianFilterKeepsShape(t *testing.T) {
	vol := ramp(3, 4, 5)
	before := vol.Clone()

	for axis := 0; axis < 3; axis++ {
		out, err := MedianFilter(vol, 3, axis)
		require.NoError(t, err)
		assert.Equal(t, vol.Shape(), out.Shape(), "axis %d", axis)
	}
	assert.Equal(t, before.Data, vol.Data)
}

func TestMedianFilterRemovesImpulse(t *testing.T) {
	vol := models.NewVolume(2, 5, 5)
	for i := range vol.Data {
		vol.Data[i] = 1
	}
	vol.Set(1, 2, 2, 500)

	out, err := MedianFilter(vol, 3, 0)
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.Equal(t, 1.0, v)
	}
}

func TestMedianFilterAxisSelectsPlane(t *testing.T) {
	// a line of spikes along axis 0
	vol := models.NewVolume(4, 3, 3)
	for z := 0; z < 4; z++ {
		vol.Set(z, 1, 1, 9)
	}

	identity, err := MedianFilter(vol, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, vol.Data, identity.Data)

	out, err := MedianFilter(vol, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.At(2, 1, 1))

	// across the other planes the line covers only a third of each window
	out, err = MedianFilter(vol, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.At(2, 1, 1))

	out, err = MedianFilter(vol, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.At(2, 1, 1))
}

func TestMedianFilterErrors(t *testing.T) {
	vol := ramp(2, 2, 2)

	_, err := MedianFilter(vol, 3, 3)
	assert.ErrorIs(t, err, ErrInvalidAxis)
	_, err = MedianFilter(vol, 3, -1)
	assert.ErrorIs(t, err, ErrInvalidAxis)
	_, err = MedianFilter(vol, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestNormalize(t *testing.T) {
	proj := models.NewVolume(2, 1, 2)
	copy(proj.Data, []float64{60, 110, 10, 300})
	flat := models.NewVolume(2, 1, 2)
	copy(flat.Data, []float64{100, 10, 120, 10})
	dark := models.NewVolume(1, 1, 2)
	copy(dark.Data, []float64{10, 10})

	out, err := Normalize(proj, flat, dark, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.At(0, 0, 0), 1e-12)
	assert.InDelta(t, 0, out.At(1, 0, 0), 1e-12)
	// flat equals dark in the second column
	assert.InDelta(t, 100/1e-6, out.At(0, 0, 1), 1)

	capped, err := Normalize(proj, flat, dark, 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, capped.At(1, 0, 1))

	_, err = Normalize(proj, models.NewVolume(1, 2, 2), dark, 0)
	assert.Error(t, err)
	_, err = Normalize(proj, nil, dark, 0)
	assert.Error(t, err)
}

func TestMinusLog(t *testing.T) {
	vol := models.NewVolume(1, 1, 3)
	copy(vol.Data, []float64{1, math.Exp(-2), -4})

	out := MinusLog(vol)
	assert.InDelta(t, 0, out.Data[0], 1e-12)
	assert.InDelta(t, 2, out.Data[1], 1e-12)
	assert.InDelta(t, -math.Log(1e-6), out.Data[2], 1e-12)
}
