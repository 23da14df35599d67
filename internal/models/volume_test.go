package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeIndexing(t *testing.T) {
	v := NewVolume(2, 3, 4)
	v.Set(1, 2, 3, 7)

	assert.Equal(t, 23, v.Index(1, 2, 3))
	assert.Equal(t, 7.0, v.At(1, 2, 3))
	assert.Equal(t, 7.0, v.Plane(1)[11])
	assert.Equal(t, [3]int{2, 3, 4}, v.Shape())
}

func TestNewVolumeFromData(t *testing.T) {
	_, err := NewVolumeFromData(make([]float64, 5), 1, 2, 3)
	assert.Error(t, err)

	_, err = NewVolumeFromData(nil, -1, 0, 0)
	assert.Error(t, err)

	v, err := NewVolumeFromData(make([]float64, 6), 1, 2, 3)
	require.NoError(t, err)
	assert.True(t, v.SameShape(NewVolume(1, 2, 3)))
	assert.False(t, v.SameShape(nil))
}

func TestCloneIsDeep(t *testing.T) {
	v := NewVolume(1, 1, 2)
	c := v.Clone()
	c.Data[0] = 1
	assert.Zero(t, v.Data[0])
}

func TestSinogram(t *testing.T) {
	v := NewVolume(3, 2, 2)
	for a := 0; a < 3; a++ {
		v.Set(a, 1, 0, float64(a))
		v.Set(a, 1, 1, float64(10+a))
	}
	assert.Equal(t, []float64{0, 10, 1, 11, 2, 12}, v.Sinogram(1))
}

func TestDatasetValidate(t *testing.T) {
	assert.Error(t, (&Dataset{}).Validate())

	ds := &Dataset{Projections: NewVolume(2, 1, 1), Theta: []float64{0}}
	assert.Error(t, ds.Validate())

	ds.Theta = append(ds.Theta, 1)
	assert.NoError(t, ds.Validate())
}
