package reconstruction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"tomorecon/pkg/config"
	"tomorecon/pkg/exchange"
	"tomorecon/pkg/tomo"
)

// writeSimulated stores a synthetic scan and returns its path and true center.
func writeSimulated(t *testing.T, opts tomo.SimOptions) (string, float64) {
	t.Helper()
	ds, _, center, err := tomo.Simulate(opts)
	require.NoError(t, err)

	fname := filepath.Join(t.TempDir(), "data", "simulated.h5")
	require.NoError(t, exchange.WriteAPS32ID(fname, ds, false))
	return fname, center
}

func testParams(t *testing.T, input string) *Params {
	cfg := config.DefaultConfig()
	cfg.Input.File = input
	cfg.Iterative.NumIter = 3
	cfg.Output.Prefix = filepath.Join(t.TempDir(), "recon", "full")
	cfg.Processing.NumCores = 2
	require.NoError(t, cfg.Validate())
	return ParamsFromConfig(cfg)
}

func TestProcessEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	input, _ := writeSimulated(t, tomo.SimOptions{Size: 32, Slices: 4, Angles: 60})
	params := testParams(t, input)
	params.Preview = true
	params.IntermediaryDir = filepath.Join(t.TempDir(), "direct")

	r := NewReconstructor(params)
	require.NoError(t, r.Process(context.Background()))

	m := r.Metrics()
	assert.Equal(t, 3, m.Iterations)
	require.Len(t, m.Files, 4)
	assert.Equal(t, exchange.TiffName(params.OutputPrefix, 3), m.Files[3])
	assert.Less(t, m.IterativeResidual, m.DirectResidual)
	assert.Len(t, m.Timings, 5)
	assert.Equal(t, [3]int{4, 32, 32}, r.Volume().Shape())
	assert.True(t, m.GroundTruth)
	assert.Greater(t, m.DirectCorrelation, 0.5)
	assert.Greater(t, m.IterativeCorrelation, 0.5)

	slice, err := exchange.ReadTiff(m.Files[0])
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 32, 32}, slice.Shape())

	assert.FileExists(t, params.OutputPrefix+"_preview.png")
	assert.FileExists(t, exchange.TiffName(filepath.Join(params.IntermediaryDir, "gridrec"), 0))
}

func TestProcessRespectsOverwrite(t *testing.T) {
	input, _ := writeSimulated(t, tomo.SimOptions{Size: 16, Slices: 2, Angles: 20})
	params := testParams(t, input)
	params.NumIter = 0

	require.NoError(t, NewReconstructor(params).Process(context.Background()))

	params.Overwrite = false
	err := NewReconstructor(params).Process(context.Background())
	assert.ErrorIs(t, err, exchange.ErrExists)

	params.Overwrite = true
	assert.NoError(t, NewReconstructor(params).Process(context.Background()))
}

func TestProcessWithoutIterations(t *testing.T) {
	input, _ := writeSimulated(t, tomo.SimOptions{Size: 16, Slices: 2, Angles: 20})
	params := testParams(t, input)
	params.NumIter = 0

	r := NewReconstructor(params)
	require.NoError(t, r.Process(context.Background()))
	assert.Equal(t, 0, r.Metrics().Iterations)
	assert.Equal(t, r.Metrics().DirectResidual, r.Metrics().IterativeResidual)
}

func TestProcessNormalizesIntensities(t *testing.T) {
	input, _ := writeSimulated(t, tomo.SimOptions{
		Size: 16, Slices: 2, Angles: 30,
		Intensity: true, FlatValue: 1000, DarkValue: 10, Frames: 2,
	})
	params := testParams(t, input)
	params.Normalize = true

	r := NewReconstructor(params)
	require.NoError(t, r.Process(context.Background()))

	// the object absorbs, so its attenuation reconstructs positive
	assert.Greater(t, floats.Sum(r.Volume().Plane(1)), 0.0)
}

func TestProcessWithoutPhantom(t *testing.T) {
	ds, _, _, err := tomo.Simulate(tomo.SimOptions{Size: 16, Slices: 2, Angles: 20})
	require.NoError(t, err)
	ds.Phantom = nil
	input := filepath.Join(t.TempDir(), "measured.h5")
	require.NoError(t, exchange.WriteAPS32ID(input, ds, false))

	params := testParams(t, input)
	params.NumIter = 1
	r := NewReconstructor(params)
	require.NoError(t, r.Process(context.Background()))
	assert.False(t, r.Metrics().GroundTruth)
	assert.Zero(t, r.Metrics().IterativeCorrelation)
}

func TestProcessFailsOnUnwritableIntermediary(t *testing.T) {
	input, _ := writeSimulated(t, tomo.SimOptions{Size: 16, Slices: 2, Angles: 20})
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	params := testParams(t, input)
	params.NumIter = 0
	params.IntermediaryDir = filepath.Join(blocker, "direct")

	r := NewReconstructor(params)
	err := r.Process(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed direct reconstruction")
	assert.Empty(t, r.Metrics().Files)
}

func TestProcessMissingInput(t *testing.T) {
	params := testParams(t, filepath.Join(t.TempDir(), "absent.h5"))
	err := NewReconstructor(params).Process(context.Background())
	assert.Error(t, err)
	assert.Empty(t, NewReconstructor(params).Metrics().Files)
}

func TestProcessCancelled(t *testing.T) {
	input, _ := writeSimulated(t, tomo.SimOptions{Size: 16, Slices: 2, Angles: 20})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewReconstructor(testParams(t, input)).Process(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindCenter(t *testing.T) {
	input, want := writeSimulated(t, tomo.SimOptions{Size: 32, Slices: 2, Angles: 61, CenterOffset: 2})
	params := testParams(t, input)
	params.CenterSearch.Method = "pc"

	r := NewReconstructor(params)
	got, err := r.FindCenter(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, want, got, 0.1)
	assert.Empty(t, r.CenterEvaluations())
}

func TestFindCenterEntropyRecordsEvaluations(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping center search in short mode")
	}
	input, want := writeSimulated(t, tomo.SimOptions{Size: 64, Slices: 8, Angles: 90, CenterOffset: 1.5})
	params := testParams(t, input)
	params.CenterSearch.Method = "entropy"
	params.CenterSearch.Index = 5
	params.CenterSearch.Tol = 0.1
	params.CenterSearch.SearchRadius = 3

	r := NewReconstructor(params)
	got, err := r.FindCenter(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, want, got, params.CenterSearch.Tol)
	assert.Greater(t, len(r.CenterEvaluations()), 7)
}
