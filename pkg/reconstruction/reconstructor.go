// Package reconstruction drives the tomography pipeline: load, preprocess,
// direct reconstruction, iterative refinement and output.
package reconstruction

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/models"
	"tomorecon/pkg/config"
	"tomorecon/pkg/exchange"
	"tomorecon/pkg/prep"
	"tomorecon/pkg/tomo"
	"tomorecon/pkg/visualization"
)

// Params holds the pipeline parameters.
type Params struct {
	// InputFile is the APS 32-ID data-exchange file to reconstruct.
	InputFile string

	// Projection and detector-row selection. End values of 0 mean all.
	ProjStart, ProjEnd, ProjStep int
	SinoStart, SinoEnd           int

	// Normalize applies flat/dark correction and -log before filtering.
	Normalize bool

	// MedianSize and MedianAxis configure the median filter.
	MedianSize int
	MedianAxis int

	// DirectAlgorithm and Filter configure the first reconstruction.
	DirectAlgorithm string
	Filter          string

	// IterativeAlgorithm, NumIter and Relaxation configure the refinement
	// seeded by the direct result.
	IterativeAlgorithm string
	NumIter            int
	Relaxation         float64

	// Center is the rotation axis; 0 means width/2.
	Center float64

	// CenterSearch configures FindCenter.
	CenterSearch tomo.CenterOptions

	// OutputPrefix is the path prefix of the written slices.
	OutputPrefix string
	Dtype        string
	Overwrite    bool

	// Preview writes a PNG of the middle slice as <OutputPrefix>_preview.png.
	Preview bool

	// IntermediaryDir, when set, receives the direct reconstruction as a
	// separate TIFF stack.
	IntermediaryDir string

	// NumCores bounds the number of slices reconstructed concurrently.
	NumCores int
}

// ParamsFromConfig maps a loaded configuration onto pipeline parameters.
func ParamsFromConfig(cfg *config.Config) *Params {
	return &Params{
		InputFile:          cfg.Input.File,
		ProjStart:          cfg.Input.ProjStart,
		ProjEnd:            cfg.Input.ProjEnd,
		ProjStep:           cfg.Input.ProjStep,
		SinoStart:          cfg.Input.SinoStart,
		SinoEnd:            cfg.Input.SinoEnd,
		Normalize:          cfg.Preprocess.Normalize,
		MedianSize:         cfg.Preprocess.MedianSize,
		MedianAxis:         cfg.Preprocess.MedianAxis,
		DirectAlgorithm:    cfg.Direct.Algorithm,
		Filter:             cfg.Direct.Filter,
		IterativeAlgorithm: cfg.Iterative.Algorithm,
		NumIter:            cfg.Iterative.NumIter,
		Relaxation:         cfg.Iterative.Relaxation,
		Center:             cfg.Center,
		CenterSearch: tomo.CenterOptions{
			Method:       cfg.CenterSearch.Method,
			Index:        cfg.CenterSearch.Index,
			Tol:          cfg.CenterSearch.Tol,
			Init:         cfg.CenterSearch.Init,
			SearchRadius: cfg.CenterSearch.SearchRadius,
			Filter:       cfg.Direct.Filter,
		},
		OutputPrefix:    cfg.Output.Prefix,
		Dtype:           cfg.Output.Dtype,
		Overwrite:       cfg.Output.Overwrite,
		Preview:         cfg.Output.Preview,
		IntermediaryDir: cfg.Output.IntermediateDir,
		NumCores:        cfg.Processing.NumCores,
	}
}

// StageTiming records how long one pipeline stage took.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// Metrics summarizes a completed run.
type Metrics struct {
	// DirectResidual and IterativeResidual are the RMS projection misfits
	// of the direct and refined volumes.
	DirectResidual    float64
	IterativeResidual float64

	// Iterations is the number of refinement passes executed.
	Iterations int

	// GroundTruth reports whether the input carried a simulated phantom.
	// DirectCorrelation and IterativeCorrelation are then the Pearson
	// correlations of the direct and refined volumes with it.
	GroundTruth          bool
	DirectCorrelation    float64
	IterativeCorrelation float64

	// Files lists the written slice files in order.
	Files []string

	// Timings lists the stages in execution order.
	Timings []StageTiming
}

// Reconstructor runs the pipeline.
//
// Process runs five steps, each consuming the previous one's result:
// 1. Load projections and angles
// 2. Preprocess (optional normalization, median filter)
// 3. Direct reconstruction
// 4. Iterative refinement seeded by the direct volume
// 5. Write the refined volume as a TIFF stack
type Reconstructor struct {
	params *Params

	// data is the dataset as loaded, proj the preprocessed projections
	data *models.Dataset
	proj *models.Volume

	direct  *models.Volume
	refined *models.Volume

	center  float64
	metrics Metrics

	// evaluations recorded by the last FindCenter call
	evaluations []visualization.Evaluation
}

// NewReconstructor creates a reconstructor for params.
func NewReconstructor(params *Params) *Reconstructor {
	return &Reconstructor{params: params}
}

// Process runs the complete reconstruction pipeline.
func (r *Reconstructor) Process(ctx context.Context) error {
	r.metrics = Metrics{}

	logrus.WithField("file", r.params.InputFile).Info("Step 1: Loading projections...")
	if err := r.timed("load", r.load); err != nil {
		return fmt.Errorf("failed to load projections: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"normalize": r.params.Normalize,
		"size":      r.params.MedianSize,
		"axis":      r.params.MedianAxis,
	}).Info("Step 2: Preprocessing...")
	if err := r.timed("preprocess", r.preprocess); err != nil {
		return fmt.Errorf("failed to preprocess projections: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"algorithm": r.params.DirectAlgorithm,
		"filter":    r.params.Filter,
		"center":    r.center,
	}).Info("Step 3: Direct reconstruction...")
	if err := r.timed("direct", func() error { return r.reconstructDirect(ctx) }); err != nil {
		return fmt.Errorf("failed direct reconstruction: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"algorithm":  r.params.IterativeAlgorithm,
		"iterations": r.params.NumIter,
	}).Info("Step 4: Iterative refinement...")
	if err := r.timed("refine", func() error { return r.refine(ctx) }); err != nil {
		return fmt.Errorf("failed iterative refinement: %w", err)
	}

	logrus.WithField("prefix", r.params.OutputPrefix).Info("Step 5: Writing slices...")
	if err := r.timed("write", r.write); err != nil {
		return fmt.Errorf("failed to write slices: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"directResidual":    r.metrics.DirectResidual,
		"iterativeResidual": r.metrics.IterativeResidual,
		"files":             len(r.metrics.Files),
	}).Info("Reconstruction complete")
	return nil
}

func (r *Reconstructor) timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	r.metrics.Timings = append(r.metrics.Timings, StageTiming{Stage: stage, Duration: d})
	logrus.WithFields(logrus.Fields{"stage": stage, "elapsed": units.HumanDuration(d)}).Debug("Stage finished")
	return err
}

func (r *Reconstructor) load() error {
	var opts []exchange.LoadOption
	if r.params.ProjStart != 0 || r.params.ProjEnd != 0 || r.params.ProjStep > 1 {
		opts = append(opts, exchange.WithProjections(r.params.ProjStart, r.params.ProjEnd, r.params.ProjStep))
	}
	if r.params.SinoStart != 0 || r.params.SinoEnd != 0 {
		opts = append(opts, exchange.WithSinograms(r.params.SinoStart, r.params.SinoEnd))
	}

	ds, err := exchange.ReadAPS32ID(r.params.InputFile, opts...)
	if err != nil {
		return err
	}
	r.data = ds
	r.center = tomo.ResolveCenter(r.params.Center, ds.Projections.Width)

	logrus.WithFields(logrus.Fields{
		"shape":  ds.Projections.Shape(),
		"angles": len(ds.Theta),
		"size":   units.HumanSize(float64(8 * len(ds.Projections.Data))),
	}).Info("Loaded projections")
	return nil
}

func (r *Reconstructor) preprocess() error {
	proj := r.data.Projections
	if r.params.Normalize {
		norm, err := prep.Normalize(proj, r.data.Flat, r.data.Dark, 0)
		if err != nil {
			return err
		}
		proj = prep.MinusLog(norm)
	}

	filtered, err := prep.MedianFilter(proj, r.params.MedianSize, r.params.MedianAxis)
	if err != nil {
		return err
	}
	r.proj = filtered
	return nil
}

func (r *Reconstructor) reconstructDirect(ctx context.Context) error {
	vol, err := tomo.Recon(ctx, r.proj, r.data.Theta, tomo.Options{
		Algorithm: r.params.DirectAlgorithm,
		Center:    r.center,
		Filter:    r.params.Filter,
		NumCores:  r.params.NumCores,
	})
	if err != nil {
		return err
	}
	r.direct = vol

	if r.metrics.DirectResidual, err = tomo.Residual(vol, r.proj, r.data.Theta, r.center); err != nil {
		return err
	}
	fields := logrus.Fields{
		"shape":    vol.Shape(),
		"residual": r.metrics.DirectResidual,
	}
	if corr, ok := r.groundTruthCorrelation(vol); ok {
		r.metrics.GroundTruth = true
		r.metrics.DirectCorrelation = corr
		fields["correlation"] = corr
	}
	logrus.WithFields(fields).Info("Direct reconstruction done")

	if r.params.IntermediaryDir != "" {
		prefix := filepath.Join(r.params.IntermediaryDir, r.params.DirectAlgorithm)
		files, err := exchange.WriteTiffStack(vol, prefix, exchange.TiffOptions{Dtype: exchange.Float32, Overwrite: true})
		if err != nil {
			return fmt.Errorf("failed to save direct reconstruction: %w", err)
		}
		logrus.WithField("files", len(files)).Debug("Saved direct reconstruction")
	}
	return nil
}

// groundTruthCorrelation compares vol with the simulated phantom, when the
// input has one of the same shape.
func (r *Reconstructor) groundTruthCorrelation(vol *models.Volume) (float64, bool) {
	truth := r.data.Phantom
	if truth == nil {
		return 0, false
	}
	if !truth.SameShape(vol) {
		logrus.WithFields(logrus.Fields{
			"phantom": truth.Shape(),
			"volume":  vol.Shape(),
		}).Warn("Phantom shape differs from the reconstruction, skipping correlation")
		return 0, false
	}
	return stat.Correlation(vol.Data, truth.Data, nil), true
}

func (r *Reconstructor) refine(ctx context.Context) error {
	vol, err := tomo.Recon(ctx, r.proj, r.data.Theta, tomo.Options{
		Algorithm:  r.params.IterativeAlgorithm,
		Center:     r.center,
		NumIter:    r.params.NumIter,
		Relaxation: r.params.Relaxation,
		Init:       r.direct,
		NumCores:   r.params.NumCores,
		AfterIteration: func(iter int, _ *models.Volume) {
			r.metrics.Iterations = iter
		},
	})
	if err != nil {
		return err
	}
	r.refined = vol

	if r.metrics.IterativeResidual, err = tomo.Residual(vol, r.proj, r.data.Theta, r.center); err != nil {
		return err
	}
	fields := logrus.Fields{
		"iterations": r.metrics.Iterations,
		"residual":   r.metrics.IterativeResidual,
	}
	if corr, ok := r.groundTruthCorrelation(vol); ok {
		r.metrics.IterativeCorrelation = corr
		fields["correlation"] = corr
	}
	logrus.WithFields(fields).Info("Refinement done")
	return nil
}

func (r *Reconstructor) write() error {
	files, err := exchange.WriteTiffStack(r.refined, r.params.OutputPrefix, exchange.TiffOptions{
		Dtype:     r.params.Dtype,
		Overwrite: r.params.Overwrite,
	})
	if err != nil {
		return err
	}
	r.metrics.Files = files

	if r.params.Preview {
		preview := r.params.OutputPrefix + "_preview.png"
		if err := visualization.NewViewer(r.refined).SavePreview(preview); err != nil {
			return fmt.Errorf("failed to save preview: %w", err)
		}
		logrus.WithField("file", preview).Info("Saved preview")
	}
	return nil
}

// FindCenter loads the input, applies the same normalization as Process
// and estimates the rotation center.
func (r *Reconstructor) FindCenter(ctx context.Context) (float64, error) {
	if err := r.load(); err != nil {
		return 0, fmt.Errorf("failed to load projections: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	proj := r.data.Projections
	if r.params.Normalize {
		norm, err := prep.Normalize(proj, r.data.Flat, r.data.Dark, 0)
		if err != nil {
			return 0, fmt.Errorf("failed to normalize projections: %w", err)
		}
		proj = prep.MinusLog(norm)
	}

	opts := r.params.CenterSearch
	r.evaluations = r.evaluations[:0]
	opts.OnEvaluate = func(center, cost float64) {
		r.evaluations = append(r.evaluations, visualization.Evaluation{Center: center, Cost: cost})
	}

	logrus.WithFields(logrus.Fields{
		"method": opts.Method,
		"index":  opts.Index,
		"tol":    opts.Tol,
	}).Info("Searching rotation center...")
	center, err := tomo.FindCenter(proj, r.data.Theta, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to find center: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"center":      center,
		"evaluations": len(r.evaluations),
	}).Info("Rotation center found")
	return center, nil
}

// CenterEvaluations returns the candidates scored by the last FindCenter call.
func (r *Reconstructor) CenterEvaluations() []visualization.Evaluation {
	return r.evaluations
}

// Metrics returns the metrics of the last Process call.
func (r *Reconstructor) Metrics() Metrics {
	return r.metrics
}

// Volume returns the refined volume of the last Process call.
func (r *Reconstructor) Volume() *models.Volume {
	return r.refined
}
