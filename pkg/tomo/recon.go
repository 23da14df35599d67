// Package tomo reconstructs parallel-beam tomography data.
//
// It provides direct (fbp, gridrec) and iterative (art, sirt, mlem)
// reconstruction, a forward projector, rotation-center search and a
// synthetic phantom for simulation. All algorithms share one linear
// interpolation system model so that forward and back projection are exact
// transposes of each other.
package tomo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tomorecon/internal/models"
)

var (
	// ErrUnsupportedAlgorithm is returned for unknown algorithm or filter names.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrShape is returned when inputs have inconsistent dimensions.
	ErrShape = errors.New("shape mismatch")
)

// Options control a reconstruction.
type Options struct {
	// Algorithm is one of fbp, gridrec, art, sirt, mlem.
	Algorithm string

	// Center is the rotation axis in detector columns. Zero means width/2.
	Center float64

	// Filter is the apodization used by the direct algorithms.
	Filter string

	// NumIter is the exact number of passes run by iterative algorithms.
	NumIter int

	// Relaxation scales art and sirt updates. Zero means 1.
	Relaxation float64

	// Init seeds the first iterative pass. It must have the output shape.
	// When nil, the seed is zeros (ones for mlem). Init is never modified.
	Init *models.Volume

	// NumCores bounds how many slices are processed concurrently.
	NumCores int

	// AfterIteration, when set, is called after every completed pass with
	// the 1-based pass number and the current estimate.
	AfterIteration func(iter int, vol *models.Volume)
}

// IsDirect reports whether name is a single-pass algorithm.
func IsDirect(name string) bool {
	return name == "fbp" || name == "gridrec"
}

// IsIterative reports whether name is an iterative algorithm.
func IsIterative(name string) bool {
	_, ok := passes[name]
	return ok
}

var passes = map[string]passFunc{
	"art":  artPass,
	"sirt": sirtPass,
	"mlem": mlemPass,
}

// ResolveCenter returns center, or width/2 when center is zero.
func ResolveCenter(center float64, width int) float64 {
	if center == 0 {
		return float64(width) / 2
	}
	return center
}

func (o Options) cores() int {
	if o.NumCores < 1 {
		return runtime.NumCPU()
	}
	return o.NumCores
}

func checkProjections(proj *models.Volume, theta []float64) error {
	if proj == nil || len(proj.Data) == 0 {
		return fmt.Errorf("%w: empty projection stack", ErrShape)
	}
	if len(theta) != proj.Depth {
		return fmt.Errorf("%w: %d angles for %d projections", ErrShape, len(theta), proj.Depth)
	}
	if len(proj.Data) != proj.Depth*proj.Height*proj.Width {
		return fmt.Errorf("%w: data length %d for shape %v", ErrShape, len(proj.Data), proj.Shape())
	}
	return nil
}

// Recon reconstructs a projection stack (angle, row, column) into a volume
// (row, column, column).
func Recon(ctx context.Context, proj *models.Volume, theta []float64, opts Options) (*models.Volume, error) {
	if err := checkProjections(proj, theta); err != nil {
		return nil, err
	}
	p := newProjector(theta, proj.Width, ResolveCenter(opts.Center, proj.Width))

	switch {
	case IsDirect(opts.Algorithm):
		if _, err := window(opts.Filter, 0); err != nil {
			return nil, err
		}
		return reconDirect(ctx, proj, p, opts)
	case IsIterative(opts.Algorithm):
		return reconIterative(ctx, proj, p, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, opts.Algorithm)
	}
}

func reconDirect(ctx context.Context, proj *models.Volume, p *projector, opts Options) (*models.Volume, error) {
	slice := fbpSlice
	if opts.Algorithm == "gridrec" {
		slice = gridrecSlice
	}

	out := models.NewVolume(proj.Height, proj.Width, proj.Width)
	err := forEachSlice(ctx, proj.Height, opts.cores(), func(r int) error {
		return slice(p, proj.Sinogram(r), opts.Filter, out.Plane(r))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func reconIterative(ctx context.Context, proj *models.Volume, p *projector, opts Options) (*models.Volume, error) {
	if opts.NumIter < 0 {
		return nil, fmt.Errorf("negative iteration count %d", opts.NumIter)
	}

	var x *models.Volume
	switch {
	case opts.Init != nil:
		if opts.Init.Depth != proj.Height || opts.Init.Height != proj.Width || opts.Init.Width != proj.Width {
			return nil, fmt.Errorf("%w: initial estimate %v, want [%d %d %d]",
				ErrShape, opts.Init.Shape(), proj.Height, proj.Width, proj.Width)
		}
		x = opts.Init.Clone()
	case opts.Algorithm == "mlem":
		x = models.NewVolume(proj.Height, proj.Width, proj.Width)
		for i := range x.Data {
			x.Data[i] = 1
		}
	default:
		x = models.NewVolume(proj.Height, proj.Width, proj.Width)
	}

	if opts.NumIter == 0 {
		return x, nil
	}

	// mlem updates are multiplicative and need a strictly positive seed
	if opts.Init != nil && opts.Algorithm == "mlem" {
		for i, v := range x.Data {
			if v < 1e-6 {
				x.Data[i] = 1e-6
			}
		}
	}

	relax := opts.Relaxation
	if relax == 0 {
		relax = 1
	}
	pass := passes[opts.Algorithm]
	w := newWeights(p)

	sinos := make([][]float64, proj.Height)
	for r := range sinos {
		sinos[r] = proj.Sinogram(r)
	}

	for it := 1; it <= opts.NumIter; it++ {
		err := forEachSlice(ctx, proj.Height, opts.cores(), func(r int) error {
			pass(p, w, sinos[r], x.Plane(r), relax)
			return nil
		})
		if err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"algorithm": opts.Algorithm,
			"iteration": it,
			"of":        opts.NumIter,
		}).Debug("Refinement pass complete")
		if opts.AfterIteration != nil {
			opts.AfterIteration(it, x)
		}
	}
	return x, nil
}

// forEachSlice runs fn for every slice index with at most cores workers.
func forEachSlice(ctx context.Context, n, cores int, fn func(r int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cores)
	for r := 0; r < n; r++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(r)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Project computes the projection stack (angle, slice, column) of a volume
// whose slices are square.
func Project(vol *models.Volume, theta []float64, center float64) (*models.Volume, error) {
	if vol == nil || vol.Height != vol.Width {
		return nil, fmt.Errorf("%w: volume slices must be square", ErrShape)
	}
	if len(theta) == 0 {
		return nil, fmt.Errorf("%w: no angles", ErrShape)
	}
	p := newProjector(theta, vol.Width, ResolveCenter(center, vol.Width))

	out := models.NewVolume(len(theta), vol.Depth, vol.Width)
	sino := make([]float64, len(theta)*vol.Width)
	for z := 0; z < vol.Depth; z++ {
		p.forward(vol.Plane(z), sino)
		for a := range theta {
			copy(out.Data[out.Index(a, z, 0):out.Index(a, z, 0)+vol.Width], sino[a*vol.Width:(a+1)*vol.Width])
		}
	}
	return out, nil
}

// Residual returns the RMS difference between the projections of vol and
// the measured projections.
func Residual(vol, proj *models.Volume, theta []float64, center float64) (float64, error) {
	if err := checkProjections(proj, theta); err != nil {
		return 0, err
	}
	if vol == nil || vol.Depth != proj.Height || vol.Height != proj.Width || vol.Width != proj.Width {
		return 0, fmt.Errorf("%w: volume does not match projections", ErrShape)
	}
	p := newProjector(theta, proj.Width, ResolveCenter(center, proj.Width))

	var sum float64
	sino := make([]float64, len(theta)*proj.Width)
	for r := 0; r < proj.Height; r++ {
		p.forward(vol.Plane(r), sino)
		meas := proj.Sinogram(r)
		for i := range sino {
			d := sino[i] - meas[i]
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(len(proj.Data))), nil
}
