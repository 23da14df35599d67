package tomo

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/models"
)

// ErrNoOpposite is returned by the pc method when no projection lies
// 180 degrees from the first one.
var ErrNoOpposite = errors.New("no projection opposite the first angle")

const histBins = 64

// CenterOptions control FindCenter.
type CenterOptions struct {
	// Method is "entropy" (default) or "pc".
	Method string

	// Index is the detector row used by the entropy method.
	Index int

	// Tol is the required precision of the result in pixels.
	Tol float64

	// Init is the starting guess. Zero means width/2.
	Init float64

	// SearchRadius is the half width of the integer pre-scan around Init.
	// Zero skips the scan.
	SearchRadius int

	// Algorithm and Filter select the direct reconstruction scored by the
	// entropy method. Defaults are fbp with the shepp filter.
	Algorithm string
	Filter    string

	// OnEvaluate, when set, is called for every center the entropy method scores.
	OnEvaluate func(center, cost float64)
}

// FindCenter estimates the rotation center of a projection stack.
func FindCenter(proj *models.Volume, theta []float64, opts CenterOptions) (float64, error) {
	if err := checkProjections(proj, theta); err != nil {
		return 0, err
	}
	if opts.Tol <= 0 {
		return 0, fmt.Errorf("tolerance must be positive, got %g", opts.Tol)
	}

	switch opts.Method {
	case "", "entropy":
		return findCenterEntropy(proj, theta, opts)
	case "pc":
		return findCenterPC(proj, theta)
	default:
		return 0, fmt.Errorf("%w: center method %q", ErrUnsupportedAlgorithm, opts.Method)
	}
}

// entropyScorer reconstructs one sinogram at trial centers and scores the
// histogram entropy inside the reconstruction circle.
type entropyScorer struct {
	sino      []float64
	theta     []float64
	width     int
	filter    string
	slice     func(p *projector, sino []float64, filter string, out []float64) error
	mask      []bool
	out       []float64
	hmin      float64
	hmax      float64
	onEval    func(center, cost float64)
	lastError error
}

func newEntropyScorer(proj *models.Volume, theta []float64, opts CenterOptions) (*entropyScorer, error) {
	if opts.Index < 0 || opts.Index >= proj.Height {
		return nil, fmt.Errorf("slice index %d out of range [0, %d)", opts.Index, proj.Height)
	}
	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = "fbp"
	}
	filter := opts.Filter
	if filter == "" {
		filter = "shepp"
	}
	if _, err := window(filter, 0); err != nil {
		return nil, err
	}

	s := &entropyScorer{
		sino:   proj.Sinogram(opts.Index),
		theta:  theta,
		width:  proj.Width,
		filter: filter,
		onEval: opts.OnEvaluate,
		out:    make([]float64, proj.Width*proj.Width),
	}
	switch algorithm {
	case "fbp":
		s.slice = fbpSlice
	case "gridrec":
		s.slice = gridrecSlice
	default:
		return nil, fmt.Errorf("%w: %q cannot score centers", ErrUnsupportedAlgorithm, algorithm)
	}

	n := proj.Width
	half := float64(n-1) / 2
	radius := float64(n) / 2
	s.mask = make([]bool, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dx, dy := float64(j)-half, float64(i)-half
			s.mask[i*n+j] = dx*dx+dy*dy <= radius*radius
		}
	}
	return s, nil
}

// calibrate fixes the histogram range from a reconstruction at center.
func (s *entropyScorer) calibrate(center float64) error {
	if err := s.slice(newProjector(s.theta, s.width, center), s.sino, s.filter, s.out); err != nil {
		return err
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range s.out {
		if s.mask[i] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if lo < 0 {
		lo *= 2
	} else {
		lo *= 0.5
	}
	if hi < 0 {
		hi *= 0.5
	} else {
		hi *= 2
	}
	if hi <= lo {
		hi = lo + 1
	}
	s.hmin, s.hmax = lo, hi
	return nil
}

// cost is the entropy of the masked reconstruction at center. Each value is
// split linearly between the two nearest bin centers, so the cost varies
// continuously with center and can be refined below the bin width.
func (s *entropyScorer) cost(center float64) float64 {
	if err := s.slice(newProjector(s.theta, s.width, center), s.sino, s.filter, s.out); err != nil {
		s.lastError = err
		return math.Inf(1)
	}

	counts := make([]float64, histBins)
	binWidth := (s.hmax - s.hmin) / histBins
	total := 0
	for i, v := range s.out {
		if !s.mask[i] {
			continue
		}
		total++
		pos := (v-s.hmin)/binWidth - 0.5
		lo := math.Floor(pos)
		frac := pos - lo
		if k := int(lo); k >= 0 && k < histBins {
			counts[k] += 1 - frac
		}
		if k := int(lo) + 1; k >= 0 && k < histBins {
			counts[k] += frac
		}
	}
	floats.Scale(1/float64(total), counts)
	floats.AddConst(1e-12, counts)

	e := stat.Entropy(counts)
	if s.onEval != nil {
		s.onEval(center, e)
	}
	return e
}

func findCenterEntropy(proj *models.Volume, theta []float64, opts CenterOptions) (float64, error) {
	scorer, err := newEntropyScorer(proj, theta, opts)
	if err != nil {
		return 0, err
	}
	init := ResolveCenter(opts.Init, proj.Width)
	if err := scorer.calibrate(init); err != nil {
		return 0, err
	}

	start := init
	if opts.SearchRadius > 0 {
		best := math.Inf(1)
		for d := -opts.SearchRadius; d <= opts.SearchRadius; d++ {
			c := math.Round(init) + float64(d)
			if v := scorer.cost(c); v < best {
				best, start = v, c
			}
		}
		logrus.WithFields(logrus.Fields{"center": start, "entropy": best}).Debug("Coarse center scan done")
	}

	const simplex = 0.5
	problem := optimize.Problem{Func: func(x []float64) float64 { return scorer.cost(x[0]) }}
	settings := &optimize.Settings{
		Converger:       newStepConverger(opts.Tol, simplex),
		MajorIterations: 200,
		FuncEvaluations: 500,
	}
	result, err := optimize.Minimize(problem, []float64{start}, settings, &optimize.NelderMead{SimplexSize: simplex})
	if scorer.lastError != nil {
		return 0, scorer.lastError
	}
	if err != nil {
		return 0, fmt.Errorf("center optimization failed: %w", err)
	}

	center, cost := refineCenter(scorer.cost, result.X[0], opts.Tol)
	if scorer.lastError != nil {
		return 0, scorer.lastError
	}
	logrus.WithFields(logrus.Fields{
		"simplex":     result.X[0],
		"center":      center,
		"entropy":     cost,
		"evaluations": result.FuncEvaluations,
		"status":      result.Status.String(),
	}).Debug("Center refinement done")
	return center, nil
}

// refineCenter samples cost on a grid of half the tolerance within one pixel
// of c, then narrows the best sample's neighborhood by golden-section search.
func refineCenter(cost func(float64) float64, c, tol float64) (float64, float64) {
	step := math.Max(tol/2, 0.05)
	n := int(math.Ceil(1 / step))

	best, bestCost := c, cost(c)
	for k := -n; k <= n; k++ {
		if k == 0 {
			continue
		}
		x := c + float64(k)*step
		if v := cost(x); v < bestCost {
			best, bestCost = x, v
		}
	}

	x := goldenSection(cost, best-step, best+step, tol/8)
	if v := cost(x); v < bestCost {
		return x, v
	}
	return best, bestCost
}

// goldenSection returns the midpoint of the final bracket of a
// golden-section minimization of f on [a, b].
func goldenSection(f func(float64) float64, a, b, tol float64) float64 {
	const invPhi = 0.6180339887498949
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc, fd := f(c), f(d)
	for b-a > tol {
		if fc < fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			fd = f(d)
		}
	}
	return (a + b) / 2
}

// stepConverger stops once the best center has moved less than tol for
// enough consecutive iterations that the simplex has contracted below tol.
type stepConverger struct {
	tol     float64
	need    int
	last    float64
	seen    bool
	stalled int
}

func newStepConverger(tol, simplex float64) *stepConverger {
	need := 2
	if simplex > tol {
		need += int(math.Ceil(math.Log2(simplex / tol)))
	}
	return &stepConverger{tol: tol, need: need}
}

func (c *stepConverger) Init(dim int) {
	c.seen = false
	c.stalled = 0
}

func (c *stepConverger) Converged(loc *optimize.Location) optimize.Status {
	x := loc.X[0]
	if c.seen && math.Abs(x-c.last) < c.tol {
		c.stalled++
	} else {
		c.stalled = 0
	}
	c.seen = true
	c.last = x
	if c.stalled >= c.need {
		return optimize.StepConvergence
	}
	return optimize.NotTerminated
}

// findCenterPC correlates the first projection with the mirrored projection
// taken half a turn later. If the mirrored image matches the first one
// shifted by s columns, the axis is at (s + width - 1) / 2.
func findCenterPC(proj *models.Volume, theta []float64) (float64, error) {
	if len(theta) < 2 {
		return 0, ErrNoOpposite
	}
	target := theta[0] + math.Pi
	opposite, gap := -1, math.Inf(1)
	for a, th := range theta {
		if d := math.Abs(th - target); d < gap {
			opposite, gap = a, d
		}
	}
	step := math.Abs(theta[len(theta)-1]-theta[0]) / float64(len(theta)-1)
	if opposite <= 0 || gap > step/2+1e-9 {
		return 0, ErrNoOpposite
	}

	w := proj.Width
	first := make([]float64, proj.Height*w)
	mirrored := make([]float64, proj.Height*w)
	for r := 0; r < proj.Height; r++ {
		for t := 0; t < w; t++ {
			first[r*w+t] = proj.At(0, r, t)
			mirrored[r*w+t] = proj.At(opposite, r, w-1-t)
		}
	}

	correlate := func(s int) float64 {
		var sum float64
		for r := 0; r < proj.Height; r++ {
			for t := 0; t < w; t++ {
				u := t + s
				if u < 0 || u >= w {
					continue
				}
				sum += mirrored[r*w+t] * first[r*w+u]
			}
		}
		return sum
	}

	maxShift := w / 2
	best, bestVal := 0, math.Inf(-1)
	scores := make(map[int]float64, 2*maxShift+1)
	for s := -maxShift; s <= maxShift; s++ {
		v := correlate(s)
		scores[s] = v
		if v > bestVal {
			best, bestVal = s, v
		}
	}

	shift := float64(best)
	if best > -maxShift && best < maxShift {
		l, c, r := scores[best-1], scores[best], scores[best+1]
		if den := l - 2*c + r; den != 0 {
			shift += 0.5 * (l - r) / den
		}
	}
	return (shift + float64(w) - 1) / 2, nil
}
