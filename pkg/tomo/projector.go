package tomo

import (
	"math"
)

// projector implements the parallel-beam system matrix shared by every
// algorithm in this package.
//
// Pixel (i, j) of an n x n slice sits at x = j - (n-1)/2, y = i - (n-1)/2
// and lands on detector coordinate t = x*cos + y*sin + center, split between
// bins floor(t) and floor(t)+1 by linear interpolation. forward and back are
// exact transposes.
type projector struct {
	n      int // slice edge length, equal to detector width
	width  int // detector bins
	angles int
	center float64
	cos    []float64
	sin    []float64
}

func newProjector(theta []float64, width int, center float64) *projector {
	p := &projector{
		n:      width,
		width:  width,
		angles: len(theta),
		center: center,
		cos:    make([]float64, len(theta)),
		sin:    make([]float64, len(theta)),
	}
	for a, th := range theta {
		p.cos[a] = math.Cos(th)
		p.sin[a] = math.Sin(th)
	}
	return p
}

// origin is the detector coordinate of pixel (i, 0) at angle a.
func (p *projector) origin(a, i int) float64 {
	half := float64(p.n-1) / 2
	x0 := -half
	y := float64(i) - half
	return x0*p.cos[a] + y*p.sin[a] + p.center
}

// forwardAngle adds the projection of img at angle a into row (len width).
func (p *projector) forwardAngle(img []float64, a int, row []float64) {
	c := p.cos[a]
	for i := 0; i < p.n; i++ {
		t := p.origin(a, i)
		line := img[i*p.n : (i+1)*p.n]
		for j := 0; j < p.n; j++ {
			v := line[j]
			if v != 0 {
				k := int(math.Floor(t))
				f := t - float64(k)
				if k >= 0 && k < p.width {
					row[k] += (1 - f) * v
				}
				if k+1 >= 0 && k+1 < p.width {
					row[k+1] += f * v
				}
			}
			t += c
		}
	}
}

// forward projects img into sino (angles x width), overwriting it.
func (p *projector) forward(img, sino []float64) {
	for i := range sino {
		sino[i] = 0
	}
	for a := 0; a < p.angles; a++ {
		p.forwardAngle(img, a, sino[a*p.width:(a+1)*p.width])
	}
}

// backAngle adds scale * A_a^T row into img. With normalize set, each
// pixel's contribution is divided by its interpolation weight for this angle
// and pixels that miss the detector are left untouched.
func (p *projector) backAngle(row []float64, a int, scale float64, img []float64, normalize bool) {
	c := p.cos[a]
	for i := 0; i < p.n; i++ {
		t := p.origin(a, i)
		line := img[i*p.n : (i+1)*p.n]
		for j := 0; j < p.n; j++ {
			k := int(math.Floor(t))
			f := t - float64(k)
			var acc, w float64
			if k >= 0 && k < p.width {
				acc += (1 - f) * row[k]
				w += 1 - f
			}
			if k+1 >= 0 && k+1 < p.width {
				acc += f * row[k+1]
				w += f
			}
			if normalize {
				if w > 1e-12 {
					line[j] += scale * acc / w
				}
			} else {
				line[j] += scale * acc
			}
			t += c
		}
	}
}

// back adds scale * A^T sino into img.
func (p *projector) back(sino []float64, scale float64, img []float64) {
	for a := 0; a < p.angles; a++ {
		p.backAngle(sino[a*p.width:(a+1)*p.width], a, scale, img, false)
	}
}

// rowSums returns A 1, the total weight reaching each detector bin.
func (p *projector) rowSums() []float64 {
	ones := make([]float64, p.n*p.n)
	for i := range ones {
		ones[i] = 1
	}
	sums := make([]float64, p.angles*p.width)
	p.forward(ones, sums)
	return sums
}

// colSums returns A^T 1, the total weight each pixel receives.
func (p *projector) colSums() []float64 {
	ones := make([]float64, p.angles*p.width)
	for i := range ones {
		ones[i] = 1
	}
	sums := make([]float64, p.n*p.n)
	p.back(ones, 1, sums)
	return sums
}
