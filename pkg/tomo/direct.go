package tomo

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fbpSlice reconstructs one sinogram (angles x width) into out (width x width)
// by ramp-filtered back-projection.
func fbpSlice(p *projector, sino []float64, filter string, out []float64) error {
	rf, err := newRampFilter(p.width, filter)
	if err != nil {
		return err
	}

	filtered := make([]float64, len(sino))
	copy(filtered, sino)
	for a := 0; a < p.angles; a++ {
		rf.apply(filtered[a*p.width : (a+1)*p.width])
	}

	for i := range out {
		out[i] = 0
	}
	p.back(filtered, math.Pi/float64(p.angles), out)
	return nil
}

// gridrecSlice reconstructs one sinogram by direct Fourier inversion.
//
// Each projection row's 1D spectrum is a radial line of the slice's 2D
// spectrum (projection-slice theorem). The radial samples are splatted onto
// an m x m Cartesian grid with bilinear weights, averaged per cell, and the
// grid is inverted with a 2D inverse FFT.
func gridrecSlice(p *projector, sino []float64, filter string, out []float64) error {
	w := p.width
	m := nextPow2(2 * w)
	half := m / 2

	wins := make([]float64, m)
	for idx := 0; idx < m; idx++ {
		k := signedFreq(idx, m)
		v, err := window(filter, math.Abs(float64(k))/float64(half))
		if err != nil {
			return err
		}
		wins[idx] = v
	}

	fft := fourier.NewCmplxFFT(m)
	grid := make([]complex128, m*m)
	weight := make([]float64, m*m)
	row := make([]complex128, m)

	for a := 0; a < p.angles; a++ {
		for i := range row {
			row[i] = 0
		}
		for t := 0; t < w; t++ {
			row[t] = complex(sino[a*w+t], 0)
		}
		fft.Coefficients(row, row)

		for idx := 0; idx < m; idx++ {
			k := signedFreq(idx, m)
			if k == -half {
				continue
			}
			// move the detector origin onto the rotation axis
			phase := 2 * math.Pi * float64(k) * p.center / float64(m)
			val := row[idx] * cmplx.Rect(wins[idx], phase)
			splat(grid, weight, m, float64(k)*p.cos[a], float64(k)*p.sin[a], val)
		}
	}

	// pixel centers sit half a sample off the FFT lattice for even widths
	d := float64(w/2) - float64(w-1)/2
	for v := -half; v < half; v++ {
		for u := -half; u < half; u++ {
			cell := wrap(v, m)*m + wrap(u, m)
			if weight[cell] <= 1e-9 {
				grid[cell] = 0
				continue
			}
			shift := cmplx.Rect(1, 2*math.Pi*float64(u+v)*d/float64(m))
			grid[cell] = grid[cell] / complex(weight[cell], 0) * shift
		}
	}

	for v := 0; v < m; v++ {
		line := grid[v*m : (v+1)*m]
		fft.Sequence(line, line)
	}
	col := make([]complex128, m)
	for u := 0; u < m; u++ {
		for v := 0; v < m; v++ {
			col[v] = grid[v*m+u]
		}
		fft.Sequence(col, col)
		for v := 0; v < m; v++ {
			grid[v*m+u] = col[v]
		}
	}

	scale := 1 / float64(m*m)
	h := w / 2
	for i := 0; i < w; i++ {
		for j := 0; j < w; j++ {
			out[i*w+j] = real(grid[wrap(i-h, m)*m+wrap(j-h, m)]) * scale
		}
	}
	return nil
}

// signedFreq maps an FFT index to its signed frequency.
func signedFreq(idx, m int) int {
	if idx >= m/2 {
		return idx - m
	}
	return idx
}

func wrap(k, m int) int {
	k %= m
	if k < 0 {
		k += m
	}
	return k
}

// splat distributes val over the four grid cells around (u, v).
func splat(grid []complex128, weight []float64, m int, u, v float64, val complex128) {
	half := m / 2
	u0 := math.Floor(u)
	v0 := math.Floor(v)
	fu := u - u0
	fv := v - v0
	for dv := 0; dv < 2; dv++ {
		vi := int(v0) + dv
		if vi < -half || vi >= half {
			continue
		}
		wv := 1 - fv
		if dv == 1 {
			wv = fv
		}
		for du := 0; du < 2; du++ {
			ui := int(u0) + du
			if ui < -half || ui >= half {
				continue
			}
			wu := 1 - fu
			if du == 1 {
				wu = fu
			}
			wgt := wu * wv
			if wgt == 0 {
				continue
			}
			cell := wrap(vi, m)*m + wrap(ui, m)
			grid[cell] += val * complex(wgt, 0)
			weight[cell] += wgt
		}
	}
}
