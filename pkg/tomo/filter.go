package tomo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// nextPow2 returns the smallest power of two >= n.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// window returns the apodization of the named filter at x, the fraction of
// the Nyquist frequency in [0, 1].
func window(name string, x float64) (float64, error) {
	switch name {
	case "", "ramp":
		return 1, nil
	case "shepp":
		if x == 0 {
			return 1, nil
		}
		arg := math.Pi * x / 2
		return math.Sin(arg) / arg, nil
	case "cosine":
		return math.Cos(math.Pi * x / 2), nil
	case "hann":
		return 0.5 * (1 + math.Cos(math.Pi*x)), nil
	default:
		return 0, fmt.Errorf("%w: filter %q", ErrUnsupportedAlgorithm, name)
	}
}

// rampFilter filters projection rows with a band-limited ramp kernel.
//
// The kernel is the spatial Ram-Lak filter (h[0] = 1/4, h[odd n] = -1/(pi n)^2)
// transformed once, so the DC term is correct and no wrap-around occurs
// for rows up to half the padded length.
type rampFilter struct {
	width    int
	padded   int
	fft      *fourier.FFT
	response []float64
	buf      []float64
	coeff    []complex128
}

func newRampFilter(width int, name string) (*rampFilter, error) {
	m := nextPow2(2 * width)
	if m < 2 {
		m = 2
	}
	fft := fourier.NewFFT(m)

	h := make([]float64, m)
	h[0] = 0.25
	for n := 1; n <= m/2; n++ {
		if n%2 == 1 {
			v := -1 / (math.Pi * math.Pi * float64(n) * float64(n))
			h[n] = v
			h[m-n] = v
		}
	}
	spectrum := fft.Coefficients(nil, h)

	response := make([]float64, len(spectrum))
	for k := range spectrum {
		w, err := window(name, float64(k)/float64(m/2))
		if err != nil {
			return nil, err
		}
		response[k] = real(spectrum[k]) * w
	}

	return &rampFilter{
		width:    width,
		padded:   m,
		fft:      fft,
		response: response,
		buf:      make([]float64, m),
		coeff:    make([]complex128, m/2+1),
	}, nil
}

// apply filters row in place.
func (r *rampFilter) apply(row []float64) {
	copy(r.buf, row)
	for i := len(row); i < r.padded; i++ {
		r.buf[i] = 0
	}
	r.fft.Coefficients(r.coeff, r.buf)
	for k := range r.coeff {
		r.coeff[k] *= complex(r.response[k], 0)
	}
	r.fft.Sequence(r.buf, r.coeff)
	scale := 1 / float64(r.padded)
	for i := range row {
		row[i] = r.buf[i] * scale
	}
}
