package tomo

const tiny = 1e-12

// weights holds the geometry normalizers shared read-only by every slice.
type weights struct {
	rowSum []float64 // A 1, per (angle, bin)
	colSum []float64 // A^T 1, per pixel
}

func newWeights(p *projector) *weights {
	return &weights{rowSum: p.rowSums(), colSum: p.colSums()}
}

// passFunc performs one refinement pass on x in place.
type passFunc func(p *projector, w *weights, sino, x []float64, relax float64)

// artPass sweeps the angles in order, correcting x after each one
// (angle-sequential algebraic reconstruction).
func artPass(p *projector, w *weights, sino, x []float64, relax float64) {
	row := make([]float64, p.width)
	for a := 0; a < p.angles; a++ {
		for k := range row {
			row[k] = 0
		}
		p.forwardAngle(x, a, row)
		for k := range row {
			rs := w.rowSum[a*p.width+k]
			if rs > tiny {
				row[k] = (sino[a*p.width+k] - row[k]) / rs
			} else {
				row[k] = 0
			}
		}
		p.backAngle(row, a, relax, x, true)
	}
}

// sirtPass applies one simultaneous correction using all angles.
func sirtPass(p *projector, w *weights, sino, x []float64, relax float64) {
	residual := make([]float64, len(sino))
	p.forward(x, residual)
	for i := range residual {
		if w.rowSum[i] > tiny {
			residual[i] = (sino[i] - residual[i]) / w.rowSum[i]
		} else {
			residual[i] = 0
		}
	}
	update := make([]float64, len(x))
	p.back(residual, 1, update)
	for j := range x {
		if w.colSum[j] > tiny {
			x[j] += relax * update[j] / w.colSum[j]
		}
	}
}

// mlemPass applies one multiplicative expectation-maximization update.
// Negative measurements are treated as zero.
func mlemPass(p *projector, w *weights, sino, x []float64, _ float64) {
	ratio := make([]float64, len(sino))
	p.forward(x, ratio)
	for i := range ratio {
		meas := sino[i]
		if meas < 0 {
			meas = 0
		}
		if ratio[i] > tiny {
			ratio[i] = meas / ratio[i]
		} else {
			ratio[i] = 0
		}
	}
	update := make([]float64, len(x))
	p.back(ratio, 1, update)
	for j := range x {
		if w.colSum[j] > tiny {
			x[j] *= update[j] / w.colSum[j]
		}
	}
}
