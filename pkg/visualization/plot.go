package visualization

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Evaluation is one scored candidate of a center search.
type Evaluation struct {
	Center float64
	Cost   float64
}

// PlotCenterSearch draws cost against candidate center and saves it to
// filename. The format follows the file extension.
func PlotCenterSearch(evals []Evaluation, filename string) error {
	if len(evals) == 0 {
		return fmt.Errorf("no evaluations to plot")
	}

	sorted := make([]Evaluation, len(evals))
	copy(sorted, evals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Center < sorted[j].Center })

	pts := make(plotter.XYs, 0, len(sorted))
	best := sorted[0]
	for _, e := range sorted {
		pts = append(pts, plotter.XY{X: e.Center, Y: e.Cost})
		if e.Cost < best.Cost {
			best = e
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Center search (best %.2f)", best.Center)
	p.X.Label.Text = "Center (pixels)"
	p.Y.Label.Text = "Cost"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to build line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)

	marks, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("failed to build scatter: %w", err)
	}
	marks.Radius = vg.Points(2)
	p.Add(marks, plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
