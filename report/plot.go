package report

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotConvergence draws the residual and error norms per cycle on a log
// scale and saves the figure; the format follows the file extension.
func PlotConvergence(h History, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s %s, %d levels, %d sweeps (%s)", h.Operator, h.Mesh, h.Levels, h.Sweeps, h.Backend)
	p.X.Label.Text = "cycle"
	p.Y.Label.Text = "norm"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())

	errs, res := points(h.Samples)
	if len(errs) == 0 && len(res) == 0 {
		return fmt.Errorf("report: no positive norms to plot")
	}
	var lines []any
	if len(res) > 0 {
		lines = append(lines, "residual ("+h.Norm+")", res)
	}
	if len(errs) > 0 {
		lines = append(lines, "error", errs)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("report: save plot %s: %w", path, err)
	}
	return nil
}

// points keeps the samples a log axis can show.
func points(samples []Sample) (errs, res plotter.XYs) {
	ok := func(v Float) bool { return v > 0 && !math.IsInf(float64(v), 0) }
	for _, s := range samples {
		if ok(s.Error) {
			errs = append(errs, plotter.XY{X: float64(s.Cycle), Y: float64(s.Error)})
		}
		if ok(s.Residual) {
			res = append(res, plotter.XY{X: float64(s.Cycle), Y: float64(s.Residual)})
		}
	}
	return errs, res
}
