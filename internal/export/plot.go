package export

import (
	"fmt"
	"image"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/gazemap/internal/fsutil"
)

// RefPlotName is the file name of the reference gaze scatter plot.
const RefPlotName = "ref_gaze_plot.png"

// PlotRefGaze renders the reference-image gaze points as a PNG scatter plot
// with the y axis pointing down, matching image coordinates. Points outside
// the reference image are left out.
func PlotRefGaze(fsys fsutil.FileSystem, path string, refSize image.Point, rows []Row) error {
	if refSize.X <= 0 || refSize.Y <= 0 {
		return fmt.Errorf("plot %s: invalid reference size %v", path, refSize)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Reference gaze (%d samples)", len(rows))
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	p.X.Min, p.X.Max = 0, float64(refSize.X)
	p.Y.Min, p.Y.Max = 0, float64(refSize.Y)
	p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, 0, len(rows))
	for _, r := range rows {
		if r.RefX < 0 || r.RefY < 0 || r.RefX >= refSize.X || r.RefY >= refSize.Y {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(r.RefX), Y: float64(r.RefY)})
	}
	if len(pts) > 0 {
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("plot %s: %w", path, err)
		}
		sc.GlyphStyle.Color = color.RGBA{R: 86, G: 231, B: 168, A: 255}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(2)
		p.Add(sc)
	}

	// keep the plot's aspect close to the image's
	width := 8 * vg.Inch
	height := width * vg.Length(refSize.Y) / vg.Length(refSize.X)
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("plot %s: %w", path, err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	diagf("plotted %d of %d reference gaze points to %s", len(pts), len(rows), path)
	return nil
}
