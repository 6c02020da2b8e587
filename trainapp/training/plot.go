package training

import (
	"fmt"
	"image/color"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	trainColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	valColor   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// SavePlot renders the training curve (accuracy and loss, training vs
// validation) into a single PNG.
func (h *History) SavePlot(path string) error {
	accPlot, err := curvePlot("Model Accuracy", "Accuracy",
		h.Accuracy, h.ValAccuracy)
	if err != nil {
		return err
	}
	lossPlot, err := curvePlot("Model Loss", "Loss",
		h.Loss, h.ValLoss)
	if err != nil {
		return err
	}

	img := vgimg.New(14*vg.Inch, 5*vg.Inch)
	dc := draw.New(img)
	plots := [][]*plot.Plot{{accPlot, lossPlot}}
	canvases := plot.Align(plots, draw.Tiles{Rows: 1, Cols: 2}, dc)
	accPlot.Draw(canvases[0][0])
	lossPlot.Draw(canvases[0][1])

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		return fmt.Errorf("write training plot: %w", err)
	}
	return nil
}

func curvePlot(title, yLabel string, train, val []float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	trainLine, err := plotter.NewLine(epochPoints(train))
	if err != nil {
		return nil, err
	}
	trainLine.Color = trainColor

	valLine, err := plotter.NewLine(epochPoints(val))
	if err != nil {
		return nil, err
	}
	valLine.Color = valColor

	p.Add(trainLine, valLine)
	p.Legend.Add("Training", trainLine)
	p.Legend.Add("Validation", valLine)
	p.Legend.Top = true
	return p, nil
}

func epochPoints(values []float64) plotter.XYs {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	return pts
}
