// Package traceplot renders recorded estimates as PNG charts.
package traceplot

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/units"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("no estimates to plot")

// Options control the rendered chart.
type Options struct {
	Title string
	// Unit is the velocity unit, one of the units package names.
	Unit   string
	Width  vg.Length
	Height vg.Length
}

func (o Options) withDefaults() Options {
	if !units.IsValid(o.Unit) {
		o.Unit = units.RPM
	}
	if o.Width <= 0 {
		o.Width = 14 * vg.Inch
	}
	if o.Height <= 0 {
		o.Height = 8 * vg.Inch
	}
	return o
}

var (
	velocityColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	angleColor    = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	stallColor    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// Render writes a PNG with velocity over time on top and wrapped angle
// below. No-signal estimates are marked on the velocity panel.
func Render(w io.Writer, est []sink.Estimate, o Options) error {
	if len(est) == 0 {
		return ErrNoData
	}
	o = o.withDefaults()

	t0 := est[0].Time
	vel := make(plotter.XYs, 0, len(est))
	ang := make(plotter.XYs, 0, len(est))
	var stalls plotter.XYs
	for _, e := range est {
		x := e.Time.Sub(t0).Seconds()
		v := units.ConvertVelocity(e.Velocity, o.Unit)
		if e.Status == sink.StatusNoSignal {
			stalls = append(stalls, plotter.XY{X: x, Y: v})
			continue
		}
		vel = append(vel, plotter.XY{X: x, Y: v})
		ang = append(ang, plotter.XY{X: x, Y: units.Degrees(units.WrapAngle(e.Angle))})
	}

	pVel := plot.New()
	pVel.Title.Text = o.Title
	pVel.X.Label.Text = "t (s)"
	pVel.Y.Label.Text = "velocity (" + o.Unit + ")"
	pVel.Add(plotter.NewGrid())

	pAng := plot.New()
	pAng.X.Label.Text = "t (s)"
	pAng.Y.Label.Text = "angle (deg)"
	pAng.Y.Min, pAng.Y.Max = 0, 360
	pAng.Add(plotter.NewGrid())

	if len(vel) > 0 {
		line, err := plotter.NewLine(vel)
		if err != nil {
			return err
		}
		line.Color = velocityColor
		line.Width = vg.Points(1)
		pVel.Add(line)
		pVel.Legend.Add("velocity", line)

		pts, err := plotter.NewScatter(ang)
		if err != nil {
			return err
		}
		pts.Color = angleColor
		pts.Radius = vg.Points(1)
		pAng.Add(pts)
	}
	if len(stalls) > 0 {
		pts, err := plotter.NewScatter(stalls)
		if err != nil {
			return err
		}
		pts.Color = stallColor
		pts.Shape = draw.CrossGlyph{}
		pts.Radius = vg.Points(4)
		pVel.Add(pts)
		pVel.Legend.Add("no signal", pts)
	}
	pVel.Legend.Top = true
	pVel.Legend.Left = false
	pVel.Legend.XOffs = -10
	pVel.Legend.YOffs = -10

	img := vgimg.New(o.Width, o.Height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Points(8), PadTop: vg.Points(4), PadBottom: vg.Points(4), PadLeft: vg.Points(4), PadRight: vg.Points(4)}
	canvases := plot.Align([][]*plot.Plot{{pVel}, {pAng}}, tiles, dc)
	pVel.Draw(canvases[0][0])
	pAng.Draw(canvases[1][0])

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}

// Save renders est to a PNG file at path.
func Save(path string, est []sink.Estimate, o Options) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Render(f, est, o); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
