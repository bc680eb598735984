// Package plot renders the recent history as one dual-axis panel per device,
// composed side by side into a single PNG.
package plot

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/history"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const (
	DefaultWidth  = 640
	DefaultHeight = 480

	axisMin = 0
	axisMax = 100

	maxLabels = 8
)

// Source returns the last n records of the log in file order.
type Source interface {
	Tail(n int) ([]history.Record, error)
}

type Config struct {
	Width     int
	Height    int
	Setpoints []float64
}

// Result carries either an encoded PNG or NoData when the log holds nothing
// to plot.
type Result struct {
	Image  []byte
	NoData bool
}

type Renderer struct {
	src Source
	cfg Config
}

func NewRenderer(src Source, cfg Config) (*Renderer, error) {
	if len(cfg.Setpoints) == 0 {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "at least one device setpoint is required")
	}
	if cfg.Width == 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height == 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, errors.New().WithData(ErrInvalidConfig, fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
	}

	cfg.Setpoints = append([]float64(nil), cfg.Setpoints...)

	return &Renderer{src: src, cfg: cfg}, nil
}

// Render plots the last window records.
func (r *Renderer) Render(window int) (Result, error) {
	if window <= 0 {
		return Result{}, errors.New().WithData(ErrInvalidConfig, window)
	}

	recs, err := r.src.Tail(window)
	if err != nil {
		return Result{}, errors.New().Wrap(ErrReadFailed, err)
	}

	devices := len(r.cfg.Setpoints)
	recs = matching(recs, devices)
	if len(recs) == 0 {
		return Result{NoData: true}, nil
	}

	canvas := image.NewRGBA(image.Rect(0, 0, r.cfg.Width*devices, r.cfg.Height))
	for device := 0; device < devices; device++ {
		panel, err := r.panel(recs, device)
		if err != nil {
			return Result{}, err
		}

		offset := image.Pt(device*r.cfg.Width, 0)
		draw.Draw(canvas, panel.Bounds().Add(offset), panel, panel.Bounds().Min, draw.Src)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return Result{}, errors.New().Wrap(ErrRenderFailed, err)
	}

	return Result{Image: buf.Bytes()}, nil
}

// RenderToFile renders and replaces the file at path. NoData leaves an
// existing file untouched. When only the write fails the rendered result is
// returned alongside the error.
func (r *Renderer) RenderToFile(window int, path string) (Result, error) {
	res, err := r.Render(window)
	if err != nil || res.NoData {
		return res, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".plot-*.png")
	if err != nil {
		return res, errors.New().Wrap(ErrWriteFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(res.Image); err != nil {
		tmp.Close()
		return res, errors.New().Wrap(ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return res, errors.New().Wrap(ErrWriteFailed, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return res, errors.New().Wrap(ErrWriteFailed, err)
	}

	return res, nil
}

func (r *Renderer) panel(recs []history.Record, device int) (image.Image, error) {
	xs := make([]float64, len(recs))
	temps := make([]float64, len(recs))
	cmds := make([]float64, len(recs))
	for i, rec := range recs {
		xs[i] = float64(i)
		temps[i] = float64(rec.Temperatures[device])
		cmds[i] = rec.Commands[device]
	}

	// A series needs two distinct X values to establish a range.
	if len(xs) == 1 {
		xs = []float64{0, 1}
		temps = []float64{temps[0], temps[0]}
		cmds = []float64{cmds[0], cmds[0]}
	}

	last := xs[len(xs)-1]
	setpoint := r.cfg.Setpoints[device]

	ch := chart.Chart{
		Title:      fmt.Sprintf("GPU %d", device+1),
		Width:      r.cfg.Width,
		Height:     r.cfg.Height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 16, Bottom: 24}},
		XAxis: chart.XAxis{
			Name:      "Time",
			Range:     &chart.ContinuousRange{Min: 0, Max: last},
			Ticks:     timeTicks(recs),
			TickStyle: chart.Style{TextRotationDegrees: 45},
		},
		YAxis: chart.YAxis{
			Name:  "Temperature (°C)",
			Range: &chart.ContinuousRange{Min: axisMin, Max: axisMax},
			Ticks: percentTicks(),
		},
		YAxisSecondary: chart.YAxis{
			Name:  "Fan speed (%)",
			Range: &chart.ContinuousRange{Min: axisMin, Max: axisMax},
			Ticks: percentTicks(),
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "Temperature",
				XValues: xs,
				YValues: temps,
				Style:   chart.Style{StrokeColor: chart.ColorRed, StrokeWidth: 2},
			},
			chart.ContinuousSeries{
				Name:    fmt.Sprintf("Setpoint (%s°C)", formatTick(setpoint)),
				XValues: []float64{0, last},
				YValues: []float64{setpoint, setpoint},
				Style: chart.Style{
					StrokeColor:     drawing.ColorRed.WithAlpha(160),
					StrokeWidth:     1,
					StrokeDashArray: []float64{5, 5},
				},
			},
			chart.ContinuousSeries{
				Name:    "Fan speed",
				YAxis:   chart.YAxisSecondary,
				XValues: xs,
				YValues: cmds,
				Style:   chart.Style{StrokeColor: chart.ColorBlue, StrokeWidth: 2},
			},
		},
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, errors.New().Wrap(ErrRenderFailed, err)
	}

	img, err := png.Decode(&buf)
	if err != nil {
		return nil, errors.New().Wrap(ErrRenderFailed, err)
	}

	return img, nil
}

// matching drops records written for a different device count.
func matching(recs []history.Record, devices int) []history.Record {
	out := recs[:0:0]
	for _, rec := range recs {
		if len(rec.Temperatures) == devices && len(rec.Commands) == devices {
			out = append(out, rec)
		}
	}

	return out
}

func timeTicks(recs []history.Record) []chart.Tick {
	step := 1
	if len(recs) > maxLabels {
		step = (len(recs) + maxLabels - 1) / maxLabels
	}

	ticks := make([]chart.Tick, 0, maxLabels+1)
	for i := 0; i < len(recs); i += step {
		ticks = append(ticks, chart.Tick{Value: float64(i), Label: recs[i].Timestamp})
	}
	if len(recs) == 1 {
		ticks = append(ticks, chart.Tick{Value: 1, Label: ""})
	}

	return ticks
}

func percentTicks() []chart.Tick {
	ticks := make([]chart.Tick, 0, 6)
	for v := axisMin; v <= axisMax; v += 20 {
		ticks = append(ticks, chart.Tick{Value: float64(v), Label: formatTick(float64(v))})
	}

	return ticks
}

func formatTick(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}

	return fmt.Sprintf("%.1f", v)
}
