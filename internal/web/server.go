// Package web exposes the control loop over HTTP: on-demand control ticks,
// the history plot and a status document.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/logger"
	"codeberg.org/mutker/gpufan/internal/metrics"
	"codeberg.org/mutker/gpufan/internal/plot"
	"codeberg.org/mutker/gpufan/internal/regulator"
	"codeberg.org/mutker/gpufan/internal/tick"
)

const (
	noDataText = "No temperature data available."

	defaultMetricsLimit = 50
	maxMetricsLimit     = 1000
)

type Ticker interface {
	Tick(ctx context.Context) tick.Result
}

type Plotter interface {
	RenderToFile(window int, path string) (plot.Result, error)
}

type CommandState interface {
	Snapshot() []regulator.State
}

type MetricsReader interface {
	Recent(limit int) ([]metrics.Row, error)
}

// Options is the static part of the status document and the plot settings.
type Options struct {
	PlotWindow int
	PlotFile   string
	Setpoints  []float64
	Source     string
	Actuate    bool
	// Metrics serves /api/metrics when set.
	Metrics MetricsReader
}

// FanControlResponse is the /fan_control document, one entry per device in
// every slice.
type FanControlResponse struct {
	GPUTemps                 []float64 `json:"gpu_temps"`
	FanSpeed                 []float64 `json:"fan_speed"`
	FanSpeedBeforeAdjustment []float64 `json:"fan_speed_before_adjustment"`
	FanSpeedDelta            []float64 `json:"fan_speed_delta"`
	Applied                  []bool    `json:"applied"`
	TelemetryFailed          []bool    `json:"telemetry_failed"`
	Diagnostics              []string  `json:"diagnostics,omitempty"`
}

// MetricsRow is one stored device entry of a control tick.
type MetricsRow struct {
	Time            time.Time `json:"time"`
	Device          int       `json:"device"`
	Temperature     float64   `json:"temperature"`
	Correction      float64   `json:"correction"`
	Raw             float64   `json:"raw"`
	Adjusted        float64   `json:"adjusted"`
	Applied         bool      `json:"applied"`
	TelemetryFailed bool      `json:"telemetry_failed"`
}

type StatusResponse struct {
	Service   string            `json:"service"`
	Time      time.Time         `json:"time"`
	Devices   int               `json:"devices"`
	Setpoints []float64         `json:"setpoints"`
	Source    string            `json:"source"`
	Actuate   bool              `json:"actuate"`
	Commands  []regulator.State `json:"commands"`
}

func Handler(ticker Ticker, plotter Plotter, state CommandState, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/fan_control", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, fanControlResponse(ticker.Tick(r.Context())))
	})

	mux.HandleFunc("/plot", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}

		res, err := plotter.RenderToFile(opts.PlotWindow, opts.PlotFile)
		switch {
		case err != nil && errors.HasCode(err, plot.ErrWriteFailed) && len(res.Image) > 0:
			logger.WarnWithCode(errors.From(err)).Str("path", opts.PlotFile).Msg("Failed to save plot file")
		case err != nil:
			logger.ErrorWithCode(errors.From(err)).Msg("Failed to render plot")
			http.Error(w, "plot rendering failed", http.StatusInternalServerError)
			return
		}
		if res.NoData {
			logger.Debug().Str("code", string(plot.ErrNoData)).Msg("No telemetry to plot")
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(noDataText))
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(res.Image)
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, StatusResponse{
			Service:   "gpufan",
			Time:      time.Now().UTC(),
			Devices:   len(opts.Setpoints),
			Setpoints: opts.Setpoints,
			Source:    opts.Source,
			Actuate:   opts.Actuate,
			Commands:  state.Snapshot(),
		})
	})

	if opts.Metrics != nil {
		mux.HandleFunc("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
			if !allowGet(w, r) {
				return
			}

			limit, ok := parseLimit(r.URL.Query().Get("limit"))
			if !ok {
				http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
				return
			}

			rows, err := opts.Metrics.Recent(limit)
			if err != nil {
				logger.ErrorWithCode(errors.From(err)).Msg("Failed to read metrics")
				http.Error(w, "metrics unavailable", http.StatusInternalServerError)
				return
			}
			writeJSON(w, metricsRows(rows))
		})
	}

	return mux
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info().Str("listen", listenAddr).Msg("HTTP server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.New().Wrap(errors.ErrShutdownFailed, err)
		}
		logger.Info().Msg("HTTP server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New().Wrap(errors.ErrUnavailable, err)
	}
}

func fanControlResponse(res tick.Result) FanControlResponse {
	n := len(res.Devices)
	out := FanControlResponse{
		GPUTemps:                 make([]float64, n),
		FanSpeed:                 make([]float64, n),
		FanSpeedBeforeAdjustment: make([]float64, n),
		FanSpeedDelta:            make([]float64, n),
		Applied:                  make([]bool, n),
		TelemetryFailed:          make([]bool, n),
	}
	for i, d := range res.Devices {
		out.GPUTemps[i] = d.Temperature
		out.FanSpeed[i] = d.Adjusted
		out.FanSpeedBeforeAdjustment[i] = d.Raw
		out.FanSpeedDelta[i] = d.Correction
		out.Applied[i] = d.Applied
		out.TelemetryFailed[i] = d.TelemetryFailed
	}
	for _, err := range res.Diagnostics {
		out.Diagnostics = append(out.Diagnostics, err.Error())
	}

	return out
}

func metricsRows(rows []metrics.Row) []MetricsRow {
	out := make([]MetricsRow, len(rows))
	for i, row := range rows {
		out[i] = MetricsRow{
			Time:            row.Timestamp.UTC(),
			Device:          row.Device,
			Temperature:     row.Temperature,
			Correction:      row.Correction,
			Raw:             row.Raw,
			Adjusted:        row.Adjusted,
			Applied:         row.Applied,
			TelemetryFailed: row.TelemetryFailed,
		}
	}

	return out
}

func parseLimit(v string) (int, bool) {
	if v == "" {
		return defaultMetricsLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxMetricsLimit {
		return 0, false
	}

	return n, true
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
