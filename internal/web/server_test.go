package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/history"
	"codeberg.org/mutker/gpufan/internal/metrics"
	"codeberg.org/mutker/gpufan/internal/plot"
	"codeberg.org/mutker/gpufan/internal/regulator"
	"codeberg.org/mutker/gpufan/internal/tick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct {
	res   tick.Result
	calls int
}

func (f *fakeTicker) Tick(context.Context) tick.Result {
	f.calls++
	return f.res
}

type fakePlotter struct {
	res plot.Result
	err error
}

func (f fakePlotter) RenderToFile(int, string) (plot.Result, error) {
	return f.res, f.err
}

type fakeMetrics struct {
	rows  []metrics.Row
	err   error
	limit int
}

func (f *fakeMetrics) Recent(limit int) ([]metrics.Row, error) {
	f.limit = limit
	return f.rows, f.err
}

type fakeState []regulator.State

func (f fakeState) Snapshot() []regulator.State { return f }

func newServer(t *testing.T, ticker Ticker, plotter Plotter) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(Handler(ticker, plotter, fakeState{{Raw: 40, Adjusted: 0}, {Raw: 62.5, Adjusted: 62.5}}, Options{
		PlotWindow: 30,
		PlotFile:   filepath.Join(t.TempDir(), "plot.png"),
		Setpoints:  []float64{50, 55},
		Source:     "nvml",
	}))
	t.Cleanup(ts.Close)

	return ts
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func TestFanControl(t *testing.T) {
	ticker := &fakeTicker{res: tick.Result{
		Devices: []tick.DeviceResult{
			{Temperature: 60, Correction: 20, Raw: 40, Adjusted: 0, Applied: true},
			{Temperature: 45, Correction: -10, TelemetryFailed: true},
		},
		Diagnostics: []error{fmt.Errorf("device 1 unavailable")},
	}}
	ts := newServer(t, ticker, fakePlotter{})

	resp, body := get(t, ts.URL+"/fan_control")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, ticker.calls)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []any{60.0, 45.0}, got["gpu_temps"])
	assert.Equal(t, []any{0.0, 0.0}, got["fan_speed"])
	assert.Equal(t, []any{40.0, 0.0}, got["fan_speed_before_adjustment"])
	assert.Equal(t, []any{20.0, -10.0}, got["fan_speed_delta"])
	assert.Equal(t, []any{true, false}, got["applied"])
	assert.Equal(t, []any{false, true}, got["telemetry_failed"])
	assert.Equal(t, []any{"device 1 unavailable"}, got["diagnostics"])
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newServer(t, &fakeTicker{}, fakePlotter{})

	resp, err := http.Post(ts.URL+"/fan_control", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodGet, resp.Header.Get("Allow"))
}

func TestPlotNoData(t *testing.T) {
	ts := newServer(t, &fakeTicker{}, fakePlotter{res: plot.Result{NoData: true}})

	resp, body := get(t, ts.URL+"/plot")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "No temperature data available.", string(body))
}

func TestPlotFailure(t *testing.T) {
	ts := newServer(t, &fakeTicker{}, fakePlotter{err: fmt.Errorf("boom")})

	resp, _ := get(t, ts.URL+"/plot")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestPlotServedWhenFileWriteFails(t *testing.T) {
	image := []byte("\x89PNG rendered")
	ts := newServer(t, &fakeTicker{}, fakePlotter{
		res: plot.Result{Image: image},
		err: errors.New().Wrap(plot.ErrWriteFailed, fmt.Errorf("read-only file system")),
	})

	resp, body := get(t, ts.URL+"/plot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, image, body)
}

func TestPlotServesRenderedImage(t *testing.T) {
	log, err := history.Open(filepath.Join(t.TempDir(), "log.csv"))
	require.NoError(t, err)
	require.NoError(t, log.Append(history.NewRecord(time.Now(), []float64{52, 48}, []float64{41.5, 0})))

	renderer, err := plot.NewRenderer(log, plot.Config{Width: 200, Height: 150, Setpoints: []float64{50, 55}})
	require.NoError(t, err)

	ts := newServer(t, &fakeTicker{}, renderer)

	resp, body := get(t, ts.URL+"/plot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "\x89PNG", string(body[:4]))
}

func TestStatus(t *testing.T) {
	ts := newServer(t, &fakeTicker{}, fakePlotter{})

	resp, body := get(t, ts.URL+"/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got StatusResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "gpufan", got.Service)
	assert.Equal(t, 2, got.Devices)
	assert.Equal(t, []float64{50, 55}, got.Setpoints)
	assert.Equal(t, []regulator.State{{Raw: 40, Adjusted: 0}, {Raw: 62.5, Adjusted: 62.5}}, got.Commands)
}

func newMetricsServer(t *testing.T, m MetricsReader) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(Handler(&fakeTicker{}, fakePlotter{}, fakeState{}, Options{Metrics: m}))
	t.Cleanup(ts.Close)

	return ts
}

func TestMetrics(t *testing.T) {
	ts0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &fakeMetrics{rows: []metrics.Row{
		{Timestamp: ts0, DeviceMetrics: metrics.DeviceMetrics{Device: 1, Temperature: 45, TelemetryFailed: true}},
		{Timestamp: ts0, DeviceMetrics: metrics.DeviceMetrics{Device: 0, Temperature: 60, Correction: 20, Raw: 40, Applied: true}},
	}}
	ts := newMetricsServer(t, m)

	resp, body := get(t, ts.URL+"/api/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, defaultMetricsLimit, m.limit)

	var got []MetricsRow
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.True(t, got[0].TelemetryFailed)
	assert.Equal(t, 0, got[1].Device)
	assert.InDelta(t, 40, got[1].Raw, 1e-9)
	assert.True(t, got[1].Time.Equal(ts0))

	resp, _ = get(t, ts.URL+"/api/metrics?limit=5")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, m.limit)
}

func TestMetricsRejectsBadLimit(t *testing.T) {
	ts := newMetricsServer(t, &fakeMetrics{})

	for _, limit := range []string{"0", "-3", "abc", "1001"} {
		resp, _ := get(t, ts.URL+"/api/metrics?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, limit)
	}
}

func TestMetricsFailure(t *testing.T) {
	ts := newMetricsServer(t, &fakeMetrics{err: fmt.Errorf("database is locked")})

	resp, _ := get(t, ts.URL+"/api/metrics")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestMetricsNotServedWithoutReader(t *testing.T) {
	ts := newServer(t, &fakeTicker{}, fakePlotter{})

	resp, _ := get(t, ts.URL+"/api/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, http.NotFoundHandler()) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
