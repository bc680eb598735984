// Package tick runs one control iteration on demand: sample, correct,
// regulate and optionally actuate every device.
package tick

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/gpufan/internal/controller"
	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/logger"
	"codeberg.org/mutker/gpufan/internal/metrics"
	"codeberg.org/mutker/gpufan/internal/regulator"
	"codeberg.org/mutker/gpufan/internal/telemetry"
)

type Sampler interface {
	Sample(ctx context.Context) (telemetry.Sample, error)
}

// Actuator drives the fans of one device to command, in percent. A command
// of 0 returns the device to driver control.
type Actuator interface {
	Apply(ctx context.Context, device int, command float64) error
}

// DeviceResult is the outcome of one tick for one device.
type DeviceResult struct {
	Temperature     float64
	Correction      float64
	Raw             float64
	Adjusted        float64
	Applied         bool
	TelemetryFailed bool
}

type Result struct {
	Timestamp time.Time
	Devices   []DeviceResult
	// Diagnostics lists the non-fatal faults seen during the tick.
	Diagnostics []error
}

type Handler struct {
	mu          sync.Mutex
	sampler     Sampler
	controllers []*controller.PID
	reg         *regulator.Regulator
	actuator    Actuator
	metrics     metrics.Collector
	now         func() time.Time
}

type Option func(*Handler)

func WithActuator(a Actuator) Option {
	return func(h *Handler) {
		h.actuator = a
	}
}

func WithMetrics(c metrics.Collector) Option {
	return func(h *Handler) {
		h.metrics = c
	}
}

// WithClock replaces time.Now as the controller time base.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

func New(sampler Sampler, controllers []*controller.PID, reg *regulator.Regulator, opts ...Option) (*Handler, error) {
	if len(controllers) != reg.Devices() {
		return nil, errors.New().WithData(errors.ErrInvalidDevices, fmt.Sprintf(
			"%d controllers for %d regulated devices", len(controllers), reg.Devices()))
	}

	h := &Handler{
		sampler:     sampler,
		controllers: controllers,
		reg:         reg,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Tick runs one control iteration. It never fails: every fault, including a
// panic, is logged and reported in Result.Diagnostics, and the result always
// holds one entry per device.
func (h *Handler) Tick(ctx context.Context) (res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	res = Result{Timestamp: now, Devices: make([]DeviceResult, len(h.controllers))}

	defer func() {
		if p := recover(); p != nil {
			err := errors.New().WithData(errors.ErrControlTick, fmt.Sprint(p))
			logger.ErrorWithCode(err).Msg("Control tick aborted")
			res.Diagnostics = append(res.Diagnostics, err)
			h.fillFromState(res.Devices)
		}
	}()

	sample, err := h.sampler.Sample(ctx)
	if err != nil {
		logger.WarnWithCode(errors.From(err)).Msg("Telemetry degraded, regulating on fallback values")
		res.Diagnostics = append(res.Diagnostics, err)
	}

	for i, pid := range h.controllers {
		temp := sample.Temperatures[i]
		correction := pid.Update(temp, now)

		state, applied, err := h.reg.Apply(i, temp, correction)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, err)
			continue
		}

		res.Devices[i] = DeviceResult{
			Temperature:     temp,
			Correction:      correction,
			Raw:             state.Raw,
			Adjusted:        state.Adjusted,
			Applied:         applied,
			TelemetryFailed: sample.Failed[i],
		}
	}

	if h.actuator != nil {
		for i, d := range res.Devices {
			if err := h.actuator.Apply(ctx, i, d.Adjusted); err != nil {
				logger.ErrorWithCode(errors.From(err)).Int("device", i).Msg("Failed to apply fan command")
				res.Diagnostics = append(res.Diagnostics, err)
			}
		}
	}

	if h.metrics != nil {
		if err := h.metrics.Record(ctx, snapshot(res)); err != nil {
			logger.WarnWithCode(errors.From(err)).Msg("Failed to record tick metrics")
			res.Diagnostics = append(res.Diagnostics, err)
		}
	}

	logger.Debug().
		Int("devices", len(res.Devices)).
		Int("diagnostics", len(res.Diagnostics)).
		Msg("Control tick completed")

	return res
}

// fillFromState reports the regulator state for devices the tick did not
// reach.
func (h *Handler) fillFromState(devices []DeviceResult) {
	for i, s := range h.reg.Snapshot() {
		if i < len(devices) && devices[i] == (DeviceResult{}) {
			devices[i].Raw = s.Raw
			devices[i].Adjusted = s.Adjusted
		}
	}
}

func snapshot(res Result) *metrics.Snapshot {
	s := &metrics.Snapshot{
		Timestamp: res.Timestamp,
		Devices:   make([]metrics.DeviceMetrics, len(res.Devices)),
	}
	for i, d := range res.Devices {
		s.Devices[i] = metrics.DeviceMetrics{
			Device:          i,
			Temperature:     d.Temperature,
			Correction:      d.Correction,
			Raw:             d.Raw,
			Adjusted:        d.Adjusted,
			Applied:         d.Applied,
			TelemetryFailed: d.TelemetryFailed,
		}
	}

	return s
}
