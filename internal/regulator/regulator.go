// Package regulator owns the shared per-device fan command state and turns
// controller corrections into clamped, hysteresis-filtered commands.
package regulator

import (
	"sync"

	"codeberg.org/mutker/gpufan/internal/errors"
)

const MaxCommand = 100.0

type Config struct {
	// FanSpeedMin is the lowest command the regulator produces while active.
	FanSpeedMin float64
	// Scale converts a controller correction into command units.
	Scale float64
	// Epsilon is the band above FanSpeedMin reported as off.
	Epsilon float64
	// Initial seeds Raw and Adjusted of every device.
	Initial float64
	// Gate keeps a device untouched while it is below its setpoint and has
	// never been driven above zero.
	Gate bool
	// Setpoints holds the target temperature per device; its length fixes
	// the device count.
	Setpoints []float64
}

// State is the command pair of one device.
type State struct {
	Raw      float64 `json:"raw"`
	Adjusted float64 `json:"adjusted"`
}

// Regulator is safe for concurrent use. Apply is the only mutator.
type Regulator struct {
	cfg    Config
	mu     sync.RWMutex
	states []State
}

func New(cfg Config) (*Regulator, error) {
	errFactory := errors.New()

	if len(cfg.Setpoints) == 0 {
		return nil, errFactory.WithData(ErrInvalidConfig, "no devices")
	}
	if cfg.Scale <= 0 || cfg.FanSpeedMin < 0 || cfg.FanSpeedMin >= MaxCommand || cfg.Epsilon < 0 {
		return nil, errFactory.WithData(ErrInvalidConfig, cfg)
	}

	setpoints := make([]float64, len(cfg.Setpoints))
	copy(setpoints, cfg.Setpoints)
	cfg.Setpoints = setpoints

	states := make([]State, len(setpoints))
	for i := range states {
		states[i] = State{Raw: cfg.Initial, Adjusted: cfg.Initial}
	}

	return &Regulator{cfg: cfg, states: states}, nil
}

// Apply folds one correction into the command of device and returns the
// resulting state. applied is false when the activation gate left the device
// untouched.
func (r *Regulator) Apply(device int, measurement, correction float64) (state State, applied bool, err error) {
	if device < 0 || device >= len(r.states) {
		return State{}, false, errors.New().WithData(ErrInvalidDevice, device)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.states[device]
	if r.cfg.Gate && measurement < r.cfg.Setpoints[device] && cur.Raw <= 0 {
		return cur, false, nil
	}

	// Subtraction is intentional: a positive correction lowers the command.
	raw := clamp(cur.Raw-r.cfg.Scale*correction, r.cfg.FanSpeedMin, MaxCommand)
	next := State{Raw: raw, Adjusted: r.adjust(raw)}
	r.states[device] = next

	return next, true, nil
}

func (r *Regulator) adjust(raw float64) float64 {
	if raw < r.cfg.FanSpeedMin+r.cfg.Epsilon {
		return 0
	}

	return raw
}

// Snapshot copies every device state under a single lock.
func (r *Regulator) Snapshot() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]State, len(r.states))
	copy(out, r.states)

	return out
}

// Adjusted copies the adjusted command of every device.
func (r *Regulator) Adjusted() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]float64, len(r.states))
	for i, s := range r.states {
		out[i] = s.Adjusted
	}

	return out
}

func (r *Regulator) Devices() int {
	return len(r.states)
}

func (r *Regulator) Config() Config {
	cfg := r.cfg
	cfg.Setpoints = append([]float64(nil), r.cfg.Setpoints...)

	return cfg
}

func clamp(value, minValue, maxValue float64) float64 {
	if value < minValue {
		return minValue
	}

	if value > maxValue {
		return maxValue
	}

	return value
}
