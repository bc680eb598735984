// Package controller implements the per-device PID feedback controller that
// turns a temperature reading into a fan command correction.
package controller

import (
	"math"
	"time"
)

// Config is immutable once a PID is built from it.
type Config struct {
	Kp       float64
	Ki       float64
	Kd       float64
	Setpoint float64
	// IntegralLimit bounds the integral accumulator to [-IntegralLimit,
	// IntegralLimit]. Zero leaves it unbounded.
	IntegralLimit float64
}

// State is a read-only view of the controller memory.
type State struct {
	Integral    float64
	PrevError   float64
	PrevTime    time.Time
	Initialized bool
}

// PID is not safe for concurrent use; every device owns exactly one.
type PID struct {
	cfg   Config
	state State
}

func New(cfg Config) *PID {
	return &PID{cfg: cfg}
}

// NewBank builds one independent controller per entry, indexed like cfgs.
func NewBank(cfgs []Config) []*PID {
	bank := make([]*PID, len(cfgs))
	for i, cfg := range cfgs {
		bank[i] = New(cfg)
	}

	return bank
}

// Update feeds one measurement taken at now and returns the correction
// Kp*e + Ki*integral + Kd*de/dt with e = measurement - setpoint.
//
// The first call only establishes the baseline: no integral or derivative
// contribution. A non-positive dt skips both terms for that call.
func (p *PID) Update(measurement float64, now time.Time) float64 {
	e := measurement - p.cfg.Setpoint
	proportional := p.cfg.Kp * e

	if !p.state.Initialized {
		p.state.Initialized = true
		p.state.PrevError = e
		p.state.PrevTime = now

		return proportional + p.cfg.Ki*p.state.Integral
	}

	dt := now.Sub(p.state.PrevTime).Seconds()
	if dt <= 0 {
		p.state.PrevError = e

		return proportional
	}

	p.state.Integral = p.clampIntegral(p.state.Integral + e*dt)
	derivative := (e - p.state.PrevError) / dt

	p.state.PrevError = e
	p.state.PrevTime = now

	return proportional + p.cfg.Ki*p.state.Integral + p.cfg.Kd*derivative
}

func (p *PID) clampIntegral(v float64) float64 {
	limit := p.cfg.IntegralLimit
	if limit <= 0 {
		return v
	}

	return math.Max(-limit, math.Min(limit, v))
}

func (p *PID) Config() Config {
	return p.cfg
}

func (p *PID) State() State {
	return p.state
}
