package config

import "time"

// Config is the fully resolved gpufan configuration. Values are immutable
// after Load returns.
type Config struct {
	// Devices is the number of GPUs under regulation, fixed for the process lifetime.
	Devices  int    `mapstructure:"devices"`
	LogLevel string `mapstructure:"log_level"`
	// Listen is the address of the HTTP surface; empty disables it.
	Listen string `mapstructure:"listen"`
	// Actuate drives the fans with the adjusted command. When false gpufan
	// only computes and records commands.
	Actuate bool   `mapstructure:"actuate"`
	PIDDir  string `mapstructure:"pid_dir"`

	PID       PIDConfig       `mapstructure:"pid"`
	Regulator RegulatorConfig `mapstructure:"regulator"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	History   HistoryConfig   `mapstructure:"history"`
	Plot      PlotConfig      `mapstructure:"plot"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// PIDConfig holds the gains shared by every device and optional per-device
// overrides keyed by device index ("0", "1", ...).
type PIDConfig struct {
	Kp            float64                   `mapstructure:"kp"`
	Ki            float64                   `mapstructure:"ki"`
	Kd            float64                   `mapstructure:"kd"`
	Setpoint      float64                   `mapstructure:"setpoint"`
	IntegralLimit float64                   `mapstructure:"integral_limit"`
	Device        map[string]DeviceOverride `mapstructure:"device"`
}

type DeviceOverride struct {
	Kp       *float64 `mapstructure:"kp"`
	Ki       *float64 `mapstructure:"ki"`
	Kd       *float64 `mapstructure:"kd"`
	Setpoint *float64 `mapstructure:"setpoint"`
}

type RegulatorConfig struct {
	FanSpeedMin float64 `mapstructure:"fan_speed_min"`
	Scale       float64 `mapstructure:"scale"`
	Epsilon     float64 `mapstructure:"epsilon"`
	Initial     float64 `mapstructure:"initial"`
	Gate        bool    `mapstructure:"gate"`
}

type TelemetryConfig struct {
	Source   string        `mapstructure:"source"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Fallback string        `mapstructure:"fallback"`
}

type RecorderConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type HistoryConfig struct {
	File string `mapstructure:"file"`
}

type PlotConfig struct {
	Window int    `mapstructure:"window"`
	File   string `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DBPath       string `mapstructure:"db_path"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout int    `mapstructure:"batch_timeout"`
}

// Gains is the resolved controller configuration of one device.
type Gains struct {
	Kp, Ki, Kd, Setpoint, IntegralLimit float64
}

// DeviceGains resolves the gains of device i, applying its override if any.
func (c *Config) DeviceGains(i int) Gains {
	g := Gains{
		Kp:            c.PID.Kp,
		Ki:            c.PID.Ki,
		Kd:            c.PID.Kd,
		Setpoint:      c.PID.Setpoint,
		IntegralLimit: c.PID.IntegralLimit,
	}

	o, ok := c.PID.Device[deviceKey(i)]
	if !ok {
		return g
	}
	if o.Kp != nil {
		g.Kp = *o.Kp
	}
	if o.Ki != nil {
		g.Ki = *o.Ki
	}
	if o.Kd != nil {
		g.Kd = *o.Kd
	}
	if o.Setpoint != nil {
		g.Setpoint = *o.Setpoint
	}

	return g
}

// Setpoints returns the target temperature of every device, indexed by device.
func (c *Config) Setpoints() []float64 {
	out := make([]float64, c.Devices)
	for i := range out {
		out[i] = c.DeviceGains(i).Setpoint
	}

	return out
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// Telemetry source and fallback names.
const (
	SourceNVML = "nvml"
	SourceSMI  = "smi"

	FallbackLastKnown = "last_known"
	FallbackZero      = "zero"
)
