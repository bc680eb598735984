package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/gpufan/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix     = "GPUFAN"
	envConfigFile = "GPUFAN_CONFIG"
	configName    = "gpufan"

	DefaultDevices       = 2
	DefaultLogLevel      = "info"
	DefaultListen        = ":5000"
	DefaultKp            = 2.0
	DefaultKi            = 0.01
	DefaultKd            = 0.15
	DefaultSetpoint      = 50.0
	DefaultIntegralLimit = 500.0
	DefaultFanSpeedMin   = 40.0
	DefaultScale         = 0.1
	DefaultEpsilon       = 0.5
	DefaultInterval      = 10 * time.Second
	DefaultSourceTimeout = 2 * time.Second
	DefaultHistoryFile   = "gpu_temperatures.csv"
	DefaultPlotFile      = "gpu_temperatures_side_by_side.png"
	DefaultPlotWindow    = 30
	DefaultMetricsDB     = "/var/lib/gpufan/metrics.db"
	DefaultBatchSize     = 10
	DefaultBatchTimeout  = 60

	maxTemperature = 100.0
)

// Load reads configuration from the config file, GPUFAN_* environment
// variables and the command line flags in os.Args, in increasing precedence.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with explicit command line arguments.
func LoadArgs(args []string) (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	configFile := fs.String("config", "", "Path to the configuration file")
	fs.Int("devices", DefaultDevices, "Number of GPUs under regulation")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("listen", DefaultListen, "HTTP listen address, empty to disable")
	fs.Bool("actuate", false, "Drive the fans with the regulated command")
	fs.Float64("setpoint", DefaultSetpoint, "Target temperature in Celsius for every device")
	fs.Duration("interval", DefaultInterval, "Interval between telemetry log records")
	fs.String("source", SourceNVML, "Telemetry source (nvml, smi)")
	fs.String("history-file", DefaultHistoryFile, "Path of the telemetry log")
	fs.Bool("metrics", false, "Record every control tick in the metrics database")

	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	bindings := map[string]string{
		"devices":           "devices",
		"log_level":         "log-level",
		"listen":            "listen",
		"actuate":           "actuate",
		"pid.setpoint":      "setpoint",
		"recorder.interval": "interval",
		"telemetry.source":  "source",
		"history.file":      "history-file",
		"metrics.enabled":   "metrics",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := *configFile
	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}

		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("devices", DefaultDevices)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("actuate", false)
	v.SetDefault("pid_dir", os.TempDir())

	v.SetDefault("pid.kp", DefaultKp)
	v.SetDefault("pid.ki", DefaultKi)
	v.SetDefault("pid.kd", DefaultKd)
	v.SetDefault("pid.setpoint", DefaultSetpoint)
	v.SetDefault("pid.integral_limit", DefaultIntegralLimit)

	v.SetDefault("regulator.fan_speed_min", DefaultFanSpeedMin)
	v.SetDefault("regulator.scale", DefaultScale)
	v.SetDefault("regulator.epsilon", DefaultEpsilon)
	v.SetDefault("regulator.initial", 0.0)
	v.SetDefault("regulator.gate", true)

	v.SetDefault("telemetry.source", SourceNVML)
	v.SetDefault("telemetry.timeout", DefaultSourceTimeout)
	v.SetDefault("telemetry.fallback", FallbackLastKnown)

	v.SetDefault("recorder.interval", DefaultInterval)
	v.SetDefault("history.file", DefaultHistoryFile)
	v.SetDefault("plot.window", DefaultPlotWindow)
	v.SetDefault("plot.file", DefaultPlotFile)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.db_path", DefaultMetricsDB)
	v.SetDefault("metrics.batch_size", DefaultBatchSize)
	v.SetDefault("metrics.batch_timeout", DefaultBatchTimeout)
}

// Validate checks every value that the control loop relies on.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Devices < 1 {
		return errFactory.WithData(errors.ErrInvalidDevices, c.Devices)
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	for key := range c.PID.Device {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= c.Devices {
			return errFactory.WithData(errors.ErrInvalidDevices, fmt.Sprintf("pid.device.%s", key))
		}
	}

	if c.PID.IntegralLimit < 0 {
		return errFactory.WithData(errors.ErrInvalidGains, "integral_limit must not be negative")
	}

	r := c.Regulator
	if r.FanSpeedMin < 0 || r.FanSpeedMin >= maxTemperature {
		return errFactory.WithData(errors.ErrInvalidLimits, "fan_speed_min must be in [0, 100)")
	}
	if r.Scale <= 0 {
		return errFactory.WithData(errors.ErrInvalidLimits, "scale must be positive")
	}
	if r.Epsilon < 0 {
		return errFactory.WithData(errors.ErrInvalidLimits, "epsilon must not be negative")
	}
	if r.Initial != 0 && (r.Initial < r.FanSpeedMin || r.Initial > maxTemperature) {
		return errFactory.WithData(errors.ErrInvalidLimits, "initial must be 0 or in [fan_speed_min, 100]")
	}

	switch c.Telemetry.Source {
	case SourceNVML, SourceSMI:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "telemetry.source: "+c.Telemetry.Source)
	}
	switch c.Telemetry.Fallback {
	case FallbackLastKnown, FallbackZero:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "telemetry.fallback: "+c.Telemetry.Fallback)
	}
	if c.Telemetry.Timeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "telemetry.timeout")
	}

	if c.Recorder.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "recorder.interval")
	}

	if c.History.File == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "history.file is empty")
	}
	if c.Plot.Window < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, "plot.window must be at least 1")
	}

	if c.Metrics.Enabled && c.Metrics.DBPath == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "metrics.db_path is empty")
	}

	return nil
}

func deviceKey(i int) string {
	return strconv.Itoa(i)
}
