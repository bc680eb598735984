package telemetry

import (
	"time"

	"codeberg.org/mutker/gpufan/internal/errors"
)

const (
	defaultTimeout = 2 * time.Second

	// Readings outside this range are treated as malformed.
	minPlausible = -40.0
	maxPlausible = 150.0
)

type Fallback string

const (
	FallbackLastKnown Fallback = "last_known"
	FallbackZero      Fallback = "zero"
)

type Config struct {
	Devices  int
	Timeout  time.Duration
	Fallback Fallback
}

func DefaultConfig(devices int) Config {
	return Config{
		Devices:  devices,
		Timeout:  defaultTimeout,
		Fallback: FallbackLastKnown,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Devices < 1 {
		return errFactory.WithData(ErrInvalidConfig, "devices must be at least 1")
	}
	if c.Timeout <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "timeout must be positive")
	}
	switch c.Fallback {
	case FallbackLastKnown, FallbackZero:
	default:
		return errFactory.WithData(ErrInvalidConfig, "unknown fallback "+string(c.Fallback))
	}

	return nil
}
