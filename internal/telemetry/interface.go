// Package telemetry reads per-device GPU temperatures through a Source and
// hardens every read with a timeout, shape checks and per-device fallback.
package telemetry

import "context"

// Source returns one Reading per device, ordered by device index. A
// whole-read failure is reported through the error; a single device failing
// is reported through its Reading.
type Source interface {
	Read(ctx context.Context) ([]Reading, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]Reading, error)

func (f SourceFunc) Read(ctx context.Context) ([]Reading, error) {
	return f(ctx)
}

type Reading struct {
	Temperature float64
	Err         error
}

// Sample always carries exactly one temperature per configured device.
// Failed marks the devices whose value is a fallback.
type Sample struct {
	Temperatures []float64
	Failed       []bool
}

// Degraded reports whether any device fell back.
func (s Sample) Degraded() bool {
	for _, f := range s.Failed {
		if f {
			return true
		}
	}

	return false
}
