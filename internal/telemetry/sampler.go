package telemetry

import (
	"context"
	"fmt"
	"math"
	"sync"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/logger"
)

// Sampler is safe for concurrent use by the control tick and the recorder.
type Sampler struct {
	src Source
	cfg Config

	mu       sync.Mutex
	lastGood []float64
}

// DeviceFault describes why one device fell back.
type DeviceFault struct {
	Device int
	Reason string
}

func NewSampler(src Source, cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New().WithData(ErrInvalidConfig, "nil source")
	}

	return &Sampler{
		src:      src,
		cfg:      cfg,
		lastGood: make([]float64, cfg.Devices),
	}, nil
}

// Sample reads the source within the configured timeout. The returned Sample
// is always complete; the error, when non-nil, is a diagnostic with code
// ErrUnavailable or ErrMalformed listing the devices that fell back.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	readings, readErr := s.read(ctx)

	n := s.cfg.Devices
	sample := Sample{
		Temperatures: make([]float64, n),
		Failed:       make([]bool, n),
	}

	var faults []DeviceFault
	malformed := false

	if readErr == nil && len(readings) != n {
		malformed = true
		logger.Warn().
			Int("expected", n).
			Int("got", len(readings)).
			Msg("Telemetry source returned an unexpected number of readings")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < n; i++ {
		reason := ""
		switch {
		case readErr != nil:
			reason = readErr.Error()
		case i >= len(readings):
			reason = "missing reading"
			malformed = true
		case readings[i].Err != nil:
			reason = readings[i].Err.Error()
		case !plausible(readings[i].Temperature):
			reason = fmt.Sprintf("implausible reading %v", readings[i].Temperature)
			malformed = true
		}

		if reason == "" {
			sample.Temperatures[i] = readings[i].Temperature
			s.lastGood[i] = readings[i].Temperature
			continue
		}

		sample.Failed[i] = true
		sample.Temperatures[i] = s.fallback(i)
		faults = append(faults, DeviceFault{Device: i, Reason: reason})
	}

	if len(faults) == 0 && !malformed {
		return sample, nil
	}

	code := ErrUnavailable
	if malformed {
		code = ErrMalformed
	}

	return sample, errors.New().WithData(code, faults)
}

func (s *Sampler) fallback(device int) float64 {
	if s.cfg.Fallback == FallbackZero {
		return 0
	}

	return s.lastGood[device]
}

// read runs the source in its own goroutine so a source that ignores ctx
// still cannot hold the caller past the timeout.
func (s *Sampler) read(ctx context.Context) ([]Reading, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		readings []Reading
		err      error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errFactory.WithData(ErrSourcePanic, r)}
			}
		}()
		readings, err := s.src.Read(ctx)
		done <- result{readings: readings, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, errFactory.Wrap(ErrUnavailable, res.err)
		}

		return res.readings, nil
	case <-ctx.Done():
		return nil, errFactory.Wrap(ErrReadTimeout, ctx.Err())
	}
}

func plausible(v float64) bool {
	return !math.IsNaN(v) && v >= minPlausible && v <= maxPlausible
}
