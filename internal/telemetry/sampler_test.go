package telemetry_test

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(readings ...telemetry.Reading) telemetry.Source {
	return telemetry.SourceFunc(func(context.Context) ([]telemetry.Reading, error) {
		return readings, nil
	})
}

func temps(values ...float64) []telemetry.Reading {
	out := make([]telemetry.Reading, len(values))
	for i, v := range values {
		out[i] = telemetry.Reading{Temperature: v}
	}

	return out
}

func newSampler(t *testing.T, src telemetry.Source, fallback telemetry.Fallback) *telemetry.Sampler {
	t.Helper()

	cfg := telemetry.DefaultConfig(2)
	cfg.Fallback = fallback
	cfg.Timeout = 50 * time.Millisecond

	s, err := telemetry.NewSampler(src, cfg)
	require.NoError(t, err)

	return s
}

func TestSampleOK(t *testing.T) {
	s := newSampler(t, fixed(temps(48, 61)...), telemetry.FallbackLastKnown)

	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{48, 61}, sample.Temperatures)
	assert.Equal(t, []bool{false, false}, sample.Failed)
	assert.False(t, sample.Degraded())
}

func TestShortReadFallsBack(t *testing.T) {
	calls := 0
	src := telemetry.SourceFunc(func(context.Context) ([]telemetry.Reading, error) {
		calls++
		if calls == 1 {
			return temps(55, 66), nil
		}

		return temps(57), nil
	})
	s := newSampler(t, src, telemetry.FallbackLastKnown)

	_, err := s.Sample(context.Background())
	require.NoError(t, err)

	sample, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrMalformed))
	assert.Equal(t, []float64{57, 66}, sample.Temperatures)
	assert.Equal(t, []bool{false, true}, sample.Failed)
	assert.True(t, sample.Degraded())
}

func TestShortReadZeroFallback(t *testing.T) {
	s := newSampler(t, fixed(temps(57)...), telemetry.FallbackZero)

	sample, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.Equal(t, []float64{57, 0}, sample.Temperatures)
}

func TestLongReadIsTruncated(t *testing.T) {
	s := newSampler(t, fixed(temps(40, 41, 42)...), telemetry.FallbackLastKnown)

	sample, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrMalformed))
	assert.Equal(t, []float64{40, 41}, sample.Temperatures)
	assert.Equal(t, []bool{false, false}, sample.Failed)
}

func TestPerDeviceErrorIsUnavailable(t *testing.T) {
	s := newSampler(t, fixed(
		telemetry.Reading{Temperature: 50},
		telemetry.Reading{Err: fmt.Errorf("gpu lost")},
	), telemetry.FallbackLastKnown)

	sample, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrUnavailable))
	assert.Equal(t, []bool{false, true}, sample.Failed)
	assert.Equal(t, 0.0, sample.Temperatures[1])
}

func TestImplausibleReadingIsMalformed(t *testing.T) {
	s := newSampler(t, fixed(temps(math.NaN(), 500)...), telemetry.FallbackZero)

	sample, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrMalformed))
	assert.Equal(t, []bool{true, true}, sample.Failed)
	assert.Equal(t, []float64{0, 0}, sample.Temperatures)
}

func TestWholeReadError(t *testing.T) {
	src := telemetry.SourceFunc(func(context.Context) ([]telemetry.Reading, error) {
		return nil, fmt.Errorf("nvml gone")
	})
	s := newSampler(t, src, telemetry.FallbackZero)

	sample, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrUnavailable))
	assert.Equal(t, []bool{true, true}, sample.Failed)
}

func TestHungSourceTimesOut(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	src := telemetry.SourceFunc(func(context.Context) ([]telemetry.Reading, error) {
		<-block
		return temps(1, 2), nil
	})
	s := newSampler(t, src, telemetry.FallbackZero)

	start := time.Now()
	sample, err := s.Sample(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrUnavailable))
	assert.Equal(t, []bool{true, true}, sample.Failed)
}

func TestPanickingSourceIsContained(t *testing.T) {
	src := telemetry.SourceFunc(func(context.Context) ([]telemetry.Reading, error) {
		panic("driver bug")
	})
	s := newSampler(t, src, telemetry.FallbackZero)

	sample, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.Len(t, sample.Temperatures, 2)
}

func TestNewSamplerValidates(t *testing.T) {
	_, err := telemetry.NewSampler(fixed(), telemetry.Config{Devices: 0, Timeout: time.Second, Fallback: telemetry.FallbackZero})
	assert.True(t, errors.HasCode(err, telemetry.ErrInvalidConfig))

	_, err = telemetry.NewSampler(nil, telemetry.DefaultConfig(2))
	assert.True(t, errors.HasCode(err, telemetry.ErrInvalidConfig))
}
