// Package recorder runs the telemetry logger: a self-scheduled loop that
// samples temperatures, reads the regulated commands and appends one record
// to the history log per interval.
package recorder

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/history"
	"codeberg.org/mutker/gpufan/internal/logger"
	"codeberg.org/mutker/gpufan/internal/telemetry"
)

// Sampler provides one complete temperature sample per call.
type Sampler interface {
	Sample(ctx context.Context) (telemetry.Sample, error)
}

// Commands provides a consistent copy of the adjusted command per device.
type Commands interface {
	Adjusted() []float64
}

// Appender persists one record.
type Appender interface {
	Append(rec history.Record) error
}

type Recorder struct {
	sampler  Sampler
	commands Commands
	log      Appender
	interval time.Duration
	now      func() time.Time
}

type Option func(*Recorder)

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

func New(sampler Sampler, commands Commands, log Appender, interval time.Duration, opts ...Option) (*Recorder, error) {
	if interval <= 0 {
		return nil, errors.New().WithData(errors.ErrInvalidInterval, interval.String())
	}

	r := &Recorder{
		sampler:  sampler,
		commands: commands,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Run records one entry immediately and then one per interval until ctx is
// done. A failed tick is logged and never stops the loop.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", r.interval).Msg("Telemetry recorder started")
	r.record(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Telemetry recorder stopped")
			return nil
		case <-ticker.C:
			r.record(ctx)
		}
	}
}

func (r *Recorder) record(ctx context.Context) {
	if err := r.Tick(ctx); err != nil {
		logger.ErrorWithCode(errors.From(err)).Msg("Telemetry record skipped")
	}
}

// Tick samples, builds and appends a single record. The returned error is
// the append failure, if any; sampling diagnostics are logged and the record
// is written with fallback values.
func (r *Recorder) Tick(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New().WithData(errors.ErrRecordTick, fmt.Sprint(p))
		}
	}()

	sample, sampleErr := r.sampler.Sample(ctx)
	if sampleErr != nil {
		logger.WarnWithCode(errors.From(sampleErr)).Msg("Telemetry degraded, recording fallback values")
	}

	commands := r.commands.Adjusted()
	rec := history.NewRecord(r.now(), sample.Temperatures, commands)

	if err := r.log.Append(rec); err != nil {
		return err
	}

	logger.Debug().
		Str("timestamp", rec.Timestamp).
		Ints("temperatures", rec.Temperatures).
		Floats64("commands", rec.Commands).
		Msg("Telemetry recorded")

	return nil
}
