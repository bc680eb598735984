package gpu

import (
	"sync"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/logger"
)

// fans drives every fan of one device to a common speed.
type fans struct {
	device Device
	count  int
	limits FanSpeedLimits
	// target is the last speed written; meaningless while auto is set.
	target FanSpeed
	auto   bool
	mu     sync.RWMutex
	logger logger.Logger
}

func openFans(device Device, log logger.Logger) (*fans, error) {
	errFactory := errors.New()

	count, ret := device.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrFanCountFailed, newNVMLError(ret))
	}
	if count == 0 {
		return nil, errFactory.WithMessage(ErrFanCountFailed, "device reports no fans")
	}

	minSpeed, maxSpeed, ret := device.GetMinMaxFanSpeed()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrGetFanLimitsFailed, newNVMLError(ret))
	}

	current, ret := device.GetFanSpeed_v2(0)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrGetFanSpeedFailed, newNVMLError(ret))
	}

	return &fans{
		device: device,
		count:  count,
		limits: FanSpeedLimits{
			Min:     FanSpeed(minSpeed),
			Max:     FanSpeed(maxSpeed),
			Default: FanSpeed(current),
		},
		auto:   true,
		logger: log,
	}, nil
}

// set writes speed, clamped to the driver limits, to every fan. Writing the
// speed already in effect is skipped.
func (f *fans) set(speed FanSpeed) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	speed = f.limits.Clamp(speed)
	if !f.auto && speed == f.target {
		return nil
	}

	for i := 0; i < f.count; i++ {
		if ret := f.device.SetFanSpeed_v2(i, int(speed)); !IsNVMLSuccess(ret) {
			return errors.New().WithData(ErrSetFanSpeed, struct {
				Fan   int
				Speed FanSpeed
				Error string
			}{
				Fan:   i,
				Speed: speed,
				Error: nvmlError{ret}.Error(),
			})
		}
	}

	f.target = speed
	f.auto = false
	f.logger.Debug().Int("speed", int(speed)).Int("fans", f.count).Msg("Fan speed set")

	return nil
}

// restore hands every fan back to the driver's fan curve.
func (f *fans) restore() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.auto {
		return nil
	}

	for i := 0; i < f.count; i++ {
		if ret := f.device.SetDefaultFanSpeed_v2(i); !IsNVMLSuccess(ret) {
			return errors.New().Wrap(ErrEnableAutoFan, newNVMLError(ret))
		}
	}

	f.auto = true
	f.logger.Debug().Msg("Auto fan control: enabled")

	return nil
}

func (f *fans) isAuto() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.auto
}

// speeds queries the driver for the current speed of every fan. Fans that
// cannot be read report -1.
func (f *fans) speeds() []FanSpeed {
	out := make([]FanSpeed, f.count)
	for i := range out {
		speed, ret := f.device.GetFanSpeed_v2(i)
		if !IsNVMLSuccess(ret) {
			f.logger.Debug().Int("fan", i).Err(newNVMLError(ret)).Msg("Failed to get fan speed")
			out[i] = -1
			continue
		}
		out[i] = FanSpeed(speed)
	}

	return out
}
