package gpu

import (
	"context"
	"math"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/logger"
	"codeberg.org/mutker/gpufan/internal/telemetry"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Manager owns the NVML session and one handle per regulated device. It
// serves as the telemetry source and the fan actuator of the control loop.
type Manager struct {
	lib     library
	devices []Device
	fans    []*fans
	logger  logger.Logger
}

// New initializes NVML and opens devices 0..count-1.
func New(count int, log logger.Logger) (*Manager, error) {
	return newManager(&nvmlWrapper{}, count, log)
}

func newManager(lib library, count int, log logger.Logger) (*Manager, error) {
	errFactory := errors.New()

	if err := lib.Initialize(); err != nil {
		return nil, err
	}

	available, err := lib.GetDeviceCount()
	if err != nil {
		lib.Shutdown()
		return nil, err
	}
	if available < count {
		lib.Shutdown()
		return nil, errFactory.WithData(ErrTooFewDevices, struct {
			Configured int
			Available  int
		}{
			Configured: count,
			Available:  available,
		})
	}

	m := &Manager{
		lib:     lib,
		devices: make([]Device, count),
		fans:    make([]*fans, count),
		logger:  log,
	}

	for i := 0; i < count; i++ {
		device, err := lib.GetDevice(i)
		if err != nil {
			lib.Shutdown()
			return nil, err
		}
		m.devices[i] = device

		if name, ret := device.GetName(); IsNVMLSuccess(ret) {
			log.Info().Int("device", i).Str("name", name).Msg("Detected GPU")
		}

		fc, err := openFans(device, log.WithComponent("fan"))
		if err != nil {
			// Monitoring still works without fan access.
			log.Warn().Int("device", i).Err(err).Msg("Fan control unavailable")
			continue
		}
		m.fans[i] = fc

		log.Debug().
			Int("device", i).
			Int("fans", fc.count).
			Int("min_speed", int(fc.limits.Min)).
			Int("max_speed", int(fc.limits.Max)).
			Msg("Detected fans")
	}

	return m, nil
}

// Read returns the core temperature of every device. A device that cannot be
// read is reported through its Reading.
func (m *Manager) Read(ctx context.Context) ([]telemetry.Reading, error) {
	readings := make([]telemetry.Reading, len(m.devices))
	for i, device := range m.devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
		if !IsNVMLSuccess(ret) {
			readings[i].Err = errors.New().Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
			continue
		}
		readings[i].Temperature = float64(temp)
	}

	return readings, nil
}

// Apply drives the fans of device to command percent, rounded and clamped to
// the driver limits. A command of 0 returns the fans to the driver.
func (m *Manager) Apply(_ context.Context, device int, command float64) error {
	errFactory := errors.New()

	if device < 0 || device >= len(m.fans) {
		return errFactory.WithData(errors.ErrInvalidArgument, device)
	}
	fc := m.fans[device]
	if fc == nil {
		return errFactory.WithData(ErrFanControlFailed, "fan control unavailable")
	}

	if command <= 0 {
		return fc.restore()
	}

	return fc.set(FanSpeed(math.Round(command)))
}

// FanSpeeds reports the driver-side speed of every fan of device.
func (m *Manager) FanSpeeds(device int) []FanSpeed {
	if device < 0 || device >= len(m.fans) || m.fans[device] == nil {
		return nil
	}

	return m.fans[device].speeds()
}

// Shutdown returns every fan to driver control and closes NVML.
func (m *Manager) Shutdown() error {
	for i, fc := range m.fans {
		if fc == nil {
			continue
		}
		if err := fc.restore(); err != nil {
			m.logger.Warn().Int("device", i).Err(err).Msg("Failed to restore auto fan control")
		}
	}

	return m.lib.Shutdown()
}
