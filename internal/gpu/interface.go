// Package gpu talks to NVIDIA devices through NVML: it reads the core
// temperature of every regulated device and drives their fans.
package gpu

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// Device is the subset of nvml.Device gpufan relies on.
type Device interface {
	GetName() (string, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetNumFans() (int, nvml.Return)
	GetMinMaxFanSpeed() (int, int, nvml.Return)
	GetFanSpeed_v2(fan int) (uint32, nvml.Return)
	SetFanSpeed_v2(fan int, speed int) nvml.Return
	SetDefaultFanSpeed_v2(fan int) nvml.Return
}

// Domain types for type safety and validation
type (
	FanSpeed int

	FanSpeedLimits struct {
		Min, Max, Default FanSpeed
	}
)

// Clamp limits speed to [Min, Max].
func (l FanSpeedLimits) Clamp(speed FanSpeed) FanSpeed {
	if speed < l.Min {
		return l.Min
	}
	if speed > l.Max {
		return l.Max
	}
	return speed
}
