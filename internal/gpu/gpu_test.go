package gpu

import (
	"context"
	"testing"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	temp     uint32
	tempRet  nvml.Return
	fans     int
	fanRet   nvml.Return
	speeds   []int
	defaults int
	setCalls int
	setRet   nvml.Return
	minSpeed int
	maxSpeed int
}

func newFakeDevice(temp uint32) *fakeDevice {
	return &fakeDevice{
		temp:     temp,
		fans:     2,
		speeds:   []int{30, 30},
		minSpeed: 30,
		maxSpeed: 100,
	}
}

func (d *fakeDevice) GetName() (string, nvml.Return) { return "Fake RTX", nvml.SUCCESS }

func (d *fakeDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	return d.temp, d.tempRet
}

func (d *fakeDevice) GetNumFans() (int, nvml.Return) { return d.fans, d.fanRet }

func (d *fakeDevice) GetMinMaxFanSpeed() (int, int, nvml.Return) {
	return d.minSpeed, d.maxSpeed, nvml.SUCCESS
}

func (d *fakeDevice) GetFanSpeed_v2(fan int) (uint32, nvml.Return) {
	return uint32(d.speeds[fan]), nvml.SUCCESS
}

func (d *fakeDevice) SetFanSpeed_v2(fan int, speed int) nvml.Return {
	d.setCalls++
	if d.setRet != nvml.SUCCESS {
		return d.setRet
	}
	d.speeds[fan] = speed
	return nvml.SUCCESS
}

func (d *fakeDevice) SetDefaultFanSpeed_v2(int) nvml.Return {
	d.defaults++
	return nvml.SUCCESS
}

type fakeLibrary struct {
	devices  []*fakeDevice
	shutdown bool
}

func (l *fakeLibrary) Initialize() error            { return nil }
func (l *fakeLibrary) Shutdown() error              { l.shutdown = true; return nil }
func (l *fakeLibrary) GetDeviceCount() (int, error) { return len(l.devices), nil }

func (l *fakeLibrary) GetDevice(index int) (Device, error) {
	return l.devices[index], nil
}

func TestNewRejectsTooFewDevices(t *testing.T) {
	lib := &fakeLibrary{devices: []*fakeDevice{newFakeDevice(40)}}

	_, err := newManager(lib, 2, logger.New())
	assert.True(t, errors.HasCode(err, ErrTooFewDevices))
	assert.True(t, lib.shutdown)
}

func TestRead(t *testing.T) {
	broken := newFakeDevice(0)
	broken.tempRet = nvml.ERROR_GPU_IS_LOST
	lib := &fakeLibrary{devices: []*fakeDevice{newFakeDevice(63), broken}}

	m, err := newManager(lib, 2, logger.New())
	require.NoError(t, err)

	readings, err := m.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 63.0, readings[0].Temperature)
	assert.NoError(t, readings[0].Err)
	assert.True(t, errors.HasCode(readings[1].Err, ErrTemperatureReadFailed))
}

func TestApplySetsRoundedClampedSpeed(t *testing.T) {
	dev := newFakeDevice(60)
	m, err := newManager(&fakeLibrary{devices: []*fakeDevice{dev}}, 1, logger.New())
	require.NoError(t, err)

	require.NoError(t, m.Apply(context.Background(), 0, 55.6))
	assert.Equal(t, []int{56, 56}, dev.speeds)
	assert.False(t, m.fans[0].isAuto())

	require.NoError(t, m.Apply(context.Background(), 0, 120))
	assert.Equal(t, []int{100, 100}, dev.speeds)

	calls := dev.setCalls
	require.NoError(t, m.Apply(context.Background(), 0, 100))
	assert.Equal(t, calls, dev.setCalls, "unchanged speed is not rewritten")
}

func TestApplyZeroRestoresAuto(t *testing.T) {
	dev := newFakeDevice(60)
	m, err := newManager(&fakeLibrary{devices: []*fakeDevice{dev}}, 1, logger.New())
	require.NoError(t, err)

	require.NoError(t, m.Apply(context.Background(), 0, 0))
	assert.Equal(t, 0, dev.defaults, "already in auto mode")

	require.NoError(t, m.Apply(context.Background(), 0, 45))
	require.NoError(t, m.Apply(context.Background(), 0, 0))
	assert.Equal(t, 2, dev.defaults)
	assert.True(t, m.fans[0].isAuto())
}

func TestApplyErrors(t *testing.T) {
	dev := newFakeDevice(60)
	dev.setRet = nvml.ERROR_NOT_SUPPORTED
	noFans := newFakeDevice(60)
	noFans.fanRet = nvml.ERROR_NOT_SUPPORTED

	m, err := newManager(&fakeLibrary{devices: []*fakeDevice{dev, noFans}}, 2, logger.New())
	require.NoError(t, err)

	assert.True(t, errors.HasCode(m.Apply(context.Background(), 0, 50), ErrSetFanSpeed))
	assert.True(t, errors.HasCode(m.Apply(context.Background(), 1, 50), ErrFanControlFailed))
	assert.True(t, errors.HasCode(m.Apply(context.Background(), 5, 50), errors.ErrInvalidArgument))
}

func TestShutdownRestoresAuto(t *testing.T) {
	dev := newFakeDevice(60)
	lib := &fakeLibrary{devices: []*fakeDevice{dev}}
	m, err := newManager(lib, 1, logger.New())
	require.NoError(t, err)

	require.NoError(t, m.Apply(context.Background(), 0, 70))
	require.NoError(t, m.Shutdown())

	assert.Equal(t, 2, dev.defaults)
	assert.True(t, lib.shutdown)
}

func TestFanSpeeds(t *testing.T) {
	dev := newFakeDevice(60)
	m, err := newManager(&fakeLibrary{devices: []*fakeDevice{dev}}, 1, logger.New())
	require.NoError(t, err)

	assert.Equal(t, []FanSpeed{30, 30}, m.FanSpeeds(0))

	require.NoError(t, m.Apply(context.Background(), 0, 64.4))
	assert.Equal(t, []FanSpeed{64, 64}, m.FanSpeeds(0))
	assert.Nil(t, m.FanSpeeds(3))
}
