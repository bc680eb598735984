package regulator_test

import (
	"math/rand"
	"sync"
	"testing"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/regulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegulator(t *testing.T, initial float64, gate bool) *regulator.Regulator {
	t.Helper()

	r, err := regulator.New(regulator.Config{
		FanSpeedMin: 40,
		Scale:       0.1,
		Epsilon:     0.5,
		Initial:     initial,
		Gate:        gate,
		Setpoints:   []float64{50, 50},
	})
	require.NoError(t, err)

	return r
}

func TestClampToFloor(t *testing.T) {
	r := newRegulator(t, 95, true)

	st, applied, err := r.Apply(0, 80, 1000)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 40.0, st.Raw)
	assert.Equal(t, 0.0, st.Adjusted)
}

func TestClampToCeiling(t *testing.T) {
	r := newRegulator(t, 95, true)

	st, _, err := r.Apply(1, 80, -1000)
	require.NoError(t, err)
	assert.Equal(t, 100.0, st.Raw)
	assert.Equal(t, 100.0, st.Adjusted)
}

func TestSignConvention(t *testing.T) {
	r := newRegulator(t, 70, true)

	st, _, err := r.Apply(0, 60, 20)
	require.NoError(t, err)
	assert.InDelta(t, 68.0, st.Raw, 1e-9)

	st, _, err = r.Apply(0, 60, -20)
	require.NoError(t, err)
	assert.InDelta(t, 70.0, st.Raw, 1e-9)
}

func TestHysteresisBoundary(t *testing.T) {
	off := newRegulator(t, 40.0, true)
	st, _, err := off.Apply(0, 55, 0)
	require.NoError(t, err)
	assert.Equal(t, 40.0, st.Raw)
	assert.Equal(t, 0.0, st.Adjusted)

	on := newRegulator(t, 40.6, true)
	st, _, err = on.Apply(0, 55, 0)
	require.NoError(t, err)
	assert.Equal(t, 40.6, st.Raw)
	assert.Equal(t, 40.6, st.Adjusted)
}

func TestActivationGate(t *testing.T) {
	r := newRegulator(t, 0, true)

	st, applied, err := r.Apply(0, 45, -30)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, regulator.State{}, st)
	assert.Equal(t, regulator.State{}, r.Snapshot()[0])

	// at the setpoint the device becomes active and stays active below it
	st, applied, err = r.Apply(0, 50, -30)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 40.0, st.Raw)

	_, applied, err = r.Apply(0, 45, -10)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestGateDisabled(t *testing.T) {
	r := newRegulator(t, 0, false)

	st, applied, err := r.Apply(0, 45, -10)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 40.0, st.Raw)
	assert.Equal(t, 0.0, st.Adjusted)
}

func TestApplyTouchesOneDevice(t *testing.T) {
	r := newRegulator(t, 60, true)

	_, _, err := r.Apply(1, 70, -100)
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, regulator.State{Raw: 60, Adjusted: 60}, snap[0])
	assert.Equal(t, regulator.State{Raw: 70, Adjusted: 70}, snap[1])
	assert.Equal(t, []float64{60, 70}, r.Adjusted())
}

func TestInvalidDevice(t *testing.T) {
	r := newRegulator(t, 60, true)

	_, _, err := r.Apply(2, 70, 1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, regulator.ErrInvalidDevice))

	_, _, err = r.Apply(-1, 70, 1)
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := regulator.New(regulator.Config{FanSpeedMin: 40, Scale: 0.1})
	assert.True(t, errors.HasCode(err, regulator.ErrInvalidConfig))

	_, err = regulator.New(regulator.Config{FanSpeedMin: 40, Scale: 0, Setpoints: []float64{50}})
	assert.True(t, errors.HasCode(err, regulator.ErrInvalidConfig))
}

func TestInvariantsHold(t *testing.T) {
	for _, initial := range []float64{0, 40} {
		r := newRegulator(t, initial, true)
		rng := rand.New(rand.NewSource(42))

		for i := 0; i < 5000; i++ {
			device := rng.Intn(2)
			temp := 20 + rng.Float64()*70
			correction := (rng.Float64() - 0.5) * 400

			st, applied, err := r.Apply(device, temp, correction)
			require.NoError(t, err)
			if !applied {
				continue
			}

			assert.GreaterOrEqual(t, st.Raw, 40.0)
			assert.LessOrEqual(t, st.Raw, 100.0)
			if st.Adjusted != 0 {
				assert.GreaterOrEqual(t, st.Adjusted, 40.0)
				assert.LessOrEqual(t, st.Adjusted, 100.0)
			}
		}
	}
}

func TestConcurrentReadersSeeConsistentPairs(t *testing.T) {
	r := newRegulator(t, 60, false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, _, _ = r.Apply(i%2, 60, float64(i%7-3)*10)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			for _, st := range r.Snapshot() {
				if st.Adjusted != 0 {
					assert.Equal(t, st.Raw, st.Adjusted)
				}
			}
		}
	}()
	wg.Wait()
}
