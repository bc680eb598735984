package telemetry_test

import (
	"context"
	"fmt"
	"testing"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSMIOutput(t *testing.T) {
	readings := telemetry.ParseSMIOutput("45\n 61 \n[N/A]\n")
	require.Len(t, readings, 3)

	assert.Equal(t, 45.0, readings[0].Temperature)
	assert.NoError(t, readings[0].Err)
	assert.Equal(t, 61.0, readings[1].Temperature)
	assert.True(t, errors.HasCode(readings[2].Err, telemetry.ErrParseFailed))

	assert.Empty(t, telemetry.ParseSMIOutput("  \n"))
}

func TestSMISourceRead(t *testing.T) {
	var gotName string
	var gotArgs []string
	src := telemetry.NewSMISourceWithRunner(func(_ context.Context, name string, args ...string) (string, error) {
		gotName, gotArgs = name, args
		return "50\n52", nil
	})

	readings, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "nvidia-smi", gotName)
	assert.Equal(t, []string{"--query-gpu=temperature.gpu", "--format=csv,noheader,nounits"}, gotArgs)
	assert.Len(t, readings, 2)
}

func TestSMISourceCommandFailure(t *testing.T) {
	src := telemetry.NewSMISourceWithRunner(func(context.Context, string, ...string) (string, error) {
		return "", fmt.Errorf("exit status 9")
	})

	_, err := src.Read(context.Background())
	assert.True(t, errors.HasCode(err, telemetry.ErrCommandFailed))
}
