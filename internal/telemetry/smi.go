package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpufan/internal/errors"
)

const smiBinary = "nvidia-smi"

var smiArgs = []string{"--query-gpu=temperature.gpu", "--format=csv,noheader,nounits"}

// CommandRunner runs name with args and returns its trimmed stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// SMISource queries temperatures by running nvidia-smi, one line per GPU.
type SMISource struct {
	run CommandRunner
}

func NewSMISource() *SMISource {
	return &SMISource{run: runCommand}
}

// NewSMISourceWithRunner is used by tests to replace the subprocess.
func NewSMISourceWithRunner(run CommandRunner) *SMISource {
	return &SMISource{run: run}
}

func (s *SMISource) Read(ctx context.Context) ([]Reading, error) {
	out, err := s.run(ctx, smiBinary, smiArgs...)
	if err != nil {
		return nil, errors.New().Wrap(ErrCommandFailed, err)
	}

	return ParseSMIOutput(out), nil
}

// ParseSMIOutput turns nvidia-smi CSV output into readings. Lines that do not
// parse become per-device errors so the device order is preserved.
func ParseSMIOutput(out string) []Reading {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}

	lines := strings.Split(out, "\n")
	readings := make([]Reading, len(lines))
	for i, line := range lines {
		field := strings.TrimSpace(line)
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			readings[i] = Reading{Err: errors.New().WithData(ErrParseFailed, field)}
			continue
		}
		readings[i] = Reading{Temperature: v}
	}

	return readings
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSuffix(stdout.String(), "\n"), nil
}
