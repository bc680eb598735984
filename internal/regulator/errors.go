package regulator

import "codeberg.org/mutker/gpufan/internal/errors"

const (
	ErrInvalidDevice = errors.ErrorCode("regulator_invalid_device")
	ErrInvalidConfig = errors.ErrorCode("regulator_invalid_config")
)
