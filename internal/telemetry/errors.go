package telemetry

import "codeberg.org/mutker/gpufan/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("telemetry_invalid_config")

	// Read Errors
	ErrUnavailable = errors.ErrorCode("telemetry_unavailable")
	ErrMalformed   = errors.ErrorCode("telemetry_malformed")
	ErrReadTimeout = errors.ErrorCode("telemetry_read_timeout")
	ErrSourcePanic = errors.ErrorCode("telemetry_source_panic")

	// Command Errors
	ErrCommandFailed = errors.ErrorCode("telemetry_command_failed")
	ErrParseFailed   = errors.ErrorCode("telemetry_parse_failed")
)
