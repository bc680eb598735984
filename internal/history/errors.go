package history

import "codeberg.org/mutker/gpufan/internal/errors"

const (
	ErrInvalidPath   = errors.ErrorCode("history_invalid_path")
	ErrInvalidRecord = errors.ErrorCode("history_invalid_record")
	ErrWriteFailed   = errors.ErrorCode("history_write_failed")
	ErrReadFailed    = errors.ErrorCode("history_read_failed")
)
