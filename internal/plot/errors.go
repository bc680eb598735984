package plot

import "codeberg.org/mutker/gpufan/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("plot_invalid_config")
	ErrNoData        = errors.ErrorCode("plot_no_data")
	ErrReadFailed    = errors.ErrorCode("plot_read_failed")
	ErrRenderFailed  = errors.ErrorCode("plot_render_failed")
	ErrWriteFailed   = errors.ErrorCode("plot_write_failed")
)
