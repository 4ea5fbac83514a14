package sensor

import "codeberg.org/mutker/vitalsd/internal/errors"

const (
	// Probe Errors
	ErrReadFailed    = errors.ErrorCode("sensor_read_failed")
	ErrParseFailed   = errors.ErrorCode("sensor_parse_failed")
	ErrCommandFailed = errors.ErrorCode("sensor_command_failed")
	ErrPermission    = errors.ErrorCode("sensor_permission_denied")
	ErrReleased      = errors.ErrorCode("sensor_released")

	// Graphics Backend Errors
	ErrNVMLFailed = errors.ErrorCode("sensor_nvml_failed")
)
