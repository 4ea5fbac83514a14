package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidRange    ErrorCode = "invalid_temperature_range"

	// Lifecycle errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"
	ErrTornDown       ErrorCode = "torn_down"

	// Resource errors
	ErrResourceNotFound ErrorCode = "resource_not_found"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"

	// Vital errors
	ErrUnknownVital ErrorCode = "unknown_vital"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrUnavailable:      "Service unavailable",
	ErrInvalidConfig:    "Invalid configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read config file",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidRange:     "Invalid temperature range",
	ErrInitFailed:       "Initialization failed",
	ErrShutdownFailed:   "Shutdown failed",
	ErrAlreadyRunning:   "Another instance is already running",
	ErrTornDown:         "Subsystem has been torn down",
	ErrResourceNotFound: "Resource not found",
	ErrOperationFailed:  "Operation failed",
	ErrTimeout:          "Operation timed out",
	ErrUnknownVital:     "Unknown vital type",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
