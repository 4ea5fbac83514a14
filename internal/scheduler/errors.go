package scheduler

import "codeberg.org/mutker/vitalsd/internal/errors"

const (
	ErrNotRunning     = errors.ErrorCode("scheduler_not_running")
	ErrAlreadyPolling = errors.ErrorCode("scheduler_already_polling")
)
