package vitals

import "codeberg.org/mutker/vitalsd/internal/errors"

const (
	ErrMissingSource  = errors.ErrorCode("vitals_missing_source")
	ErrAlreadyStarted = errors.ErrorCode("vitals_already_started")
)
