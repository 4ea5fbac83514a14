package config

import "codeberg.org/mutker/vitalsd/internal/errors"

const (
	ErrUnknownKey   = errors.ErrorCode("config_unknown_key")
	ErrInvalidValue = errors.ErrorCode("config_invalid_value")
)
