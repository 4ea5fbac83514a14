package sink

import "codeberg.org/mutker/vitalsd/internal/errors"

const (
	ErrTextfileWrite = errors.ErrorCode("sink_textfile_write_failed")
)
