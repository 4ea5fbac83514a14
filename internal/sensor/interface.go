// Package sensor implements one metric source per vital. Every probe either
// returns a percentage in [0, 100] or a typed failure; nothing panics or
// escapes as an untyped error.
package sensor

import (
	"context"
	"sync/atomic"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/vital"
)

// Source obtains the current value of one vital.
type Source interface {
	Vital() vital.Type
	// Probe may block on file or subprocess I/O. It carries no timeout of
	// its own; ctx is cancelled when the owning subsystem is torn down.
	Probe(ctx context.Context) (float64, error)
	// Release permanently disables the source. Later probes do no I/O.
	Release()
}

// Discoverer is implemented by sources that locate their inputs once at
// startup and again whenever their breaker is reset.
type Discoverer interface {
	Discover(ctx context.Context)
}

// released is embedded by every source to implement Release.
type released struct {
	done atomic.Bool
}

func (r *released) Release() {
	r.done.Store(true)
}

func (r *released) isReleased() bool {
	return r.done.Load()
}

func releasedError(v vital.Type) error {
	return errors.New().WithData(ErrReleased, v.String())
}
