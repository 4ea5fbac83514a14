package scheduler

import (
	"context"

	"codeberg.org/mutker/vitalsd/internal/vital"
)

// Sink receives one percentage per resolved probe.
type Sink interface {
	Update(v vital.Type, value float64)
}

// Attacher is implemented by sinks that can report a slot as detached.
// Updates for detached slots are skipped.
type Attacher interface {
	Attached(v vital.Type) bool
}

// ProbeFunc produces a value in [0, 100]. It may block; ctx is cancelled at teardown.
type ProbeFunc func(ctx context.Context) float64

// SinkFunc adapts a function to Sink.
type SinkFunc func(v vital.Type, value float64)

func (f SinkFunc) Update(v vital.Type, value float64) {
	f(v, value)
}
