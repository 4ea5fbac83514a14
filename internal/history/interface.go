package history

import (
	"context"

	"codeberg.org/mutker/vitalsd/internal/vital"
)

// Recorder is the service used by the history sink.
type Recorder interface {
	Record(ctx context.Context, sample vital.Sample) error
	Recent(ctx context.Context, v vital.Type, limit int) ([]vital.Sample, error)
	Close() error
	IsNoop() bool
}

// Repository stores samples, batching writes.
type Repository interface {
	Record(sample vital.Sample) error
	Recent(ctx context.Context, v vital.Type, limit int) ([]vital.Sample, error)
	Flush() error
	Close() error
}
